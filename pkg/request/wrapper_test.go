package request

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ifrelay/pkg/bus"
)

type recorded struct {
	key  string
	data any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) watch(b bus.Bus, keys Keys) {
	for _, key := range []string{keys.BeforeSend, keys.Success, keys.Error, keys.Complete} {
		b.Subscribe(key, func(data any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, recorded{key: key, data: data})
		})
	}
}

func (r *recorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *recorder) keys() []string {
	var keys []string
	for _, event := range r.snapshot() {
		keys = append(keys, event.key)
	}
	return keys
}

type countingCache struct {
	Cache
	adds atomic.Int32
}

func (c *countingCache) Add(key string, value json.RawMessage) bool {
	c.adds.Add(1)
	return c.Cache.Add(key, value)
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}
}

func newWrapper(t *testing.T, server *httptest.Server, mode CacheMode, opts ...Option) (*Wrapper, *recorder) {
	t.Helper()

	desc := Descriptor{
		Name: "feed",
		URL: func(params Params) string {
			return server.URL + "/feeds/" + params["id"].(string)
		},
		Mode: mode,
	}
	w := New(desc, bus.NewEventBus(nil), opts...)
	rec := &recorder{}
	rec.watch(w.Bus(), w.Keys())
	t.Cleanup(w.Wait)

	return w, rec
}

func TestExecuteServesCacheThenRefreshes(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int32{"version": n})
	}))
	t.Cleanup(server.Close)

	cache := &countingCache{Cache: NewCache(8, time.Minute)}
	wrapper, rec := newWrapper(t, server, RefreshInBackground, WithCache(cache))
	params := Params{"id": "7"}

	waitDone(t, wrapper.Execute(context.Background(), params, true))
	require.Equal(t, []string{"feed.beforeSend", "feed.success", "feed.complete"}, rec.keys())

	before := len(rec.snapshot())
	done := wrapper.Execute(context.Background(), params, true)

	events := rec.snapshot()
	require.Greater(t, len(events), before)
	first := events[before]
	require.Equal(t, "feed.success", first.key)
	cached := first.data.(SuccessEvent)
	require.True(t, cached.FromCache)
	require.JSONEq(t, `{"version":1}`, string(cached.Response))
	require.Equal(t, params, cached.Params)

	waitDone(t, done)

	events = rec.snapshot()[before:]
	require.Len(t, events, 4)
	require.Equal(t, "feed.beforeSend", events[1].key)
	fresh := events[2].data.(SuccessEvent)
	require.False(t, fresh.FromCache)
	require.JSONEq(t, `{"version":2}`, string(fresh.Response))
	require.Equal(t, "feed.complete", events[3].key)

	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(2), cache.adds.Load())
}

func TestExecuteWithoutBackgroundRefresh(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`["a","b"]`))
	}))
	t.Cleanup(server.Close)

	wrapper, rec := newWrapper(t, server, NoBackgroundRefresh, WithCache(NewCache(8, time.Minute)))
	params := Params{"id": "1"}

	waitDone(t, wrapper.Execute(context.Background(), params, true))

	done := wrapper.Execute(context.Background(), params, true)
	select {
	case <-done:
	default:
		t.Fatal("cache hit without refresh should complete immediately")
	}

	require.Equal(t, int32(1), hits.Load())
	events := rec.snapshot()
	require.Len(t, events, 4)
	require.True(t, events[3].data.(SuccessEvent).FromCache)
}

func TestExecuteSkipsCacheWhenNotRequested(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	wrapper, rec := newWrapper(t, server, RefreshInBackground, WithCache(NewCache(8, time.Minute)))
	params := Params{"id": "1"}

	waitDone(t, wrapper.Execute(context.Background(), params, true))
	waitDone(t, wrapper.Execute(context.Background(), params, false))

	require.Equal(t, int32(2), hits.Load())
	for _, event := range rec.snapshot() {
		if success, ok := event.data.(SuccessEvent); ok {
			require.False(t, success.FromCache)
		}
	}
}

func TestExecutePublishesStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	cache := &countingCache{Cache: NewCache(8, time.Minute)}
	wrapper, rec := newWrapper(t, server, RefreshInBackground, WithCache(cache))
	params := Params{"id": "404"}

	waitDone(t, wrapper.Execute(context.Background(), params, true))

	require.Equal(t, []string{"feed.beforeSend", "feed.error", "feed.complete"}, rec.keys())
	failure := rec.snapshot()[1].data.(ErrorEvent)
	require.Equal(t, http.StatusNotFound, failure.Status)
	require.Equal(t, server.URL+"/feeds/404", failure.Request)
	require.Equal(t, params, failure.Params)
	require.ErrorIs(t, failure.Err, ErrStatus)

	complete := rec.snapshot()[2].data.(StatusEvent)
	require.Equal(t, http.StatusNotFound, complete.Status)
	require.Error(t, complete.Err)
	require.Zero(t, cache.adds.Load())
}

func TestExecutePublishesNetworkErrors(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	wrapper, rec := newWrapper(t, server, RefreshInBackground)
	waitDone(t, wrapper.Execute(context.Background(), Params{"id": "1"}, false))

	require.Equal(t, []string{"feed.beforeSend", "feed.error", "feed.complete"}, rec.keys())
	failure := rec.snapshot()[1].data.(ErrorEvent)
	require.ErrorIs(t, failure.Err, ErrNetwork)
	require.Zero(t, failure.Status)
}

func TestExecuteRejectsInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	t.Cleanup(server.Close)

	wrapper, rec := newWrapper(t, server, RefreshInBackground)
	waitDone(t, wrapper.Execute(context.Background(), Params{"id": "1"}, false))

	failure := rec.snapshot()[1].data.(ErrorEvent)
	require.ErrorIs(t, failure.Err, ErrDecode)
	require.Equal(t, http.StatusOK, failure.Status)
}

func TestExecuteSendsSecurityTokenAndBody(t *testing.T) {
	type seen struct {
		method string
		token  string
		body   map[string]any
	}
	got := make(chan seen, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- seen{method: r.Method, token: r.URL.Query().Get("st"), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	desc := Descriptor{
		Name:   "prefs",
		Method: http.MethodPut,
		URL:    func(Params) string { return server.URL + "/prefs/42" },
	}
	wrapper := New(desc, nil, WithSecurityToken("owner:viewer"))
	rec := &recorder{}
	rec.watch(wrapper.Bus(), wrapper.Keys())

	waitDone(t, wrapper.Execute(context.Background(), Params{"eureka-container-gadget-title": "Hi"}, false))

	req := <-got
	require.Equal(t, http.MethodPut, req.method)
	require.Equal(t, "owner:viewer", req.token)
	require.Equal(t, map[string]any{"eureka-container-gadget-title": "Hi"}, req.body)

	success := rec.snapshot()[1].data.(SuccessEvent)
	require.JSONEq(t, `null`, string(success.Response))
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	wrapper, rec := newWrapper(t, server, RefreshInBackground, WithBreaker(BreakerSettings{MaxFailures: 1, Timeout: time.Minute}))

	waitDone(t, wrapper.Execute(context.Background(), Params{"id": "1"}, false))
	waitDone(t, wrapper.Execute(context.Background(), Params{"id": "1"}, false))

	require.Equal(t, int32(1), hits.Load())

	var failures []ErrorEvent
	for _, event := range rec.snapshot() {
		if failure, ok := event.data.(ErrorEvent); ok {
			failures = append(failures, failure)
		}
	}
	require.Len(t, failures, 2)
	require.ErrorIs(t, failures[0].Err, ErrStatus)
	require.Equal(t, http.StatusBadGateway, failures[0].Status)
	require.ErrorIs(t, failures[1].Err, ErrCircuitOpen)
}

func TestObserveHelpers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)

	wrapper, _ := newWrapper(t, server, RefreshInBackground)

	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	wrapper.Observe(func(SuccessEvent) { note("success") }, func(ErrorEvent) { note("error") })
	wrapper.ObserveServerCallStatus(func(StatusEvent) { note("before") }, func(StatusEvent) { note("complete") })

	waitDone(t, wrapper.Execute(context.Background(), Params{"id": "1"}, false))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"before", "success", "complete"}, order)
}
