package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Port, 1)
	host := NewPollHost("/poll/", func(frameID string, token string, port Port) error {
		if frameID != "remote_iframe_3" || token != "secret" {
			return errors.New("unexpected frame")
		}
		accepted <- port
		return nil
	}, 200*time.Millisecond, nil)

	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	client, err := DialPoll(ctx, srv.URL+"/poll", "remote_iframe_3", "secret", srv.Client())
	require.NoError(t, err)

	server := <-accepted

	require.NoError(t, client.Post(ctx, []byte(`{"kind":"request"}`)))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"request"}`, string(got))

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = server.Post(context.Background(), []byte(`{"kind":"response"}`))
	}()

	got, err = client.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"response"}`, string(got))

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestPollRejectedFrame(t *testing.T) {
	host := NewPollHost("/poll", func(string, string, Port) error {
		return errors.New("bad token")
	}, time.Second, nil)

	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	_, err := DialPoll(context.Background(), srv.URL+"/poll", "remote_iframe_1", "nope", srv.Client())
	require.Error(t, err)
}

func TestPollSendToUnknownMailbox(t *testing.T) {
	host := NewPollHost("/poll/", func(string, string, Port) error { return nil }, time.Second, nil)
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	p := &pollPort{frameID: "missing", client: srv.Client(), done: make(chan struct{})}
	base, err := parseBase(srv.URL + "/poll")
	require.NoError(t, err)
	p.base = base

	err = p.Post(context.Background(), []byte("{}"))
	require.ErrorIs(t, err, ErrClosed)
}

func newTokenPollHost(t *testing.T, accepted chan Port) *httptest.Server {
	t.Helper()

	host := NewPollHost("/poll/", func(frameID string, token string, port Port) error {
		if token != "secret" {
			return errors.New("bad token")
		}
		accepted <- port
		return nil
	}, 100*time.Millisecond, nil)

	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)
	return srv
}

func pollRequest(t *testing.T, srv *httptest.Server, method string, path string, session string) int {
	t.Helper()

	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(`{"kind":"notify","procedure":"x"}`))
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	drainClose(resp.Body)
	return resp.StatusCode
}

func TestPollMailboxRequiresSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Port, 2)
	srv := newTokenPollHost(t, accepted)

	client, err := DialPoll(ctx, srv.URL+"/poll", "remote_iframe_3", "secret", srv.Client())
	require.NoError(t, err)
	server := <-accepted

	require.NoError(t, server.Post(ctx, []byte(`{"kind":"response","token":"secret"}`)))

	require.Equal(t, http.StatusForbidden, pollRequest(t, srv, http.MethodGet, "/poll/recv?frame=remote_iframe_3", ""))
	require.Equal(t, http.StatusForbidden, pollRequest(t, srv, http.MethodGet, "/poll/recv?frame=remote_iframe_3", "01ARZ3NDEKTSV4RRFFQ69G5FAV"))
	require.Equal(t, http.StatusForbidden, pollRequest(t, srv, http.MethodPost, "/poll/send?frame=remote_iframe_3", ""))
	require.Equal(t, http.StatusForbidden, pollRequest(t, srv, http.MethodPost, "/poll/close?frame=remote_iframe_3", ""))

	got, err := client.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"response","token":"secret"}`, string(got))

	require.NoError(t, client.Post(ctx, []byte(`{"kind":"notify"}`)))
	got, err = server.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"notify"}`, string(got))
}

func TestPollReopenNeedsToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Port, 2)
	srv := newTokenPollHost(t, accepted)

	client, err := DialPoll(ctx, srv.URL+"/poll", "remote_iframe_3", "secret", srv.Client())
	require.NoError(t, err)
	server := <-accepted

	require.Equal(t, http.StatusForbidden, pollRequest(t, srv, http.MethodPost, "/poll/open?frame=remote_iframe_3", ""))
	_, err = DialPoll(ctx, srv.URL+"/poll", "remote_iframe_3", "wrong", srv.Client())
	require.Error(t, err)

	require.NoError(t, client.Post(ctx, []byte(`{"kind":"notify"}`)))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"notify"}`, string(got))
}

func TestPollReopenSupersedesPreviousSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Port, 2)
	srv := newTokenPollHost(t, accepted)

	first, err := DialPoll(ctx, srv.URL+"/poll", "remote_iframe_3", "secret", srv.Client())
	require.NoError(t, err)
	<-accepted

	second, err := DialPoll(ctx, srv.URL+"/poll", "remote_iframe_3", "secret", srv.Client())
	require.NoError(t, err)
	server := <-accepted

	err = first.Post(ctx, []byte(`{"kind":"notify"}`))
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, server.Post(ctx, []byte(`{"kind":"response"}`)))
	got, err := second.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"response"}`, string(got))
}
