// Package request wraps one kind of HTTP request with read-through caching
// and lifecycle notifications published on an event bus.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"

	"ifrelay/pkg/bus"
)

const (
	defaultTimeout          = 15 * time.Second
	defaultBreakerFailures  = uint32(5)
	defaultBreakerOpen      = 30 * time.Second
	defaultBreakerInterval  = 60 * time.Second
	maxResponseBytes        = 4 << 20
	securityTokenQueryParam = "st"
)

// CacheMode selects what happens after a cache hit.
type CacheMode int

const (
	// RefreshInBackground publishes the cached payload and still fetches a
	// fresh copy from the network.
	RefreshInBackground CacheMode = iota
	// NoBackgroundRefresh publishes the cached payload and stops there.
	NoBackgroundRefresh
)

// Params are the call-time parameters of one request. They feed the URL
// template and, for POST and PUT, become the JSON body.
type Params map[string]any

// URLFunc resolves the request URL from call-time parameters.
type URLFunc func(Params) string

// Cache stores network responses keyed by resolved URL.
type Cache interface {
	Get(key string) (json.RawMessage, bool)
	Add(key string, value json.RawMessage) bool
}

// NewCache returns a size-bounded cache whose entries expire after ttl.
func NewCache(size int, ttl time.Duration) *expirable.LRU[string, json.RawMessage] {
	return expirable.NewLRU[string, json.RawMessage](size, nil, ttl)
}

// Descriptor names one request type.
type Descriptor struct {
	Name   string
	Method string
	URL    URLFunc
	// Body selects the JSON body for POST and PUT. When nil the params are sent.
	Body func(Params) any
	Mode CacheMode
}

// BreakerSettings configures the circuit breaker around the network call.
type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

type response struct {
	status int
	body   []byte
}

// Wrapper executes one request type and publishes its lifecycle.
type Wrapper struct {
	desc          Descriptor
	keys          Keys
	bus           bus.Bus
	cache         Cache
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[*response]
	breakerConfig BreakerSettings
	securityToken string
	log           *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithCache enables read-through caching.
func WithCache(cache Cache) Option {
	return func(w *Wrapper) {
		w.cache = cache
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Wrapper) {
		if client != nil {
			w.client = client
		}
	}
}

// WithSecurityToken appends the token as the st query parameter.
func WithSecurityToken(token string) Option {
	return func(w *Wrapper) {
		w.securityToken = token
	}
}

// WithBreaker overrides circuit breaker settings. Zero fields keep defaults.
func WithBreaker(settings BreakerSettings) Option {
	return func(w *Wrapper) {
		w.breakerConfig = settings
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Wrapper) {
		if log != nil {
			w.log = log
		}
	}
}

// New creates a wrapper publishing on eventBus. A nil bus gets a private one.
func New(desc Descriptor, eventBus bus.Bus, opts ...Option) *Wrapper {
	if desc.Method == "" {
		desc.Method = http.MethodGet
	}

	w := &Wrapper{
		desc:   desc,
		keys:   KeysFor(desc.Name),
		client: &http.Client{Timeout: defaultTimeout},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.log = w.log.With("component", "request", "request", desc.Name)
	if eventBus == nil {
		eventBus = bus.NewEventBus(w.log)
	}
	w.bus = eventBus
	w.breaker = newBreaker(desc.Name, w.breakerConfig, w.log)

	return w
}

func newBreaker(name string, cfg BreakerSettings, log *slog.Logger) *gobreaker.CircuitBreaker[*response] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerOpen
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	return gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "request:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Name returns the descriptor name.
func (w *Wrapper) Name() string {
	return w.desc.Name
}

// Keys returns the event keys this wrapper publishes on.
func (w *Wrapper) Keys() Keys {
	return w.keys
}

// Bus returns the event bus the wrapper publishes on.
func (w *Wrapper) Bus() bus.Bus {
	return w.bus
}

// Execute resolves the URL for params and runs the request.
//
// With useCache set and a cached entry present, the success event is
// published with FromCache before Execute returns. The network request then
// runs in the background unless the descriptor mode is NoBackgroundRefresh.
// The returned channel closes once complete has been published, or right away
// when no network request is made. Failures are only reported through the
// error event.
func (w *Wrapper) Execute(ctx context.Context, params Params, useCache bool) <-chan struct{} {
	done := make(chan struct{})
	target := w.resolve(params)

	if useCache && w.cache != nil {
		if cached, ok := w.cache.Get(target); ok {
			w.bus.Publish(w.keys.Success, SuccessEvent{Request: target, Response: cached, FromCache: true, Params: params})
			if w.desc.Mode == NoBackgroundRefresh {
				close(done)
				return done
			}
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(done)
		w.roundTrip(ctx, target, params)
	}()

	return done
}

// Wait blocks until every in-flight request has completed.
func (w *Wrapper) Wait() {
	w.wg.Wait()
}

// Observe subscribes to success and error events. Nil handlers are skipped.
func (w *Wrapper) Observe(onSuccess func(SuccessEvent), onError func(ErrorEvent)) {
	if onSuccess != nil {
		w.bus.Subscribe(w.keys.Success, bus.Typed(onSuccess))
	}
	if onError != nil {
		w.bus.Subscribe(w.keys.Error, bus.Typed(onError))
	}
}

// ObserveServerCallStatus subscribes to beforeSend and complete events.
func (w *Wrapper) ObserveServerCallStatus(onBeforeSend func(StatusEvent), onComplete func(StatusEvent)) {
	if onBeforeSend != nil {
		w.bus.Subscribe(w.keys.BeforeSend, bus.Typed(onBeforeSend))
	}
	if onComplete != nil {
		w.bus.Subscribe(w.keys.Complete, bus.Typed(onComplete))
	}
}

func (w *Wrapper) resolve(params Params) string {
	if w.desc.URL == nil {
		return ""
	}
	return w.desc.URL(params)
}

func (w *Wrapper) roundTrip(ctx context.Context, target string, params Params) {
	w.bus.Publish(w.keys.BeforeSend, StatusEvent{Request: target, Method: w.desc.Method, Params: params})

	started := time.Now()
	resp, err := w.breaker.Execute(func() (*response, error) {
		return w.send(ctx, target, params)
	})
	if err == nil {
		err = checkResponse(resp)
	}

	status := 0
	if resp != nil {
		status = resp.status
	}

	if err != nil {
		reqErr := classify(err)
		if reqErr.Status == 0 {
			reqErr.Status = status
		}
		w.log.Warn("Request failed", "url", target, "status", reqErr.Status, "category", reqErr.Category, "error", err)
		w.bus.Publish(w.keys.Error, ErrorEvent{Request: target, Status: reqErr.Status, Err: reqErr, Params: params})
		w.bus.Publish(w.keys.Complete, StatusEvent{Request: target, Method: w.desc.Method, Params: params, Status: reqErr.Status, Err: reqErr, Duration: time.Since(started)})
		return
	}

	body := json.RawMessage(resp.body)
	if len(bytes.TrimSpace(body)) == 0 {
		body = json.RawMessage("null")
	}

	if w.cache != nil {
		w.cache.Add(target, body)
	}

	w.log.Debug("Request completed", "url", target, "status", status, "duration", time.Since(started))
	w.bus.Publish(w.keys.Success, SuccessEvent{Request: target, Response: body, Params: params})
	w.bus.Publish(w.keys.Complete, StatusEvent{Request: target, Method: w.desc.Method, Params: params, Status: status, Duration: time.Since(started)})
}

// send performs the HTTP call. Server errors are returned as errors so they
// count against the breaker; client errors are left for checkResponse.
func (w *Wrapper) send(ctx context.Context, target string, params Params) (*response, error) {
	endpoint, err := w.withSecurityToken(target)
	if err != nil {
		return nil, &Error{Category: ErrorNetwork, Detail: "invalid url", Err: err}
	}

	var body io.Reader
	if w.desc.Method == http.MethodPost || w.desc.Method == http.MethodPut {
		var value any = params
		if w.desc.Body != nil {
			value = w.desc.Body(params)
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, &Error{Category: ErrorDecode, Detail: "encode request body", Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, w.desc.Method, endpoint, body)
	if err != nil {
		return nil, &Error{Category: ErrorNetwork, Detail: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", w.desc.Method, target, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp := &response{status: httpResp.StatusCode, body: data}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return resp, &Error{Category: ErrorStatus, Status: httpResp.StatusCode, Detail: http.StatusText(httpResp.StatusCode)}
	}

	return resp, nil
}

func (w *Wrapper) withSecurityToken(target string) (string, error) {
	if w.securityToken == "" {
		return target, nil
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set(securityTokenQueryParam, w.securityToken)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

func checkResponse(resp *response) error {
	if resp.status < http.StatusOK || resp.status >= http.StatusMultipleChoices {
		return &Error{Category: ErrorStatus, Status: resp.status, Detail: http.StatusText(resp.status)}
	}

	trimmed := bytes.TrimSpace(resp.body)
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return &Error{Category: ErrorDecode, Status: resp.status, Detail: "response is not valid JSON"}
	}

	return nil
}
