package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Port, 1)
	host := NewWebSocketHost(func(frameID string, token string, port Port) error {
		if frameID != "remote_iframe_7" || token != "tok" {
			return errors.New("unexpected frame")
		}
		accepted <- port
		return nil
	}, WebSocketHostOptions{}, nil)

	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc?frame=remote_iframe_7&token=tok"
	client, err := DialWebSocket(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var server Port
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("host did not accept frame")
	}

	require.NoError(t, client.Post(ctx, []byte(`{"kind":"notify"}`)))
	got, err := server.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"notify"}`, string(got))

	require.NoError(t, server.Post(ctx, []byte(`{"kind":"response"}`)))
	got, err = client.Receive(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"response"}`, string(got))
}

func TestWebSocketRejectsMissingFrame(t *testing.T) {
	host := NewWebSocketHost(func(string, string, Port) error { return nil }, WebSocketHostOptions{}, nil)
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/rpc")
	require.Error(t, err)
}

func TestWebSocketHostPacingOptions(t *testing.T) {
	t.Parallel()

	unpaced := NewWebSocketHost(nil, WebSocketHostOptions{}, nil)
	require.Equal(t, rate.Inf, unpaced.limit)
	require.Equal(t, 1, unpaced.burst)
	require.NotEmpty(t, unpaced.originPatterns)

	paced := NewWebSocketHost(nil, WebSocketHostOptions{MessagesPerSecond: 20, Burst: 5, OriginPatterns: []string{"portal.example.com"}}, nil)
	require.Equal(t, rate.Limit(20), paced.limit)
	require.Equal(t, 5, paced.burst)
	require.Equal(t, []string{"portal.example.com"}, paced.originPatterns)
}

func TestWebSocketHostPacesInboundMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const (
		perSecond = 10
		burst     = 2
		extra     = 3
	)

	accepted := make(chan Port, 1)
	host := NewWebSocketHost(func(_ string, _ string, port Port) error {
		accepted <- port
		return nil
	}, WebSocketHostOptions{MessagesPerSecond: perSecond, Burst: burst}, nil)

	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	client, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/rpc?frame=remote_iframe_7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	server := <-accepted

	for range burst + extra {
		require.NoError(t, client.Post(ctx, []byte(`{"kind":"notify"}`)))
	}

	started := time.Now()
	for range burst + extra {
		_, err := server.Receive(ctx)
		require.NoError(t, err)
	}
	elapsed := time.Since(started)

	// The burst is free; every further message waits one token interval.
	minimum := time.Duration(extra) * time.Second / perSecond
	require.GreaterOrEqual(t, elapsed, minimum-20*time.Millisecond)
}
