package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const maxMessageBytes = 1 << 20

// ConnectFunc is called for every accepted frame connection. Returning an error
// rejects the frame and closes the connection.
type ConnectFunc func(frameID string, token string, port Port) error

// WebSocketHost accepts frame connections on /rpc?frame=<id>&token=<rpctoken>.
type WebSocketHost struct {
	onConnect      ConnectFunc
	limit          rate.Limit
	burst          int
	originPatterns []string
	log            *slog.Logger
}

// WebSocketHostOptions tunes inbound pacing and origin checks.
type WebSocketHostOptions struct {
	// MessagesPerSecond paces inbound envelopes per connection. Zero disables pacing.
	MessagesPerSecond float64
	Burst             int
	OriginPatterns    []string
}

func NewWebSocketHost(onConnect ConnectFunc, opts WebSocketHostOptions, log *slog.Logger) *WebSocketHost {
	if log == nil {
		log = slog.Default()
	}

	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	origins := opts.OriginPatterns
	if len(origins) == 0 {
		origins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
	}

	return &WebSocketHost{
		onConnect:      onConnect,
		limit:          limit,
		burst:          burst,
		originPatterns: origins,
		log:            log.With("component", "transport.websocket"),
	}
}

func (h *WebSocketHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frameID := strings.TrimSpace(r.URL.Query().Get("frame"))
	if frameID == "" {
		http.Error(w, "frame is required", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.log.Warn("WebSocket accept failed", "frame", frameID, "error", err)
		return
	}

	port := newWebSocketPort(conn, rate.NewLimiter(h.limit, h.burst))
	if err := h.onConnect(frameID, token, port); err != nil {
		h.log.Warn("Frame rejected", "frame", frameID, "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "frame rejected")
		return
	}

	h.log.Info("Frame connected", "frame", frameID)
	<-port.done
	h.log.Info("Frame disconnected", "frame", frameID)
}

// DialWebSocket connects to a WebSocketHost as the given frame.
func DialWebSocket(ctx context.Context, rawURL string) (Port, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	return newWebSocketPort(conn, nil), nil
}

type webSocketPort struct {
	conn    *websocket.Conn
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newWebSocketPort(conn *websocket.Conn, limiter *rate.Limiter) *webSocketPort {
	conn.SetReadLimit(maxMessageBytes)
	return &webSocketPort{
		conn:    conn,
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

func (p *webSocketPort) Post(ctx context.Context, data []byte) error {
	if p.isClosed() {
		return ErrClosed
	}

	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if p.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Receive blocks for the next message. Cancelling ctx closes the underlying
// connection, so callers pass a context scoped to the port's lifetime.
func (p *webSocketPort) Receive(ctx context.Context) ([]byte, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	_, data, err := p.conn.Read(ctx)
	if err != nil {
		p.markClosed()
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) || errors.Is(err, context.Canceled) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("websocket read: %w: %w", ErrClosed, err)
	}
	return data, nil
}

func (p *webSocketPort) Close() error {
	if p.isClosed() {
		return nil
	}
	p.markClosed()
	return p.conn.Close(websocket.StatusNormalClosure, "")
}

func (p *webSocketPort) markClosed() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *webSocketPort) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
