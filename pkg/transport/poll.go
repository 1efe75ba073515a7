package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	defaultPollWait = 25 * time.Second
	pollBodyLimit   = maxMessageBytes

	// SessionHeader carries the mailbox session issued by open.
	SessionHeader = "X-Poll-Session"
)

// PollHost is the long-poll fallback for frames that cannot hold a WebSocket.
// A frame opens a mailbox, posts envelopes to send and long-polls recv.
//
//	POST <prefix>open?frame=<id>&token=<rpctoken>   200 {"session": ...}, 403 when rejected
//	POST <prefix>send?frame=<id>   body = envelope
//	GET  <prefix>recv?frame=<id>   200 with one envelope, 204 when idle, 410 once closed
//	POST <prefix>close?frame=<id>
//
// send, recv and close must carry the session in SessionHeader; a wrong or
// superseded session gets 403. Every open is checked by the ConnectFunc, and
// an accepted open replaces the frame's previous mailbox.
type PollHost struct {
	prefix    string
	onConnect ConnectFunc
	wait      time.Duration
	log       *slog.Logger

	openMu    sync.Mutex
	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

type mailbox struct {
	session string
	port    Port
}

type openResponse struct {
	Session string `json:"session"`
}

func NewPollHost(prefix string, onConnect ConnectFunc, wait time.Duration, log *slog.Logger) *PollHost {
	if wait <= 0 {
		wait = defaultPollWait
	}
	if log == nil {
		log = slog.Default()
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &PollHost{
		prefix:    prefix,
		onConnect: onConnect,
		wait:      wait,
		log:       log.With("component", "transport.poll"),
		mailboxes: make(map[string]*mailbox),
	}
}

func (h *PollHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frameID := strings.TrimSpace(r.URL.Query().Get("frame"))
	if frameID == "" {
		http.Error(w, "frame is required", http.StatusBadRequest)
		return
	}

	op := strings.TrimPrefix(r.URL.Path, h.prefix)
	if op == "open" {
		h.handleOpen(w, r, frameID)
		return
	}

	box, status := h.authorize(frameID, r.Header.Get(SessionHeader))
	if box == nil {
		w.WriteHeader(status)
		return
	}

	switch op {
	case "send":
		h.handleSend(w, r, frameID, box)
	case "recv":
		h.handleRecv(w, r, frameID, box)
	case "close":
		h.handleClose(w, frameID, box)
	default:
		http.NotFound(w, r)
	}
}

func (h *PollHost) handleOpen(w http.ResponseWriter, r *http.Request, frameID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := newSession()
	if err != nil {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	h.openMu.Lock()
	defer h.openMu.Unlock()

	hostEnd, frameEnd := Pipe()
	if err := h.onConnect(frameID, r.URL.Query().Get("token"), hostEnd); err != nil {
		_ = hostEnd.Close()
		h.log.Warn("Frame rejected", "frame", frameID, "error", err)
		http.Error(w, "frame rejected", http.StatusForbidden)
		return
	}

	h.mu.Lock()
	previous := h.mailboxes[frameID]
	h.mailboxes[frameID] = &mailbox{session: session, port: frameEnd}
	h.mu.Unlock()

	if previous != nil {
		_ = previous.port.Close()
		h.log.Info("Frame mailbox superseded", "frame", frameID)
	}

	h.log.Info("Frame opened mailbox", "frame", frameID)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(openResponse{Session: session}); err != nil {
		h.log.Warn("Failed to write open response", "frame", frameID, "error", err)
	}
}

func (h *PollHost) handleSend(w http.ResponseWriter, r *http.Request, frameID string, box *mailbox) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, pollBodyLimit))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := box.port.Post(r.Context(), body); err != nil {
		if errors.Is(err, ErrClosed) {
			h.drop(frameID, box)
			w.WriteHeader(http.StatusGone)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *PollHost) handleRecv(w http.ResponseWriter, r *http.Request, frameID string, box *mailbox) {
	ctx, cancel := context.WithTimeout(r.Context(), h.wait)
	defer cancel()

	msg, err := box.port.Receive(ctx)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(msg)
	case errors.Is(err, ErrClosed):
		h.drop(frameID, box)
		w.WriteHeader(http.StatusGone)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *PollHost) handleClose(w http.ResponseWriter, frameID string, box *mailbox) {
	_ = box.port.Close()
	h.drop(frameID, box)
	w.WriteHeader(http.StatusNoContent)
}

// authorize returns the open mailbox of frameID when session matches it.
// Otherwise it returns the status to answer with.
func (h *PollHost) authorize(frameID string, session string) (*mailbox, int) {
	h.mu.Lock()
	box, ok := h.mailboxes[frameID]
	h.mu.Unlock()

	if !ok {
		return nil, http.StatusGone
	}
	if session == "" || subtle.ConstantTimeCompare([]byte(box.session), []byte(session)) != 1 {
		return nil, http.StatusForbidden
	}
	return box, 0
}

// drop forgets box unless the frame has already opened a newer mailbox.
func (h *PollHost) drop(frameID string, box *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mailboxes[frameID] == box {
		delete(h.mailboxes, frameID)
	}
}

func newSession() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("new poll session: %w", err)
	}
	return id.String(), nil
}

// pollPort is the frame side of a PollHost mailbox.
type pollPort struct {
	base    *url.URL
	frameID string
	session string
	client  *http.Client

	done      chan struct{}
	closeOnce sync.Once
}

// DialPoll opens a mailbox for frameID on the PollHost mounted at baseURL.
func DialPoll(ctx context.Context, baseURL string, frameID string, token string, client *http.Client) (Port, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}

	p := &pollPort{base: base, frameID: frameID, client: client, done: make(chan struct{})}

	query := url.Values{"frame": {frameID}}
	if token != "" {
		query.Set("token", token)
	}
	resp, err := p.do(ctx, http.MethodPost, "open", query, nil)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open mailbox: unexpected status %d", resp.StatusCode)
	}

	var opened openResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, pollBodyLimit)).Decode(&opened); err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	if opened.Session == "" {
		return nil, errors.New("open mailbox: no session issued")
	}
	p.session = opened.Session

	return p, nil
}

func parseBase(baseURL string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse poll url: %w", err)
	}
	return base, nil
}

func (p *pollPort) Post(ctx context.Context, data []byte) error {
	if p.isClosed() {
		return ErrClosed
	}

	resp, err := p.do(ctx, http.MethodPost, "send", url.Values{"frame": {p.frameID}}, data)
	if err != nil {
		return err
	}
	drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusGone, http.StatusNotFound, http.StatusForbidden:
		p.markClosed()
		return ErrClosed
	default:
		return fmt.Errorf("poll send: unexpected status %d", resp.StatusCode)
	}
}

func (p *pollPort) Receive(ctx context.Context) ([]byte, error) {
	for {
		if p.isClosed() {
			return nil, ErrClosed
		}

		resp, err := p.do(ctx, http.MethodGet, "recv", url.Values{"frame": {p.frameID}}, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, err := io.ReadAll(io.LimitReader(resp.Body, pollBodyLimit))
			drainClose(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("poll recv: %w", err)
			}
			return body, nil
		case http.StatusNoContent:
			drainClose(resp.Body)
		case http.StatusGone, http.StatusForbidden:
			drainClose(resp.Body)
			p.markClosed()
			return nil, ErrClosed
		default:
			drainClose(resp.Body)
			return nil, fmt.Errorf("poll recv: unexpected status %d", resp.StatusCode)
		}
	}
}

func (p *pollPort) Close() error {
	if p.isClosed() {
		return nil
	}
	p.markClosed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := p.do(ctx, http.MethodPost, "close", url.Values{"frame": {p.frameID}}, nil)
	if err != nil {
		return err
	}
	drainClose(resp.Body)
	return nil
}

func (p *pollPort) do(ctx context.Context, method string, path string, query url.Values, body []byte) (*http.Response, error) {
	target := p.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.session != "" {
		req.Header.Set(SessionHeader, p.session)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", path, err)
	}
	return resp, nil
}

func (p *pollPort) markClosed() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *pollPort) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func drainClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
