package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ifrelay/pkg/bus"
	"ifrelay/pkg/config"
	"ifrelay/pkg/request"
	"ifrelay/pkg/rpc"
	"ifrelay/pkg/transport"
)

const (
	// ContainerFrame is the relay frame id of the container itself.
	ContainerFrame = "container"

	defaultHost = "0.0.0.0"
	defaultPort = 18790

	rpcPath  = "/rpc"
	pollPath = "/poll/"
)

// Service is the parent frame: it owns the relay, the event bus and the
// collaborators behind the public procedures, and serves the frame transports.
type Service struct {
	cfg    *config.Config
	log    *slog.Logger
	relay  *rpc.Relay
	bus    *bus.EventBus
	frames *frameManager

	gadgets *Registry
	tasks   *TaskList
	forms   *Forms
	prefs   *PrefStore

	mu        sync.RWMutex
	startedAt time.Time
	listening bool
	orgName   string
	groupName string
}

type statusResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Procedures    int                   `json:"procedures"`
	PendingCalls  int                   `json:"pending_calls"`
	Frames        map[string]frameState `json:"frames"`
}

func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	gadgets := NewRegistry()
	for _, gc := range cfg.Container.Gadgets {
		if gc.ModuleID <= 0 {
			return nil, fmt.Errorf("gadget %q: module_id must be positive", gc.SpecURL)
		}
		gadgets.Add(Gadget{
			ModuleID:  gc.ModuleID,
			AppID:     gc.AppID,
			SpecURL:   gc.SpecURL,
			Title:     gc.Title,
			RPCToken:  gc.RPCToken,
			UserPrefs: gc.UserPrefs,
		})
	}

	eventBus := bus.NewEventBus(log)
	relay := rpc.New(ContainerFrame, rpc.WithTimeout(cfg.Relay.CallTimeout()), rpc.WithLogger(log))

	s := &Service{
		cfg:       cfg,
		log:       log.With("component", "container.service"),
		relay:     relay,
		bus:       eventBus,
		gadgets:   gadgets,
		tasks:     NewTaskList(),
		forms:     NewForms(),
		orgName:   strings.TrimSpace(cfg.Container.OrgName),
		groupName: strings.TrimSpace(cfg.Container.GroupName),
	}
	s.prefs = NewPrefStore(cfg.Container.PrefsURL, gadgets, eventBus, log,
		request.WithSecurityToken(cfg.Container.SecurityToken),
		request.WithHTTPClient(&http.Client{Timeout: cfg.Request.Timeout()}),
		request.WithBreaker(breakerSettings(cfg.Request.Breaker)),
	)
	s.frames = newFrameManager(relay, gadgets, eventBus, log)

	for _, id := range gadgets.ModuleIDs() {
		gadget, _ := gadgets.Get(id)
		relay.SetAuthToken(gadget.FrameID(), gadget.RPCToken)
	}
	s.registerProcedures()

	return s, nil
}

func breakerSettings(cfg config.BreakerConfig) request.BreakerSettings {
	return request.BreakerSettings{
		MaxFailures: cfg.MaxFailures,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		Interval:    time.Duration(cfg.IntervalSeconds) * time.Second,
	}
}

func (s *Service) Relay() *rpc.Relay {
	return s.relay
}

func (s *Service) Bus() *bus.EventBus {
	return s.bus
}

func (s *Service) Gadgets() *Registry {
	return s.gadgets
}

func (s *Service) Tasks() *TaskList {
	return s.tasks
}

func (s *Service) Forms() *Forms {
	return s.forms
}

func (s *Service) Prefs() *PrefStore {
	return s.prefs
}

// Connect attaches frames accepted by a transport host to the relay.
func (s *Service) Connect() transport.ConnectFunc {
	return s.frames.connect
}

// RemoveGadget takes a gadget out of the container and detaches its frame.
func (s *Service) RemoveGadget(moduleID int64) {
	s.gadgets.Remove(moduleID)
	s.frames.disconnect(FrameID(moduleID))
}

// OrgName returns the organization shown to gadgets, or "" when unset.
func (s *Service) OrgName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgName
}

func (s *Service) SetOrgName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgName = strings.TrimSpace(name)
}

// GroupName returns the group shown to gadgets, or "" when unset.
func (s *Service) GroupName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groupName
}

func (s *Service) SetGroupName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupName = strings.TrimSpace(name)
}

// ValidateURL asks the gadget behind frameID to turn the value of a URL
// validator field into a feed URL, using the command it registered.
func (s *Service) ValidateURL(ctx context.Context, frameID string, key string) (string, error) {
	form, ok := s.forms.Lookup(frameID)
	if !ok {
		return "", fmt.Errorf("frame %s has no form", frameID)
	}
	field, ok := form.Field(key)
	if !ok || field.Kind != FieldURL {
		return "", fmt.Errorf("frame %s has no url field %q", frameID, key)
	}
	if field.Command == "" {
		return field.Value, nil
	}

	return s.invokeString(ctx, frameID, field.Command, field.Value)
}

// FeedURL calls the feed callback the gadget registered for its form.
func (s *Service) FeedURL(ctx context.Context, frameID string) (string, error) {
	form, ok := s.forms.Lookup(frameID)
	if !ok || form.FeedCallback() == "" {
		return "", fmt.Errorf("frame %s has no feed callback", frameID)
	}

	return s.invokeString(ctx, frameID, form.FeedCallback())
}

func (s *Service) invokeString(ctx context.Context, frameID string, procedure string, args ...any) (string, error) {
	raw, err := s.relay.Invoke(ctx, frameID, procedure, args...)
	if err != nil {
		return "", err
	}

	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("decode %s result: %w", procedure, err)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

// Handler returns the HTTP surface: status endpoints plus both frame transports.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle(rpcPath, transport.NewWebSocketHost(s.frames.connect, transport.WebSocketHostOptions{
		MessagesPerSecond: s.cfg.Container.RateLimit.MessagesPerSecond,
		Burst:             s.cfg.Container.RateLimit.Burst,
		OriginPatterns:    s.cfg.Container.AllowedOrigins,
	}, s.log))
	mux.Handle(pollPath, transport.NewPollHost(pollPath, s.frames.connect, time.Duration(s.cfg.Container.PollWaitSecs)*time.Second, s.log))

	return mux
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	host := strings.TrimSpace(s.cfg.Container.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Container.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.setListening(true)
	defer s.setListening(false)
	defer s.relay.Close()
	defer s.prefs.Wait()

	s.log.Info("Container server started", "address", addr, "gadgets", len(s.gadgets.ModuleIDs()))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start container server: %w", err)
	}

	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	s.mu.RUnlock()

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Procedures:    len(s.relay.Procedures()),
		PendingCalls:  s.relay.Pending(),
		Frames:        s.frames.states(),
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listening && len(s.relay.Procedures()) > 0
}

func (s *Service) setListening(listening bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = listening
}
