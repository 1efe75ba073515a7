package container

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"ifrelay/pkg/bus"
	"ifrelay/pkg/request"
)

// TitlePref is the user preference that stores a gadget's chosen title.
const TitlePref = "eureka-container-gadget-title"

const (
	prefsRequestName = "container.userPrefs"
	paramGadgetID    = "gadgetId"
	paramUserPrefs   = "userPrefs"
)

// PrefStore persists gadget user preferences through a REST endpoint.
type PrefStore struct {
	registry *Registry
	save     *request.Wrapper
	log      *slog.Logger
}

// NewPrefStore stores prefs under baseURL/resources/gadgets/<id>/userprefs/.
// With an empty baseURL preferences only live in the registry.
func NewPrefStore(baseURL string, registry *Registry, eventBus bus.Bus, log *slog.Logger, opts ...request.Option) *PrefStore {
	if log == nil {
		log = slog.Default()
	}

	store := &PrefStore{
		registry: registry,
		log:      log.With("component", "container.prefs"),
	}

	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return store
	}

	desc := request.Descriptor{
		Name:   prefsRequestName,
		Method: http.MethodPut,
		URL: func(params request.Params) string {
			return fmt.Sprintf("%s/resources/gadgets/%v/userprefs/", baseURL, params[paramGadgetID])
		},
		Body: func(params request.Params) any {
			return params[paramUserPrefs]
		},
	}
	store.save = request.New(desc, eventBus, append([]request.Option{request.WithLogger(log)}, opts...)...)
	store.save.Observe(nil, func(event request.ErrorEvent) {
		store.log.Warn("Saving user prefs failed", "url", event.Request, "status", event.Status, "error", event.Err)
	})

	return store
}

// Set updates one preference and saves the gadget's full preference set. The
// returned channel closes when the save request has completed.
func (s *PrefStore) Set(ctx context.Context, moduleID int64, key, value string) (<-chan struct{}, error) {
	gadget, err := s.registry.SetUserPref(moduleID, key, value)
	if err != nil {
		return nil, err
	}

	if s.save == nil {
		done := make(chan struct{})
		close(done)
		return done, nil
	}

	params := request.Params{
		paramGadgetID:  strconv.FormatInt(moduleID, 10),
		paramUserPrefs: gadget.UserPrefs,
	}
	return s.save.Execute(ctx, params, false), nil
}

// Wrapper exposes the save request so callers can observe its lifecycle.
func (s *PrefStore) Wrapper() *request.Wrapper {
	return s.save
}

// Wait blocks until in-flight saves have completed.
func (s *PrefStore) Wait() {
	if s.save != nil {
		s.save.Wait()
	}
}
