package container

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// FramePrefix is the frame id prefix of every gadget iframe.
const FramePrefix = "remote_iframe_"

var errUnknownGadget = errors.New("unknown gadget")

// Gadget is one gadget placed in the container.
type Gadget struct {
	ModuleID  int64
	AppID     int64
	SpecURL   string
	Title     string
	RPCToken  string
	UserPrefs map[string]string
}

// FrameID returns the iframe id the gadget is rendered into.
func (g Gadget) FrameID() string {
	return FrameID(g.ModuleID)
}

// FrameID returns the iframe id for a module id.
func FrameID(moduleID int64) string {
	return FramePrefix + strconv.FormatInt(moduleID, 10)
}

// GadgetIDFromModuleID extracts the numeric module id from a frame id such as
// remote_iframe_42. A bare number is accepted as well.
func GadgetIDFromModuleID(frameID string) (int64, error) {
	raw := strings.TrimPrefix(frameID, FramePrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("frame %q is not a gadget frame", frameID)
	}

	return id, nil
}

// Registry tracks the gadgets rendered in the container, keyed by module id.
type Registry struct {
	mu      sync.RWMutex
	gadgets map[int64]*Gadget
}

func NewRegistry(gadgets ...Gadget) *Registry {
	r := &Registry{gadgets: make(map[int64]*Gadget, len(gadgets))}
	for _, gadget := range gadgets {
		r.Add(gadget)
	}

	return r
}

// Add places a gadget, replacing any gadget with the same module id.
func (r *Registry) Add(gadget Gadget) {
	gadget.UserPrefs = maps.Clone(gadget.UserPrefs)
	if gadget.UserPrefs == nil {
		gadget.UserPrefs = make(map[string]string)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gadgets[gadget.ModuleID] = &gadget
}

// Remove drops the gadget with the given module id.
func (r *Registry) Remove(moduleID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gadgets, moduleID)
}

// Get returns a copy of the gadget with the given module id.
func (r *Registry) Get(moduleID int64) (Gadget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gadget, ok := r.gadgets[moduleID]
	if !ok {
		return Gadget{}, false
	}

	out := *gadget
	out.UserPrefs = maps.Clone(gadget.UserPrefs)
	return out, true
}

// ForFrame resolves the gadget rendered into frameID.
func (r *Registry) ForFrame(frameID string) (Gadget, error) {
	moduleID, err := GadgetIDFromModuleID(frameID)
	if err != nil {
		return Gadget{}, err
	}

	gadget, ok := r.Get(moduleID)
	if !ok {
		return Gadget{}, fmt.Errorf("%w: module %d", errUnknownGadget, moduleID)
	}

	return gadget, nil
}

// SetUserPref stores one user preference and returns the updated gadget.
func (r *Registry) SetUserPref(moduleID int64, key, value string) (Gadget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gadget, ok := r.gadgets[moduleID]
	if !ok {
		return Gadget{}, fmt.Errorf("%w: module %d", errUnknownGadget, moduleID)
	}
	gadget.UserPrefs[key] = value

	out := *gadget
	out.UserPrefs = maps.Clone(gadget.UserPrefs)
	return out, nil
}

// ModuleIDs returns the placed module ids in ascending order.
func (r *Registry) ModuleIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.gadgets))
}

// SetTitle records the title a gadget chose for itself.
func (r *Registry) SetTitle(moduleID int64, title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	gadget, ok := r.gadgets[moduleID]
	if !ok {
		return false
	}
	gadget.Title = title
	return true
}
