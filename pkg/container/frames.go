package container

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ifrelay/pkg/bus"
	"ifrelay/pkg/rpc"
	"ifrelay/pkg/transport"
)

var errTokenMismatch = errors.New("rpc token mismatch")

// frameManager admits gadget frames arriving over a transport and attaches
// them to the container relay.
type frameManager struct {
	relay   *rpc.Relay
	gadgets *Registry
	bus     bus.Publisher
	log     *slog.Logger

	mu    sync.RWMutex
	known map[string]*frameRecord
}

// frameRecord is the connection history tracked for one frame id.
type frameRecord struct {
	connectedAt time.Time
	connections int
	lastErr     string
}

type frameState struct {
	Connected   bool   `json:"connected"`
	ConnectedAt string `json:"connected_at,omitempty"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func newFrameManager(relay *rpc.Relay, gadgets *Registry, publisher bus.Publisher, log *slog.Logger) *frameManager {
	if log == nil {
		log = slog.Default()
	}

	return &frameManager{
		relay:   relay,
		gadgets: gadgets,
		bus:     publisher,
		log:     log.With("component", "container.frames"),
		known:   make(map[string]*frameRecord),
	}
}

// connect admits a frame when it belongs to a placed gadget and presents the
// gadget's rpc token. A reconnecting frame replaces its previous port.
func (m *frameManager) connect(frameID string, token string, port transport.Port) error {
	gadget, err := m.gadgets.ForFrame(frameID)
	if err != nil {
		m.log.Warn("Rejected frame for unknown gadget", "frame", frameID)
		return err
	}
	if gadget.RPCToken != "" && subtle.ConstantTimeCompare([]byte(gadget.RPCToken), []byte(token)) != 1 {
		err := fmt.Errorf("%w for frame %s", errTokenMismatch, frameID)
		m.recordError(frameID, err)
		return err
	}

	m.relay.Attach(frameID, port)
	m.recordConnect(frameID)
	m.log.Info("Gadget frame attached", "frame", frameID, "module_id", gadget.ModuleID)
	m.bus.Publish(EventFrameConnected, GadgetEvent{FrameID: frameID, ModuleID: gadget.ModuleID})

	return nil
}

// disconnect detaches a frame from the relay and forgets its history.
func (m *frameManager) disconnect(frameID string) {
	m.relay.Detach(frameID)

	m.mu.Lock()
	delete(m.known, frameID)
	m.mu.Unlock()

	moduleID, _ := GadgetIDFromModuleID(frameID)
	m.bus.Publish(EventFrameDisconnected, GadgetEvent{FrameID: frameID, ModuleID: moduleID})
}

func (m *frameManager) recordConnect(frameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.record(frameID)
	record.connectedAt = time.Now().UTC()
	record.connections++
	record.lastErr = ""
}

func (m *frameManager) recordError(frameID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(frameID).lastErr = err.Error()
}

// record returns the entry for frameID, creating it. Callers hold m.mu.
func (m *frameManager) record(frameID string) *frameRecord {
	record, ok := m.known[frameID]
	if !ok {
		record = &frameRecord{}
		m.known[frameID] = record
	}
	return record
}

// states reports every placed gadget frame seen so far. Connected reflects
// the relay. Frames of unknown gadgets are never recorded.
func (m *frameManager) states() map[string]frameState {
	attached := make(map[string]bool)
	for _, id := range m.relay.Frames() {
		attached[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]frameState, len(m.known))
	for id, record := range m.known {
		state := frameState{
			Connected:   attached[id],
			Connections: record.connections,
			Error:       record.lastErr,
		}
		if !record.connectedAt.IsZero() {
			state.ConnectedAt = record.connectedAt.Format(time.RFC3339)
		}
		out[id] = state
	}

	return out
}
