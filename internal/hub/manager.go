package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"classhub/internal/broadcast"
	apperrors "classhub/internal/errors"
	"classhub/internal/metrics"
	"classhub/internal/registry"
	"classhub/pkg/types"
)

// Manager owns the process-wide map from session code to hub. Hubs are
// created on session-create, torn down a grace period after the session
// ends. The manager also implements registry.Gate so registration fails for
// unknown or ended sessions.
type Manager struct {
	mu   sync.RWMutex
	hubs map[string]*Hub

	registry *registry.Registry
	engine   *broadcast.Engine
	log      zerolog.Logger

	capacity      int
	idleTimeout   time.Duration
	teardownGrace time.Duration

	// OnSessionEnded, when set, is called once per session after it ends.
	// The application uses it to mark the stored session record ended; the
	// hub core stays free of storage concerns.
	OnSessionEnded func(code string)
}

// ManagerOptions configure session policy for all hubs.
type ManagerOptions struct {
	Capacity      int
	IdleTimeout   time.Duration
	TeardownGrace time.Duration
}

// NewManager creates an empty manager.
func NewManager(reg *registry.Registry, engine *broadcast.Engine, log zerolog.Logger, opts ManagerOptions) *Manager {
	return &Manager{
		hubs:          make(map[string]*Hub),
		registry:      reg,
		engine:        engine,
		log:           log.With().Str("component", "hub-manager").Logger(),
		capacity:      opts.Capacity,
		idleTimeout:   opts.IdleTimeout,
		teardownGrace: opts.TeardownGrace,
	}
}

// Open creates and starts the hub for a session. Called on session-create
// and at startup when rehydrating open sessions from the store.
func (m *Manager) Open(code, teacherID, name string) (*Hub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hubs[code]; exists {
		return nil, apperrors.Internal("session " + code + " already has a hub")
	}

	h := newHub(code, teacherID, name, m.registry, m.engine, m.log, Options{
		Capacity:    m.capacity,
		IdleTimeout: m.idleTimeout,
		OnEnded:     m.sessionEnded,
	})
	m.hubs[code] = h
	m.registry.InstallHooks(code, h)
	metrics.ActiveSessions.Inc()
	m.log.Info().Str("session", code).Str("teacher_id", teacherID).Msg("session hub opened")
	return h, nil
}

// Get resolves a hub by session code.
func (m *Manager) Get(code string) (*Hub, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, exists := m.hubs[code]
	return h, exists
}

// Admit implements registry.Gate.
func (m *Manager) Admit(identity types.Identity) error {
	h, exists := m.Get(identity.SessionCode)
	if !exists {
		return apperrors.SessionNotFound(identity.SessionCode)
	}
	return h.Admit(identity)
}

// Count returns the number of resolvable hubs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hubs)
}

// sessionEnded runs from the ending hub's own loop. The hub stays resolvable
// through the grace period so racing disconnects and late commands get a
// clean SessionEnded answer instead of SessionNotFound.
func (m *Manager) sessionEnded(code string) {
	if m.OnSessionEnded != nil {
		m.OnSessionEnded(code)
	}
	time.AfterFunc(m.teardownGrace, func() { m.remove(code) })
}

func (m *Manager) remove(code string) {
	m.mu.Lock()
	h, exists := m.hubs[code]
	if exists {
		delete(m.hubs, code)
	}
	m.mu.Unlock()

	if exists {
		h.shutdown()
		m.log.Info().Str("session", code).Msg("session hub removed")
	}
}

// Shutdown stops every hub immediately. Used on process shutdown only;
// normal teardown goes through sessionEnded.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.hubs = make(map[string]*Hub)
	m.mu.Unlock()

	for _, h := range hubs {
		h.shutdown()
	}
}
