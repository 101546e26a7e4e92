package chat

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lexchat/lexchat/internal/log"
)

// Manager is the uuid-keyed registry of live sessions. Sessions share the
// provider client, rate limiter and circuit breaker; everything else is
// per-session state.
type Manager struct {
	streamer  Streamer
	validator *Validator
	limiter   *rate.Limiter
	breaker   *CircuitBreaker
	logger    log.Logger
	defaults  Options

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// ManagerConfig carries the shared session dependencies.
type ManagerConfig struct {
	Streamer  Streamer
	Validator *Validator      // nil selects the default deny list
	Limiter   *rate.Limiter   // nil disables proactive rate limiting
	Breaker   *CircuitBreaker // nil selects default thresholds
	Logger    log.Logger
	Defaults  Options // applied to every new session
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	validator := cfg.Validator
	if validator == nil {
		validator = MustValidator(ValidatorConfig{})
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{
		streamer:  cfg.Streamer,
		validator: validator,
		limiter:   cfg.Limiter,
		breaker:   breaker,
		logger:    logger,
		defaults:  cfg.Defaults,
		sessions:  make(map[uuid.UUID]*Session),
	}
}

// Ready reports whether the provider client is configured.
func (m *Manager) Ready() bool { return m.streamer != nil }

// Create registers a new session. A non-empty systemPrompt overrides the
// default seed for this session only.
func (m *Manager) Create(systemPrompt string) *Session {
	opts := m.defaults
	if systemPrompt != "" {
		opts.SystemPrompt = systemPrompt
	}

	id := uuid.New()
	sess := NewSession(id, SessionConfig{
		Streamer:  m.streamer,
		Validator: m.validator,
		Limiter:   m.limiter,
		Breaker:   m.breaker,
		Logger:    m.logger,
		Options:   opts,
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", id.String())
	return sess
}

// Get returns the session with the given id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Remove clears and unregisters a session. Returns false when the id is
// unknown.
func (m *Manager) Remove(id uuid.UUID) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	// Clear cancels any in-flight call and waits for the gate.
	sess.Clear()
	m.logger.Info("session removed", "session_id", id.String())
	return true
}

// List returns the live sessions in unspecified order.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
