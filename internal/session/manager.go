package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/vad"
)

// Info holds metadata about an active session.
type Info struct {
	// SessionID is the unique identifier for this capture session.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// ManagerConfig holds the dependencies and the pipeline template for a
// [Manager].
type ManagerConfig struct {
	// Session is the pipeline configuration applied to every session.
	Session Config

	// Deps are the shared collaborators sessions run against.
	Deps Deps

	// Classifier optionally replaces the energy classifier for every session.
	Classifier vad.Classifier

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns the lifecycle of capture sessions. At most one session is
// active at a time. All exported methods are safe for concurrent use.
type Manager struct {
	cfg        Config
	deps       Deps
	classifier vad.Classifier
	log        *slog.Logger

	mu     sync.Mutex
	active *Session
	info   Info
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Deps.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg.Session,
		deps:       cfg.Deps,
		classifier: cfg.Classifier,
		log:        log,
	}, nil
}

// StartSession creates and starts a new capture session. Returns an error if
// one is already active.
func (m *Manager) StartSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, fmt.Errorf("session: a session is already active (id=%s)", m.info.SessionID)
	}

	id := uuid.New().String()
	opts := []Option{WithLogger(m.log)}
	if m.classifier != nil {
		opts = append(opts, WithClassifier(m.classifier))
	}
	sess, err := New(id, m.cfg, m.deps, opts...)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	m.active = sess
	m.info = Info{SessionID: id, StartedAt: time.Now()}
	return sess, nil
}

// StopSession stops the active session. Returns an error if none is active.
func (m *Manager) StopSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return fmt.Errorf("session: no active session to stop")
	}

	err := m.active.Stop(ctx)
	m.active = nil
	m.info = Info{}
	return err
}

// ActiveSession returns the running session, or nil.
func (m *Manager) ActiveSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsActive reports whether a session is currently running.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Info returns metadata about the active session, zero value if none.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// SetEnergyThreshold retunes the speech threshold on the active session, if
// any, and on every session started afterwards.
func (m *Manager) SetEnergyThreshold(threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.VAD.EnergyThreshold = threshold
	if m.active != nil {
		m.active.SetEnergyThreshold(threshold)
	}
}
