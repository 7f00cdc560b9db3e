// Package session tracks live transaction-flow handles for gateway
// clients. A session pins one flow instance so repeated HTTP requests
// from the same client drive the same state machine, and idle sessions
// are swept once their TTL lapses.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"namemarket/market/purchase"
	"namemarket/market/register"
	"namemarket/market/renew"
	"namemarket/observability"
)

// Kind names the flow a session wraps.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindRegister Kind = "register"
	KindRenew    Kind = "renew"
)

var (
	// ErrNotFound is returned when no live session matches the ID.
	ErrNotFound = errors.New("session not found")
	// ErrInFlight is returned when a session cannot be released because
	// its flow has a transaction awaiting confirmation.
	ErrInFlight = errors.New("session has a transaction in flight")
)

// Session is a handle on a single live flow. Exactly one of Purchase,
// Register, or Renew is set, matching Kind.
type Session struct {
	ID       string
	Kind     Kind
	Purchase *purchase.Flow
	Register *register.Flow
	Renew    *renew.Flow

	// Ref carries an opaque caller reference, such as the listing row a
	// purchase session was started from. It is fixed at creation.
	Ref string

	createdAt time.Time
	touchedAt time.Time
}

func (s *Session) inFlight() bool {
	switch s.Kind {
	case KindPurchase:
		return s.Purchase.Step().InFlight()
	case KindRegister:
		return s.Register.Step().InFlight()
	case KindRenew:
		return s.Renew.State() == renew.StateLoading
	}
	return false
}

// Config wires the Manager.
type Config struct {
	TTL    time.Duration
	Clock  func() time.Time
	Logger *slog.Logger
}

// Manager owns the live session set. All methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	clock    func() time.Time
	log      *slog.Logger
}

// NewManager returns a Manager with the supplied TTL. A zero TTL
// defaults to thirty minutes.
func NewManager(cfg Config) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		clock:    clock,
		log:      log,
	}
}

func (m *Manager) add(s *Session) *Session {
	now := m.clock()
	s.ID = uuid.NewString()
	s.createdAt = now
	s.touchedAt = now
	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()
	observability.Gateway().SetActiveSessions(count)
	m.log.Debug("session created", "session_id", s.ID, "kind", string(s.Kind))
	return s
}

// NewPurchase registers a purchase flow under the given caller reference
// and returns its session.
func (m *Manager) NewPurchase(f *purchase.Flow, ref string) *Session {
	return m.add(&Session{Kind: KindPurchase, Purchase: f, Ref: ref})
}

// NewRegister registers a registration flow and returns its session.
func (m *Manager) NewRegister(f *register.Flow) *Session {
	return m.add(&Session{Kind: KindRegister, Register: f})
}

// NewRenew registers a renewal flow and returns its session.
func (m *Manager) NewRenew(f *renew.Flow) *Session {
	return m.add(&Session{Kind: KindRenew, Renew: f})
}

// Get looks up a live session and refreshes its idle timer.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.touchedAt = m.clock()
	return s, nil
}

// Release drops a session. Sessions with an in-flight transaction are
// refused so a confirmation is never orphaned.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if s.inFlight() {
		m.mu.Unlock()
		return ErrInFlight
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()
	observability.Gateway().SetActiveSessions(count)
	m.log.Debug("session released", "session_id", id)
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops every session idle past the TTL, skipping any with an
// in-flight transaction. It returns the number removed.
func (m *Manager) Sweep() int {
	cutoff := m.clock().Add(-m.ttl)
	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if s.touchedAt.After(cutoff) || s.inFlight() {
			continue
		}
		delete(m.sessions, id)
		removed++
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if removed > 0 {
		observability.Gateway().SetActiveSessions(count)
		m.log.Info("swept idle sessions", "removed", removed, "remaining", count)
	}
	return removed
}

// Run sweeps on the supplied interval until the context is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
