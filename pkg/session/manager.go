package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/webpilot-ai/webpilot/internal/config"
)

// ErrSessionEvicted is returned when an operation races with eviction
var ErrSessionEvicted = errors.New("session has been evicted")

// Manager owns the live session registry. CreateOrGet is atomic:
// concurrent calls for the same ID observe exactly one session, each
// constructed with its own tool server pool. Eviction removes the
// session from the registry, waits for any running turn, closes the
// session's pool, then deletes persisted history, so a recreated
// session starts empty.
type Manager struct {
	store       *historyStore
	pools       PoolFactory
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	cron    *cron.Cron
	sweepID cron.EntryID
}

// NewManager creates a session manager persisting under cfg.Dir. Each
// new session gets a fresh pool from the factory; a nil factory builds
// sessions without pools.
func NewManager(cfg config.SessionConfig, pools PoolFactory) (*Manager, error) {
	store, err := newHistoryStore(cfg.Dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:       store,
		pools:       pools,
		idleTimeout: cfg.IdleTimeout(),
		sessions:    make(map[string]*Session),
	}

	if cfg.SweepSchedule != "" {
		c := cron.New()
		id, err := c.AddFunc(cfg.SweepSchedule, m.sweep)
		if err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
		m.cron = c
		m.sweepID = id
		c.Start()
	}

	return m, nil
}

// CreateOrGet returns the session for id, creating it if absent. A
// recreated session resumes its persisted history; a session recreated
// after eviction starts empty because eviction deletes that history.
func (m *Manager) CreateOrGet(id string) (*Session, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.Touch()
		return s, nil
	}

	messages, err := m.store.Load(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	var pool ToolPool
	if m.pools != nil {
		pool = m.pools()
	}

	s := newSession(id, m.store, pool, messages)
	m.sessions[id] = s

	log.Info().
		Str("session_id", id).
		Int("history", len(messages)).
		Msg("session created")

	return s, nil
}

// Get returns the live session for id, if any
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the IDs of live sessions
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Evict removes a session, closes its tool server pool, and deletes
// its history. If a turn is running, Evict blocks until it completes;
// new turns cannot start because the session is unregistered first.
// Evicting an unknown session is a no-op.
func (m *Manager) Evict(id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		// Wait for any in-flight turn to finish
		s.turnLock.Lock()
		s.markEvicted()
		s.turnLock.Unlock()

		if s.pool != nil {
			if err := s.pool.CloseAll(); err != nil {
				log.Warn().Err(err).Str("session_id", id).Msg("session pool shutdown incomplete")
			}
		}
	}

	if err := m.store.Delete(id); err != nil {
		return err
	}

	log.Info().Str("session_id", id).Msg("session evicted")
	return nil
}

// sweep evicts sessions idle past the timeout
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		log.Info().Str("session_id", id).Msg("evicting idle session")
		if err := m.Evict(id); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("failed to evict idle session")
		}
	}
}

// Close stops the idle sweeper and closes every live session's pool.
// Histories remain persisted for the next process.
func (m *Manager) Close() {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.pool == nil {
			continue
		}
		if err := s.pool.CloseAll(); err != nil {
			log.Warn().Err(err).Str("session_id", s.id).Msg("session pool shutdown incomplete")
		}
	}
}
