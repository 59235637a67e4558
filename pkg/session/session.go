package session

import (
	"context"
	"sync"
	"time"

	"github.com/webpilot-ai/webpilot/pkg/provider"
	"github.com/webpilot-ai/webpilot/pkg/toolserver"
)

// ToolPool is the tool server pool a session owns. Each session gets
// its own pool, so tool server state (an open browser, loaded
// documents) never leaks between sessions.
type ToolPool interface {
	Call(ctx context.Context, tool string, args map[string]any) (*toolserver.Result, error)
	Definitions() []toolserver.ToolDefinition
	Owns(tool string) bool
	CloseAll() error
}

// PoolFactory constructs a fresh tool server pool for a new session
type PoolFactory func() ToolPool

// Session is one conversation. Its turn lock is single-flight: a
// second turn attempted while one runs is rejected rather than queued,
// and eviction waits on the same lock so a running turn always
// finishes first. The session owns its tool server pool exclusively;
// eviction tears the pool down with the session.
type Session struct {
	id    string
	store *historyStore
	pool  ToolPool

	turnLock sync.Mutex

	mu         sync.Mutex
	messages   []provider.Message
	lastActive time.Time
	evicted    bool
}

func newSession(id string, store *historyStore, pool ToolPool, messages []provider.Message) *Session {
	return &Session{
		id:         id,
		store:      store,
		pool:       pool,
		messages:   messages,
		lastActive: time.Now(),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Pool returns the session's own tool server pool
func (s *Session) Pool() ToolPool {
	return s.pool
}

// TryAcquireTurn attempts to take the single-flight turn lock without
// blocking. The caller must ReleaseTurn when the turn ends.
func (s *Session) TryAcquireTurn() bool {
	if !s.turnLock.TryLock() {
		return false
	}
	s.Touch()
	return true
}

// ReleaseTurn releases the turn lock
func (s *Session) ReleaseTurn() {
	s.Touch()
	s.turnLock.Unlock()
}

// Touch marks the session as recently active
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns when the session last saw activity
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Append adds a message to the in-memory history and persists it
func (s *Session) Append(msg provider.Message) error {
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return ErrSessionEvicted
	}
	s.messages = append(s.messages, msg)
	s.lastActive = time.Now()
	s.mu.Unlock()

	return s.store.Append(s.id, msg)
}

// Messages returns a copy of the conversation history
func (s *Session) Messages() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Message(nil), s.messages...)
}

// Len returns the number of history messages
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// markEvicted flags the session so late appends from stragglers fail
// instead of resurrecting deleted history
func (s *Session) markEvicted() {
	s.mu.Lock()
	s.evicted = true
	s.mu.Unlock()
}
