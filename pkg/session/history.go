package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/webpilot-ai/webpilot/pkg/provider"
)

// historyStore persists session conversation history as JSONL, one
// message per line, one file per session.
type historyStore struct {
	dir string

	mu         sync.Mutex
	writeLocks map[string]*sync.Mutex
}

func newHistoryStore(dir string) (*historyStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &historyStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateSessionID rejects IDs that could escape the session
// directory or produce unusable filenames
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session ID cannot contain path traversal")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session ID cannot contain path separators")
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("session ID cannot contain null bytes")
	}
	if len(id) > 128 {
		return fmt.Errorf("session ID too long")
	}
	return nil
}

func (s *historyStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *historyStore) getWriteLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.writeLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.writeLocks[sessionID] = lock
	}
	return lock
}

// Append adds one message to the session's history file
func (s *historyStore) Append(sessionID string, msg provider.Message) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	f, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Load reads a session's full history. A missing file is an empty
// history, and corrupted lines are skipped rather than failing the
// whole load.
func (s *historyStore) Load(sessionID string) ([]provider.Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var messages []provider.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg provider.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn().
				Err(err).
				Str("session_id", sessionID).
				Int("line", lineNo).
				Msg("skipping corrupted history line")
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	return messages, nil
}

// Delete removes a session's history file. Idempotent.
func (s *historyStore) Delete(sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history file: %w", err)
	}

	s.mu.Lock()
	delete(s.writeLocks, sessionID)
	s.mu.Unlock()

	return nil
}

// List returns the session IDs with persisted history
func (s *historyStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}
