package artifact

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a ref does not resolve to an artifact
var ErrNotFound = errors.New("artifact not found")

// Store persists binary artifacts (screenshots, downloads) on disk and
// hands out opaque refs. The stream carries refs instead of payloads;
// clients fetch the bytes separately.
type Store struct {
	dir string

	mu   sync.RWMutex
	refs map[string]entry
}

type entry struct {
	path     string
	mimeType string
}

// NewStore creates an artifact store rooted at dir
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{
		dir:  dir,
		refs: make(map[string]entry),
	}, nil
}

// Dir returns the store's root directory
func (s *Store) Dir() string {
	return s.dir
}

// Save stores raw bytes and returns the artifact's ref
func (s *Store) Save(data []byte, mimeType string) (string, error) {
	ref, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate artifact ref: %w", err)
	}

	path := filepath.Join(s.dir, ref+extensionFor(mimeType))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	s.mu.Lock()
	s.refs[ref] = entry{path: path, mimeType: mimeType}
	s.mu.Unlock()

	log.Debug().
		Str("ref", ref).
		Str("mime_type", mimeType).
		Int("bytes", len(data)).
		Msg("artifact stored")

	return ref, nil
}

// SaveBase64 decodes and stores base64 payloads as produced by tool
// server image content
func (s *Store) SaveBase64(encoded, mimeType string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode artifact payload: %w", err)
	}
	return s.Save(data, mimeType)
}

// Get returns an artifact's bytes and MIME type by ref
func (s *Store) Get(ref string) ([]byte, string, error) {
	s.mu.RLock()
	e, ok := s.refs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrNotFound
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}
	return data, e.mimeType, nil
}

// forget drops a ref whose backing file disappeared
func (s *Store) forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, e := range s.refs {
		if e.path == path {
			delete(s.refs, ref)
			log.Debug().Str("ref", ref).Msg("artifact file removed externally, dropping ref")
			return
		}
	}
}

func extensionFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/png"):
		return ".png"
	case strings.HasPrefix(mimeType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mimeType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mimeType, "application/pdf"):
		return ".pdf"
	default:
		return ".bin"
	}
}
