package commit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/coldlake/lakecap/pkg/changeset"
)

// Store durably persists acknowledged watermarks so a restart resumes from
// the last committed position instead of the channel head.
type Store interface {
	// Load returns the last saved watermark per channel.  An empty map means
	// a fresh start.
	Load(ctx context.Context) (map[string]changeset.Watermark, error)
	// Save persists one channel's acknowledged watermark.
	Save(ctx context.Context, wm changeset.Watermark) error
}

// MemoryStore keeps watermarks in memory.  Used in tests and when the broker
// consumer group is the only durable record.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]changeset.Watermark
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: map[string]changeset.Watermark{}}
}

func (s *MemoryStore) Load(ctx context.Context) (map[string]changeset.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]changeset.Watermark, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, wm changeset.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[wm.Channel] = wm
	return nil
}

// FileStore persists watermarks as a JSON document, rewritten atomically on
// every advance.
type FileStore struct {
	mu    sync.Mutex
	path  string
	marks map[string]changeset.Watermark
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) (map[string]changeset.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marks = map[string]changeset.Watermark{}
	byt, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]changeset.Watermark{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading watermark store %s: %w", s.path, err)
	}
	if err := json.Unmarshal(byt, &s.marks); err != nil {
		return nil, fmt.Errorf("error parsing watermark store %s: %w", s.path, err)
	}

	out := make(map[string]changeset.Watermark, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out, nil
}

func (s *FileStore) Save(ctx context.Context, wm changeset.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.marks == nil {
		s.marks = map[string]changeset.Watermark{}
	}
	s.marks[wm.Channel] = wm

	byt, err := json.Marshal(s.marks)
	if err != nil {
		return err
	}

	// Write-temp-then-rename keeps the store readable after a crash mid-save.
	tmp := filepath.Join(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp")
	if err := os.WriteFile(tmp, byt, 0o644); err != nil {
		return fmt.Errorf("error writing watermark store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("error replacing watermark store: %w", err)
	}
	return nil
}
