package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"authguard/internal/model"
)

// fileStore keeps the key set as a single JSON object, replaced atomically
// on every save.
type fileStore struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) (Store, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "file:")
	if path == "" {
		path = "authguard-state.json"
	}
	return &fileStore{path: path}, nil
}

func (s *fileStore) Init(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("init file store: %w", err)
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) Save(ctx context.Context, state model.PersistedState) error {
	values, err := encodeState(state)
	if err != nil {
		return err
	}
	doc := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		doc[k] = json.RawMessage(v)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *fileStore) Load(ctx context.Context) (model.PersistedState, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return decodeState(nil)
	}
	if err != nil {
		state, _ := decodeState(nil)
		return state, fmt.Errorf("read state file: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		state, _ := decodeState(nil)
		return state, fmt.Errorf("decode state file: %w", err)
	}
	raw := make(map[string]string, len(doc))
	for k, v := range doc {
		raw[k] = string(v)
	}
	return decodeState(raw)
}
