package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
)

// FileStore persists entries as a JSON Lines log. Every append or update
// writes one full entry line; on load the last line for an id wins.
type FileStore struct {
	path string

	mu      sync.RWMutex
	f       *os.File
	byID    map[string]*evidence.Entry
	byIndex map[uint64]string
}

// NewFileStore opens or creates the log at path and replays it.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	fs := &FileStore{
		path:    path,
		byID:    make(map[string]*evidence.Entry),
		byIndex: make(map[uint64]string),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	fs.f = f
	return fs, nil
}

func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: open %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e evidence.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("store: %s line %d: %w", s.path, line, err)
		}
		s.byID[e.ID] = &e
		s.byIndex[e.ChainIndex] = e.ID
	}
	return sc.Err()
}

func (s *FileStore) write(e *evidence.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("store: append %s: %w", s.path, err)
	}
	return s.f.Sync()
}

func (s *FileStore) Append(_ context.Context, e *evidence.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.ID]; ok {
		return evidence.ErrIndexConflict
	}
	if _, ok := s.byIndex[e.ChainIndex]; ok {
		return evidence.ErrIndexConflict
	}
	if err := s.write(e); err != nil {
		return err
	}
	s.byID[e.ID] = e.Clone()
	s.byIndex[e.ChainIndex] = e.ID
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*evidence.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, evidence.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *FileStore) Update(_ context.Context, e *evidence.Entry, from evidence.Grade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[e.ID]
	if !ok {
		return evidence.ErrNotFound
	}
	if cur.Grade != from {
		return evidence.ErrGradeConflict
	}
	if err := s.write(e); err != nil {
		return err
	}
	s.byID[e.ID] = e.Clone()
	return nil
}

func (s *FileStore) List(_ context.Context) ([]*evidence.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*evidence.Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainIndex < out[j].ChainIndex })
	return out, nil
}

// Close releases the log file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
