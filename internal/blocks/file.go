package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// FileStore keeps records in one JSON file. It is safe within one process
// only; concurrent writers in other processes can lose updates.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore at path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]Record), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blocks: read %s", s.path)
	}
	recs := make(map[string]Record)
	if len(data) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, eris.Wrapf(err, "blocks: decode %s", s.path)
	}
	return recs, nil
}

// save writes to a temp file in the same directory and renames it over the
// target.
func (s *FileStore) save(recs map[string]Record) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return eris.Wrap(err, "blocks: encode records")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "blocks: mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".blocks-*.json")
	if err != nil {
		return eris.Wrap(err, "blocks: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "blocks: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "blocks: close temp file")
	}
	return eris.Wrapf(os.Rename(tmp.Name(), s.path), "blocks: replace %s", s.path)
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := recs[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Put implements Store.
func (s *FileStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	recs[rec.ID] = rec
	return s.save(recs)
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := recs[id]; !ok {
		return nil
	}
	delete(recs, id)
	return s.save(recs)
}

// List implements Store. Records are sorted by id.
func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteExpiredCleared implements Store.
func (s *FileStore) DeleteExpiredCleared(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return 0, err
	}
	n := 0
	for id, r := range recs {
		if r.ConsecutiveCount == 0 && !r.Active(now) {
			delete(recs, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.save(recs)
}
