package state

import (
	"errors"
	"sort"

	"lendcore/storage"
)

// Staged buffers writes over a database so a whole operation can be
// committed in one batch or dropped without a trace.
type Staged struct {
	db     storage.Database
	writes map[string][]byte
}

// NewStaged opens an empty staging layer over db.
func NewStaged(db storage.Database) *Staged {
	return &Staged{db: db, writes: make(map[string][]byte)}
}

// Get reads through the staged writes to the database.
func (s *Staged) Get(key []byte) ([]byte, error) {
	if value, ok := s.writes[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	value, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

// Update stages a write.
func (s *Staged) Update(key, value []byte) error {
	s.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Dirty reports how many keys are staged.
func (s *Staged) Dirty() int { return len(s.writes) }

// Commit writes every staged key in one atomic batch.
func (s *Staged) Commit() error {
	if len(s.writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.writes))
	for key := range s.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := s.db.NewBatch()
	for _, key := range keys {
		batch.Put([]byte(key), s.writes[key])
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.writes = make(map[string][]byte)
	return nil
}

// Discard drops every staged write.
func (s *Staged) Discard() {
	s.writes = make(map[string][]byte)
}
