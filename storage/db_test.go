package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseBatch(t *testing.T, db Database) {
	t.Helper()

	if err := db.Put([]byte("stale"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	batch := db.NewBatch()
	batch.Put([]byte("a"), []byte("alpha"))
	batch.Put([]byte("b"), []byte("beta"))
	batch.Delete([]byte("stale"))
	if batch.Len() != 3 {
		t.Fatalf("expected 3 buffered ops, got %d", batch.Len())
	}

	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("batch visible before write: %v", err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	value, err := db.Get([]byte("b"))
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if string(value) != "beta" {
		t.Fatalf("unexpected value %q", value)
	}
	if _, err := db.Get([]byte("stale")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale key deleted, got %v", err)
	}
}

func TestMemDBBatch(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseBatch(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("owned")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'X'
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "owned" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
}

func TestLevelDBBatch(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseBatch(t, db)
}
