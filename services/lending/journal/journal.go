// Package journal keeps an append-only, hash-chained record of every
// committed lending and token event in a relational store.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"lendcore/core/events"
	"lendcore/core/types"
)

var (
	// ErrChainBroken is returned by Verify when a stored entry does not hash
	// to the value recorded for it.
	ErrChainBroken = errors.New("journal: hash chain broken")
	// ErrUnsupportedDriver is returned by Open for unknown drivers.
	ErrUnsupportedDriver = errors.New("journal: unsupported driver")
)

const defaultListLimit = 100

// Entry is one persisted event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence   uint64    `gorm:"uniqueIndex;not null" json:"sequence"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Asset      string    `gorm:"size:32;index" json:"asset,omitempty"`
	Account    string    `gorm:"size:96;index" json:"account,omitempty"`
	Attributes string    `gorm:"type:text" json:"attributes"`
	PrevHash   string    `gorm:"size:64" json:"prevHash"`
	Hash       string    `gorm:"size:64;uniqueIndex" json:"hash"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "lending_journal" }

// Open connects to the journal database for driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// Journal appends events to the store. It satisfies events.Emitter so it
// can sit on the same fan-out as the other event sinks.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sequence uint64
	head     string
}

// New migrates the schema and resumes the chain from the last entry.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: log, now: time.Now}
	var last Entry
	err := db.Order("sequence desc").Limit(1).Take(&last).Error
	switch {
	case err == nil:
		j.sequence, j.head = last.Sequence, last.Hash
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("journal: load head: %w", err)
	}
	return j, nil
}

// Head returns the sequence and hash of the last appended entry.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence, j.head
}

// Emit implements events.Emitter. Failures are logged; the state change the
// event describes has already been committed.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal append failed", "type", evt.EventType(), "error", err)
	}
}

// Append persists evt as the next entry in the chain.
func (j *Journal) Append(ctx context.Context, evt events.Event) (*Entry, error) {
	payload := render(evt)
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		ID:         uuid.New(),
		Sequence:   j.sequence + 1,
		Type:       payload.Type,
		Asset:      firstOf(payload.Attributes, "asset", "debtAsset"),
		Account:    firstOf(payload.Attributes, "owner", "borrower", "from", "to"),
		Attributes: string(attrs),
		PrevHash:   j.head,
		CreatedAt:  j.now().UTC(),
	}
	entry.Hash = entryHash(entry)
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	j.sequence, j.head = entry.Sequence, entry.Hash
	return entry, nil
}

// Filter narrows a List query. Zero fields match everything.
type Filter struct {
	Type          string
	Asset         string
	Account       string
	AfterSequence uint64
	Limit         int
}

// List returns entries in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := j.db.WithContext(ctx).Model(&Entry{}).Where("sequence > ?", filter.AfterSequence)
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Asset != "" {
		query = query.Where("asset = ?", filter.Asset)
	}
	if filter.Account != "" {
		query = query.Where("account = ?", filter.Account)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1_000 {
		limit = defaultListLimit
	}
	var out []Entry
	if err := query.Order("sequence asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Verify walks the whole chain and recomputes every hash.
func (j *Journal) Verify(ctx context.Context) error {
	var (
		prev     string
		expected uint64 = 1
	)
	rows, err := j.db.WithContext(ctx).Model(&Entry{}).Order("sequence asc").Rows()
	if err != nil {
		return fmt.Errorf("journal: scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry Entry
		if err := j.db.ScanRows(rows, &entry); err != nil {
			return fmt.Errorf("journal: scan row: %w", err)
		}
		if entry.Sequence != expected || entry.PrevHash != prev || entryHash(&entry) != entry.Hash {
			return fmt.Errorf("%w at sequence %d", ErrChainBroken, entry.Sequence)
		}
		prev = entry.Hash
		expected++
	}
	return rows.Err()
}

func render(evt events.Event) *types.Event {
	if typed, ok := evt.(events.Typed); ok {
		if payload := typed.Event(); payload != nil {
			return payload
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

func firstOf(attrs map[string]string, keys ...string) string {
	for _, key := range keys {
		if value := attrs[key]; value != "" {
			return value
		}
	}
	return ""
}

// entryHash commits to the previous hash, the position in the chain and the
// event payload.
func entryHash(entry *Entry) string {
	hasher := blake3.New(32, nil)
	prev, _ := hex.DecodeString(entry.PrevHash)
	hasher.Write(prev)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], entry.Sequence)
	hasher.Write(seq[:])
	writeDelimited(hasher, []byte(entry.Type))
	writeDelimited(hasher, []byte(entry.Attributes))
	return hex.EncodeToString(hasher.Sum(nil))
}

func writeDelimited(h *blake3.Hasher, data []byte) {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	h.Write(size[:])
	h.Write(data)
}
