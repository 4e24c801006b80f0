package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"paysettle/core/events"
	"paysettle/core/types"
)

// ErrChainBroken indicates a stored record does not match its recomputed digest.
var ErrChainBroken = errors.New("audit: hash chain broken")

// AuditRecord persists one engine event. Hash commits to the previous record's
// hash, so rewriting or deleting any row invalidates every later row.
type AuditRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence   uint64    `gorm:"uniqueIndex;not null" json:"sequence"`
	Type       string    `gorm:"index;not null" json:"type"`
	Attributes string    `gorm:"type:text;not null" json:"-"`
	PrevHash   string    `gorm:"size:64" json:"prevHash"`
	Hash       string    `gorm:"size:64;uniqueIndex;not null" json:"hash"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName pins the table name independent of gorm's pluralisation rules.
func (AuditRecord) TableName() string { return "settlement_audit" }

// Event decodes the stored attributes back into the wire form.
func (r AuditRecord) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(r.Attributes) != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("audit: decode attributes of #%d: %w", r.Sequence, err)
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

// Open connects to dsn. postgres:// and postgresql:// URLs use Postgres and
// everything else is handed to the pure-Go SQLite driver.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("audit: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	return db, nil
}

// Trail is an append-only, hash-chained log of engine events. It implements
// events.Emitter so it can sit in the engine's fan-out.
type Trail struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// TrailOption customises a Trail.
type TrailOption func(*Trail)

// WithTrailLogger overrides the logger used to report append failures from Emit.
func WithTrailLogger(l *slog.Logger) TrailOption {
	return func(t *Trail) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) TrailOption {
	return func(t *Trail) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTrail migrates the schema and returns a trail writing to db.
func NewTrail(db *gorm.DB, opts ...TrailOption) (*Trail, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database required")
	}
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	t := &Trail{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Emit implements events.Emitter. The engine does not wait on or fail because
// of the audit sink, so append errors are logged rather than returned.
func (t *Trail) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if _, err := t.Append(context.Background(), evt); err != nil {
		t.logger.Error("settled/audit: append failed", "type", evt.EventType(), "error", err)
	}
}

// Append persists evt as the next record in the chain.
func (t *Trail) Append(ctx context.Context, evt events.Event) (AuditRecord, error) {
	wire := toWire(evt)
	attrs, err := json.Marshal(wire.Attributes)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("audit: encode attributes: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var record AuditRecord
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last AuditRecord
		seq := uint64(1)
		prev := ""
		res := tx.Order("sequence DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			seq = last.Sequence + 1
			prev = last.Hash
		}
		record = AuditRecord{
			ID:         uuid.New(),
			Sequence:   seq,
			Type:       wire.Type,
			Attributes: string(attrs),
			PrevHash:   prev,
			CreatedAt:  t.now().UTC(),
		}
		record.Hash = digest(record)
		return tx.Create(&record).Error
	})
	if err != nil {
		return AuditRecord{}, fmt.Errorf("audit: append %s: %w", wire.Type, err)
	}
	return record, nil
}

// ListOptions filters List.
type ListOptions struct {
	// Type restricts results to one event type when set.
	Type string
	// After skips records with Sequence <= After.
	After uint64
	// Limit caps the result size; zero means 100.
	Limit int
}

// List returns records in sequence order.
func (t *Trail) List(ctx context.Context, opts ListOptions) ([]AuditRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query := t.db.WithContext(ctx).Where("sequence > ?", opts.After)
	if typ := strings.TrimSpace(opts.Type); typ != "" {
		query = query.Where("type = ?", typ)
	}
	var records []AuditRecord
	if err := query.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return records, nil
}

// Verify walks the whole chain and returns the number of records checked. It
// fails with ErrChainBroken at the first gap, reordering or digest mismatch.
func (t *Trail) Verify(ctx context.Context) (int, error) {
	const batch = 500
	var (
		checked  int
		prevHash string
		expected = uint64(1)
	)
	for {
		var records []AuditRecord
		err := t.db.WithContext(ctx).
			Where("sequence >= ?", expected).
			Order("sequence ASC").
			Limit(batch).
			Find(&records).Error
		if err != nil {
			return checked, fmt.Errorf("audit: verify: %w", err)
		}
		for _, r := range records {
			if r.Sequence != expected {
				return checked, fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, expected, r.Sequence)
			}
			if r.PrevHash != prevHash {
				return checked, fmt.Errorf("%w: record %d does not link to its predecessor", ErrChainBroken, r.Sequence)
			}
			if digest(r) != r.Hash {
				return checked, fmt.Errorf("%w: record %d digest mismatch", ErrChainBroken, r.Sequence)
			}
			prevHash = r.Hash
			expected++
			checked++
		}
		if len(records) < batch {
			return checked, nil
		}
	}
}

// Head returns the latest sequence number and hash, or zero values when empty.
func (t *Trail) Head(ctx context.Context) (uint64, string, error) {
	var last AuditRecord
	res := t.db.WithContext(ctx).Order("sequence DESC").Limit(1).Find(&last)
	if res.Error != nil {
		return 0, "", fmt.Errorf("audit: head: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, "", nil
	}
	return last.Sequence, last.Hash, nil
}

func toWire(evt events.Event) *types.Event {
	if wire, ok := evt.(events.WireEvent); ok {
		if e := wire.Event(); e != nil {
			if e.Attributes == nil {
				e.Attributes = map[string]string{}
			}
			return e
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// digest is blake3(prevHash | sequence | type | attributes) with NUL
// separators between variable-length fields.
func digest(r AuditRecord) string {
	h := blake3.New(32, nil)
	h.Write([]byte(r.PrevHash))
	h.Write([]byte{0})
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], r.Sequence)
	h.Write(seq[:])
	h.Write([]byte(r.Type))
	h.Write([]byte{0})
	h.Write([]byte(r.Attributes))
	return hex.EncodeToString(h.Sum(nil))
}
