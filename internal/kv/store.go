package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// record is the gorm row backing every table: one composite-keyed item with
// its conditional-write attributes stored in dedicated columns.
type record struct {
	Table        string `gorm:"column:tbl;primaryKey;size:64"`
	Key          string `gorm:"column:item_key;primaryKey;size:256"`
	Owner        string `gorm:"size:64;index"`
	Blob         []byte
	Version      int64
	Attrs        []byte
	SecondaryKey string `gorm:"size:256;index"`
	Segment      int    `gorm:"index"`
	ExpiresAt    *int64 `gorm:"index"`
}

func (record) TableName() string { return "kv_items" }

// Store implements the transactional KV capability on a relational database
// through gorm: condition evaluation and all writes of one transaction run
// inside a single database transaction, so they commit or abort as a unit.
type Store struct {
	db  *gorm.DB
	now Clock
}

func New(db *gorm.DB) *Store {
	return NewWithClock(db, time.Now)
}

func NewWithClock(db *gorm.DB, now Clock) *Store {
	return &Store{db: db, now: now}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&record{})
}

// Now exposes the store's clock so layered stores share one notion of time.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) toItem(r *record) (*Item, error) {
	it := &Item{
		Key:          r.Key,
		Owner:        r.Owner,
		Blob:         r.Blob,
		Version:      r.Version,
		SecondaryKey: r.SecondaryKey,
	}
	if len(r.Attrs) > 0 {
		if err := json.Unmarshal(r.Attrs, &it.Attrs); err != nil {
			return nil, fmt.Errorf("kv: decode attrs for %s/%s: %w", r.Table, r.Key, err)
		}
	}
	if r.ExpiresAt != nil {
		exp := time.Unix(*r.ExpiresAt, 0).UTC()
		it.ExpiresAt = &exp
	}
	return it, nil
}

func (s *Store) toRecord(table, key string, it *Item) (*record, error) {
	r := &record{
		Table:        table,
		Key:          key,
		Owner:        it.Owner,
		Blob:         it.Blob,
		Version:      it.Version,
		SecondaryKey: it.SecondaryKey,
		Segment:      SegmentOf(key),
	}
	if len(it.Attrs) > 0 {
		attrs, err := json.Marshal(it.Attrs)
		if err != nil {
			return nil, fmt.Errorf("kv: encode attrs for %s/%s: %w", table, key, err)
		}
		r.Attrs = attrs
	}
	if it.ExpiresAt != nil {
		exp := it.ExpiresAt.Unix()
		r.ExpiresAt = &exp
	}
	return r, nil
}

// Get performs a consistent point read. Missing and expired items both
// return (nil, nil).
func (s *Store) Get(ctx context.Context, table, key string) (*Item, error) {
	var r record
	err := s.db.WithContext(ctx).
		Where("tbl = ? AND item_key = ?", table, key).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it, err := s.toItem(&r)
	if err != nil {
		return nil, err
	}
	if it.Expired(s.now()) {
		return nil, nil
	}
	return it, nil
}

// GetBySecondaryKey looks an item up through its indexed alternate key.
func (s *Store) GetBySecondaryKey(ctx context.Context, table, secondaryKey string) (*Item, error) {
	if secondaryKey == "" {
		return nil, nil
	}
	var r record
	err := s.db.WithContext(ctx).
		Where("tbl = ? AND secondary_key = ?", table, secondaryKey).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it, err := s.toItem(&r)
	if err != nil {
		return nil, err
	}
	if it.Expired(s.now()) {
		return nil, nil
	}
	return it, nil
}

// Scan returns up to limit live items with keys strictly after afterKey, in
// key order. Each page is independently consistent; there is no snapshot
// guarantee across pages.
func (s *Store) Scan(ctx context.Context, table, afterKey string, limit int) ([]Item, error) {
	return s.scan(ctx, table, afterKey, limit, -1, 0)
}

// ScanSegment behaves like Scan restricted to one of ofSegments key-hash
// partitions, so bulk jobs can run partitions in parallel.
func (s *Store) ScanSegment(ctx context.Context, table string, segment, ofSegments int, afterKey string, limit int) ([]Item, error) {
	if segment < 0 || ofSegments <= 0 || segment >= ofSegments {
		return nil, fmt.Errorf("kv: invalid segment %d of %d", segment, ofSegments)
	}
	return s.scan(ctx, table, afterKey, limit, segment, ofSegments)
}

func (s *Store) scan(ctx context.Context, table, afterKey string, limit, segment, ofSegments int) ([]Item, error) {
	q := s.db.WithContext(ctx).
		Where("tbl = ? AND item_key > ?", table, afterKey).
		Where("expires_at IS NULL OR expires_at >= ?", s.now().Unix()).
		Order("item_key").
		Limit(limit)
	if ofSegments > 0 {
		q = q.Where("segment % ? = ?", ofSegments, segment)
	}
	var rows []record
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(rows))
	for i := range rows {
		it, err := s.toItem(&rows[i])
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, nil
}

// Write applies up to MaxTransactItems conditional puts and deletes as one
// all-or-nothing transaction. The first failing condition aborts the whole
// transaction with a ConditionFailedError; backend races surface as
// ErrTransactionConflict.
func (s *Store) Write(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxTransactItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(ops), MaxTransactItems)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		for i, op := range ops {
			existing, err := s.lockRead(tx, op.Table, op.Key, now)
			if err != nil {
				return err
			}
			if !op.Cond.check(existing) {
				return &ConditionFailedError{Op: i, Existing: existing}
			}
			if op.Put != nil {
				r, err := s.toRecord(op.Table, op.Key, op.Put)
				if err != nil {
					return err
				}
				err = tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "tbl"}, {Name: "item_key"}},
					UpdateAll: true,
				}).Create(r).Error
				if err != nil {
					return err
				}
			} else if err := s.drop(tx, op.Table, op.Key); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBackendError(err)
}

// lockRead reads the row under a write lock where the dialect supports it,
// dropping an expired row so it evaluates as absent.
func (s *Store) lockRead(tx *gorm.DB, table, key string, now time.Time) (*Item, error) {
	q := tx.Where("tbl = ? AND item_key = ?", table, key)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r record
	err := q.First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it, err := s.toItem(&r)
	if err != nil {
		return nil, err
	}
	if it.Expired(now) {
		if err := s.drop(tx, table, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return it, nil
}

func (s *Store) drop(tx *gorm.DB, table, key string) error {
	return tx.Where("tbl = ? AND item_key = ?", table, key).Delete(&record{}).Error
}

// PurgeExpired removes rows whose TTL has elapsed. Expiry is already
// enforced at read time; this is the periodic sweep.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", s.now().Unix()).
		Delete(&record{})
	return res.RowsAffected, res.Error
}

func mapBackendError(err error) error {
	if err == nil {
		return nil
	}
	var cf *ConditionFailedError
	if errors.As(err, &cf) {
		return cf
	}
	msg := err.Error()
	// sqlite reports lock contention as a busy/locked database; postgres
	// serialization and deadlock failures carry these SQLSTATEs.
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLSTATE 40001") ||
		strings.Contains(msg, "SQLSTATE 40P01") {
		return fmt.Errorf("%w: %v", ErrTransactionConflict, err)
	}
	return err
}
