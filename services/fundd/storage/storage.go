package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tranchefund/core/types"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("fundd storage path must be configured")
	// ErrNotFound is returned when a queried record does not exist.
	ErrNotFound = errors.New("fundd storage: record not found")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the fundd history database.
type Store struct {
	db *gorm.DB
}

// Open connects to driver with dsn and migrates the schema. For sqlite a bare
// path is converted with FileDSN.
func Open(driver, dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		fileDSN, err := FileDSN(trimmed)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(fileDSN)
	case DriverPostgres:
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened connection. The schema is migrated.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordSettlement stores a settled epoch. Re-recording a day is a no-op so
// replays after a restart are harmless.
func (s *Store) RecordSettlement(ctx context.Context, rec Settlement) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if rec.SettledAt.IsZero() {
		rec.SettledAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// Settlement returns the settlement of day.
func (s *Store) Settlement(ctx context.Context, day uint64) (Settlement, error) {
	var rec Settlement
	if s == nil {
		return rec, fmt.Errorf("storage not configured")
	}
	err := s.db.WithContext(ctx).Where("day = ?", day).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("query settlement: %w", err)
	}
	return rec, nil
}

// Settlements lists settlements newest first. before excludes days at or
// after it when non-zero.
func (s *Store) Settlements(ctx context.Context, before uint64, limit int) ([]Settlement, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	q := s.db.WithContext(ctx).Order("day DESC").Limit(clampLimit(limit))
	if before > 0 {
		q = q.Where("day < ?", before)
	}
	var out []Settlement
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	return out, nil
}

// RecordRebalance stores a rebalance entry, ignoring duplicates.
func (s *Store) RecordRebalance(ctx context.Context, rec RebalanceRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("insert rebalance: %w", err)
	}
	return nil
}

// Rebalances lists the rebalance history in table order.
func (s *Store) Rebalances(ctx context.Context) ([]RebalanceRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var out []RebalanceRecord
	if err := s.db.WithContext(ctx).Order("entry_index ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query rebalances: %w", err)
	}
	return out, nil
}

// RecordSample persists one raw price observation.
func (s *Store) RecordSample(ctx context.Context, sample PriceSample) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(sample.Price) == "" {
		return fmt.Errorf("sample missing price")
	}
	sample.Source = strings.ToLower(strings.TrimSpace(sample.Source))
	sample.ObservedAt = sample.ObservedAt.UTC()
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&sample).Error; err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// SamplesBetween returns samples observed in [from, to] in time order.
func (s *Store) SamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var out []PriceSample
	err := s.db.WithContext(ctx).
		Where("observed_at >= ? AND observed_at <= ?", from.UTC(), to.UTC()).
		Order("observed_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	return out, nil
}

// LatestSample returns the newest observation.
func (s *Store) LatestSample(ctx context.Context) (PriceSample, error) {
	var sample PriceSample
	if s == nil {
		return sample, fmt.Errorf("storage not configured")
	}
	err := s.db.WithContext(ctx).Order("observed_at DESC").Take(&sample).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sample, ErrNotFound
	}
	if err != nil {
		return sample, fmt.Errorf("query latest sample: %w", err)
	}
	return sample, nil
}

// PruneSamples removes samples observed before cutoff.
func (s *Store) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	res := s.db.WithContext(ctx).Where("observed_at < ?", cutoff.UTC()).Delete(&PriceSample{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune samples: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RecordEvent appends evt to the event log.
func (s *Store) RecordEvent(ctx context.Context, evt *types.Event, at time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if evt == nil || evt.Type == "" {
		return fmt.Errorf("event type required")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("encode event attributes: %w", err)
	}
	rec := EventRecord{Type: evt.Type, Attributes: string(attrs), CreatedAt: at.UTC()}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events lists logged events newest first, optionally filtered by type.
func (s *Store) Events(ctx context.Context, eventType string, limit int) ([]types.Event, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(clampLimit(limit))
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	var rows []EventRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	out := make([]types.Event, 0, len(rows))
	for _, row := range rows {
		evt := types.Event{Type: row.Type}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &evt.Attributes); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", row.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
