package storage

import (
	"time"

	"gorm.io/gorm"
)

// Amounts are stored as base-10 strings so both drivers keep full 256-bit
// precision.

// Settlement is one settled epoch as reported by the engine.
type Settlement struct {
	Day                  uint64 `gorm:"primaryKey;autoIncrement:false"`
	RunID                string `gorm:"size:36;index"`
	NavBase              string `gorm:"not null"`
	NavA                 string `gorm:"not null"`
	NavB                 string `gorm:"not null"`
	Price                string `gorm:"not null"`
	SharesMinted         string
	SharesBurned         string
	CreationUnderlying   string
	RedemptionUnderlying string
	Fee                  string
	ManagementFee        string
	InterestRate         string
	QueuePaid            string
	Rebalanced           bool `gorm:"index"`
	SettledAt            time.Time
}

// RebalanceRecord mirrors one entry of the rebalance table.
type RebalanceRecord struct {
	Index       uint64 `gorm:"column:entry_index;primaryKey;autoIncrement:false"`
	Day         uint64 `gorm:"index"`
	Kind        string `gorm:"size:16"`
	RatioBase   string
	RatioA2Base string
	RatioB2Base string
	RatioAB     string
	CreatedAt   time.Time
}

// PriceSample is a raw observation of the underlying price.
type PriceSample struct {
	ID         uint      `gorm:"primaryKey"`
	Source     string    `gorm:"size:64;index"`
	Price      string    `gorm:"not null"`
	ObservedAt time.Time `gorm:"index"`
	RecordedAt time.Time
}

// EventRecord keeps fund and primary market events for the history API.
type EventRecord struct {
	ID         uint   `gorm:"primaryKey"`
	Type       string `gorm:"size:64;index"`
	Attributes string
	CreatedAt  time.Time `gorm:"index"`
}

// AutoMigrate creates or updates the history tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Settlement{}, &RebalanceRecord{}, &PriceSample{}, &EventRecord{})
}
