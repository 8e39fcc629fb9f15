package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bar intervals. Outcome resolution reads minute bars only; day bars exist
// as historical imports.
const (
	BarIntervalMinute = "1m"
	BarIntervalDay    = "1d"
)

// OHLCVBar is one append-only price bar. (stock_symbol, interval, timestamp)
// is unique; bars are never mutated after insert.
type OHLCVBar struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	StockSymbol string          `gorm:"uniqueIndex:idx_bar_symbol_interval_ts;not null" json:"stock_symbol"`
	Interval    string          `gorm:"uniqueIndex:idx_bar_symbol_interval_ts;not null;default:1m" json:"interval"`
	Timestamp   time.Time       `gorm:"uniqueIndex:idx_bar_symbol_interval_ts;not null" json:"timestamp"`
	Open        decimal.Decimal `gorm:"type:numeric(18,4);not null" json:"open"`
	High        decimal.Decimal `gorm:"type:numeric(18,4);not null" json:"high"`
	Low         decimal.Decimal `gorm:"type:numeric(18,4);not null" json:"low"`
	Close       decimal.Decimal `gorm:"type:numeric(18,4);not null" json:"close"`
	Volume      int64           `gorm:"not null" json:"volume"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt   gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (OHLCVBar) TableName() string {
	return "ohlcv_bars"
}

// Validate checks the bar invariants: low <= open,close <= high, volume >= 0.
func (b *OHLCVBar) Validate() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return false
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return false
	}
	return true
}
