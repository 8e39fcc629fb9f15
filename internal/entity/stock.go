package entity

import (
	"time"

	"gorm.io/gorm"
)

// Stock is a GPW-listed instrument. Rows are created by admin import; the
// engine only reads them.
type Stock struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Symbol      string         `gorm:"uniqueIndex;not null" json:"symbol"`
	Name        string         `gorm:"not null" json:"name"`
	IsMonitored bool           `gorm:"not null;default:false" json:"is_monitored"`
	Market      string         `json:"market"`
	Industry    string         `json:"industry"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Stock) TableName() string {
	return "stocks"
}
