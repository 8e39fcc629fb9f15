package entity

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trading styles. Each style maps to default risk parameters that explicit
// preference fields override.
const (
	StyleConservative = "conservative"
	StyleModerate     = "moderate"
	StyleAggressive   = "aggressive"
	StyleScalping     = "scalping"
	StyleSwing        = "swing"
)

// Notification channels.
const (
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
)

// User is an engine subscriber. Registration and authentication live
// outside the engine; it only reads active users and their preferences.
type User struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Email          string         `gorm:"uniqueIndex;not null" json:"email"`
	TelegramChatID int64          `json:"telegram_chat_id"`
	IsActive       bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	Preferences *UserPreferences `gorm:"foreignKey:UserID" json:"preferences,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// UserPreferences drives per-user signal generation and dispatch. Zero
// values on the override fields mean "use the trading-style default".
type UserPreferences struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	UserID                 uint            `gorm:"uniqueIndex;not null" json:"user_id"`
	AvailableCapital       decimal.Decimal `gorm:"type:numeric(18,4)" json:"available_capital"`
	TargetProfitPct        float64         `json:"target_profit_pct"`
	MaxLossPct             float64         `json:"max_loss_pct"`
	MinConfidenceThreshold float64         `gorm:"not null;default:60" json:"min_confidence_threshold"`
	MaxPositionSizePct     float64         `json:"max_position_size_pct"`
	MinPositionValue       decimal.Decimal `gorm:"type:numeric(18,4)" json:"min_position_value"`
	MinDailyVolume         int64           `json:"min_daily_volume"`
	TradingStyle           string          `gorm:"not null;default:moderate" json:"trading_style"`
	NotificationChannels   pq.StringArray  `gorm:"type:text[]" json:"notification_channels"`
	MaxSignalsPerDay       int             `gorm:"not null;default:10" json:"max_signals_per_day"`
	DailySummaryOptIn      bool            `gorm:"not null;default:false" json:"daily_summary_opt_in"`
	MonitoredSymbols       pq.StringArray  `gorm:"type:text[]" json:"monitored_symbols"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt              gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (UserPreferences) TableName() string {
	return "user_preferences"
}

// styleDefaults are the per-style risk parameters.
var styleDefaults = map[string]struct {
	TargetProfitPct    float64
	MaxLossPct         float64
	MaxPositionSizePct float64
}{
	StyleConservative: {TargetProfitPct: 0.02, MaxLossPct: 0.01, MaxPositionSizePct: 0.10},
	StyleModerate:     {TargetProfitPct: 0.03, MaxLossPct: 0.02, MaxPositionSizePct: 0.20},
	StyleAggressive:   {TargetProfitPct: 0.05, MaxLossPct: 0.03, MaxPositionSizePct: 0.35},
	StyleScalping:     {TargetProfitPct: 0.01, MaxLossPct: 0.005, MaxPositionSizePct: 0.25},
	StyleSwing:        {TargetProfitPct: 0.06, MaxLossPct: 0.04, MaxPositionSizePct: 0.30},
}

// EffectiveTargetProfitPct resolves the profit target from style defaults
// then explicit override.
func (p *UserPreferences) EffectiveTargetProfitPct() float64 {
	if p.TargetProfitPct > 0 {
		return p.TargetProfitPct
	}
	if d, ok := styleDefaults[p.TradingStyle]; ok {
		return d.TargetProfitPct
	}
	return styleDefaults[StyleModerate].TargetProfitPct
}

// EffectiveMaxLossPct resolves the stop-loss distance.
func (p *UserPreferences) EffectiveMaxLossPct() float64 {
	if p.MaxLossPct > 0 {
		return p.MaxLossPct
	}
	if d, ok := styleDefaults[p.TradingStyle]; ok {
		return d.MaxLossPct
	}
	return styleDefaults[StyleModerate].MaxLossPct
}

// EffectiveMaxPositionSizePct resolves the capital fraction per position.
func (p *UserPreferences) EffectiveMaxPositionSizePct() float64 {
	if p.MaxPositionSizePct > 0 {
		return p.MaxPositionSizePct
	}
	if d, ok := styleDefaults[p.TradingStyle]; ok {
		return d.MaxPositionSizePct
	}
	return styleDefaults[StyleModerate].MaxPositionSizePct
}

// HasChannel reports whether the user enabled the given channel.
func (p *UserPreferences) HasChannel(channel string) bool {
	for _, c := range p.NotificationChannels {
		if c == channel {
			return true
		}
	}
	return false
}
