package entity

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Signal types.
const (
	SignalBuy  = "buy"
	SignalSell = "sell"
	SignalHold = "hold"
)

// Dispatch statuses.
const (
	DispatchPending = "pending"
	DispatchSent    = "sent"
	DispatchFailed  = "failed"
	DispatchExpired = "expired"
)

// Reason discriminators for the signal reason payload.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonTechnicalVotes   = "technical_votes"
	ReasonNewsAdjusted     = "news_adjusted"
	ReasonNewsVeto         = "news_veto"
	ReasonNewsPromoted     = "news_promoted"
	ReasonBelowThreshold   = "below_threshold"
)

// SignalReason is the structured explanation persisted with every signal,
// stored as a discriminated JSON column.
type SignalReason struct {
	Kind         string   `json:"kind"`
	BullishVotes []string `json:"bullish_votes,omitempty"`
	BearishVotes []string `json:"bearish_votes,omitempty"`
	NewsNote     string   `json:"news_note,omitempty"`
}

// NewsImpactPayload snapshots the news aggregate that influenced a signal.
type NewsImpactPayload struct {
	WeightedSentiment float64 `json:"weighted_sentiment"`
	TotalWeight       float64 `json:"total_weight"`
	ArticleCount      int     `json:"article_count"`
	Momentum          float64 `json:"momentum"`
	ImpactLevel       string  `json:"impact_level"`
	Summary           string  `json:"summary,omitempty"`
}

// TradingSignal is one advisory BUY/SELL/HOLD emitted for a (user, stock)
// pair during a session. Non-hold signals carry a full risk envelope.
type TradingSignal struct {
	ID             int64           `gorm:"primaryKey" json:"id"`
	UserID         uint            `gorm:"index:idx_signal_user_stock_session;not null" json:"user_id"`
	StockSymbol    string          `gorm:"index:idx_signal_user_stock_session;not null" json:"stock_symbol"`
	SessionDate    time.Time       `gorm:"index:idx_signal_user_stock_session;type:date;not null" json:"session_date"`
	Type           string          `gorm:"not null" json:"type"`
	Confidence     float64         `gorm:"not null" json:"confidence"`
	PriceAtSignal  decimal.Decimal `gorm:"type:numeric(18,4);not null" json:"price_at_signal"`
	TargetPrice    decimal.Decimal `gorm:"type:numeric(18,4)" json:"target_price"`
	StopLossPrice  decimal.Decimal `gorm:"type:numeric(18,4)" json:"stop_loss_price"`
	PositionShares int64           `json:"position_shares"`
	Reason         datatypes.JSON  `gorm:"type:jsonb" json:"reason"`
	NewsImpact     datatypes.JSON  `gorm:"type:jsonb" json:"news_impact,omitempty"`
	ModifiedByNews bool            `gorm:"not null;default:false" json:"modified_by_news"`
	IsDispatched   bool            `gorm:"not null;default:false" json:"is_dispatched"`
	DispatchedAt   *time.Time      `json:"dispatched_at,omitempty"`
	DispatchStatus string          `gorm:"not null;default:pending" json:"dispatch_status"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt  `gorm:"index" json:"-"`

	Outcome    *SignalOutcome   `gorm:"foreignKey:SignalID" json:"outcome,omitempty"`
	Deliveries []SignalDelivery `gorm:"foreignKey:SignalID" json:"deliveries,omitempty"`
}

func (TradingSignal) TableName() string {
	return "trading_signals"
}

// IsResolved reports whether an outcome has been attached.
func (s *TradingSignal) IsResolved() bool {
	return s.Outcome != nil
}

// SetReason marshals the structured reason into the jsonb column.
func (s *TradingSignal) SetReason(r SignalReason) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.Reason = datatypes.JSON(b)
	return nil
}

// GetReason unmarshals the structured reason.
func (s *TradingSignal) GetReason() (SignalReason, error) {
	var r SignalReason
	err := json.Unmarshal(s.Reason, &r)
	return r, err
}

// SetNewsImpact marshals the news aggregate snapshot into the jsonb column.
func (s *TradingSignal) SetNewsImpact(p NewsImpactPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.NewsImpact = datatypes.JSON(b)
	return nil
}

// ValidateRiskEnvelope checks the price ordering invariant for non-hold signals.
func (s *TradingSignal) ValidateRiskEnvelope() bool {
	switch s.Type {
	case SignalBuy:
		return s.TargetPrice.GreaterThan(s.PriceAtSignal) && s.PriceAtSignal.GreaterThan(s.StopLossPrice)
	case SignalSell:
		return s.TargetPrice.LessThan(s.PriceAtSignal) && s.PriceAtSignal.LessThan(s.StopLossPrice)
	default:
		return true
	}
}

// Outcome resolutions.
const (
	ResolutionTargetHit          = "target_hit"
	ResolutionStopHit            = "stop_hit"
	ResolutionClosedAtSessionEnd = "closed_at_session_end"
	ResolutionCancelled          = "cancelled"
)

// SignalOutcome is the realised result of a signal. Written once; never
// recomputed.
type SignalOutcome struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	SignalID          int64           `gorm:"uniqueIndex;not null" json:"signal_id"`
	Resolution        string          `gorm:"not null" json:"resolution"`
	ExitPrice         decimal.Decimal `gorm:"type:numeric(18,4)" json:"exit_price"`
	ExitAt            time.Time       `json:"exit_at"`
	RealisedReturnPct decimal.Decimal `gorm:"type:numeric(10,4)" json:"realised_return_pct"`
	HoldingMinutes    int             `json:"holding_minutes"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt         gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (SignalOutcome) TableName() string {
	return "signal_outcomes"
}

// SignalDelivery tracks per-channel delivery of one signal. (signal_id,
// channel) is unique so dispatch stays idempotent per channel.
type SignalDelivery struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	SignalID   int64          `gorm:"uniqueIndex:idx_delivery_signal_channel;not null" json:"signal_id"`
	Channel    string         `gorm:"uniqueIndex:idx_delivery_signal_channel;not null" json:"channel"`
	Status     string         `gorm:"not null;default:pending" json:"status"`
	Attempts   int            `gorm:"not null;default:0" json:"attempts"`
	MessageRef string         `json:"message_ref,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (SignalDelivery) TableName() string {
	return "signal_deliveries"
}
