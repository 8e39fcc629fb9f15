// Package dispatch delivers generated signals over the user's enabled
// channels with per-(signal, channel) idempotence.
package dispatch

import (
	"fmt"
	"html/template"
	"strings"

	"gpw-signal-engine/internal/engine/repository"
	"gpw-signal-engine/internal/entity"
)

// RenderTelegram builds the plain-text Telegram message for a signal.
func RenderTelegram(signal *entity.TradingSignal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", strings.ToUpper(signal.Type), signal.StockSymbol)
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", signal.Confidence)
	fmt.Fprintf(&b, "Price: %s\n", signal.PriceAtSignal.StringFixed(4))
	fmt.Fprintf(&b, "Target: %s\n", signal.TargetPrice.StringFixed(4))
	fmt.Fprintf(&b, "Stop loss: %s\n", signal.StopLossPrice.StringFixed(4))
	if signal.PositionShares > 0 {
		fmt.Fprintf(&b, "Shares: %d\n", signal.PositionShares)
	}
	fmt.Fprintf(&b, "Reason: %s", reasonText(signal))
	return b.String()
}

// RenderEmailSubject builds the "[GPW] {SYMBOL} {ACTION} @ {PRICE}" subject.
func RenderEmailSubject(signal *entity.TradingSignal) string {
	return fmt.Sprintf("[GPW] %s %s @ %s",
		signal.StockSymbol, strings.ToUpper(signal.Type), signal.PriceAtSignal.StringFixed(4))
}

var emailTemplate = template.Must(template.New("signal_email").Parse(`<html>
<body>
<h2>{{.Action}} {{.Symbol}}</h2>
<table>
<tr><td>Confidence</td><td>{{.Confidence}}%</td></tr>
<tr><td>Price at signal</td><td>{{.Price}}</td></tr>
<tr><td>Target</td><td>{{.Target}}</td></tr>
<tr><td>Stop loss</td><td>{{.Stop}}</td></tr>
{{if .Shares}}<tr><td>Shares</td><td>{{.Shares}}</td></tr>{{end}}
</table>
<p>{{.Reason}}</p>
</body>
</html>`))

// RenderEmail builds the HTML body and its plain-text fallback.
func RenderEmail(signal *entity.TradingSignal) (htmlBody, textBody string, err error) {
	data := struct {
		Action, Symbol, Price, Target, Stop, Reason string
		Confidence                                  string
		Shares                                      int64
	}{
		Action:     strings.ToUpper(signal.Type),
		Symbol:     signal.StockSymbol,
		Confidence: fmt.Sprintf("%.0f", signal.Confidence),
		Price:      signal.PriceAtSignal.StringFixed(4),
		Target:     signal.TargetPrice.StringFixed(4),
		Stop:       signal.StopLossPrice.StringFixed(4),
		Reason:     reasonText(signal),
		Shares:     signal.PositionShares,
	}

	var b strings.Builder
	if err := emailTemplate.Execute(&b, data); err != nil {
		return "", "", err
	}
	return b.String(), RenderTelegram(signal), nil
}

// reasonText renders the structured reason payload as one line.
func reasonText(signal *entity.TradingSignal) string {
	reason, err := signal.GetReason()
	if err != nil {
		return "no reason recorded"
	}

	switch reason.Kind {
	case entity.ReasonTechnicalVotes:
		votes := reason.BullishVotes
		if signal.Type == entity.SignalSell {
			votes = reason.BearishVotes
		}
		if len(votes) == 0 {
			return "technical consensus"
		}
		return "technical consensus: " + strings.Join(votes, ", ")
	case entity.ReasonNewsAdjusted, entity.ReasonNewsVeto, entity.ReasonNewsPromoted:
		if reason.NewsNote != "" {
			return reason.NewsNote
		}
		return "news-driven adjustment"
	case entity.ReasonInsufficientData:
		return "insufficient price history"
	case entity.ReasonBelowThreshold:
		return "confidence below user threshold"
	default:
		return reason.Kind
	}
}

// RenderDailySummary builds the opt-in end-of-day digest covering held-back
// recommendations and realised outcomes.
func RenderDailySummary(sessionDate string, holds []entity.TradingSignal, stats *repository.DailyStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GPW daily summary for %s\n\n", sessionDate)

	if stats != nil && stats.SignalCount > 0 {
		fmt.Fprintf(&b, "Resolved signals: %d\n", stats.SignalCount)
		fmt.Fprintf(&b, "Target hits: %d, stop hits: %d, session closes: %d, cancelled: %d\n",
			stats.TargetHits, stats.StopHits, stats.SessionCloses, stats.Cancelled)
		fmt.Fprintf(&b, "Win rate: %.1f%%, average return: %+.2f%%\n\n", stats.WinRatePct, stats.AvgReturnPct)
	} else {
		b.WriteString("No resolved signals today.\n\n")
	}

	if len(holds) == 0 {
		b.WriteString("No held-back recommendations.")
		return b.String()
	}
	fmt.Fprintf(&b, "Held-back recommendations (%d):\n", len(holds))
	for _, h := range holds {
		fmt.Fprintf(&b, "- %s: %s\n", h.StockSymbol, reasonText(&h))
	}
	return strings.TrimRight(b.String(), "\n")
}
