// Package bidrules holds the pure decision functions of the bid engine:
// validation of a proposed amount, anti-sniping deadline extension and the
// fraud heuristics. Nothing here touches storage or reads the wall clock;
// callers pass the acceptance time explicitly.
package bidrules

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy carries the tunable thresholds of the engine.
type Policy struct {
	// SnipeThreshold is the remaining time at or below which a bid extends the deadline.
	SnipeThreshold time.Duration
	// SnipeExtension is added to the deadline when a bid lands inside SnipeThreshold.
	SnipeExtension time.Duration
	// AbnormalRatio is the multiple of the starting price above which a bid is flagged.
	AbnormalRatio decimal.Decimal
	// RapidWindow is the trailing window for counting a bidder's own bids.
	RapidWindow time.Duration
	// RapidCount is the number of bids inside RapidWindow, current one included, that raises an alert.
	RapidCount int
}

// DefaultPolicy returns the production thresholds: 10s/60s anti-sniping,
// 30% deviation, and three bids within 60 seconds.
func DefaultPolicy() Policy {
	return Policy{
		SnipeThreshold: 10 * time.Second,
		SnipeExtension: 60 * time.Second,
		AbnormalRatio:  decimal.RequireFromString("1.3"),
		RapidWindow:    60 * time.Second,
		RapidCount:     3,
	}
}

// HistoryWindow is how far back the fraud detector needs bid history.
func (p Policy) HistoryWindow() time.Duration {
	return p.RapidWindow
}
