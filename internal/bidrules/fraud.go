package bidrules

import (
	"fmt"
	"time"

	"crop-auction/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FraudInput is everything the heuristics look at for one bid.
type FraudInput struct {
	StartingPrice decimal.Decimal
	BidderID      string
	Amount        decimal.Decimal
	Now           time.Time
	// Recent holds bids on the same auction covering at least RapidWindow
	// before Now. Nil disables the rapid-bidding heuristic.
	Recent []models.Bid
}

// Finding is one heuristic hit, not yet persisted.
type Finding struct {
	Kind    models.FraudKind
	Message string
}

// DetectFraud evaluates both heuristics independently; zero, one or two
// findings come back.
func (p Policy) DetectFraud(in FraudInput) []Finding {
	var findings []Finding
	if f, ok := p.abnormalBid(in); ok {
		findings = append(findings, f)
	}
	if f, ok := p.rapidBidding(in); ok {
		findings = append(findings, f)
	}
	return findings
}

// abnormalBid measures deviation against the starting price, not the current bid.
func (p Policy) abnormalBid(in FraudInput) (Finding, bool) {
	if !in.StartingPrice.IsPositive() {
		return Finding{}, false
	}
	threshold := in.StartingPrice.Mul(p.AbnormalRatio)
	if !in.Amount.GreaterThan(threshold) {
		return Finding{}, false
	}

	deviation := in.Amount.Sub(in.StartingPrice).Div(in.StartingPrice).Mul(hundred)
	limit := p.AbnormalRatio.Sub(decimal.NewFromInt(1)).Mul(hundred)
	return Finding{
		Kind: models.FraudAbnormalBid,
		Message: fmt.Sprintf("bid is %s%% above starting price, limit %s%% (start=%s, bid=%s)",
			deviation.StringFixed(2), limit.String(), in.StartingPrice.String(), in.Amount.String()),
	}, true
}

func (p Policy) rapidBidding(in FraudInput) (Finding, bool) {
	if in.Recent == nil || p.RapidCount <= 0 {
		return Finding{}, false
	}

	windowStart := in.Now.Add(-p.RapidWindow)
	count := 1 // the bid being accepted
	for _, b := range in.Recent {
		if b.BidderID != in.BidderID {
			continue
		}
		if b.AcceptedAt.Before(windowStart) || b.AcceptedAt.After(in.Now) {
			continue
		}
		count++
	}
	if count < p.RapidCount {
		return Finding{}, false
	}

	return Finding{
		Kind:    models.FraudRapidBidding,
		Message: fmt.Sprintf("%d bids by the same buyer within %s", count, p.RapidWindow),
	}, true
}
