package bidrules

import (
	"fmt"
	"time"

	"crop-auction/internal/biddingerrors"
	"crop-auction/internal/models"

	"github.com/shopspring/decimal"
)

// Quote is the price context a bid was validated against.
type Quote struct {
	Floor    decimal.Decimal
	Required decimal.Decimal
}

// Validate checks a proposed amount against an auction snapshot at time now.
// Checks run in order: existence, status, deadline, minimum increment.
func Validate(auction *models.Auction, amount decimal.Decimal, now time.Time) (Quote, error) {
	if auction == nil {
		return Quote{}, fmt.Errorf("validate: %w", biddingerrors.ErrAuctionNotFound)
	}
	if auction.Status != models.AuctionActive {
		return Quote{}, fmt.Errorf("validate: %w - status is %s", biddingerrors.ErrAuctionInactive, auction.Status)
	}
	if !auction.EndsAt.After(now) {
		return Quote{}, fmt.Errorf("validate: %w - ended at %s", biddingerrors.ErrAuctionExpired, auction.EndsAt.UTC().Format(time.RFC3339))
	}

	floor := auction.Floor()
	required := floor.Add(auction.MinimumIncrement)
	if amount.LessThan(required) {
		return Quote{}, fmt.Errorf("validate: %w - bid must be at least %s", biddingerrors.ErrBidTooLow, required.String())
	}

	return Quote{Floor: floor, Required: required}, nil
}
