package bidding

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"crop-auction/internal/biddingerrors"
	"crop-auction/internal/events"
	"crop-auction/internal/models"
	"crop-auction/internal/repository"
	"crop-auction/utils"

	"github.com/shopspring/decimal"
)

// CreateAuctionParams describes a new listing. A nil MinimumIncrement
// means one currency unit.
type CreateAuctionParams struct {
	Crop             string
	Quantity         decimal.Decimal
	Unit             string
	StartingPrice    decimal.Decimal
	MinimumIncrement *decimal.Decimal
	EndsAt           time.Time
}

var defaultIncrement = decimal.NewFromInt(1)

// CreateAuction opens a new active auction owned by the requesting farmer
func (s *BiddingService) CreateAuction(ctx context.Context, identity models.Identity, p CreateAuctionParams) (models.Auction, error) {
	if identity.UserID == "" {
		return models.Auction{}, fmt.Errorf("service: %w - missing user", biddingerrors.ErrUnauthenticated)
	}
	if identity.Role != models.RoleFarmer && !identity.IsAdmin() {
		return models.Auction{}, fmt.Errorf("service: %w - role %s cannot create auctions", biddingerrors.ErrForbidden, identity.Role)
	}

	now := s.clock.Now()
	if err := validateAuction(p, now); err != nil {
		return models.Auction{}, err
	}

	increment := defaultIncrement
	if p.MinimumIncrement != nil {
		increment = *p.MinimumIncrement
	}
	auction := models.Auction{
		AuctionID:        s.newID(),
		SellerID:         identity.UserID,
		Crop:             strings.TrimSpace(p.Crop),
		Quantity:         p.Quantity,
		Unit:             strings.TrimSpace(p.Unit),
		StartingPrice:    p.StartingPrice,
		MinimumIncrement: increment,
		EndsAt:           p.EndsAt.UTC(),
		Status:           models.AuctionActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.withRetry(ctx, "create auction", func(ctx context.Context) error {
		return s.repo.CreateAuction(ctx, auction)
	})
	if err != nil {
		return models.Auction{}, fmt.Errorf("service: failed to create auction for seller %s: %w", identity.UserID, err)
	}

	utils.Info("Auction created", map[string]any{
		"auction_id":     auction.AuctionID,
		"seller_id":      auction.SellerID,
		"crop":           auction.Crop,
		"starting_price": auction.StartingPrice.String(),
		"ends_at":        auction.EndsAt,
	})
	s.publish(ctx, events.New(events.TypeAuctionCreated, auction, now))
	return auction, nil
}

func validateAuction(p CreateAuctionParams, now time.Time) error {
	crop := strings.TrimSpace(p.Crop)
	if n := utf8.RuneCountInString(crop); n < 2 || n > 60 {
		return fmt.Errorf("service: %w - crop must be 2 to 60 characters", biddingerrors.ErrInvalidAuction)
	}
	unit := strings.TrimSpace(p.Unit)
	if n := utf8.RuneCountInString(unit); n < 1 || n > 20 {
		return fmt.Errorf("service: %w - unit must be 1 to 20 characters", biddingerrors.ErrInvalidAuction)
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("service: %w - quantity must be positive", biddingerrors.ErrInvalidAuction)
	}
	if !p.StartingPrice.IsPositive() {
		return fmt.Errorf("service: %w - starting price must be positive", biddingerrors.ErrInvalidAuction)
	}
	if p.MinimumIncrement != nil && !p.MinimumIncrement.IsPositive() {
		return fmt.Errorf("service: %w - minimum increment must be positive", biddingerrors.ErrInvalidAuction)
	}
	if !p.EndsAt.After(now) {
		return fmt.Errorf("service: %w - end time must be in the future", biddingerrors.ErrInvalidAuction)
	}
	return nil
}

// EndAuction marks an auction completed on request of its seller or an admin
func (s *BiddingService) EndAuction(ctx context.Context, auctionID string, identity models.Identity) (models.Auction, error) {
	if auctionID == "" {
		return models.Auction{}, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidAuction)
	}

	var ended models.Auction
	err := s.withRetry(ctx, "end auction", func(ctx context.Context) error {
		return s.repo.WithAuctionLock(ctx, auctionID, func(tx repository.AuctionTx) error {
			auction := tx.Auction()
			if !identity.IsAdmin() && identity.UserID != auction.SellerID {
				return fmt.Errorf("%w - only the seller or an admin can end auction %s", biddingerrors.ErrForbidden, auctionID)
			}
			auction.Status = models.AuctionCompleted
			auction.UpdatedAt = s.clock.Now()
			if err := tx.UpdateAuction(ctx, auction); err != nil {
				return err
			}
			ended = auction
			return nil
		})
	})
	if err != nil {
		return models.Auction{}, fmt.Errorf("service: failed to end auction %s: %w", auctionID, err)
	}

	utils.Info("Auction ended", map[string]any{
		"auction_id": ended.AuctionID,
		"ended_by":   identity.UserID,
	})
	s.publish(ctx, events.New(events.TypeAuctionEnded, ended, ended.UpdatedAt))
	return ended, nil
}

// expireAuction completes auctionID if it is still active past its
// deadline. It reports whether this call changed the status.
func (s *BiddingService) expireAuction(ctx context.Context, auctionID string) (bool, error) {
	var expired models.Auction
	changed := false
	err := s.withRetry(ctx, "expire auction", func(ctx context.Context) error {
		changed = false
		return s.repo.WithAuctionLock(ctx, auctionID, func(tx repository.AuctionTx) error {
			auction := tx.Auction()
			now := s.clock.Now()
			// a late bid may have extended the deadline since the scan
			if auction.Status != models.AuctionActive || auction.EndsAt.After(now) {
				return nil
			}
			auction.Status = models.AuctionCompleted
			auction.UpdatedAt = now
			if err := tx.UpdateAuction(ctx, auction); err != nil {
				return err
			}
			expired = auction
			changed = true
			return nil
		})
	})
	if err != nil || !changed {
		return false, err
	}

	s.publish(ctx, events.New(events.TypeAuctionExpired, expired, expired.UpdatedAt))
	return true, nil
}
