package bidding

import (
	"context"
	"time"

	"crop-auction/internal/models"
	"crop-auction/internal/repository"
	"crop-auction/utils"
)

// ExpirySweeper periodically completes active auctions whose deadline has
// passed. Bids on such auctions are already rejected on read, so the sweeper
// only makes the stored status catch up and announces auction.expired.
type ExpirySweeper struct {
	service   *BiddingService
	interval  time.Duration
	batchSize int
}

// NewExpirySweeper creates a sweeper that runs every interval
func NewExpirySweeper(service *BiddingService, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{service: service, interval: interval, batchSize: 100}
}

// Run sweeps until ctx is done
func (w *ExpirySweeper) Run(ctx context.Context) {
	ticker := w.service.clock.NewTicker(w.interval)
	defer ticker.Stop()

	utils.Info("Expiry sweeper started", map[string]any{"interval": w.interval.String()})
	for {
		select {
		case <-ctx.Done():
			utils.Info("Expiry sweeper stopped", nil)
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				utils.Error("Expiry sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// SweepOnce completes every overdue active auction and returns how many it changed
func (w *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	overdue, err := w.service.repo.ListAuctions(ctx, repository.AuctionFilter{
		Status:     models.AuctionActive,
		EndsBefore: w.service.clock.Now(),
		Limit:      w.batchSize,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, auction := range overdue {
		changed, err := w.service.expireAuction(ctx, auction.AuctionID)
		if err != nil {
			utils.Warn("Failed to expire auction", map[string]any{
				"auction_id": auction.AuctionID,
				"error":      err.Error(),
			})
			continue
		}
		if changed {
			expired++
		}
	}

	if expired > 0 {
		utils.Info("Expired overdue auctions", map[string]any{"count": expired})
	}
	return expired, nil
}
