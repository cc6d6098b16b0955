package bidding

import (
	"context"
	"fmt"
	"time"

	"crop-auction/internal/biddingerrors"
	"crop-auction/internal/bidrules"
	"crop-auction/internal/clock"
	"crop-auction/internal/events"
	"crop-auction/internal/models"
	"crop-auction/internal/repository"
	"crop-auction/utils"

	"github.com/shopspring/decimal"
)

// BiddingService coordinates bids and auction lifecycle against a Ledger.
// It keeps no state of its own between calls.
type BiddingService struct {
	repo      repository.Ledger
	publisher events.Publisher
	clock     clock.Clock
	policy    bidrules.Policy
	retry     RetryConfig
	newID     utils.IDGenerator
}

// Option customizes a BiddingService
type Option func(*BiddingService)

// WithPublisher sets where committed changes are announced
func WithPublisher(p events.Publisher) Option {
	return func(s *BiddingService) { s.publisher = p }
}

// WithClock sets the authoritative clock
func WithClock(c clock.Clock) Option {
	return func(s *BiddingService) { s.clock = c }
}

// WithPolicy sets anti-sniping and fraud thresholds
func WithPolicy(p bidrules.Policy) Option {
	return func(s *BiddingService) { s.policy = p }
}

// WithRetry sets the commit retry behaviour
func WithRetry(r RetryConfig) Option {
	return func(s *BiddingService) { s.retry = r }
}

// WithIDGenerator replaces the UUID generator
func WithIDGenerator(g utils.IDGenerator) Option {
	return func(s *BiddingService) { s.newID = g }
}

// NewBiddingService creates a new BiddingService instance
func NewBiddingService(repo repository.Ledger, opts ...Option) *BiddingService {
	s := &BiddingService{
		repo:      repo,
		publisher: events.Discard{},
		clock:     clock.Real(),
		policy:    bidrules.DefaultPolicy(),
		retry:     DefaultRetryConfig(),
		newID:     utils.GenerateID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceBidParams is a buyer's proposed bid
type PlaceBidParams struct {
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
}

// BidOutcome is the committed result of an accepted bid
type BidOutcome struct {
	Auction            models.Auction      `json:"auction"`
	Bid                models.Bid          `json:"bid"`
	FraudAlertsCreated []models.FraudAlert `json:"fraud_alerts_created"`
}

// PlaceBid validates and atomically records a bid. Acceptance time comes
// from the service clock, read while the auction lock is held. Once the
// ledger has been entered the caller's cancellation no longer applies.
func (s *BiddingService) PlaceBid(ctx context.Context, p PlaceBidParams) (BidOutcome, error) {
	if p.AuctionID == "" || p.BidderID == "" {
		return BidOutcome{}, fmt.Errorf("service: %w - missing auctionID or bidderID", biddingerrors.ErrInvalidBid)
	}
	if !p.Amount.IsPositive() {
		return BidOutcome{}, fmt.Errorf("service: %w - non-positive bid amount", biddingerrors.ErrInvalidBid)
	}

	ctx = context.WithoutCancel(ctx)

	var (
		outcome BidOutcome
		quote   bidrules.Quote
	)
	err := s.withRetry(ctx, "place bid", func(ctx context.Context) error {
		var err error
		outcome, quote, err = s.placeBidOnce(ctx, p)
		return err
	})
	if err != nil {
		return BidOutcome{}, fmt.Errorf("service: failed to place bid on auction %s by user %s: %w", p.AuctionID, p.BidderID, err)
	}

	utils.Info("Bid accepted", map[string]any{
		"auction_id":   outcome.Auction.AuctionID,
		"bid_id":       outcome.Bid.BidID,
		"bidder_id":    outcome.Bid.BidderID,
		"amount":       outcome.Bid.Amount.String(),
		"floor":        quote.Floor.String(),
		"required":     quote.Required.String(),
		"ends_at":      outcome.Auction.EndsAt,
		"fraud_alerts": len(outcome.FraudAlertsCreated),
	})

	s.publish(ctx, events.BidAccepted(outcome.Auction, outcome.Bid))
	for _, alert := range outcome.FraudAlertsCreated {
		s.publish(ctx, events.FraudAlertRaised(outcome.Auction, alert))
	}
	return outcome, nil
}

func (s *BiddingService) placeBidOnce(ctx context.Context, p PlaceBidParams) (BidOutcome, bidrules.Quote, error) {
	var (
		outcome BidOutcome
		quote   bidrules.Quote
	)
	err := s.repo.WithAuctionLock(ctx, p.AuctionID, func(tx repository.AuctionTx) error {
		now := s.clock.Now()
		auction := tx.Auction()

		var err error
		if quote, err = bidrules.Validate(&auction, p.Amount, now); err != nil {
			return err
		}

		bid := models.Bid{
			BidID:      s.newID(),
			AuctionID:  auction.AuctionID,
			BidderID:   p.BidderID,
			Amount:     p.Amount,
			AcceptedAt: now,
		}

		updated := auction
		amount := p.Amount
		updated.CurrentBid = &amount
		updated.EndsAt = s.policy.ExtendDeadline(auction.EndsAt, now)
		updated.UpdatedAt = now

		findings := s.policy.DetectFraud(bidrules.FraudInput{
			StartingPrice: auction.StartingPrice,
			BidderID:      p.BidderID,
			Amount:        p.Amount,
			Now:           now,
			Recent:        s.recentBids(ctx, tx, now),
		})

		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}
		if err := tx.UpdateAuction(ctx, updated); err != nil {
			return err
		}

		alerts := make([]models.FraudAlert, 0, len(findings))
		for _, f := range findings {
			alert := models.FraudAlert{
				AlertID:   s.newID(),
				AuctionID: auction.AuctionID,
				BidderID:  p.BidderID,
				Kind:      f.Kind,
				Message:   f.Message,
				RaisedAt:  now,
			}
			if err := tx.InsertFraudAlert(ctx, alert); err != nil {
				return err
			}
			alerts = append(alerts, alert)
		}

		outcome = BidOutcome{
			Auction:            updated,
			Bid:                bid,
			FraudAlertsCreated: alerts,
		}
		return nil
	})
	return outcome, quote, err
}

// recentBids loads the history the rapid-bidding heuristic needs. A lookup
// failure disables that heuristic for this bid rather than rejecting it.
func (s *BiddingService) recentBids(ctx context.Context, tx repository.AuctionTx, now time.Time) []models.Bid {
	recent, err := tx.RecentBids(ctx, now.Add(-s.policy.HistoryWindow()))
	if err != nil {
		utils.Warn("Bid history unavailable, skipping rapid bidding check", map[string]any{
			"auction_id": tx.Auction().AuctionID,
			"error":      err.Error(),
		})
		return nil
	}
	if recent == nil {
		recent = []models.Bid{}
	}
	return recent
}

func (s *BiddingService) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		utils.Warn("Failed to publish event", map[string]any{
			"event_id":   event.EventID,
			"event_type": event.Type,
			"auction_id": event.AuctionID,
			"error":      err.Error(),
		})
	}
}

// GetAuction returns the current snapshot of an auction
func (s *BiddingService) GetAuction(ctx context.Context, auctionID string) (models.Auction, error) {
	if auctionID == "" {
		return models.Auction{}, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidAuction)
	}

	auction, err := s.repo.GetAuction(ctx, auctionID)
	if err != nil {
		return models.Auction{}, fmt.Errorf("service: failed to get auction %s: %w", auctionID, err)
	}

	return auction, nil
}

// ListAuctions returns auctions ordered by deadline, optionally filtered by status
func (s *BiddingService) ListAuctions(ctx context.Context, status models.AuctionStatus) ([]models.Auction, error) {
	switch status {
	case "", models.AuctionActive, models.AuctionCompleted:
	default:
		return nil, fmt.Errorf("service: %w - unknown status %q", biddingerrors.ErrInvalidAuction, status)
	}

	auctions, err := s.repo.ListAuctions(ctx, repository.AuctionFilter{Status: status})
	if err != nil {
		return nil, fmt.Errorf("service: failed to list auctions: %w", err)
	}

	return auctions, nil
}

// GetBidsForAuction returns all bids for a specific auction
func (s *BiddingService) GetBidsForAuction(ctx context.Context, auctionID string) ([]models.Bid, error) {
	if auctionID == "" {
		return nil, fmt.Errorf("service: %w - empty auction ID", biddingerrors.ErrInvalidBid)
	}

	bids, err := s.repo.GetBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get bids for auction %s: %w", auctionID, err)
	}

	return bids, nil
}

// GetWinningBid returns the highest accepted bid, which is also the latest
func (s *BiddingService) GetWinningBid(ctx context.Context, auctionID string) (models.Bid, error) {
	bids, err := s.GetBidsForAuction(ctx, auctionID)
	if err != nil {
		return models.Bid{}, err
	}
	if len(bids) == 0 {
		return models.Bid{}, fmt.Errorf("service: auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}

	winning := bids[0]
	for _, b := range bids[1:] {
		if b.Amount.GreaterThan(winning.Amount) {
			winning = b
		}
	}
	return winning, nil
}

// GetAuctionsByBidder returns all auctions a user has placed bids on
func (s *BiddingService) GetAuctionsByBidder(ctx context.Context, userID string) ([]models.Auction, error) {
	if userID == "" {
		return nil, fmt.Errorf("service: %w - empty user ID", biddingerrors.ErrInvalidBid)
	}

	auctions, err := s.repo.GetAuctionsByBidder(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get auctions for user %s: %w", userID, err)
	}

	return auctions, nil
}

// GetFraudAlerts returns the alerts on an auction; only its seller and admins may read them
func (s *BiddingService) GetFraudAlerts(ctx context.Context, auctionID string, identity models.Identity) ([]models.FraudAlert, error) {
	auction, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !identity.IsAdmin() && identity.UserID != auction.SellerID {
		return nil, fmt.Errorf("service: %w - fraud alerts of auction %s are visible to its seller and admins", biddingerrors.ErrForbidden, auctionID)
	}

	alerts, err := s.repo.GetFraudAlerts(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get fraud alerts for auction %s: %w", auctionID, err)
	}

	return alerts, nil
}
