package helpers

import (
	"time"

	"crop-auction/internal/models"

	"github.com/shopspring/decimal"
)

// Request/Response DTOs

// PlaceBidRequest is the body of POST /auctions/:auction_id/bids. The bidder
// is the authenticated caller; BidderID may only name someone else for admins.
type PlaceBidRequest struct {
	BidderID string           `json:"bidder_id"`
	Amount   *decimal.Decimal `json:"amount" binding:"required"`
}

type CreateAuctionRequest struct {
	Crop             string           `json:"crop" binding:"required"`
	Quantity         *decimal.Decimal `json:"quantity" binding:"required"`
	Unit             string           `json:"unit" binding:"required"`
	StartingPrice    *decimal.Decimal `json:"starting_price" binding:"required"`
	MinimumIncrement *decimal.Decimal `json:"minimum_increment"`
	EndsAt           *time.Time       `json:"ends_at" binding:"required"`
}

type BidResponse struct {
	BidID      string `json:"bid_id"`
	AuctionID  string `json:"auction_id"`
	BidderID   string `json:"bidder_id"`
	Amount     string `json:"amount"`
	AcceptedAt string `json:"accepted_at"`
}

type PlaceBidResponse struct {
	Auction            models.Auction      `json:"auction"`
	Bid                BidResponse         `json:"bid"`
	FraudAlertsCreated []models.FraudAlert `json:"fraud_alerts_created"`
}

// NewBidResponse formats a bid for the wire
func NewBidResponse(bid models.Bid) BidResponse {
	return BidResponse{
		BidID:      bid.BidID,
		AuctionID:  bid.AuctionID,
		BidderID:   bid.BidderID,
		Amount:     bid.Amount.String(),
		AcceptedAt: bid.AcceptedAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewBidResponses formats a bid history, never returning nil
func NewBidResponses(bids []models.Bid) []BidResponse {
	out := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, NewBidResponse(b))
	}
	return out
}
