package handler

//go:generate mockgen -destination=mock_handler.go -package=handler crop-auction/services/bidding/handler BiddingServiceInterface,AuctionWatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	bidding "crop-auction/internal/biddingService"
	"crop-auction/internal/biddingerrors"
	"crop-auction/internal/events"
	model "crop-auction/internal/models"
	"crop-auction/services/bidding/helpers"
	"crop-auction/utils"

	"github.com/gin-gonic/gin"
)

type BiddingServiceInterface interface {
	PlaceBid(ctx context.Context, p bidding.PlaceBidParams) (bidding.BidOutcome, error)
	CreateAuction(ctx context.Context, identity model.Identity, p bidding.CreateAuctionParams) (model.Auction, error)
	EndAuction(ctx context.Context, auctionID string, identity model.Identity) (model.Auction, error)
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	ListAuctions(ctx context.Context, status model.AuctionStatus) ([]model.Auction, error)
	GetBidsForAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetWinningBid(ctx context.Context, auctionID string) (model.Bid, error)
	GetAuctionsByBidder(ctx context.Context, userID string) ([]model.Auction, error)
	GetFraudAlerts(ctx context.Context, auctionID string, identity model.Identity) ([]model.FraudAlert, error)
}

// AuctionWatcher upgrades a request into a live event stream for one auction
type AuctionWatcher interface {
	Serve(w http.ResponseWriter, r *http.Request, auctionID string, initial *events.Event) error
}

type BiddingHandler struct {
	service BiddingServiceInterface
	watcher AuctionWatcher
}

// NewBiddingHandler builds the handler; watcher may be nil, which disables GET /ws
func NewBiddingHandler(service BiddingServiceInterface, watcher AuctionWatcher) *BiddingHandler {
	return &BiddingHandler{service: service, watcher: watcher}
}

// CreateAuctionHandler handles POST /auctions
func (h *BiddingHandler) CreateAuctionHandler(c *gin.Context) {
	identity, ok := requireIdentity(c, "CreateAuctionHandler")
	if !ok {
		return
	}

	var req helpers.CreateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "CreateAuctionHandler", err)
		return
	}

	auction, err := h.service.CreateAuction(c.Request.Context(), identity, bidding.CreateAuctionParams{
		Crop:             req.Crop,
		Quantity:         *req.Quantity,
		Unit:             req.Unit,
		StartingPrice:    *req.StartingPrice,
		MinimumIncrement: req.MinimumIncrement,
		EndsAt:           *req.EndsAt,
	})
	if err != nil {
		helpers.HandleServiceError(c, "CreateAuctionHandler", err, map[string]any{
			"seller_id": identity.UserID,
			"crop":      req.Crop,
		})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, auction, "auction created successfully")
	helpers.LogSuccess("CreateAuctionHandler", "auction created successfully", map[string]any{
		"auction_id": auction.AuctionID,
		"seller_id":  auction.SellerID,
		"crop":       auction.Crop,
	})
}

// ListAuctionsHandler handles GET /auctions?status=
func (h *BiddingHandler) ListAuctionsHandler(c *gin.Context) {
	status := model.AuctionStatus(strings.ToLower(c.Query("status")))
	auctions, err := h.service.ListAuctions(c.Request.Context(), status)
	if err != nil {
		helpers.HandleServiceError(c, "ListAuctionsHandler", err, map[string]any{"status": string(status)})
		return
	}

	if auctions == nil {
		auctions = []model.Auction{}
	}

	utils.JSONResponse(c, http.StatusOK, auctions, "auctions retrieved successfully")
	helpers.LogSuccess("ListAuctionsHandler", "auctions retrieved successfully", map[string]any{
		"status": string(status),
		"count":  len(auctions),
	})
}

// GetAuctionHandler handles GET /auctions/:auction_id
func (h *BiddingHandler) GetAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	auction, err := h.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		helpers.HandleServiceError(c, "GetAuctionHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, auction, "auction retrieved successfully")
}

// PlaceBidHandler handles POST /auctions/:auction_id/bids
func (h *BiddingHandler) PlaceBidHandler(c *gin.Context) {
	identity, ok := requireIdentity(c, "PlaceBidHandler")
	if !ok {
		return
	}

	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "PlaceBidHandler", err)
		return
	}

	auctionID := c.Param("auction_id")
	bidderID := identity.UserID
	if req.BidderID != "" && req.BidderID != identity.UserID {
		if !identity.IsAdmin() {
			helpers.HandleServiceError(c, "PlaceBidHandler",
				fmt.Errorf("bid as %s: %w", req.BidderID, biddingerrors.ErrForbidden),
				map[string]any{"auction_id": auctionID, "user_id": identity.UserID})
			return
		}
		bidderID = req.BidderID
	}

	outcome, err := h.service.PlaceBid(c.Request.Context(), bidding.PlaceBidParams{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    *req.Amount,
	})
	if err != nil {
		helpers.HandleServiceError(c, "PlaceBidHandler", err, map[string]any{
			"auction_id": auctionID,
			"bidder_id":  bidderID,
			"amount":     req.Amount.String(),
		})
		return
	}

	alerts := outcome.FraudAlertsCreated
	if alerts == nil {
		alerts = []model.FraudAlert{}
	}
	resp := helpers.PlaceBidResponse{
		Auction:            outcome.Auction,
		Bid:                helpers.NewBidResponse(outcome.Bid),
		FraudAlertsCreated: alerts,
	}

	utils.JSONResponse(c, http.StatusOK, resp, "bid placed successfully")
	helpers.LogSuccess("PlaceBidHandler", "bid placed successfully", map[string]any{
		"bid_id":       outcome.Bid.BidID,
		"auction_id":   auctionID,
		"bidder_id":    bidderID,
		"amount":       outcome.Bid.Amount.String(),
		"fraud_alerts": len(alerts),
	})
}

// EndAuctionHandler handles POST /auctions/:auction_id/end
func (h *BiddingHandler) EndAuctionHandler(c *gin.Context) {
	identity, ok := requireIdentity(c, "EndAuctionHandler")
	if !ok {
		return
	}

	auctionID := c.Param("auction_id")
	auction, err := h.service.EndAuction(c.Request.Context(), auctionID, identity)
	if err != nil {
		helpers.HandleServiceError(c, "EndAuctionHandler", err, map[string]any{
			"auction_id": auctionID,
			"user_id":    identity.UserID,
		})
		return
	}

	utils.JSONResponse(c, http.StatusOK, auction, "auction ended successfully")
	helpers.LogSuccess("EndAuctionHandler", "auction ended successfully", map[string]any{
		"auction_id": auctionID,
		"user_id":    identity.UserID,
	})
}

// GetBidsByAuctionHandler handles GET /auctions/:auction_id/bids
func (h *BiddingHandler) GetBidsByAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	bids, err := h.service.GetBidsForAuction(c.Request.Context(), auctionID)
	if err != nil && !errors.Is(err, biddingerrors.ErrNoBids) {
		helpers.HandleServiceError(c, "GetBidsByAuctionHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewBidResponses(bids), "bids retrieved successfully")
	helpers.LogSuccess("GetBidsByAuctionHandler", "bids retrieved successfully", map[string]any{
		"auction_id": auctionID,
		"count":      len(bids),
	})
}

// GetWinningBidHandler handles GET /auctions/:auction_id/winning
func (h *BiddingHandler) GetWinningBidHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	bid, err := h.service.GetWinningBid(c.Request.Context(), auctionID)
	if err != nil {
		if errors.Is(err, biddingerrors.ErrNoBids) {
			utils.JSONError(c, http.StatusNotFound, err, "no winning bid found")
			utils.Info("GetWinningBidHandler: no winning bid found", map[string]any{"auction_id": auctionID})
			return
		}
		helpers.HandleServiceError(c, "GetWinningBidHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewBidResponse(bid), "winning bid retrieved successfully")
	helpers.LogSuccess("GetWinningBidHandler", "winning bid retrieved successfully", map[string]any{
		"bid_id":     bid.BidID,
		"auction_id": auctionID,
		"bidder_id":  bid.BidderID,
		"amount":     bid.Amount.String(),
	})
}

// GetFraudAlertsHandler handles GET /auctions/:auction_id/fraud-alerts
func (h *BiddingHandler) GetFraudAlertsHandler(c *gin.Context) {
	identity, ok := requireIdentity(c, "GetFraudAlertsHandler")
	if !ok {
		return
	}

	auctionID := c.Param("auction_id")
	alerts, err := h.service.GetFraudAlerts(c.Request.Context(), auctionID, identity)
	if err != nil {
		helpers.HandleServiceError(c, "GetFraudAlertsHandler", err, map[string]any{
			"auction_id": auctionID,
			"user_id":    identity.UserID,
		})
		return
	}

	if alerts == nil {
		alerts = []model.FraudAlert{}
	}

	utils.JSONResponse(c, http.StatusOK, alerts, "fraud alerts retrieved successfully")
	helpers.LogSuccess("GetFraudAlertsHandler", "fraud alerts retrieved successfully", map[string]any{
		"auction_id": auctionID,
		"count":      len(alerts),
	})
}

// GetAuctionsByUserHandler handles GET /users/:user_id/auctions
func (h *BiddingHandler) GetAuctionsByUserHandler(c *gin.Context) {
	userID := c.Param("user_id")
	auctions, err := h.service.GetAuctionsByBidder(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, biddingerrors.ErrUserNoBids) {
		helpers.HandleServiceError(c, "GetAuctionsByUserHandler", err, map[string]any{"user_id": userID})
		return
	}

	if auctions == nil {
		auctions = []model.Auction{}
	}

	utils.JSONResponse(c, http.StatusOK, auctions, "auctions retrieved successfully")
	helpers.LogSuccess("GetAuctionsByUserHandler", "auctions retrieved successfully", map[string]any{
		"user_id":        userID,
		"auctions_count": len(auctions),
	})
}

// WatchAuctionHandler handles GET /auctions/:auction_id/ws
func (h *BiddingHandler) WatchAuctionHandler(c *gin.Context) {
	if h.watcher == nil {
		utils.JSONError(c, http.StatusNotFound, errors.New("live updates disabled"), "live updates disabled")
		return
	}

	auctionID := c.Param("auction_id")
	auction, err := h.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		helpers.HandleServiceError(c, "WatchAuctionHandler", err, map[string]any{"auction_id": auctionID})
		return
	}

	snapshot := events.New(events.TypeAuctionSnapshot, auction, auction.UpdatedAt)
	// the upgrader writes its own HTTP error when the handshake fails
	if err := h.watcher.Serve(c.Writer, c.Request, auctionID, &snapshot); err != nil {
		utils.Warn("WatchAuctionHandler: websocket upgrade failed", map[string]any{
			"auction_id": auctionID,
			"error":      err.Error(),
		})
	}
}

func requireIdentity(c *gin.Context, handlerName string) (model.Identity, bool) {
	identity, ok := helpers.IdentityFromContext(c)
	if !ok || identity.UserID == "" {
		helpers.HandleServiceError(c, handlerName, biddingerrors.ErrUnauthenticated, nil)
		return model.Identity{}, false
	}
	return identity, true
}
