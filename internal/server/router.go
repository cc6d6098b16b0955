package server

import (
	"net/http"
	"time"

	model "crop-auction/internal/models"
	handler "crop-auction/services/bidding/handler"
	"crop-auction/utils"

	"github.com/gin-gonic/gin"
)

// RouterOptions carries the optional pieces of the HTTP surface
type RouterOptions struct {
	Watcher       handler.AuctionWatcher // nil disables GET /auctions/:auction_id/ws
	BidRateLimit  int                    // bids per window per caller; <= 0 disables
	BidRateWindow time.Duration
}

// SetupRouter configures all Gin routes for the application
func SetupRouter(biddingService handler.BiddingServiceInterface, opts RouterOptions) *gin.Engine {
	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging

	router.GET("/healthz", func(c *gin.Context) {
		utils.JSONResponse(c, http.StatusOK, gin.H{"ok": true}, "healthy")
	})

	biddingHandler := handler.NewBiddingHandler(biddingService, opts.Watcher)
	limiter := NewBidRateLimiter(opts.BidRateLimit, opts.BidRateWindow)

	api := router.Group("/", IdentityMiddleware)

	auctions := api.Group("/auctions")
	{
		auctions.POST("", RequireRoles(model.RoleFarmer, model.RoleAdmin), biddingHandler.CreateAuctionHandler)
		auctions.GET("", biddingHandler.ListAuctionsHandler)
		auctions.GET("/:auction_id", biddingHandler.GetAuctionHandler)
		auctions.POST("/:auction_id/bids", RequireRoles(model.RoleBuyer, model.RoleAdmin), limiter.Middleware, biddingHandler.PlaceBidHandler)
		auctions.POST("/:auction_id/end", biddingHandler.EndAuctionHandler)
		auctions.GET("/:auction_id/bids", biddingHandler.GetBidsByAuctionHandler)
		auctions.GET("/:auction_id/winning", biddingHandler.GetWinningBidHandler)
		auctions.GET("/:auction_id/fraud-alerts", biddingHandler.GetFraudAlertsHandler)
		auctions.GET("/:auction_id/ws", biddingHandler.WatchAuctionHandler)
	}

	users := api.Group("/users")
	{
		users.GET("/:user_id/auctions", biddingHandler.GetAuctionsByUserHandler)
	}

	return router
}
