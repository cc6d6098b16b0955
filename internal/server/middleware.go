package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"crop-auction/internal/biddingerrors"
	model "crop-auction/internal/models"
	"crop-auction/services/bidding/helpers"
	"crop-auction/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// RequestLoggerMiddleware logs incoming requests with timing
func RequestLoggerMiddleware(c *gin.Context) {
	start := time.Now()

	c.Next() // process request

	fields := map[string]any{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start).String(),
	}
	if identity, ok := helpers.IdentityFromContext(c); ok {
		fields["user_id"] = identity.UserID
		fields["role"] = string(identity.Role)
	}
	utils.Info("HTTP Request", fields)
}

// IdentityMiddleware trusts the identity headers set by the authenticating
// gateway and rejects requests without a known role
func IdentityMiddleware(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
	role := model.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderUserRole))))
	if userID == "" || !role.Valid() {
		utils.AbortWithError(c, http.StatusUnauthorized, biddingerrors.ErrUnauthenticated, "authentication required")
		return
	}

	c.Set(helpers.IdentityKey, model.Identity{UserID: userID, Role: role})
	c.Next()
}

// RequireRoles rejects callers whose role is not listed
func RequireRoles(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := helpers.IdentityFromContext(c)
		if !ok {
			utils.AbortWithError(c, http.StatusUnauthorized, biddingerrors.ErrUnauthenticated, "authentication required")
			return
		}
		for _, r := range roles {
			if identity.Role == r {
				c.Next()
				return
			}
		}
		utils.AbortWithError(c, http.StatusForbidden, biddingerrors.ErrForbidden, "not allowed")
	}
}

// BidRateLimiter throttles bid submissions per caller with a token bucket
type BidRateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	limiters  map[string]*limiterEntry // key: userID
	lastPrune time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBidRateLimiter allows n bids per window for each caller; n <= 0 disables limiting
func NewBidRateLimiter(n int, window time.Duration) *BidRateLimiter {
	l := &BidRateLimiter{
		limiters: make(map[string]*limiterEntry),
		idle:     10 * window,
	}
	if n <= 0 || window <= 0 {
		l.limit = rate.Inf
		return l
	}
	l.limit = rate.Every(window / time.Duration(n))
	l.burst = n
	return l
}

// Allow reports whether userID may submit another bid at now
func (l *BidRateLimiter) Allow(userID string, now time.Time) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	entry, ok := l.limiters[userID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// prune drops buckets untouched for a while; caller holds mu
func (l *BidRateLimiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < l.idle {
		return
	}
	l.lastPrune = now
	for id, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.idle {
			delete(l.limiters, id)
		}
	}
}

func (l *BidRateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Middleware applies Allow to the authenticated caller
func (l *BidRateLimiter) Middleware(c *gin.Context) {
	identity, ok := helpers.IdentityFromContext(c)
	if !ok {
		c.Next()
		return
	}
	if !l.Allow(identity.UserID, time.Now()) {
		utils.Warn("Bid rate limit exceeded", map[string]any{
			"user_id": identity.UserID,
			"path":    c.Request.URL.Path,
		})
		utils.AbortWithError(c, http.StatusTooManyRequests, errors.New("rate limit exceeded"), "too many bids, slow down")
		return
	}
	c.Next()
}
