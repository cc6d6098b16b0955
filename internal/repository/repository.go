package repository

//go:generate mockgen -destination=mock_repository.go -package=repository crop-auction/internal/repository Ledger,AuctionTx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crop-auction/internal/biddingerrors"
	model "crop-auction/internal/models"
)

// Ledger is the durable store of auctions, bids and fraud alerts
type Ledger interface {
	CreateAuction(ctx context.Context, auction model.Auction) error
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	ListAuctions(ctx context.Context, filter AuctionFilter) ([]model.Auction, error)
	GetBidsByAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetAuctionsByBidder(ctx context.Context, bidderID string) ([]model.Auction, error)
	GetFraudAlerts(ctx context.Context, auctionID string) ([]model.FraudAlert, error)

	// WithAuctionLock runs fn while holding the auction's exclusive lock.
	// Writes staged through the AuctionTx are committed together if fn
	// returns nil and discarded otherwise.
	WithAuctionLock(ctx context.Context, auctionID string, fn func(tx AuctionTx) error) error

	Close() error
}

// AuctionTx is the view of one locked auction inside WithAuctionLock
type AuctionTx interface {
	// Auction returns the snapshot loaded when the lock was taken
	Auction() model.Auction
	// RecentBids returns bids on the auction accepted at or after since, oldest first
	RecentBids(ctx context.Context, since time.Time) ([]model.Bid, error)
	InsertBid(ctx context.Context, bid model.Bid) error
	UpdateAuction(ctx context.Context, auction model.Auction) error
	InsertFraudAlert(ctx context.Context, alert model.FraudAlert) error
}

// AuctionFilter narrows ListAuctions. Zero values match everything.
type AuctionFilter struct {
	Status     model.AuctionStatus
	EndsBefore time.Time // only auctions with EndsAt <= EndsBefore
	Limit      int
}

func (f AuctionFilter) matches(a model.Auction) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.EndsBefore.IsZero() && a.EndsAt.After(f.EndsBefore) {
		return false
	}
	return true
}

const defaultRecentWindow = 60 * time.Second

// MemoryOption configures a MemoryRepo
type MemoryOption func(*MemoryRepo)

// WithRecentWindow sets how long accepted bids stay in the per-auction recent
// index. It must cover the fraud policy's history window.
func WithRecentWindow(d time.Duration) MemoryOption {
	return func(r *MemoryRepo) {
		if d > 0 {
			r.recentWindow = d
		}
	}
}

// MemoryRepo is a concurrency-safe in-memory implementation of Ledger
type MemoryRepo struct {
	mu           sync.RWMutex
	auctions     map[string]model.Auction      // key: auctionID -> value: auction
	bids         map[string][]model.Bid        // key: auctionID -> value: bids in acceptance order
	alerts       map[string][]model.FraudAlert // key: auctionID -> value: alerts
	userAuctions map[string][]string           // key: bidderID -> value: auctionIDs the user bid on
	recent       map[string]*recentBidIndex    // key: auctionID -> value: bids inside the recent window
	locks        map[string]chan struct{}      // key: auctionID -> value: one-slot lock

	recentWindow time.Duration
}

// NewMemoryRepo creates a new in-memory ledger instance
func NewMemoryRepo(opts ...MemoryOption) *MemoryRepo {
	r := &MemoryRepo{
		auctions:     make(map[string]model.Auction),
		bids:         make(map[string][]model.Bid),
		alerts:       make(map[string][]model.FraudAlert),
		userAuctions: make(map[string][]string),
		recent:       make(map[string]*recentBidIndex),
		locks:        make(map[string]chan struct{}),
		recentWindow: defaultRecentWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateAuction stores a new auction
func (r *MemoryRepo) CreateAuction(_ context.Context, auction model.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if auction.AuctionID == "" {
		return fmt.Errorf("create auction: %w - empty auction ID", biddingerrors.ErrInvalidAuction)
	}
	if _, ok := r.auctions[auction.AuctionID]; ok {
		return fmt.Errorf("create auction %s: %w", auction.AuctionID, biddingerrors.ErrDuplicateAuction)
	}
	r.auctions[auction.AuctionID] = auction
	r.locks[auction.AuctionID] = make(chan struct{}, 1)
	r.recent[auction.AuctionID] = newRecentBidIndex(r.recentWindow)
	return nil
}

// GetAuction returns an auction snapshot
func (r *MemoryRepo) GetAuction(_ context.Context, auctionID string) (model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	auction, ok := r.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("get auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return auction, nil
}

// ListAuctions returns auctions matching filter ordered by deadline
func (r *MemoryRepo) ListAuctions(_ context.Context, filter AuctionFilter) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Auction, 0, len(r.auctions))
	for _, a := range r.auctions {
		if filter.matches(a) {
			out = append(out, a)
		}
	}
	sortByDeadline(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetBidsByAuction returns all bids for an auction
func (r *MemoryRepo) GetBidsByAuction(_ context.Context, auctionID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	bids := r.bids[auctionID]
	if len(bids) == 0 {
		return nil, fmt.Errorf("get bids for auction %s: %w", auctionID, biddingerrors.ErrNoBids)
	}
	return append([]model.Bid(nil), bids...), nil
}

// GetAuctionsByBidder returns all auctions a user has bid on
func (r *MemoryRepo) GetAuctionsByBidder(_ context.Context, bidderID string) ([]model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	auctionIDs, ok := r.userAuctions[bidderID]
	if !ok || len(auctionIDs) == 0 {
		return nil, fmt.Errorf("get auctions for user %s: %w", bidderID, biddingerrors.ErrUserNoBids)
	}

	auctions := make([]model.Auction, 0, len(auctionIDs))
	for _, id := range auctionIDs {
		if a, exists := r.auctions[id]; exists {
			auctions = append(auctions, a)
		}
	}
	sortByDeadline(auctions)
	return auctions, nil
}

// GetFraudAlerts returns the alerts raised on an auction
func (r *MemoryRepo) GetFraudAlerts(_ context.Context, auctionID string) ([]model.FraudAlert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.auctions[auctionID]; !ok {
		return nil, fmt.Errorf("get fraud alerts for auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}
	return append([]model.FraudAlert{}, r.alerts[auctionID]...), nil
}

// WithAuctionLock serializes fn against every other locked operation on the auction
func (r *MemoryRepo) WithAuctionLock(ctx context.Context, auctionID string, fn func(tx AuctionTx) error) error {
	r.mu.RLock()
	lock, ok := r.locks[auctionID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("lock auction %s: %w", auctionID, biddingerrors.ErrAuctionNotFound)
	}

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock auction %s: %w: %w", auctionID, biddingerrors.ErrConcurrencyConflict, ctx.Err())
	}
	defer func() { <-lock }()

	r.mu.RLock()
	auction := r.auctions[auctionID]
	r.mu.RUnlock()

	tx := &memoryTx{repo: r, auction: auction}
	if err := fn(tx); err != nil {
		return err
	}
	r.apply(tx)
	return nil
}

// Close is a no-op for the in-memory ledger
func (r *MemoryRepo) Close() error { return nil }

func (r *MemoryRepo) apply(tx *memoryTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := tx.auction.AuctionID
	if tx.updated != nil {
		r.auctions[id] = *tx.updated
	}
	for _, bid := range tx.bids {
		r.bids[id] = append(r.bids[id], bid)
		r.recent[id].add(bid)
		r.trackBidder(bid.BidderID, id)
	}
	r.alerts[id] = append(r.alerts[id], tx.alerts...)
}

func (r *MemoryRepo) trackBidder(bidderID, auctionID string) {
	for _, id := range r.userAuctions[bidderID] {
		if id == auctionID {
			return
		}
	}
	r.userAuctions[bidderID] = append(r.userAuctions[bidderID], auctionID)
}

// memoryTx stages writes until WithAuctionLock decides to apply them
type memoryTx struct {
	repo    *MemoryRepo
	auction model.Auction
	updated *model.Auction
	bids    []model.Bid
	alerts  []model.FraudAlert
}

func (tx *memoryTx) Auction() model.Auction { return tx.auction }

func (tx *memoryTx) RecentBids(_ context.Context, since time.Time) ([]model.Bid, error) {
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	return tx.repo.recent[tx.auction.AuctionID].since(since), nil
}

func (tx *memoryTx) InsertBid(_ context.Context, bid model.Bid) error {
	if bid.AuctionID != tx.auction.AuctionID {
		return fmt.Errorf("insert bid %s: %w - auction mismatch", bid.BidID, biddingerrors.ErrInvalidBid)
	}
	tx.bids = append(tx.bids, bid)
	return nil
}

func (tx *memoryTx) UpdateAuction(_ context.Context, auction model.Auction) error {
	if auction.AuctionID != tx.auction.AuctionID {
		return fmt.Errorf("update auction %s: %w - auction mismatch", auction.AuctionID, biddingerrors.ErrInvalidAuction)
	}
	tx.updated = &auction
	return nil
}

func (tx *memoryTx) InsertFraudAlert(_ context.Context, alert model.FraudAlert) error {
	if alert.AuctionID != tx.auction.AuctionID {
		return fmt.Errorf("insert fraud alert %s: %w - auction mismatch", alert.AlertID, biddingerrors.ErrInvalidAuction)
	}
	tx.alerts = append(tx.alerts, alert)
	return nil
}

func sortByDeadline(auctions []model.Auction) {
	sort.SliceStable(auctions, func(i, j int) bool {
		if auctions[i].EndsAt.Equal(auctions[j].EndsAt) {
			return auctions[i].AuctionID < auctions[j].AuctionID
		}
		return auctions[i].EndsAt.Before(auctions[j].EndsAt)
	})
}

// sortByAcceptance orders bids by acceptance time; amounts break ties since
// they strictly increase within an auction
func sortByAcceptance(bids []model.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].AcceptedAt.Equal(bids[j].AcceptedAt) {
			return bids[i].Amount.LessThan(bids[j].Amount)
		}
		return bids[i].AcceptedAt.Before(bids[j].AcceptedAt)
	})
}
