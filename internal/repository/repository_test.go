package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"crop-auction/internal/biddingerrors"
	model "crop-auction/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

// Helper to create a new Auction
func newAuction(auctionID, sellerID string, endsAt time.Time) model.Auction {
	return model.Auction{
		AuctionID:        auctionID,
		SellerID:         sellerID,
		Crop:             "maize",
		Quantity:         decimal.RequireFromString("100.5"),
		Unit:             "kg",
		StartingPrice:    decimal.RequireFromString("2000"),
		MinimumIncrement: decimal.RequireFromString("50"),
		EndsAt:           endsAt,
		Status:           model.AuctionActive,
		CreatedAt:        base,
		UpdatedAt:        base,
	}
}

// Helper to create a new Bid
func newBid(bidID, auctionID, bidderID, amount string, acceptedAt time.Time) model.Bid {
	return model.Bid{
		BidID:      bidID,
		AuctionID:  auctionID,
		BidderID:   bidderID,
		Amount:     decimal.RequireFromString(amount),
		AcceptedAt: acceptedAt,
	}
}

func TestMemoryRepo_CreateAuction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		auction   model.Auction
		wantError error
	}{
		{name: "valid_auction", auction: newAuction("a1", "farmer1", base.Add(time.Hour))},
		{name: "empty_auctionID", auction: newAuction("", "farmer1", base.Add(time.Hour)), wantError: biddingerrors.ErrInvalidAuction},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := NewMemoryRepo()
			err := repo.CreateAuction(context.Background(), tc.auction)
			if tc.wantError != nil {
				require.ErrorIs(t, err, tc.wantError)
				return
			}
			require.NoError(t, err)
			require.Contains(t, repo.locks, tc.auction.AuctionID)
			require.Contains(t, repo.recent, tc.auction.AuctionID)
		})
	}
}

func TestMemoryRepo_LockTimesOutAsConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	require.NoError(t, repo.CreateAuction(ctx, newAuction("a1", "farmer1", base.Add(time.Hour))))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := repo.WithAuctionLock(timeoutCtx, "a1", func(tx AuctionTx) error {
		t.Fatal("must not run while the lock is held")
		return nil
	})
	require.ErrorIs(t, err, biddingerrors.ErrConcurrencyConflict)
	require.True(t, biddingerrors.IsTransient(err))

	close(release)
	require.NoError(t, <-done)
}

func TestMemoryRepo_LockIsPerAuction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	require.NoError(t, repo.CreateAuction(ctx, newAuction("a1", "farmer1", base.Add(time.Hour))))
	require.NoError(t, repo.CreateAuction(ctx, newAuction("a2", "farmer1", base.Add(time.Hour))))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ran := false
	err := repo.WithAuctionLock(timeoutCtx, "a2", func(tx AuctionTx) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestMemoryRepo_RecentIndexPrunesByAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo(WithRecentWindow(30 * time.Second))
	require.NoError(t, repo.CreateAuction(ctx, newAuction("a1", "farmer1", base.Add(time.Hour))))

	insert := func(bid model.Bid) {
		require.NoError(t, repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
			return tx.InsertBid(ctx, bid)
		}))
	}

	// every bid inside the window is kept no matter how many land
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("b%d", i)
		insert(newBid(id, "a1", fmt.Sprintf("buyer%d", i%7), strconv.Itoa(2050+i), base.Add(time.Duration(i)*10*time.Millisecond)))
	}
	require.Equal(t, 1000, repo.recent["a1"].size())

	// a bid far in the future prunes everything older than the window
	insert(newBid("late", "a1", "buyer2", "5000", base.Add(5*time.Minute)))
	require.Equal(t, 1, repo.recent["a1"].size())

	// the archive keeps everything
	bids, err := repo.GetBidsByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, bids, 1001)
}

func TestMemoryRepo_RecentBidsCoverConfiguredWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo(WithRecentWindow(2 * time.Minute))
	require.NoError(t, repo.CreateAuction(ctx, newAuction("a1", "farmer1", base.Add(time.Hour))))

	for i, at := range []time.Duration{0, 70 * time.Second, 100 * time.Second} {
		bid := newBid(fmt.Sprintf("b%d", i), "a1", "buyer1", strconv.Itoa(2050+50*i), base.Add(at))
		require.NoError(t, repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
			return tx.InsertBid(ctx, bid)
		}))
	}

	var recent []model.Bid
	require.NoError(t, repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
		var err error
		recent, err = tx.RecentBids(ctx, base.Add(100*time.Second-2*time.Minute))
		return err
	}))
	require.Len(t, recent, 3)
}

func TestMemoryRepo_TxRejectsForeignRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	require.NoError(t, repo.CreateAuction(ctx, newAuction("a1", "farmer1", base.Add(time.Hour))))

	err := repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
		return tx.InsertBid(ctx, newBid("b1", "other", "buyer1", "2050", base))
	})
	require.ErrorIs(t, err, biddingerrors.ErrInvalidBid)

	err = repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
		return tx.UpdateAuction(ctx, newAuction("other", "farmer1", base))
	})
	require.ErrorIs(t, err, biddingerrors.ErrInvalidAuction)

	_, err = repo.GetBidsByAuction(ctx, "a1")
	require.ErrorIs(t, err, biddingerrors.ErrNoBids)
}

func TestMemoryRepo_ConcurrentReadsDuringWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	require.NoError(t, repo.CreateAuction(ctx, newAuction("a1", "farmer1", base.Add(time.Hour))))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			err := repo.WithAuctionLock(ctx, "a1", func(tx AuctionTx) error {
				bid := newBid(fmt.Sprintf("b%d", i), "a1", "buyer1", "1", base.Add(time.Duration(i)*time.Millisecond))
				return tx.InsertBid(ctx, bid)
			})
			if err != nil {
				t.Errorf("locked insert: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			_, err := repo.GetBidsByAuction(ctx, "a1")
			if err != nil && !errors.Is(err, biddingerrors.ErrNoBids) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	bids, err := repo.GetBidsByAuction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, bids, 50)
}

func TestRecentBidIndex_Since(t *testing.T) {
	t.Parallel()

	x := newRecentBidIndex(time.Minute)
	for i := 0; i < 4; i++ {
		x.add(newBid("", "a1", "buyer1", "1", base.Add(time.Duration(i)*10*time.Second)))
	}

	require.Len(t, x.since(base.Add(10*time.Second)), 3)
	require.Len(t, x.since(base.Add(31*time.Second)), 0)
	require.Len(t, x.since(time.Time{}), 4)
}
