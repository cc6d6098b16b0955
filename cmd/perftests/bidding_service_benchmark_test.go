package perftests

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	bidding "crop-auction/internal/biddingService"
	model "crop-auction/internal/models"
	repository "crop-auction/internal/repository"

	"github.com/shopspring/decimal"
)

var benchAdmin = model.Identity{UserID: "admin_bench", Role: model.RoleAdmin}

// openAuction creates an auction with a far deadline so extensions never kick in
func openAuction(b *testing.B, svc *bidding.BiddingService, startingPrice int64) string {
	b.Helper()
	increment := decimal.NewFromInt(1)
	auction, err := svc.CreateAuction(context.Background(), benchAdmin, bidding.CreateAuctionParams{
		Crop:             "maize",
		Quantity:         decimal.NewFromInt(100),
		Unit:             "kg",
		StartingPrice:    decimal.NewFromInt(startingPrice),
		MinimumIncrement: &increment,
		EndsAt:           time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		b.Fatalf("failed to create auction: %v", err)
	}
	return auction.AuctionID
}

func bid(svc *bidding.BiddingService, auctionID, bidderID string, amount int64) error {
	_, err := svc.PlaceBid(context.Background(), bidding.PlaceBidParams{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    decimal.NewFromInt(amount),
	})
	return err
}

// Benchmark 1: PlaceBid - Isolated Auctions (Low Contention - Micro Benchmark)
func Benchmark_PlaceBid_Isolated(b *testing.B) {
	svc := bidding.NewBiddingService(repository.NewMemoryRepo())

	auctionIDs := make([]string, b.N)
	for i := range auctionIDs {
		auctionIDs[i] = openAuction(b, svc, 50)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := bid(svc, auctionIDs[i], fmt.Sprintf("user_%d", i), int64(51+rand.Intn(10))); err != nil {
			b.Fatalf("failed to place bid: %v", err)
		}
	}
}

// Benchmark 2: PlaceBid - Shared Auction (High Contention - Concurrency Benchmark)
func Benchmark_PlaceBid_ConcurrentSharedAuction(b *testing.B) {
	svc := bidding.NewBiddingService(repository.NewMemoryRepo())
	auctionID := openAuction(b, svc, 50)

	b.ReportAllocs()
	b.ResetTimer()

	var lastBid int64 = 50

	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			userID := fmt.Sprintf("user_parallel_%d", rnd.Int())

			nextBid := atomic.AddInt64(&lastBid, int64(rnd.Intn(5)+1))
			_ = bid(svc, auctionID, userID, nextBid) // lower bids losing the race are expected
		}
	})
}

// Benchmark 3: GetWinningBid - Single - Threaded (Low Contention)
func Benchmark_GetWinningBid_SingleThreaded(b *testing.B) {
	svc := bidding.NewBiddingService(repository.NewMemoryRepo())

	auctionIDs := make([]string, b.N)
	for i := range auctionIDs {
		auctionIDs[i] = openAuction(b, svc, 50)
		for j := 0; j < 10; j++ {
			_ = bid(svc, auctionIDs[i], fmt.Sprintf("user_%d_%d", i, j), int64(60+j*10))
		}
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := svc.GetWinningBid(ctx, auctionIDs[i]); err != nil {
			b.Fatalf("failed to get winning bid: %v", err)
		}
	}
}

// Benchmark 4: GetWinningBid - Concurrent (High Contention)
func Benchmark_GetWinningBid_ConcurrentSharedAuction(b *testing.B) {
	svc := bidding.NewBiddingService(repository.NewMemoryRepo())
	auctionID := openAuction(b, svc, 50)

	for j := 0; j < 100; j++ {
		_ = bid(svc, auctionID, fmt.Sprintf("user_%d", j), int64(51+j))
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := svc.GetWinningBid(ctx, auctionID); err != nil {
				b.Errorf("failed to get winning bid: %v", err)
				return
			}
		}
	})
}

// Benchmark 5: Mixed Workload (Readers + Writers concurrently)
func Benchmark_MixedWorkload_SharedAuction(b *testing.B) {
	svc := bidding.NewBiddingService(repository.NewMemoryRepo())
	auctionID := openAuction(b, svc, 50)

	for j := 0; j < 50; j++ {
		_ = bid(svc, auctionID, fmt.Sprintf("user_seed_%d", j), int64(52+j*2))
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()

	var lastBid int64 = 150

	// Ratio: 70% readers, 30% writers
	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			if rnd.Intn(10) < 3 {
				userID := fmt.Sprintf("user_writer_%d", rnd.Int())
				nextBid := atomic.AddInt64(&lastBid, int64(rnd.Intn(5)+1))
				_ = bid(svc, auctionID, userID, nextBid)
				continue
			}
			if _, err := svc.GetWinningBid(ctx, auctionID); err != nil {
				b.Errorf("read error: %v", err)
				return
			}
		}
	})
}
