package bidding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"crop-auction/internal/biddingerrors"
	"crop-auction/internal/bidrules"
	"crop-auction/internal/clock"
	"crop-auction/internal/events"
	"crop-auction/internal/models"
	"crop-auction/internal/repository"
	"crop-auction/utils"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	farmer = models.Identity{UserID: "farmer1", Role: models.RoleFarmer}
	admin  = models.Identity{UserID: "admin1", Role: models.RoleAdmin}
	buyer  = models.Identity{UserID: "buyer1", Role: models.RoleBuyer}
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	service *BiddingService
	repo    *repository.MemoryRepo
	clock   *clock.FakeClock
	events  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:   repository.NewMemoryRepo(),
		clock:  clock.Fake(start),
		events: &recorder{},
	}
	h.service = NewBiddingService(h.repo,
		WithClock(h.clock),
		WithPublisher(h.events),
		WithRetry(fastRetry(5)),
		WithIDGenerator(utils.SequentialIDs("id")),
	)
	return h
}

func (h *harness) createAuction(t *testing.T, startingPrice, increment string, endsIn time.Duration) models.Auction {
	t.Helper()
	inc := dec(increment)
	auction, err := h.service.CreateAuction(context.Background(), farmer, CreateAuctionParams{
		Crop:             "maize",
		Quantity:         dec("100"),
		Unit:             "kg",
		StartingPrice:    dec(startingPrice),
		MinimumIncrement: &inc,
		EndsAt:           h.clock.Now().Add(endsIn),
	})
	require.NoError(t, err)
	return auction
}

func (h *harness) bid(auctionID, bidderID, amount string) (BidOutcome, error) {
	return h.service.PlaceBid(context.Background(), PlaceBidParams{AuctionID: auctionID, BidderID: bidderID, Amount: dec(amount)})
}

func (h *harness) auction(t *testing.T, auctionID string) models.Auction {
	t.Helper()
	a, err := h.repo.GetAuction(context.Background(), auctionID)
	require.NoError(t, err)
	return a
}

func (h *harness) alerts(t *testing.T, auctionID string) []models.FraudAlert {
	t.Helper()
	alerts, err := h.repo.GetFraudAlerts(context.Background(), auctionID)
	require.NoError(t, err)
	return alerts
}

func TestScenario_FirstBidAtIncrement(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Hour)

	outcome, err := h.bid(a.AuctionID, "buyer1", "2050")
	require.NoError(t, err)
	require.Equal(t, "2050", outcome.Auction.CurrentBid.String())
	require.Equal(t, start, outcome.Bid.AcceptedAt)
	require.Equal(t, "2050", h.auction(t, a.AuctionID).CurrentBid.String())
}

func TestScenario_BidBelowIncrementRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Hour)
	_, err := h.bid(a.AuctionID, "buyer1", "2050")
	require.NoError(t, err)

	_, err = h.bid(a.AuctionID, "buyer2", "2060")
	require.ErrorIs(t, err, biddingerrors.ErrBidTooLow)
	require.Contains(t, err.Error(), "2100")
	require.Equal(t, "2050", h.auction(t, a.AuctionID).CurrentBid.String())
}

func TestScenario_AbnormalBidAcceptedWithAlert(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Hour)

	outcome, err := h.bid(a.AuctionID, "buyer1", "2700")
	require.NoError(t, err)
	require.Equal(t, "2700", outcome.Auction.CurrentBid.String())
	require.Len(t, outcome.FraudAlertsCreated, 1)
	require.Equal(t, models.FraudAbnormalBid, outcome.FraudAlertsCreated[0].Kind)

	stored := h.alerts(t, a.AuctionID)
	require.Len(t, stored, 1)
	require.Equal(t, "buyer1", stored[0].BidderID)
	require.Equal(t, []events.Type{events.TypeAuctionCreated, events.TypeBidAccepted, events.TypeFraudAlert}, h.events.types())
}

func TestScenario_ThirdRapidBidRaisesAlert(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Hour)

	var created [][]models.FraudAlert
	for _, amount := range []string{"2050", "2100", "2150"} {
		outcome, err := h.bid(a.AuctionID, "buyer1", amount)
		require.NoError(t, err)
		created = append(created, outcome.FraudAlertsCreated)
		h.clock.Advance(20 * time.Second)
	}

	require.Empty(t, created[0])
	require.Empty(t, created[1])
	require.Len(t, created[2], 1)
	require.Equal(t, models.FraudRapidBidding, created[2][0].Kind)
	require.Len(t, h.alerts(t, a.AuctionID), 1)
}

func TestScenario_RapidBiddingIgnoresBidsOutsideWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Hour)

	for _, amount := range []string{"2050", "2100", "2150"} {
		outcome, err := h.bid(a.AuctionID, "buyer1", amount)
		require.NoError(t, err)
		require.Empty(t, outcome.FraudAlertsCreated)
		h.clock.Advance(31 * time.Second)
	}
}

func TestScenario_RapidBiddingCountsBidsOnBusyAuction(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "0.5", time.Hour)

	step := dec("0.5")
	amount := dec("2000")
	next := func() string {
		amount = amount.Add(step)
		return amount.String()
	}

	for i := 0; i < 2; i++ {
		_, err := h.bid(a.AuctionID, "buyer1", next())
		require.NoError(t, err)
		h.clock.Advance(50 * time.Millisecond)
	}
	// enough other bidders inside the window to crowd out a size-bounded history
	for i := 0; i < 600; i++ {
		_, err := h.bid(a.AuctionID, fmt.Sprintf("crowd%d", i), next())
		require.NoError(t, err)
		h.clock.Advance(50 * time.Millisecond)
	}

	outcome, err := h.bid(a.AuctionID, "buyer1", next())
	require.NoError(t, err)
	require.Len(t, outcome.FraudAlertsCreated, 1)
	require.Equal(t, models.FraudRapidBidding, outcome.FraudAlertsCreated[0].Kind)
	require.Contains(t, outcome.FraudAlertsCreated[0].Message, "3 bids")
}

func TestScenario_RapidBiddingHonoursWiderWindow(t *testing.T) {
	t.Parallel()

	policy := bidrules.DefaultPolicy()
	policy.RapidWindow = 2 * time.Minute
	fake := clock.Fake(start)
	service := NewBiddingService(repository.NewMemoryRepo(repository.WithRecentWindow(policy.HistoryWindow())),
		WithClock(fake),
		WithPolicy(policy),
		WithRetry(fastRetry(5)),
	)

	inc := dec("50")
	auction, err := service.CreateAuction(context.Background(), farmer, CreateAuctionParams{
		Crop:             "wheat",
		Quantity:         dec("40"),
		Unit:             "bag",
		StartingPrice:    dec("2000"),
		MinimumIncrement: &inc,
		EndsAt:           start.Add(time.Hour),
	})
	require.NoError(t, err)

	tests := []struct {
		after  time.Duration
		amount string
		alerts int
	}{
		{after: 0, amount: "2050", alerts: 0},
		{after: 70 * time.Second, amount: "2100", alerts: 0},
		{after: 30 * time.Second, amount: "2150", alerts: 1},
	}
	for _, tt := range tests {
		fake.Advance(tt.after)
		outcome, err := service.PlaceBid(context.Background(), PlaceBidParams{AuctionID: auction.AuctionID, BidderID: "buyer1", Amount: dec(tt.amount)})
		require.NoError(t, err)
		require.Len(t, outcome.FraudAlertsCreated, tt.alerts, "bid %s", tt.amount)
	}
}

// not parallel: swaps the shared logger output
func TestPlaceBid_LogsPriceQuote(t *testing.T) {
	var buf bytes.Buffer
	utils.SetOutput(&buf)
	t.Cleanup(func() { utils.SetOutput(os.Stdout) })

	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Hour)

	_, err := h.bid(a.AuctionID, "buyer1", "2050")
	require.NoError(t, err)
	_, err = h.bid(a.AuctionID, "buyer2", "2125")
	require.NoError(t, err)

	var quotes [][2]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) != nil || entry["msg"] != "Bid accepted" {
			continue
		}
		quotes = append(quotes, [2]any{entry["floor"], entry["required"]})
	}
	require.Equal(t, [][2]any{{"2000", "2050"}, {"2050", "2100"}}, quotes)
}

func TestScenario_LastSecondBidExtendsDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", 5*time.Second)

	outcome, err := h.bid(a.AuctionID, "buyer1", "2050")
	require.NoError(t, err)
	require.Equal(t, start.Add(65*time.Second), outcome.Auction.EndsAt)
	require.Equal(t, start.Add(65*time.Second), h.auction(t, a.AuctionID).EndsAt)
}

func TestScenario_DeadlineBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		remaining time.Duration
		extended  bool
	}{
		{name: "exactly_ten_seconds", remaining: 10 * time.Second, extended: true},
		{name: "ten_seconds_and_a_millisecond", remaining: 10*time.Second + time.Millisecond, extended: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			a := h.createAuction(t, "2000", "50", time.Minute)
			h.clock.Set(a.EndsAt.Add(-tc.remaining))

			outcome, err := h.bid(a.AuctionID, "buyer1", "2050")
			require.NoError(t, err)
			want := a.EndsAt
			if tc.extended {
				want = want.Add(time.Minute)
			}
			require.Equal(t, want, outcome.Auction.EndsAt)
		})
	}
}

func TestScenario_ExpiredAuctionRejectsWithoutMutation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Minute)
	h.clock.Advance(2 * time.Minute)

	_, err := h.bid(a.AuctionID, "buyer1", "5000")
	require.ErrorIs(t, err, biddingerrors.ErrAuctionExpired)

	after := h.auction(t, a.AuctionID)
	require.Equal(t, models.AuctionActive, after.Status)
	require.Nil(t, after.CurrentBid)
	require.Equal(t, a.EndsAt, after.EndsAt)
	_, err = h.repo.GetBidsByAuction(context.Background(), a.AuctionID)
	require.ErrorIs(t, err, biddingerrors.ErrNoBids)
	require.Empty(t, h.alerts(t, a.AuctionID))
}

func TestPlaceBid_UnknownAuction(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.bid("missing", "buyer1", "100")
	require.ErrorIs(t, err, biddingerrors.ErrAuctionNotFound)
}

// currentBid tracks the maximum accepted amount, rejections leave no trace
// and endsAt never moves backwards
func TestPlaceBid_StateProperties(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "100", "5", 30*time.Second)

	type step struct {
		advance time.Duration
		bidder  string
		amount  string
	}
	steps := []step{
		{0, "b1", "104"},
		{time.Second, "b1", "105"},
		{time.Second, "b2", "109.99"},
		{time.Second, "b2", "110"},
		{15 * time.Second, "b3", "200"},
		{5 * time.Second, "b1", "204"},
		{5 * time.Second, "b1", "205"},
		{30 * time.Second, "b2", "260"},
		{50 * time.Second, "b3", "265"},
		{time.Second, "b3", "264"},
		{2 * time.Minute, "b1", "300"},
	}

	highest := a.StartingPrice
	lastEnd := a.EndsAt
	accepted := 0
	for i, s := range steps {
		h.clock.Advance(s.advance)
		before := h.auction(t, a.AuctionID)
		alertsBefore := len(h.alerts(t, a.AuctionID))

		outcome, err := h.bid(a.AuctionID, s.bidder, s.amount)
		after := h.auction(t, a.AuctionID)

		if err != nil {
			require.Equal(t, before, after, "step %d", i)
			require.Len(t, h.alerts(t, a.AuctionID), alertsBefore, "step %d", i)
		} else {
			accepted++
			amount := dec(s.amount)
			if amount.GreaterThan(highest) {
				highest = amount
			}
			require.Equal(t, outcome.Auction, after, "step %d", i)
		}

		current := a.StartingPrice
		if after.CurrentBid != nil {
			current = *after.CurrentBid
		}
		require.True(t, current.Equal(highest), "step %d: current %s, highest %s", i, current, highest)
		require.False(t, after.EndsAt.Before(lastEnd), "step %d", i)
		lastEnd = after.EndsAt
	}

	bids, err := h.repo.GetBidsByAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	require.Len(t, bids, accepted)
	for i := 1; i < len(bids); i++ {
		require.True(t, bids[i].Amount.GreaterThan(bids[i-1].Amount))
		require.False(t, bids[i].AcceptedAt.Before(bids[i-1].AcceptedAt))
	}
}

// concurrent submissions are serialized and each re-validated against the
// previous commit
func TestPlaceBid_ConcurrentBidsNoLostUpdate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "1000", "10", time.Hour)

	const bidders = 25
	var wg sync.WaitGroup
	results := make([]error, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := decimal.NewFromInt(int64(1010 + i*5))
			_, results[i] = h.service.PlaceBid(context.Background(), PlaceBidParams{
				AuctionID: a.AuctionID,
				BidderID:  fmt.Sprintf("buyer%d", i),
				Amount:    amount,
			})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		require.True(t, errors.Is(err, biddingerrors.ErrBidTooLow), "unexpected error: %v", err)
	}
	require.GreaterOrEqual(t, accepted, 1)

	bids, err := h.repo.GetBidsByAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	require.Len(t, bids, accepted)
	for i := 1; i < len(bids); i++ {
		require.True(t, bids[i].Amount.GreaterThanOrEqual(bids[i-1].Amount.Add(dec("10"))))
	}

	final := h.auction(t, a.AuctionID)
	require.True(t, final.CurrentBid.Equal(bids[len(bids)-1].Amount))
}

func TestPlaceBid_TwoRacingBids(t *testing.T) {
	t.Parallel()

	// 2100 and 2120 both clear the starting floor; whichever commits
	// second must clear the first plus the increment
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		a := h.createAuction(t, "2000", "50", time.Hour)

		var wg sync.WaitGroup
		errs := make(map[string]error)
		var mu sync.Mutex
		for _, amount := range []string{"2100", "2120"} {
			wg.Add(1)
			go func(amount string) {
				defer wg.Done()
				_, err := h.bid(a.AuctionID, "buyer-"+amount, amount)
				mu.Lock()
				errs[amount] = err
				mu.Unlock()
			}(amount)
		}
		wg.Wait()

		final := h.auction(t, a.AuctionID)
		bids, err := h.repo.GetBidsByAuction(context.Background(), a.AuctionID)
		require.NoError(t, err)
		require.Len(t, bids, 1, "neither amount clears the other by 50")
		require.True(t, final.CurrentBid.Equal(bids[0].Amount))

		loser := "2100"
		if bids[0].Amount.String() == "2100" {
			loser = "2120"
		}
		require.ErrorIs(t, errs[loser], biddingerrors.ErrBidTooLow)
	}
}

func TestCreateAuction_Validation(t *testing.T) {
	t.Parallel()

	zero := decimal.Zero
	one := dec("1")
	valid := func() CreateAuctionParams {
		return CreateAuctionParams{
			Crop:          "sorghum",
			Quantity:      dec("12.5"),
			Unit:          "tonnes",
			StartingPrice: dec("300"),
			EndsAt:        start.Add(time.Hour),
		}
	}

	tests := []struct {
		name     string
		identity models.Identity
		mutate   func(p *CreateAuctionParams)
		want     error
	}{
		{name: "valid_farmer", identity: farmer, mutate: func(p *CreateAuctionParams) {}},
		{name: "valid_admin", identity: admin, mutate: func(p *CreateAuctionParams) { p.MinimumIncrement = &one }},
		{name: "buyer_forbidden", identity: buyer, mutate: func(p *CreateAuctionParams) {}, want: biddingerrors.ErrForbidden},
		{name: "anonymous", identity: models.Identity{}, mutate: func(p *CreateAuctionParams) {}, want: biddingerrors.ErrUnauthenticated},
		{name: "crop_too_short", identity: farmer, mutate: func(p *CreateAuctionParams) { p.Crop = " x " }, want: biddingerrors.ErrInvalidAuction},
		{name: "crop_too_long", identity: farmer, mutate: func(p *CreateAuctionParams) { p.Crop = string(make([]byte, 61)) }, want: biddingerrors.ErrInvalidAuction},
		{name: "empty_unit", identity: farmer, mutate: func(p *CreateAuctionParams) { p.Unit = "" }, want: biddingerrors.ErrInvalidAuction},
		{name: "zero_quantity", identity: farmer, mutate: func(p *CreateAuctionParams) { p.Quantity = decimal.Zero }, want: biddingerrors.ErrInvalidAuction},
		{name: "negative_price", identity: farmer, mutate: func(p *CreateAuctionParams) { p.StartingPrice = dec("-1") }, want: biddingerrors.ErrInvalidAuction},
		{name: "zero_increment", identity: farmer, mutate: func(p *CreateAuctionParams) { p.MinimumIncrement = &zero }, want: biddingerrors.ErrInvalidAuction},
		{name: "ends_now", identity: farmer, mutate: func(p *CreateAuctionParams) { p.EndsAt = start }, want: biddingerrors.ErrInvalidAuction},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			p := valid()
			tc.mutate(&p)

			auction, err := h.service.CreateAuction(context.Background(), tc.identity, p)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
				require.Empty(t, h.events.types())
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.identity.UserID, auction.SellerID)
			require.Equal(t, models.AuctionActive, auction.Status)
			require.Nil(t, auction.CurrentBid)
			require.Equal(t, "1", auction.MinimumIncrement.String())
			require.Equal(t, []events.Type{events.TypeAuctionCreated}, h.events.types())
		})
	}
}

func TestEndAuction(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Hour)

	_, err := h.service.EndAuction(context.Background(), a.AuctionID, models.Identity{UserID: "farmer2", Role: models.RoleFarmer})
	require.ErrorIs(t, err, biddingerrors.ErrForbidden)
	require.Equal(t, models.AuctionActive, h.auction(t, a.AuctionID).Status)

	_, err = h.service.EndAuction(context.Background(), "missing", farmer)
	require.ErrorIs(t, err, biddingerrors.ErrAuctionNotFound)

	ended, err := h.service.EndAuction(context.Background(), a.AuctionID, farmer)
	require.NoError(t, err)
	require.Equal(t, models.AuctionCompleted, ended.Status)
	require.Equal(t, a.EndsAt, ended.EndsAt)

	_, err = h.bid(a.AuctionID, "buyer1", "2050")
	require.ErrorIs(t, err, biddingerrors.ErrAuctionInactive)

	// ending again is allowed and keeps the auction completed
	again, err := h.service.EndAuction(context.Background(), a.AuctionID, admin)
	require.NoError(t, err)
	require.Equal(t, models.AuctionCompleted, again.Status)
	require.Equal(t, []events.Type{events.TypeAuctionCreated, events.TypeAuctionEnded, events.TypeAuctionEnded}, h.events.types())
}

func TestExpirySweeper_SweepOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	soon := h.createAuction(t, "2000", "50", time.Minute)
	later := h.createAuction(t, "2000", "50", time.Hour)
	ended := h.createAuction(t, "2000", "50", time.Minute)
	_, err := h.service.EndAuction(context.Background(), ended.AuctionID, farmer)
	require.NoError(t, err)

	sweeper := NewExpirySweeper(h.service, time.Minute)
	n, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(2 * time.Minute)
	n, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, models.AuctionCompleted, h.auction(t, soon.AuctionID).Status)
	require.Equal(t, models.AuctionActive, h.auction(t, later.AuctionID).Status)
	require.Contains(t, h.events.types(), events.TypeAuctionExpired)

	n, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestExpirySweeper_RespectsExtendedDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", 30*time.Second)

	// a bid in the last seconds pushes the deadline beyond the sweep time
	h.clock.Advance(25 * time.Second)
	_, err := h.bid(a.AuctionID, "buyer1", "2050")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	changed, err := h.service.expireAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, models.AuctionActive, h.auction(t, a.AuctionID).Status)
}

func TestExpirySweeper_Run(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a := h.createAuction(t, "2000", "50", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewExpirySweeper(h.service, 30*time.Second).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.clock.Advance(30 * time.Second)
		got, err := h.repo.GetAuction(context.Background(), a.AuctionID)
		return err == nil && got.Status == models.AuctionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
