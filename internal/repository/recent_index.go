package repository

import (
	"time"

	model "crop-auction/internal/models"
)

// recentBidIndex keeps the tail of an auction's bid history, time-ordered
// and pruned past window, so fraud checks never scan the full archive.
// Only age evicts a bid; everything inside the window is retained.
// Callers hold the repo lock.
type recentBidIndex struct {
	window time.Duration
	bids   []model.Bid
}

func newRecentBidIndex(window time.Duration) *recentBidIndex {
	return &recentBidIndex{window: window}
}

func (x *recentBidIndex) add(bid model.Bid) {
	x.bids = append(x.bids, bid)
	x.prune(bid.AcceptedAt)
}

func (x *recentBidIndex) prune(now time.Time) {
	cutoff := now.Add(-x.window)
	drop := 0
	for drop < len(x.bids) && x.bids[drop].AcceptedAt.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		x.bids = append(x.bids[:0:0], x.bids[drop:]...)
	}
}

func (x *recentBidIndex) since(t time.Time) []model.Bid {
	out := make([]model.Bid, 0, len(x.bids))
	for _, b := range x.bids {
		if !b.AcceptedAt.Before(t) {
			out = append(out, b)
		}
	}
	return out
}

func (x *recentBidIndex) size() int { return len(x.bids) }
