package events

//go:generate mockgen -destination=mock_publisher.go -package=events crop-auction/internal/events Publisher

import (
	"context"
	"errors"
	"time"

	"crop-auction/internal/models"
	"crop-auction/utils"
)

// Type names what happened to an auction
type Type string

const (
	TypeAuctionCreated  Type = "auction.created"
	TypeAuctionSnapshot Type = "auction.snapshot"
	TypeBidAccepted     Type = "bid.accepted"
	TypeFraudAlert      Type = "fraud.alert"
	TypeAuctionEnded    Type = "auction.ended"
	TypeAuctionExpired  Type = "auction.expired"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("publisher closed")
)

// Event is the notification emitted after a ledger commit. Auction always
// carries the committed snapshot so subscribers can redraw countdowns from
// the server deadline.
type Event struct {
	EventID    string             `json:"event_id"`
	Type       Type               `json:"type"`
	AuctionID  string             `json:"auction_id"`
	OccurredAt time.Time          `json:"occurred_at"`
	Auction    *models.Auction    `json:"auction,omitempty"`
	Bid        *models.Bid        `json:"bid,omitempty"`
	Alert      *models.FraudAlert `json:"alert,omitempty"`
}

// Publisher delivers events to a downstream collaborator
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// New builds an event about auction at the given time
func New(eventType Type, auction models.Auction, at time.Time) Event {
	return Event{
		EventID:    utils.GenerateID(),
		Type:       eventType,
		AuctionID:  auction.AuctionID,
		OccurredAt: at,
		Auction:    &auction,
	}
}

// BidAccepted builds the event for a committed bid
func BidAccepted(auction models.Auction, bid models.Bid) Event {
	e := New(TypeBidAccepted, auction, bid.AcceptedAt)
	e.Bid = &bid
	return e
}

// FraudAlertRaised builds the event for a persisted fraud alert
func FraudAlertRaised(auction models.Auction, alert models.FraudAlert) Event {
	e := New(TypeFraudAlert, auction, alert.RaisedAt)
	e.Alert = &alert
	return e
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
