package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the authorization role attached to a verified caller
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleFarmer, RoleBuyer, RoleAdmin:
		return true
	}
	return false
}

// Identity is the caller identity supplied by the upstream authentication layer
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the caller holds administrative privilege
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

const (
	AuctionActive    AuctionStatus = "active"
	AuctionCompleted AuctionStatus = "completed"
)

// Auction represents a time-boxed crop listing
type Auction struct {
	AuctionID        string           `json:"auction_id"`
	SellerID         string           `json:"seller_id"`
	Crop             string           `json:"crop"`
	Quantity         decimal.Decimal  `json:"quantity"`
	Unit             string           `json:"unit"`
	StartingPrice    decimal.Decimal  `json:"starting_price"`
	CurrentBid       *decimal.Decimal `json:"current_bid"` // nil until the first bid is accepted
	MinimumIncrement decimal.Decimal  `json:"minimum_increment"`
	EndsAt           time.Time        `json:"ends_at"`
	Status           AuctionStatus    `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Floor returns the baseline a new bid must exceed by the minimum increment
func (a Auction) Floor() decimal.Decimal {
	if a.CurrentBid != nil {
		return *a.CurrentBid
	}
	return a.StartingPrice
}

// HasBids reports whether any bid has been accepted
func (a Auction) HasBids() bool {
	return a.CurrentBid != nil
}

// Bid represents an accepted bid on an auction
type Bid struct {
	BidID      string          `json:"bid_id"`
	AuctionID  string          `json:"auction_id"`
	BidderID   string          `json:"bidder_id"`
	Amount     decimal.Decimal `json:"amount"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// FraudKind names the heuristic that raised an alert
type FraudKind string

const (
	FraudAbnormalBid  FraudKind = "abnormal_bid"
	FraudRapidBidding FraudKind = "rapid_bidding"
)

// FraudAlert is an informational record raised alongside an accepted bid
type FraudAlert struct {
	AlertID   string    `json:"alert_id"`
	AuctionID string    `json:"auction_id"`
	BidderID  string    `json:"bidder_id"`
	Kind      FraudKind `json:"kind"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}
