package biddingerrors

import "errors"

// Repository-level errors
var (
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrNoBids              = errors.New("no bids found for auction")
	ErrUserNoBids          = errors.New("user has not placed any bids")
	ErrDuplicateAuction    = errors.New("auction already exists")
	ErrDuplicateRecord     = errors.New("record already exists")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	ErrPersistence         = errors.New("persistence failure")
)

// business logic errors
var (
	ErrInvalidBid      = errors.New("invalid bid")
	ErrInvalidAuction  = errors.New("invalid auction")
	ErrAuctionInactive = errors.New("auction is not active")
	ErrAuctionExpired  = errors.New("auction already ended")
	ErrBidTooLow       = errors.New("bid amount too low")
)

// authorization errors
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// IsTransient reports whether err is worth retrying: lost races and storage faults
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrPersistence)
}
