package utils

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers for auctions, bids and alerts
type IDGenerator func() string

// GenerateID returns a new unique identifier string
func GenerateID() string {
	return uuid.New().String()
}

// SequentialIDs returns a deterministic generator yielding prefix-1, prefix-2, ...
func SequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}
