package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis Pub/Sub and keeps the latest
// auction snapshot under a plain key for pollers
type RedisPublisher struct {
	client      *redis.Client
	snapshotTTL time.Duration
}

// NewRedisPublisher connects to Redis and verifies the connection
func NewRedisPublisher(ctx context.Context, addr, password string, db int) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{client: rdb, snapshotTTL: 24 * time.Hour}, nil
}

// Channel is the Pub/Sub channel carrying an auction's events
func Channel(auctionID string) string {
	return "auction_events:" + auctionID
}

// SnapshotKey is the key holding an auction's latest committed snapshot
func SnapshotKey(auctionID string) string {
	return "auction:" + auctionID + ":snapshot"
}

// Publish sends the event and refreshes the snapshot in one round trip
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: failed to marshal event: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, Channel(event.AuctionID), payload)
	if event.Auction != nil {
		snapshot, err := json.Marshal(event.Auction)
		if err != nil {
			return fmt.Errorf("events: failed to marshal snapshot: %w", err)
		}
		pipe.Set(ctx, SnapshotKey(event.AuctionID), snapshot, p.snapshotTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: redis publish %s: %w", event.Type, err)
	}
	return nil
}

// Close closes the Redis client
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
