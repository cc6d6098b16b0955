package events

import (
	"context"
	"sync"
	"time"

	"crop-auction/utils"
)

// Async decouples callers from slow publishers with a bounded queue.
// Publish never blocks: when the queue is full the event is dropped.
type Async struct {
	next    Publisher
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewAsync starts a worker draining into next. Each delivery gets timeout.
func NewAsync(next Publisher, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 1
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues event for delivery
func (a *Async) Publish(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		utils.Warn("Event queue full, dropping event", map[string]any{
			"event_id":   event.EventID,
			"event_type": event.Type,
			"auction_id": event.AuctionID,
		})
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.queue {
		a.deliver(event)
	}
}

func (a *Async) deliver(event Event) {
	ctx := context.Background()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.next.Publish(ctx, event); err != nil {
		utils.Error("Failed to publish event", map[string]any{
			"event_id":   event.EventID,
			"event_type": event.Type,
			"auction_id": event.AuctionID,
			"error":      err.Error(),
		})
	}
}
