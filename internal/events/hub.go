package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"crop-auction/utils"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// Hub pushes auction events to websocket subscribers watching that auction.
// Subscriber bookkeeping is owned by the Run loop.
type Hub struct {
	upgrader websocket.Upgrader

	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan broadcastMessage
	done       chan struct{}

	mu     sync.Mutex
	counts map[string]int // key: auctionID -> value: live subscribers
}

type subscriber struct {
	id        string
	auctionID string
	conn      *websocket.Conn
	send      chan []byte
}

type broadcastMessage struct {
	auctionID string
	payload   []byte
}

// NewHub creates a hub; call Run before serving connections
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// identity is enforced by the upstream gateway
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan broadcastMessage, 256),
		done:       make(chan struct{}),
		counts:     make(map[string]int),
	}
}

// Run owns the subscriber set until ctx ends, then disconnects everyone
func (h *Hub) Run(ctx context.Context) {
	subscribers := make(map[string]map[*subscriber]struct{})
	remove := func(s *subscriber) {
		set, ok := subscribers[s.auctionID]
		if !ok {
			return
		}
		if _, ok := set[s]; !ok {
			return
		}
		delete(set, s)
		if len(set) == 0 {
			delete(subscribers, s.auctionID)
		}
		close(s.send)
		h.setCount(s.auctionID, len(set))
	}

	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range subscribers {
				for s := range set {
					remove(s)
				}
			}
			return

		case s := <-h.register:
			set, ok := subscribers[s.auctionID]
			if !ok {
				set = make(map[*subscriber]struct{})
				subscribers[s.auctionID] = set
			}
			set[s] = struct{}{}
			h.setCount(s.auctionID, len(set))
			utils.Debug("Websocket subscriber joined", map[string]any{"subscriber_id": s.id, "auction_id": s.auctionID})

		case s := <-h.unregister:
			remove(s)
			utils.Debug("Websocket subscriber left", map[string]any{"subscriber_id": s.id, "auction_id": s.auctionID})

		case msg := <-h.broadcast:
			for s := range subscribers[msg.auctionID] {
				select {
				case s.send <- msg.payload:
				default:
					// slow consumer
					remove(s)
				}
			}
		}
	}
}

// Publish queues the event for every subscriber of its auction
func (h *Hub) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: failed to marshal event: %w", err)
	}
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.broadcast <- broadcastMessage{auctionID: event.AuctionID, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Serve upgrades the request and subscribes it to auctionID. The initial
// event, when given, is sent before any broadcast.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, auctionID string, initial *Event) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("events: websocket upgrade: %w", err)
	}

	s := &subscriber{
		id:        utils.GenerateID(),
		auctionID: auctionID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
	}
	if initial != nil {
		payload, err := json.Marshal(initial)
		if err != nil {
			conn.Close()
			return fmt.Errorf("events: failed to marshal snapshot: %w", err)
		}
		s.send <- payload
	}

	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return ErrClosed
	}

	go s.writePump()
	go h.readPump(s)
	return nil
}

// SubscriberCount returns the number of live subscribers for an auction
func (h *Hub) SubscriberCount(auctionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[auctionID]
}

func (h *Hub) setCount(auctionID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.counts, auctionID)
		return
	}
	h.counts[auctionID] = n
}

// readPump discards client input and unregisters on disconnect
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
	}()

	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				utils.Warn("Websocket read error", map[string]any{"subscriber_id": s.id, "error": err.Error()})
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
