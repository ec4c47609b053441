package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StatusUpdate is the message pushed to subscribers of an order.
type StatusUpdate struct {
	OrderID string    `json:"order_id"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID uuid.UUID
}

// Hub fans status updates out to the clients watching each order. All maps
// are owned by the Run goroutine.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan StatusUpdate
	clients    map[uuid.UUID]map[*Client]struct{}
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan StatusUpdate, 64),
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.orderID] = set
			}
			set[c] = struct{}{}
		case c := <-h.unregister:
			h.drop(c)
		case upd := <-h.broadcast:
			id, err := uuid.Parse(upd.OrderID)
			if err != nil {
				continue
			}
			msg, err := json.Marshal(upd)
			if err != nil {
				continue
			}
			for c := range h.clients[id] {
				select {
				case c.send <- msg:
				default:
					// slow reader
					h.drop(c)
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.orderID)
	}
}

// BroadcastStatus queues an update for every subscriber of orderID. Updates
// are dropped once the hub has stopped.
func (h *Hub) BroadcastStatus(orderID uuid.UUID, status string) {
	upd := StatusUpdate{OrderID: orderID.String(), Status: status, At: time.Now().UTC()}
	select {
	case h.broadcast <- upd:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
