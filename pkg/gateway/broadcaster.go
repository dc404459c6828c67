package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Broadcaster owns the connected clients and fans events out to the
// authenticated ones.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
	seq     uint64
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Add registers a connected client.
func (b *Broadcaster) Add(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client.ID] = client
}

// Remove drops a client.
func (b *Broadcaster) Remove(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, clientID)
}

// Count returns the number of connected clients.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// All returns every connected client.
func (b *Broadcaster) All() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	return clients
}

func (b *Broadcaster) authenticated() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Broadcast sends an event to all authenticated clients.
func (b *Broadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       int64(atomic.AddUint64(&b.seq, 1)),
	}

	clients := b.authenticated()
	if len(clients) == 0 {
		return
	}

	failures := 0
	for _, client := range clients {
		if err := client.WriteJSON(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", event).
				Msg("Failed to broadcast to client")
			failures++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Int("clients", len(clients)).
		Int("failed", failures).
		Msg("Event broadcast complete")
}
