// Package hub fans frames received from a CAN device out to the connected
// gateway clients.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/logging"
	"github.com/kstaniek/go-canio/internal/metrics"
)

// BackpressurePolicy decides what happens when a client's queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the frame for that client
	PolicyKick                           // disconnect the client
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown backpressure policy %q (want drop|kick)", s)
}

// DefaultOutBufSize is the per-client queue length when OutBufSize is unset.
const DefaultOutBufSize = 512

// Client is one subscriber. Out is drained by the client's writer.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an n-frame queue.
func NewClient(n int) *Client {
	if n <= 0 {
		n = DefaultOutBufSize
	}
	return &Client{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// NewClient allocates a client sized by OutBufSize and registers it.
func (h *Hub) NewClient() *Client {
	c := NewClient(h.OutBufSize)
	h.Add(c)
	return c
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and closes it; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues fr on every client, honoring the backpressure policy.
// It never blocks.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	deepest, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		deepest = max(deepest, l)
		sum += l
	}
	metrics.SetQueueDepth(deepest, sum/len(clients))
	for _, c := range clients {
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; server removes on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Source is the receive side Feed reads from; every can.AsyncRxFrameIo
// satisfies it.
type Source interface {
	RecvContext(ctx context.Context) (can.Frame, error)
}

// Feed broadcasts every frame received from src until ctx ends (nil) or
// src fails.
func (h *Hub) Feed(ctx context.Context, src Source) error {
	for {
		fr, err := src.RecvContext(ctx)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return nil
			}
			return err
		}
		h.Broadcast(fr)
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
