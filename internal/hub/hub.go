// Package hub fans serialized messages out to every connected feed consumer.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"attack-feed/internal/bucketing"
	"attack-feed/internal/model"
)

var (
	ErrSlowConsumer = errors.New("consumer send queue is full")
	ErrEncode       = errors.New("failed to encode payload")
)

// Conn is one consumer connection as seen by the hub.
type Conn interface {
	ID() string
	// Live reports whether the connection can currently accept messages.
	Live() bool
	// Send must not block on the network.
	Send(payload []byte) error
	Close() error
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Hub is a registry of live connections. It is safe for concurrent use.
type Hub struct {
	shards  []*shard
	buckets *bucketing.Manager
	logger  *zap.Logger

	sent    atomic.Uint64
	skipped atomic.Uint64
}

func New(buckets *bucketing.Manager, logger *zap.Logger) *Hub {
	if buckets == nil {
		buckets = bucketing.NewManager(bucketing.DefaultBuckets)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		shards:  make([]*shard, buckets.Buckets()),
		buckets: buckets,
		logger:  logger,
	}
	for i := range h.shards {
		h.shards[i] = &shard{conns: make(map[string]Conn)}
	}
	return h
}

func (h *Hub) shardFor(id string) *shard {
	return h.shards[h.buckets.Bucket(id)]
}

// Register adds c, replacing any connection registered under the same id.
func (h *Hub) Register(c Conn) {
	s := h.shardFor(c.ID())
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.mu.Unlock()

	h.logger.Debug("Connection registered", zap.String("conn_id", c.ID()))
}

// Unregister removes the connection with the given id. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	s := h.shardFor(id)
	s.mu.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if ok {
		h.logger.Debug("Connection unregistered", zap.String("conn_id", id))
	}
}

func (h *Hub) Len() int {
	n := 0
	for _, s := range h.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

func (h *Hub) snapshot() []Conn {
	var conns []Conn
	for _, s := range h.shards {
		s.mu.RLock()
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.RUnlock()
	}
	return conns
}

// Broadcast encodes v once and hands it to every live connection. It returns the number
// of connections that accepted the message; the error is only set when v cannot be
// encoded.
func (h *Hub) Broadcast(v interface{}) (int, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return h.BroadcastRaw(payload), nil
}

// BroadcastEvent wraps payload in an envelope tagged with name.
func (h *Hub) BroadcastEvent(name string, payload interface{}) (int, error) {
	return h.Broadcast(model.Envelope{Type: name, Payload: payload})
}

// BroadcastRaw sends payload as is. Connections that are not live, or that fail the
// send, are skipped.
func (h *Hub) BroadcastRaw(payload []byte) int {
	delivered := 0
	for _, c := range h.snapshot() {
		if !c.Live() {
			h.skipped.Add(1)
			continue
		}
		if err := c.Send(payload); err != nil {
			h.skipped.Add(1)
			h.logger.Debug("Send skipped",
				zap.String("conn_id", c.ID()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	h.sent.Add(uint64(delivered))
	return delivered
}

// CloseAll closes and forgets every connection.
func (h *Hub) CloseAll() {
	for _, c := range h.snapshot() {
		h.Unregister(c.ID())
		if err := c.Close(); err != nil {
			h.logger.Debug("Close failed", zap.String("conn_id", c.ID()), zap.Error(err))
		}
	}
}

// Stats reports lifetime delivery counters.
type Stats struct {
	Connections int    `json:"connections"`
	Delivered   uint64 `json:"delivered"`
	Skipped     uint64 `json:"skipped"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections: h.Len(),
		Delivered:   h.sent.Load(),
		Skipped:     h.skipped.Load(),
	}
}
