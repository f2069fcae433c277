package feed

import (
	"time"

	"attack-feed/internal/model"
)

// DefaultSeenLimit is the dedup set size past which the set is dropped wholesale.
const DefaultSeenLimit = 5000

// Cursor tracks the lower time bound of the next fetch and the ids already observed.
// It is owned by a single goroutine and is not safe for concurrent use.
//
// The seen set is not an LRU: once it grows past its limit it is cleared, so ids seen
// before the reset will be delivered again if the source returns them.
type Cursor struct {
	watermark time.Time
	seen      map[string]struct{}
	limit     int
	resets    int
}

func NewCursor(start time.Time, limit int) *Cursor {
	if limit <= 0 {
		limit = DefaultSeenLimit
	}
	return &Cursor{
		watermark: start,
		seen:      make(map[string]struct{}, limit+1),
		limit:     limit,
	}
}

// FilterNew returns the events whose ids have not been observed and records them.
// The input order is preserved.
func (c *Cursor) FilterNew(events []model.AttackEvent) []model.AttackEvent {
	fresh := make([]model.AttackEvent, 0, len(events))
	for _, ev := range events {
		if _, ok := c.seen[ev.ID]; ok {
			continue
		}
		c.seen[ev.ID] = struct{}{}
		fresh = append(fresh, ev)
	}

	if len(c.seen) > c.limit {
		clear(c.seen)
		c.resets++
	}
	return fresh
}

// AdvanceWatermark moves the watermark to the timestamp of the last record. The batch is
// trusted to be in ascending time order. It reports whether the watermark moved; an
// empty batch or an unparseable last timestamp leaves it untouched.
func (c *Cursor) AdvanceWatermark(records []model.RawRecord) bool {
	if len(records) == 0 {
		return false
	}
	ts, ok := records[len(records)-1].Time()
	if !ok {
		return false
	}
	c.watermark = ts
	return true
}

func (c *Cursor) Watermark() time.Time { return c.watermark }

func (c *Cursor) SeenCount() int { return len(c.seen) }

// Resets counts how many times the seen set was cleared.
func (c *Cursor) Resets() int { return c.resets }
