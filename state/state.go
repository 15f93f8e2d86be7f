// Package state holds the most recently published device snapshot and hands
// it to consumers without blocking on the transport path.
package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// DecodedValue is one register's decoded state inside a snapshot. Consumers
// must treat Valid=false as "unavailable" - Value and Raw are nil then, never
// zero.
type DecodedValue struct {
	Raw       *uint16
	Value     interface{}
	Timestamp time.Time
	Valid     bool
	// Code carries a short diagnostic when Valid is false, e.g. "read.timeout".
	Code string
}

// Snapshot is the immutable result of one poll cycle. A snapshot is never
// mutated after publication; the coordinator builds a fresh one each cycle.
type Snapshot struct {
	values map[string]DecodedValue
	taken  time.Time
	cycle  uint64
}

// NewSnapshot builds a snapshot from decoded entries. The map is copied so
// later mutation by the caller cannot leak into published state.
func NewSnapshot(values map[string]DecodedValue, taken time.Time, cycle uint64) *Snapshot {
	copied := make(map[string]DecodedValue, len(values))
	for name, v := range values {
		copied[name] = v
	}
	return &Snapshot{values: copied, taken: taken, cycle: cycle}
}

// Get returns the decoded value for a semantic name.
func (s *Snapshot) Get(name string) (DecodedValue, bool) {
	if s == nil {
		return DecodedValue{}, false
	}
	v, ok := s.values[name]
	return v, ok
}

// Values returns a copy of all entries.
func (s *Snapshot) Values() map[string]DecodedValue {
	if s == nil {
		return nil
	}
	out := make(map[string]DecodedValue, len(s.values))
	for name, v := range s.values {
		out[name] = v
	}
	return out
}

// Taken reports when the snapshot's poll cycle started.
func (s *Snapshot) Taken() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.taken
}

// Cycle is the monotonically increasing poll cycle counter.
func (s *Snapshot) Cycle() uint64 {
	if s == nil {
		return 0
	}
	return s.cycle
}

// Cache publishes snapshots atomically. Readers always observe either the
// full prior snapshot or the full new one, and never contend with the
// transport lock.
type Cache struct {
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[int]func(*Snapshot)
	next int
}

// NewCache returns an empty cache; Current returns nil until the first
// publication.
func NewCache() *Cache {
	return &Cache{subs: make(map[int]func(*Snapshot))}
}

// Current returns the latest published snapshot without blocking.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

// Subscribe registers a callback invoked once per publication, on the
// publisher's goroutine. The returned function cancels the subscription.
func (c *Cache) Subscribe(fn func(*Snapshot)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Publish atomically replaces the current snapshot and notifies subscribers.
func (c *Cache) Publish(s *Snapshot) {
	c.current.Store(s)
	c.mu.Lock()
	subs := make([]func(*Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}
