// Package buffer accumulates routed change events per (entity, date
// partition) until a flush trigger fires.
//
// Each partition owns an independently locked buffer inside a concurrent map,
// so appends and drains for distinct partitions never wait on each other.
package buffer

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/coldlake/lakecap/pkg/changeset"
	"github.com/coldlake/lakecap/pkg/router"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

// Key identifies one partition buffer.
type Key struct {
	Entity    string
	Partition router.PartitionKey
}

// Drained is the atomic snapshot of one partition buffer, handed to the
// serializer.  Events preserve arrival order.
type Drained struct {
	Key    Key
	Events []*changeset.Changeset
	Oldest time.Time
	// Marks holds the maximum watermark observed per contributing channel.
	Marks map[string]changeset.Watermark
}

type partition struct {
	mu sync.Mutex
	// drained marks a buffer that has been snapshotted and removed from the
	// map.  Appends that raced the drain observe the flag and retry against
	// a fresh buffer, so no event is ever lost between the two.
	drained bool
	events  []*changeset.Changeset
	oldest  time.Time
	marks   map[string]changeset.Watermark
}

// Set is the collection of open partition buffers with their flush triggers.
type Set struct {
	parts *xsync.MapOf[Key, *partition]

	maxRecords int
	maxAge     time.Duration
}

func NewSet(maxRecords int, maxAge time.Duration) *Set {
	return &Set{
		parts:      xsync.NewMapOf[Key, *partition](),
		maxRecords: maxRecords,
		maxAge:     maxAge,
	}
}

// Append adds one event to its partition buffer, creating the buffer on first
// use.  It reports whether the buffer has reached the record threshold and is
// due for an immediate flush.
func (s *Set) Append(key Key, cs *changeset.Changeset) (due bool) {
	for {
		p, loaded := s.parts.LoadOrCompute(key, func() *partition {
			return &partition{marks: map[string]changeset.Watermark{}}
		})

		p.mu.Lock()
		if p.drained {
			// Lost the race against Drain; the entry is already gone from
			// the map.  Retry to create the successor buffer.
			p.mu.Unlock()
			continue
		}
		if len(p.events) == 0 {
			p.oldest = time.Now()
		}
		p.events = append(p.events, cs)
		if cur, ok := p.marks[cs.Watermark.Channel]; !ok || cs.Watermark.After(cur) {
			p.marks[cs.Watermark.Channel] = cs.Watermark
		}
		n := len(p.events)
		p.mu.Unlock()

		telemetry.BufferedEvents.Inc()
		if !loaded {
			telemetry.OpenPartitions.Inc()
		}
		return n >= s.maxRecords
	}
}

// Due returns the keys of every partition whose oldest event has exceeded the
// maximum age, or whose record count reached the threshold.  Called by the
// timer-driven flush sweep.
func (s *Set) Due(now time.Time) []Key {
	var due []Key
	s.parts.Range(func(key Key, p *partition) bool {
		p.mu.Lock()
		n := len(p.events)
		old := p.oldest
		p.mu.Unlock()
		if n >= s.maxRecords || (n > 0 && now.Sub(old) >= s.maxAge) {
			due = append(due, key)
		}
		return true
	})
	return due
}

// Drain atomically removes and returns the buffered events for one partition.
// Returns nil when the partition holds no events.  Safe to call concurrently
// with Append for any partition: a racing append lands either in the returned
// snapshot or in the partition's successor buffer.
func (s *Set) Drain(key Key) *Drained {
	p, ok := s.parts.LoadAndDelete(key)
	if !ok {
		return nil
	}

	p.mu.Lock()
	p.drained = true
	events := p.events
	oldest := p.oldest
	marks := p.marks
	p.events = nil
	p.marks = nil
	p.mu.Unlock()

	telemetry.OpenPartitions.Dec()
	if len(events) == 0 {
		return nil
	}
	telemetry.BufferedEvents.Sub(float64(len(events)))

	return &Drained{Key: key, Events: events, Oldest: oldest, Marks: marks}
}

// DrainAll drains every open partition.  Used on shutdown for the final
// best-effort flush.
func (s *Set) DrainAll() []*Drained {
	var keys []Key
	s.parts.Range(func(key Key, _ *partition) bool {
		keys = append(keys, key)
		return true
	})

	drained := make([]*Drained, 0, len(keys))
	for _, key := range keys {
		if d := s.Drain(key); d != nil {
			drained = append(drained, d)
		}
	}
	return drained
}

// Len returns the number of open partitions.
func (s *Set) Len() int {
	return s.parts.Size()
}
