// Package commit tracks, per source channel, the highest position whose batch
// has been durably written, and acknowledges positions upstream in order.
package commit

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coldlake/lakecap/pkg/changeset"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

// candidate is one flush cycle's maximum position on a channel, outstanding
// until its batch is durably uploaded.
type candidate struct {
	wm   changeset.Watermark
	done bool
}

type channelState struct {
	lastAcked changeset.Watermark
	hasAcked  bool
	inflight  []*candidate

	// persistMu orders Save/Commit per channel.  A slow save of a lower
	// position must never land after a higher position has been persisted,
	// or the durable state would regress.
	persistMu    sync.Mutex
	persisted    changeset.Watermark
	hasPersisted bool
}

// Coordinator serializes acknowledgment so that lastAcked per channel is
// monotonically non-decreasing and never passes an outstanding candidate.
// When flushes complete out of order, only the completed prefix of the
// position-ordered in-flight set is acknowledged; a held batch blocks every
// later position on its channels until a restart replays it.
type Coordinator struct {
	mu        sync.Mutex
	channels  map[string]*channelState
	committer changeset.WatermarkCommitter
	store     Store
	logger    zerolog.Logger
}

func NewCoordinator(committer changeset.WatermarkCommitter, store Store) *Coordinator {
	return &Coordinator{
		channels:  map[string]*channelState{},
		committer: committer,
		store:     store,
		logger:    log.With().Str("component", "commit").Logger(),
	}
}

// Restore initializes per-channel state from the durable store.  Returns the
// loaded watermarks so the source can resume from them.
func (c *Coordinator) Restore(ctx context.Context) (map[string]changeset.Watermark, error) {
	marks, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for channel, wm := range marks {
		c.channels[channel] = &channelState{
			lastAcked:    wm,
			hasAcked:     true,
			persisted:    wm,
			hasPersisted: true,
		}
	}
	return marks, nil
}

// LastAcked returns the acknowledged position for a channel, if any.
func (c *Coordinator) LastAcked(channel string) (changeset.Watermark, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channel]
	if !ok || !st.hasAcked {
		return changeset.Watermark{}, false
	}
	return st.lastAcked, true
}

// Ticket tracks one flush cycle across the channels contributing to a batch.
type Ticket struct {
	coord      *Coordinator
	candidates map[string]*candidate
}

// Begin registers a flush cycle for a drained batch's per-channel maximum
// positions.  The returned ticket must be resolved with Complete or Fail.
func (c *Coordinator) Begin(marks map[string]changeset.Watermark) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Ticket{coord: c, candidates: make(map[string]*candidate, len(marks))}
	for channel, wm := range marks {
		st, ok := c.channels[channel]
		if !ok {
			st = &channelState{}
			c.channels[channel] = st
		}
		cand := &candidate{wm: wm}
		st.inflight = append(st.inflight, cand)
		sort.SliceStable(st.inflight, func(i, j int) bool {
			return st.inflight[i].wm.Position < st.inflight[j].wm.Position
		})
		t.candidates[channel] = cand
	}
	return t
}

// Complete marks the ticket's batch as durably written and advances each
// contributing channel through its completed in-flight prefix, persisting and
// acknowledging every advance.  Write-before-acknowledge: callers invoke this
// only after the object store confirmed the upload.
func (t *Ticket) Complete(ctx context.Context) error {
	c := t.coord
	c.mu.Lock()

	type ack struct {
		st *channelState
		wm changeset.Watermark
	}
	var acks []ack
	for channel, cand := range t.candidates {
		cand.done = true

		st := c.channels[channel]
		advanced := false
		for len(st.inflight) > 0 && st.inflight[0].done {
			st.lastAcked = st.inflight[0].wm
			st.hasAcked = true
			st.inflight = st.inflight[1:]
			advanced = true
		}
		if advanced {
			acks = append(acks, ack{st: st, wm: st.lastAcked})
		}
	}
	c.mu.Unlock()

	for _, a := range acks {
		a.st.persistMu.Lock()
		if a.st.hasPersisted && !a.wm.After(a.st.persisted) {
			// A concurrent completion already persisted this position or
			// a later one on the channel.
			a.st.persistMu.Unlock()
			continue
		}
		if err := c.store.Save(ctx, a.wm); err != nil {
			a.st.persistMu.Unlock()
			return err
		}
		a.st.persisted = a.wm
		a.st.hasPersisted = true
		c.committer.Commit(a.wm)
		telemetry.CommitPosition.With(a.wm.Channel).Set(float64(a.wm.Position))
		a.st.persistMu.Unlock()
		c.logger.Debug().Str("channel", a.wm.Channel).Int64("position", a.wm.Position).Msg("position acknowledged")
	}
	return nil
}

// Fail marks the ticket's batch as held.  Its candidates stay outstanding, so
// no later position on the affected channels can be acknowledged; the held
// data is re-derivable from an upstream replay after restart.
func (t *Ticket) Fail() {
	c := t.coord
	c.mu.Lock()
	defer c.mu.Unlock()

	for channel, cand := range t.candidates {
		c.logger.Error().
			Str("channel", channel).
			Int64("position", cand.wm.Position).
			Msg("batch held; channel acknowledgment is blocked until restart replay")
	}
}

// Outstanding returns the number of unresolved candidates on a channel.
func (c *Coordinator) Outstanding(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channel]
	if !ok {
		return 0
	}
	return len(st.inflight)
}
