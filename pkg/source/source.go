// Package source adapts upstream change-event channels into the engine's
// changeset stream.
package source

import (
	"context"

	"github.com/coldlake/lakecap/pkg/changeset"
)

// Source pulls change events from an external stream.
type Source interface {
	// Pull is a blocking method which pulls changes from an external source,
	// sending all found changesets on the given changeset channel.
	Pull(context.Context, chan *changeset.Changeset) error

	// Close reports any remaining acknowledged watermarks and releases the
	// source's channel readers.  Call it once, after Pull has returned and
	// downstream flushes have settled, so shutdown-drain acknowledgments
	// still reach the broker and the local store.
	Close() error

	changeset.WatermarkCommitter
}

// FlowController is implemented by sources that support backpressure.  While
// paused, a source stops fetching new events; events already delivered are
// unaffected.
type FlowController interface {
	Pause()
	Resume()
}

// WatermarkSaver persists a channel's acknowledged watermark, so the stream
// can resume where it left off after a restart.
type WatermarkSaver func(ctx context.Context, wm changeset.Watermark) error

// WatermarkLoader loads the saved watermark per channel at startup.
//
// A channel with no saved watermark starts from the earliest retained event,
// re-delivering anything not yet acknowledged (at-least-once).
type WatermarkLoader func(ctx context.Context) (map[string]changeset.Watermark, error)
