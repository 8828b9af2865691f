// Package lakewriter consumes changesets from a source, buffers them per
// (entity, date) partition, and flushes Parquet batches to the object store,
// acknowledging source positions only after a durable upload.
package lakewriter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/coldlake/lakecap/pkg/buffer"
	"github.com/coldlake/lakecap/pkg/changeset"
	"github.com/coldlake/lakecap/pkg/commit"
	"github.com/coldlake/lakecap/pkg/encoder"
	"github.com/coldlake/lakecap/pkg/router"
	"github.com/coldlake/lakecap/pkg/source"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

// uploadTimeout bounds one serialize+upload cycle, including retries.
// Uploads run on a fresh context so a shutdown drain can still complete.
var uploadTimeout = 5 * time.Minute

// Uploader persists a serialized batch.  Satisfied by *objstore.Writer.
type Uploader interface {
	Upload(ctx context.Context, b *encoder.Batch) (string, error)
}

// LakeWriter is the engine's write side.  Listen returns a channel in which
// changesets can be published; published changesets are routed, buffered and
// eventually flushed to the lake.
type LakeWriter interface {
	// Listen returns a channel in which Changesets can be published.  Any
	// published changeset is buffered toward a Parquet batch; the committer
	// is acknowledged as the batches land durably.
	Listen(ctx context.Context, committer changeset.WatermarkCommitter) chan *changeset.Changeset

	// Wait waits for the final drain-and-flush to finish.  This must be
	// called after the Listen context has been cancelled.
	Wait()
}

type Opts struct {
	Router *router.Router
	// Buffers holds the open partition buffers with their flush triggers.
	Buffers  *buffer.Set
	Uploader Uploader
	// Store durably records acknowledged watermarks.
	Store commit.Store

	// FlushInterval is the cadence of timer-driven flush checks.
	FlushInterval time.Duration
	// MaxInflight bounds drained-but-undelivered batches; at the bound the
	// source is paused rather than dropping events.
	MaxInflight int
	// UploadWorkers bounds concurrent serialize+upload executions.
	UploadWorkers int
}

func New(opts Opts) LakeWriter {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 16
	}
	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = 4
	}
	return &lakeWriter{
		opts:   opts,
		logger: log.With().Str("component", "lakewriter").Logger(),
	}
}

type lakeWriter struct {
	opts Opts

	coord *commit.Coordinator
	// flow is the source's backpressure surface, when it has one.
	flow source.FlowController
	// inflight counts drained batches not yet durably uploaded (or held).
	inflight atomic.Int64
	uploads  *pool.Pool
	// pending queues drained batches for the dispatcher, so a saturated
	// upload pool queues flushes without stalling routing and appends.
	pending chan pendingBatch

	wg     sync.WaitGroup
	logger zerolog.Logger
}

type pendingBatch struct {
	d      *buffer.Drained
	ticket *commit.Ticket
}

func (w *lakeWriter) Listen(ctx context.Context, committer changeset.WatermarkCommitter) chan *changeset.Changeset {
	cs := make(chan *changeset.Changeset, 256)

	w.coord = commit.NewCoordinator(committer, w.opts.Store)
	if _, err := w.coord.Restore(ctx); err != nil {
		w.logger.Error().Err(err).Msg("error restoring commit state; starting fresh")
	}
	w.flow, _ = committer.(source.FlowController)
	w.uploads = pool.New().WithMaxGoroutines(w.opts.UploadWorkers)
	// Sized so the run loop keeps appending while the source pause (at
	// MaxInflight) takes effect.
	w.pending = make(chan pendingBatch, 2*w.opts.MaxInflight)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.dispatch()
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx, cs)
	}()
	return cs
}

// dispatch feeds queued batches into the bounded upload pool.  Blocking here
// while every worker is busy queues further flushes instead of dropping them.
func (w *lakeWriter) dispatch() {
	for pb := range w.pending {
		pb := pb
		w.uploads.Go(func() {
			defer func() {
				telemetry.InflightBatches.Dec()
				if n := w.inflight.Add(-1); n < int64(w.opts.MaxInflight) && w.flow != nil {
					w.flow.Resume()
				}
			}()
			w.process(pb.d, pb.ticket)
		})
	}
	w.uploads.Wait()
}

func (w *lakeWriter) Wait() {
	w.wg.Wait()
}

func (w *lakeWriter) run(ctx context.Context, cs chan *changeset.Changeset) {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(cs)
			return

		case <-ticker.C:
			for _, key := range w.opts.Buffers.Due(time.Now()) {
				w.flush(key)
			}

		case msg := <-cs:
			w.ingest(msg)
		}
	}
}

func (w *lakeWriter) ingest(msg *changeset.Changeset) {
	out := w.opts.Router.Route(msg)
	if !out.Accepted() {
		w.logger.Warn().
			Str("reason", out.Reason).
			Str("channel", msg.Watermark.Channel).
			Int64("position", msg.Watermark.Position).
			Msg("event dead-lettered")
		return
	}

	key := buffer.Key{Entity: out.Entity, Partition: out.Partition}
	if due := w.opts.Buffers.Append(key, msg); due {
		// Record threshold reached: flush immediately, no age wait.
		w.flush(key)
	}
}

// shutdown performs the final drain: consume whatever the source already
// published, flush every open buffer best-effort, and wait for uploads.
func (w *lakeWriter) shutdown(cs chan *changeset.Changeset) {
	for {
		select {
		case msg := <-cs:
			w.ingest(msg)
			continue
		default:
		}
		break
	}

	drained := w.opts.Buffers.DrainAll()
	w.logger.Info().Int("partitions", len(drained)).Msg("shutdown drain")
	for _, d := range drained {
		w.submit(d)
	}
	close(w.pending)
}

func (w *lakeWriter) flush(key buffer.Key) {
	if d := w.opts.Buffers.Drain(key); d != nil {
		w.submit(d)
	}
}

// submit registers the drained batch with the commit coordinator and queues
// its upload.  Once undelivered batches reach MaxInflight the source is
// paused, bounding memory while the store recovers.
func (w *lakeWriter) submit(d *buffer.Drained) {
	ticket := w.coord.Begin(d.Marks)

	if n := w.inflight.Add(1); n >= int64(w.opts.MaxInflight) && w.flow != nil {
		w.flow.Pause()
	}
	telemetry.InflightBatches.Inc()

	w.pending <- pendingBatch{d: d, ticket: ticket}
}

func (w *lakeWriter) process(d *buffer.Drained, ticket *commit.Ticket) {
	// Fresh context: a shutdown must not cancel an in-flight upload.
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	start := time.Now()

	b, dead, err := encoder.Encode(d)
	for _, dl := range dead {
		w.logger.Warn().
			Err(dl.Err).
			Str("entity", d.Key.Entity).
			Str("column", dl.Column).
			Str("channel", dl.Event.Watermark.Channel).
			Int64("position", dl.Event.Watermark.Position).
			Msg("event excluded from batch")
	}
	if err != nil {
		// Encoding the remainder failed outright; hold the batch so its
		// positions replay after restart.
		w.logger.Error().Err(err).Str("entity", d.Key.Entity).Msg("batch serialization failed; batch held")
		telemetry.BatchesHeldTotal.Inc()
		ticket.Fail()
		return
	}
	if b == nil {
		// Every event was dead-lettered.  The exclusions are recorded, and
		// the positions acknowledge so the channel is not blocked forever.
		if err := ticket.Complete(ctx); err != nil {
			w.logger.Error().Err(err).Msg("error committing empty batch positions")
		}
		return
	}

	path, err := w.opts.Uploader.Upload(ctx, b)
	if err != nil {
		telemetry.BatchesHeldTotal.Inc()
		ticket.Fail()
		w.logger.Error().
			Err(err).
			Str("entity", d.Key.Entity).
			Str("partition", d.Key.Partition.String()).
			Int64("rows", b.Rows).
			Msg("batch held after upload failure")
		return
	}

	if err := ticket.Complete(ctx); err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("error committing batch positions")
		return
	}

	telemetry.BatchesUploadedTotal.Inc()
	telemetry.FlushDurationSeconds.Observe(time.Since(start).Seconds())
	w.logger.Info().
		Str("path", path).
		Int64("rows", b.Rows).
		Int("dead_lettered", len(dead)).
		Dur("took", time.Since(start)).
		Msg("batch flushed")
}
