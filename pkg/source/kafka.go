package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc"

	"github.com/coldlake/lakecap/pkg/changeset"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

var (
	ErrNoBrokers = fmt.Errorf("ERR_SRC_001: No source brokers configured.  At least one broker address is required to stream events.")

	ErrNoTopics = fmt.Errorf("ERR_SRC_002: No change-event topics configured.  Each captured table must have a topic.")

	ErrAlreadyPulling = fmt.Errorf("ERR_SRC_901: The source is already streaming events.")

	// maxReconnectDelay caps the fetch retry backoff while the broker is
	// unreachable.
	maxReconnectDelay = 30 * time.Second
)

type KafkaOpts struct {
	Brokers []string
	// Topics are the change-event channels, one per captured table.  Change
	// topics are single-partition so offsets are monotonic per channel.
	Topics []string
	// GroupID, when set, commits acknowledged offsets to the broker's group
	// coordinator at each report interval.
	GroupID string
	// CommitInterval bounds how often acknowledged watermarks are reported
	// to the broker and saved locally.  Defaults to 5s.
	CommitInterval time.Duration

	WatermarkSaver  WatermarkSaver
	WatermarkLoader WatermarkLoader
}

// Kafka returns a source streaming Debezium change envelopes from one reader
// per configured topic.
func Kafka(ctx context.Context, opts KafkaOpts) (Source, error) {
	if len(opts.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if len(opts.Topics) == 0 {
		return nil, ErrNoTopics
	}
	if opts.CommitInterval <= 0 {
		opts.CommitInterval = 5 * time.Second
	}
	return &kafkaSource{
		opts:      opts,
		committed: map[string]changeset.Watermark{},
		logger:    log.With().Str("component", "source").Logger(),
	}, nil
}

type kafkaSource struct {
	opts KafkaOpts

	// commitMu guards committed, the highest acknowledged watermark per
	// channel, and readers, which Close reuses for the final broker report.
	// The report loop flushes committed to the broker and local store.
	commitMu  sync.Mutex
	committed map[string]changeset.Watermark
	readers   map[string]*kafka.Reader

	// pauseMu guards pauseCh.  A non-nil pauseCh means fetching is gated
	// until the channel closes.
	pauseMu sync.Mutex
	pauseCh chan struct{}

	pulling atomic.Bool
	logger  zerolog.Logger
}

// Commit records the acknowledged watermark for the event's channel.  The
// broker group offset and the local watermark store are advanced by the
// report loop at the next interval (or on shutdown).
func (k *kafkaSource) Commit(wm changeset.Watermark) {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()
	if cur, ok := k.committed[wm.Channel]; !ok || wm.After(cur) {
		k.committed[wm.Channel] = wm
	}
}

// Pause gates fetching across every channel reader.  Events already sent on
// the changeset channel are unaffected.
func (k *kafkaSource) Pause() {
	k.pauseMu.Lock()
	defer k.pauseMu.Unlock()
	if k.pauseCh == nil {
		k.pauseCh = make(chan struct{})
		telemetry.SourcePaused.Set(1)
		k.logger.Warn().Msg("source paused for backpressure")
	}
}

func (k *kafkaSource) Resume() {
	k.pauseMu.Lock()
	defer k.pauseMu.Unlock()
	if k.pauseCh != nil {
		close(k.pauseCh)
		k.pauseCh = nil
		telemetry.SourcePaused.Set(0)
		k.logger.Info().Msg("source resumed")
	}
}

// gate blocks while the source is paused.
func (k *kafkaSource) gate(ctx context.Context) {
	k.pauseMu.Lock()
	ch := k.pauseCh
	k.pauseMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-ch:
	}
}

func (k *kafkaSource) Pull(ctx context.Context, cc chan *changeset.Changeset) error {
	if !k.pulling.CompareAndSwap(false, true) {
		return ErrAlreadyPulling
	}

	var loaded map[string]changeset.Watermark
	if k.opts.WatermarkLoader != nil {
		var err error
		if loaded, err = k.opts.WatermarkLoader(ctx); err != nil {
			return fmt.Errorf("error loading watermarks: %w", err)
		}
	}

	readers := make(map[string]*kafka.Reader, len(k.opts.Topics))
	for _, topic := range k.opts.Topics {
		readers[topic] = k.newReader(topic, loaded[topic])
	}
	k.commitMu.Lock()
	k.readers = readers
	k.commitMu.Unlock()

	var wg conc.WaitGroup
	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for topic, r := range readers {
		topic, r := topic, r
		wg.Go(func() {
			k.pullTopic(pullCtx, r, topic, cc)
		})
	}
	wg.Go(func() {
		k.reportLoop(pullCtx, readers)
	})
	wg.Wait()
	return nil
}

// Close reports acknowledged watermarks one last time and closes the channel
// readers.  Acknowledgments from batches drained after Pull returned are
// included, so the caller runs this after the downstream writer has settled.
func (k *kafkaSource) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k.commitMu.Lock()
	readers := k.readers
	k.commitMu.Unlock()

	k.report(ctx, readers)
	for _, r := range readers {
		_ = r.Close()
	}
	return nil
}

func (k *kafkaSource) newReader(topic string, resume changeset.Watermark) *kafka.Reader {
	cfg := kafka.ReaderConfig{
		Brokers: k.opts.Brokers,
		Topic:   topic,
		// The engine batches aggressively; a small reader buffer keeps
		// redelivery windows short.
		QueueCapacity: 64,
	}
	if k.opts.GroupID != "" {
		cfg.GroupID = k.opts.GroupID
		cfg.StartOffset = kafka.FirstOffset
	}
	r := kafka.NewReader(cfg)
	if k.opts.GroupID == "" {
		// Without a group, resume from the locally saved watermark, or the
		// earliest retained event on a fresh start.
		offset := int64(kafka.FirstOffset)
		if resume.Channel != "" {
			offset = resume.Position + 1
		}
		_ = r.SetOffset(offset)
	}
	return r
}

// pullTopic streams one channel.  Fetch failures are retried with exponential
// backoff; events already delivered but unacknowledged are re-delivered by
// the broker after a reconnect.
func (k *kafkaSource) pullTopic(ctx context.Context, r *kafka.Reader, topic string, cc chan *changeset.Changeset) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectDelay

	for {
		if ctx.Err() != nil {
			return
		}
		k.gate(ctx)

		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectDelay
			}
			k.logger.Warn().Err(err).Str("channel", topic).Dur("backoff", sleep).Msg("source unavailable, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}
		bo.Reset()

		cs, err := changeset.ParseEnvelope(msg.Key, msg.Value)
		if err != nil {
			// Malformed envelopes are isolated, never block the stream.
			telemetry.DeadLetterTotal.With("malformed_envelope").Inc()
			k.logger.Warn().Err(err).Str("channel", topic).Int64("position", msg.Offset).Msg("malformed change envelope dead-lettered")
			continue
		}
		cs.Watermark = changeset.Watermark{
			Channel:    topic,
			Partition:  msg.Partition,
			Position:   msg.Offset,
			ServerTime: msg.Time,
		}

		select {
		case <-ctx.Done():
			return
		case cc <- cs:
		}
	}
}

// reportLoop periodically reports acknowledged watermarks to the broker's
// group coordinator and the local watermark store.
func (k *kafkaSource) reportLoop(ctx context.Context, readers map[string]*kafka.Reader) {
	ticker := time.NewTicker(k.opts.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.report(ctx, readers)
		}
	}
}

func (k *kafkaSource) report(ctx context.Context, readers map[string]*kafka.Reader) {
	k.commitMu.Lock()
	marks := make([]changeset.Watermark, 0, len(k.committed))
	for _, wm := range k.committed {
		marks = append(marks, wm)
	}
	k.commitMu.Unlock()

	for _, wm := range marks {
		if k.opts.GroupID != "" {
			if r, ok := readers[wm.Channel]; ok {
				err := r.CommitMessages(ctx, kafka.Message{
					Topic:     wm.Channel,
					Partition: wm.Partition,
					Offset:    wm.Position,
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					k.logger.Error().Err(err).Str("channel", wm.Channel).Msg("error reporting offset to broker")
				}
			}
		}
		if k.opts.WatermarkSaver != nil {
			if err := k.opts.WatermarkSaver(ctx, wm); err != nil {
				k.logger.Error().Err(err).Str("channel", wm.Channel).Msg("error saving watermark")
			}
		}
	}
}
