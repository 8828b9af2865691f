package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coldlake/lakecap/pkg/buffer"
	"github.com/coldlake/lakecap/pkg/commit"
	"github.com/coldlake/lakecap/pkg/config"
	"github.com/coldlake/lakecap/pkg/lakewriter"
	"github.com/coldlake/lakecap/pkg/objstore"
	"github.com/coldlake/lakecap/pkg/router"
	"github.com/coldlake/lakecap/pkg/source"
	"github.com/coldlake/lakecap/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load configuration")
	}

	setupLogging(cfg.Logging)

	if cfg.Telemetry.Enabled {
		telemetry.Initialize(cfg.Telemetry.Bind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	res, err := source.Check(checkCtx, cfg.Source.Brokers, cfg.Source.Topics)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("source pre-flight check failed")
	}
	log.Info().
		Int("topics", len(res.Partitions)).
		Msg("source reachable")

	store := commit.NewFileStore(cfg.WatermarkPath)

	src, err := source.Kafka(ctx, source.KafkaOpts{
		Brokers:         cfg.Source.Brokers,
		Topics:          cfg.Source.Topics,
		GroupID:         cfg.Source.GroupID,
		CommitInterval:  time.Duration(cfg.Source.CommitIntervalMS) * time.Millisecond,
		WatermarkSaver:  store.Save,
		WatermarkLoader: store.Load,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create source")
	}

	client, err := objstore.NewS3Client(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to reach object store")
	}
	uploader := objstore.NewWriter(client, cfg.Store.Prefix, objstore.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	})

	writer := lakewriter.New(lakewriter.Opts{
		Router:        router.New(cfg.Source.Topics),
		Buffers:       buffer.NewSet(cfg.Flush.MaxRecords, cfg.Flush.MaxAge()),
		Uploader:      uploader,
		Store:         store,
		FlushInterval: cfg.Flush.CheckInterval(),
		MaxInflight:   cfg.Limits.MaxInflightBatches,
		UploadWorkers: cfg.Limits.UploadWorkers,
	})

	cc := writer.Listen(ctx, src)

	log.Info().
		Strs("brokers", cfg.Source.Brokers).
		Str("bucket", cfg.Store.Bucket).
		Msg("lakecap started")

	if err := src.Pull(ctx, cc); err != nil {
		log.Error().Err(err).Msg("source pull ended with error")
	}

	// Drain buffered events and settle in-flight uploads before exit, then
	// report the drained acknowledgments before releasing the source.
	writer.Wait()
	if err := src.Close(); err != nil {
		log.Error().Err(err).Msg("error closing source")
	}
	log.Info().Msg("lakecap stopped")
}

func setupLogging(cfg config.LoggingConfiguration) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
