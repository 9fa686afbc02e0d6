// Package main provides the courant daemon entry point.
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
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/veille-labs/courant/internal/api"
	"github.com/veille-labs/courant/internal/api/sse"
	"github.com/veille-labs/courant/internal/assigner"
	"github.com/veille-labs/courant/internal/config"
	"github.com/veille-labs/courant/internal/consolidation"
	dbgorm "github.com/veille-labs/courant/internal/db/gorm"
	"github.com/veille-labs/courant/internal/embed"
	"github.com/veille-labs/courant/internal/events"
	"github.com/veille-labs/courant/internal/runs"
	"github.com/veille-labs/courant/internal/telemetry"
	"github.com/veille-labs/courant/internal/trends"
	"github.com/veille-labs/courant/internal/vector/sqlitevec"
	"github.com/veille-labs/courant/internal/worker"
	"github.com/veille-labs/courant/pkg/models"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load config, using defaults")
		} else {
			cfg = loaded
		}
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure data directory")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	store, err := dbgorm.NewStore(dbgorm.Config{
		Path:     cfg.DBPath,
		Dims:     cfg.Space.Dims,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	metrics, err := telemetry.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	runStore := dbgorm.NewRunStore(store)
	clusterStore := dbgorm.NewClusterStore(store)
	docStore := dbgorm.NewDocumentStore(store)
	trendStore := dbgorm.NewTrendStore(store)
	eventStore := dbgorm.NewEventStore(store)
	index := sqlitevec.NewClient(store.GetRawDB(), store.Dims())

	manager := runs.NewManager(runStore)
	space := &models.EmbeddingSpace{
		Name:     cfg.Space.Name,
		Provider: cfg.Space.Provider,
		Dims:     cfg.Space.Dims,
		Version:  cfg.Space.Version,
	}
	run, err := manager.EnsureActiveRun(ctx, space, "incremental-knn", cfg.RunParams)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to ensure active run")
	}
	log.Info().
		Int64("run_id", run.ID).
		Int64("space_id", run.SpaceID).
		Str("space", cfg.Space.Name).
		Msg("active run ready")

	asn := assigner.New(manager, clusterStore, docStore, index, metrics)
	consolidator := consolidation.New(runStore, clusterStore, index, metrics)

	bucket := time.Duration(cfg.BucketMinutes) * time.Minute
	calculator := trends.New(runStore, clusterStore, trendStore, index, metrics, bucket)

	broadcaster := sse.NewBroadcaster()
	publishers := events.Multi{broadcaster}
	if cfg.RedisURL != "" {
		publishers = append(publishers, events.NewRedisPublisher(cfg.RedisURL, events.DefaultRedisChannel))
	}
	defer publishers.Close()

	detector := events.NewDetector(runStore, clusterStore, trendStore, docStore, eventStore,
		index, publishers, metrics, cfg.Detector, bucket)

	pool := worker.NewPool(cfg.Workers, cfg.Workers*4)
	pool.Start(ctx)
	defer pool.Close()

	// The static provider embeds ingested text locally; any other
	// provider requires documents to arrive pre-embedded.
	var embedder embed.Embedder
	if cfg.Space.Provider == "static" {
		embedder = embed.NewStatic(cfg.Space.Dims)
	}

	scheduler := worker.NewScheduler(pool, manager, run.SpaceID, consolidator, calculator, detector, cfg.Schedule)
	service := api.NewService(Version, cfg.HTTPAddr, run.SpaceID,
		manager, clusterStore, docStore, eventStore, asn, index, embedder, broadcaster)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return service.Serve(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("daemon exited with error")
	}
	log.Info().Msg("daemon stopped")
}
