package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/changerelay/admin"
	"github.com/maxpert/changerelay/cfg"
	"github.com/maxpert/changerelay/checkpoint"
	"github.com/maxpert/changerelay/encoding"
	"github.com/maxpert/changerelay/feed"
	"github.com/maxpert/changerelay/publisher"
	_ "github.com/maxpert/changerelay/publisher/sink"
	"github.com/maxpert/changerelay/relay"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/maxpert/changerelay/transform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/errgroup"
)

const (
	checkpointAgeInterval = 15 * time.Second
	disconnectTimeout     = 10 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	sessionID := uuid.NewString()
	log.Info().Str("session_id", sessionID).Msg("changerelay - MongoDB change stream relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, sessionID); err != nil {
		log.Error().Err(err).Msg("Relay terminated")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("Relay shut down cleanly")
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("relay_id", cfg.RelayIDString()).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func run(ctx context.Context, sessionID string) error {
	// Phase 1: connect to MongoDB
	log.Info().Str("database", cfg.Config.Mongo.Database).Msg("Connecting to MongoDB")
	client, err := connectMongo(ctx)
	if err != nil {
		return err
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to disconnect from MongoDB")
		} else {
			log.Info().Msg("Disconnected from MongoDB")
		}
	}()

	// Phase 2: checkpoint store
	store, err := openCheckpointStore(ctx, client)
	if err != nil {
		return err
	}
	defer store.Close()

	// Phase 3: change feed source
	source, err := newSource(client)
	if err != nil {
		return err
	}

	// Phase 4: transformers, codec and publisher
	registry, err := transform.Build(cfg.Config.Transform.Transformers, transform.Options{
		IDField:         cfg.Config.Transform.IDField,
		TimestampField:  cfg.Config.Transform.TimestampField,
		TimestampFormat: cfg.Config.Transform.TimestampFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to build transformers: %w", err)
	}

	pub, err := newPublisher(sessionID)
	if err != nil {
		return err
	}
	defer pub.Close()

	// Phase 5: relay
	r, err := relay.New(relay.Config{
		StreamID:             cfg.Config.Checkpoint.StreamID,
		Source:               source,
		Checkpoints:          store,
		Transformer:          registry,
		Publisher:            pub,
		OnPublishFailure:     cfg.Config.Relay.OnPublishFailure,
		CheckpointRetries:    cfg.Config.Checkpoint.SaveRetries,
		CheckpointRetryDelay: time.Duration(cfg.Config.Checkpoint.SaveRetryDelayMS) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	collector := telemetry.NewMetricsCollector(r, checkpointAgeInterval)
	collector.Start()
	defer collector.Stop()

	log.Info().
		Str("stream", cfg.Config.Checkpoint.StreamID).
		Strs("transformers", registry.Names()).
		Str("sink", cfg.Config.Sink.Type).
		Str("checkpoint_backend", cfg.Config.Checkpoint.Backend).
		Msg("Relay configured")

	// A failed relay cancels gctx, which brings the admin server down too
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(gctx)
	})
	if cfg.Config.Admin.Enabled {
		server := admin.NewServer(admin.NewRouter(admin.NewHandlers(r, cfg.RelayIDString(), sessionID)))
		g.Go(func() error {
			return server.Serve(gctx)
		})
	}
	return g.Wait()
}

func connectMongo(ctx context.Context) (*mongo.Client, error) {
	timeout := time.Duration(cfg.Config.Mongo.ConnectTimeoutS) * time.Second
	opts := options.Client().
		ApplyURI(cfg.Config.Mongo.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetAppName("changerelay")

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

func openCheckpointStore(ctx context.Context, client *mongo.Client) (checkpoint.Store, error) {
	c := cfg.Config.Checkpoint
	store, err := checkpoint.Open(ctx, checkpoint.Options{
		Backend:    c.Backend,
		Path:       cfg.Config.DataDir,
		DSN:        c.DSN,
		Table:      c.Table,
		Database:   cfg.Config.Mongo.Database,
		Collection: c.Collection,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, nil
}

func newSource(client *mongo.Client) (feed.Source, error) {
	m := cfg.Config.Mongo
	filter, err := feed.NewNamespaceFilter(m.FilterColls, m.FilterDatabases)
	if err != nil {
		return nil, fmt.Errorf("invalid namespace filter: %w", err)
	}
	source, err := feed.NewMongoSource(feed.MongoConfig{
		Client:       client,
		Database:     m.Database,
		Collection:   m.Collection,
		StreamID:     cfg.Config.Checkpoint.StreamID,
		BatchSize:    m.BatchSize,
		MaxAwaitTime: time.Duration(m.MaxAwaitTimeMS) * time.Millisecond,
		Filter:       filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create change stream source: %w", err)
	}
	return source, nil
}

// topicDefaulter is implemented by sinks whose connection names a topic
type topicDefaulter interface {
	DefaultTopic() string
}

func newPublisher(sessionID string) (*publisher.Publisher, error) {
	s := cfg.Config.Sink
	codec, err := encoding.CodecFor(s.Format)
	if err != nil {
		return nil, err
	}

	sink, err := publisher.NewSink(s)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sink: %w", s.Type, err)
	}

	topic := s.Topic
	if d, ok := sink.(topicDefaulter); ok && topic == "" {
		topic = d.DefaultTopic()
	}

	pub, err := publisher.New(publisher.Config{
		Sink:            sink,
		Codec:           codec,
		StreamID:        cfg.Config.Checkpoint.StreamID,
		SessionID:       sessionID,
		Topic:           topic,
		TopicPrefix:     s.TopicPrefix,
		PublishTimeout:  time.Duration(s.PublishTimeoutMS) * time.Millisecond,
		RetryInitial:    time.Duration(s.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(s.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: s.RetryMultiplier,
		MaxRetries:      s.MaxRetries,
	})
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	return pub, nil
}
