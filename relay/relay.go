// Package relay runs the change feed -> bus loop of one stream.
//
// Events are handled strictly one at a time and in feed order. The
// checkpoint of an event is written only after its records were
// acknowledged by the bus, or when it produced no records at all, so a
// crash can cause redelivery but never loss.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/changerelay/checkpoint"
	"github.com/maxpert/changerelay/common"
	"github.com/maxpert/changerelay/feed"
	"github.com/maxpert/changerelay/telemetry"
	"github.com/rs/zerolog/log"
)

// What to do with an event whose records could not be published
const (
	PolicyHalt = "halt"
	PolicySkip = "skip"
)

const (
	DefaultCheckpointRetryDelay = 500 * time.Millisecond
	cursorCloseTimeout          = 5 * time.Second
)

// Transformer turns one change event into records
type Transformer interface {
	Apply(event common.ChangeEvent) ([]common.Record, error)
}

// Publisher delivers the records of one event as a whole
type Publisher interface {
	Send(ctx context.Context, records []common.Record) error
}

// Config wires the relay to its collaborators
type Config struct {
	StreamID             string
	Source               feed.Source
	Checkpoints          checkpoint.Store
	Transformer          Transformer
	Publisher            Publisher
	OnPublishFailure     string        // PolicyHalt (default) or PolicySkip
	CheckpointRetries    int           // Save attempts after the first failure
	CheckpointRetryDelay time.Duration // delay between Save attempts
}

// Relay consumes a change feed and publishes transformed events
type Relay struct {
	config Config

	state        atomic.Int32
	token        atomic.Pointer[common.ResumeToken] // last persisted
	checkpointAt atomic.Int64                       // unix nanos of the last persisted checkpoint
	startedAt    atomic.Int64
	processed    atomic.Uint64
	published    atomic.Uint64
	skipped      atomic.Uint64

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	doneCh      chan struct{}
	doneOnce    sync.Once

	errMu sync.Mutex
	err   error
}

// errStopping unwinds the loop when cancellation is observed mid-event
var errStopping = errors.New("relay stopping")

// New creates a relay in the Idle state
func New(config Config) (*Relay, error) {
	if config.StreamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("change feed source is required")
	}
	if config.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	switch config.OnPublishFailure {
	case "":
		config.OnPublishFailure = PolicyHalt
	case PolicyHalt, PolicySkip:
	default:
		return nil, fmt.Errorf("unknown publish failure policy: %s", config.OnPublishFailure)
	}
	if config.CheckpointRetries < 0 {
		config.CheckpointRetries = 0
	}
	if config.CheckpointRetryDelay <= 0 {
		config.CheckpointRetryDelay = DefaultCheckpointRetryDelay
	}

	r := &Relay{
		config: config,
		doneCh: make(chan struct{}),
	}
	r.state.Store(int32(Idle))
	return r, nil
}

// Run consumes the feed until ctx is cancelled, Stop is called or a fatal
// error occurs. It returns nil when stopped and the fatal error otherwise.
// A relay runs at most once.
func (r *Relay) Run(ctx context.Context) error {
	runCtx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	if runCtx == nil {
		// Stopped before it started
		return nil
	}

	err = r.run(runCtx)
	if errors.Is(err, errStopping) {
		err = nil
	}
	r.finish(err)
	return err
}

// Start runs the relay in a background goroutine. Use Done and Err to
// observe termination.
func (r *Relay) Start(ctx context.Context) {
	go func() {
		_ = r.Run(ctx)
	}()
}

// Stop requests a cooperative shutdown and waits for the loop to exit. An
// in-flight publish attempt or checkpoint write is allowed to complete.
func (r *Relay) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.cancel == nil {
		// Never started: Run becomes a no-op
		if r.State() == Idle {
			r.setState(Stopped)
			r.doneOnce.Do(func() { close(r.doneCh) })
		}
		return
	}

	log.Info().Str("stream", r.config.StreamID).Msg("Stopping relay")
	r.cancel()
	<-r.doneCh
}

// Done is closed once the relay has stopped or failed
func (r *Relay) Done() <-chan struct{} {
	return r.doneCh
}

// Err returns the fatal error of a failed relay, nil otherwise
func (r *Relay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// LastCheckpoint returns when the last checkpoint was persisted
func (r *Relay) LastCheckpoint() (time.Time, bool) {
	ns := r.checkpointAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (r *Relay) begin(ctx context.Context) (context.Context, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	switch state := r.State(); {
	case state == Stopped && r.cancel == nil:
		return nil, nil
	case state != Idle:
		return nil, fmt.Errorf("relay %s already started", r.config.StreamID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.startedAt.Store(time.Now().UnixNano())
	r.setState(Starting)
	return runCtx, nil
}

func (r *Relay) finish(err error) {
	r.cancel()

	r.errMu.Lock()
	r.err = err
	r.errMu.Unlock()

	if err != nil {
		r.setState(Failed)
		log.Error().Err(err).Str("stream", r.config.StreamID).Msg("Relay failed")
	} else {
		r.setState(Stopped)
		log.Info().Str("stream", r.config.StreamID).Msg("Relay stopped")
	}
	r.doneOnce.Do(func() { close(r.doneCh) })
}

func (r *Relay) run(ctx context.Context) error {
	streamID := r.config.StreamID

	cp, err := r.config.Checkpoints.Load(ctx, streamID)
	if err != nil {
		if ctx.Err() != nil {
			return errStopping
		}
		return err
	}

	var start *common.ResumeToken
	if cp != nil {
		tok := cp.Token()
		start = &tok
		r.token.Store(&tok)
		r.checkpointAt.Store(cp.WrittenAt.UnixNano())
		log.Info().
			Str("stream", streamID).
			Str("token", tok.String()).
			Time("written_at", cp.WrittenAt).
			Msg("Resuming change stream from checkpoint")
	} else {
		log.Info().Str("stream", streamID).Msg("No checkpoint found, starting at the current end of the change stream")
	}

	cursor, err := r.config.Source.Open(ctx, start)
	if err != nil {
		var expired *common.TokenExpiredError
		switch {
		case errors.As(err, &expired):
			telemetry.CursorOpensTotal.With("expired").Inc()
		case ctx.Err() != nil:
			return errStopping
		default:
			telemetry.CursorOpensTotal.With("failed").Inc()
		}
		return err
	}
	telemetry.CursorOpensTotal.With("success").Inc()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorCloseTimeout)
		defer cancel()
		if err := cursor.Close(closeCtx); err != nil {
			log.Warn().Err(err).Str("stream", streamID).Msg("Failed to close change stream cursor")
		}
	}()

	for {
		if ctx.Err() != nil {
			return errStopping
		}
		r.setState(Watching)

		event, err := cursor.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return errStopping
			}
			var transformErr *common.TransformError
			if errors.As(err, &transformErr) {
				r.skip("decode", err)
				continue
			}
			return fmt.Errorf("change stream %s: %w", streamID, err)
		}

		if err := r.process(ctx, event); err != nil {
			return err
		}
	}
}

// process handles one event: transform, publish, then checkpoint
func (r *Relay) process(ctx context.Context, event common.ChangeEvent) error {
	r.setState(Processing)
	r.processed.Add(1)
	telemetry.EventsReceivedTotal.With(event.Operation.String()).Inc()

	records, err := r.config.Transformer.Apply(event)
	if err != nil {
		r.skip("transform", err)
		return nil
	}

	if len(records) > 0 {
		if err := r.config.Publisher.Send(ctx, records); err != nil {
			if ctx.Err() != nil {
				log.Info().
					Str("stream", r.config.StreamID).
					Str("token", event.Token.String()).
					Msg("Shutdown during publish, event will be redelivered")
				return errStopping
			}
			if r.config.OnPublishFailure == PolicySkip {
				r.skip("publish", err)
				return nil
			}
			return fmt.Errorf("failed to publish event %s: %w", event.Token, err)
		}
		r.published.Add(uint64(len(records)))
	}

	return r.saveCheckpoint(ctx, event.Token)
}

// saveCheckpoint persists token with bounded retries. A write in progress
// is never cancelled; cancellation is only observed between attempts.
func (r *Relay) saveCheckpoint(ctx context.Context, token common.ResumeToken) error {
	var err error
	for attempt := 0; attempt <= r.config.CheckpointRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errStopping
			case <-time.After(r.config.CheckpointRetryDelay):
			}
		}

		err = r.config.Checkpoints.Save(context.WithoutCancel(ctx), r.config.StreamID, token)
		if err == nil {
			telemetry.CheckpointWritesTotal.With("success").Inc()
			tok := token.Clone()
			r.token.Store(&tok)
			r.checkpointAt.Store(time.Now().UnixNano())
			log.Debug().Str("stream", r.config.StreamID).Str("token", token.String()).Msg("Checkpoint saved")
			return nil
		}

		telemetry.CheckpointWritesTotal.With("failed").Inc()
		log.Warn().
			Err(err).
			Str("stream", r.config.StreamID).
			Int("attempt", attempt+1).
			Msg("Failed to save checkpoint")
	}
	return err
}

func (r *Relay) skip(reason string, err error) {
	r.skipped.Add(1)
	telemetry.EventsSkippedTotal.With(reason).Inc()
	log.Warn().Err(err).Str("stream", r.config.StreamID).Str("reason", reason).Msg("Skipping change event")
}
