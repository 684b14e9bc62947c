package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/changerelay/checkpoint"
	"github.com/maxpert/changerelay/common"
	"github.com/maxpert/changerelay/encoding"
	"github.com/maxpert/changerelay/feed"
	"github.com/maxpert/changerelay/publisher"
	"github.com/maxpert/changerelay/publisher/sink"
	"github.com/maxpert/changerelay/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

const testStream = "school.students"

var studentsNS = common.Namespace{Database: "school", Collection: "students"}

func studentEvent(t *testing.T, op common.Operation, id, name string) common.ChangeEvent {
	t.Helper()
	key, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	require.NoError(t, err)
	evt := common.ChangeEvent{
		Operation:   op,
		Namespace:   studentsNS,
		DocumentKey: key,
		ObservedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if op.Relayable() {
		doc, err := bson.Marshal(bson.D{{Key: "_id", Value: id}, {Key: "name", Value: name}})
		require.NoError(t, err)
		evt.FullDocument = doc
	}
	return evt
}

// countingTransformer records every event it sees
type countingTransformer struct {
	inner  Transformer
	mu     sync.Mutex
	seen   []common.ChangeEvent
	failOn map[string]bool // DocumentKey strings that fail
}

func (c *countingTransformer) Apply(event common.ChangeEvent) ([]common.Record, error) {
	c.mu.Lock()
	c.seen = append(c.seen, event)
	c.mu.Unlock()
	if c.failOn[common.DocumentKeyString(event.DocumentKey)] {
		return nil, &common.TransformError{Transformer: "test", Token: event.Token, Err: errors.New("malformed")}
	}
	return c.inner.Apply(event)
}

func (c *countingTransformer) Seen() []common.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.ChangeEvent, len(c.seen))
	copy(out, c.seen)
	return out
}

// flakyStore fails the next failSaves saves
type flakyStore struct {
	*checkpoint.MemoryStore
	failSaves atomic.Int32
	saves     atomic.Int32
}

func (s *flakyStore) Save(ctx context.Context, streamID string, token common.ResumeToken) error {
	s.saves.Add(1)
	if s.failSaves.Load() > 0 {
		s.failSaves.Add(-1)
		return &common.StorageError{Op: "save", StreamID: streamID, Err: errors.New("disk full")}
	}
	return s.MemoryStore.Save(ctx, streamID, token)
}

type harness struct {
	source      *feed.MemorySource
	store       *flakyStore
	sink        *sink.MockSink
	transformer *countingTransformer
	policy      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry, err := transform.Build([]string{"document"}, transform.DefaultOptions())
	require.NoError(t, err)
	return &harness{
		source:      feed.NewMemorySource(testStream, nil),
		store:       &flakyStore{MemoryStore: checkpoint.NewMemoryStore()},
		sink:        &sink.MockSink{},
		transformer: &countingTransformer{inner: registry, failOn: map[string]bool{}},
	}
}

func (h *harness) relay(t *testing.T) *Relay {
	t.Helper()
	codec, err := encoding.CodecFor(encoding.FormatJSON)
	require.NoError(t, err)
	pub, err := publisher.New(publisher.Config{
		Sink:         h.sink,
		Codec:        codec,
		StreamID:     testStream,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   2,
	})
	require.NoError(t, err)

	r, err := New(Config{
		StreamID:             testStream,
		Source:               h.source,
		Checkpoints:          h.store,
		Transformer:          h.transformer,
		Publisher:            pub,
		OnPublishFailure:     h.policy,
		CheckpointRetries:    2,
		CheckpointRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

// start runs r and waits until its cursor is open
func (h *harness) start(t *testing.T, r *Relay) {
	t.Helper()
	opens := h.source.Opens()
	r.Start(context.Background())
	require.Eventually(t, func() bool {
		return h.source.Opens() > opens || r.State().Terminal()
	}, 2*time.Second, time.Millisecond)
	t.Cleanup(r.Stop)
}

func (h *harness) checkpoint(t *testing.T) *common.ResumeToken {
	t.Helper()
	cp, err := h.store.Load(context.Background(), testStream)
	require.NoError(t, err)
	if cp == nil {
		return nil
	}
	tok := cp.Token()
	return &tok
}

func (h *harness) waitCheckpoint(t *testing.T, want common.ResumeToken) {
	t.Helper()
	require.Eventually(t, func() bool {
		tok := h.checkpoint(t)
		return tok != nil && tok.Equal(want)
	}, 2*time.Second, time.Millisecond, "checkpoint never reached %s", want)
}

func decodeValue(t *testing.T, msg publisher.Message) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &out))
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t)
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{
		StreamID:         testStream,
		Source:           h.source,
		Checkpoints:      h.store,
		Transformer:      h.transformer,
		Publisher:        &publisher.Publisher{},
		OnPublishFailure: "retry-forever",
	})
	require.Error(t, err)
}

func TestRelayPublishesInsertAndCheckpoints(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	h.start(t, r)
	assert.Nil(t, h.checkpoint(t), "first run starts without a checkpoint")

	tok := h.source.Append(studentEvent(t, common.OpInsert, "x", "A"))
	h.waitCheckpoint(t, tok)

	msgs := h.sink.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "school.students", msgs[0].Topic)
	assert.Equal(t, "x", msgs[0].Key)
	assert.Equal(t, tok.String(), msgs[0].Headers[publisher.HeaderToken])

	value := decodeValue(t, msgs[0])
	assert.Equal(t, "A", value["name"])
	assert.Equal(t, "2024-03-01T12:00:00.000Z", value["timestamp"])
	assert.NotContains(t, value, "_id")

	status := r.Status()
	assert.Equal(t, tok.String(), status.Checkpoint)
	assert.EqualValues(t, 1, status.EventsProcessed)
	assert.EqualValues(t, 1, status.RecordsPublished)
	_, ok := r.LastCheckpoint()
	assert.True(t, ok)
}

func TestRelayNeverTransformsDeletes(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	h.start(t, r)

	h.source.Append(studentEvent(t, common.OpOther, "x", ""))
	tok := h.source.Append(studentEvent(t, common.OpInsert, "y", "B"))
	h.waitCheckpoint(t, tok)

	seen := h.transformer.Seen()
	require.Len(t, seen, 1)
	assert.Equal(t, common.OpInsert, seen[0].Operation)
	assert.Len(t, h.sink.Published(), 1)
	assert.EqualValues(t, 1, h.store.saves.Load(), "only the insert moves the checkpoint")
}

func TestRelayResumesStrictlyAfterCheckpoint(t *testing.T) {
	h := newHarness(t)
	t1 := h.source.Append(studentEvent(t, common.OpInsert, "1", "one"))
	h.source.Append(studentEvent(t, common.OpUpdate, "2", "two"))
	t3 := h.source.Append(studentEvent(t, common.OpReplace, "3", "three"))
	require.NoError(t, h.store.Save(context.Background(), testStream, t1))

	r := h.relay(t)
	h.start(t, r)
	h.waitCheckpoint(t, t3)

	var names []interface{}
	for _, msg := range h.sink.Published() {
		names = append(names, decodeValue(t, msg)["name"])
	}
	assert.Equal(t, []interface{}{"two", "three"}, names)
	for _, evt := range h.transformer.Seen() {
		assert.False(t, evt.Token.Equal(t1), "event at the checkpoint was redelivered")
	}
}

func TestRelayHaltsOnPublishFailureWithoutCheckpoint(t *testing.T) {
	h := newHarness(t)
	t1 := h.source.Append(studentEvent(t, common.OpInsert, "1", "one"))
	t2 := h.source.Append(studentEvent(t, common.OpInsert, "2", "two"))
	require.NoError(t, h.store.Save(context.Background(), testStream, t1))
	h.sink.PublishErr = errors.New("broker unavailable")

	r := h.relay(t)
	err := r.Run(context.Background())
	require.Error(t, err)

	var pubErr *common.PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, 2, pubErr.Attempts)
	assert.Equal(t, Failed, r.State())
	assert.Equal(t, err, r.Err())
	assert.Equal(t, 2, h.sink.Calls)
	require.True(t, h.checkpoint(t).Equal(t1), "checkpoint must stay at the previous event")

	// The next run redelivers the same event and advances past it
	h.sink.PublishErr = nil
	r2 := h.relay(t)
	h.start(t, r2)
	h.waitCheckpoint(t, t2)
	msgs := h.sink.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", decodeValue(t, msgs[0])["name"])
}

func TestRelaySkipPolicyContinues(t *testing.T) {
	h := newHarness(t)
	h.policy = PolicySkip
	h.sink.PublishErr = errors.New("message too large")
	h.sink.FailTimes = 2 // exhausts the publisher retries for one event

	r := h.relay(t)
	h.start(t, r)

	h.source.Append(studentEvent(t, common.OpInsert, "1", "dropped"))
	t2 := h.source.Append(studentEvent(t, common.OpInsert, "2", "kept"))
	h.waitCheckpoint(t, t2)

	msgs := h.sink.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", decodeValue(t, msgs[0])["name"])
	assert.EqualValues(t, 1, r.Status().EventsSkipped)
	assert.EqualValues(t, 1, h.store.saves.Load())
}

func TestRelayTransformErrorDoesNotHalt(t *testing.T) {
	h := newHarness(t)
	h.transformer.failOn["bad"] = true
	r := h.relay(t)
	h.start(t, r)

	h.source.Append(studentEvent(t, common.OpInsert, "bad", "broken"))
	t2 := h.source.Append(studentEvent(t, common.OpInsert, "good", "fine"))
	h.waitCheckpoint(t, t2)

	assert.Equal(t, Watching, waitState(t, r, Watching))
	assert.Len(t, h.sink.Published(), 1)
	assert.EqualValues(t, 1, h.store.saves.Load(), "failed event must not be checkpointed")
}

func TestRelayDecodeErrorDoesNotHalt(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	h.start(t, r)

	h.source.AppendError(&common.TransformError{Transformer: "decode", Err: errors.New("bad bson")})
	tok := h.source.Append(studentEvent(t, common.OpInsert, "1", "one"))
	h.waitCheckpoint(t, tok)
	assert.EqualValues(t, 1, r.Status().EventsSkipped)
}

func TestRelayEmptyOutputAdvancesCheckpoint(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	h.start(t, r)

	evt := studentEvent(t, common.OpUpdate, "1", "")
	evt.FullDocument = nil // document deleted before the update lookup
	tok := h.source.Append(evt)
	h.waitCheckpoint(t, tok)
	assert.Empty(t, h.sink.Published())
}

func TestRelayFailsOnExpiredToken(t *testing.T) {
	h := newHarness(t)
	t1 := h.source.Append(studentEvent(t, common.OpInsert, "1", "one"))
	t2 := h.source.Append(studentEvent(t, common.OpInsert, "2", "two"))
	require.NoError(t, h.store.Save(context.Background(), testStream, t1))
	h.source.Compact(t2)

	r := h.relay(t)
	err := r.Run(context.Background())
	var expired *common.TokenExpiredError
	require.True(t, errors.As(err, &expired), "got %v", err)
	assert.Equal(t, Failed, r.State())
	assert.Empty(t, h.transformer.Seen())
}

func TestRelayFailsWhenCursorCannotOpen(t *testing.T) {
	h := newHarness(t)
	h.source.FailOpen(errors.New("connection refused"))

	r := h.relay(t)
	err := r.Run(context.Background())
	var openErr *common.OpenError
	require.True(t, errors.As(err, &openErr), "got %v", err)
	assert.Equal(t, Failed, r.State())
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after failure")
	}
}

func TestRelayFailsWhenFeedCloses(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	h.start(t, r)
	h.source.End()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after the feed ended")
	}
	require.ErrorIs(t, r.Err(), common.ErrFeedClosed)
	assert.Equal(t, Failed, r.State())
}

func TestRelayRetriesCheckpointSave(t *testing.T) {
	h := newHarness(t)
	h.store.failSaves.Store(2)
	r := h.relay(t)
	h.start(t, r)

	tok := h.source.Append(studentEvent(t, common.OpInsert, "1", "one"))
	h.waitCheckpoint(t, tok)
	assert.EqualValues(t, 3, h.store.saves.Load())
}

func TestRelayFailsWhenCheckpointCannotBeSaved(t *testing.T) {
	h := newHarness(t)
	h.store.failSaves.Store(100)
	r := h.relay(t)
	h.start(t, r)

	h.source.Append(studentEvent(t, common.OpInsert, "1", "one"))
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not fail")
	}

	var storageErr *common.StorageError
	require.True(t, errors.As(r.Err(), &storageErr), "got %v", r.Err())
	assert.EqualValues(t, 3, h.store.saves.Load())
	assert.Len(t, h.sink.Published(), 1, "record was published before the save failed")
}

func TestRelayStop(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	h.start(t, r)
	require.Equal(t, Watching, waitState(t, r, Watching))

	r.Stop()
	assert.Equal(t, Stopped, r.State())
	assert.NoError(t, r.Err())
	<-r.Done()

	// A stopped relay does not run again
	require.Error(t, r.Run(context.Background()))
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return h.source.Opens() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay ignored cancellation")
	}
	assert.Equal(t, Stopped, r.State())
}

// blockingPublisher holds Send until release is closed
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	sent    atomic.Int32
}

func (b *blockingPublisher) Send(context.Context, []common.Record) error {
	close(b.entered)
	<-b.release
	b.sent.Add(1)
	return nil
}

func TestRelayStopWaitsForInFlightEvent(t *testing.T) {
	h := newHarness(t)
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	r, err := New(Config{
		StreamID:    testStream,
		Source:      h.source,
		Checkpoints: h.store,
		Transformer: h.transformer,
		Publisher:   pub,
	})
	require.NoError(t, err)
	h.start(t, r)

	tok := h.source.Append(studentEvent(t, common.OpInsert, "1", "one"))
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("publish never started")
	}
	assert.Equal(t, Processing, r.State())

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a publish was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Nil(t, h.checkpoint(t))

	close(pub.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the publish completed")
	}

	assert.EqualValues(t, 1, pub.sent.Load())
	cp := h.checkpoint(t)
	require.NotNil(t, cp)
	assert.True(t, cp.Equal(tok), "in-flight event must be checkpointed")
	assert.Equal(t, Stopped, r.State())
	assert.NoError(t, r.Err())
}

func TestRelayStopBeforeStart(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	r.Stop()
	assert.Equal(t, Stopped, r.State())
	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, h.source.Opens())
}

// Relaying an arbitrary mix of operations publishes exactly what the
// transformers produce for the relayable events, in feed order.
func TestRelayPublishesTransformedRelayableEventsInOrder(t *testing.T) {
	h := newHarness(t)
	r := h.relay(t)
	h.start(t, r)

	registry, err := transform.Build([]string{"document"}, transform.DefaultOptions())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	ops := []common.Operation{common.OpInsert, common.OpUpdate, common.OpReplace, common.OpOther}
	var expected []string
	var last common.ResumeToken
	for i := 0; i < 60; i++ {
		op := ops[rng.Intn(len(ops))]
		evt := studentEvent(t, op, fmt.Sprintf("s%d", i), fmt.Sprintf("student-%d", i))
		tok := h.source.Append(evt)
		if !op.Relayable() {
			continue
		}
		evt.Token = tok
		records, err := registry.Apply(evt)
		require.NoError(t, err)
		for _, rec := range records {
			expected = append(expected, rec.Key)
		}
		last = tok
	}
	h.waitCheckpoint(t, last)

	var got []string
	for _, msg := range h.sink.Published() {
		got = append(got, msg.Key)
	}
	assert.Equal(t, expected, got)
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:       "idle",
		Starting:   "starting",
		Watching:   "watching",
		Processing: "processing",
		Stopped:    "stopped",
		Failed:     "failed",
		State(42):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
	assert.True(t, Watching.Active())
	assert.False(t, Failed.Active())
	assert.True(t, Stopped.Terminal())
}

func waitState(t *testing.T, r *Relay, want State) State {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want }, 2*time.Second, time.Millisecond)
	return r.State()
}
