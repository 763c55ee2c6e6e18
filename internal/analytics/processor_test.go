package analytics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate-backend/internal/models"
)

type capturePublisher struct {
	deltas chan models.StateDelta
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{deltas: make(chan models.StateDelta, 64)}
}

func (c *capturePublisher) PublishStateDelta(d models.StateDelta) {
	c.deltas <- d
}

func (c *capturePublisher) next(t *testing.T) models.StateDelta {
	t.Helper()
	select {
	case d := <-c.deltas:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state delta")
		return models.StateDelta{}
	}
}

func testProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		WindowBuckets:    12,
		BucketWidth:      5 * time.Second,
		SkewTolerance:    2 * time.Second,
		SessionQueueSize: 64,
		GlobalQueueSize:  4096,
		IdleThreshold:    5 * time.Minute,
	}
}

func newTestProcessor(t *testing.T, cfg ProcessorConfig) (*Processor, *Store, *capturePublisher) {
	t.Helper()
	store := NewStore(10 * time.Minute)
	_, err := store.Create("s1", uuid.New(), uuid.New(), storeNow)
	require.NoError(t, err)

	pub := newCapturePublisher()
	p := NewProcessor(cfg, store, pub, zerolog.Nop())
	t.Cleanup(p.Stop)
	return p, store, pub
}

func TestProcessorAcceptsAndPublishes(t *testing.T) {
	p, store, pub := newTestProcessor(t, testProcessorConfig())
	ts := storeNow.Add(time.Minute)

	res := p.Submit(RawEvent{
		SessionID: "s1", Kind: "answer_submitted", Timestamp: ts,
		Payload: json.RawMessage(`{"correct":true}`),
	})
	require.Equal(t, SubmitAccepted, res.Status)

	delta := pub.next(t)
	assert.Equal(t, "s1", delta.SessionID)
	assert.InDelta(t, 1.0, delta.Metrics.Efficiency, 1e-9)
	assert.Equal(t, string(models.SessionStatusActive), delta.Status)

	state, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, ts, state.LastActivityAt)
	assert.InDelta(t, 1.0, state.Metrics.Efficiency, 1e-9)
}

func TestProcessorAccruesActiveTimeAcrossShortGaps(t *testing.T) {
	p, store, pub := newTestProcessor(t, testProcessorConfig())
	ts := storeNow.Add(time.Minute)

	p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: ts})
	pub.next(t)
	p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: ts.Add(10 * time.Second)})
	pub.next(t)

	state, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.ActiveSeconds)

	// A gap past the idle threshold does not count as active time.
	p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: ts.Add(10 * time.Minute)})
	pub.next(t)

	state, err = store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.ActiveSeconds)
}

func TestProcessorDecaysMetricsWhenSessionGoesQuiet(t *testing.T) {
	cfg := testProcessorConfig()
	cfg.WindowBuckets = 4
	cfg.BucketWidth = 50 * time.Millisecond

	store := NewStore(10 * time.Minute)
	_, err := store.Create("s1", uuid.New(), uuid.New(), time.Now())
	require.NoError(t, err)

	pub := newCapturePublisher()
	p := NewProcessor(cfg, store, pub, zerolog.Nop())
	t.Cleanup(p.Stop)

	res := p.Submit(RawEvent{SessionID: "s1", Kind: "content_viewed", Timestamp: time.Now()})
	require.Equal(t, SubmitAccepted, res.Status)
	delta := pub.next(t)
	assert.Positive(t, delta.Metrics.FocusScore)

	// With no further events the window empties and the stored metrics
	// follow it down to zero.
	require.Eventually(t, func() bool {
		state, err := store.Get("s1")
		return err == nil && state.Metrics.FocusScore == 0 && state.Metrics.Pace == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProcessorRejectsMalformedEvent(t *testing.T) {
	p, _, _ := newTestProcessor(t, testProcessorConfig())

	res := p.Submit(RawEvent{SessionID: "s1", Kind: "bogus", Timestamp: storeNow})
	assert.Equal(t, SubmitRejected, res.Status)

	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, "kind", verr.Field)
}

func TestProcessorRejectsUnknownSession(t *testing.T) {
	p, _, _ := newTestProcessor(t, testProcessorConfig())

	res := p.Submit(RawEvent{SessionID: "ghost", Kind: "heartbeat", Timestamp: storeNow})
	assert.Equal(t, SubmitRejected, res.Status)
	assert.ErrorIs(t, res.Err, ErrNotFound)
}

func TestProcessorRejectsStaleTimestamp(t *testing.T) {
	p, _, pub := newTestProcessor(t, testProcessorConfig())
	ts := storeNow.Add(time.Minute)

	res := p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: ts})
	require.Equal(t, SubmitAccepted, res.Status)
	pub.next(t)

	// Within the tolerance is fine.
	res = p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: ts.Add(-time.Second)})
	assert.Equal(t, SubmitAccepted, res.Status)
	pub.next(t)

	// Behind the watermark beyond tolerance is refused.
	res = p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: ts.Add(-10 * time.Second)})
	assert.Equal(t, SubmitRejected, res.Status)

	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, "timestamp", verr.Field)
}

func TestProcessorThrottlesWhenGlobalQueueFull(t *testing.T) {
	cfg := testProcessorConfig()
	cfg.GlobalQueueSize = 0
	p, _, _ := newTestProcessor(t, cfg)

	res := p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: storeNow})
	assert.Equal(t, SubmitThrottled, res.Status)
	assert.ErrorIs(t, res.Err, ErrThrottled)
}

func TestProcessorStopRejectsSubmits(t *testing.T) {
	p, _, _ := newTestProcessor(t, testProcessorConfig())
	p.Stop()

	res := p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: storeNow})
	assert.Equal(t, SubmitRejected, res.Status)
	assert.ErrorIs(t, res.Err, ErrStopped)
}

func TestProcessorStatus(t *testing.T) {
	p, _, pub := newTestProcessor(t, testProcessorConfig())

	p.Submit(RawEvent{SessionID: "s1", Kind: "heartbeat", Timestamp: storeNow.Add(time.Minute)})
	pub.next(t)

	st := p.Status()
	assert.Equal(t, 1, st.ActiveWorkers)
	assert.Equal(t, int64(1), st.Accepted)
	assert.Contains(t, st.QueueDepths, "s1")

	p.Release("s1")
	st = p.Status()
	assert.Zero(t, st.ActiveWorkers)
}

func TestProcessorIsolatesSessions(t *testing.T) {
	p, store, pub := newTestProcessor(t, testProcessorConfig())
	_, err := store.Create("s2", uuid.New(), uuid.New(), storeNow)
	require.NoError(t, err)

	ts := storeNow.Add(time.Minute)
	require.Equal(t, SubmitAccepted, p.Submit(RawEvent{
		SessionID: "s1", Kind: "answer_submitted", Timestamp: ts,
		Payload: json.RawMessage(`{"correct":false}`),
	}).Status)
	require.Equal(t, SubmitAccepted, p.Submit(RawEvent{
		SessionID: "s2", Kind: "answer_submitted", Timestamp: ts,
		Payload: json.RawMessage(`{"correct":true}`),
	}).Status)

	seen := map[string]models.StateDelta{}
	for i := 0; i < 2; i++ {
		d := pub.next(t)
		seen[d.SessionID] = d
	}

	require.Contains(t, seen, "s1")
	require.Contains(t, seen, "s2")
	assert.Zero(t, seen["s1"].Metrics.Efficiency)
	assert.InDelta(t, 1.0, seen["s2"].Metrics.Efficiency, 1e-9)
}
