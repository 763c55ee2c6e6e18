package analytics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"studymate-backend/internal/metrics"
	"studymate-backend/internal/models"
)

type SubmitStatus int

const (
	SubmitAccepted SubmitStatus = iota
	SubmitRejected
	SubmitThrottled
)

// SubmitResult is what Submit hands back to the producer. Throttled is
// retryable; Rejected carries the validation or lookup error.
type SubmitResult struct {
	Status SubmitStatus
	Err    error
}

// DeltaPublisher receives the metric deltas produced by the pipeline.
type DeltaPublisher interface {
	PublishStateDelta(delta models.StateDelta)
}

// ProcessorConfig bounds the ingest queues and fixes the window geometry.
type ProcessorConfig struct {
	WindowBuckets    int
	BucketWidth      time.Duration
	SkewTolerance    time.Duration
	SessionQueueSize int
	GlobalQueueSize  int
	IdleThreshold    time.Duration
}

// Processor is the ingestion front door. Each session gets a serial worker
// goroutine with a bounded mailbox, so events for one session are processed
// in arrival order while different sessions proceed fully in parallel.
type Processor struct {
	cfg       ProcessorConfig
	store     *Store
	publisher DeltaPublisher
	log       zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*sessionWorker
	stopped bool

	wg       sync.WaitGroup
	inflight atomic.Int64

	accepted  atomic.Int64
	rejected  atomic.Int64
	throttled atomic.Int64
}

// sessionWorker serializes one session's events.
type sessionWorker struct {
	sessionID string
	mailbox   chan Event
	window    *Window

	// submitMu guards lastSeen and closed; it serializes admission against
	// teardown so a racing Submit never sends on a closed mailbox.
	submitMu sync.Mutex
	lastSeen time.Time
	closed   bool

	// lastProcessed and lastMetrics are touched only by the worker goroutine.
	lastProcessed time.Time
	lastMetrics   models.Metrics
}

func NewProcessor(cfg ProcessorConfig, store *Store, publisher DeltaPublisher, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		log:       log,
		workers:   make(map[string]*sessionWorker),
	}
}

// Submit validates and enqueues one raw event. It returns immediately:
// Accepted once the event is queued for its session, Rejected for malformed
// or unroutable events, Throttled when the session or global queue is full.
func (p *Processor) Submit(raw RawEvent) SubmitResult {
	ev, verr := ParseEvent(raw)
	if verr != nil {
		p.rejected.Add(1)
		metrics.EventsRejectedTotal.WithLabelValues("validation").Inc()
		return SubmitResult{Status: SubmitRejected, Err: verr}
	}

	if _, err := p.store.Get(ev.SessionID); err != nil {
		p.rejected.Add(1)
		metrics.EventsRejectedTotal.WithLabelValues("not_found").Inc()
		return SubmitResult{Status: SubmitRejected, Err: ErrNotFound}
	}

	w, err := p.worker(ev.SessionID)
	if err != nil {
		p.rejected.Add(1)
		metrics.EventsRejectedTotal.WithLabelValues("stopped").Inc()
		return SubmitResult{Status: SubmitRejected, Err: err}
	}

	// Per-session ordering watermark: an event behind the session's last
	// observed timestamp by more than the skew tolerance is rejected, not
	// silently reordered.
	w.submitMu.Lock()
	if w.closed {
		w.submitMu.Unlock()
		p.rejected.Add(1)
		metrics.EventsRejectedTotal.WithLabelValues("not_found").Inc()
		return SubmitResult{Status: SubmitRejected, Err: ErrNotFound}
	}
	if !w.lastSeen.IsZero() && ev.Timestamp.Before(w.lastSeen.Add(-p.cfg.SkewTolerance)) {
		w.submitMu.Unlock()
		p.rejected.Add(1)
		metrics.EventsRejectedTotal.WithLabelValues("stale_timestamp").Inc()
		return SubmitResult{Status: SubmitRejected, Err: validationErr("timestamp", "behind session watermark beyond tolerance")}
	}

	if p.inflight.Load() >= int64(p.cfg.GlobalQueueSize) {
		w.submitMu.Unlock()
		p.throttled.Add(1)
		metrics.EventsThrottledTotal.Inc()
		return SubmitResult{Status: SubmitThrottled, Err: ErrThrottled}
	}

	select {
	case w.mailbox <- ev:
		if ev.Timestamp.After(w.lastSeen) {
			w.lastSeen = ev.Timestamp
		}
		w.submitMu.Unlock()
		p.inflight.Add(1)
		p.accepted.Add(1)
		metrics.EventsAcceptedTotal.Inc()
		return SubmitResult{Status: SubmitAccepted}
	default:
		w.submitMu.Unlock()
		p.throttled.Add(1)
		metrics.EventsThrottledTotal.Inc()
		return SubmitResult{Status: SubmitThrottled, Err: ErrThrottled}
	}
}

// worker returns the session's worker, starting one on first use.
func (p *Processor) worker(sessionID string) (*sessionWorker, error) {
	p.mu.RLock()
	w, ok := p.workers[sessionID]
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return nil, ErrStopped
	}
	if ok {
		return w, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}
	if w, ok = p.workers[sessionID]; ok {
		return w, nil
	}

	w = &sessionWorker{
		sessionID: sessionID,
		mailbox:   make(chan Event, p.cfg.SessionQueueSize),
		window:    NewWindow(p.cfg.WindowBuckets, p.cfg.BucketWidth),
	}
	p.workers[sessionID] = w
	p.wg.Add(1)
	go p.run(w)
	return w, nil
}

func (p *Processor) run(w *sessionWorker) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.BucketWidth)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-w.mailbox:
			if !ok {
				return
			}
			p.inflight.Add(-1)
			p.processOne(w, ev)
		case <-ticker.C:
			p.refresh(w)
		}
	}
}

// refresh re-evaluates the window at the wall clock so a silent session's
// metrics decay as its buckets expire instead of freezing at the last
// published value. Runs on the worker goroutine, preserving the
// single-writer discipline on the window.
func (p *Processor) refresh(w *sessionWorker) {
	if w.lastProcessed.IsZero() {
		return
	}
	m := w.window.Snapshot(time.Now())
	if m == w.lastMetrics {
		return
	}
	w.lastMetrics = m

	state, err := p.store.Mutate(w.sessionID, func(st *models.SessionState) {
		st.Metrics = m
	})
	if err != nil {
		return
	}
	if p.publisher != nil {
		p.publisher.PublishStateDelta(models.StateDelta{
			SessionID: state.ID,
			Metrics:   state.Metrics,
			Status:    string(state.Status),
		})
	}
}

// processOne applies one event under a bulkhead: a panic while processing a
// session's event is logged and the event dropped, the session keeps going
// and no other session is affected.
func (p *Processor) processOne(w *sessionWorker, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsDroppedTotal.Inc()
			p.log.Error().
				Str("session_id", w.sessionID).
				Str("kind", string(ev.Kind)).
				Interface("panic", r).
				Msg("event processing failed; event dropped")
		}
	}()

	if !w.window.Observe(ev) {
		p.log.Debug().
			Str("session_id", w.sessionID).
			Str("kind", string(ev.Kind)).
			Time("timestamp", ev.Timestamp).
			Msg("late event outside window ignored")
		return
	}

	m := w.window.Snapshot(ev.Timestamp)
	w.lastMetrics = m

	// Active time accrues only across gaps short enough to still count as
	// one continuous stretch of work.
	var gap time.Duration
	if !w.lastProcessed.IsZero() {
		gap = ev.Timestamp.Sub(w.lastProcessed)
	}
	w.lastProcessed = ev.Timestamp

	state, err := p.store.Mutate(ev.SessionID, func(st *models.SessionState) {
		st.Metrics = m
		if ev.Timestamp.After(st.LastActivityAt) {
			st.LastActivityAt = ev.Timestamp
		}
		if gap > 0 && gap <= p.cfg.IdleThreshold {
			st.ActiveSeconds += int64(gap.Seconds())
		}
	})
	if err != nil {
		// Session ended or evicted while the event was queued.
		p.log.Debug().Str("session_id", w.sessionID).Err(err).Msg("dropping event for defunct session")
		return
	}

	if p.publisher != nil {
		p.publisher.PublishStateDelta(models.StateDelta{
			SessionID: state.ID,
			Metrics:   state.Metrics,
			Status:    string(state.Status),
		})
	}
}

// Release tears down the worker of an ended session. Queued events drain
// before the mailbox closes; Submit calls racing with Release are rejected by
// the store lookup once the session is gone.
func (p *Processor) Release(sessionID string) {
	p.mu.Lock()
	w, ok := p.workers[sessionID]
	if ok {
		delete(p.workers, sessionID)
	}
	p.mu.Unlock()
	if ok {
		w.submitMu.Lock()
		w.closed = true
		close(w.mailbox)
		w.submitMu.Unlock()
	}
}

// Stop closes every mailbox and waits for the workers to drain.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	workers := p.workers
	p.workers = make(map[string]*sessionWorker)
	p.mu.Unlock()

	for _, w := range workers {
		w.submitMu.Lock()
		w.closed = true
		close(w.mailbox)
		w.submitMu.Unlock()
	}
	p.wg.Wait()
}

// Status reports queue depths and totals for the admin surface.
type ProcessorStatus struct {
	ActiveWorkers int            `json:"active_workers"`
	QueueDepths   map[string]int `json:"queue_depths"`
	Inflight      int64          `json:"inflight"`
	Accepted      int64          `json:"accepted"`
	Rejected      int64          `json:"rejected"`
	Throttled     int64          `json:"throttled"`
}

func (p *Processor) Status() ProcessorStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	depths := make(map[string]int, len(p.workers))
	for id, w := range p.workers {
		depths[id] = len(w.mailbox)
	}
	return ProcessorStatus{
		ActiveWorkers: len(p.workers),
		QueueDepths:   depths,
		Inflight:      p.inflight.Load(),
		Accepted:      p.accepted.Load(),
		Rejected:      p.rejected.Load(),
		Throttled:     p.throttled.Load(),
	}
}
