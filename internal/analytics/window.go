package analytics

import (
	"time"

	"studymate-backend/internal/models"
)

// bucket accumulates event counts for one fixed slice of the window.
type bucket struct {
	activity     int // non-heartbeat events
	interactions int // content_viewed + answer_submitted
	attempts     int
	correct      int
}

// Window is a fixed ring of time buckets used to compute rolling metrics
// without keeping event history. Advancing the cursor zeroes only the buckets
// that fell out of the window, so each observation is O(1) amortized.
//
// Window is not safe for concurrent use; each session's worker owns one.
type Window struct {
	buckets []bucket
	width   time.Duration
	cursor  int   // ring index of the current bucket
	current int64 // absolute bucket number under the cursor
	primed  bool
}

func NewWindow(bucketCount int, width time.Duration) *Window {
	if bucketCount < 1 {
		bucketCount = 1
	}
	if width <= 0 {
		width = time.Second
	}
	return &Window{
		buckets: make([]bucket, bucketCount),
		width:   width,
	}
}

// Span is the total duration covered by the window.
func (w *Window) Span() time.Duration {
	return time.Duration(len(w.buckets)) * w.width
}

func (w *Window) bucketNumber(ts time.Time) int64 {
	return ts.UnixNano() / int64(w.width)
}

// advanceTo moves the cursor forward to the given absolute bucket number,
// zeroing every bucket that leaves the window on the way.
func (w *Window) advanceTo(abs int64) {
	if !w.primed {
		w.current = abs
		w.primed = true
		return
	}
	if abs <= w.current {
		return
	}
	steps := abs - w.current
	if steps >= int64(len(w.buckets)) {
		// Whole window elapsed; reset everything.
		for i := range w.buckets {
			w.buckets[i] = bucket{}
		}
		w.cursor = 0
		w.current = abs
		return
	}
	for ; steps > 0; steps-- {
		w.cursor = (w.cursor + 1) % len(w.buckets)
		w.buckets[w.cursor] = bucket{}
		w.current++
	}
}

// Observe folds one event into the ring. It returns false when the event's
// bucket has already left the window (late arrival policy: ignore, never
// reorder).
func (w *Window) Observe(ev Event) bool {
	abs := w.bucketNumber(ev.Timestamp)
	w.advanceTo(abs)

	behind := w.current - abs
	if behind >= int64(len(w.buckets)) {
		return false
	}
	idx := (w.cursor - int(behind) + len(w.buckets)) % len(w.buckets)

	b := &w.buckets[idx]
	if ev.Kind != KindHeartbeat {
		b.activity++
	}
	if ev.IsInteraction() {
		b.interactions++
	}
	if ev.Kind == KindAnswerSubmitted {
		b.attempts++
		if ev.Correct {
			b.correct++
		}
	}
	return true
}

// Snapshot advances the window to now and recomputes the three metrics from
// the bucket ring. A session with no events simply sees every metric decay to
// zero as its buckets expire.
func (w *Window) Snapshot(now time.Time) models.Metrics {
	w.advanceTo(w.bucketNumber(now))

	n := len(w.buckets)
	var (
		weighted    float64
		weightTotal float64
		interacted  int
		attempts    int
		correct     int
	)

	// age 0 is the cursor bucket; newer buckets carry more weight.
	for age := 0; age < n; age++ {
		idx := (w.cursor - age + n) % n
		weight := float64(n - age)
		weightTotal += weight
		if w.buckets[idx].activity > 0 {
			weighted += weight
		}
		interacted += w.buckets[idx].interactions
		attempts += w.buckets[idx].attempts
		correct += w.buckets[idx].correct
	}

	m := models.Metrics{}
	if weightTotal > 0 {
		m.FocusScore = weighted / weightTotal
	}
	minutes := w.Span().Minutes()
	if minutes > 0 {
		m.Pace = float64(interacted) / minutes
	}
	if attempts > 0 {
		m.Efficiency = float64(correct) / float64(attempts)
	}
	return m
}
