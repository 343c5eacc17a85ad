package traffic

import (
	"sort"
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained; windows longer than this see nothing older.
const maxAge = 5 * time.Minute

var defaultTracker = NewTracker()

// RecordSuccess records a successful tool call.
func RecordSuccess(tool string) {
	defaultTracker.Record(tool, OutcomeSuccess)
}

// RecordError records a failed tool call (validation, upstream, timeout, internal).
func RecordError(tool string) {
	defaultTracker.Record(tool, OutcomeError)
}

// RecordDenied records an /mcp request rejected by the inbound rate limiter.
func RecordDenied() {
	defaultTracker.Record("", OutcomeDenied)
}

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate returns the tool error rate within the window.
func ErrorRate(window time.Duration) Rate {
	return defaultTracker.ErrorRate(window)
}

// ToolErrorRates returns per-tool error rates within the window.
func ToolErrorRates(window time.Duration) map[string]Rate {
	return defaultTracker.ToolErrorRates(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Outcome classifies a recorded event.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeDenied
)

// Rate is an error count over a total. Denials are excluded from Total.
type Rate struct {
	Errors int `json:"errors"`
	Total  int `json:"total"`
}

// Ratio returns Errors/Total, or 0 when nothing was recorded.
func (r Rate) Ratio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Errors) / float64(r.Total)
}

type event struct {
	at      time.Time
	tool    string
	outcome Outcome
}

// Tracker keeps a sliding window of tool call outcomes in arrival order.
type Tracker struct {
	mu     sync.Mutex
	events []event
	now    func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record appends an outcome and prunes events older than maxAge.
func (t *Tracker) Record(tool string, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = append(t.events, event{at: now, tool: tool, outcome: o})
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	n := 0
	t.each(window, func(event) { n++ })
	return n
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	n := 0
	t.each(window, func(e event) {
		if e.outcome == OutcomeDenied {
			n++
		}
	})
	return n
}

// ErrorRate returns errors over successes plus errors within the window.
func (t *Tracker) ErrorRate(window time.Duration) Rate {
	var r Rate
	t.each(window, func(e event) {
		switch e.outcome {
		case OutcomeError:
			r.Errors++
			r.Total++
		case OutcomeSuccess:
			r.Total++
		}
	})
	return r
}

// ToolErrorRates breaks ErrorRate down by tool name.
func (t *Tracker) ToolErrorRates(window time.Duration) map[string]Rate {
	out := make(map[string]Rate)
	t.each(window, func(e event) {
		if e.outcome == OutcomeDenied {
			return
		}
		r := out[e.tool]
		r.Total++
		if e.outcome == OutcomeError {
			r.Errors++
		}
		out[e.tool] = r
	})
	return out
}

// Tools returns the tool names seen within the window, sorted.
func (t *Tracker) Tools(window time.Duration) []string {
	rates := t.ToolErrorRates(window)
	names := make([]string, 0, len(rates))
	for name := range rates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// each visits events not older than now-window, oldest first.
func (t *Tracker) each(window time.Duration, fn func(event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	i := sort.Search(len(t.events), func(i int) bool { return !t.events[i].at.Before(cutoff) })
	for _, e := range t.events[i:] {
		fn(e)
	}
}

// pruneLocked drops events older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	i := sort.Search(len(t.events), func(i int) bool { return !t.events[i].at.Before(cutoff) })
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
