package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// session lifecycle events, probe outcomes, and reconciliation sweeps. It is
// safe for concurrent use.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	sweepOutcomes   map[string]uint64
	probeAttempts   uint64
	probeFailures   uint64
	activeStreams   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		sweepOutcomes:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by helpers in this package.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted records a start lifecycle event and increments the active
// stream gauge.
func (r *Recorder) StreamStarted() {
	r.incrementStreamEvent("start")
	r.activeStreams.Add(1)
}

// StreamEnded records an end lifecycle event and decrements the active
// stream gauge, guarding against negative counts.
func (r *Recorder) StreamEnded() {
	r.incrementStreamEvent("end")
	r.decrementGauge(&r.activeStreams)
}

// StreamCreated records that a new pending session row was created.
func (r *Recorder) StreamCreated() {
	r.incrementStreamEvent("create")
}

func (r *Recorder) incrementStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// ObserveProbe records a probe attempt, and a failure when failed is true.
func (r *Recorder) ObserveProbe(failed bool) {
	r.mu.Lock()
	r.probeAttempts++
	if failed {
		r.probeFailures++
	}
	r.mu.Unlock()
}

// ObserveSweep records per-stream reconciliation outcomes:
// "closed", "skipped_live", "skipped_pending", "failed", or
// "guard_skipped" when a sweep yielded to a concurrent run.
func (r *Recorder) ObserveSweep(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.sweepOutcomes[normalized]++
	r.mu.Unlock()
}

// ActiveStreams exposes the current gauge of concurrently live sessions.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// SweepCounts returns a copy of the sweep outcome counters for tests.
func (r *Recorder) SweepCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.sweepOutcomes))
	for k, v := range r.sweepOutcomes {
		counts[k] = v
	}
	return counts
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.sweepOutcomes = make(map[string]uint64)
	r.probeAttempts = 0
	r.probeFailures = 0
	r.activeStreams.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := sortedKeys(r.streamEvents)
	sweepOutcomes := sortedKeys(r.sweepOutcomes)

	fmt.Fprintln(w, "# HELP castline_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE castline_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "castline_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP castline_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE castline_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "castline_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP castline_stream_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE castline_stream_events_total counter")
	for _, event := range streamEvents {
		fmt.Fprintf(w, "castline_stream_events_total{event=\"%s\"} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP castline_active_streams Current number of sessions marked as live")
	fmt.Fprintln(w, "# TYPE castline_active_streams gauge")
	fmt.Fprintf(w, "castline_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP castline_probe_attempts_total Total media probe attempts during reconciliation")
	fmt.Fprintln(w, "# TYPE castline_probe_attempts_total counter")
	fmt.Fprintf(w, "castline_probe_attempts_total %d\n", r.probeAttempts)

	fmt.Fprintln(w, "# HELP castline_probe_failures_total Total media probe failures during reconciliation")
	fmt.Fprintln(w, "# TYPE castline_probe_failures_total counter")
	fmt.Fprintf(w, "castline_probe_failures_total %d\n", r.probeFailures)

	fmt.Fprintln(w, "# HELP castline_sweep_outcomes_total Reconciliation sweep outcomes per session")
	fmt.Fprintln(w, "# TYPE castline_sweep_outcomes_total counter")
	for _, outcome := range sweepOutcomes {
		fmt.Fprintf(w, "castline_sweep_outcomes_total{outcome=\"%s\"} %d\n", outcome, r.sweepOutcomes[outcome])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// StreamStarted increments counters on the default recorder.
func StreamStarted() {
	defaultRecorder.StreamStarted()
}

// StreamEnded increments counters on the default recorder.
func StreamEnded() {
	defaultRecorder.StreamEnded()
}
