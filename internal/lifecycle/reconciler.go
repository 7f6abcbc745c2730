package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"castline/internal/ingest"
	"castline/internal/models"
	"castline/internal/observability/logging"
	"castline/internal/observability/metrics"
	"castline/internal/storage"
)

const defaultProbeLimit = 8

// Config wires a Reconciler's collaborators. Store is required; everything
// else has a safe default.
type Config struct {
	Store   storage.Repository
	Probe   ingest.Prober
	Guard   Guard
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// ProbeLimit caps concurrent probes during a sweep.
	ProbeLimit int
	// ProbeTimeout bounds each individual probe call.
	ProbeTimeout time.Duration
}

// Reconciler owns the session state machine: binding broadcasts on publish,
// finalizing sessions on unpublish, and sweeping sessions whose end
// notification never arrived.
type Reconciler struct {
	store        storage.Repository
	probe        ingest.Prober
	guard        Guard
	logger       *slog.Logger
	metrics      *metrics.Recorder
	probeLimit   int
	probeTimeout time.Duration
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	r := &Reconciler{
		store:        cfg.Store,
		probe:        cfg.Probe,
		guard:        cfg.Guard,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		probeLimit:   cfg.ProbeLimit,
		probeTimeout: cfg.ProbeTimeout,
	}
	if r.probe == nil {
		r.probe = ingest.NoopProber{}
	}
	if r.guard == nil {
		r.guard = NewMemoryGuard()
	}
	if r.logger == nil {
		r.logger = logging.WithComponent(slog.Default(), "lifecycle")
	}
	if r.metrics == nil {
		r.metrics = metrics.Default()
	}
	if r.probeLimit <= 0 {
		r.probeLimit = defaultProbeLimit
	}
	return r, nil
}

// StartStream binds a broadcast id to a pending session and stamps its start
// time. It is the single transition point from pending to active; a session
// that already holds a broadcast id fails with ErrConflict and is left
// unchanged. The freshly written row is returned so callers observe the
// store-assigned timestamps.
func (r *Reconciler) StartStream(ctx context.Context, streamID, broadcastID string) (models.Stream, error) {
	stream, err := r.store.MarkStreamStarted(ctx, streamID, broadcastID)
	if err != nil {
		return models.Stream{}, err
	}
	r.metrics.StreamStarted()
	logging.WithContext(ctx, r.logger).Info("stream started",
		"stream_id", stream.ID,
		"broadcast_id", broadcastID,
		"user_id", stream.UserID)
	return stream, nil
}

// EndStream finalizes the active session bound to broadcastID, stamping the
// end time and artifact path. Duplicate or late end notifications match zero
// rows and return count 0 without error.
func (r *Reconciler) EndStream(ctx context.Context, broadcastID, path string) (int, error) {
	count, err := r.store.MarkStreamEnded(ctx, storage.EndMatch{BroadcastID: broadcastID}, path)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		r.metrics.StreamEnded()
		logging.WithContext(ctx, r.logger).Info("stream ended",
			"broadcast_id", broadcastID,
			"path", path,
			"closed", count)
	} else {
		logging.WithContext(ctx, r.logger).Debug("end notification matched no open stream",
			"broadcast_id", broadcastID)
	}
	return count, nil
}

// SweepFailure records why one session could not be reconciled. Failures are
// isolated per session; one bad probe never aborts the rest of the sweep.
type SweepFailure struct {
	StreamID    string `json:"streamId"`
	BroadcastID string `json:"broadcastId,omitempty"`
	Reason      string `json:"reason"`
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	// Skipped is true when another sweep held the guard and this one did
	// no work.
	Skipped        bool           `json:"skipped"`
	Open           int            `json:"open"`
	Closed         int            `json:"closed"`
	SkippedLive    int            `json:"skippedLive"`
	SkippedPending int            `json:"skippedPending"`
	Failures       []SweepFailure `json:"failures,omitempty"`
}

type probeOutcome struct {
	result ingest.ProbeResult
	err    error
}

// CloseLostStreams recovers sessions whose end notification never arrived.
// It lists every open row, probes the media plane for each started one, and
// closes the sessions whose broadcast is genuinely dead. Pending rows have
// no broadcast id to probe and are left alone. Results are paired back to
// sessions by stream id, never by position.
func (r *Reconciler) CloseLostStreams(ctx context.Context) (SweepReport, error) {
	acquired, err := r.guard.TryAcquire(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("acquire sweep guard: %w", err)
	}
	if !acquired {
		r.metrics.ObserveSweep("guard_skipped")
		logging.WithContext(ctx, r.logger).Info("sweep skipped, another sweep in progress")
		return SweepReport{Skipped: true}, nil
	}
	defer func() {
		if err := r.guard.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("sweep guard release failed", "error", err)
		}
	}()

	open, err := r.store.ListOpenStreams(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list open streams: %w", err)
	}

	report := SweepReport{Open: len(open)}
	if len(open) == 0 {
		return report, nil
	}

	candidates := make([]models.Stream, 0, len(open))
	for _, stream := range open {
		if stream.Start == nil {
			report.SkippedPending++
			r.metrics.ObserveSweep("skipped_pending")
			continue
		}
		candidates = append(candidates, stream)
	}

	outcomes := r.probeAll(ctx, candidates)

	var mu sync.Mutex
	fail := func(stream models.Stream, reason string) {
		broadcastID := ""
		if stream.BroadcastID != nil {
			broadcastID = *stream.BroadcastID
		}
		mu.Lock()
		report.Failures = append(report.Failures, SweepFailure{
			StreamID:    stream.ID,
			BroadcastID: broadcastID,
			Reason:      reason,
		})
		mu.Unlock()
		r.metrics.ObserveSweep("failed")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.probeLimit)
	for _, stream := range candidates {
		stream := stream
		outcome := outcomes[stream.ID]
		if outcome.err != nil {
			fail(stream, fmt.Sprintf("probe: %v", outcome.err))
			continue
		}
		if outcome.result.Live {
			mu.Lock()
			report.SkippedLive++
			mu.Unlock()
			r.metrics.ObserveSweep("skipped_live")
			continue
		}
		if outcome.result.Path == "" {
			// Closing without an artifact path would break the rule
			// that finished sessions always have one.
			fail(stream, "probe reported dead broadcast without artifact path")
			continue
		}
		group.Go(func() error {
			count, err := r.store.MarkStreamEnded(groupCtx, storage.EndMatch{StreamID: stream.ID}, outcome.result.Path)
			if err != nil {
				fail(stream, fmt.Sprintf("mark ended: %v", err))
				return nil
			}
			if count > 0 {
				mu.Lock()
				report.Closed += count
				mu.Unlock()
				r.metrics.ObserveSweep("closed")
				r.metrics.StreamEnded()
			}
			return nil
		})
	}
	_ = group.Wait()

	logging.WithContext(ctx, r.logger).Info("sweep completed",
		"open", report.Open,
		"closed", report.Closed,
		"skipped_live", report.SkippedLive,
		"skipped_pending", report.SkippedPending,
		"failures", len(report.Failures))
	return report, nil
}

// probeAll fans out one probe per candidate and fans in keyed by stream id.
// Individual probe errors are captured per stream, never propagated to the
// group, and each probe runs under its own timeout when one is configured.
func (r *Reconciler) probeAll(ctx context.Context, candidates []models.Stream) map[string]probeOutcome {
	outcomes := make(map[string]probeOutcome, len(candidates))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.probeLimit)
	for _, stream := range candidates {
		stream := stream
		group.Go(func() error {
			probeCtx := groupCtx
			cancel := context.CancelFunc(func() {})
			if r.probeTimeout > 0 {
				probeCtx, cancel = context.WithTimeout(groupCtx, r.probeTimeout)
			}
			result, err := r.probe.Probe(probeCtx, stream)
			cancel()
			r.metrics.ObserveProbe(err != nil)

			mu.Lock()
			outcomes[stream.ID] = probeOutcome{result: result, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}
