package ingest

import (
	"context"

	"castline/internal/models"
)

// ProbeResult reports what the media plane currently knows about a session.
//
// Live distinguishes a broadcast that is still publishing from one that has
// stopped. Path is only meaningful when Live is false: it is the location of
// the finalized recording artifact, and may be empty when the media server
// lost the recording.
type ProbeResult struct {
	// Live reports whether the broadcast is still publishing to the media
	// server. Live sessions must not be closed by reconciliation.
	Live bool `json:"live"`

	// Path is the artifact location for a dead broadcast, e.g. an HLS or
	// MP4 path under the recordings root.
	Path string `json:"path,omitempty"`
}

// Prober answers liveness questions about open sessions during
// reconciliation sweeps.
//
// Implementations should be safe for concurrent use; sweeps probe many
// sessions in parallel.
type Prober interface {
	// Probe inspects the media plane for the given session. It is only
	// called for sessions that have a bound broadcast id.
	Probe(ctx context.Context, stream models.Stream) (ProbeResult, error)
}

// NoopProber is a Prober used in tests and in deployments where no media
// probe endpoint is configured.
//
// It reports every session as live, so reconciliation never closes anything.
// That is the safe default: a stream wrongly closed loses its session, a
// stream wrongly kept open is cleaned up by the next configured sweep.
type NoopProber struct{}

func (NoopProber) Probe(ctx context.Context, stream models.Stream) (ProbeResult, error) {
	return ProbeResult{Live: true}, nil
}
