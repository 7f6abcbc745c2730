// Package ingest connects the session API to the media plane.
//
// The media server is the source of truth for whether a broadcast is still
// publishing. This package exposes that knowledge through the Prober
// interface, which the reconciliation sweep uses to decide whether an open
// session is genuinely live or was abandoned without a clean unpublish.
//
// Three implementations are provided:
//
//   - HTTPProber queries the media server control API per broadcast and
//     returns both liveness and the finalized recording path.
//   - FilesystemProber watches the shared recordings directory; a finalized
//     recording file means the broadcast stopped.
//   - NoopProber reports everything live, disabling reconciliation closes.
//
// Probe configuration is loaded from CASTLINE_PROBE_* environment variables
// via LoadConfigFromEnv.
package ingest
