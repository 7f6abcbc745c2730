// Package ingeststub hosts a deterministic HTTP fake of the media server's
// broadcast status endpoint. Sweep integration tests point an HTTP prober at
// the stub to exercise liveness checks, artifact-path lookups, and retry
// handling without touching the network.
package ingeststub
