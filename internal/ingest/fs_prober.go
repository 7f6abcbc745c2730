package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"castline/internal/models"
)

// FilesystemProber infers liveness from the recordings directory shared with
// the media server. The server writes <broadcast id>.mp4 when it finalizes a
// recording, so a present file means the broadcast stopped. It is intended
// for single-host deployments where the API and the media server share a
// volume.
type FilesystemProber struct {
	// Root is the recordings directory.
	Root string
}

func (p *FilesystemProber) Probe(ctx context.Context, stream models.Stream) (ProbeResult, error) {
	if stream.BroadcastID == nil || strings.TrimSpace(*stream.BroadcastID) == "" {
		return ProbeResult{}, fmt.Errorf("stream %s has no broadcast id", stream.ID)
	}
	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}

	path := filepath.Join(p.Root, *stream.BroadcastID+".mp4")
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ProbeResult{Live: true}, nil
	} else if err != nil {
		return ProbeResult{}, fmt.Errorf("stat recording %s: %w", path, err)
	}
	if info.IsDir() {
		return ProbeResult{}, fmt.Errorf("recording %s is a directory", path)
	}
	return ProbeResult{Live: false, Path: path}, nil
}
