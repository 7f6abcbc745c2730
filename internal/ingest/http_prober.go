package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"castline/internal/models"
)

// HTTPProber asks the media server control API whether a broadcast is still
// publishing and, when it is not, where the recording landed.
type HTTPProber struct {
	config Config
}

type broadcastStatusResponse struct {
	Live bool   `json:"live"`
	Path string `json:"path"`
}

func (p *HTTPProber) Probe(ctx context.Context, stream models.Stream) (ProbeResult, error) {
	if stream.BroadcastID == nil || strings.TrimSpace(*stream.BroadcastID) == "" {
		return ProbeResult{}, fmt.Errorf("stream %s has no broadcast id", stream.ID)
	}

	httpClient := p.config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	endpoint := fmt.Sprintf("%s/v1/broadcasts/%s", strings.TrimRight(p.config.BaseURL, "/"), url.PathEscape(*stream.BroadcastID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe broadcast %s: %w", *stream.BroadcastID, err)
	}
	defer resp.Body.Close()

	// An unknown broadcast means the media server already dropped the
	// session. Report it dead with no artifact rather than failing.
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ProbeResult{Live: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return ProbeResult{}, fmt.Errorf("probe broadcast %s: %s: %s", *stream.BroadcastID, resp.Status, strings.TrimSpace(string(data)))
	}

	var status broadcastStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return ProbeResult{}, fmt.Errorf("decode probe response: %w", err)
	}
	return ProbeResult{Live: status.Live, Path: strings.TrimSpace(status.Path)}, nil
}
