package ingest

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Config stores connectivity information for the media server probe.
type Config struct {
	// Mode selects the probe implementation: "http", "fs", or "off".
	Mode string

	// BaseURL and Token configure the HTTP probe.
	BaseURL string
	Token   string

	// RecordingsDir configures the filesystem probe.
	RecordingsDir string

	HTTPClient *http.Client
	Timeout    time.Duration
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Mode:          strings.TrimSpace(os.Getenv("CASTLINE_PROBE_MODE")),
		BaseURL:       strings.TrimSpace(os.Getenv("CASTLINE_PROBE_API")),
		Token:         strings.TrimSpace(os.Getenv("CASTLINE_PROBE_TOKEN")),
		RecordingsDir: strings.TrimSpace(os.Getenv("CASTLINE_RECORDINGS_DIR")),
		Timeout:       10 * time.Second,
	}

	if timeout := strings.TrimSpace(os.Getenv("CASTLINE_PROBE_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse CASTLINE_PROBE_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.Timeout = parsed
		}
	}

	if cfg.Mode == "" {
		switch {
		case cfg.BaseURL != "":
			cfg.Mode = "http"
		case cfg.RecordingsDir != "":
			cfg.Mode = "fs"
		default:
			cfg.Mode = "off"
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	switch c.Mode {
	case "off":
		return nil
	case "http":
		if c.BaseURL == "" {
			return fmt.Errorf("missing probe configuration: CASTLINE_PROBE_API")
		}
		return nil
	case "fs":
		if c.RecordingsDir == "" {
			return fmt.Errorf("missing probe configuration: CASTLINE_RECORDINGS_DIR")
		}
		return nil
	default:
		return fmt.Errorf("unknown probe mode %q", c.Mode)
	}
}

// NewProber constructs the Prober selected by Mode.
func (c Config) NewProber() (Prober, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Mode {
	case "http":
		prober := &HTTPProber{config: c}
		if prober.config.HTTPClient == nil {
			prober.config.HTTPClient = &http.Client{Timeout: c.Timeout}
		}
		return prober, nil
	case "fs":
		return &FilesystemProber{Root: c.RecordingsDir}, nil
	default:
		return NoopProber{}, nil
	}
}
