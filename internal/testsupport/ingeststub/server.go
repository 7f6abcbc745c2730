package ingeststub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Broadcast describes one broadcast the stub knows about.
type Broadcast struct {
	Live bool
	Path string
}

// Options describes how the fake media server should behave.
type Options struct {
	// Broadcasts maps broadcast id to its reported status. Unknown ids
	// answer 404.
	Broadcasts map[string]Broadcast

	// Token, when set, is required as a bearer credential on every probe.
	Token string

	// FailProbes causes the first N status requests to return HTTP 503.
	// Subsequent requests succeed.
	FailProbes int
}

// Probe records one status request the stub served.
type Probe struct {
	BroadcastID string
	Status      int
	Timestamp   time.Time
}

// Server hosts a single httptest.Server answering broadcast status requests.
type Server struct {
	server *httptest.Server

	mu         sync.Mutex
	broadcasts map[string]Broadcast
	token      string
	failures   int
	probes     []Probe
}

// Start spins up a new media-server stub using the provided options.
func Start(opts Options) *Server {
	s := &Server{
		broadcasts: make(map[string]Broadcast, len(opts.Broadcasts)),
		token:      opts.Token,
		failures:   opts.FailProbes,
	}
	for id, broadcast := range opts.Broadcasts {
		s.broadcasts[id] = broadcast
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Server) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the HTTP base URL probers should be pointed at.
func (s *Server) BaseURL() string {
	return s.server.URL
}

// SetBroadcast updates or adds a broadcast while the stub is running.
func (s *Server) SetBroadcast(id string, broadcast Broadcast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts[id] = broadcast
}

// Probes returns a copy of all recorded status requests in order.
func (s *Server) Probes() []Probe {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Probe, len(s.probes))
	copy(out, s.probes)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutPrefix(r.URL.Path, "/v1/broadcasts/")
	if !ok || id == "" || r.Method != http.MethodGet {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}

	status := s.serve(w, r, id)

	s.mu.Lock()
	s.probes = append(s.probes, Probe{BroadcastID: id, Status: status, Timestamp: time.Now()})
	s.mu.Unlock()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, id string) int {
	s.mu.Lock()
	token := s.token
	transientFailure := s.failures > 0
	if transientFailure {
		s.failures--
	}
	broadcast, known := s.broadcasts[id]
	s.mu.Unlock()

	if token != "" {
		if strings.TrimSpace(r.Header.Get("Authorization")) != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return http.StatusUnauthorized
		}
	}
	if transientFailure {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}
	if !known {
		http.Error(w, "broadcast not found", http.StatusNotFound)
		return http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"live": broadcast.Live,
		"path": broadcast.Path,
	})
	return http.StatusOK
}
