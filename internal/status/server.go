// Package status provides a local HTTP status endpoint for the monitor.
// Used by monitoring tools, health checks, and local diagnostics.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/marcus-qen/glasswatch/internal/auditlog"
	"github.com/marcus-qen/glasswatch/internal/plan"
	"github.com/marcus-qen/glasswatch/internal/track"
)

// Info represents the daemon's current status.
type Info struct {
	StartedAt       time.Time `json:"started_at"`
	Uptime          string    `json:"uptime"`
	TicksCompleted  uint64    `json:"ticks_completed"`
	TicksSkipped    uint64    `json:"ticks_skipped"`
	ServicesTracked int       `json:"services_tracked"`
	GoVersion       string    `json:"go_version"`
	NumGoroutine    int       `json:"goroutines"`
	MemAlloc        uint64    `json:"mem_alloc_bytes"`
}

// LoopStats reports tick progress from the orchestration loop.
type LoopStats interface {
	Started() bool
	TickCounts() (completed, skipped uint64)
}

// SnapshotProvider exposes tracked service state.
type SnapshotProvider interface {
	Snapshot() []track.State
	Len() int
}

// AttemptStore serves recent audit entries.
type AttemptStore interface {
	Recent(n int) ([]auditlog.Entry, error)
	Query(f auditlog.Filter) ([]auditlog.Entry, error)
}

// Server provides the local HTTP status endpoint.
type Server struct {
	loop      LoopStats
	tracker   SnapshotProvider
	store     AttemptStore // may be nil
	metrics   http.Handler // may be nil
	startedAt time.Time
}

// NewServer creates a status server.
func NewServer(loop LoopStats, tracker SnapshotProvider, store AttemptStore, metrics http.Handler) *Server {
	return &Server{
		loop:      loop,
		tracker:   tracker,
		store:     store,
		metrics:   metrics,
		startedAt: time.Now(),
	}
}

// Handler returns an HTTP handler for the status endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.loop != nil && s.loop.Started() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "starting")
		}
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		var completed, skipped uint64
		if s.loop != nil {
			completed, skipped = s.loop.TickCounts()
		}
		tracked := 0
		if s.tracker != nil {
			tracked = s.tracker.Len()
		}

		info := Info{
			StartedAt:       s.startedAt,
			Uptime:          time.Since(s.startedAt).Round(time.Second).String(),
			TicksCompleted:  completed,
			TicksSkipped:    skipped,
			ServicesTracked: tracked,
			GoVersion:       runtime.Version(),
			NumGoroutine:    runtime.NumGoroutine(),
			MemAlloc:        mem.Alloc,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	})

	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, r *http.Request) {
		states := []track.State{}
		if s.tracker != nil {
			states = s.tracker.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(states)
	})

	mux.HandleFunc("GET /api/attempts", s.handleAttempts)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "audit store disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	filter := auditlog.Filter{Limit: limit}
	if v := r.URL.Query().Get("service"); v != "" {
		filter.Service = plan.Identity(v)
	}

	entries, err := s.store.Query(filter)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
