// Package ops serves the operational HTTP surface: a JSON health check on
// /health and the Prometheus registry on /metrics. It also feeds the
// per-state session gauge from the registry on a fixed interval.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/goofish-agent/internal/monitoring"
	"github.com/adred-codev/goofish-agent/internal/registry"
	"github.com/adred-codev/goofish-agent/internal/session"
)

// stateSampleInterval is how often the session-state gauge is refreshed.
const stateSampleInterval = 15 * time.Second

// AccountSource is the registry slice the health check reads.
type AccountSource interface {
	Snapshot(ctx context.Context) ([]registry.Status, error)
	StateCounts() map[string]int
}

// Pinger reports whether the notification transport is reachable. A nil
// pinger means the transport is log-only and is not checked.
type Pinger interface {
	IsConnected() bool
}

// Server owns the ops listener and the state sampler goroutine.
type Server struct {
	accounts AccountSource
	system   *monitoring.SystemMonitor
	nats     Pinger
	logger   zerolog.Logger
	start    time.Time

	srv    *http.Server
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(addr string, accounts AccountSource, system *monitoring.SystemMonitor, nats Pinger, logger zerolog.Logger) *Server {
	s := &Server{
		accounts: accounts,
		system:   system,
		nats:     nats,
		logger:   logger.With().Str("component", "ops").Logger(),
		start:    time.Now(),
		stopCh:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves in the background and begins the session-state sampler.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "ops.serve", nil)
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops server failed")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "ops.stateSampler", nil)
		ticker := time.NewTicker(stateSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				monitoring.UpdateSessionStates(s.accounts.StateCounts())
			}
		}
	}()
}

// Shutdown stops the listener and the sampler and waits for both.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// handleHealth reports healthy, degraded (warnings) or unhealthy (errors).
// Unhealthy answers 503 so a supervisor can restart the process.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	healthy := true
	warnings := []string{}
	errs := []string{}

	snapshot, err := s.accounts.Snapshot(r.Context())
	if err != nil {
		healthy = false
		errs = append(errs, "account store unavailable")
		s.logger.Error().Err(err).Msg("Health check failed: account snapshot")
	}

	var enabled, running, active int
	for _, st := range snapshot {
		if st.Enabled {
			enabled++
		}
		if st.Running {
			running++
		}
		if st.State == session.StateActive.String() {
			active++
		}
	}
	sessionsHealthy := true
	if enabled > 0 && running == 0 {
		healthy = false
		sessionsHealthy = false
		errs = append(errs, fmt.Sprintf("no sessions running for %d enabled accounts", enabled))
		s.logger.Error().Int("enabled", enabled).Msg("Health check failed: no sessions running")
	} else if active < running {
		warnings = append(warnings, fmt.Sprintf("%d of %d sessions not yet active", running-active, running))
	}

	natsStatus := "not configured"
	natsHealthy := true
	if s.nats != nil {
		if s.nats.IsConnected() {
			natsStatus = "connected"
		} else {
			// Notifications are best effort; a dead transport degrades
			// but does not kill the agent.
			natsStatus = "disconnected"
			natsHealthy = false
			warnings = append(warnings, "NATS connection lost, notifications are dropping")
			s.logger.Warn().Msg("Health check: NATS connection lost")
		}
	}

	m := s.system.Metrics()
	rssMB := float64(m.RSSBytes) / 1024.0 / 1024.0
	limitMB := float64(m.MemoryLimit) / 1024.0 / 1024.0
	memPercent := 0.0
	memHealthy := true
	if m.MemoryLimit > 0 {
		memPercent = float64(m.RSSBytes) / float64(m.MemoryLimit) * 100
		if m.RSSBytes > m.MemoryLimit {
			healthy = false
			memHealthy = false
			errs = append(errs, fmt.Sprintf("memory exceeds limit (%.1fMB > %.1fMB)", rssMB, limitMB))
			s.logger.Error().
				Float64("used_mb", rssMB).
				Float64("limit_mb", limitMB).
				Msg("Health check failed: memory exceeds limit")
		} else if memPercent > 90 {
			warnings = append(warnings, fmt.Sprintf("memory near limit (%.1f%%)", memPercent))
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": healthy,
		"checks": map[string]any{
			"sessions": map[string]any{
				"enabled": enabled,
				"running": running,
				"active":  active,
				"states":  s.accounts.StateCounts(),
				"healthy": sessionsHealthy,
			},
			"nats": map[string]any{
				"status":  natsStatus,
				"healthy": natsHealthy,
			},
			"memory": map[string]any{
				"rss_mb":     rssMB,
				"heap_bytes": m.HeapBytes,
				"limit_mb":   limitMB,
				"percentage": memPercent,
				"healthy":    memHealthy,
			},
			"goroutines": map[string]any{
				"current": m.Goroutines,
			},
			"cpu": map[string]any{
				"percentage": m.CPUPercent,
			},
		},
		"warnings": warnings,
		"errors":   errs,
		"uptime":   time.Since(s.start).Seconds(),
	})
}
