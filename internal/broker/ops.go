package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Health is the /healthz response body.
type Health struct {
	Status               string  `json:"status"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	Producers            int     `json:"producers"`
	Consumers            int     `json:"consumers"`
	QueuedClarifications int     `json:"queued_clarifications"`
	MemoryMB             float64 `json:"memory_mb"`
}

// runOps serves the optional operations listener: Prometheus metrics on
// /metrics and a health snapshot on /healthz. Routing never depends on it;
// per-request failures only surface in the HTTP responses.
func (s *Service) runOps(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address %s: %w", s.cfg.MetricsAddr, err)
	}
	s.opsAddr.Store(listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", listener.Addr().String()).Msg("operations listener up")

	done := make(chan error, 1)
	go func() { done <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-done:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("operations listener failed: %w", err)
		}
		return nil
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	producers, consumers := s.registry.Counts()
	health := Health{
		Status:               "ok",
		UptimeSeconds:        time.Since(s.started).Seconds(),
		Producers:            producers,
		Consumers:            consumers,
		QueuedClarifications: s.router.QueuedClarifications(),
		MemoryMB:             processRSSMB(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.log.Debug().Err(err).Msg("health encode failed")
	}
}

// processRSSMB reads the broker's resident set size. Zero when the platform
// lookup fails; the health endpoint stays usable without it.
func processRSSMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(memInfo.RSS) / 1024 / 1024
}
