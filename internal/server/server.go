package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Frandy/ros-vslam/internal/config"
	"github.com/Frandy/ros-vslam/internal/graph"
	"github.com/Frandy/ros-vslam/internal/sba"
)

// Server exposes an optimization graph over HTTP: frame batches in,
// snapshots and cost out, plus an explicit optimize trigger. A mutex
// serializes every graph access; the solver itself assumes a single
// writer.
type Server struct {
	cfg config.ServerConfig
	sol config.SolverConfig

	mu      sync.Mutex
	builder *graph.Builder

	httpServer *http.Server
}

// New creates a server around an empty graph.
func New(cfg *config.Config) *Server {
	return &Server{
		cfg:     cfg.Server,
		sol:     cfg.Solver,
		builder: graph.NewBuilder(),
	}
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/frame", s.handleFrame)
	mux.HandleFunc("POST /v1/optimize", s.handleOptimize)
	mux.HandleFunc("GET /v1/graph", s.handleGraph)
	mux.HandleFunc("GET /v1/cost", s.handleCost)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return loggingMiddleware(mux)
}

// Run serves HTTP and the periodic refinement trigger until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("vslam server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stopTrigger := make(chan struct{})
	var wg sync.WaitGroup
	if s.cfg.OptimizeIntervalSec > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.periodicOptimize(stopTrigger)
		}()
	}

	select {
	case err := <-errCh:
		close(stopTrigger)
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	close(stopTrigger)
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// periodicOptimize runs a refinement pass at a fixed cadence, the way
// the external scheduler contract describes it. A pass in flight
// finishes its current iteration before shutdown is observed.
func (s *Server) periodicOptimize(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(s.cfg.OptimizeIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runOptimize(s.sol.Iterations, s.sol.Tolerance)
		}
	}
}

// runOptimize executes one refinement pass under the graph lock and
// records its outcome. A graph without nodes is skipped.
func (s *Server) runOptimize(iters int, tol float64) (sba.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.builder.Graph()
	if len(g.Nodes) == 0 {
		return sba.Outcome{}, false
	}

	cost := g.CalcRMSCost()
	if !sba.Finite(cost) {
		slog.Warn("skipping optimization, cost is not finite")
		optimizeRuns.WithLabelValues(sba.Diverged.String()).Inc()
		return sba.Outcome{InitialRMS: cost, FinalRMS: cost, Term: sba.Diverged}, true
	}

	opts := sba.OptimizeOptions{Tolerance: tol, Lambda: s.sol.Lambda, Workers: s.sol.Workers}
	start := time.Now()
	out, err := g.Optimize(iters, opts)
	if err != nil {
		slog.Error("optimize failed", "err", err)
		return sba.Outcome{}, false
	}

	optimizeDuration.Observe(time.Since(start).Seconds())
	optimizeRuns.WithLabelValues(out.Term.String()).Inc()
	if sba.Finite(out.FinalRMS) {
		rmsCost.Set(out.FinalRMS)
	}
	slog.Info("optimization pass",
		"nodes", len(g.Nodes), "points", len(g.Tracks), "projections", g.NumProjs(),
		"iterations", out.Iterations, "rms", out.FinalRMS, "termination", out.Term.String())
	return out, true
}

func (s *Server) updateGraphMetrics() {
	g := s.builder.Graph()
	graphNodes.Set(float64(len(g.Nodes)))
	graphPoints.Set(float64(len(g.Tracks)))
	graphProjections.Set(float64(g.NumProjs()))
}
