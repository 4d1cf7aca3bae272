package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

var scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skillscan_scans_total",
	Help: "Completed user scans by outcome.",
}, []string{"user", "outcome"})

// Agent rescans the configured users on a cron schedule and exposes
// prometheus metrics. Scans run one at a time.
type Agent struct {
	cfg     AgentRunConfig
	scanner *Scanner
}

// AgentRunConfig is the slice of configuration the agent loop needs.
type AgentRunConfig struct {
	Users       []string
	CronSpec    string
	MetricsPort int
}

func NewAgent(cfg AgentRunConfig, scanner *Scanner) *Agent {
	return &Agent{cfg: cfg, scanner: scanner}
}

// Run sweeps all users once, then re-sweeps on the cron schedule until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if len(a.cfg.Users) == 0 {
		return fmt.Errorf("agent has no users configured")
	}
	slog.Info("Agent starting", "users", len(a.cfg.Users), "schedule", a.cfg.CronSpec)

	if a.cfg.MetricsPort > 0 {
		go a.serveMetrics(ctx)
	}

	a.sweep(ctx)

	if a.cfg.CronSpec != "" {
		c := cron.New()
		if _, err := c.AddFunc(a.cfg.CronSpec, func() { a.sweep(ctx) }); err != nil {
			return fmt.Errorf("bad cron spec %q: %w", a.cfg.CronSpec, err)
		}
		c.Start()
		defer c.Stop()
	}

	<-ctx.Done()
	slog.Info("Agent stopping")
	return nil
}

// sweep rescans every configured user. Rescans always force: the point of
// the agent is to refresh existing knowledge.
func (a *Agent) sweep(ctx context.Context) {
	for _, user := range a.cfg.Users {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := a.scanner.ScanUser(ctx, user, true); err != nil {
			scansTotal.WithLabelValues(user, "failed").Inc()
			slog.Error("Scheduled scan failed", "user", user, "error", err)
			continue
		}
		scansTotal.WithLabelValues(user, "completed").Inc()
		slog.Info("Scheduled scan finished", "user", user, "took", time.Since(start))
	}
}

func (a *Agent) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Metrics endpoint failed", "error", err)
	}
}
