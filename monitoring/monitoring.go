package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/decred/dcrlauncher/syncmon"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

const namespace = "dcrlauncher"

// Config is the prometheus exporter configuration.
type Config struct {
	// Listen is the address the /metrics endpoint is served on. Empty
	// disables the HTTP server; metrics are still collected.
	Listen string `long:"listen" description:"the interface and port to serve prometheus metrics on (empty disables)"`
}

// Metrics holds the launcher gauges and counters. It implements
// syncmon.Observer.
type Metrics struct {
	registry *prometheus.Registry

	syncHeight   prometheus.Gauge
	syncTarget   prometheus.Gauge
	secondsLeft  prometheus.Gauge
	syncPhase    prometheus.Gauge
	pollFailures prometheus.Counter
	running      *prometheus.GaugeVec
	walletRPC    *grpc_prometheus.ClientMetrics

	mu     sync.Mutex
	server *http.Server
}

// NewMetrics creates and registers the launcher metrics on a private
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "height",
			Help:      "Last block height reported by the daemon.",
		}),
		syncTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "target_height",
			Help:      "Block height the initial sync is heading to.",
		}),
		secondsLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "seconds_left",
			Help:      "Estimated seconds until the initial sync completes.",
		}),
		syncPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "phase",
			Help:      "Sync phase: 0 not started, 1 unestimated, 2 estimated, 3 synced.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "poll_failures_total",
			Help:      "Number of failed block height polls.",
		}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_running",
			Help:      "Whether a child process is running (1) or not (0).",
		}, []string{"process"}),
		walletRPC: grpc_prometheus.NewClientMetrics(),
	}

	m.registry.MustRegister(
		m.syncHeight, m.syncTarget, m.secondsLeft, m.syncPhase,
		m.pollFailures, m.running, m.walletRPC,
		collectors.NewGoCollector(),
	)

	return m
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WalletDialOptions returns the interceptors recording the launcher's gRPC
// calls to the wallet.
func (m *Metrics) WalletDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithUnaryInterceptor(m.walletRPC.UnaryClientInterceptor()),
		grpc.WithStreamInterceptor(m.walletRPC.StreamClientInterceptor()),
	}
}

// ObserveSync implements syncmon.Observer.
func (m *Metrics) ObserveSync(s syncmon.State) {
	m.syncHeight.Set(float64(s.CurrentHeight))
	m.syncTarget.Set(float64(s.NeededBlocks))
	m.secondsLeft.Set(float64(s.SecondsLeft))
	m.syncPhase.Set(float64(s.Phase))
}

// ObservePollFailure implements syncmon.Observer.
func (m *Metrics) ObservePollFailure() {
	m.pollFailures.Inc()
}

// SetRunning records whether the named child process is running.
func (m *Metrics) SetRunning(process string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	m.running.WithLabelValues(process).Set(v)
}

// Start serves the metrics on cfg.Listen. It is a no-op when no listen
// address is configured.
func (m *Metrics) Start(cfg *Config) error {
	if cfg == nil || cfg.Listen == "" {
		return nil
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.registry, promhttp.HandlerOpts{},
	))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	m.mu.Lock()
	m.server = srv
	m.mu.Unlock()

	go func() {
		log.Infof("Prometheus exporter listening on %s", lis.Addr())
		err := srv.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter stopped: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server if it is running.
func (m *Metrics) Stop(ctx context.Context) error {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
