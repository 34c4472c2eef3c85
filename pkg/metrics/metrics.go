// Package metrics exposes sagaflow's Prometheus instruments. A Manager
// satisfies the recorder interfaces of the saga, transport, dispatch and
// api/middleware packages, so one registry carries every series.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every sagaflow series.
const Namespace = "sagaflow"

// Config selects the metrics listener and histogram layouts.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	HandleDurationBuckets   []float64
	DispatchDurationBuckets []float64
	HTTPDurationBuckets     []float64
}

// DefaultConfig mirrors the metrics section of the default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Port:                    9091,
		Path:                    "/metrics",
		HandleDurationBuckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		DispatchDurationBuckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30},
		HTTPDurationBuckets:     prometheus.DefBuckets,
	}
}

// Manager owns a private registry. A disabled Manager accepts every call
// and records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	saga      sagaInstruments
	transport transportInstruments
	http      httpInstruments
}

// NewManager registers all instruments when cfg.Enabled is set.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return NoOpManager()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Manager{
		registry:  reg,
		enabled:   true,
		saga:      newSagaInstruments(factory, cfg.HandleDurationBuckets),
		transport: newTransportInstruments(factory, cfg.DispatchDurationBuckets),
		http:      newHTTPInstruments(factory, cfg.HTTPDurationBuckets),
	}
}

// NoOpManager returns a disabled Manager.
func NoOpManager() *Manager {
	return &Manager{}
}

func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler serves the registry in the OpenMetrics format. Disabled managers
// answer 404.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves Handler on port at path until ctx is cancelled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
