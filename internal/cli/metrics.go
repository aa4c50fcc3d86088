package cli

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/usrlog/journal-relay/internal/pipeline"
)

// metricsServer exposes the pipeline counters over HTTP in Prometheus
// format. Because a config reload replaces the pipeline (and with it the
// counter registry), the server indirects through the currently tracked
// pipeline instead of registering collectors once.
type metricsServer struct {
	addr string
	log  *logrus.Entry

	mu  sync.Mutex
	reg *prometheus.Registry
}

func newMetricsServer(addr string, log *logrus.Entry) *metricsServer {
	return &metricsServer{
		addr: addr,
		log:  log.WithField("component", "metrics"),
	}
}

// Track points the /metrics endpoint at the given pipeline's counters.
func (m *metricsServer) Track(p *pipeline.Pipeline) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(p.Metrics().Collector())

	m.mu.Lock()
	m.reg = reg
	m.mu.Unlock()
}

func (m *metricsServer) handler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()

	if reg == nil {
		http.Error(w, "no pipeline running", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// Start serves /metrics until ctx is cancelled. Serving errors are logged,
// not fatal: metrics are an observability aid, not a delivery dependency.
func (m *metricsServer) Start(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.handler)

	srv := &http.Server{
		Addr:              m.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		m.log.Infof("metrics endpoint listening on %s", m.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Errorf("metrics server failed: %v", err)
		}
	}()
}
