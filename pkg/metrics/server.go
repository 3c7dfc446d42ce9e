package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadyFunc reports whether the process can serve its primary function.
type ReadyFunc func() bool

// HealthEndpoint serves liveness, readiness and Prometheus scrape endpoints.
type HealthEndpoint struct {
	gatherer prometheus.Gatherer
	ready    ReadyFunc
	started  time.Time
	logger   *zap.Logger
}

// NewHealthEndpoint creates the health handlers. A nil ready func always
// reports ready.
func NewHealthEndpoint(gatherer prometheus.Gatherer, ready ReadyFunc, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if ready == nil {
		ready = func() bool { return true }
	}

	return &HealthEndpoint{
		gatherer: gatherer,
		ready:    ready,
		started:  time.Now(),
		logger:   logger,
	}
}

// Router returns the chi router with all endpoints mounted.
func (he *HealthEndpoint) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", he.handleHealth)
	r.Get("/health/live", he.handleLiveness)
	r.Get("/health/ready", he.handleReadiness)
	r.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))

	return r
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	statusCode := http.StatusOK
	if !he.ready() {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status,
		"uptime_seconds": int64(time.Since(he.started).Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// StartServer serves the health endpoint on addr in the background.
func StartServer(addr string, he *HealthEndpoint, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           he.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
