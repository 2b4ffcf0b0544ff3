package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Budget metrics
	RemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiztime_remaining_seconds",
			Help: "Unconsumed screen-time budget in seconds",
		},
	)

	OvertimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiztime_overtime_seconds",
			Help: "Screen time consumed beyond the budget in seconds",
		},
	)

	ConsumedSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiztime_consumed_seconds_total",
			Help: "Total seconds consumed by the timer engine",
		},
		[]string{"phase"},
	)

	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quiztime_persist_failures_total",
			Help: "Quota snapshot writes that failed",
		},
	)

	// Backend metrics
	BackendAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quiztime_backend_available",
			Help: "Whether a timer backend is available (1) or omitted (0)",
		},
		[]string{"backend"},
	)

	BackendCreditErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiztime_backend_credit_errors_total",
			Help: "Credits rejected by a backend",
		},
		[]string{"backend"},
	)

	// Reward metrics
	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiztime_credits_total",
			Help: "Reward grants by outcome",
		},
		[]string{"status"},
	)

	CreditedSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quiztime_credited_seconds_total",
			Help: "Total seconds credited through reward grants",
		},
	)

	// Carryover metrics
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiztime_settlements_total",
			Help: "Carryover settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	SettlementDelta = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quiztime_settlement_delta",
			Help:    "Score delta applied by carryover settlement",
			Buckets: []float64{-500, -200, -100, -50, -10, 0, 10, 50, 100, 200, 500},
		},
	)

	// Usage metrics
	UsageSecondsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quiztime_usage_seconds_recorded_total",
			Help: "Device usage seconds aggregated by the usage tracker",
		},
	)

	// Scheduler metrics
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiztime_job_runs_total",
			Help: "Scheduled job runs by result",
		},
		[]string{"job", "result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiztime_api_requests_total",
			Help: "Total control API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiztime_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"route"},
	)

	EventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiztime_event_streams",
			Help: "Number of connected event stream clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RemainingSeconds,
		OvertimeSeconds,
		ConsumedSeconds,
		PersistFailures,
		BackendAvailable,
		BackendCreditErrors,
		CreditsTotal,
		CreditedSeconds,
		SettlementsTotal,
		SettlementDelta,
		UsageSecondsRecorded,
		JobRunsTotal,
		APIRequestsTotal,
		APIRequestDuration,
		EventStreams,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
