// Package api serves the local control API and event stream used by the UI
// layer and the CLI.
package api

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/goodtune/quiztime/internal/backend"
	"github.com/goodtune/quiztime/internal/carryover"
	"github.com/goodtune/quiztime/internal/reward"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/rs/zerolog"
)

// Service is the application surface the API exposes.
type Service interface {
	View() backend.View
	GrantReward(ctx context.Context, sourceID string, seconds int64) (reward.Result, error)
	GrantBonus(ctx context.Context, quizID, tier string) (reward.Result, error)
	AnswerSeconds(tier string) int64
	SetTracking(on bool) backend.View
	SetForeground(ctx context.Context, foreground bool) backend.View
	PreviewCarryover() carryover.Quote
	Settle(ctx context.Context) (*carryover.Result, error)
	History(ctx context.Context) (*carryover.History, error)
	Ledger(ctx context.Context, dateKey string) (*storage.DailyLedger, error)
	AdjustScore(ctx context.Context, delta int64) (int64, error)
	Subscribe(fn func(backend.View)) func()
	SubscribeCarryover(fn func(carryover.Quote)) func()
}

// Server is the control API HTTP server
type Server struct {
	app      *fiber.App
	addr     string
	service  Service
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)

	// closed on Stop so open event streams end
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server
func NewServer(addr string, service Service, logger zerolog.Logger) *Server {
	s := &Server{
		addr:    addr,
		service: service,
		logger:  logger.With().Str("component", "api").Logger(),
		done:    make(chan struct{}),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "quiztime",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	s.app.Use(requestID())
	s.app.Use(requestLogger(s.logger))
	s.routes()

	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	v1.Get("/quota", s.handleQuota)
	v1.Post("/rewards", s.handleGrant)
	v1.Post("/lifecycle", s.handleLifecycle)
	v1.Get("/carryover/preview", s.handlePreview)
	v1.Post("/carryover/settle", s.handleSettle)
	v1.Get("/carryover/ledgers", s.handleLedgers)
	v1.Get("/carryover/ledgers/:date", s.handleLedger)
	v1.Post("/carryover/score", s.handleAdjustScore)
	v1.Get("/events", s.handleEvents)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.app.Listener(s.listener)
		} else {
			err = s.app.Listen(s.addr)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop ends open event streams and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	s.stopOnce.Do(func() { close(s.done) })
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	if code >= fiber.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", requestIDFrom(c)).
			Str("path", c.Path()).
			Msg("Request failed")
	}

	return c.Status(code).JSON(fiber.Map{
		"error":      err.Error(),
		"request_id": requestIDFrom(c),
	})
}
