package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/goodtune/quiztime/internal/reward"
	"github.com/goodtune/quiztime/internal/storage"
)

// GrantRequest is the body of POST /v1/rewards. Seconds wins over
// Difficulty when both are set. QuizID with Difficulty grants the quiz
// completion bonus instead and excludes SourceID.
type GrantRequest struct {
	SourceID   string `json:"source_id,omitempty"`
	QuizID     string `json:"quiz_id,omitempty"`
	Seconds    int64  `json:"seconds,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// ScoreRequest is the body of POST /v1/carryover/score.
type ScoreRequest struct {
	Delta int64 `json:"delta"`
}

// LifecycleRequest is the body of POST /v1/lifecycle.
type LifecycleRequest struct {
	Tracking   *bool `json:"tracking,omitempty"`
	Foreground *bool `json:"foreground,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleQuota(c *fiber.Ctx) error {
	return c.JSON(s.service.View())
}

func (s *Server) handleGrant(c *fiber.Ctx) error {
	var req GrantRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	req.SourceID = strings.TrimSpace(req.SourceID)
	req.QuizID = strings.TrimSpace(req.QuizID)

	var result reward.Result
	var err error
	switch {
	case req.QuizID != "":
		if req.SourceID != "" || req.Seconds != 0 {
			return fiber.NewError(fiber.StatusBadRequest, "quiz_id excludes source_id and seconds")
		}
		if req.Difficulty == "" {
			return fiber.NewError(fiber.StatusBadRequest, "difficulty is required with quiz_id")
		}
		result, err = s.service.GrantBonus(c.UserContext(), req.QuizID, req.Difficulty)
	default:
		seconds := req.Seconds
		if seconds == 0 && req.Difficulty != "" {
			seconds = s.service.AnswerSeconds(req.Difficulty)
		}
		result, err = s.service.GrantReward(c.UserContext(), req.SourceID, seconds)
	}
	if errors.Is(err, reward.ErrInvalidGrant) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if result.Status == reward.StatusPending {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(result)
}

func (s *Server) handleLifecycle(c *fiber.Ctx) error {
	var req LifecycleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Tracking == nil && req.Foreground == nil {
		return fiber.NewError(fiber.StatusBadRequest, "tracking or foreground is required")
	}

	view := s.service.View()
	if req.Tracking != nil {
		view = s.service.SetTracking(*req.Tracking)
	}
	if req.Foreground != nil {
		view = s.service.SetForeground(c.UserContext(), *req.Foreground)
	}
	return c.JSON(view)
}

func (s *Server) handlePreview(c *fiber.Ctx) error {
	return c.JSON(s.service.PreviewCarryover())
}

func (s *Server) handleSettle(c *fiber.Ctx) error {
	result, err := s.service.Settle(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) handleLedgers(c *fiber.Ctx) error {
	history, err := s.service.History(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(history)
}

func (s *Server) handleLedger(c *fiber.Ctx) error {
	ledger, err := s.service.Ledger(c.UserContext(), c.Params("date"))
	if errors.Is(err, storage.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "no ledger for "+c.Params("date"))
	}
	if err != nil {
		return err
	}
	return c.JSON(ledger)
}

func (s *Server) handleAdjustScore(c *fiber.Ctx) error {
	var req ScoreRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Delta == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "delta is required")
	}

	score, err := s.service.AdjustScore(c.UserContext(), req.Delta)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"score": score})
}
