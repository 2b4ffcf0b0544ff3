package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/gofiber/fiber/v2"
	"github.com/goodtune/quiztime/internal/api"
	"github.com/goodtune/quiztime/internal/reward"
	"github.com/spf13/cobra"
)

var (
	grantSeconds    int64
	grantDifficulty string
	grantQuiz       bool
)

var grantCmd = &cobra.Command{
	Use:   "grant SOURCE_ID|QUIZ_ID",
	Short: "Credit reward time once for a source id",
	Long: `Credit reward time through a running quiztime server. A source id is
credited at most once; repeating the command reports already_granted.

Examples:
  quiztime grant question:q42 --difficulty hard
  quiztime grant goal:reading:2024-01-15 --seconds 600
  quiztime grant quiz7 --quiz --difficulty hard`,
	Args: cobra.ExactArgs(1),
	RunE: runGrant,
}

func init() {
	grantCmd.Flags().Int64Var(&grantSeconds, "seconds", 0, "Seconds to credit")
	grantCmd.Flags().StringVar(&grantDifficulty, "difficulty", "", "Size the credit as a correct answer of this difficulty")
	grantCmd.Flags().BoolVar(&grantQuiz, "quiz", false, "Treat the argument as a quiz id and credit its difficulty bonus")
	rootCmd.AddCommand(grantCmd)
}

func runGrant(cmd *cobra.Command, args []string) error {
	if grantQuiz && (grantDifficulty == "" || grantSeconds != 0) {
		return fmt.Errorf("--quiz requires --difficulty and excludes --seconds")
	}
	if grantSeconds == 0 && grantDifficulty == "" {
		return fmt.Errorf("one of --seconds or --difficulty is required")
	}

	base, err := apiBase()
	if err != nil {
		return err
	}

	req := api.GrantRequest{
		SourceID:   args[0],
		Seconds:    grantSeconds,
		Difficulty: grantDifficulty,
	}
	if grantQuiz {
		req.SourceID, req.QuizID = "", args[0]
	}

	var result reward.Result
	if _, err := call(fiber.Post(base+"/v1/rewards").JSON(req), &result); err != nil {
		return fmt.Errorf("grant failed: %w", err)
	}

	switch result.Status {
	case reward.StatusGranted:
		color.New(color.FgGreen, color.Bold).Printf("✅ Granted %ds for %s\n", result.Seconds, result.SourceID)
	case reward.StatusAlreadyGranted:
		color.New(color.FgYellow).Printf("Already granted: %s\n", result.SourceID)
	case reward.StatusPending:
		color.New(color.FgYellow, color.Bold).Printf("⚠️  Recorded %s but no backend accepted it yet; it will be retried\n", result.SourceID)
	default:
		fmt.Printf("%s: %s\n", result.SourceID, result.Status)
	}
	return nil
}
