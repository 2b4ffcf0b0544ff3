package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/gofiber/fiber/v2"
	"github.com/goodtune/quiztime/internal/backend"
	"github.com/goodtune/quiztime/internal/carryover"
	"github.com/goodtune/quiztime/internal/storage"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current budget, carryover preview and score",
	Long:  `Query a running quiztime server for the merged budget view and the carryover the day would settle to now.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, err := apiBase()
	if err != nil {
		return err
	}

	var view backend.View
	if _, err := call(fiber.Get(base+"/v1/quota"), &view); err != nil {
		return fmt.Errorf("failed to fetch quota: %w", err)
	}

	var quote carryover.Quote
	if _, err := call(fiber.Get(base+"/v1/carryover/preview"), &quote); err != nil {
		return fmt.Errorf("failed to fetch carryover preview: %w", err)
	}

	var history carryover.History
	if _, err := call(fiber.Get(base+"/v1/carryover/ledgers"), &history); err != nil {
		return fmt.Errorf("failed to fetch ledgers: %w", err)
	}

	printStatus(view, quote, history)
	return nil
}

// statusLedgerDays is how many recent days status lists
const statusLedgerDays = 7

// recentLedgers returns the last n ledgers, newest first.
func recentLedgers(ledgers []storage.DailyLedger, n int) []storage.DailyLedger {
	if len(ledgers) > n {
		ledgers = ledgers[len(ledgers)-n:]
	}
	out := make([]storage.DailyLedger, 0, len(ledgers))
	for i := len(ledgers) - 1; i >= 0; i-- {
		out = append(out, ledgers[i])
	}
	return out
}

// printStatus prints the budget view, carryover quote and score history with colors
func printStatus(view backend.View, quote carryover.Quote, history carryover.History) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("SCREEN TIME")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	cyan.Print("Budget:     ")
	if view.OvertimeSeconds > 0 {
		red.Printf("OVERTIME %s\n", formatSeconds(view.OvertimeSeconds))
	} else {
		green.Printf("%s remaining\n", formatSeconds(view.RemainingSeconds))
	}
	fmt.Printf("Tracking:   %t\n", view.IsTracking)
	fmt.Printf("Foreground: %t\n", view.IsForeground)
	fmt.Printf("Used today: %s\n", formatSeconds(view.UsageTodaySeconds))
	fmt.Printf("Source:     %s\n", view.BudgetSource)
	fmt.Println()

	for _, b := range view.Backends {
		if b.Available {
			fmt.Printf("  %-10s ", b.Name)
			green.Print("available")
		} else {
			fmt.Printf("  %-10s ", b.Name)
			red.Print("unavailable")
		}
		fmt.Printf("  %v\n", b.Capabilities)
		if b.Error != "" {
			yellow.Printf("             %s\n", b.Error)
		}
	}
	fmt.Println()

	cyan.Print("Carryover:  ")
	switch {
	case quote.PotentialScore > 0:
		green.Printf("%+d\n", quote.PotentialScore)
	case quote.PotentialScore < 0:
		red.Printf("%+d\n", quote.PotentialScore)
	default:
		fmt.Println("0")
	}
	if quote.IsPositive {
		fmt.Printf("            → %d minute(s) left would be banked\n", quote.RemainingMinutes)
	} else {
		fmt.Printf("            → %d minute(s) over would be charged\n", quote.OvertimeMinutes)
	}

	fmt.Println()
	cyan.Print("Score:      ")
	fmt.Printf("%d\n", history.Score)
	for _, ledger := range recentLedgers(history.Ledgers, statusLedgerDays) {
		fmt.Printf("  %s  ", ledger.DateKey)
		switch {
		case !ledger.Settled:
			yellow.Printf("open (started at %d)\n", ledger.StartOfDayScore)
		case ledger.AppliedDelta < 0:
			red.Printf("%+d\n", ledger.AppliedDelta)
		default:
			green.Printf("%+d\n", ledger.AppliedDelta)
		}
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func formatSeconds(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}
