package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/sym"
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the Pulse scheduler",
	Long: sym.Pulse + ` Pulse scheduler

Pulse finds due schedules, claims them so no schedule runs twice at once,
runs their steps against the record store and records each execution.

Example:
  loom pulse start          # Run the scheduler in the foreground
  loom pulse status         # Show scheduler statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd runs the scheduler without the HTTP API
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse scheduler in the foreground",
	Long: `Start the Pulse scheduler in the foreground.

The scheduler runs until interrupted (Ctrl+C). Runs in flight are cancelled:
records not yet dispatched are skipped and the execution is marked cancelled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := buildServices(ctx, "", nil)
		if err != nil {
			return err
		}
		defer svc.Close()
		stopWatch := svc.watchConfig()
		defer stopWatch()

		svc.ticker.Start()
		stats := svc.ticker.GetStats(ctx)

		fmt.Printf("%s Pulse scheduler started\n", sym.PulseOpen)
		fmt.Printf("  Tick interval:  %s\n", stats.Interval)
		fmt.Printf("  Record workers: %d\n", svc.cfg.Pulse.RecordWorkers)
		fmt.Printf("  Actions:        %d\n", len(svc.actions.Names()))
		if stats.NextRunAt != nil {
			fmt.Printf("  Next run:       %s (%s)\n", stats.NextRunAt.Local().Format("2006-01-02 15:04"), stats.NextScheduleID)
		}
		fmt.Printf("\n%s Press Ctrl+C to stop\n\n", sym.Pulse)

		<-ctx.Done()
		fmt.Printf("\n%s Stopping scheduler...\n", sym.PulseClose)
		return nil
	},
}

var pulseStatusJSON bool

// PulseStatusCmd prints scheduler statistics for the local database
var PulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := buildServices(ctx, "", nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		stats := svc.ticker.GetStats(ctx)
		if pulseStatusJSON {
			data, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		next := "-"
		if stats.NextRunAt != nil {
			next = fmt.Sprintf("%s (%s)", stats.NextRunAt.Local().Format("2006-01-02 15:04"), shortID(stats.NextScheduleID))
		}
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"Tick interval", stats.Interval},
			{"Next run", next},
			{"Memory", fmt.Sprintf("%.1f / %.1f GB (%.0f%%)", stats.System.MemoryUsedGB, stats.System.MemoryTotalGB, stats.System.MemoryPercent)},
		}).Render()
	},
}

func init() {
	PulseStatusCmd.Flags().BoolVar(&pulseStatusJSON, "json", false, "Output as JSON")
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseStatusCmd)
}
