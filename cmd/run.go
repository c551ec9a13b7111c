package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idealista-analytics/pipeline/internal/model"
)

var runTrigger string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline once",
	Long:  "Runs extraction followed by the dbt base, staging, intermediate and mart layers and the dbt tests. Refuses to start while another run is active.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		def, err := resolveDefinition(cfg)
		if err != nil {
			return err
		}

		run, err := newOrchestrator(def, st, nil).Run(ctx, runTrigger)
		if run != nil {
			formatRunSummary(os.Stdout, run)
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runTrigger, "trigger", "manual", "label recorded as the run trigger")
	rootCmd.AddCommand(runCmd)
}

func formatRunSummary(w io.Writer, run *model.Run) {
	fmt.Fprintf(w, "Run %s: %s (%s)\n", run.ID, run.Status, run.Duration().Round(time.Millisecond))
	for _, s := range run.Stages {
		fmt.Fprintf(w, "  %-24s %-10s attempts=%d exit=%d\n", s.Name, s.Status, s.Attempts, s.ExitCode)
	}
	if run.Status == model.RunStatusFailed {
		fmt.Fprintf(w, "Failed at %s with exit code %d\n", run.FailedStage, run.ExitCode)
	}
}
