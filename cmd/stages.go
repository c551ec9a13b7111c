package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/idealista-analytics/pipeline/internal/orchestrator"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Print the resolved stage chain and command lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := resolveDefinition(cfg)
		if err != nil {
			return err
		}
		formatStages(os.Stdout, def)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stagesCmd)
}

func formatStages(w io.Writer, def orchestrator.Definition) {
	fmt.Fprintf(w, "Pipeline %s (retry delay %s)\n", def.Name, def.RetryDelay)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTAGE\tAFTER\tRETRIES\tDIR\tCOMMAND")
	for i, s := range def.Stages {
		after := s.Predecessor
		if after == "" {
			after = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", i+1, s.Name, after, s.Retries, s.Dir, s.CommandLine())
	}
	tw.Flush() //nolint:errcheck
}
