package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/mattsolo1/grove-tracks/pkg/journal"
	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
	"github.com/mattsolo1/grove-tracks/pkg/state"
	"github.com/spf13/cobra"
)

// statusView is the JSON shape of `tracks status --json`.
type statusView struct {
	Run     *journal.RunRecord           `json:"run"`
	Results []*orchestration.TrackResult `json:"results"`
}

func NewStatusCmd() *cobra.Command {
	var jsonOutput bool
	var list bool
	var repo string

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the recorded outcome of a run (default: the most recent)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			root, err := state.FindRoot(repo)
			if err != nil {
				return err
			}

			j, err := journal.Open(journal.Config{Path: resolvePath(root, cfg.Journal.Path)})
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			if list {
				return printRuns(out, j)
			}

			runID := ""
			if len(args) == 1 {
				runID = args[0]
			} else {
				runID, err = state.LastRunID(root)
				if err != nil {
					return err
				}
				if runID == "" {
					return errors.New("no runs recorded yet; pass a run ID or execute `tracks run` first")
				}
			}

			record, results, err := j.Run(runID)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(statusView{Run: record, Results: results}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status to JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			printRunStatus(out, record, results)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status in JSON format")
	cmd.Flags().BoolVar(&list, "list", false, "List every recorded run")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository root (default: discovered from the working directory)")

	return cmd
}

func printRuns(w io.Writer, j *journal.Journal) error {
	runs, err := j.Runs()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, r := range runs {
		mark := color.GreenString("✓")
		if r.Failed > 0 {
			mark = color.RedString("✗")
		}
		fmt.Fprintf(w, "%s %s  %s  %d completed, %d failed  %s\n",
			mark, color.CyanString(r.RunID), r.StartedAt.Local().Format(time.DateTime),
			r.Completed, r.Failed, r.TaskFile)
	}
	return nil
}

func printRunStatus(w io.Writer, record *journal.RunRecord, results []*orchestration.TrackResult) {
	fmt.Fprintf(w, "Run %s (plan %s)\n", color.CyanString(record.RunID), record.PlanID)
	if record.TaskFile != "" {
		fmt.Fprintf(w, "Task file: %s\n", record.TaskFile)
	}
	fmt.Fprintf(w, "Started:   %s (took %s)\n\n", record.StartedAt.Local().Format(time.DateTime), record.Duration.Round(time.Millisecond))

	for _, res := range results {
		fmt.Fprintln(w, formatResult(res))
	}

	summary := fmt.Sprintf("%d completed, %d merged, %d failed", record.Completed, record.Merged, record.Failed)
	if record.Failed == 0 {
		fmt.Fprintf(w, "\n%s %s\n", color.GreenString("✓"), summary)
	} else {
		fmt.Fprintf(w, "\n%s %s\n", color.RedString("✗"), summary)
	}
}
