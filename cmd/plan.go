package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
	"github.com/spf13/cobra"
)

// planView is the JSON shape of `tracks plan --json`.
type planView struct {
	ID       string      `json:"id"`
	Prompt   string      `json:"prompt,omitempty"`
	Tracks   []trackView `json:"tracks"`
	Groups   [][]string  `json:"groups"`
	Order    []string    `json:"order"`
	Warnings []string    `json:"warnings,omitempty"`
}

type trackView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
	Files     []string `json:"files,omitempty"`
	Group     int      `json:"group"`
	Branch    string   `json:"branch"`
}

func NewPlanCmd() *cobra.Command {
	var mermaid bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "plan <tasks.yml>",
		Short: "Validate a task file and show its dependency graph and parallel groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := orchestration.LoadPlan(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case mermaid:
				fmt.Fprint(out, plan.Graph.ToMermaid(plan.Statuses()))
				return nil
			case jsonOutput:
				return writePlanJSON(out, plan)
			default:
				printPlan(out, plan)
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&mermaid, "mermaid", false, "Render the dependency graph as a Mermaid flowchart")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the plan in JSON format")
	cmd.MarkFlagsMutuallyExclusive("mermaid", "json")

	return cmd
}

func newPlanView(plan *orchestration.Plan) (planView, error) {
	order, err := plan.Graph.TopologicalOrder()
	if err != nil {
		return planView{}, err
	}
	view := planView{
		ID:       plan.ID,
		Prompt:   plan.Prompt,
		Groups:   plan.Groups,
		Order:    order,
		Warnings: plan.Warnings,
	}
	for _, t := range plan.Tracks {
		view.Tracks = append(view.Tracks, trackView{
			ID:        t.ID,
			Name:      t.Name,
			DependsOn: t.DependsOn,
			Files:     t.Files,
			Group:     plan.GroupIndex(t.ID),
			Branch:    t.Branch(),
		})
	}
	return view, nil
}

func writePlanJSON(w io.Writer, plan *orchestration.Plan) error {
	view, err := newPlanView(plan)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan to JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printPlan(w io.Writer, plan *orchestration.Plan) {
	fmt.Fprintf(w, "Plan %s: %d tracks in %d groups\n", color.CyanString(plan.ID), len(plan.Tracks), len(plan.Groups))
	if plan.Prompt != "" {
		fmt.Fprintf(w, "Prompt: %s\n", plan.Prompt)
	}
	for i, group := range plan.Groups {
		fmt.Fprintf(w, "\n%s\n", color.New(color.Bold).Sprintf("Group %d", i+1))
		for _, id := range group {
			t, _ := plan.Track(id)
			line := fmt.Sprintf("  %s %s", color.CyanString(id), t.Name)
			if len(t.DependsOn) > 0 {
				line += color.HiBlackString(" (after %s)", strings.Join(t.DependsOn, ", "))
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(plan.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, warning := range plan.Warnings {
			fmt.Fprintf(w, "%s %s\n", color.YellowString("!"), warning)
		}
	}
}
