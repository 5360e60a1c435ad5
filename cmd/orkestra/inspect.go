package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/mtzanidakis/orkestra/internal/engine"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"github.com/mtzanidakis/orkestra/internal/registry"
	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <task description>",
	Short: "Show how a description is classified",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c := engine.NewClassifier(cfg.Classifier)
		desc := strings.Join(args, " ")

		caps, err := c.Classify(desc)
		if err != nil {
			return err
		}

		scores := c.Scores(desc)
		sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CAPABILITY\tHITS\tSCORE")
		for _, s := range scores {
			if s.Hits == 0 {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%d\n", s.Capability, s.Hits, s.Score)
		}
		w.Flush()

		fmt.Printf("\nSelected: %s\n", color.CyanString(strings.Join(caps, ", ")))
		if len(caps) == 1 && caps[0] == c.Fallback() {
			fmt.Println(color.YellowString("No rule cleared the threshold, using the fallback."))
		}
		return nil
	},
}

var planFile string

var planCmd = &cobra.Command{
	Use:   "plan [task description]",
	Short: "Print the workflow a task would run, without running it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := planner.New(cfg.Planner.Phases, cfg.Planner.Sequential)
		if err != nil {
			return err
		}

		var plan *planner.Plan
		if planFile != "" {
			data, err := os.ReadFile(planFile)
			if err != nil {
				return fmt.Errorf("read workflow file: %w", err)
			}
			def, err := planner.ParseDefinition(data)
			if err != nil {
				return err
			}
			if plan, err = p.PlanCustom(def); err != nil {
				return err
			}
		} else {
			if len(args) == 0 {
				return fmt.Errorf("a task description or --file is required")
			}
			desc := strings.Join(args, " ")
			caps, err := engine.NewClassifier(cfg.Classifier).Classify(desc)
			if err != nil {
				return err
			}
			if plan, err = p.Plan(desc, caps, models.PriorityMedium); err != nil {
				return err
			}
		}

		printPlan(os.Stdout, plan)
		return nil
	},
}

func init() {
	planCmd.Flags().StringVarP(&planFile, "file", "f", "", "workflow definition file (YAML or JSON)")
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the configured agent catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCAPABILITIES\tCAPACITY\tMODEL")
		for _, a := range registry.FromDefinitions(cfg.Agents) {
			model := a.Persona.Model
			if model == "" {
				model = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.ID, strings.Join(a.Capabilities, ","), a.Capacity, model)
		}
		return w.Flush()
	},
}

func printPlan(out io.Writer, plan *planner.Plan) {
	byID := make(map[string]*models.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}
	bold := color.New(color.Bold)

	fmt.Fprintf(out, "%s %s\n", bold.Sprint("Workflow:"), plan.Workflow.Description)
	for i, ph := range plan.Workflow.Phases {
		if len(ph.TaskIDs) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s\n", bold.Sprintf("%d. %s", i+1, ph.Name))
		for _, id := range ph.TaskIDs {
			t := byID[id]
			fmt.Fprintf(out, "   - %s [%s]", t.Title, color.CyanString(t.Capability))
			if len(t.DependsOn) > 0 {
				deps := make([]string, 0, len(t.DependsOn))
				for _, d := range t.DependsOn {
					if dt, ok := byID[d]; ok && dt.Phase == t.Phase {
						deps = append(deps, dt.Title)
					}
				}
				if len(deps) > 0 {
					fmt.Fprintf(out, " after %s", strings.Join(deps, ", "))
				}
			}
			fmt.Fprintln(out)
		}
	}
}

func printTasks(out io.Writer, tasks []models.Task) {
	for _, t := range tasks {
		line := fmt.Sprintf("  %-10s %s", t.State, t.Title)
		if t.ErrorKind != "" {
			line += fmt.Sprintf(" (%s)", t.ErrorKind)
		}
		fmt.Fprintln(out, stateColor(string(t.State)).Sprint(line))
	}
}

// stateColor picks a colour for a task or workflow state.
func stateColor(state string) *color.Color {
	switch state {
	case "completed":
		return color.New(color.FgGreen)
	case "failed", "partially_failed":
		return color.New(color.FgRed)
	case "cancelled":
		return color.New(color.FgYellow)
	case "running", "in_progress", "assigned":
		return color.New(color.FgCyan)
	}
	return color.New(color.Reset)
}
