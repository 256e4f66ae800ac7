package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/darkfactory/internal/complexity"
	"github.com/roach88/darkfactory/internal/contextstore"
	"github.com/roach88/darkfactory/internal/workflow"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Workflow string
	Spec     string
}

type planView struct {
	Workflow              string             `json:"workflow"`
	Version               string             `json:"version"`
	Goal                  string             `json:"goal"`
	Spec                  string             `json:"spec,omitempty"`
	SpecTokens            int                `json:"specTokens,omitempty"`
	Depth                 complexity.Depth   `json:"depth"`
	Parallelism           int                `json:"parallelism"`
	Metrics               complexity.Metrics `json:"metrics"`
	SatisfactionThreshold float64            `json:"satisfactionThreshold"`
	Movements             []planStep         `json:"movements"`
}

type planStep struct {
	Position  int           `json:"position"`
	Name      string        `json:"name"`
	Persona   string        `json:"persona"`
	Role      workflow.Role `json:"role"`
	DependsOn []string      `json:"dependsOn"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan for a workflow",
		Long: `Parse and validate a workflow, select the orchestration depth and print
the order in which movements will be dispatched.

Example:
  darkfactory plan --workflow feature.yaml
  darkfactory plan --workflow feature.cue --depth two-tier --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Workflow, "workflow", "", "workflow document (.yaml or .cue)")
	cmd.Flags().StringVar(&opts.Spec, "spec", "", "task specification shared with every worker")
	cmd.Flags().String("depth", "", "orchestration depth: auto|single|two-tier|full")

	return cmd
}

func runPlan(cmd *cobra.Command, opts *PlanOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	plan, err := loadPlan(opts.Workflow)
	if err != nil {
		return err
	}
	spec, err := readSpec(opts.Spec)
	if err != nil {
		return err
	}
	src, err := inspectSource(cfg.Workspace.SourceRepo, cfg.Metrics)
	if err != nil {
		return WrapExitError(ExitRuntime, "inspect source", err)
	}
	depth, err := complexity.Resolve(cfg.Depth, src.Metrics)
	if err != nil {
		return WrapExitError(ExitUsage, "select depth", err)
	}

	view := buildPlanView(plan, depth, complexity.Parallelism(depth, cfg.Parallelism), src.Metrics)
	if spec != "" {
		view.Spec = opts.Spec
		view.SpecTokens = contextstore.EstimateTokens(spec)
	}
	return opts.formatter(cmd).Success(view, func(w io.Writer) error {
		return writePlan(w, view)
	})
}

func buildPlanView(plan *workflow.Plan, depth complexity.Depth, parallelism int, m complexity.Metrics) planView {
	view := planView{
		Workflow:              plan.Piece.Name,
		Version:               plan.Piece.Version,
		Goal:                  plan.Piece.Goal,
		Depth:                 depth,
		Parallelism:           parallelism,
		Metrics:               m,
		SatisfactionThreshold: plan.Piece.Rules.SatisfactionThreshold,
	}
	for i, name := range plan.Order {
		mv, _ := plan.Movement(name)
		persona, _ := plan.Persona(mv.AssignedTo)
		deps := plan.Dependencies(name)
		if deps == nil {
			deps = []string{}
		}
		view.Movements = append(view.Movements, planStep{
			Position:  i + 1,
			Name:      name,
			Persona:   persona.Name,
			Role:      persona.Role,
			DependsOn: deps,
		})
	}
	return view
}

func writePlan(w io.Writer, v planView) error {
	fmt.Fprintf(w, "workflow: %s (%s)\n", v.Workflow, v.Version)
	fmt.Fprintf(w, "goal: %s\n", v.Goal)
	if v.Spec != "" {
		fmt.Fprintf(w, "spec: %s (~%d tokens)\n", v.Spec, v.SpecTokens)
	}
	fmt.Fprintf(w, "depth: %s (parallelism %d)\n", v.Depth, v.Parallelism)
	fmt.Fprintf(w, "satisfaction threshold: %.2f\n", v.SatisfactionThreshold)

	tw := newTable("#", "MOVEMENT", "PERSONA", "ROLE", "DEPENDS ON")
	for _, s := range v.Movements {
		tw.AppendRow([]any{s.Position, s.Name, s.Persona, s.Role, strings.Join(s.DependsOn, ", ")})
	}
	return renderTable(w, tw)
}
