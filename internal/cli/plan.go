package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ak3tsm7/sweep-render-queue/internal/api"
	"github.com/ak3tsm7/sweep-render-queue/internal/orchestrator"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Axes   []string
	Filter []string
	Output string
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <base.json|->",
		Short: "Expand a base document into a sweep plan",
		Long: `Expand a base JSON document over one or more axes.

Each --axis is [id:]path=values, where values is a list ("25,35,45"), a
linear range ("20-40:5") or a distribution ("log:1-100:5").

Example:
  sweepctl plan base.json --axis x:camera.fov=20-60:5 --axis y:lighting.intensity=0.5,1,2 -o plan.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Axes, "axis", nil, "sweep axis [id:]path=values (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Filter, "filter", nil, "keep variants with axis id=value (repeatable)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the plan JSON to this file")

	return cmd
}

// ParseAxis parses "[id:]path=values".
func ParseAxis(s string) (orchestrator.AxisInput, error) {
	lhs, values, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(values) == "" {
		return orchestrator.AxisInput{}, fmt.Errorf("invalid axis %q: want [id:]path=values", s)
	}
	var in orchestrator.AxisInput
	if id, path, found := strings.Cut(lhs, ":"); found {
		in.ID, in.Path = strings.TrimSpace(id), strings.TrimSpace(path)
	} else {
		in.Path = strings.TrimSpace(lhs)
	}
	raw, err := json.Marshal(strings.TrimSpace(values))
	if err != nil {
		return orchestrator.AxisInput{}, err
	}
	in.Values = raw
	return in, nil
}

func runPlan(opts *PlanOptions, basePath string, cmd *cobra.Command) error {
	base, err := readInput(basePath, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read base document: %w", err)
	}

	req := api.PlanSweepRequest{Base: base}
	for _, a := range opts.Axes {
		in, err := ParseAxis(a)
		if err != nil {
			return err
		}
		req.Axes = append(req.Axes, in)
	}
	if len(opts.Filter) > 0 {
		req.Filter = make(map[string]json.Number, len(opts.Filter))
		for _, f := range opts.Filter {
			id, v, ok := strings.Cut(f, "=")
			if !ok {
				return fmt.Errorf("invalid filter %q: want id=value", f)
			}
			req.Filter[id] = json.Number(v)
		}
	}

	plan, err := opts.client().PlanSweep(cmd.Context(), req)
	if err != nil {
		return err
	}

	if opts.Output != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
	}

	return opts.printer(cmd.OutOrStdout()).emit(plan, func(w io.Writer) {
		ids := make([]string, 0, len(plan.AxisValues))
		for id := range plan.AxisValues {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "axis %s: %v\n", id, plan.AxisValues[id])
		}
		for i, e := range plan.Plan {
			deltas, _ := json.Marshal(e.Deltas)
			fmt.Fprintf(w, "%4d  %s\n", i, deltas)
		}
		fmt.Fprintf(w, "%d variants\n", plan.Count)
	})
}
