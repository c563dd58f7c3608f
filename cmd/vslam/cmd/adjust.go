package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Frandy/ros-vslam/internal/graph"
	"github.com/Frandy/ros-vslam/internal/sba"
)

// adjustCmd represents the adjust command.
var adjustCmd = &cobra.Command{
	Use:   "adjust <graph.yaml>",
	Short: "Refine camera poses and points in a graph file",
	Long: `Load a frame file describing camera nodes, world points and their
projections, run sparse bundle adjustment, and report the outcome as
JSON on stdout.

With --output the refined poses and points are written back out as a
frame file keyed by the original ids.

Examples:
  vslam adjust graph.yaml
  vslam adjust graph.yaml --iterations 50 --tolerance 1e-9
  vslam adjust graph.yaml --output refined.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()

		iterations := cfg.Solver.Iterations
		if cmd.Flags().Changed("iterations") {
			iterations, _ = cmd.Flags().GetInt("iterations")
		}
		tolerance := cfg.Solver.Tolerance
		if cmd.Flags().Changed("tolerance") {
			tolerance, _ = cmd.Flags().GetFloat64("tolerance")
		}
		lambda := cfg.Solver.Lambda
		if cmd.Flags().Changed("lambda") {
			lambda, _ = cmd.Flags().GetFloat64("lambda")
		}
		workers := cfg.Solver.Workers
		if cmd.Flags().Changed("workers") {
			workers, _ = cmd.Flags().GetInt("workers")
		}
		output, _ := cmd.Flags().GetString("output")

		f, err := graph.LoadFrame(args[0])
		if err != nil {
			return fmt.Errorf("failed to load graph: %w", err)
		}

		b := graph.NewBuilder()
		b.AddFrame(f)

		opts := sba.OptimizeOptions{Tolerance: tolerance, Lambda: lambda, Workers: workers}
		out, err := b.Graph().Optimize(iterations, opts)
		if err != nil {
			return fmt.Errorf("optimization failed: %w", err)
		}

		if output != "" {
			if err := graph.SaveFrame(output, b.ExportFrame()); err != nil {
				return fmt.Errorf("failed to write refined graph: %w", err)
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(adjustReport{
			Nodes:       len(b.Graph().Nodes),
			Points:      len(b.Graph().Tracks),
			Projections: b.Graph().NumProjs(),
			Rejected:    b.Rejected(),
			Outcome:     sanitizeOutcome(out),
		})
	},
}

type adjustReport struct {
	Nodes       int           `json:"nodes"`
	Points      int           `json:"points"`
	Projections int           `json:"projections"`
	Rejected    uint64        `json:"rejected"`
	Outcome     outcomeReport `json:"outcome"`
}

type outcomeReport struct {
	Iterations  int     `json:"iterations"`
	InitialRMS  float64 `json:"initial_rms"`
	FinalRMS    float64 `json:"final_rms"`
	Termination string  `json:"termination"`
	Finite      bool    `json:"finite"`
}

// sanitizeOutcome flattens a solver outcome into JSON-safe numbers;
// encoding/json cannot carry NaN or Inf.
func sanitizeOutcome(out sba.Outcome) outcomeReport {
	r := outcomeReport{
		Iterations:  out.Iterations,
		Termination: out.Term.String(),
		Finite:      sba.Finite(out.InitialRMS) && sba.Finite(out.FinalRMS),
	}
	if sba.Finite(out.InitialRMS) {
		r.InitialRMS = out.InitialRMS
	}
	if sba.Finite(out.FinalRMS) {
		r.FinalRMS = out.FinalRMS
	}
	return r
}

func init() {
	rootCmd.AddCommand(adjustCmd)
	adjustCmd.Flags().IntP("iterations", "n", 10, "maximum solver iterations")
	adjustCmd.Flags().Float64("tolerance", 1e-4, "relative cost decrease below which the solver stops")
	adjustCmd.Flags().Float64("lambda", 1e-4, "initial Levenberg-Marquardt damping")
	adjustCmd.Flags().Int("workers", 0, "evaluation goroutines (0 = GOMAXPROCS)")
	adjustCmd.Flags().StringP("output", "o", "", "write refined graph to this file")
}
