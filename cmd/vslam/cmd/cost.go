package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Frandy/ros-vslam/internal/graph"
	"github.com/Frandy/ros-vslam/internal/sba"
)

// costCmd represents the cost command.
var costCmd = &cobra.Command{
	Use:   "cost <graph.yaml>",
	Short: "Report the reprojection cost of a graph file",
	Long: `Load a frame file and report its RMS reprojection error without
modifying anything. Useful for checking a graph before and after
refinement.

Examples:
  vslam cost graph.yaml
  vslam cost refined.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := graph.LoadFrame(args[0])
		if err != nil {
			return fmt.Errorf("failed to load graph: %w", err)
		}

		b := graph.NewBuilder()
		b.AddFrame(f)
		g := b.Graph()

		rms := g.CalcRMSCost()
		report := costReport{
			Nodes:       len(g.Nodes),
			Points:      len(g.Tracks),
			Projections: g.NumProjs(),
			Rejected:    b.Rejected(),
			Finite:      sba.Finite(rms),
		}
		if report.Finite {
			report.RMS = rms
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

type costReport struct {
	Nodes       int     `json:"nodes"`
	Points      int     `json:"points"`
	Projections int     `json:"projections"`
	Rejected    uint64  `json:"rejected"`
	RMS         float64 `json:"rms"`
	Finite      bool    `json:"finite"`
}

func init() {
	rootCmd.AddCommand(costCmd)
}
