package sba

import (
	"log/slog"
	"math"
)

// Graph owns the bundle adjustment problem: camera nodes, point tracks
// and their projections. It is not safe for concurrent use; callers
// serialize add operations and optimize passes externally.
type Graph struct {
	Nodes  []*Node
	Tracks []*Track

	nproj int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AddNode appends a camera node and returns its internal index.
func (g *Graph) AddNode(trans Vec4, qrot Quat, cam CamParams, fixed bool) int {
	g.Nodes = append(g.Nodes, NewNode(trans, qrot, cam, fixed))
	return len(g.Nodes) - 1
}

// AddPoint appends a new track around the homogeneous world point pt and
// returns its internal index.
func (g *Graph) AddPoint(pt Vec4) int {
	g.Tracks = append(g.Tracks, &Track{Point: pt})
	return len(g.Tracks) - 1
}

// AddProj attaches an observation of point pi by camera ci. kp holds the
// left-image keypoint (u, v) and, for stereo, the right-image u as third
// component. Out-of-range indices are logged and the observation dropped;
// the graph is left untouched.
func (g *Graph) AddProj(ci, pi int, kp Vec3, stereo bool) bool {
	if ci < 0 || ci >= len(g.Nodes) || pi < 0 || pi >= len(g.Tracks) {
		slog.Warn("rejecting projection with out-of-range index",
			"camera", ci, "point", pi,
			"nodes", len(g.Nodes), "points", len(g.Tracks))
		return false
	}
	var p *Proj
	if stereo {
		p = NewStereoProj(ci, kp[0], kp[1], kp[2])
	} else {
		p = NewMonoProj(ci, kp[0], kp[1])
	}
	g.Tracks[pi].Projs = append(g.Tracks[pi].Projs, p)
	g.nproj++
	return true
}

// NumProjs returns the number of projections in the graph.
func (g *Graph) NumProjs() int { return g.nproj }

// CalcCost returns the total squared reprojection error over all valid
// projections, refreshing stale node transforms first.
func (g *Graph) CalcCost() float64 {
	for _, n := range g.Nodes {
		n.Prepare()
	}
	var cost float64
	for _, t := range g.Tracks {
		for _, p := range t.Projs {
			if p.Valid {
				cost += p.CalcErr(g.Nodes[p.NodeIndex], t.Point)
			}
		}
	}
	return cost
}

// CalcRMSCost returns the root-mean-square reprojection error. An empty
// graph costs zero. NaN or Inf pass through so callers can detect
// divergence; use Finite to test the result.
func (g *Graph) CalcRMSCost() float64 {
	if g.nproj == 0 {
		return 0
	}
	var n int
	for _, t := range g.Tracks {
		for _, p := range t.Projs {
			if p.Valid {
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(g.CalcCost() / float64(n))
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// NodePose is one camera entry of a snapshot.
type NodePose struct {
	Trans Vec4
	Qrot  Quat
	Fixed bool
}

// Snapshot is a read-only copy of the graph state for visualization and
// downstream consumers. Taking one does not interact with optimization.
type Snapshot struct {
	Nodes  []NodePose
	Points []Vec4
}

// Snapshot copies the current node poses and point positions.
func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{
		Nodes:  make([]NodePose, len(g.Nodes)),
		Points: make([]Vec4, len(g.Tracks)),
	}
	for i, n := range g.Nodes {
		s.Nodes[i] = NodePose{Trans: n.Trans, Qrot: n.Qrot, Fixed: n.Fixed}
	}
	for i, t := range g.Tracks {
		s.Points[i] = t.Point
	}
	return s
}
