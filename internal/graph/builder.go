package graph

import (
	"log/slog"
	"slices"

	"github.com/Frandy/ros-vslam/internal/sba"
)

// Builder feeds Frame batches into an optimization graph, translating
// external caller-assigned ids to the graph's dense internal indices.
// The id maps are append-only: an internal index is never reassigned to
// a different external id for the builder's lifetime.
//
// Builder is not safe for concurrent use; callers serialize access.
type Builder struct {
	g *sba.Graph

	nodeIndex  map[uint32]int
	pointIndex map[uint32]int

	accepted uint64
	rejected uint64
}

// NewBuilder wraps an empty graph.
func NewBuilder() *Builder {
	return &Builder{
		g:          sba.NewGraph(),
		nodeIndex:  make(map[uint32]int),
		pointIndex: make(map[uint32]int),
	}
}

// Graph exposes the underlying optimization graph.
func (b *Builder) Graph() *sba.Graph { return b.g }

// Accepted returns the number of projections added so far.
func (b *Builder) Accepted() uint64 { return b.accepted }

// Rejected returns the number of projections dropped for referencing
// unknown or invalid ids.
func (b *Builder) Rejected() uint64 { return b.rejected }

// AddFrame applies one batch: nodes, then points, then projections, so
// projections may reference ids introduced by the same frame. Invalid
// projections are logged and dropped; the rest of the batch proceeds.
func (b *Builder) AddFrame(f *Frame) {
	for i := range f.Nodes {
		b.AddNode(&f.Nodes[i])
	}
	for i := range f.Points {
		b.AddPoint(&f.Points[i])
	}
	for i := range f.Projections {
		b.AddProjection(&f.Projections[i])
	}
}

// AddNode registers a camera node under its external id and returns the
// internal index. A repeated external id updates the existing node's
// pose instead of appending a duplicate.
func (b *Builder) AddNode(msg *CameraNode) int {
	trans := sba.Vec4{msg.Translation[0], msg.Translation[1], msg.Translation[2], 1}
	qrot := sba.Quat{X: msg.Rotation[0], Y: msg.Rotation[1], Z: msg.Rotation[2], W: msg.Rotation[3]}

	if idx, ok := b.nodeIndex[msg.ID]; ok {
		b.g.Nodes[idx].UpdatePose(trans, qrot)
		return idx
	}

	cam := sba.CamParams{Fx: msg.Fx, Fy: msg.Fy, Cx: msg.Cx, Cy: msg.Cy, Tx: msg.Baseline}
	idx := b.g.AddNode(trans, qrot, cam, msg.Fixed)
	b.nodeIndex[msg.ID] = idx
	return idx
}

// AddPoint registers a world point under its external id and returns the
// internal index. Repeated external ids are ignored.
func (b *Builder) AddPoint(msg *WorldPoint) int {
	if idx, ok := b.pointIndex[msg.ID]; ok {
		return idx
	}
	idx := b.g.AddPoint(sba.Vec4{msg.X, msg.Y, msg.Z, msg.W})
	b.pointIndex[msg.ID] = idx
	return idx
}

// ExportFrame snapshots the refined graph back into a Frame keyed by the
// original external ids, sorted for deterministic output. The frame
// carries poses and points only; projections are input, not state.
func (b *Builder) ExportFrame() *Frame {
	f := &Frame{}

	nodeIDs := make([]uint32, 0, len(b.nodeIndex))
	for id := range b.nodeIndex {
		nodeIDs = append(nodeIDs, id)
	}
	slices.Sort(nodeIDs)
	for _, id := range nodeIDs {
		n := b.g.Nodes[b.nodeIndex[id]]
		f.Nodes = append(f.Nodes, CameraNode{
			ID:          id,
			Translation: [3]float64{n.Trans[0], n.Trans[1], n.Trans[2]},
			Rotation:    [4]float64{n.Qrot.X, n.Qrot.Y, n.Qrot.Z, n.Qrot.W},
			Fx:          n.Cam.Fx,
			Fy:          n.Cam.Fy,
			Cx:          n.Cam.Cx,
			Cy:          n.Cam.Cy,
			Baseline:    n.Cam.Tx,
			Fixed:       n.Fixed,
		})
	}

	pointIDs := make([]uint32, 0, len(b.pointIndex))
	for id := range b.pointIndex {
		pointIDs = append(pointIDs, id)
	}
	slices.Sort(pointIDs)
	for _, id := range pointIDs {
		p := b.g.Tracks[b.pointIndex[id]].Point
		f.Points = append(f.Points, WorldPoint{ID: id, X: p[0], Y: p[1], Z: p[2], W: p[3]})
	}
	return f
}

// AddProjection resolves external ids and attaches the observation.
// Unknown ids reject the single observation without touching the graph.
func (b *Builder) AddProjection(msg *Projection) bool {
	ci, okc := b.nodeIndex[msg.CamID]
	pi, okp := b.pointIndex[msg.PointID]
	if !okc || !okp {
		slog.Warn("dropping projection with unknown external id",
			"cam_id", msg.CamID, "point_id", msg.PointID,
			"cam_known", okc, "point_known", okp)
		b.rejected++
		return false
	}
	if !b.g.AddProj(ci, pi, sba.Vec3{msg.U, msg.V, msg.D}, msg.Stereo) {
		b.rejected++
		return false
	}
	b.accepted++
	return true
}
