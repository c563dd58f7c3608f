package graph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() *Frame {
	return &Frame{
		Nodes: []CameraNode{
			{ID: 100, Translation: [3]float64{0, 0, 0}, Rotation: [4]float64{0, 0, 0, 1},
				Fx: 500, Fy: 480, Cx: 320, Cy: 240, Baseline: 0.12, Fixed: true},
			{ID: 205, Translation: [3]float64{0.15, 0, 0}, Rotation: [4]float64{0.01, 0, 0, 1},
				Fx: 500, Fy: 480, Cx: 320, Cy: 240, Baseline: 0.12},
		},
		Points: []WorldPoint{
			{ID: 7, X: 0.2, Y: -0.1, Z: 4, W: 1},
			{ID: 19, X: -0.4, Y: 0.3, Z: 5, W: 1},
		},
		Projections: []Projection{
			{CamID: 100, PointID: 7, U: 340, V: 230},
			{CamID: 205, PointID: 7, U: 335, V: 231, D: 320, Stereo: true},
			{CamID: 100, PointID: 19, U: 290, V: 260},
		},
	}
}

func TestAddFrameBuildsGraph(t *testing.T) {
	b := NewBuilder()
	b.AddFrame(testFrame())

	g := b.Graph()
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Tracks, 2)
	require.Equal(t, 3, g.NumProjs())
	require.EqualValues(t, 3, b.Accepted())
	require.Zero(t, b.Rejected())

	require.True(t, g.Nodes[0].Fixed)
	require.False(t, g.Nodes[1].Fixed)
	require.InDelta(t, 0.15, g.Nodes[1].Trans[0], 1e-12)

	// Sparse external ids map to dense internal indices.
	require.Len(t, g.Tracks[0].Projs, 2)
	require.Len(t, g.Tracks[1].Projs, 1)
	require.True(t, g.Tracks[0].Projs[1].Stereo())
	require.False(t, g.Tracks[0].Projs[0].Stereo())
}

func TestProjectionsMayReferenceSameBatch(t *testing.T) {
	// The frame above already interleaves: projections reference nodes
	// and points introduced by the same AddFrame call.
	b := NewBuilder()
	f := testFrame()
	b.AddFrame(f)
	require.EqualValues(t, len(f.Projections), b.Accepted())
}

func TestUnknownExternalIDsAreDropped(t *testing.T) {
	b := NewBuilder()
	b.AddFrame(testFrame())

	tests := []struct {
		name string
		p    Projection
	}{
		{"unknown camera", Projection{CamID: 999, PointID: 7, U: 1, V: 2}},
		{"unknown point", Projection{CamID: 100, PointID: 999, U: 1, V: 2}},
		{"both unknown", Projection{CamID: 999, PointID: 999, U: 1, V: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := b.Graph().NumProjs()
			ok := b.AddProjection(&tt.p)
			assert.False(t, ok)
			assert.Equal(t, before, b.Graph().NumProjs())
			assert.Len(t, b.Graph().Nodes, 2)
			assert.Len(t, b.Graph().Tracks, 2)
		})
	}
	require.EqualValues(t, 3, b.Rejected())
}

func TestRepeatedExternalIDsKeepInternalIndex(t *testing.T) {
	b := NewBuilder()
	f := testFrame()
	b.AddFrame(f)

	// Re-sending a node updates its pose in place.
	idx := b.AddNode(&CameraNode{ID: 205, Translation: [3]float64{0.2, 0.1, 0}, Rotation: [4]float64{0, 0, 0, 1}})
	require.Equal(t, 1, idx)
	require.Len(t, b.Graph().Nodes, 2)
	b.Graph().Nodes[1].Prepare()
	require.InDelta(t, 0.2, b.Graph().Nodes[1].Trans[0], 1e-12)

	// Re-sending a point is a no-op.
	idx = b.AddPoint(&f.Points[0])
	require.Equal(t, 0, idx)
	require.Len(t, b.Graph().Tracks, 2)
}

func TestExportFrameKeepsExternalIDs(t *testing.T) {
	b := NewBuilder()
	b.AddFrame(testFrame())

	out := b.ExportFrame()
	require.Len(t, out.Nodes, 2)
	require.Len(t, out.Points, 2)
	assert.Empty(t, out.Projections)

	// Sorted by external id, intrinsics preserved.
	assert.Equal(t, uint32(100), out.Nodes[0].ID)
	assert.Equal(t, uint32(205), out.Nodes[1].ID)
	assert.Equal(t, 500.0, out.Nodes[1].Fx)
	assert.Equal(t, 0.12, out.Nodes[1].Baseline)
	assert.True(t, out.Nodes[0].Fixed)
	assert.Equal(t, uint32(7), out.Points[0].ID)
	assert.Equal(t, uint32(19), out.Points[1].ID)
	assert.InDelta(t, 0.2, out.Points[0].X, 1e-12)

	// Graph-side pose changes show up in the next export.
	b.Graph().Tracks[0].Point[0] = 0.5
	assert.InDelta(t, 0.5, b.ExportFrame().Points[0].X, 1e-12)
}

func TestFrameYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.yaml")
	f := testFrame()
	require.NoError(t, SaveFrame(path, f))

	got, err := LoadFrame(path)
	require.NoError(t, err)
	require.Equal(t, f, got)

	// A builder fed from the file must produce the same graph shape.
	b := NewBuilder()
	b.AddFrame(got)
	require.Len(t, b.Graph().Nodes, 2)
	require.Equal(t, 3, b.Graph().NumProjs())
}

func TestLoadFrameErrors(t *testing.T) {
	_, err := LoadFrame(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
