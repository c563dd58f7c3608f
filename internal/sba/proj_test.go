package sba

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCam() CamParams {
	return CamParams{Fx: 500, Fy: 480, Cx: 320, Cy: 240, Tx: 0.12}
}

// predict projects pt through n and returns the left-image pixel and the
// right-image u coordinate.
func predict(n *Node, pt Vec4) (u, v, ur float64) {
	p1 := n.W2I.MulVec4(pt)
	pc := n.W2N.MulVec4(pt)
	u = p1[0] / p1[2]
	v = p1[1] / p1[2]
	ur = (n.Cam.Fx*(pc[0]-n.Cam.Tx) + n.Cam.Cx*pc[2]) / pc[2]
	return u, v, ur
}

func TestMonoResidualAtExactProjection(t *testing.T) {
	n := NewNode(Vec4{0.2, -0.1, 0.05, 1}, Quat{X: 0.02, Y: 0.03, Z: -0.01, W: 1}, testCam(), false)
	pt := Vec4{0.5, 0.3, 3, 1}
	u, v, _ := predict(n, pt)

	p := NewMonoProj(0, u, v)
	cost := p.CalcErr(n, pt)
	require.InDelta(t, 0, cost, 1e-18)
	require.InDelta(t, 0, p.ErrNorm(), 1e-10)
}

func TestStereoResidualAtExactProjection(t *testing.T) {
	n := NewNode(Vec4{-0.1, 0.2, 0, 1}, Quat{X: -0.01, Y: 0.02, Z: 0.04, W: 1}, testCam(), false)
	pt := Vec4{-0.2, 0.1, 2.5, 1}
	u, v, ur := predict(n, pt)

	p := NewStereoProj(0, u, v, ur)
	cost := p.CalcErr(n, pt)
	require.InDelta(t, 0, cost, 1e-18)
}

func TestResidualOffsetMatchesKeypointError(t *testing.T) {
	n := NewNode(Vec4{0, 0, 0, 1}, Quat{W: 1}, testCam(), false)
	pt := Vec4{0, 0, 4, 1}
	u, v, ur := predict(n, pt)

	p := NewMonoProj(0, u+3, v-4)
	cost := p.CalcErr(n, pt)
	require.InDelta(t, 25.0, cost, 1e-9)
	require.InDelta(t, 5.0, p.ErrNorm(), 1e-9)

	s := NewStereoProj(0, u, v, ur+2)
	cost = s.CalcErr(n, pt)
	require.InDelta(t, 4.0, cost, 1e-9)
	require.InDelta(t, 2.0, s.ErrNorm(), 1e-9)
}

func TestNegativeDepthZeroesResidual(t *testing.T) {
	n := NewNode(Vec4{0, 0, 0, 1}, Quat{W: 1}, testCam(), false)
	behind := Vec4{0.1, 0.2, -3, 1}

	tests := []struct {
		name string
		p    *Proj
	}{
		{"mono", NewMonoProj(0, 9999, -12345)},
		{"stereo", NewStereoProj(0, 1e6, -1e6, 42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost := tt.p.CalcErr(n, behind)
			require.Zero(t, cost)
			require.Equal(t, Vec3{}, tt.p.Err)
			require.Zero(t, tt.p.ErrNorm())
		})
	}
}

func TestStereoJacobianLeftRowsMatchMono(t *testing.T) {
	n := NewNode(Vec4{0.3, -0.2, 0.1, 1}, Quat{X: 0.05, Y: -0.03, Z: 0.02, W: 1}, testCam(), false)
	pt := Vec4{0.4, -0.6, 3.5, 1}
	u, v, ur := predict(n, pt)

	m := NewMonoProj(0, u, v)
	m.CalcErr(n, pt)
	require.NoError(t, m.SetJacobians(n, pt))

	s := NewStereoProj(0, u, v, ur)
	s.CalcErr(n, pt)
	require.NoError(t, s.SetJacobians(n, pt))

	for j := range 6 {
		require.InDelta(t, m.Jc[0][j], s.Jc[0][j], 1e-12, "camera jacobian row 0 col %d", j)
		require.InDelta(t, m.Jc[1][j], s.Jc[1][j], 1e-12, "camera jacobian row 1 col %d", j)
	}
	for j := range 3 {
		require.InDelta(t, m.Jp[0][j], s.Jp[0][j], 1e-12, "point jacobian row 0 col %d", j)
		require.InDelta(t, m.Jp[1][j], s.Jp[1][j], 1e-12, "point jacobian row 1 col %d", j)
	}
	// Mono carries no third row.
	for j := range 6 {
		require.Zero(t, m.Jc[2][j])
	}
}

// residualAt rebuilds the node from scratch and evaluates the projection
// residual, used for numeric differentiation.
func residualAt(trans Vec4, q Quat, cam CamParams, pt Vec4, stereo bool, kp Vec3) Vec3 {
	n := &Node{Trans: trans, Qrot: q, Cam: cam, dirty: true}
	n.Prepare()
	var p *Proj
	if stereo {
		p = NewStereoProj(0, kp[0], kp[1], kp[2])
	} else {
		p = NewMonoProj(0, kp[0], kp[1])
	}
	p.CalcErr(n, pt)
	return p.Err
}

// numericJacobians differentiates the residual by central differences in
// the solver's parametrization: translation directly, quaternion vector
// part through qScale with W recovered from the unit constraint.
func numericJacobians(n *Node, pt Vec4, stereo bool, kp Vec3) (jc [3][6]float64, jp [3][3]float64) {
	const eps = 1e-6
	for k := range 3 {
		tp, tm := n.Trans, n.Trans
		tp[k] += eps
		tm[k] -= eps
		rp := residualAt(tp, n.Qrot, n.Cam, pt, stereo, kp)
		rm := residualAt(tm, n.Qrot, n.Cam, pt, stereo, kp)
		for i := range 3 {
			jc[i][k] = (rp[i] - rm[i]) / (2 * eps)
		}
	}
	for k := range 3 {
		qp, qm := n.Qrot, n.Qrot
		switch k {
		case 0:
			qp.X += qScale * eps
			qm.X -= qScale * eps
		case 1:
			qp.Y += qScale * eps
			qm.Y -= qScale * eps
		case 2:
			qp.Z += qScale * eps
			qm.Z -= qScale * eps
		}
		rp := residualAt(n.Trans, renormalize(Quat{X: qp.X, Y: qp.Y, Z: qp.Z}), n.Cam, pt, stereo, kp)
		rm := residualAt(n.Trans, renormalize(Quat{X: qm.X, Y: qm.Y, Z: qm.Z}), n.Cam, pt, stereo, kp)
		for i := range 3 {
			jc[i][k+3] = (rp[i] - rm[i]) / (2 * eps)
		}
	}
	for k := range 3 {
		pp, pm := pt, pt
		pp[k] += eps
		pm[k] -= eps
		rp := residualAt(n.Trans, n.Qrot, n.Cam, pp, stereo, kp)
		rm := residualAt(n.Trans, n.Qrot, n.Cam, pm, stereo, kp)
		for i := range 3 {
			jp[i][k] = (rp[i] - rm[i]) / (2 * eps)
		}
	}
	return jc, jp
}

func requireJacobiansClose(t *testing.T, p *Proj, jc [3][6]float64, jp [3][3]float64) {
	t.Helper()
	for i := range 3 {
		for j := range 6 {
			tol := 1e-4 * math.Max(1, math.Abs(jc[i][j]))
			require.InDelta(t, jc[i][j], p.Jc[i][j], tol, "Jc(%d,%d)", i, j)
		}
		for j := range 3 {
			tol := 1e-4 * math.Max(1, math.Abs(jp[i][j]))
			require.InDelta(t, jp[i][j], p.Jp[i][j], tol, "Jp(%d,%d)", i, j)
		}
	}
}

func TestJacobiansMatchFiniteDifferences(t *testing.T) {
	cam := testCam()
	tests := []struct {
		name   string
		trans  Vec4
		q      Quat
		pt     Vec4
		stereo bool
	}{
		{"mono identity pose", Vec4{0, 0, 0, 1}, Quat{W: 1}, Vec4{0.3, -0.4, 5, 1}, false},
		{"mono rotated", Vec4{0.5, -0.3, 0.2, 1}, Quat{X: 0.1, Y: -0.05, Z: 0.08, W: 1}, Vec4{-0.7, 0.9, 4, 1}, false},
		{"stereo identity pose", Vec4{0, 0, 0, 1}, Quat{W: 1}, Vec4{0.2, 0.1, 3, 1}, true},
		{"stereo rotated", Vec4{-0.2, 0.4, -0.1, 1}, Quat{X: -0.07, Y: 0.12, Z: 0.03, W: 1}, Vec4{0.6, -0.2, 6, 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNode(tt.trans, tt.q, cam, false)
			u, v, ur := predict(n, tt.pt)
			// Offset keypoints so the residual and its gradient are nonzero.
			kp := Vec3{u + 1.5, v - 2.0, ur + 0.7}

			var p *Proj
			if tt.stereo {
				p = NewStereoProj(0, kp[0], kp[1], kp[2])
			} else {
				p = NewMonoProj(0, kp[0], kp[1])
			}
			p.CalcErr(n, tt.pt)
			require.NoError(t, p.SetJacobians(n, tt.pt))

			jc, jp := numericJacobians(n, tt.pt, tt.stereo, kp)
			requireJacobiansClose(t, p, jc, jp)
		})
	}
}

func TestHessianBlocksFromJacobians(t *testing.T) {
	n := NewNode(Vec4{0, 0, 0, 1}, Quat{W: 1}, testCam(), false)
	pt := Vec4{0.3, 0.2, 4, 1}
	u, v, _ := predict(n, pt)

	p := NewMonoProj(0, u+1, v+2)
	p.CalcErr(n, pt)
	require.NoError(t, p.SetJacobians(n, pt))

	for i := range 3 {
		for j := range 3 {
			var want float64
			for r := range 3 {
				want += p.Jp[r][i] * p.Jp[r][j]
			}
			require.InDelta(t, want, p.Hpp[i][j], 1e-12)
		}
	}
	for i := range 6 {
		var want float64
		for r := range 3 {
			want += p.Jc[r][i] * p.Err[r]
		}
		require.InDelta(t, want, p.JcTE[i], 1e-12)
	}
	for i := range 3 {
		for j := range 6 {
			var want float64
			for r := range 3 {
				want += p.Jp[r][i] * p.Jc[r][j]
			}
			require.InDelta(t, want, p.Hpc[i][j], 1e-12)
		}
	}
}
