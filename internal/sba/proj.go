package sba

import (
	"errors"
	"math"
)

// ErrNonFinite reports a NaN or Inf produced while linearizing a
// projection. It signals degenerate geometry (camera at or behind the
// point) and aborts the surrounding computation instead of letting bad
// values reach the solver.
var ErrNonFinite = errors.New("sba: non-finite value in jacobian")

// Track is one world point together with every observation of it. The
// solver walks tracks to build each point's Hessian block from exactly
// the projections that touch it.
type Track struct {
	Point Vec4
	Projs []*Proj
}

// Proj is a single observation of one point by one camera. It computes
// the reprojection residual and the local Jacobian blocks the solver
// accumulates. The blocks are working state, rebuilt every iteration.
type Proj struct {
	// NodeIndex references the observing camera in the graph.
	NodeIndex int

	// Kp is the observed keypoint: (u, v) in the left image, and for
	// stereo observations the right-image u coordinate as third component.
	Kp Vec3

	Valid bool

	// Err is the most recent residual (predicted minus observed); the
	// third component is zero for monocular observations.
	Err Vec3

	// Jc and Jp are the residual Jacobians with respect to the camera
	// pose (translation then quaternion) and the point position. The
	// third row is zero for monocular observations.
	Jc [3][6]float64
	Jp [3][3]float64

	// Per-iteration Hessian blocks and gradients.
	Hpp  Mat3
	Hcc  [6][6]float64
	Hpc  [3][6]float64
	JcTE [6]float64
	Bp   Vec3

	// degenerate marks the last residual evaluation as behind-camera; the
	// projection then contributes neither cost nor gradient.
	degenerate bool

	model projModel
}

// projModel is the residual/Jacobian capability implemented once per
// camera model (monocular, stereo).
type projModel interface {
	residual(p *Proj, n *Node, pt Vec4) float64
	jacobians(p *Proj, n *Node, pt Vec4) error
	errNorm(p *Proj) float64
}

// NewMonoProj creates a monocular observation of camera node ci.
func NewMonoProj(ci int, u, v float64) *Proj {
	return &Proj{NodeIndex: ci, Kp: Vec3{u, v, 0}, Valid: true, model: monoModel{}}
}

// NewStereoProj creates a stereo observation of camera node ci. ur is the
// u coordinate of the keypoint in the right image.
func NewStereoProj(ci int, u, v, ur float64) *Proj {
	return &Proj{NodeIndex: ci, Kp: Vec3{u, v, ur}, Valid: true, model: stereoModel{}}
}

// Stereo reports whether p uses the stereo camera model.
func (p *Proj) Stereo() bool {
	_, ok := p.model.(stereoModel)
	return ok
}

// CalcErr computes the reprojection residual of p and returns its squared
// norm. A point at or behind the camera plane yields a zero residual and
// zero cost: the observation contributes nothing rather than exploding.
func (p *Proj) CalcErr(n *Node, pt Vec4) float64 {
	return p.model.residual(p, n, pt)
}

// SetJacobians linearizes p around the current node pose and point
// position, filling the Hessian blocks and gradients.
func (p *Proj) SetJacobians(n *Node, pt Vec4) error {
	return p.model.jacobians(p, n, pt)
}

// ErrNorm returns the Euclidean norm of the current residual: all three
// components for stereo, the first two for mono.
func (p *Proj) ErrNorm() float64 { return p.model.errNorm(p) }

type monoModel struct{}

func (monoModel) residual(p *Proj, n *Node, pt Vec4) float64 {
	p1 := n.W2I.MulVec4(pt)
	p.degenerate = p1[2] <= 0
	if p.degenerate {
		p.Err = Vec3{}
		return 0
	}
	p.Err = Vec3{p1[0]/p1[2] - p.Kp[0], p1[1]/p1[2] - p.Kp[1], 0}
	return p.Err[0]*p.Err[0] + p.Err[1]*p.Err[1]
}

func (monoModel) jacobians(p *Proj, n *Node, pt Vec4) error {
	var jc [3][6]float64
	var jp [3][3]float64

	pc := n.W2N.MulVec4(pt)
	px, py, pz := pc[0], pc[1], pc[2]
	ipz2 := 1.0 / (pz * pz)
	if math.IsInf(ipz2, 0) || math.IsNaN(ipz2) {
		return ErrNonFinite
	}
	ipz2fx := ipz2 * n.Cam.Fx
	ipz2fy := ipz2 * n.Cam.Fy

	// Quaternion derivatives use the differential rotation applied to the
	// point in translated world coordinates.
	pwt := pt.Sub3(n.Trans)
	for c, dr := range []*Mat3{&n.DRdx, &n.DRdy, &n.DRdz} {
		dp := dr.MulVec3(pwt)
		jc[0][c+3] = (pz*dp[0] - px*dp[2]) * ipz2fx * qScale
		jc[1][c+3] = (pz*dp[1] - py*dp[2]) * ipz2fy * qScale
	}
	for c := range 3 {
		dp := n.W2N.Col(c)
		// Camera translation moves the point the opposite way.
		jc[0][c] = -(pz*dp[0] - px*dp[2]) * ipz2fx
		jc[1][c] = -(pz*dp[1] - py*dp[2]) * ipz2fy
		jp[0][c] = (pz*dp[0] - px*dp[2]) * ipz2fx
		jp[1][c] = (pz*dp[1] - py*dp[2]) * ipz2fy
	}

	return p.setBlocks(&jc, &jp)
}

func (monoModel) errNorm(p *Proj) float64 {
	return math.Hypot(p.Err[0], p.Err[1])
}

type stereoModel struct{}

func (stereoModel) residual(p *Proj, n *Node, pt Vec4) float64 {
	p1 := n.W2I.MulVec4(pt)
	p.degenerate = p1[2] <= 0
	if p.degenerate {
		p.Err = Vec3{}
		return 0
	}
	// Right-image u: intrinsics applied to the camera point shifted by
	// the baseline.
	pc := n.W2N.MulVec4(pt)
	ur := (n.Cam.Fx*(pc[0]-n.Cam.Tx) + n.Cam.Cx*pc[2]) / pc[2]
	p.Err = Vec3{
		p1[0]/p1[2] - p.Kp[0],
		p1[1]/p1[2] - p.Kp[1],
		ur - p.Kp[2],
	}
	return p.Err[0]*p.Err[0] + p.Err[1]*p.Err[1] + p.Err[2]*p.Err[2]
}

func (stereoModel) jacobians(p *Proj, n *Node, pt Vec4) error {
	var jc [3][6]float64
	var jp [3][3]float64

	pc := n.W2N.MulVec4(pt)
	px, py, pz := pc[0], pc[1], pc[2]
	ipz2 := 1.0 / (pz * pz)
	if math.IsInf(ipz2, 0) || math.IsNaN(ipz2) {
		return ErrNonFinite
	}
	ipz2fx := ipz2 * n.Cam.Fx
	ipz2fy := ipz2 * n.Cam.Fy
	b := n.Cam.Tx

	pwt := pt.Sub3(n.Trans)
	for c, dr := range []*Mat3{&n.DRdx, &n.DRdy, &n.DRdz} {
		dp := dr.MulVec3(pwt)
		jc[0][c+3] = (pz*dp[0] - px*dp[2]) * ipz2fx * qScale
		jc[1][c+3] = (pz*dp[1] - py*dp[2]) * ipz2fy * qScale
		jc[2][c+3] = (pz*dp[0] - (px-b)*dp[2]) * ipz2fx * qScale
	}
	for c := range 3 {
		dp := n.W2N.Col(c)
		jc[0][c] = -(pz*dp[0] - px*dp[2]) * ipz2fx
		jc[1][c] = -(pz*dp[1] - py*dp[2]) * ipz2fy
		jc[2][c] = -(pz*dp[0] - (px-b)*dp[2]) * ipz2fx
		jp[0][c] = (pz*dp[0] - px*dp[2]) * ipz2fx
		jp[1][c] = (pz*dp[1] - py*dp[2]) * ipz2fy
		jp[2][c] = (pz*dp[0] - (px-b)*dp[2]) * ipz2fx
	}

	return p.setBlocks(&jc, &jp)
}

func (stereoModel) errNorm(p *Proj) float64 {
	return p.Err.Norm()
}

// setBlocks forms the Hessian blocks and gradients from the camera and
// point Jacobians. Monocular Jacobians carry an all-zero third row, so
// the same products serve both models.
func (p *Proj) setBlocks(jc *[3][6]float64, jp *[3][3]float64) error {
	for i := range 3 {
		for j := range 6 {
			if math.IsNaN(jc[i][j]) || math.IsInf(jc[i][j], 0) {
				return ErrNonFinite
			}
		}
		for j := range 3 {
			if math.IsNaN(jp[i][j]) || math.IsInf(jp[i][j], 0) {
				return ErrNonFinite
			}
		}
	}
	p.Jc = *jc
	p.Jp = *jp

	for i := range 3 {
		for j := range 3 {
			p.Hpp[i][j] = jp[0][i]*jp[0][j] + jp[1][i]*jp[1][j] + jp[2][i]*jp[2][j]
		}
		for j := range 6 {
			p.Hpc[i][j] = jp[0][i]*jc[0][j] + jp[1][i]*jc[1][j] + jp[2][i]*jc[2][j]
		}
		p.Bp[i] = jp[0][i]*p.Err[0] + jp[1][i]*p.Err[1] + jp[2][i]*p.Err[2]
	}
	for i := range 6 {
		for j := range 6 {
			p.Hcc[i][j] = jc[0][i]*jc[0][j] + jc[1][i]*jc[1][j] + jc[2][i]*jc[2][j]
		}
		p.JcTE[i] = jc[0][i]*p.Err[0] + jc[1][i]*p.Err[1] + jc[2][i]*p.Err[2]
	}
	return nil
}
