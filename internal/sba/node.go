package sba

import "math"

// qScale matches the numerical magnitude of quaternion derivatives to the
// translational ones; pose updates apply quaternion increments through the
// same factor so the two stay consistent.
const qScale = 0.5

// CamParams holds pinhole camera intrinsics. Tx is the stereo baseline in
// meters; zero for monocular cameras.
type CamParams struct {
	Fx, Fy float64
	Cx, Cy float64
	Tx     float64
}

// Node is one camera frame in the optimization graph: a pose (translation
// plus unit quaternion), intrinsics, and the transforms derived from them.
// Derived matrices are recomputed lazily after a pose change.
type Node struct {
	Trans Vec4
	Qrot  Quat
	Cam   CamParams

	// Fixed nodes anchor the coordinate frame: they contribute residuals
	// but their pose is never updated by the solver.
	Fixed bool

	// W2N transforms homogeneous world points to camera coordinates,
	// W2I to image coordinates (intrinsics composed with extrinsics).
	W2N Mat34
	W2I Mat34

	// DRdx, DRdy, DRdz are d(R^T)/dq for the three quaternion parameters,
	// used by every projection referencing this node.
	DRdx, DRdy, DRdz Mat3

	dirty bool
}

// NewNode builds a node with its derived transforms ready for use.
func NewNode(trans Vec4, qrot Quat, cam CamParams, fixed bool) *Node {
	n := &Node{
		Trans: trans,
		Qrot:  qrot.Normalize(),
		Cam:   cam,
		Fixed: fixed,
	}
	n.refresh()
	return n
}

// UpdatePose replaces the node pose and marks the cached transforms stale.
// They are recomputed on the next Prepare call.
func (n *Node) UpdatePose(trans Vec4, qrot Quat) {
	n.Trans = trans
	n.Qrot = qrot.Normalize()
	n.dirty = true
}

// applyIncrement advances the pose by a solver step: translation moves
// directly, the quaternion vector part moves through qScale and W is
// recovered from the unit constraint.
func (n *Node) applyIncrement(dt, dq Vec3) {
	n.Trans[0] += dt[0]
	n.Trans[1] += dt[1]
	n.Trans[2] += dt[2]

	q := n.Qrot
	q.X += qScale * dq[0]
	q.Y += qScale * dq[1]
	q.Z += qScale * dq[2]
	n.Qrot = renormalize(q)
	n.dirty = true
}

// renormalize recovers W from the vector part, clamping steps that
// overshoot the unit sphere.
func renormalize(q Quat) Quat {
	n2 := q.X*q.X + q.Y*q.Y + q.Z*q.Z
	if n2 >= 1 {
		q.W = 0
		return q.Normalize()
	}
	q.W = math.Sqrt(1 - n2)
	return q
}

// Prepare recomputes the cached transforms if the pose changed since the
// last call. Must run before any projection referencing this node
// evaluates residuals or Jacobians.
func (n *Node) Prepare() {
	if n.dirty {
		n.refresh()
	}
}

func (n *Node) refresh() {
	r := n.Qrot.RotationMatrix()

	// W2N = [R^T | -R^T t]
	for i := range 3 {
		for j := range 3 {
			n.W2N[i][j] = r[j][i]
		}
	}
	t := n.W2N.MulVec4(Vec4{n.Trans[0], n.Trans[1], n.Trans[2], 0})
	for i := range 3 {
		n.W2N[i][3] = -t[i]
	}

	// W2I = K * W2N
	k := [3][3]float64{
		{n.Cam.Fx, 0, n.Cam.Cx},
		{0, n.Cam.Fy, n.Cam.Cy},
		{0, 0, 1},
	}
	for i := range 3 {
		for j := range 4 {
			n.W2I[i][j] = k[i][0]*n.W2N[0][j] + k[i][1]*n.W2N[1][j] + k[i][2]*n.W2N[2][j]
		}
	}

	n.DRdx, n.DRdy, n.DRdz = n.Qrot.derivativeMatrices()
	n.dirty = false
}
