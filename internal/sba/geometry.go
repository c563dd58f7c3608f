package sba

import "math"

// Vec3 is a 3-component column vector.
type Vec3 [3]float64

// Vec4 is a homogeneous 4-component column vector (w normally 1).
type Vec4 [4]float64

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Mat34 is a row-major 3x4 matrix, used for world-to-camera and
// world-to-image transforms.
type Mat34 [3][4]float64

// Quat is a rotation quaternion. The solver treats (X, Y, Z) as the free
// parameters and recovers W from the unit constraint, so W is kept
// non-negative throughout.
type Quat struct {
	X, Y, Z, W float64
}

// Vec3 returns the first three components of v.
func (v Vec4) Vec3() Vec3 { return Vec3{v[0], v[1], v[2]} }

// Sub3 returns the first three components of v - u.
func (v Vec4) Sub3(u Vec4) Vec3 {
	return Vec3{v[0] - u[0], v[1] - u[1], v[2] - u[2]}
}

// Norm returns the Euclidean norm of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// MulVec3 applies m to v.
func (m *Mat3) MulVec3(v Vec3) Vec3 {
	return Vec3{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

// MulVec4 applies the 3x4 transform m to the homogeneous vector v.
func (m *Mat34) MulVec4(v Vec4) Vec3 {
	return Vec3{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2] + m[0][3]*v[3],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2] + m[1][3]*v[3],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2] + m[2][3]*v[3],
	}
}

// Col returns column j of the rotation part of m.
func (m *Mat34) Col(j int) Vec3 {
	return Vec3{m[0][j], m[1][j], m[2][j]}
}

// Normalize scales q to unit length and flips it into the W >= 0
// hemisphere. A zero quaternion becomes the identity.
func (q Quat) Normalize() Quat {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return Quat{W: 1}
	}
	q.X, q.Y, q.Z, q.W = q.X/n, q.Y/n, q.Z/n, q.W/n
	if q.W < 0 {
		q.X, q.Y, q.Z, q.W = -q.X, -q.Y, -q.Z, -q.W
	}
	return q
}

// RotationMatrix returns the rotation matrix of the unit quaternion q,
// mapping camera coordinates to world coordinates.
func (q Quat) RotationMatrix() Mat3 {
	x, y, z, w := q.X, q.Y, q.Z, q.W
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// derivativeMatrices returns d(R^T)/dqx, d(R^T)/dqy and d(R^T)/dqz for
// the unit quaternion q, with W treated as a function of the vector part
// (dW/dqi = -qi/W). These linearize the world-to-camera rotation without
// renormalizing at every Jacobian evaluation.
func (q Quat) derivativeMatrices() (dx, dy, dz Mat3) {
	x, y, z, w := q.X, q.Y, q.Z, q.W
	iw := 1.0 / w

	// dR/dqx, rows of R before transposition.
	dRx := Mat3{
		{0, 2*y + 2*z*x*iw, 2*z - 2*y*x*iw},
		{2*y - 2*z*x*iw, -4 * x, -2*w + 2*x*x*iw},
		{2*z + 2*y*x*iw, 2*w - 2*x*x*iw, -4 * x},
	}
	dRy := Mat3{
		{-4 * y, 2*x + 2*z*y*iw, 2*w - 2*y*y*iw},
		{2*x - 2*z*y*iw, 0, 2*z + 2*x*y*iw},
		{-2*w + 2*y*y*iw, 2*z - 2*x*y*iw, -4 * y},
	}
	dRz := Mat3{
		{-4 * z, -2*w + 2*z*z*iw, 2*x - 2*y*z*iw},
		{2*w - 2*z*z*iw, -4 * z, 2*y + 2*x*z*iw},
		{2*x + 2*y*z*iw, 2*y - 2*x*z*iw, 0},
	}
	return transpose(dRx), transpose(dRy), transpose(dRz)
}

func transpose(m Mat3) Mat3 {
	return Mat3{
		{m[0][0], m[1][0], m[2][0]},
		{m[0][1], m[1][1], m[2][1]},
		{m[0][2], m[1][2], m[2][2]},
	}
}
