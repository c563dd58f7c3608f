package sba

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genPose generates a camera pose with a modest rotation, keeping W well
// away from zero where the quaternion parametrization degenerates.
func genPose() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(-1, 1), gen.Float64Range(-1, 1), gen.Float64Range(-1, 1),
		gen.Float64Range(-0.3, 0.3), gen.Float64Range(-0.3, 0.3), gen.Float64Range(-0.3, 0.3),
	).Map(func(vals []interface{}) NodePose {
		return NodePose{
			Trans: Vec4{vals[0].(float64), vals[1].(float64), vals[2].(float64), 1},
			Qrot: renormalize(Quat{
				X: vals[3].(float64),
				Y: vals[4].(float64),
				Z: vals[5].(float64),
			}),
		}
	})
}

// genPoint generates a world point in front of the cameras under test.
func genPoint() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(-2, 2), gen.Float64Range(-2, 2), gen.Float64Range(4, 12),
	).Map(func(vals []interface{}) Vec4 {
		return Vec4{vals[0].(float64), vals[1].(float64), vals[2].(float64), 1}
	})
}

// TestJacobianFiniteDifferenceProperty verifies the primary correctness
// property of the optimization core: for poses and points with positive
// depth, the analytic Jacobians agree with central differences.
func TestJacobianFiniteDifferenceProperty(t *testing.T) {
	cam := testCam()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60

	properties := gopter.NewProperties(parameters)

	check := func(stereo bool) func(NodePose, Vec4) bool {
		return func(pose NodePose, pt Vec4) bool {
			n := NewNode(pose.Trans, pose.Qrot, cam, false)
			pc := n.W2N.MulVec4(pt)
			if pc[2] < 1.0 {
				return true // skip near-degenerate depth
			}
			u, v, ur := predict(n, pt)
			kp := Vec3{u + 0.8, v - 1.1, ur + 0.4}

			var p *Proj
			if stereo {
				p = NewStereoProj(0, kp[0], kp[1], kp[2])
			} else {
				p = NewMonoProj(0, kp[0], kp[1])
			}
			p.CalcErr(n, pt)
			if err := p.SetJacobians(n, pt); err != nil {
				return false
			}

			jc, jp := numericJacobians(n, pt, stereo, kp)
			for i := range 3 {
				for j := range 6 {
					if math.Abs(jc[i][j]-p.Jc[i][j]) > 1e-4*math.Max(1, math.Abs(jc[i][j])) {
						return false
					}
				}
				for j := range 3 {
					if math.Abs(jp[i][j]-p.Jp[i][j]) > 1e-4*math.Max(1, math.Abs(jp[i][j])) {
						return false
					}
				}
			}
			return true
		}
	}

	properties.Property("mono jacobians match finite differences", prop.ForAll(
		check(false), genPose(), genPoint(),
	))
	properties.Property("stereo jacobians match finite differences", prop.ForAll(
		check(true), genPose(), genPoint(),
	))

	properties.TestingRun(t)
}
