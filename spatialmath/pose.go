package spatialmath

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose represents a 6dof rigid transform: an orientation followed by a translation. Applied to a
// point p it yields R*p + t. A camera pose maps camera coordinates into world coordinates.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

// dualQuaternion stores a pose as real = q, dual = 0.5 * t * q. Multiplication of two such numbers
// composes their transforms in the same order as matrix multiplication.
type dualQuaternion struct {
	dualquat.Number
}

func newDualQuaternion(q quat.Number, t r3.Vector) *dualQuaternion {
	q = Normalize(q)
	return &dualQuaternion{dualquat.Number{
		Real: q,
		Dual: quat.Scale(0.5, quat.Mul(quat.Number{Imag: t.X, Jmag: t.Y, Kmag: t.Z}, q)),
	}}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return newDualQuaternion(quat.Number{Real: 1}, r3.Vector{})
}

// NewPose builds a pose from a translation and an orientation. A nil orientation means no rotation.
func NewPose(point r3.Vector, o Orientation) Pose {
	if o == nil {
		return NewPoseFromPoint(point)
	}
	return newDualQuaternion(o.Quaternion(), point)
}

// NewPoseFromPoint returns a pure translation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return newDualQuaternion(quat.Number{Real: 1}, point)
}

// NewPoseFromOrientation returns a pure rotation.
func NewPoseFromOrientation(o Orientation) Pose {
	return newDualQuaternion(o.Quaternion(), r3.Vector{})
}

// NewPoseFromTwist returns exp of the se(3) twist (omega, v): a rotation of |omega| radians about
// omega together with the translation the screw motion accumulates.
func NewPoseFromTwist(omega, v r3.Vector) Pose {
	theta := omega.Norm()
	var a, b float64
	if theta < 1e-6 {
		a, b = 0.5, 1.0/6
	} else {
		t2 := theta * theta
		a = (1 - math.Cos(theta)) / t2
		b = (theta - math.Sin(theta)) / (t2 * theta)
	}
	wv := omega.Cross(v)
	t := v.Add(wv.Mul(a)).Add(omega.Cross(wv).Mul(b))
	return newDualQuaternion(R3ToR4(omega).ToQuat(), t)
}

func toDQ(p Pose) *dualQuaternion {
	if dq, ok := p.(*dualQuaternion); ok {
		return dq
	}
	return newDualQuaternion(p.Orientation().Quaternion(), p.Point())
}

// Point returns the translation.
func (q *dualQuaternion) Point() r3.Vector {
	t := quat.Mul(quat.Scale(2, q.Dual), quat.Conj(q.Real))
	return r3.Vector{X: t.Imag, Y: t.Jmag, Z: t.Kmag}
}

// Orientation returns the rotation.
func (q *dualQuaternion) Orientation() Orientation {
	o := quaternion(q.Real)
	return &o
}

func (q *dualQuaternion) String() string {
	pt := q.Point()
	aa := QuatToR4AA(q.Real)
	return fmt.Sprintf("{X:%.6f Y:%.6f Z:%.6f Theta:%.6f RX:%.4f RY:%.4f RZ:%.4f}",
		pt.X, pt.Y, pt.Z, aa.Theta, aa.RX, aa.RY, aa.RZ)
}

// Compose returns the transform that applies b and then a, i.e. a*b.
func Compose(a, b Pose) Pose {
	result := &dualQuaternion{dualquat.Mul(toDQ(a).Number, toDQ(b).Number)}
	// Keep the rotation unit length so repeated composition does not drift.
	result.Real = Normalize(result.Real)
	return result
}

// PoseInverse returns the inverse transform.
func PoseInverse(p Pose) Pose {
	dq := toDQ(p)
	conj := quat.Conj(dq.Real)
	return newDualQuaternion(conj, RotateVector(conj, dq.Point()).Mul(-1))
}

// PoseDelta returns the pose that takes a to b, expressed in a's frame: inverse(a)*b.
func PoseDelta(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// PoseDistance returns the translation length and rotation angle (radians) of PoseDelta(a, b).
func PoseDistance(a, b Pose) (translation, angle float64) {
	delta := toDQ(PoseDelta(a, b))
	aa := QuatToR4AA(delta.Real)
	return delta.Point().Norm(), math.Abs(aa.Theta)
}

// Transform applies p to pt.
func Transform(p Pose, pt r3.Vector) r3.Vector {
	dq := toDQ(p)
	return RotateVector(dq.Real, pt).Add(dq.Point())
}

// Rotate applies only the rotational part of p to v. Use it for directions such as normals.
func Rotate(p Pose, v r3.Vector) r3.Vector {
	return RotateVector(toDQ(p).Real, v)
}

// PoseToMatrix returns the 4x4 homogeneous matrix of p.
func PoseToMatrix(p Pose) mgl64.Mat4 {
	dq := toDQ(p)
	t := dq.Point()
	m := QuatToRotationMatrix(dq.Real).Mat4()
	m.SetCol(3, mgl64.Vec4{t.X, t.Y, t.Z, 1})
	return m
}

// PoseAlmostEqual will return a bool describing whether 2 poses are approximately the same.
func PoseAlmostEqual(a, b Pose) bool {
	return PoseAlmostEqualEps(a, b, 1e-6)
}

// PoseAlmostEqualEps will return a bool describing whether 2 poses are approximately the same
// within epsilon, applied to both the translation and the quaternion components.
func PoseAlmostEqualEps(a, b Pose, epsilon float64) bool {
	return a.Point().Sub(b.Point()).Norm() <= epsilon &&
		QuaternionAlmostEqual(a.Orientation().Quaternion(), b.Orientation().Quaternion(), epsilon)
}

// RigidTransform is a pose flattened for per-pixel kernels: rotation rows and a translation, so it
// can be applied without going through quaternions.
type RigidTransform struct {
	R [3][3]float64
	T [3]float64
}

// NewRigidTransform flattens p.
func NewRigidTransform(p Pose) RigidTransform {
	m := PoseToMatrix(p)
	var rt RigidTransform
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rt.R[r][c] = m.At(r, c)
		}
		rt.T[r] = m.At(r, 3)
	}
	return rt
}

// Apply returns R*p + T.
func (rt *RigidTransform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: rt.R[0][0]*p.X + rt.R[0][1]*p.Y + rt.R[0][2]*p.Z + rt.T[0],
		Y: rt.R[1][0]*p.X + rt.R[1][1]*p.Y + rt.R[1][2]*p.Z + rt.T[1],
		Z: rt.R[2][0]*p.X + rt.R[2][1]*p.Y + rt.R[2][2]*p.Z + rt.T[2],
	}
}

// ApplyRotation returns R*v.
func (rt *RigidTransform) ApplyRotation(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rt.R[0][0]*v.X + rt.R[0][1]*v.Y + rt.R[0][2]*v.Z,
		Y: rt.R[1][0]*v.X + rt.R[1][1]*v.Y + rt.R[1][2]*v.Z,
		Z: rt.R[2][0]*v.X + rt.R[2][1]*v.Y + rt.R[2][2]*v.Z,
	}
}

// Origin returns the translation, which for a camera pose is the camera centre.
func (rt *RigidTransform) Origin() r3.Vector {
	return r3.Vector{X: rt.T[0], Y: rt.T[1], Z: rt.T[2]}
}
