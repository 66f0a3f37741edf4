package l4perception

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MatrixValidationTolerance is the tolerance used when checking that a
// rotation is orthonormal with determinant +1.
const MatrixValidationTolerance = 1e-6

// RigidTransform maps coordinates from Source to Target at Stamp:
// p' = R·p + t. Values are immutable once constructed.
type RigidTransform struct {
	source, target string
	stamp          time.Time
	rot            [9]float64 // row-major 3x3
	trans          r3.Vec
}

// IdentityTransform returns the identity mapping frame onto itself.
func IdentityTransform(frame string, stamp time.Time) RigidTransform {
	return RigidTransform{
		source: frame,
		target: frame,
		stamp:  stamp,
		rot:    [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
}

// NewRigidTransform builds a transform from a row-major rotation matrix
// and a translation. The rotation must be orthonormal with det ≈ +1.
func NewRigidTransform(source, target string, stamp time.Time, rotation [9]float64, translation r3.Vec) (RigidTransform, error) {
	if !isValidRotation(rotation) {
		return RigidTransform{}, fmt.Errorf("invalid rotation matrix for %s->%s: not a proper rotation", source, target)
	}
	if !isFinite(translation.X) || !isFinite(translation.Y) || !isFinite(translation.Z) {
		return RigidTransform{}, fmt.Errorf("invalid translation for %s->%s: non-finite component", source, target)
	}
	return RigidTransform{source: source, target: target, stamp: stamp, rot: rotation, trans: translation}, nil
}

// NewRigidTransformFromQuaternion builds a transform from a rotation
// quaternion (x, y, z, w) and a translation. The quaternion is normalised.
func NewRigidTransformFromQuaternion(source, target string, stamp time.Time, qx, qy, qz, qw float64, translation r3.Vec) (RigidTransform, error) {
	q := quat.Number{Real: qw, Imag: qx, Jmag: qy, Kmag: qz}
	n := quat.Abs(q)
	if n == 0 || !isFinite(n) {
		return RigidTransform{}, fmt.Errorf("invalid quaternion for %s->%s: zero or non-finite norm", source, target)
	}
	q = quat.Scale(1/n, q)
	m := r3.Rotation(q).Mat()
	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = m.At(i, j)
		}
	}
	return NewRigidTransform(source, target, stamp, rot, translation)
}

// NewRigidTransformFromPose builds a transform from a 4x4 row-major pose
// matrix (m00,m01,m02,m03, m10,...). The last row must be [0 0 0 1].
func NewRigidTransformFromPose(source, target string, stamp time.Time, T [16]float64) (RigidTransform, error) {
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return RigidTransform{}, fmt.Errorf("invalid pose for %s->%s: last row must be [0 0 0 1]", source, target)
	}
	rot := [9]float64{
		T[0], T[1], T[2],
		T[4], T[5], T[6],
		T[8], T[9], T[10],
	}
	return NewRigidTransform(source, target, stamp, rot, r3.Vec{X: T[3], Y: T[7], Z: T[11]})
}

// isValidRotation checks R·Rᵀ ≈ I and det(R) ≈ +1.
func isValidRotation(rot [9]float64) bool {
	for _, v := range rot {
		if !isFinite(v) {
			return false
		}
	}
	m := r3.NewMat(rot[:])
	if math.Abs(m.Det()-1.0) > MatrixValidationTolerance*10 {
		return false
	}
	var p r3.Mat
	p.Mul(m, m.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(p.At(i, j)-want) > MatrixValidationTolerance*10 {
				return false
			}
		}
	}
	return true
}

// Source returns the frame the transform maps from.
func (t RigidTransform) Source() string { return t.source }

// Target returns the frame the transform maps into.
func (t RigidTransform) Target() string { return t.target }

// Stamp returns the time at which the transform holds.
func (t RigidTransform) Stamp() time.Time { return t.stamp }

// Translation returns the translation component.
func (t RigidTransform) Translation() r3.Vec { return t.trans }

// Rotation returns a copy of the row-major rotation matrix.
func (t RigidTransform) Rotation() [9]float64 { return t.rot }

// Quaternion returns the rotation as a unit quaternion (x, y, z, w)
// with w >= 0.
func (t RigidTransform) Quaternion() (qx, qy, qz, qw float64) {
	r := t.rot
	trace := r[0] + r[4] + r[8]
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1.0) * 2
		qw = 0.25 * s
		qx = (r[7] - r[5]) / s
		qy = (r[2] - r[6]) / s
		qz = (r[3] - r[1]) / s
	case r[0] > r[4] && r[0] > r[8]:
		s := math.Sqrt(1.0+r[0]-r[4]-r[8]) * 2
		qw = (r[7] - r[5]) / s
		qx = 0.25 * s
		qy = (r[1] + r[3]) / s
		qz = (r[2] + r[6]) / s
	case r[4] > r[8]:
		s := math.Sqrt(1.0+r[4]-r[0]-r[8]) * 2
		qw = (r[2] - r[6]) / s
		qx = (r[1] + r[3]) / s
		qy = 0.25 * s
		qz = (r[5] + r[7]) / s
	default:
		s := math.Sqrt(1.0+r[8]-r[0]-r[4]) * 2
		qw = (r[3] - r[1]) / s
		qx = (r[2] + r[6]) / s
		qy = (r[5] + r[7]) / s
		qz = 0.25 * s
	}
	if qw < 0 {
		qx, qy, qz, qw = -qx, -qy, -qz, -qw
	}
	return qx, qy, qz, qw
}

// ApplyVec maps v from the source frame into the target frame.
func (t RigidTransform) ApplyVec(v r3.Vec) r3.Vec {
	r := t.rot
	return r3.Vec{
		X: r[0]*v.X + r[1]*v.Y + r[2]*v.Z + t.trans.X,
		Y: r[3]*v.X + r[4]*v.Y + r[5]*v.Z + t.trans.Y,
		Z: r[6]*v.X + r[7]*v.Y + r[8]*v.Z + t.trans.Z,
	}
}

// ApplyPoint maps p into the target frame, preserving its colour.
func (t RigidTransform) ApplyPoint(p Point) Point {
	v := t.ApplyVec(r3.Vec{X: p.X, Y: p.Y, Z: p.Z})
	return Point{X: v.X, Y: v.Y, Z: v.Z, R: p.R, G: p.G, B: p.B}
}

// Compose returns the transform equivalent to applying inner first and
// then t. inner.Target() must equal t.Source(). The result carries t's
// stamp.
func (t RigidTransform) Compose(inner RigidTransform) (RigidTransform, error) {
	if inner.target != t.source {
		return RigidTransform{}, fmt.Errorf("cannot compose %s->%s after %s->%s: frame mismatch",
			t.source, t.target, inner.source, inner.target)
	}
	var m r3.Mat
	m.Mul(r3.NewMat(t.rotSlice()), r3.NewMat(inner.rotSlice()))
	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = m.At(i, j)
		}
	}
	return RigidTransform{
		source: inner.source,
		target: t.target,
		stamp:  t.stamp,
		rot:    rot,
		trans:  t.ApplyVec(inner.trans),
	}, nil
}

// Inverse returns the transform mapping Target back onto Source.
func (t RigidTransform) Inverse() RigidTransform {
	m := r3.NewMat(t.rotSlice())
	inv := RigidTransform{source: t.target, target: t.source, stamp: t.stamp}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			inv.rot[i*3+j] = m.At(j, i)
		}
	}
	neg := m.MulVecTrans(t.trans)
	inv.trans = r3.Scale(-1, neg)
	return inv
}

// WithStamp returns a copy of t valid at stamp.
func (t RigidTransform) WithStamp(stamp time.Time) RigidTransform {
	t.stamp = stamp
	return t
}

// Pose returns the transform as a 4x4 row-major matrix.
func (t RigidTransform) Pose() [16]float64 {
	r := t.rot
	return [16]float64{
		r[0], r[1], r[2], t.trans.X,
		r[3], r[4], r[5], t.trans.Y,
		r[6], r[7], r[8], t.trans.Z,
		0, 0, 0, 1,
	}
}

// rotSlice returns a fresh slice so r3.NewMat never aliases t.rot.
func (t RigidTransform) rotSlice() []float64 {
	s := make([]float64, 9)
	copy(s, t.rot[:])
	return s
}
