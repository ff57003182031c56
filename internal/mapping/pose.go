package mapping

import "math"

// Pose is a 6-DOF pose from the external pose source: translation plus a
// unit quaternion, stamped with a monotonic nanosecond timestamp.
type Pose struct {
	TX, TY, TZ     float64
	QX, QY, QZ, QW float64
	TimestampNs    int64
}

// Heading returns the yaw on the ground plane: the body-forward axis rotated
// by the pose quaternion, projected onto (X, Z), taken as atan2(fwdZ, fwdX).
func (p Pose) Heading() float64 {
	// Body-forward is -Z in the sensor frame.
	fx, _, fz := p.rotate(0, 0, -1)
	return math.Atan2(fz, fx)
}

// rotate applies the pose quaternion to vector v.
// v' = v + 2*q_v × (q_v × v + w*v)
func (p Pose) rotate(vx, vy, vz float64) (float64, float64, float64) {
	// t = 2 * (q_v × v)
	tx := 2 * (p.QY*vz - p.QZ*vy)
	ty := 2 * (p.QZ*vx - p.QX*vz)
	tz := 2 * (p.QX*vy - p.QY*vx)

	// v' = v + w*t + q_v × t
	rx := vx + p.QW*tx + (p.QY*tz - p.QZ*ty)
	ry := vy + p.QW*ty + (p.QZ*tx - p.QX*tz)
	rz := vz + p.QW*tz + (p.QX*ty - p.QY*tx)
	return rx, ry, rz
}

// normalizeAngle wraps a to (-pi, pi].
func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
