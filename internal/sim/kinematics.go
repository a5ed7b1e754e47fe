package sim

import "math"

// brakeKmhPerS is the service braking rate used for holds.
const brakeKmhPerS = 3.0

// accelerateStep returns the distance covered in dt seconds and the new
// speed when accelerating from v toward target at accel km/h per second.
func accelerateStep(v, target, accel, dt float64) (distKm, speed float64) {
	if accel <= 0 || v >= target {
		return target * dt / 3600, target
	}
	toTarget := (target - v) / accel
	if toTarget <= dt {
		s1 := v*toTarget + 0.5*accel*toTarget*toTarget
		s2 := target * (dt - toTarget)
		return (s1 + s2) / 3600, target
	}
	return (v*dt + 0.5*accel*dt*dt) / 3600, v + accel*dt
}

// decelerateStep is accelerateStep's mirror for braking toward target.
func decelerateStep(v, target, decel, dt float64) (distKm, speed float64) {
	if decel <= 0 || v <= target {
		return target * dt / 3600, target
	}
	toTarget := (v - target) / decel
	if toTarget <= dt {
		s1 := v*toTarget - 0.5*decel*toTarget*toTarget
		s2 := target * (dt - toTarget)
		return (math.Max(0, s1) + s2) / 3600, target
	}
	return math.Max(0, v*dt-0.5*decel*dt*dt) / 3600, v - decel*dt
}
