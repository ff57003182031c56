package motion

import (
	"context"
	"math"

	"polly/internal/logging"
	"polly/internal/mapping"
)

// Wander is the reactive controller: random-walk forward bursts with the
// ultrasonic and the grid as a safety gate.
type Wander struct {
	drive   Drive
	sensors Sensors
	mapper  *mapping.Mapper
	ring    *logging.Ring
	speeds  Speeds
}

// NewWander creates the wander controller.
func NewWander(drive Drive, sensors Sensors, mapper *mapping.Mapper, ring *logging.Ring, speeds Speeds) *Wander {
	return &Wander{drive: drive, sensors: sensors, mapper: mapper, ring: ring, speeds: speeds}
}

// Run drives until the context is cancelled. An unconditional stop is
// issued on every exit path.
func (w *Wander) Run(ctx context.Context) {
	defer w.drive.Stop()

	if !waitForMapper(ctx, w.mapper) {
		w.ring.Logf("wander: no mapper updates, not moving")
		return
	}

	w.ring.Logf("wander: initial scan")
	scan360(ctx, w.drive, w.mapper, w.speeds)

	turnDir := 1 // 1 = left, -1 = right
	turnCount := 0

	for ctx.Err() == nil {
		pose, ok := w.mapper.Pose()
		if !ok {
			if !sleepCtx(ctx, settleTime) {
				return
			}
			continue
		}
		heading := pose.Heading()
		dist := w.sensors.UltrasonicCm()
		grid := w.mapper.Grid()

		clear := dist > ObstacleNearCm &&
			grid.IsPathClear(pose.TX, pose.TZ, heading, clearanceDist, clearanceWidth)

		if clear {
			turnCount = 0
			w.drive.SetMotors(w.speeds.Drive, w.speeds.Drive)
			if !sleepCtx(ctx, forwardBurst) {
				return
			}
			if !stopAndSettle(ctx, w.drive) {
				return
			}
			continue
		}

		if turnCount >= maxTurnSteps {
			// Boxed in: back out and try the other way round.
			w.ring.Logf("wander: no clearance after %d turns, reversing", turnCount)
			w.drive.SetMotors(-w.speeds.Drive, -w.speeds.Drive)
			if !sleepCtx(ctx, reverseBurst) {
				return
			}
			if !stopAndSettle(ctx, w.drive) {
				return
			}
			turnDir = -turnDir
			turnCount = 0
			continue
		}

		// Turn toward whichever side has grid clearance.
		leftClear := grid.IsPathClear(pose.TX, pose.TZ, heading+math.Pi/2, clearanceDist, clearanceWidth)
		rightClear := grid.IsPathClear(pose.TX, pose.TZ, heading-math.Pi/2, clearanceDist, clearanceWidth)
		dir := turnDir
		if leftClear && !rightClear {
			dir = 1
		} else if rightClear && !leftClear {
			dir = -1
		}

		w.drive.SetMotors(-dir*w.speeds.Turn, dir*w.speeds.Turn)
		if !sleepCtx(ctx, turnStep) {
			return
		}
		if !stopAndSettle(ctx, w.drive) {
			return
		}
		turnCount++
	}
}
