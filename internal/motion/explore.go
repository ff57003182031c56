package motion

import (
	"context"
	"math"
	"sync/atomic"

	"polly/internal/logging"
	"polly/internal/mapping"
	"polly/internal/planner"
)

// Explore is the frontier-driven controller: it repeatedly plans a path to
// the nearest frontier cluster and follows it, until no frontier remains.
type Explore struct {
	drive   Drive
	sensors Sensors
	mapper  *mapping.Mapper
	ring    *logging.Ring
	speeds  Speeds

	complete atomic.Bool
}

// NewExplore creates the explore controller.
func NewExplore(drive Drive, sensors Sensors, mapper *mapping.Mapper, ring *logging.Ring, speeds Speeds) *Explore {
	return &Explore{drive: drive, sensors: sensors, mapper: mapper, ring: ring, speeds: speeds}
}

// Complete reports whether exploration finished because the map has no
// frontiers left (or every candidate target failed).
func (e *Explore) Complete() bool { return e.complete.Load() }

// Run explores until the context is cancelled or the map is closed. An
// unconditional stop is issued on every exit path.
func (e *Explore) Run(ctx context.Context) {
	defer e.drive.Stop()
	e.complete.Store(false)

	if !waitForMapper(ctx, e.mapper) {
		e.ring.Logf("explore: no mapper updates, not moving")
		return
	}

	e.ring.Logf("explore: initial scan")
	scan360(ctx, e.drive, e.mapper, e.speeds)

	failedTargets := 0
	for ctx.Err() == nil {
		pose, ok := e.mapper.Pose()
		if !ok {
			if !sleepCtx(ctx, settleTime) {
				return
			}
			continue
		}
		grid := e.mapper.Grid()
		cells := grid.Snapshot()
		robot := mapping.CellAt(pose.TX, pose.TZ)

		frontiers := planner.FindFrontiers(cells)
		if len(frontiers) == 0 {
			e.ring.Logf("explore: no frontiers left, exploration complete")
			e.complete.Store(true)
			return
		}

		clusters := planner.OrderByDistance(planner.ClusterFrontiers(frontiers), robot)

		var path []mapping.Cell
		var goal mapping.Cell
		for _, cl := range clusters {
			goal = mapping.Cell{
				IX: int(math.Round(cl.CentroidIx)),
				IZ: int(math.Round(cl.CentroidIz)),
			}
			if p := planner.PlanPath(cells, robot, goal); len(p) >= 2 {
				path = p
				break
			}
		}

		if path == nil {
			failedTargets++
			if failedTargets >= maxFailedTargets {
				e.ring.Logf("explore: %d targets failed in a row, giving up", failedTargets)
				e.complete.Store(true)
				return
			}
			if !sleepCtx(ctx, settleTime) {
				return
			}
			continue
		}

		if e.followPath(ctx, path, goal) {
			failedTargets = 0
			e.ring.Logf("explore: target reached, scanning")
			scan360(ctx, e.drive, e.mapper, e.speeds)
		} else {
			failedTargets++
			if failedTargets >= maxFailedTargets {
				e.ring.Logf("explore: %d targets failed in a row, giving up", failedTargets)
				e.complete.Store(true)
				return
			}
		}
	}
}

// followPath walks the waypoint list with a 3-cell lookahead: rotate toward
// the farthest waypoint in the window, then burst forward while re-checking
// the ultrasonic and the grid. A blocked burst counts a re-plan; after
// maxReplans on the same goal the target is abandoned.
func (e *Explore) followPath(ctx context.Context, path []mapping.Cell, goal mapping.Cell) bool {
	replans := 0
	for ctx.Err() == nil {
		pose, ok := e.mapper.Pose()
		if !ok {
			return false
		}
		robot := mapping.CellAt(pose.TX, pose.TZ)

		final := path[len(path)-1]
		if chebyshev(robot, final) <= 1 {
			stopAndSettle(ctx, e.drive)
			return true
		}

		// Advance along the path to the cell nearest the robot, then aim
		// at the farthest waypoint within the lookahead window.
		nearest := 0
		nearestD := math.MaxFloat64
		for i, c := range path {
			d := cellDist(c, robot)
			if d < nearestD {
				nearestD = d
				nearest = i
			}
		}
		targetIdx := nearest + lookaheadCells
		if targetIdx >= len(path) {
			targetIdx = len(path) - 1
		}
		tx, tz := path[targetIdx].Center()

		if !e.rotateToward(ctx, tx, tz) {
			return false
		}

		pose, _ = e.mapper.Pose()
		heading := pose.Heading()
		dist := e.sensors.UltrasonicCm()
		grid := e.mapper.Grid()
		blocked := (dist >= 0 && dist <= ObstacleNearCm) ||
			!grid.IsPathClear(pose.TX, pose.TZ, heading, clearanceDist, clearanceWidth)

		if blocked {
			replans++
			e.ring.Logf("explore: path blocked, re-plan %d/%d", replans, maxReplans)
			if replans >= maxReplans {
				return false
			}
			cells := grid.Snapshot()
			newPath := planner.PlanPath(cells, robot, goal)
			if len(newPath) < 2 {
				return false
			}
			path = newPath
			continue
		}

		e.drive.SetMotors(e.speeds.Drive, e.speeds.Drive)
		if !sleepCtx(ctx, forwardBurst) {
			return false
		}
		if !stopAndSettle(ctx, e.drive) {
			return false
		}
	}
	return false
}

// rotateToward turns in place until the heading error is inside tolerance,
// giving up after maxTurnSteps.
func (e *Explore) rotateToward(ctx context.Context, tx, tz float64) bool {
	for step := 0; step < maxTurnSteps; step++ {
		pose, ok := e.mapper.Pose()
		if !ok {
			return false
		}
		desired := math.Atan2(tz-pose.TZ, tx-pose.TX)
		delta := angleDelta(desired, pose.Heading())
		if math.Abs(delta) < headingTolerance {
			return true
		}

		dir := 1
		if delta < 0 {
			dir = -1
		}
		e.drive.SetMotors(-dir*e.speeds.Turn, dir*e.speeds.Turn)
		if !sleepCtx(ctx, turnStep) {
			return false
		}
		if !stopAndSettle(ctx, e.drive) {
			return false
		}
	}
	// Could not line up within maxTurnSteps; the caller goes on with its
	// clearance check at the current heading.
	return true
}

func chebyshev(a, b mapping.Cell) int {
	dx := a.IX - b.IX
	if dx < 0 {
		dx = -dx
	}
	dz := a.IZ - b.IZ
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}

func cellDist(a, b mapping.Cell) float64 {
	dx := float64(a.IX - b.IX)
	dz := float64(a.IZ - b.IZ)
	return math.Sqrt(dx*dx + dz*dz)
}
