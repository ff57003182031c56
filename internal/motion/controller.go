// Package motion holds the two vehicle controllers: a reactive wander and
// a frontier-driven explore. Both step the vehicle with the stop-and-settle
// pattern: command, sleep, stop, settle, sense, decide. Range readings are
// taken only while stationary so the heading is trustworthy.
package motion

import (
	"context"
	"math"
	"time"

	"polly/internal/mapping"
)

// Drive is the motor vocabulary shared by both controllers.
type Drive interface {
	SetMotors(d1, d2 int)
	Stop()
}

// Sensors provides the latest stationary readings.
type Sensors interface {
	UltrasonicCm() int
}

// Thresholds.
const (
	ObstacleNearCm = 20

	maxTurnSteps     = 15
	headingTolerance = 15 * math.Pi / 180

	lookaheadCells   = 3
	maxReplans       = 3
	maxFailedTargets = 5

	// Grid look-ahead used before every forward burst.
	clearanceDist  = 0.40
	clearanceWidth = 0.15

	// Hard cap on spin steps during a 360-degree scan, in case the pose
	// source stops integrating heading.
	maxScanSteps = 80
)

// Step timing. Vars so the controller tests can run without real-time
// waits.
var (
	settleTime   = 300 * time.Millisecond
	forwardBurst = 250 * time.Millisecond
	turnStep     = 200 * time.Millisecond
	reverseBurst = 400 * time.Millisecond

	mapperWaitTimeout = 10 * time.Second
	mapperPollPeriod  = 200 * time.Millisecond
)

// Speeds carries the configured motor magnitudes.
type Speeds struct {
	Drive int
	Turn  int
}

// sleepCtx sleeps unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// stopAndSettle halts the motors and waits for the vehicle to come to rest.
func stopAndSettle(ctx context.Context, drive Drive) bool {
	drive.Stop()
	return sleepCtx(ctx, settleTime)
}

// waitForMapper blocks until the mapper has accepted at least one update.
// Returns false on timeout or cancellation.
func waitForMapper(ctx context.Context, mapper *mapping.Mapper) bool {
	deadline := time.Now().Add(mapperWaitTimeout)
	for time.Now().Before(deadline) {
		if mapper.Stats().Updates > 0 {
			return true
		}
		if !sleepCtx(ctx, mapperPollPeriod) {
			return false
		}
	}
	return false
}

// scan360 rotates the vehicle in place through a full turn with the scan
// recorder running: spin-step, stop, settle, integrate the heading delta
// until it accumulates past 2*pi.
func scan360(ctx context.Context, drive Drive, mapper *mapping.Mapper, speeds Speeds) bool {
	pose, ok := mapper.Pose()
	if !ok {
		return false
	}
	prev := pose.Heading()
	accumulated := 0.0

	mapper.StartScanRecording()
	defer mapper.StopScanRecording()

	for step := 0; step < maxScanSteps && accumulated < 2*math.Pi; step++ {
		drive.SetMotors(-speeds.Turn, speeds.Turn)
		if !sleepCtx(ctx, turnStep) {
			drive.Stop()
			return false
		}
		if !stopAndSettle(ctx, drive) {
			return false
		}

		pose, ok = mapper.Pose()
		if !ok {
			continue
		}
		h := pose.Heading()
		accumulated += math.Abs(angleDelta(h, prev))
		prev = h
	}
	return accumulated >= 2*math.Pi
}

func angleDelta(a, b float64) float64 {
	d := a - b
	for d > math.Pi {
		d -= 2 * math.Pi
	}
	for d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}
