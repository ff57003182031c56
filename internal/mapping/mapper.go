package mapping

import (
	"math"
	"sync"
	"time"

	"polly/internal/logging"
)

// Velocity gate constants.
const (
	maxPlausibleSpeed = 1.0 // m/s between consecutive range updates
	maxConsecRejects  = 5   // rejects before the next position becomes the baseline
	rawLogCapacity    = 5000
)

// RawReading is one entry of the bounded raw-reading log kept for
// diagnostics and dataset export.
type RawReading struct {
	X        float64 `json:"x"`
	Z        float64 `json:"z"`
	Heading  float64 `json:"heading"`
	DistCm   int     `json:"dist_cm"`
	Accepted bool    `json:"accepted"`
	PoseTs   int64   `json:"pose_ts"`
}

// Stats is a point-in-time view of the mapper counters.
type Stats struct {
	Updates        int  `json:"updates"`
	Rejected       int  `json:"rejected"`
	Corrections    int  `json:"corrections"`
	BaselineResets int  `json:"baseline_resets"`
	Cells          int  `json:"cells"`
	HavePose       bool `json:"have_pose"`
	Recording      bool `json:"scan_recording"`
	Profiles       int  `json:"scan_profiles"`
}

// Mapper owns the grid and fuses the pose and range streams into it. A range
// update always uses the latest pose; there is no back-dated fusion.
type Mapper struct {
	mu   sync.Mutex
	grid *Grid
	ring *logging.Ring

	active   bool
	pose     Pose
	havePose bool

	// Drift offset added to every incoming pose before it is used.
	driftX, driftZ float64

	// Velocity gate state.
	lastX, lastZ  float64
	lastTs        int64
	haveBaseline  bool
	consecRejects int

	// Counters.
	updates        int
	rejected       int
	corrections    int
	baselineResets int

	// Scan recording.
	recording bool
	scanBuf   []ScanReading
	reference *ScanProfile
	profiles  []*ScanProfile

	rawLog []RawReading
}

// NewMapper creates a mapper with an empty grid.
func NewMapper(ring *logging.Ring) *Mapper {
	return &Mapper{
		grid: NewGrid(),
		ring: ring,
	}
}

// Grid returns the grid owned by this mapper.
func (m *Mapper) Grid() *Grid { return m.grid }

// Start enables fusion of range readings into the grid.
func (m *Mapper) Start() {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
}

// Stop disables fusion. The grid keeps its contents.
func (m *Mapper) Stop() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
}

// Active reports whether range readings are being fused.
func (m *Mapper) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// OnPose consumes a pose from the external source. The drift offset is
// applied before the pose is stored; the corrected position extends the
// robot trail.
func (m *Mapper) OnPose(p Pose) {
	m.mu.Lock()
	p.TX += m.driftX
	p.TZ += m.driftZ
	m.pose = p
	m.havePose = true
	active := m.active
	m.mu.Unlock()

	if active {
		m.grid.RecordTrail(p.TX, p.TZ)
	}
}

// Pose returns the latest drift-corrected pose.
func (m *Mapper) Pose() (Pose, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pose, m.havePose
}

// OnRange consumes an ultrasonic reading in centimetres. -1 is the "no
// reading yet" sentinel. The reading is interpreted at the current pose's
// heading.
func (m *Mapper) OnRange(distCm int) {
	if distCm < 0 {
		return
	}

	m.mu.Lock()
	if !m.active || !m.havePose {
		m.mu.Unlock()
		return
	}
	pose := m.pose
	m.mu.Unlock()

	x, z := pose.TX, pose.TZ
	heading := pose.Heading()
	dist := float64(distCm) / 100.0

	if !m.gateVelocity(x, z, pose.TimestampNs) {
		m.logRaw(x, z, heading, distCm, false, pose.TimestampNs)
		return
	}

	accepted := m.grid.Update(x, z, heading, dist)
	m.logRaw(x, z, heading, distCm, accepted, pose.TimestampNs)

	m.mu.Lock()
	if accepted {
		m.updates++
		if m.recording {
			hx, hz := m.grid.LastHit()
			m.scanBuf = append(m.scanBuf, ScanReading{
				Heading: heading,
				Range:   dist,
				HitX:    hx,
				HitZ:    hz,
			})
		}
	} else {
		m.rejected++
	}
	m.mu.Unlock()
}

// gateVelocity rejects updates implying implausible motion since the last
// accepted one. After maxConsecRejects consecutive rejects the new position
// is adopted as the baseline: the pose source has probably re-initialised.
func (m *Mapper) gateVelocity(x, z float64, ts int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.haveBaseline {
		m.adoptBaselineLocked(x, z, ts)
		return true
	}

	dt := float64(ts-m.lastTs) / 1e9
	if dt > 0 {
		speed := math.Hypot(x-m.lastX, z-m.lastZ) / dt
		if speed > maxPlausibleSpeed {
			m.consecRejects++
			if m.consecRejects > maxConsecRejects {
				m.baselineResets++
				m.ring.Logf("mapper: adopting new baseline after %d velocity rejects", m.consecRejects)
				m.adoptBaselineLocked(x, z, ts)
				return true
			}
			m.rejected++
			return false
		}
	}
	m.adoptBaselineLocked(x, z, ts)
	return true
}

func (m *Mapper) adoptBaselineLocked(x, z float64, ts int64) {
	m.lastX = x
	m.lastZ = z
	m.lastTs = ts
	m.haveBaseline = true
	m.consecRejects = 0
}

func (m *Mapper) logRaw(x, z, heading float64, distCm int, accepted bool, poseTs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawLog = append(m.rawLog, RawReading{
		X: x, Z: z, Heading: heading,
		DistCm: distCm, Accepted: accepted, PoseTs: poseTs,
	})
	if len(m.rawLog) > rawLogCapacity {
		m.rawLog = m.rawLog[len(m.rawLog)-rawLogCapacity:]
	}
}

// StartScanRecording begins collecting accepted readings into a new scan
// buffer.
func (m *Mapper) StartScanRecording() {
	m.mu.Lock()
	m.recording = true
	m.scanBuf = nil
	m.mu.Unlock()
}

// StopScanRecording closes the current scan buffer. Buffers shorter than
// scanMinReadings are discarded. The first kept profile becomes the
// reference; later profiles are matched against it and a successful match
// shifts the drift offset by the median displacement.
func (m *Mapper) StopScanRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recording {
		return
	}
	m.recording = false

	if len(m.scanBuf) < scanMinReadings {
		m.ring.Logf("mapper: scan discarded, only %d readings", len(m.scanBuf))
		m.scanBuf = nil
		return
	}

	profile := &ScanProfile{Readings: m.scanBuf, Taken: time.Now()}
	m.scanBuf = nil
	m.profiles = append(m.profiles, profile)

	if m.reference == nil {
		m.reference = profile
		m.ring.Logf("mapper: reference scan saved, %d readings", len(profile.Readings))
		return
	}

	dx, dz, ok := MatchScans(m.reference, profile)
	if !ok {
		m.ring.Logf("mapper: scan match unreliable, drift unchanged")
		return
	}

	// The candidate hit points drifted by (dx, dz) relative to the
	// reference, so the correction is the negation.
	m.driftX -= dx
	m.driftZ -= dz
	if math.Hypot(dx, dz) > correctionEpsilon {
		m.corrections++
		m.ring.Logf("mapper: drift corrected by (%.3f, %.3f)", -dx, -dz)
	}
}

// ScanRecording reports whether a scan buffer is currently open.
func (m *Mapper) ScanRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// DriftOffset returns the accumulated drift correction.
func (m *Mapper) DriftOffset() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driftX, m.driftZ
}

// Stats returns the mapper counters.
func (m *Mapper) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Updates:        m.updates,
		Rejected:       m.rejected,
		Corrections:    m.corrections,
		BaselineResets: m.baselineResets,
		Cells:          m.grid.Len(),
		HavePose:       m.havePose,
		Recording:      m.recording,
		Profiles:       len(m.profiles),
	}
}

// RawLog returns a copy of the bounded raw-reading log.
func (m *Mapper) RawLog() []RawReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RawReading, len(m.rawLog))
	copy(out, m.rawLog)
	return out
}

// Clear wipes the grid, trail, counters and scan state.
func (m *Mapper) Clear() {
	m.mu.Lock()
	m.updates = 0
	m.rejected = 0
	m.corrections = 0
	m.baselineResets = 0
	m.haveBaseline = false
	m.consecRejects = 0
	m.driftX = 0
	m.driftZ = 0
	m.recording = false
	m.scanBuf = nil
	m.reference = nil
	m.profiles = nil
	m.rawLog = nil
	m.mu.Unlock()
	m.grid.Clear()
}
