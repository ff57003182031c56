// Package recorder writes dataset recordings: camera frames, IMU samples
// and poses in a timestamped directory ready for offline tooling.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polly/internal/logging"
	"polly/internal/mapping"
)

// IMUSample is one phone IMU reading.
type IMUSample struct {
	TimestampNs int64
	WX, WY, WZ  float64 // gyro, rad/s
	AX, AY, AZ  float64 // accel, m/s^2
}

// Metadata describes a finished recording.
type Metadata struct {
	StartedAt  string `json:"started_at"`
	StoppedAt  string `json:"stopped_at"`
	Frames     int    `json:"frames"`
	IMUSamples int    `json:"imu_samples"`
	Poses      int    `json:"poses"`
	AppVersion string `json:"app_version"`
}

// Recorder appends incoming data to an open dataset directory. All entry
// points are safe for concurrent use and no-ops while stopped.
type Recorder struct {
	ring    *logging.Ring
	baseDir string
	version string

	mu       sync.Mutex
	active   bool
	dir      string
	imuFile  *os.File
	poseFile *os.File
	meta     Metadata
}

// New creates a recorder rooted at baseDir.
func New(baseDir, version string, ring *logging.Ring) *Recorder {
	return &Recorder{ring: ring, baseDir: baseDir, version: version}
}

// Start opens a new dataset directory. Starting while active is an error.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return "", fmt.Errorf("recorder: already recording to %s", r.dir)
	}

	dir := filepath.Join(r.baseDir, "dataset_"+time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(filepath.Join(dir, "cam0"), 0755); err != nil {
		return "", fmt.Errorf("recorder: create dataset directory: %w", err)
	}

	imuFile, err := os.Create(filepath.Join(dir, "imu0.csv"))
	if err != nil {
		return "", fmt.Errorf("recorder: create imu0.csv: %w", err)
	}
	poseFile, err := os.Create(filepath.Join(dir, "poses.csv"))
	if err != nil {
		imuFile.Close()
		return "", fmt.Errorf("recorder: create poses.csv: %w", err)
	}

	fmt.Fprintln(imuFile, "#timestamp_ns,wx,wy,wz,ax,ay,az")
	fmt.Fprintln(poseFile, "#timestamp_ns,tx,ty,tz,qx,qy,qz,qw")

	r.active = true
	r.dir = dir
	r.imuFile = imuFile
	r.poseFile = poseFile
	r.meta = Metadata{
		StartedAt:  time.Now().Format(time.RFC3339),
		AppVersion: r.version,
	}
	r.ring.Logf("recorder: recording to %s", dir)
	return dir, nil
}

// Stop closes the dataset and writes metadata.json.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil
	}
	r.active = false

	r.imuFile.Close()
	r.poseFile.Close()
	r.imuFile = nil
	r.poseFile = nil

	r.meta.StoppedAt = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(&r.meta, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(r.dir, "metadata.json"), data, 0644)
	}
	if err != nil {
		return fmt.Errorf("recorder: write metadata: %w", err)
	}

	r.ring.Logf("recorder: stopped, %d frames, %d imu samples, %d poses",
		r.meta.Frames, r.meta.IMUSamples, r.meta.Poses)
	return nil
}

// Active reports whether a dataset is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Dir returns the open dataset directory, if any.
func (r *Recorder) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// OnCameraFrame stores one JPEG named by its nanosecond timestamp.
func (r *Recorder) OnCameraFrame(timestampNs int64, jpeg []byte) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	path := filepath.Join(r.dir, "cam0", fmt.Sprintf("%d.jpg", timestampNs))
	r.meta.Frames++
	r.mu.Unlock()

	if err := os.WriteFile(path, jpeg, 0644); err != nil {
		r.ring.Logf("recorder: frame write failed: %v", err)
	}
}

// OnIMU appends one IMU sample.
func (r *Recorder) OnIMU(s IMUSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	fmt.Fprintf(r.imuFile, "%d,%g,%g,%g,%g,%g,%g\n", s.TimestampNs, s.WX, s.WY, s.WZ, s.AX, s.AY, s.AZ)
	r.meta.IMUSamples++
}

// OnPose appends one pose.
func (r *Recorder) OnPose(p mapping.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	fmt.Fprintf(r.poseFile, "%d,%g,%g,%g,%g,%g,%g,%g\n",
		p.TimestampNs, p.TX, p.TY, p.TZ, p.QX, p.QY, p.QZ, p.QW)
	r.meta.Poses++
}
