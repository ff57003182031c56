// Package supervisor owns the runtime: it constructs every bridge, wires
// the data flow between them, arbitrates the drive modes and handles
// remote commands. Bridges are children of the supervisor and talk back
// only through the sinks they were given at construction.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"polly/internal/config"
	"polly/internal/firmware"
	"polly/internal/hub"
	"polly/internal/logging"
	"polly/internal/mapping"
	"polly/internal/mcu"
	"polly/internal/motion"
	"polly/internal/recorder"
	"polly/internal/serial"
	"polly/internal/thermal"
)

// AppVersion is reported in /status and dataset metadata.
const AppVersion = "1.2.0"

// Supervisor is the long-lived root of the runtime.
type Supervisor struct {
	cfg  *config.RuntimeConfig
	ring *logging.Ring

	link     *serial.Link
	bridge   *mcu.Bridge
	mapper   *mapping.Mapper
	thermal  *thermal.Driver
	hub      *hub.Hub
	recorder *recorder.Recorder

	startTime time.Time

	mu               sync.Mutex
	arduinoConnected bool
	flirConnected    bool
	wander           *motion.Wander
	explore          *motion.Explore
	wanderCancel     context.CancelFunc
	exploreCancel    context.CancelFunc
	modeWG           sync.WaitGroup
	uploading        bool
}

// New builds the runtime from configuration. Nothing is opened until Start.
func New(cfg *config.RuntimeConfig, ring *logging.Ring) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		ring:      ring,
		mapper:    mapping.NewMapper(ring),
		recorder:  recorder.New(cfg.DatasetDir, AppVersion, ring),
		startTime: time.Now(),
	}

	s.link = serial.NewLink(cfg.SerialDevice, ring, s.onSerialLine, s.onSerialState)
	s.bridge = mcu.NewBridge(s.link, ring)
	s.hub = hub.New(ring, AppVersion)
	s.thermal = thermal.NewDriver(cfg.ThermalVID, cfg.ThermalPID, ring, s.onThermalFrame, s.onThermalState)

	// Remapped telemetry fans out to the hub and feeds the mapper.
	s.bridge.Subscribe(func(line string) {
		s.hub.BroadcastText(hub.EndpointArduino, line)
		s.mapper.OnRange(s.bridge.UltrasonicCm())
	})

	s.hub.SetSinks(s.HandleControl, s.StartFirmwareUpload)
	return s
}

// Ring returns the runtime's log ring.
func (s *Supervisor) Ring() *logging.Ring { return s.ring }

// Hub returns the wire hub.
func (s *Supervisor) Hub() *hub.Hub { return s.hub }

// Mapper returns the mapper.
func (s *Supervisor) Mapper() *mapping.Mapper { return s.mapper }

// Start opens the bridges and the network surface. Device-open failures
// are logged, not fatal: the corresponding retry command recovers later.
func (s *Supervisor) Start() {
	go func() {
		if err := s.link.Open(); err != nil {
			s.ring.Logf("supervisor: serial open failed: %v", err)
		}
	}()
	go func() {
		if err := s.thermal.Open(); err != nil {
			s.ring.Logf("supervisor: thermal open failed: %v", err)
		}
	}()
	go func() {
		if err := s.hub.Start(s.cfg.ListenAddr); err != nil {
			s.ring.Logf("supervisor: %v", err)
		}
	}()
}

// Stop tears the runtime down in reverse order of the data flow.
func (s *Supervisor) Stop() {
	s.stopModes()
	s.bridge.Stop()
	s.bridge.OnDisconnect()
	s.recorder.Stop()
	s.hub.Stop()
	s.thermal.Close()
	s.link.Close()
}

func (s *Supervisor) onSerialLine(line string) {
	s.bridge.HandleLine(line)
}

func (s *Supervisor) onSerialState(connected bool, msg string) {
	s.mu.Lock()
	s.arduinoConnected = connected
	s.mu.Unlock()
	if connected {
		s.bridge.OnConnect()
	}
}

func (s *Supervisor) onThermalFrame(f *thermal.Frame) {
	s.hub.BroadcastBinary(hub.EndpointFlir, f.EncodeWire())
}

func (s *Supervisor) onThermalState(connected bool, msg string) {
	s.mu.Lock()
	s.flirConnected = connected
	s.mu.Unlock()
}

// OnPose consumes a pose from the external pose source.
func (s *Supervisor) OnPose(p mapping.Pose) {
	s.mapper.OnPose(p)
	s.recorder.OnPose(p)
}

// OnIMU consumes a phone IMU sample: hub fanout plus dataset recording.
func (s *Supervisor) OnIMU(sample recorder.IMUSample) {
	line, err := json.Marshal(map[string]interface{}{
		"ts": sample.TimestampNs,
		"ax": sample.AX, "ay": sample.AY, "az": sample.AZ,
		"gx": sample.WX, "gy": sample.WY, "gz": sample.WZ,
	})
	if err == nil {
		s.hub.BroadcastText(hub.EndpointIMU, string(line))
	}
	s.recorder.OnIMU(sample)
}

// OnCameraFrame consumes one JPEG frame: hub fanout plus dataset recording.
func (s *Supervisor) OnCameraFrame(timestampNs int64, jpeg []byte) {
	s.hub.BroadcastBinary(hub.EndpointCamera, jpeg)
	s.recorder.OnCameraFrame(timestampNs, jpeg)
}

// controlMessage is the permissive shape of a /control payload.
type controlMessage struct {
	Target string `json:"target"`
	Cmd    string `json:"cmd"`
}

// HandleControl routes one control message and returns the JSON reply.
func (s *Supervisor) HandleControl(raw []byte) []byte {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorReply("", fmt.Sprintf("malformed control message: %v", err))
	}

	if msg.Target == "arduino" && msg.Cmd == "" {
		// Raw firmware command: strip the routing field and forward.
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err == nil {
			delete(fields, "target")
			if line, err := json.Marshal(fields); err == nil {
				s.bridge.Forward(string(line))
				return nil
			}
		}
		return errorReply("", "unforwardable arduino command")
	}

	return s.runCommand(msg.Cmd)
}

// runCommand executes one named remote command.
func (s *Supervisor) runCommand(cmd string) []byte {
	switch cmd {
	case "start_map":
		s.mapper.Start()
		return okReply(cmd)
	case "stop_map":
		s.mapper.Stop()
		if path, err := s.mapper.SaveSnapshot(s.cfg.MapDir); err != nil {
			return errorReply(cmd, err.Error())
		} else if path != "" {
			return okReplyWith(cmd, map[string]interface{}{"path": path})
		}
		return okReply(cmd)
	case "start_wander":
		s.startWander()
		return okReply(cmd)
	case "stop_wander":
		s.stopWander()
		return okReply(cmd)
	case "start_explore":
		s.startExplore()
		return okReply(cmd)
	case "stop_explore":
		s.stopExplore()
		return okReply(cmd)
	case "start_recording":
		if _, err := s.recorder.Start(); err != nil {
			return errorReply(cmd, err.Error())
		}
		return okReply(cmd)
	case "stop_recording":
		if err := s.recorder.Stop(); err != nil {
			return errorReply(cmd, err.Error())
		}
		return okReply(cmd)
	case "retry_arduino":
		go func() {
			if err := s.link.Retry(); err != nil {
				s.ring.Logf("supervisor: serial retry failed: %v", err)
			}
		}()
		return okReply(cmd)
	case "retry_flir":
		go func() {
			if err := s.thermal.Retry(); err != nil {
				s.ring.Logf("supervisor: thermal retry failed: %v", err)
			}
		}()
		return okReply(cmd)
	case "stop":
		s.stopModes()
		s.bridge.Stop()
		return okReply(cmd)
	case "get_status":
		return s.statusReply()
	default:
		return errorReply(cmd, "unknown command")
	}
}

func okReply(cmd string) []byte {
	return mustMarshal(map[string]interface{}{"cmd": cmd, "ok": true})
}

func okReplyWith(cmd string, extra map[string]interface{}) []byte {
	extra["cmd"] = cmd
	extra["ok"] = true
	return mustMarshal(extra)
}

func errorReply(cmd, msg string) []byte {
	return mustMarshal(map[string]interface{}{"cmd": cmd, "error": msg})
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal encoding failure"}`)
	}
	return data
}

// Status is the full runtime state exposed over get_status.
type Status struct {
	Cmd              string         `json:"cmd"`
	OK               bool           `json:"ok"`
	AppVersion       string         `json:"app_version"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	ArduinoConnected bool           `json:"arduino_connected"`
	FlirConnected    bool           `json:"flir_connected"`
	Mapping          bool           `json:"mapping"`
	Wandering        bool           `json:"wandering"`
	Exploring        bool           `json:"exploring"`
	ExploreComplete  bool           `json:"exploration_complete"`
	Recording        bool           `json:"recording"`
	Uploading        bool           `json:"uploading"`
	Mapper           mapping.Stats  `json:"mapper"`
	Endpoints        map[string]int `json:"endpoints"`
	FwVersion        string         `json:"fw_version,omitempty"`
	CPUPercent       float64        `json:"cpu_percent"`
	MemPercent       float64        `json:"mem_percent"`
}

func (s *Supervisor) statusReply() []byte {
	s.mu.Lock()
	st := Status{
		Cmd:              "get_status",
		OK:               true,
		AppVersion:       AppVersion,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		ArduinoConnected: s.arduinoConnected,
		FlirConnected:    s.flirConnected,
		Wandering:        s.wanderCancel != nil,
		Exploring:        s.exploreCancel != nil,
		Uploading:        s.uploading,
	}
	if s.explore != nil {
		st.ExploreComplete = s.explore.Complete()
	}
	s.mu.Unlock()

	st.Mapping = s.mapper.Active()
	st.Recording = s.recorder.Active()
	st.Mapper = s.mapper.Stats()
	st.Endpoints = s.hub.ClientCounts()
	if t, ok := s.bridge.LatestTelemetry(); ok {
		st.FwVersion = t.FwVersion
	}

	if percents, err := psutil.Percent(0, false); err == nil && len(percents) > 0 {
		st.CPUPercent = percents[0]
	}
	if vm, err := psmem.VirtualMemory(); err == nil {
		st.MemPercent = vm.UsedPercent
	}
	return mustMarshal(st)
}

// Drive modes are mutually exclusive: starting one stops the other.

func (s *Supervisor) startWander() {
	s.stopExplore()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wanderCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.wanderCancel = cancel
	s.wander = motion.NewWander(s.bridge, s.bridge, s.mapper, s.ring,
		motion.Speeds{Drive: s.cfg.DriveSpeed, Turn: s.cfg.TurnSpeed})
	w := s.wander
	s.modeWG.Add(1)
	go func() {
		defer s.modeWG.Done()
		w.Run(ctx)
		s.mu.Lock()
		if s.wander == w && s.wanderCancel != nil {
			s.wanderCancel()
			s.wanderCancel = nil
		}
		s.mu.Unlock()
	}()
	s.ring.Logf("supervisor: wander started")
}

func (s *Supervisor) stopWander() {
	s.mu.Lock()
	cancel := s.wanderCancel
	s.wanderCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.ring.Logf("supervisor: wander stopped")
	}
}

func (s *Supervisor) startExplore() {
	s.stopWander()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exploreCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.exploreCancel = cancel
	s.explore = motion.NewExplore(s.bridge, s.bridge, s.mapper, s.ring,
		motion.Speeds{Drive: s.cfg.DriveSpeed, Turn: s.cfg.TurnSpeed})
	e := s.explore
	s.modeWG.Add(1)
	go func() {
		defer s.modeWG.Done()
		e.Run(ctx)
		s.mu.Lock()
		if s.explore == e && s.exploreCancel != nil {
			s.exploreCancel()
			s.exploreCancel = nil
		}
		s.mu.Unlock()
	}()
	s.ring.Logf("supervisor: explore started")
}

func (s *Supervisor) stopExplore() {
	s.mu.Lock()
	cancel := s.exploreCancel
	s.exploreCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.ring.Logf("supervisor: explore stopped")
	}
}

func (s *Supervisor) stopModes() {
	s.stopWander()
	s.stopExplore()
	s.modeWG.Wait()
}

// StartFirmwareUpload runs the programmer on its own goroutine. Progress
// events broadcast to the firmware endpoint; only one upload runs at a
// time.
func (s *Supervisor) StartFirmwareUpload(hexText string) {
	s.mu.Lock()
	if s.uploading {
		s.mu.Unlock()
		s.hub.BroadcastText(hub.EndpointFirmware, `{"done":true,"success":false,"message":"upload already in progress"}`)
		return
	}
	s.uploading = true
	s.mu.Unlock()

	// Motion must not fight the bootloader for the port.
	s.stopModes()

	prog := firmware.NewProgrammer(s.link, s.bridge, s.ring, func(ev firmware.Event) {
		if data, err := json.Marshal(ev); err == nil {
			s.hub.BroadcastText(hub.EndpointFirmware, string(data))
		}
	})

	go func() {
		defer func() {
			s.mu.Lock()
			s.uploading = false
			s.mu.Unlock()
		}()
		if err := prog.Upload(hexText); err != nil {
			s.ring.Logf("supervisor: firmware upload failed: %v", err)
		}
	}()
}
