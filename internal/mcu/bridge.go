// Package mcu speaks the JSON-per-line protocol of the motor-driver
// microcontroller: command encoding, telemetry key remapping, and the
// stream/watchdog boot configuration.
package mcu

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"polly/internal/logging"
)

// Transport is the link the bridge writes commands to.
type Transport interface {
	Enqueue(cmd string)
	Connected() bool
}

// Command numbers understood by the firmware.
const (
	CmdPing         = 1
	CmdStop         = 6
	CmdSetMotors    = 7
	CmdStateDump    = 101
	CmdSetWatchdog  = 102
	CmdSetStream    = 103
	CmdQueryVersion = 105
)

// Boot configuration.
const (
	bootWatchdogMs = 1000
	bootStreamMs   = 200
)

// keyMap expands the firmware's single-letter telemetry keys to their
// human-readable names. Unknown keys pass through unchanged.
var keyMap = map[string]string{
	"t":  "ts",
	"d":  "dist_f",
	"i":  "ir",
	"a":  "accel",
	"g":  "gyro",
	"tp": "temp",
	"b":  "battery",
	"mv": "mpu_ok",
	"fv": "fw_version",
	"e":  "error",
	"k":  "ok",
}

// logKeys marks telemetry lines worth surfacing to the human log.
var logKeys = map[string]bool{
	"tank":     true,
	"cmd":      true,
	"ok":       true,
	"error":    true,
	"estop":    true,
	"watchdog": true,
	"speed":    true,
	"safety":   true,
}

// Telemetry is the typed view of the latest telemetry line.
type Telemetry struct {
	Ts        int64      `json:"ts"`
	DistF     int        `json:"dist_f"` // ultrasonic, centimetres, -1 = no reading
	IR        []int      `json:"ir"`
	Accel     [3]float64 `json:"accel"`
	Gyro      [3]float64 `json:"gyro"`
	Temp      float64    `json:"temp"`
	Battery   float64    `json:"battery"`
	MpuOK     bool       `json:"mpu_ok"`
	FwVersion string     `json:"fw_version"`
}

// Bridge sits between the serial link and every telemetry consumer.
// Subscribers always see remapped lines.
type Bridge struct {
	link Transport
	ring *logging.Ring

	mu     sync.Mutex
	subs   []func(line string)
	latest Telemetry
	have   bool
}

// NewBridge creates a bridge over the given transport.
func NewBridge(link Transport, ring *logging.Ring) *Bridge {
	return &Bridge{
		link: link,
		ring: ring,
		latest: Telemetry{
			DistF: -1,
		},
	}
}

// Subscribe registers a consumer of remapped telemetry lines.
func (b *Bridge) Subscribe(fn func(line string)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// OnConnect runs the boot sequence: enable the firmware watchdog, start
// telemetry streaming and ask for the firmware version.
func (b *Bridge) OnConnect() {
	b.SetWatchdog(bootWatchdogMs)
	b.SetStreamPeriod(bootStreamMs)
	b.QueryFirmwareVersion()
	b.ring.Logf("mcu: boot sequence sent (watchdog %d ms, stream %d ms)", bootWatchdogMs, bootStreamMs)
}

// OnDisconnect attempts to stop telemetry streaming, best effort.
func (b *Bridge) OnDisconnect() {
	b.SetStreamPeriod(0)
}

// HandleLine consumes a raw telemetry line from the serial link. Malformed
// JSON is dropped at this boundary.
func (b *Bridge) HandleLine(raw string) {
	remapped, fields, err := RemapLine(raw)
	if err != nil {
		b.ring.Logf("mcu: dropped malformed line: %v", err)
		return
	}

	b.updateTelemetry(fields)

	if b.shouldSurface(fields) {
		b.ring.Logf("mcu: %s", remapped)
	}

	b.mu.Lock()
	subs := make([]func(string), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(remapped)
	}
}

// RemapLine parses one telemetry line and rewrites its keys through keyMap.
// The decoded (remapped) field map is returned alongside the re-encoded
// line.
func RemapLine(raw string) (string, map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var in map[string]interface{}
	if err := dec.Decode(&in); err != nil {
		return "", nil, fmt.Errorf("parse telemetry: %w", err)
	}

	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if mapped, ok := keyMap[k]; ok {
			k = mapped
		}
		out[k] = v
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return "", nil, fmt.Errorf("encode telemetry: %w", err)
	}
	return string(encoded), out, nil
}

func (b *Bridge) shouldSurface(fields map[string]interface{}) bool {
	for k := range fields {
		if logKeys[k] {
			return true
		}
	}
	return false
}

func (b *Bridge) updateTelemetry(fields map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.have = true

	if v, ok := asInt64(fields["ts"]); ok {
		b.latest.Ts = v
	}
	if v, ok := asInt64(fields["dist_f"]); ok {
		b.latest.DistF = int(v)
	}
	if arr, ok := fields["ir"].([]interface{}); ok {
		ir := make([]int, 0, len(arr))
		for _, e := range arr {
			if v, ok := asInt64(e); ok {
				ir = append(ir, int(v))
			}
		}
		b.latest.IR = ir
	}
	if t, ok := asTriple(fields["accel"]); ok {
		b.latest.Accel = t
	}
	if t, ok := asTriple(fields["gyro"]); ok {
		b.latest.Gyro = t
	}
	if v, ok := asFloat(fields["temp"]); ok {
		b.latest.Temp = v
	}
	if v, ok := asFloat(fields["battery"]); ok {
		b.latest.Battery = v
	}
	if v, ok := asInt64(fields["mpu_ok"]); ok {
		b.latest.MpuOK = v != 0
	} else if v, ok := fields["mpu_ok"].(bool); ok {
		b.latest.MpuOK = v
	}
	if v, ok := fields["fw_version"].(string); ok {
		b.latest.FwVersion = v
	}
}

func asInt64(v interface{}) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	}
	return i, true
}

func asFloat(v interface{}) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	return f, err == nil
}

func asTriple(v interface{}) ([3]float64, bool) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 3 {
		return [3]float64{}, false
	}
	var out [3]float64
	for i, e := range arr {
		f, ok := asFloat(e)
		if !ok {
			return [3]float64{}, false
		}
		out[i] = f
	}
	return out, true
}

// LatestTelemetry returns the most recent telemetry snapshot.
func (b *Bridge) LatestTelemetry() (Telemetry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.have
}

// UltrasonicCm returns the latest front ultrasonic reading, -1 when none
// has arrived.
func (b *Bridge) UltrasonicCm() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest.DistF
}

// Connected reports whether the underlying link is open.
func (b *Bridge) Connected() bool { return b.link.Connected() }

func (b *Bridge) send(cmd interface{}) {
	data, err := json.Marshal(cmd)
	if err != nil {
		b.ring.Logf("mcu: encode command: %v", err)
		return
	}
	b.link.Enqueue(string(data))
}

type motorCommand struct {
	N  int `json:"N"`
	D1 int `json:"D1"`
	D2 int `json:"D2"`
}

type valueCommand struct {
	N  int `json:"N"`
	D1 int `json:"D1"`
}

type bareCommand struct {
	N int `json:"N"`
}

// SetMotors issues signed tank-drive speeds for the left and right motor.
func (b *Bridge) SetMotors(d1, d2 int) {
	b.send(motorCommand{N: CmdSetMotors, D1: d1, D2: d2})
}

// Stop halts both motors.
func (b *Bridge) Stop() {
	b.send(bareCommand{N: CmdStop})
}

// SetWatchdog configures the firmware motor watchdog in milliseconds.
func (b *Bridge) SetWatchdog(ms int) {
	b.send(valueCommand{N: CmdSetWatchdog, D1: ms})
}

// SetStreamPeriod configures the telemetry stream period in milliseconds;
// zero disables streaming.
func (b *Bridge) SetStreamPeriod(ms int) {
	b.send(valueCommand{N: CmdSetStream, D1: ms})
}

// QueryFirmwareVersion asks the firmware to report its version.
func (b *Bridge) QueryFirmwareVersion() {
	b.send(bareCommand{N: CmdQueryVersion})
}

// Ping sends a liveness probe.
func (b *Bridge) Ping() {
	b.send(bareCommand{N: CmdPing})
}

// RequestStateDump asks the firmware for a full state report.
func (b *Bridge) RequestStateDump() {
	b.send(bareCommand{N: CmdStateDump})
}

// Forward enqueues a raw command line unchanged; used for remote commands
// relayed from the wire hub.
func (b *Bridge) Forward(raw string) {
	b.link.Enqueue(raw)
}

// Quiesce prepares the link for exclusive use by the firmware programmer:
// streaming off, watchdog off.
func (b *Bridge) Quiesce() {
	b.SetStreamPeriod(0)
	b.SetWatchdog(0)
}
