package mcu

import (
	"encoding/json"
	"strings"
	"testing"

	"polly/internal/logging"
)

type fakeTransport struct {
	sent      []string
	connected bool
}

func (f *fakeTransport) Enqueue(cmd string) { f.sent = append(f.sent, cmd) }
func (f *fakeTransport) Connected() bool    { return f.connected }

func newTestBridge() (*Bridge, *fakeTransport, *logging.Ring) {
	tr := &fakeTransport{connected: true}
	ring := logging.NewRing(false)
	return NewBridge(tr, ring), tr, ring
}

func TestRemapLine(t *testing.T) {
	remapped, fields, err := RemapLine(`{"t":123,"d":42,"a":[0.1,0.2,0.3],"g":[1,2,3],"b":7.4,"fv":"1.0.3","custom":true}`)
	if err != nil {
		t.Fatalf("RemapLine: %v", err)
	}

	for _, key := range []string{"ts", "dist_f", "accel", "gyro", "battery", "fw_version", "custom"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("remapped fields missing %q: %v", key, fields)
		}
	}
	for _, gone := range []string{"t", "d", "a", "g", "b", "fv"} {
		if _, ok := fields[gone]; ok {
			t.Errorf("short key %q survived remapping", gone)
		}
	}

	// The re-encoded line parses and carries the same values.
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(remapped), &decoded); err != nil {
		t.Fatalf("remapped line does not parse: %v", err)
	}
	if decoded["fw_version"] != "1.0.3" {
		t.Errorf("fw_version = %v", decoded["fw_version"])
	}
	if decoded["custom"] != true {
		t.Error("unknown key did not pass through unchanged")
	}
}

func TestRemapLineMalformed(t *testing.T) {
	if _, _, err := RemapLine("not json"); err == nil {
		t.Error("malformed line accepted")
	}
}

func TestHandleLineUpdatesTelemetry(t *testing.T) {
	b, _, _ := newTestBridge()
	b.HandleLine(`{"t":99,"d":37,"i":[1,0,1],"a":[0.1,0.2,0.3],"tp":24.5,"b":7.9,"mv":1,"fv":"1.2.0"}`)

	tel, ok := b.LatestTelemetry()
	if !ok {
		t.Fatal("no telemetry stored")
	}
	if tel.Ts != 99 || tel.DistF != 37 {
		t.Errorf("ts/dist = %d/%d", tel.Ts, tel.DistF)
	}
	if len(tel.IR) != 3 || tel.IR[0] != 1 {
		t.Errorf("ir = %v", tel.IR)
	}
	if tel.Accel != [3]float64{0.1, 0.2, 0.3} {
		t.Errorf("accel = %v", tel.Accel)
	}
	if tel.Temp != 24.5 || tel.Battery != 7.9 {
		t.Errorf("temp/battery = %v/%v", tel.Temp, tel.Battery)
	}
	if !tel.MpuOK {
		t.Error("mpu_ok not set")
	}
	if tel.FwVersion != "1.2.0" {
		t.Errorf("fw_version = %q", tel.FwVersion)
	}
	if b.UltrasonicCm() != 37 {
		t.Errorf("UltrasonicCm = %d", b.UltrasonicCm())
	}
}

func TestHandleLineFansOutRemapped(t *testing.T) {
	b, _, _ := newTestBridge()
	var got string
	b.Subscribe(func(line string) { got = line })

	b.HandleLine(`{"d":25}`)
	if !strings.Contains(got, `"dist_f":25`) {
		t.Errorf("subscriber saw %q, want remapped dist_f", got)
	}
}

func TestHandleLineDropsMalformed(t *testing.T) {
	b, _, _ := newTestBridge()
	called := false
	b.Subscribe(func(string) { called = true })

	b.HandleLine("{{{")
	if called {
		t.Error("malformed line reached subscribers")
	}
	if _, ok := b.LatestTelemetry(); ok {
		t.Error("malformed line updated telemetry")
	}
}

func TestLogSurfacingFilter(t *testing.T) {
	b, _, ring := newTestBridge()

	b.HandleLine(`{"d":30}`)
	if n := countBridgeLogs(ring); n != 0 {
		t.Errorf("plain telemetry surfaced %d log lines", n)
	}

	b.HandleLine(`{"estop":1}`)
	b.HandleLine(`{"watchdog":"fired"}`)
	if n := countBridgeLogs(ring); n != 2 {
		t.Errorf("flagged lines surfaced %d log entries, want 2", n)
	}
}

func countBridgeLogs(ring *logging.Ring) int {
	n := 0
	for _, e := range ring.Tail(0) {
		if strings.HasPrefix(e.Message, "mcu: {") {
			n++
		}
	}
	return n
}

func TestCommandEncoding(t *testing.T) {
	b, tr, _ := newTestBridge()

	b.SetMotors(120, -120)
	b.Stop()
	b.SetWatchdog(1000)
	b.SetStreamPeriod(200)
	b.QueryFirmwareVersion()
	b.Ping()
	b.RequestStateDump()

	want := []struct {
		n      int
		fields map[string]float64
	}{
		{CmdSetMotors, map[string]float64{"D1": 120, "D2": -120}},
		{CmdStop, nil},
		{CmdSetWatchdog, map[string]float64{"D1": 1000}},
		{CmdSetStream, map[string]float64{"D1": 200}},
		{CmdQueryVersion, nil},
		{CmdPing, nil},
		{CmdStateDump, nil},
	}
	if len(tr.sent) != len(want) {
		t.Fatalf("sent %d commands, want %d", len(tr.sent), len(want))
	}
	for i, w := range want {
		var decoded map[string]float64
		if err := json.Unmarshal([]byte(tr.sent[i]), &decoded); err != nil {
			t.Fatalf("command %d is not JSON: %v", i, err)
		}
		if int(decoded["N"]) != w.n {
			t.Errorf("command %d N = %v, want %d", i, decoded["N"], w.n)
		}
		for k, v := range w.fields {
			if decoded[k] != v {
				t.Errorf("command %d %s = %v, want %v", i, k, decoded[k], v)
			}
		}
	}
}

func TestBootSequence(t *testing.T) {
	b, tr, _ := newTestBridge()
	b.OnConnect()

	if len(tr.sent) != 3 {
		t.Fatalf("boot sequence sent %d commands, want 3", len(tr.sent))
	}
	if !strings.Contains(tr.sent[0], `"N":102`) || !strings.Contains(tr.sent[0], `"D1":1000`) {
		t.Errorf("first boot command = %q, want watchdog 1000", tr.sent[0])
	}
	if !strings.Contains(tr.sent[1], `"N":103`) || !strings.Contains(tr.sent[1], `"D1":200`) {
		t.Errorf("second boot command = %q, want stream 200", tr.sent[1])
	}
	if !strings.Contains(tr.sent[2], `"N":105`) {
		t.Errorf("third boot command = %q, want version query", tr.sent[2])
	}
}

func TestQuiesce(t *testing.T) {
	b, tr, _ := newTestBridge()
	b.Quiesce()

	if len(tr.sent) != 2 {
		t.Fatalf("quiesce sent %d commands, want 2", len(tr.sent))
	}
	if !strings.Contains(tr.sent[0], `"N":103`) || !strings.Contains(tr.sent[0], `"D1":0`) {
		t.Errorf("quiesce stream command = %q", tr.sent[0])
	}
	if !strings.Contains(tr.sent[1], `"N":102`) || !strings.Contains(tr.sent[1], `"D1":0`) {
		t.Errorf("quiesce watchdog command = %q", tr.sent[1])
	}
}
