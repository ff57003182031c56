package config

import (
	"os"
	"path/filepath"
	"testing"
)

func resetCache() {
	runtimeConfig = nil
	configLoaded = false
}

func TestDefaults(t *testing.T) {
	resetCache()
	t.Chdir(t.TempDir()) // no .env, no go.mod: defaults only

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.SerialDevice != DefaultSerialDevice {
		t.Errorf("SerialDevice = %q", cfg.SerialDevice)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.ThermalVID != DefaultThermalVID || cfg.ThermalPID != DefaultThermalPID {
		t.Errorf("thermal ids = %04x:%04x", cfg.ThermalVID, cfg.ThermalPID)
	}
	if cfg.DriveSpeed != DefaultDriveSpeed || cfg.TurnSpeed != DefaultTurnSpeed {
		t.Errorf("speeds = %d/%d", cfg.DriveSpeed, cfg.TurnSpeed)
	}
}

func TestEnvFileAndOverrides(t *testing.T) {
	resetCache()
	dir := t.TempDir()
	envContent := "# robot settings\n" +
		"POLLY_SERIAL_DEVICE=/dev/ttyUSB3\n" +
		"POLLY_LISTEN_ADDR=:9000\n" +
		"POLLY_THERMAL_VID=0x1234\n" +
		"POLLY_DRIVE_SPEED=90\n" +
		"not a key value pair\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envContent), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	// Environment beats the .env file.
	t.Setenv("POLLY_LISTEN_ADDR", ":7070")

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.SerialDevice != "/dev/ttyUSB3" {
		t.Errorf("SerialDevice = %q", cfg.SerialDevice)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want env override", cfg.ListenAddr)
	}
	if cfg.ThermalVID != 0x1234 {
		t.Errorf("ThermalVID = %04x", cfg.ThermalVID)
	}
	if cfg.DriveSpeed != 90 {
		t.Errorf("DriveSpeed = %d", cfg.DriveSpeed)
	}

	// Second load returns the cached config.
	again, _ := LoadRuntimeConfig()
	if again != cfg {
		t.Error("config not cached")
	}
	resetCache()
}

func TestBadNumericValuesIgnored(t *testing.T) {
	resetCache()
	t.Chdir(t.TempDir())
	t.Setenv("POLLY_DRIVE_SPEED", "fast")
	t.Setenv("POLLY_THERMAL_PID", "0xZZZZ")

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.DriveSpeed != DefaultDriveSpeed {
		t.Errorf("DriveSpeed = %d, want default", cfg.DriveSpeed)
	}
	if cfg.ThermalPID != DefaultThermalPID {
		t.Errorf("ThermalPID = %04x, want default", cfg.ThermalPID)
	}
	resetCache()
}
