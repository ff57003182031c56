package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RuntimeConfig holds the settings every bridge and controller is built from.
type RuntimeConfig struct {
	SerialDevice string // serial port path, e.g. /dev/ttyACM0
	ListenAddr   string // wire hub listen address
	ThermalVID   uint16 // thermal imager USB vendor ID
	ThermalPID   uint16 // thermal imager USB product ID
	MapDir       string // directory for map snapshots
	DatasetDir   string // directory for dataset recordings
	DriveSpeed   int    // forward burst motor speed
	TurnSpeed    int    // in-place rotation motor speed
}

var (
	runtimeConfig *RuntimeConfig
	configLoaded  bool
)

// Defaults matching the reference vehicle.
const (
	DefaultSerialDevice = "/dev/ttyACM0"
	DefaultListenAddr   = ":8080"
	DefaultThermalVID   = 0x09CB
	DefaultThermalPID   = 0x1996
	DefaultDriveSpeed   = 140
	DefaultTurnSpeed    = 120
)

// LoadRuntimeConfig loads configuration from a .env file in the project
// root, then applies environment-variable overrides. The result is cached.
func LoadRuntimeConfig() (*RuntimeConfig, error) {
	if runtimeConfig != nil && configLoaded {
		return runtimeConfig, nil
	}

	cfg := &RuntimeConfig{
		SerialDevice: DefaultSerialDevice,
		ListenAddr:   DefaultListenAddr,
		ThermalVID:   DefaultThermalVID,
		ThermalPID:   DefaultThermalPID,
		MapDir:       "maps",
		DatasetDir:   "datasets",
		DriveSpeed:   DefaultDriveSpeed,
		TurnSpeed:    DefaultTurnSpeed,
	}

	// Try to load from .env file in project root
	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")

	data, err := os.ReadFile(envPath)
	if err == nil {
		parseEnvFile(string(data), cfg)
	}

	// Override with environment variables if set
	for key, apply := range setters(cfg) {
		if v := os.Getenv(key); v != "" {
			apply(v)
		}
	}

	runtimeConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *RuntimeConfig) {
	set := setters(cfg)
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if apply, ok := set[key]; ok {
			apply(value)
		}
	}
}

func setters(cfg *RuntimeConfig) map[string]func(string) {
	return map[string]func(string){
		"POLLY_SERIAL_DEVICE": func(v string) { cfg.SerialDevice = v },
		"POLLY_LISTEN_ADDR":   func(v string) { cfg.ListenAddr = v },
		"POLLY_MAP_DIR":       func(v string) { cfg.MapDir = v },
		"POLLY_DATASET_DIR":   func(v string) { cfg.DatasetDir = v },
		"POLLY_THERMAL_VID": func(v string) {
			if id, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16); err == nil {
				cfg.ThermalVID = uint16(id)
			}
		},
		"POLLY_THERMAL_PID": func(v string) {
			if id, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16); err == nil {
				cfg.ThermalPID = uint16(id)
			}
		},
		"POLLY_DRIVE_SPEED": func(v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.DriveSpeed = n
			}
		},
		"POLLY_TURN_SPEED": func(v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.TurnSpeed = n
			}
		},
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
