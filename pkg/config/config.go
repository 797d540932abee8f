package config

import (
	"fmt"
	"net"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"libera/pkg/engine"
	"libera/pkg/protocol"
)

// Config is the controller configuration loaded from a TOML file. Flags in
// cmd/liberad override individual fields after loading.
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Monitor MonitorConfig `toml:"monitor"`
	Log     LogConfig     `toml:"log"`
}

type DeviceConfig struct {
	Name      string `toml:"name"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	LatencyMS int64  `toml:"latency_ms"`
	PointRate uint32 `toml:"point_rate"`
}

type MonitorConfig struct {
	Enabled bool   `toml:"enabled"`
	WSAddr  string `toml:"ws_addr"`
}

type LogConfig struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Name:      "etherdream",
			Port:      protocol.DefaultPort,
			LatencyMS: engine.DefaultLatencyMillis,
			PointRate: engine.TargetPointRate,
		},
		Monitor: MonitorConfig{
			WSAddr: "127.0.0.1:8765",
		},
	}
}

// Load reads, normalizes and validates a TOML configuration file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize fills derived defaults. Safe to call on any config.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = "etherdream"
	}
	if cfg.Device.Port == 0 {
		cfg.Device.Port = protocol.DefaultPort
	}
	if cfg.Device.LatencyMS < 1 {
		cfg.Device.LatencyMS = engine.DefaultLatencyMillis
	}
	if cfg.Device.PointRate == 0 {
		cfg.Device.PointRate = engine.TargetPointRate
	}
	if cfg.Monitor.WSAddr == "" {
		cfg.Monitor.WSAddr = "127.0.0.1:8765"
	}
}

// Validate checks configuration correctness without mutating it.
func Validate(cfg *Config) error {
	if cfg.Device.Host != "" && net.ParseIP(cfg.Device.Host) == nil {
		return fmt.Errorf("device.host: %q is not an IP address", cfg.Device.Host)
	}
	if cfg.Device.Port < 1 || cfg.Device.Port > 65535 {
		return fmt.Errorf("device.port: %d out of range", cfg.Device.Port)
	}
	if cfg.Monitor.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Monitor.WSAddr); err != nil {
			return fmt.Errorf("monitor.ws_addr: %v", err)
		}
	}
	return nil
}
