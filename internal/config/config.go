// Package config loads the Main Server's runtime configuration from a
// YAML file overlaid with environment variables, the same two-step
// approach the video-runner config uses.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full set of recognised options from spec §6.
type Config struct {
	Postgres struct {
		Host     string `yaml:"host" env:"DB_HOST"`
		Port     int    `yaml:"port" env:"DB_PORT"`
		User     string `yaml:"user" env:"DB_USER"`
		Password string `yaml:"password" env:"DB_PASSWORD"`
		Name     string `yaml:"name" env:"DB_NAME"`
	} `yaml:"postgres"`

	Ports struct {
		IDSUDPPort       int `yaml:"ids_udp_port" env:"IDS_UDP_PORT"`
		RelayUDPPort     int `yaml:"relay_udp_port" env:"RELAY_UDP_PORT"`
		InferenceTCPPort int `yaml:"inference_tcp_port" env:"INFERENCE_TCP_PORT"`
		ControllerTCPPort int `yaml:"controller_tcp_port" env:"CONTROLLER_TCP_PORT"`
		BirdTCPPort      int `yaml:"bird_tcp_port" env:"BIRD_TCP_PORT"`
		PilotTCPPort     int `yaml:"pilot_tcp_port" env:"PILOT_TCP_PORT"`
	} `yaml:"ports"`

	Map struct {
		Width     int `yaml:"map_width" env:"MAP_WIDTH"`
		Height    int `yaml:"map_height" env:"MAP_HEIGHT"`
		RealWidth  int `yaml:"real_map_width" env:"REAL_MAP_WIDTH"`
		RealHeight int `yaml:"real_map_height" env:"REAL_MAP_HEIGHT"`
	} `yaml:"map"`

	FrameBufferSize         int `yaml:"frame_buffer_size" env:"FRAME_BUFFER_SIZE"`
	FrameAgeCapMs           int `yaml:"frame_age_cap_ms" env:"FRAME_AGE_CAP_MS"`
	DetectionBufferWindowMs int `yaml:"detection_buffer_window_ms" env:"DETECTION_BUFFER_WINDOW_MS"`
	HazardClearMs           int `yaml:"hazard_clear_ms" env:"HAZARD_CLEAR_MS"`
	TCPBufferSize           int `yaml:"tcp_buffer_size" env:"TCP_BUFFER_SIZE"`

	ImageOutputDir string `yaml:"image_output_dir" env:"IMAGE_OUTPUT_DIR"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	LogColor bool   `yaml:"log_color" env:"LOG_COLOR"`

	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// Default returns the configuration's zero-state defaults, matching the
// values spec §6 names.
func Default() Config {
	var c Config
	c.Ports.IDSUDPPort = 4000
	c.Ports.RelayUDPPort = 4100
	c.Ports.InferenceTCPPort = 5000
	c.Ports.ControllerTCPPort = 5100
	c.Ports.BirdTCPPort = 5200
	c.Ports.PilotTCPPort = 5300

	c.Map.Width = 960
	c.Map.Height = 720
	c.Map.RealWidth = 1800
	c.Map.RealHeight = 1350

	c.FrameBufferSize = 60
	c.FrameAgeCapMs = 2000
	c.DetectionBufferWindowMs = 200
	c.HazardClearMs = 2000
	c.TCPBufferSize = 4096

	c.ImageOutputDir = "./images"
	c.LogLevel = "info"
	c.LogColor = true
	c.MetricsAddr = ":9090"

	return c
}

// Load reads filename (if non-empty and present) as YAML over the
// defaults, then overlays environment variables, giving env vars
// priority — the same layering as the video-runner's LoadConfig.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants the rest of the server assumes hold before
// any socket is bound.
func (c Config) Validate() error {
	ports := []struct {
		name string
		val  int
	}{
		{"ids_udp_port", c.Ports.IDSUDPPort},
		{"relay_udp_port", c.Ports.RelayUDPPort},
		{"inference_tcp_port", c.Ports.InferenceTCPPort},
		{"controller_tcp_port", c.Ports.ControllerTCPPort},
		{"bird_tcp_port", c.Ports.BirdTCPPort},
		{"pilot_tcp_port", c.Ports.PilotTCPPort},
	}
	for _, p := range ports {
		if p.val <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", p.name, p.val)
		}
	}

	if c.FrameBufferSize <= 0 {
		return fmt.Errorf("config: frame_buffer_size must be positive")
	}
	if c.FrameAgeCapMs <= 0 {
		return fmt.Errorf("config: frame_age_cap_ms must be positive")
	}
	if c.DetectionBufferWindowMs <= 0 {
		return fmt.Errorf("config: detection_buffer_window_ms must be positive")
	}
	if c.HazardClearMs <= 0 {
		return fmt.Errorf("config: hazard_clear_ms must be positive")
	}
	if c.Map.Width <= 0 || c.Map.Height <= 0 || c.Map.RealWidth <= 0 || c.Map.RealHeight <= 0 {
		return fmt.Errorf("config: map dimensions must be positive")
	}

	return nil
}
