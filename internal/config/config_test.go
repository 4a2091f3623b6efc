package config

import (
	"os"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ports.ControllerTCPPort != 5100 {
		t.Errorf("expected default controller port, got %d", cfg.Ports.ControllerTCPPort)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	os.Setenv("CONTROLLER_TCP_PORT", "6100")
	defer os.Unsetenv("CONTROLLER_TCP_PORT")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ports.ControllerTCPPort != 6100 {
		t.Errorf("expected env override 6100, got %d", cfg.Ports.ControllerTCPPort)
	}
}

func TestValidateRejectsNonPositivePort(t *testing.T) {
	cfg := Default()
	cfg.Ports.PilotTCPPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero port")
	}
}

func TestValidateRejectsZeroBufferSize(t *testing.T) {
	cfg := Default()
	cfg.FrameBufferSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero frame buffer size")
	}
}
