package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
serial:
  device: /dev/ttyACM0
  simulate: true
homing:
  timeout: 2s
auth:
  operators:
    - username: alice
      password_hash: "$argon2id$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA"
      role: admin
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Serial.Device != "/dev/ttyACM0" || !cfg.Serial.Simulate {
		t.Errorf("serial section not loaded: %+v", cfg.Serial)
	}
	if cfg.Homing.Timeout != 2*time.Second {
		t.Errorf("homing timeout = %v, want 2s", cfg.Homing.Timeout)
	}
	if cfg.Homing.ZReturnTimeout != 5*time.Second {
		t.Errorf("z return timeout default = %v, want 5s", cfg.Homing.ZReturnTimeout)
	}
	if cfg.Protocol.CommandLength != 8 || cfg.Protocol.StatusLength != 24 {
		t.Errorf("protocol lengths = %d/%d", cfg.Protocol.CommandLength, cfg.Protocol.StatusLength)
	}
	if cfg.Protocol.ResendThreshold != 10 || cfg.Protocol.MaxResends != 1 {
		t.Errorf("resend policy = %d/%d", cfg.Protocol.ResendThreshold, cfg.Protocol.MaxResends)
	}
	if cfg.Simulation.Latency != 50*time.Millisecond {
		t.Errorf("sim latency = %v", cfg.Simulation.Latency)
	}
	if len(cfg.Auth.Operators) != 1 || cfg.Auth.Operators[0].Role != "admin" {
		t.Errorf("operators = %+v", cfg.Auth.Operators)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
serial:
  device: /dev/ttyACM0
homing:
  timeout: 2s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OSC_SERIAL_DEVICE", "/dev/ttyUSB9")
	t.Setenv("OSC_SERIAL_SIMULATE", "true")
	t.Setenv("OSC_HOMING_TIMEOUT", "7s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Serial.Device != "/dev/ttyUSB9" {
		t.Errorf("device = %q, want env override", cfg.Serial.Device)
	}
	if !cfg.Serial.Simulate {
		t.Error("simulate not overridden from environment")
	}
	if cfg.Homing.Timeout != 7*time.Second {
		t.Errorf("homing timeout = %v, want 7s", cfg.Homing.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("http port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Protocol.PollInterval != 5*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Protocol.PollInterval)
	}
}
