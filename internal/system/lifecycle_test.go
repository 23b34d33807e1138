package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/config"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPPort = 0
	cfg.Server.GRPCPort = 0
	cfg.Serial.Simulate = true
	cfg.Simulation.Latency = 5 * time.Millisecond
	cfg.Simulation.Interval = 2 * time.Millisecond
	cfg.Protocol.PollInterval = time.Millisecond
	cfg.Homing.Timeout = 2 * time.Second
	cfg.Homing.ZReturnTimeout = 2 * time.Second
	cfg.Profile.Path = filepath.Join(t.TempDir(), "missing.yaml")
	return cfg
}

func TestStartHomesAndReportsHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Homing.OnStart = true

	lm := NewLifecycleManager(nil, cfg, zaptest.NewLogger(t))
	ctx := context.Background()
	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if s := lm.State(); s != StateRunning {
		t.Fatalf("state = %s, want RUNNING", s)
	}
	if st := lm.GetCurrentStatus(); !st.Simulated || st.Device != "simulator" || st.Journaling {
		t.Errorf("status = %+v", st)
	}

	req := &healthpb.HealthCheckRequest{Service: HealthService}
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := lm.healthServer.Check(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health = %s after homing on start, machine %+v", resp.Status, lm.MachineController().Status())
		}
		time.Sleep(10 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lm.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := lm.State(); s != StateStopped {
		t.Errorf("state after shutdown = %s", s)
	}
	select {
	case <-lm.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
}

func TestHealthNotServingBeforeHoming(t *testing.T) {
	lm := NewLifecycleManager(nil, testConfig(t), zaptest.NewLogger(t))
	ctx := context.Background()
	if err := lm.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { lm.Shutdown(context.Background()) })

	resp, err := lm.healthServer.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health = %s, want NOT_SERVING", resp.Status)
	}
}

func TestOpenTransportFallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testConfig(t)
	cfg.Serial.Simulate = false
	cfg.Serial.Device = filepath.Join(t.TempDir(), "ttyNONE")

	if _, _, _, err := OpenTransport(cfg, "", logger); err == nil {
		t.Fatal("expected error without simulate_on_failure")
	}

	cfg.Serial.SimulateOnFailure = true
	tr, device, simulated, err := OpenTransport(cfg, "", logger)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if !simulated || device != "simulator" {
		t.Errorf("device = %q simulated = %t", device, simulated)
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateConnecting, true},
		{StateConnecting, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateError, StateStopping, true},
		{StateInitializing, StateRunning, false},
		{StateStopped, StateRunning, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: err = %v", tt.from, tt.to, err)
		}
	}
}
