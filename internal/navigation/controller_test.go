package navigation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/stage"
	"github.com/KevinKickass/OpenStageCore/internal/types"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 2 * time.Second

func newTestController(t *testing.T) (*Controller, *microcontroller.SimSerial) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sim := microcontroller.NewSimSerial(microcontroller.SimOptions{
		Latency:  5 * time.Millisecond,
		Interval: 2 * time.Millisecond,
	}, logger)

	opts := microcontroller.DefaultOptions()
	opts.PollInterval = time.Millisecond
	mcu, err := microcontroller.New(sim, opts, logger)
	if err != nil {
		t.Fatal(err)
	}

	ctrl, err := NewController(mcu, types.DefaultStageProfile(), waitTimeout, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctrl.Close()
		mcu.Close()
	})
	return ctrl, sim
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-3
}

func lastCommand(t *testing.T, sim *microcontroller.SimSerial) microcontroller.Command {
	t.Helper()
	rc := sim.Received()
	if len(rc) == 0 {
		t.Fatal("no command received")
	}
	return rc[len(rc)-1].Command
}

func TestRelativeAndAbsoluteMovesAgree(t *testing.T) {
	ctrl, sim := newTestController(t)
	ctx := context.Background()

	if err := ctrl.MoveXTo(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if got := ctrl.Position().X; !near(got, 10) {
		t.Fatalf("x after MoveXTo(10) = %v", got)
	}
	// X runs with sign -1 on the stock stage
	if raw := sim.Position().X; raw != -16000 {
		t.Fatalf("raw x = %d, want -16000", raw)
	}

	if err := ctrl.MoveX(ctx, -4); err != nil {
		t.Fatal(err)
	}
	if got := ctrl.Position().X; !near(got, 6) {
		t.Fatalf("x after MoveX(-4) = %v, want 6", got)
	}

	if err := ctrl.MoveX(ctx, 4); err != nil {
		t.Fatal(err)
	}
	if got := ctrl.Position().X; !near(got, 10) {
		t.Fatalf("x after canceling move = %v, want 10", got)
	}

	if err := ctrl.MoveYTo(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if raw := sim.Position().Y; raw != 4800 {
		t.Fatalf("raw y = %d, want 4800", raw)
	}
}

func TestMoveOutsideLimitsSendsNothing(t *testing.T) {
	ctrl, sim := newTestController(t)
	ctx := context.Background()

	before := len(sim.Received())

	if err := ctrl.MoveXTo(ctx, 57); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("MoveXTo(57) = %v, want ErrOutOfRange", err)
	}
	if err := ctrl.MoveY(ctx, -1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("MoveY(-1) from 0 = %v, want ErrOutOfRange", err)
	}
	if err := ctrl.MoveZTo(ctx, 7); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("MoveZTo(7) = %v, want ErrOutOfRange", err)
	}

	if n := len(sim.Received()); n != before {
		t.Errorf("%d commands sent for rejected moves", n-before)
	}

	// theta has no software limits
	if err := ctrl.MoveTheta(ctx, 720); err != nil {
		t.Errorf("MoveTheta: %v", err)
	}
}

func TestSetLimitProgramsControllerEnd(t *testing.T) {
	ctrl, sim := newTestController(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		axis     microcontroller.Axis
		dir      stage.LimitDirection
		mm       float64
		wantCode microcontroller.LimitCode
		wantRaw  int32
	}{
		{"x positive swaps", microcontroller.AxisX, stage.LimitPositive, 40, microcontroller.LimitXNegative, -64000},
		{"x negative swaps", microcontroller.AxisX, stage.LimitNegative, -0.25, microcontroller.LimitXPositive, 400},
		{"y positive keeps", microcontroller.AxisY, stage.LimitPositive, 30, microcontroller.LimitYPositive, 48000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ctrl.SetLimit(ctx, tt.axis, tt.dir, tt.mm); err != nil {
				t.Fatal(err)
			}
			cmd := lastCommand(t, sim)
			if cmd.Opcode != microcontroller.OpSetLimit {
				t.Fatalf("opcode = %s, want SET_LIM", cmd.Opcode)
			}
			if code := microcontroller.LimitCode(cmd.Args[0]); code != tt.wantCode {
				t.Errorf("limit code = %d, want %d", code, tt.wantCode)
			}
			if raw := microcontroller.Int32(cmd.Args[1:5]); raw != tt.wantRaw {
				t.Errorf("raw = %d, want %d", raw, tt.wantRaw)
			}
		})
	}

	if l := ctrl.Limits(); l.XPositive != 40 || l.XNegative != -0.25 || l.YPositive != 30 {
		t.Errorf("limits not adopted: %+v", l)
	}
	if err := ctrl.MoveXTo(ctx, 45); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("MoveXTo past new limit = %v, want ErrOutOfRange", err)
	}
}

func TestHomeDirectionFollowsSign(t *testing.T) {
	ctrl, sim := newTestController(t)
	ctx := context.Background()

	if err := ctrl.MoveXTo(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Home(ctx, microcontroller.AxisX, waitTimeout); err != nil {
		t.Fatal(err)
	}
	cmd := lastCommand(t, sim)
	if cmd.Opcode != microcontroller.OpHomeOrZero ||
		microcontroller.Axis(cmd.Args[0]) != microcontroller.AxisX ||
		microcontroller.HomeDirection(cmd.Args[1]) != microcontroller.HomePositive {
		t.Errorf("home x sent %s %v", cmd.Opcode, cmd.Args)
	}
	if got := ctrl.Position().X; got != 0 {
		t.Errorf("x after home = %v", got)
	}

	if err := ctrl.Home(ctx, microcontroller.AxisXY, waitTimeout); err != nil {
		t.Fatal(err)
	}
	cmd = lastCommand(t, sim)
	if microcontroller.Axis(cmd.Args[0]) != microcontroller.AxisXY ||
		microcontroller.HomeDirection(cmd.Args[1]) != microcontroller.HomePositive ||
		microcontroller.HomeDirection(cmd.Args[2]) != microcontroller.HomeNegative {
		t.Errorf("home xy sent %v", cmd.Args)
	}
}

func TestBacklashCompensation(t *testing.T) {
	ctrl, sim := newTestController(t)
	ctx := context.Background()

	if err := ctrl.MoveZTo(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if c := ctrl.BacklashClearance(); c != 160 {
		t.Fatalf("clearance = %d, want 160", c)
	}

	start := sim.Position().Z
	before := len(sim.Received())

	if err := ctrl.MoveZWithBacklashCompensation(ctx, -100); err != nil {
		t.Fatal(err)
	}

	rc := sim.Received()[before:]
	if len(rc) != 2 {
		t.Fatalf("%d commands for downward move, want 2", len(rc))
	}
	if got := microcontroller.Int32(rc[0].Command.Args); got != -260 {
		t.Errorf("overshoot = %d, want -260", got)
	}
	if got := microcontroller.Int32(rc[1].Command.Args); got != 160 {
		t.Errorf("approach = %d, want 160", got)
	}
	if got := sim.Position().Z; got != start-100 {
		t.Errorf("raw z = %d, want %d", got, start-100)
	}

	before = len(sim.Received())
	if err := ctrl.MoveZWithBacklashCompensation(ctx, 50); err != nil {
		t.Fatal(err)
	}
	if n := len(sim.Received()) - before; n != 1 {
		t.Errorf("%d commands for upward move, want 1", n)
	}
}

func TestJoystickPressIsPublishedAndAcknowledged(t *testing.T) {
	ctrl, sim := newTestController(t)

	events := ctrl.Subscribe()
	defer ctrl.Unsubscribe(events)

	sim.PressJoystickButton()

	timeout := time.After(waitTimeout)
	for pressed := false; !pressed; {
		select {
		case ev := <-events:
			pressed = ev.Type == EventJoystickButton
		case <-timeout:
			t.Fatal("no joystick event")
		}
	}

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for _, rc := range sim.Received() {
			if rc.Command.Opcode == microcontroller.OpAckJoystickButtonPressed {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("joystick press never acknowledged")
}

func TestMoveTimesOutWhenControllerSilent(t *testing.T) {
	ctrl, sim := newTestController(t)
	sim.SetSilent(true)

	err := ctrl.MoveXTo(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error from silent controller")
	}
	if !errors.Is(err, microcontroller.ErrTimeout) && !errors.Is(err, microcontroller.ErrNoAcknowledgement) {
		t.Errorf("err = %v, want timeout", err)
	}
}
