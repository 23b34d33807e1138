package machine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/navigation"
	"github.com/KevinKickass/OpenStageCore/internal/types"
	"go.uber.org/zap/zaptest"
)

type memJournal struct {
	mu     sync.Mutex
	runs   []types.HomingRun
	faults []types.CommandFault
}

func (j *memJournal) RecordHomingRun(_ context.Context, run types.HomingRun) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.runs {
		if j.runs[i].ID == run.ID {
			j.runs[i] = run
			return nil
		}
	}
	j.runs = append(j.runs, run)
	return nil
}

func (j *memJournal) RecordCommandFault(_ context.Context, fault types.CommandFault) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.faults = append(j.faults, fault)
	return nil
}

func (j *memJournal) ListHomingRuns(_ context.Context, limit int) ([]types.HomingRun, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.HomingRun
	for i := len(j.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.runs[i])
	}
	return out, nil
}

type fixture struct {
	ctrl    *Controller
	nav     *navigation.Controller
	sim     *microcontroller.SimSerial
	journal *memJournal

	mu     sync.Mutex
	states []State
}

func (f *fixture) visited() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

func testHomingConfig() config.HomingConfig {
	return config.HomingConfig{
		Timeout:        2 * time.Second,
		ZReturnTimeout: 2 * time.Second,
		XClearanceMM:   20,
		RepositionXMM:  20,
		RepositionYMM:  20,
		DefaultZMM:     2,
	}
}

func newFixture(t *testing.T, profile types.StageProfile, cfg config.HomingConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sim := microcontroller.NewSimSerial(microcontroller.SimOptions{
		Latency:  2 * time.Millisecond,
		Interval: time.Millisecond,
	}, logger)

	opts := microcontroller.DefaultOptions()
	opts.PollInterval = time.Millisecond
	mcu, err := microcontroller.New(sim, opts, logger)
	if err != nil {
		t.Fatal(err)
	}

	nav, err := navigation.NewController(mcu, profile, 2*time.Second, logger, nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{nav: nav, sim: sim, journal: &memJournal{}}
	f.ctrl = NewController(logger, nav, cfg, f.journal, nil)
	f.ctrl.OnStateChange(func(s MachineStatus) {
		f.mu.Lock()
		f.states = append(f.states, s.State)
		f.mu.Unlock()
	})

	t.Cleanup(func() {
		f.ctrl.Close()
		nav.Close()
		mcu.Close()
	})
	return f
}

func opcodes(rc []microcontroller.ReceivedCommand) []microcontroller.Opcode {
	out := make([]microcontroller.Opcode, len(rc))
	for i, c := range rc {
		out[i] = c.Command.Opcode
	}
	return out
}

func TestHomingSequence(t *testing.T) {
	f := newFixture(t, types.DefaultStageProfile(), testHomingConfig())

	runID, err := f.ctrl.Home(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	wantStates := []State{
		StateAwaitingZRetract,
		StateAwaitingYHome,
		StateAwaitingXHome,
		StateAwaitingXYReposition,
		StateLimitsSet,
		StateAwaitingZReturn,
		StateIdle,
	}
	got := f.visited()
	if len(got) != len(wantStates) {
		t.Fatalf("states = %v, want %v", got, wantStates)
	}
	for i := range wantStates {
		if got[i] != wantStates[i] {
			t.Errorf("state %d = %s, want %s", i, got[i], wantStates[i])
		}
	}

	wantOps := []microcontroller.Opcode{
		microcontroller.OpHomeOrZero, // home z
		microcontroller.OpMoveX,      // clear x
		microcontroller.OpHomeOrZero, // home y
		microcontroller.OpHomeOrZero, // zero y
		microcontroller.OpHomeOrZero, // home x
		microcontroller.OpHomeOrZero, // zero x
		microcontroller.OpMoveX,
		microcontroller.OpMoveY,
		microcontroller.OpSetLimit,
		microcontroller.OpSetLimit,
		microcontroller.OpSetLimit,
		microcontroller.OpSetLimit,
		microcontroller.OpSetLimit,
		microcontroller.OpMoveToZ,
	}
	ops := opcodes(f.sim.Received())
	if len(ops) != len(wantOps) {
		t.Fatalf("opcodes = %v, want %v", ops, wantOps)
	}
	for i := range wantOps {
		if ops[i] != wantOps[i] {
			t.Errorf("command %d = %s, want %s", i, ops[i], wantOps[i])
		}
	}

	status := f.ctrl.Status()
	if status.State != StateIdle || !status.Homed || status.RunID != runID.String() {
		t.Errorf("status = %+v", status)
	}
	if err := f.ctrl.CheckMotion(); err != nil {
		t.Errorf("CheckMotion after homing: %v", err)
	}

	pos := f.nav.Position()
	if !near(pos.X, 20) || !near(pos.Y, 20) || !near(pos.Z, 2) {
		t.Errorf("position after homing = %+v", pos)
	}

	runs, _ := f.ctrl.ListRuns(context.Background(), 10)
	if len(runs) != 1 || runs[0].Status != types.HomingCompleted || runs[0].FinishedAt == nil {
		t.Errorf("runs = %+v", runs)
	}
}

func near(a, b float64) bool {
	d := a - b
	return d < 1e-3 && d > -1e-3
}

func TestHomingSkipsDisabledAxes(t *testing.T) {
	profile := types.DefaultStageProfile()
	profile.Z.HomingEnabled = false
	f := newFixture(t, profile, testHomingConfig())

	if _, err := f.ctrl.Home(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, op := range opcodes(f.sim.Received()) {
		if op == microcontroller.OpMoveToZ {
			t.Error("z returned although z homing is disabled")
		}
	}
	for _, s := range f.visited() {
		if s == StateAwaitingZRetract || s == StateAwaitingZReturn {
			t.Errorf("visited %s with z homing disabled", s)
		}
	}
}

func TestHomingTimeoutIsFatal(t *testing.T) {
	cfg := testHomingConfig()
	cfg.Timeout = 50 * time.Millisecond
	f := newFixture(t, types.DefaultStageProfile(), cfg)
	ctx := context.Background()

	f.sim.SetSilent(true)
	_, err := f.ctrl.Home(ctx)

	var herr *HomingError
	if !errors.As(err, &herr) {
		t.Fatalf("err = %v, want *HomingError", err)
	}
	if herr.Step != StateAwaitingZRetract {
		t.Errorf("failed in %s, want %s", herr.Step, StateAwaitingZRetract)
	}
	if !errors.Is(err, microcontroller.ErrTimeout) {
		t.Errorf("err = %v, want wrapped ErrTimeout", err)
	}

	if s := f.ctrl.Status(); s.State != StateFailed || s.Homed {
		t.Errorf("status = %+v", s)
	}
	if err := f.ctrl.CheckMotion(); !errors.Is(err, ErrHomingRequired) {
		t.Errorf("CheckMotion = %v, want ErrHomingRequired", err)
	}
	if _, err := f.ctrl.Home(ctx); err == nil {
		t.Error("homing from FAILED without reset succeeded")
	}

	if _, err := f.ctrl.ExecuteCommand(ctx, CommandReset); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.CheckMotion(); !errors.Is(err, ErrHomingRequired) {
		t.Errorf("CheckMotion after reset = %v, want ErrHomingRequired", err)
	}

	f.sim.SetSilent(false)
	f.ctrl.cfg.Timeout = 2 * time.Second
	if _, err := f.ctrl.Home(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.CheckMotion(); err != nil {
		t.Errorf("CheckMotion after rehoming = %v", err)
	}

	runs, _ := f.ctrl.ListRuns(ctx, 10)
	if len(runs) != 2 || runs[0].Status != types.HomingCompleted || runs[1].Status != types.HomingFailed {
		t.Errorf("runs = %+v", runs)
	}
}

func TestExecutionErrorIsJournaled(t *testing.T) {
	f := newFixture(t, types.DefaultStageProfile(), testHomingConfig())

	f.sim.FailNextCommand(microcontroller.StatusExecutionError)
	_, err := f.ctrl.Home(context.Background())

	var cmdErr *microcontroller.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}

	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	if len(f.journal.faults) != 1 {
		t.Fatalf("faults = %+v", f.journal.faults)
	}
	fault := f.journal.faults[0]
	if fault.Opcode != microcontroller.OpHomeOrZero.String() || fault.RunID == nil {
		t.Errorf("fault = %+v", fault)
	}
}

func TestBackgroundHomeCommand(t *testing.T) {
	f := newFixture(t, types.DefaultStageProfile(), testHomingConfig())
	ctx := context.Background()

	runID, err := f.ctrl.ExecuteCommand(ctx, CommandHome)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.ExecuteCommand(ctx, CommandHome); !errors.Is(err, ErrHomingInProgress) {
		t.Errorf("second home = %v, want ErrHomingInProgress", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !f.ctrl.Status().Homed {
		if time.Now().After(deadline) {
			t.Fatal("background homing did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.ctrl.Status().RunID; got != runID.String() {
		t.Errorf("run id = %s, want %s", got, runID)
	}

	if _, err := f.ctrl.ExecuteCommand(ctx, Command("jump")); err == nil {
		t.Error("unknown command accepted")
	}
}
