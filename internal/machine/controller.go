package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/api/websocket"
	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/navigation"
	"github.com/KevinKickass/OpenStageCore/internal/stage"
	"github.com/KevinKickass/OpenStageCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// runs kept in memory when no journal is configured
const runHistory = 50

// Journal persists homing runs and command faults.
type Journal interface {
	RecordHomingRun(ctx context.Context, run types.HomingRun) error
	RecordCommandFault(ctx context.Context, fault types.CommandFault) error
	ListHomingRuns(ctx context.Context, limit int) ([]types.HomingRun, error)
}

type Controller struct {
	logger  *zap.Logger
	nav     *navigation.Controller
	cfg     config.HomingConfig
	journal Journal
	wsHub   *websocket.Hub

	mu              sync.RWMutex
	currentState    State
	homed           bool
	requireHome     bool
	homingActive    bool
	runID           uuid.UUID
	errorMessage    string
	lastStateChange time.Time
	runs            []types.HomingRun
	listeners       []func(MachineStatus)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController wraps nav with the homing state machine. journal and
// wsHub may be nil.
func NewController(
	logger *zap.Logger,
	nav *navigation.Controller,
	cfg config.HomingConfig,
	journal Journal,
	wsHub *websocket.Hub,
) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		logger:          logger,
		nav:             nav,
		cfg:             cfg,
		journal:         journal,
		wsHub:           wsHub,
		currentState:    StateIdle,
		lastStateChange: time.Now(),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Close cancels a background homing run and waits for it.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// OnStateChange registers fn to run after every state change.
func (c *Controller) OnStateChange(fn func(MachineStatus)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// ExecuteCommand handles machine commands. Home starts a background run
// and returns its ID.
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) (uuid.UUID, error) {
	c.mu.RLock()
	currentState := c.currentState
	c.mu.RUnlock()

	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(currentState)))

	switch cmd {
	case CommandHome:
		run, err := c.begin(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = c.runHoming(c.ctx, run)
		}()
		return run.ID, nil
	case CommandReset:
		return uuid.Nil, c.executeReset()
	default:
		return uuid.Nil, fmt.Errorf("unknown command: %s", cmd)
	}
}

// Home runs the homing sequence and blocks until it ends.
func (c *Controller) Home(ctx context.Context) (uuid.UUID, error) {
	run, err := c.begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return run.ID, c.runHoming(ctx, run)
}

func (c *Controller) begin(ctx context.Context) (types.HomingRun, error) {
	c.mu.Lock()
	if c.homingActive {
		c.mu.Unlock()
		return types.HomingRun{}, ErrHomingInProgress
	}
	if c.currentState == StateFailed {
		c.mu.Unlock()
		return types.HomingRun{}, fmt.Errorf("cannot home: reset required (current: %s)", c.currentState)
	}

	run := types.HomingRun{
		ID:        uuid.New(),
		Status:    types.HomingRunning,
		StartedAt: time.Now(),
	}
	c.runID = run.ID
	c.homed = false
	c.homingActive = true
	c.mu.Unlock()

	c.logger.Info("Homing run started", zap.String("run_id", run.ID.String()))
	c.recordRun(ctx, run)
	return run, nil
}

type homingStep struct {
	state State
	name  string
	run   func(ctx context.Context) error
}

func (c *Controller) homingSteps() []homingStep {
	profile := c.nav.Profile()
	homeZ := profile.Z.HomingEnabled
	homeXY := profile.X.HomingEnabled && profile.Y.HomingEnabled
	timeout := c.cfg.Timeout

	var steps []homingStep
	if homeZ {
		steps = append(steps, homingStep{StateAwaitingZRetract, "home z", func(ctx context.Context) error {
			return c.nav.Home(ctx, microcontroller.AxisZ, timeout)
		}})
	}

	if homeXY {
		steps = append(steps,
			// y homing needs x out of the way
			homingStep{StateAwaitingYHome, "clear x", func(ctx context.Context) error {
				return c.moveRelative(ctx, microcontroller.AxisX, c.cfg.XClearanceMM, timeout)
			}},
			homingStep{StateAwaitingYHome, "home y", func(ctx context.Context) error {
				return c.nav.Home(ctx, microcontroller.AxisY, timeout)
			}},
			homingStep{StateAwaitingYHome, "zero y", func(ctx context.Context) error {
				return c.nav.Zero(ctx, microcontroller.AxisY)
			}},
			homingStep{StateAwaitingXHome, "home x", func(ctx context.Context) error {
				return c.nav.Home(ctx, microcontroller.AxisX, timeout)
			}},
			homingStep{StateAwaitingXHome, "zero x", func(ctx context.Context) error {
				return c.nav.Zero(ctx, microcontroller.AxisX)
			}},
			homingStep{StateAwaitingXYReposition, "reposition x", func(ctx context.Context) error {
				return c.moveRelative(ctx, microcontroller.AxisX, c.cfg.RepositionXMM, timeout)
			}},
			homingStep{StateAwaitingXYReposition, "reposition y", func(ctx context.Context) error {
				return c.moveRelative(ctx, microcontroller.AxisY, c.cfg.RepositionYMM, timeout)
			}},
		)
	}

	limits := profile.Limits
	setLimit := func(axis microcontroller.Axis, dir stage.LimitDirection, mm float64) homingStep {
		return homingStep{StateLimitsSet, fmt.Sprintf("limit %s %s", axis, dir), func(ctx context.Context) error {
			return c.nav.SetLimit(ctx, axis, dir, mm)
		}}
	}
	if homeXY {
		steps = append(steps,
			setLimit(microcontroller.AxisX, stage.LimitPositive, limits.XPositive),
			setLimit(microcontroller.AxisX, stage.LimitNegative, limits.XNegative),
			setLimit(microcontroller.AxisY, stage.LimitPositive, limits.YPositive),
			setLimit(microcontroller.AxisY, stage.LimitNegative, limits.YNegative),
		)
	}
	if homeZ {
		steps = append(steps,
			setLimit(microcontroller.AxisZ, stage.LimitPositive, limits.ZPositive),
			homingStep{StateAwaitingZReturn, "return z", func(ctx context.Context) error {
				return c.moveAbsolute(ctx, microcontroller.AxisZ, c.cfg.DefaultZMM, c.cfg.ZReturnTimeout)
			}},
		)
	}
	return steps
}

// moveRelative bypasses the host limit check; during homing the reported
// position is not yet meaningful.
func (c *Controller) moveRelative(ctx context.Context, axis microcontroller.Axis, mm float64, timeout time.Duration) error {
	raw, err := c.nav.Converter(axis).ToRaw(mm)
	if err != nil {
		return err
	}
	mcu := c.nav.Microcontroller()
	return c.nav.Exec(ctx, timeout, func() error { return mcu.Move(axis, raw) })
}

func (c *Controller) moveAbsolute(ctx context.Context, axis microcontroller.Axis, mm float64, timeout time.Duration) error {
	raw, err := c.nav.Converter(axis).ToRaw(mm)
	if err != nil {
		return err
	}
	mcu := c.nav.Microcontroller()
	return c.nav.Exec(ctx, timeout, func() error { return mcu.MoveTo(axis, raw) })
}

func (c *Controller) runHoming(ctx context.Context, run types.HomingRun) error {
	prev := State("")
	for _, step := range c.homingSteps() {
		if step.state != prev {
			c.setState(step.state, "")
			prev = step.state
		}
		run.Step = step.name

		c.logger.Debug("Homing step",
			zap.String("run_id", run.ID.String()),
			zap.String("step", step.name))

		if err := step.run(ctx); err != nil {
			herr := &HomingError{RunID: run.ID, Step: step.state, Err: fmt.Errorf("%s: %w", step.name, err)}
			c.failRun(run, herr)
			return herr
		}
	}

	now := time.Now()
	run.Status = types.HomingCompleted
	run.Step = ""
	run.FinishedAt = &now

	c.recordRun(context.Background(), run)

	c.mu.Lock()
	c.homed = true
	c.requireHome = false
	c.homingActive = false
	c.mu.Unlock()
	c.setState(StateIdle, "")

	c.logger.Info("Homing run completed",
		zap.String("run_id", run.ID.String()),
		zap.Duration("duration", now.Sub(run.StartedAt)))
	return nil
}

func (c *Controller) failRun(run types.HomingRun, herr *HomingError) {
	now := time.Now()
	run.Status = types.HomingFailed
	run.Error = herr.Err.Error()
	run.FinishedAt = &now

	c.logger.Error("Homing run failed",
		zap.String("run_id", run.ID.String()),
		zap.String("step", string(herr.Step)),
		zap.Error(herr.Err))

	// the run ctx may already be cancelled
	ctx := context.Background()
	c.recordRun(ctx, run)
	c.recordFault(ctx, herr, &run.ID)

	c.mu.Lock()
	c.homed = false
	c.requireHome = true
	c.homingActive = false
	c.mu.Unlock()
	c.setState(StateFailed, herr.Error())
}

func (c *Controller) executeReset() error {
	c.mu.Lock()
	if c.currentState != StateFailed {
		state := c.currentState
		c.mu.Unlock()
		return fmt.Errorf("cannot reset: no error state (current: %s)", state)
	}
	c.mu.Unlock()

	c.setState(StateIdle, "")
	c.logger.Info("Machine reset, homing required before motion")
	return nil
}

// CheckMotion returns an error when user motion must be refused.
func (c *Controller) CheckMotion() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.homingActive {
		return ErrHomingInProgress
	}
	if c.currentState == StateFailed || c.requireHome {
		return ErrHomingRequired
	}
	return nil
}

// RecordFault journals err when it is a controller-reported failure.
func (c *Controller) RecordFault(ctx context.Context, err error) {
	c.recordFault(ctx, err, nil)
}

func (c *Controller) recordFault(ctx context.Context, err error, runID *uuid.UUID) {
	var cmdErr *microcontroller.CommandError
	if !errors.As(err, &cmdErr) {
		return
	}

	fault := types.CommandFault{
		CommandID:  cmdErr.CommandID,
		Opcode:     cmdErr.Opcode.String(),
		Status:     cmdErr.Status.String(),
		RunID:      runID,
		OccurredAt: time.Now(),
	}

	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewCommandFaultMessage(fault.CommandID, fault.Opcode, fault.Status))
	}
	if c.journal != nil {
		if err := c.journal.RecordCommandFault(ctx, fault); err != nil {
			c.logger.Warn("Failed to journal command fault", zap.Error(err))
		}
	}
}

func (c *Controller) recordRun(ctx context.Context, run types.HomingRun) {
	c.mu.Lock()
	replaced := false
	for i := range c.runs {
		if c.runs[i].ID == run.ID {
			c.runs[i] = run
			replaced = true
			break
		}
	}
	if !replaced {
		c.runs = append(c.runs, run)
		if len(c.runs) > runHistory {
			c.runs = c.runs[len(c.runs)-runHistory:]
		}
	}
	c.mu.Unlock()

	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewHomingRunMessage(run.ID.String(), string(run.Status), run.Step, run.Error))
	}
	if c.journal != nil {
		if err := c.journal.RecordHomingRun(ctx, run); err != nil {
			c.logger.Warn("Failed to journal homing run",
				zap.String("run_id", run.ID.String()),
				zap.Error(err))
		}
	}
}

// ListRuns returns the newest homing runs first.
func (c *Controller) ListRuns(ctx context.Context, limit int) ([]types.HomingRun, error) {
	if limit <= 0 {
		limit = runHistory
	}
	if c.journal != nil {
		return c.journal.ListHomingRuns(ctx, limit)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.HomingRun, 0, min(limit, len(c.runs)))
	for i := len(c.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, c.runs[i])
	}
	return out, nil
}

func (c *Controller) setState(state State, errorMsg string) {
	c.mu.Lock()
	previousState := c.currentState
	c.currentState = state
	c.errorMessage = errorMsg
	c.lastStateChange = time.Now()
	status := c.statusLocked()
	listeners := append([]func(MachineStatus){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Info("Machine state changed",
		zap.String("state", string(state)),
		zap.String("previous_state", string(previousState)),
		zap.String("error", errorMsg))

	// Broadcast state change via WebSocket
	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewMachineStateMessage(
			string(state),
			string(previousState),
		))
	}
	for _, fn := range listeners {
		fn(status)
	}
}

func (c *Controller) statusLocked() MachineStatus {
	s := MachineStatus{
		State:           c.currentState,
		Homed:           c.homed,
		ErrorMessage:    c.errorMessage,
		LastStateChange: c.lastStateChange,
	}
	if c.runID != uuid.Nil {
		s.RunID = c.runID.String()
	}
	return s
}

func (c *Controller) Status() MachineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusLocked()
}

// GetStatus lets the websocket hub greet new clients with the machine state.
func (c *Controller) GetStatus() any {
	return c.Status()
}
