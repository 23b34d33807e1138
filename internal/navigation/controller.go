package navigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/api/websocket"
	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/stage"
	"github.com/KevinKickass/OpenStageCore/internal/types"
	"go.uber.org/zap"
)

var ErrOutOfRange = errors.New("target outside software limits")

// limitTolerance absorbs float noise when a target sits exactly on a limit
const limitTolerance = 1e-9

// minimum spacing of position broadcasts to websocket clients
const broadcastInterval = 100 * time.Millisecond

type Position struct {
	X         float64                     `json:"x_mm"`
	Y         float64                     `json:"y_mm"`
	Z         float64                     `json:"z_mm"`
	Theta     float64                     `json:"theta_deg"`
	Raw       microcontroller.RawPosition `json:"raw"`
	Timestamp time.Time                   `json:"timestamp"`
}

func (p Position) Axis(a microcontroller.Axis) float64 {
	switch a {
	case microcontroller.AxisX:
		return p.X
	case microcontroller.AxisY:
		return p.Y
	case microcontroller.AxisZ:
		return p.Z
	case microcontroller.AxisTheta:
		return p.Theta
	}
	return 0
}

type EventType string

const (
	EventPosition       EventType = "position"
	EventJoystickButton EventType = "joystick_button"
)

type Event struct {
	Type     EventType `json:"type"`
	Position Position  `json:"position"`
}

// Controller moves the stage in physical units. It does not own the
// microcontroller session.
type Controller struct {
	mcu     *microcontroller.Microcontroller
	logger  *zap.Logger
	wsHub   *websocket.Hub
	profile types.StageProfile
	conv    map[microcontroller.Axis]*stage.Converter
	timeout time.Duration

	// serializes every send-and-wait sequence
	motionMu sync.Mutex

	mu            sync.RWMutex
	pos           Position
	limits        types.SoftLimits
	joystickDown  bool
	lastBroadcast time.Time

	listenersMu sync.RWMutex
	listeners   []chan Event

	joystickChan chan struct{}
	stopChan     chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

func NewController(
	mcu *microcontroller.Microcontroller,
	profile types.StageProfile,
	timeout time.Duration,
	logger *zap.Logger,
	wsHub *websocket.Hub,
) (*Controller, error) {
	conv := make(map[microcontroller.Axis]*stage.Converter, 4)
	for axis, ap := range map[microcontroller.Axis]types.AxisProfile{
		microcontroller.AxisX:     profile.X,
		microcontroller.AxisY:     profile.Y,
		microcontroller.AxisZ:     profile.Z,
		microcontroller.AxisTheta: profile.Theta,
	} {
		c, err := stage.NewConverter(ap)
		if err != nil {
			return nil, fmt.Errorf("axis %s: %w", axis, err)
		}
		conv[axis] = c
	}

	c := &Controller{
		mcu:          mcu,
		logger:       logger,
		wsHub:        wsHub,
		profile:      profile,
		conv:         conv,
		timeout:      timeout,
		limits:       profile.Limits,
		joystickChan: make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
	}

	c.onStatus(mcu.LastStatus())
	mcu.SetCallback(c.onStatus)

	c.wg.Add(1)
	go c.joystickLoop()

	return c, nil
}

// Close detaches from the status stream. The session stays open.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mcu.SetCallback(nil)
		close(c.stopChan)
		c.wg.Wait()

		c.listenersMu.Lock()
		for _, l := range c.listeners {
			close(l)
		}
		c.listeners = nil
		c.listenersMu.Unlock()
	})
}

func (c *Controller) Profile() types.StageProfile {
	return c.profile
}

func (c *Controller) Converter(axis microcontroller.Axis) *stage.Converter {
	return c.conv[axis]
}

func (c *Controller) Microcontroller() *microcontroller.Microcontroller {
	return c.mcu
}

func (c *Controller) Position() Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos
}

func (c *Controller) Limits() types.SoftLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits
}

// onStatus runs on the reader goroutine for every status frame.
func (c *Controller) onStatus(frame microcontroller.StatusFrame) {
	raw := frame.Position
	pos := Position{
		X:         c.conv[microcontroller.AxisX].ToPhysical(raw.X),
		Y:         c.conv[microcontroller.AxisY].ToPhysical(raw.Y),
		Z:         c.conv[microcontroller.AxisZ].ToPhysical(raw.Z),
		Theta:     c.conv[microcontroller.AxisTheta].ToPhysical(raw.Theta),
		Raw:       raw,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	changed := pos.Raw != c.pos.Raw
	pressed := frame.JoystickButtonPressed && !c.joystickDown
	c.joystickDown = frame.JoystickButtonPressed
	c.pos = pos
	broadcast := changed && c.wsHub != nil && pos.Timestamp.Sub(c.lastBroadcast) >= broadcastInterval
	if broadcast {
		c.lastBroadcast = pos.Timestamp
	}
	c.mu.Unlock()

	if changed {
		c.publish(Event{Type: EventPosition, Position: pos})
	}
	if broadcast {
		c.wsHub.Broadcast(websocket.NewPositionMessage(pos.X, pos.Y, pos.Z, pos.Theta))
	}

	if pressed {
		c.publish(Event{Type: EventJoystickButton, Position: pos})
		if c.wsHub != nil {
			c.wsHub.Broadcast(websocket.NewJoystickMessage(pos.X, pos.Y, pos.Z))
		}
		select {
		case c.joystickChan <- struct{}{}:
		default:
		}
	}
}

// joystickLoop acknowledges button presses outside the reader goroutine so
// the ack is serialized with motion commands.
func (c *Controller) joystickLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.joystickChan:
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			err := c.do(ctx, c.timeout, c.mcu.AckJoystickButtonPressed)
			cancel()
			if err != nil {
				c.logger.Warn("Joystick acknowledge failed", zap.Error(err))
			}
		}
	}
}

// Subscribe returns a channel receiving position changes and joystick
// presses. Slow subscribers miss events.
func (c *Controller) Subscribe() chan Event {
	ch := make(chan Event, 32)
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, ch)
	c.listenersMu.Unlock()
	return ch
}

func (c *Controller) Unsubscribe(ch chan Event) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.listeners {
		if l == ch {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (c *Controller) publish(ev Event) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		select {
		case l <- ev:
		default:
		}
	}
}

// do sends one command and waits for it under the motion lock.
func (c *Controller) do(ctx context.Context, timeout time.Duration, send func() error) error {
	c.motionMu.Lock()
	defer c.motionMu.Unlock()
	return c.sendAndWait(ctx, timeout, send)
}

// sendAndWait must be called with motionMu held.
func (c *Controller) sendAndWait(ctx context.Context, timeout time.Duration, send func() error) error {
	if err := send(); err != nil {
		return err
	}
	return c.mcu.WaitTillOperationIsCompleted(ctx, timeout)
}

// Exec runs send under the motion lock and waits up to timeout. It lets
// callers issue commands that have no physical-unit wrapper.
func (c *Controller) Exec(ctx context.Context, timeout time.Duration, send func() error) error {
	return c.do(ctx, timeout, send)
}

// Wait blocks until the command in flight, if any, has finished.
func (c *Controller) Wait(ctx context.Context, timeout time.Duration) error {
	return c.mcu.WaitTillOperationIsCompleted(ctx, timeout)
}

// IsBusy reports whether a command is awaiting completion.
func (c *Controller) IsBusy() bool {
	return c.mcu.IsBusy()
}

func (c *Controller) checkLimit(axis microcontroller.Axis, target float64) error {
	var lo, hi float64
	c.mu.RLock()
	switch axis {
	case microcontroller.AxisX:
		lo, hi = c.limits.XNegative, c.limits.XPositive
	case microcontroller.AxisY:
		lo, hi = c.limits.YNegative, c.limits.YPositive
	case microcontroller.AxisZ:
		lo, hi = c.limits.ZNegative, c.limits.ZPositive
	default:
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	if target < lo-limitTolerance || target > hi+limitTolerance {
		return fmt.Errorf("%w: %s to %.4f, allowed [%.4f, %.4f]", ErrOutOfRange, axis, target, lo, hi)
	}
	return nil
}

func (c *Controller) converter(axis microcontroller.Axis) (*stage.Converter, error) {
	conv, ok := c.conv[axis]
	if !ok {
		return nil, fmt.Errorf("no converter for axis %s", axis)
	}
	return conv, nil
}

// Move is a relative move in mm (degrees for theta).
func (c *Controller) Move(ctx context.Context, axis microcontroller.Axis, delta float64) error {
	conv, err := c.converter(axis)
	if err != nil {
		return err
	}

	c.motionMu.Lock()
	defer c.motionMu.Unlock()

	if err := c.checkLimit(axis, c.Position().Axis(axis)+delta); err != nil {
		return err
	}
	raw, err := conv.ToRaw(delta)
	if err != nil {
		return err
	}

	c.logger.Debug("Relative move",
		zap.Stringer("axis", axis),
		zap.Float64("delta", delta),
		zap.Int32("usteps", raw))

	return c.sendAndWait(ctx, c.timeout, func() error { return c.mcu.Move(axis, raw) })
}

// MoveTo is an absolute move in mm.
func (c *Controller) MoveTo(ctx context.Context, axis microcontroller.Axis, target float64) error {
	conv, err := c.converter(axis)
	if err != nil {
		return err
	}

	c.motionMu.Lock()
	defer c.motionMu.Unlock()

	if err := c.checkLimit(axis, target); err != nil {
		return err
	}
	raw, err := conv.ToRaw(target)
	if err != nil {
		return err
	}

	c.logger.Debug("Absolute move",
		zap.Stringer("axis", axis),
		zap.Float64("target", target),
		zap.Int32("usteps", raw))

	return c.sendAndWait(ctx, c.timeout, func() error { return c.mcu.MoveTo(axis, raw) })
}

func (c *Controller) MoveX(ctx context.Context, mm float64) error {
	return c.Move(ctx, microcontroller.AxisX, mm)
}

func (c *Controller) MoveY(ctx context.Context, mm float64) error {
	return c.Move(ctx, microcontroller.AxisY, mm)
}

func (c *Controller) MoveZ(ctx context.Context, mm float64) error {
	return c.Move(ctx, microcontroller.AxisZ, mm)
}

func (c *Controller) MoveTheta(ctx context.Context, deg float64) error {
	return c.Move(ctx, microcontroller.AxisTheta, deg)
}

func (c *Controller) MoveXTo(ctx context.Context, mm float64) error {
	return c.MoveTo(ctx, microcontroller.AxisX, mm)
}

func (c *Controller) MoveYTo(ctx context.Context, mm float64) error {
	return c.MoveTo(ctx, microcontroller.AxisY, mm)
}

func (c *Controller) MoveZTo(ctx context.Context, mm float64) error {
	return c.MoveTo(ctx, microcontroller.AxisZ, mm)
}

// MoveXYTo moves X then Y, each to completion.
func (c *Controller) MoveXYTo(ctx context.Context, x, y float64) error {
	if err := c.MoveXTo(ctx, x); err != nil {
		return err
	}
	return c.MoveYTo(ctx, y)
}

// MoveUsteps is a raw relative move with no limit check.
func (c *Controller) MoveUsteps(ctx context.Context, axis microcontroller.Axis, usteps int32) error {
	return c.do(ctx, c.timeout, func() error { return c.mcu.Move(axis, usteps) })
}

// Home drives axis to its home switch, waiting up to timeout. The switch
// sits at the raw negative end, so the direction follows the movement sign.
func (c *Controller) Home(ctx context.Context, axis microcontroller.Axis, timeout time.Duration) error {
	c.logger.Info("Homing axis", zap.Stringer("axis", axis))

	if axis == microcontroller.AxisXY {
		dirX := microcontroller.HomeDirectionFor(c.conv[microcontroller.AxisX].Sign())
		dirY := microcontroller.HomeDirectionFor(c.conv[microcontroller.AxisY].Sign())
		return c.do(ctx, timeout, func() error { return c.mcu.HomeXY(dirX, dirY) })
	}

	conv, err := c.converter(axis)
	if err != nil {
		return err
	}
	dir := microcontroller.HomeDirectionFor(conv.Sign())
	return c.do(ctx, timeout, func() error { return c.mcu.Home(axis, dir) })
}

func (c *Controller) Zero(ctx context.Context, axis microcontroller.Axis) error {
	return c.do(ctx, c.timeout, func() error { return c.mcu.Zero(axis) })
}

// SetLimit writes a software limit in mm and adopts it for the
// pre-check.
func (c *Controller) SetLimit(ctx context.Context, axis microcontroller.Axis, dir stage.LimitDirection, mm float64) error {
	conv, err := c.converter(axis)
	if err != nil {
		return err
	}
	posCode, negCode, err := microcontroller.LimitCodes(axis)
	if err != nil {
		return err
	}

	end, raw, err := conv.LimitToRaw(dir, mm)
	if err != nil {
		return err
	}
	code := posCode
	if end == stage.LimitNegative {
		code = negCode
	}

	if err := c.do(ctx, c.timeout, func() error { return c.mcu.SetLimit(code, raw) }); err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case axis == microcontroller.AxisX && dir == stage.LimitPositive:
		c.limits.XPositive = mm
	case axis == microcontroller.AxisX:
		c.limits.XNegative = mm
	case axis == microcontroller.AxisY && dir == stage.LimitPositive:
		c.limits.YPositive = mm
	case axis == microcontroller.AxisY:
		c.limits.YNegative = mm
	case axis == microcontroller.AxisZ && dir == stage.LimitPositive:
		c.limits.ZPositive = mm
	default:
		c.limits.ZNegative = mm
	}
	c.mu.Unlock()

	c.logger.Info("Software limit set",
		zap.Stringer("axis", axis),
		zap.String("direction", string(dir)),
		zap.Float64("value_mm", mm),
		zap.Uint8("code", uint8(code)),
		zap.Int32("usteps", raw))
	return nil
}

// BacklashClearance is the Z overshoot in microsteps.
func (c *Controller) BacklashClearance() int32 {
	clearance := c.profile.Autofocus.BacklashClearance
	if floor := 20 * c.profile.Z.Microstepping; clearance < floor {
		clearance = floor
	}
	return int32(clearance)
}

// MoveZWithBacklashCompensation moves Z by usteps, always finishing with
// an upward approach. Downward moves overshoot by the clearance first.
func (c *Controller) MoveZWithBacklashCompensation(ctx context.Context, usteps int32) error {
	c.motionMu.Lock()
	defer c.motionMu.Unlock()

	conv := c.conv[microcontroller.AxisZ]
	target := c.Position().Z + conv.ToPhysical(usteps)
	if err := c.checkLimit(microcontroller.AxisZ, target); err != nil {
		return err
	}

	if usteps >= 0 {
		return c.sendAndWait(ctx, c.timeout, func() error { return c.mcu.MoveZUsteps(usteps) })
	}

	clearance := c.BacklashClearance()
	if err := c.sendAndWait(ctx, c.timeout, func() error { return c.mcu.MoveZUsteps(usteps - clearance) }); err != nil {
		return fmt.Errorf("backlash overshoot: %w", err)
	}
	if err := c.sendAndWait(ctx, c.timeout, func() error { return c.mcu.MoveZUsteps(clearance) }); err != nil {
		return fmt.Errorf("backlash approach: %w", err)
	}
	return nil
}
