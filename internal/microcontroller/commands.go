package microcontroller

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/types"
	"go.uber.org/zap"
)

func int32Args(prefix []byte, v int32) []byte {
	args := make([]byte, len(prefix)+4)
	copy(args, prefix)
	PutInt32(args[len(prefix):], v)
	return args
}

func clampUint16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(math.Round(v))
}

var moveOpcodes = map[Axis]Opcode{
	AxisX:     OpMoveX,
	AxisY:     OpMoveY,
	AxisZ:     OpMoveZ,
	AxisTheta: OpMoveTheta,
}

var moveToOpcodes = map[Axis]Opcode{
	AxisX: OpMoveToX,
	AxisY: OpMoveToY,
	AxisZ: OpMoveToZ,
}

// Move is a relative move in raw units.
func (m *Microcontroller) Move(axis Axis, usteps int32) error {
	op, ok := moveOpcodes[axis]
	if !ok {
		return fmt.Errorf("relative move not supported on axis %s", axis)
	}
	return m.SendCommand(Command{Opcode: op, Args: int32Args(nil, usteps)})
}

// MoveTo is an absolute move in raw units. Theta has no absolute move.
func (m *Microcontroller) MoveTo(axis Axis, usteps int32) error {
	op, ok := moveToOpcodes[axis]
	if !ok {
		return fmt.Errorf("absolute move not supported on axis %s", axis)
	}
	return m.SendCommand(Command{Opcode: op, Args: int32Args(nil, usteps)})
}

func (m *Microcontroller) MoveXUsteps(usteps int32) error     { return m.Move(AxisX, usteps) }
func (m *Microcontroller) MoveYUsteps(usteps int32) error     { return m.Move(AxisY, usteps) }
func (m *Microcontroller) MoveZUsteps(usteps int32) error     { return m.Move(AxisZ, usteps) }
func (m *Microcontroller) MoveThetaUsteps(usteps int32) error { return m.Move(AxisTheta, usteps) }
func (m *Microcontroller) MoveXToUsteps(usteps int32) error   { return m.MoveTo(AxisX, usteps) }
func (m *Microcontroller) MoveYToUsteps(usteps int32) error   { return m.MoveTo(AxisY, usteps) }
func (m *Microcontroller) MoveZToUsteps(usteps int32) error   { return m.MoveTo(AxisZ, usteps) }

// Home drives an axis to its home switch. For AxisXY dir applies to both
// axes; use HomeXY when they differ.
func (m *Microcontroller) Home(axis Axis, dir HomeDirection) error {
	if axis == AxisXY {
		return m.HomeXY(dir, dir)
	}
	if axis > AxisTheta {
		return fmt.Errorf("homing not supported on axis %s", axis)
	}
	if dir == ZeroOnly {
		return fmt.Errorf("use Zero to reset a position counter")
	}
	return m.SendCommand(Command{Opcode: OpHomeOrZero, Args: []byte{byte(axis), byte(dir)}})
}

// HomeXY homes X and Y together, each in its own direction.
func (m *Microcontroller) HomeXY(dirX, dirY HomeDirection) error {
	if dirX == ZeroOnly || dirY == ZeroOnly {
		return fmt.Errorf("use Zero to reset a position counter")
	}
	return m.SendCommand(Command{Opcode: OpHomeOrZero, Args: []byte{byte(AxisXY), byte(dirX), byte(dirY)}})
}

func (m *Microcontroller) HomeX(dir HomeDirection) error     { return m.Home(AxisX, dir) }
func (m *Microcontroller) HomeY(dir HomeDirection) error     { return m.Home(AxisY, dir) }
func (m *Microcontroller) HomeZ(dir HomeDirection) error     { return m.Home(AxisZ, dir) }
func (m *Microcontroller) HomeTheta(dir HomeDirection) error { return m.Home(AxisTheta, dir) }

func (m *Microcontroller) ZeroX() error     { return m.Zero(AxisX) }
func (m *Microcontroller) ZeroY() error     { return m.Zero(AxisY) }
func (m *Microcontroller) ZeroZ() error     { return m.Zero(AxisZ) }
func (m *Microcontroller) ZeroTheta() error { return m.Zero(AxisTheta) }

// Zero resets the position counter of an axis without moving.
func (m *Microcontroller) Zero(axis Axis) error {
	if axis > AxisTheta {
		return fmt.Errorf("zeroing not supported on axis %s", axis)
	}
	return m.SendCommand(Command{Opcode: OpHomeOrZero, Args: []byte{byte(axis), byte(ZeroOnly)}})
}

// SetLimit writes one software limit in raw units.
func (m *Microcontroller) SetLimit(code LimitCode, usteps int32) error {
	return m.SendCommand(Command{Opcode: OpSetLimit, Args: int32Args([]byte{byte(code)}, usteps)})
}

func (m *Microcontroller) SetLimitSwitchPolarity(axis Axis, polarity int) error {
	return m.SendCommand(Command{Opcode: OpSetLimitSwitchPolarity, Args: []byte{byte(axis), byte(polarity)}})
}

// SetLeadScrewPitch sends the pitch in micrometres.
func (m *Microcontroller) SetLeadScrewPitch(axis Axis, pitchMM float64) error {
	args := make([]byte, 3)
	args[0] = byte(axis)
	PutUint16(args[1:], clampUint16(pitchMM*1000))
	return m.SendCommand(Command{Opcode: OpSetLeadScrewPitch, Args: args})
}

// SetMaxVelocityAcceleration sends velocity in 0.01 mm/s and acceleration
// in 0.1 mm/s².
func (m *Microcontroller) SetMaxVelocityAcceleration(axis Axis, velocity, acceleration float64) error {
	args := make([]byte, 5)
	args[0] = byte(axis)
	PutUint16(args[1:], clampUint16(velocity*100))
	PutUint16(args[3:], clampUint16(acceleration*10))
	return m.SendCommand(Command{Opcode: OpSetMaxVelocityAccel, Args: args})
}

// ConfigureMotorDriver sets microstepping, run current in mA and the hold
// current as a fraction of run current.
func (m *Microcontroller) ConfigureMotorDriver(axis Axis, microstepping, currentMA int, holdRatio float64) error {
	// 256 microsteps is encoded as 0
	ms := microstepping
	if ms >= 256 {
		ms = 0
	} else if ms < 1 {
		ms = 1
	}

	args := make([]byte, 5)
	args[0] = byte(axis)
	args[1] = byte(ms)
	PutUint16(args[2:], clampUint16(float64(currentMA)))
	args[4] = byte(clampUint16(math.Min(math.Max(holdRatio, 0), 1) * 255))
	return m.SendCommand(Command{Opcode: OpConfigureStepperDriver, Args: args})
}

func (m *Microcontroller) SetHomeSafetyMargin(axis Axis, marginUm uint16) error {
	args := make([]byte, 3)
	args[0] = byte(axis)
	PutUint16(args[1:], marginUm)
	return m.SendCommand(Command{Opcode: OpSetHomeSafetyMargin, Args: args})
}

func (m *Microcontroller) ConfigureStagePID(axis Axis, transitionsPerRev int, flipDirection bool) error {
	args := make([]byte, 4)
	args[0] = byte(axis)
	if flipDirection {
		args[1] = 1
	}
	PutUint16(args[2:], clampUint16(float64(transitionsPerRev)))
	return m.SendCommand(Command{Opcode: OpConfigureStagePID, Args: args})
}

func (m *Microcontroller) EnableStagePID(axis Axis) error {
	return m.SendCommand(Command{Opcode: OpEnableStagePID, Args: []byte{byte(axis)}})
}

func (m *Microcontroller) DisableStagePID(axis Axis) error {
	return m.SendCommand(Command{Opcode: OpDisableStagePID, Args: []byte{byte(axis)}})
}

func (m *Microcontroller) TurnOnIllumination() error {
	return m.SendCommand(Command{Opcode: OpTurnOnIllumination})
}

func (m *Microcontroller) TurnOffIllumination() error {
	return m.SendCommand(Command{Opcode: OpTurnOffIllumination})
}

// SetIllumination selects a source and its intensity in percent.
func (m *Microcontroller) SetIllumination(source byte, intensityPct float64) error {
	args := make([]byte, 3)
	args[0] = source
	PutUint16(args[1:], clampUint16(intensityPct/100*math.MaxUint16))
	return m.SendCommand(Command{Opcode: OpSetIllumination, Args: args})
}

func (m *Microcontroller) AnalogWriteDAC(dac byte, value uint16) error {
	args := make([]byte, 3)
	args[0] = dac
	PutUint16(args[1:], value)
	return m.SendCommand(Command{Opcode: OpAnalogWriteDAC, Args: args})
}

// SendHardwareTrigger fires a camera channel. With controlIllumination the
// firmware also gates the light for illuminationOnTime.
func (m *Microcontroller) SendHardwareTrigger(channel byte, controlIllumination bool, illuminationOnTime time.Duration) error {
	args := make([]byte, 5)
	args[0] = channel & 0x7f
	if controlIllumination {
		args[0] |= 0x80
	}
	PutUint32(args[1:], uint32(illuminationOnTime/time.Microsecond))
	return m.SendCommand(Command{Opcode: OpSendHardwareTrigger, Args: args})
}

func (m *Microcontroller) SetStrobeDelay(channel byte, delay time.Duration) error {
	args := make([]byte, 5)
	args[0] = channel
	PutUint32(args[1:], uint32(delay/time.Microsecond))
	return m.SendCommand(Command{Opcode: OpSetStrobeDelay, Args: args})
}

func (m *Microcontroller) AckJoystickButtonPressed() error {
	return m.SendCommand(Command{Opcode: OpAckJoystickButtonPressed})
}

func (m *Microcontroller) Reset() error {
	return m.SendCommand(Command{Opcode: OpReset})
}

func (m *Microcontroller) InitializeDrivers() error {
	return m.SendCommand(Command{Opcode: OpInitialize})
}

type configStep struct {
	name string
	send func() error
}

// ConfigureActuators resets the controller and pushes the mechanics of
// every axis in profile, waiting for each command.
func (m *Microcontroller) ConfigureActuators(ctx context.Context, profile types.StageProfile, timeout time.Duration) error {
	steps := []configStep{
		{"reset", m.Reset},
		{"initialize drivers", m.InitializeDrivers},
	}

	axes := []struct {
		axis Axis
		ap   types.AxisProfile
	}{
		{AxisX, profile.X},
		{AxisY, profile.Y},
		{AxisZ, profile.Z},
	}

	for _, a := range axes {
		axis, ap := a.axis, a.ap
		steps = append(steps,
			configStep{axis.String() + " lead screw pitch", func() error {
				return m.SetLeadScrewPitch(axis, ap.ScrewPitch)
			}},
			configStep{axis.String() + " motor driver", func() error {
				return m.ConfigureMotorDriver(axis, ap.Microstepping, ap.RunCurrent, ap.HoldCurrentRatio)
			}},
			configStep{axis.String() + " velocity", func() error {
				return m.SetMaxVelocityAcceleration(axis, ap.MaxVelocity, ap.MaxAcceleration)
			}},
			configStep{axis.String() + " switch polarity", func() error {
				return m.SetLimitSwitchPolarity(axis, ap.HomeSwitchPolarity)
			}},
		)

		if ap.UseEncoder {
			steps = append(steps,
				configStep{axis.String() + " pid", func() error {
					return m.ConfigureStagePID(axis, ap.EncoderTransitions, ap.FlipDirection)
				}},
				configStep{axis.String() + " pid enable", func() error {
					return m.EnableStagePID(axis)
				}},
			)
		}
	}

	for _, step := range steps {
		if err := step.send(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if err := m.WaitTillOperationIsCompleted(ctx, timeout); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	m.logger.Info("Actuators configured", zap.Int("commands", len(steps)))
	return nil
}
