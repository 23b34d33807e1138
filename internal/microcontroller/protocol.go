package microcontroller

import "fmt"

// Opcode is the second byte of every command frame.
type Opcode byte

const (
	OpMoveX                    Opcode = 0
	OpMoveY                    Opcode = 1
	OpMoveZ                    Opcode = 2
	OpMoveTheta                Opcode = 3
	OpHomeOrZero               Opcode = 5
	OpMoveToX                  Opcode = 6
	OpMoveToY                  Opcode = 7
	OpMoveToZ                  Opcode = 8
	OpSetLimit                 Opcode = 9
	OpTurnOnIllumination       Opcode = 10
	OpTurnOffIllumination      Opcode = 11
	OpSetIllumination          Opcode = 12
	OpAckJoystickButtonPressed Opcode = 14
	OpAnalogWriteDAC           Opcode = 15
	OpSetLimitSwitchPolarity   Opcode = 20
	OpConfigureStepperDriver   Opcode = 21
	OpSetMaxVelocityAccel      Opcode = 22
	OpSetLeadScrewPitch        Opcode = 23
	OpConfigureStagePID        Opcode = 25
	OpEnableStagePID           Opcode = 26
	OpDisableStagePID          Opcode = 27
	OpSetHomeSafetyMargin      Opcode = 28
	OpSendHardwareTrigger      Opcode = 30
	OpSetStrobeDelay           Opcode = 31
	OpInitialize               Opcode = 254
	OpReset                    Opcode = 255
)

var opcodeNames = map[Opcode]string{
	OpMoveX:                    "MOVE_X",
	OpMoveY:                    "MOVE_Y",
	OpMoveZ:                    "MOVE_Z",
	OpMoveTheta:                "MOVE_THETA",
	OpHomeOrZero:               "HOME_OR_ZERO",
	OpMoveToX:                  "MOVETO_X",
	OpMoveToY:                  "MOVETO_Y",
	OpMoveToZ:                  "MOVETO_Z",
	OpSetLimit:                 "SET_LIM",
	OpTurnOnIllumination:       "TURN_ON_ILLUMINATION",
	OpTurnOffIllumination:      "TURN_OFF_ILLUMINATION",
	OpSetIllumination:          "SET_ILLUMINATION",
	OpAckJoystickButtonPressed: "ACK_JOYSTICK_BUTTON_PRESSED",
	OpAnalogWriteDAC:           "ANALOG_WRITE_ONBOARD_DAC",
	OpSetLimitSwitchPolarity:   "SET_LIM_SWITCH_POLARITY",
	OpConfigureStepperDriver:   "CONFIGURE_STEPPER_DRIVER",
	OpSetMaxVelocityAccel:      "SET_MAX_VELOCITY_ACCELERATION",
	OpSetLeadScrewPitch:        "SET_LEAD_SCREW_PITCH",
	OpConfigureStagePID:        "CONFIGURE_STAGE_PID",
	OpEnableStagePID:           "ENABLE_STAGE_PID",
	OpDisableStagePID:          "DISABLE_STAGE_PID",
	OpSetHomeSafetyMargin:      "SET_HOME_SAFETY_MARGIN",
	OpSendHardwareTrigger:      "SEND_HARDWARE_TRIGGER",
	OpSetStrobeDelay:           "SET_STROBE_DELAY",
	OpInitialize:               "INITIALIZE",
	OpReset:                    "RESET",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_%d", byte(o))
}

// Known reports whether the firmware implements the opcode.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Axis is the wire code of a stage axis.
type Axis byte

const (
	AxisX     Axis = 0
	AxisY     Axis = 1
	AxisZ     Axis = 2
	AxisTheta Axis = 3
	AxisXY    Axis = 4
	AxisW     Axis = 5
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	case AxisTheta:
		return "theta"
	case AxisXY:
		return "xy"
	case AxisW:
		return "w"
	default:
		return fmt.Sprintf("axis_%d", byte(a))
	}
}

// ParseAxis maps a lower case axis name to its wire code.
func ParseAxis(name string) (Axis, error) {
	switch name {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	case "theta", "THETA", "t":
		return AxisTheta, nil
	case "xy", "XY":
		return AxisXY, nil
	}
	return 0, fmt.Errorf("unknown axis %q", name)
}

// HomeDirection is the mode byte of HOME_OR_ZERO.
type HomeDirection byte

const (
	HomePositive HomeDirection = 0
	HomeNegative HomeDirection = 1
	// ZeroOnly resets the position counter without moving.
	ZeroOnly HomeDirection = 2
)

// HomeDirectionFor returns the raw direction that drives an axis towards
// its physical negative end.
func HomeDirectionFor(movementSign int) HomeDirection {
	if movementSign > 0 {
		return HomeNegative
	}
	return HomePositive
}

// LimitCode selects which software limit SET_LIM writes.
type LimitCode byte

const (
	LimitXPositive LimitCode = 0
	LimitXNegative LimitCode = 1
	LimitYPositive LimitCode = 2
	LimitYNegative LimitCode = 3
	LimitZPositive LimitCode = 4
	LimitZNegative LimitCode = 5
)

// LimitCodes returns the positive and negative limit codes of an axis.
func LimitCodes(axis Axis) (pos, neg LimitCode, err error) {
	switch axis {
	case AxisX:
		return LimitXPositive, LimitXNegative, nil
	case AxisY:
		return LimitYPositive, LimitYNegative, nil
	case AxisZ:
		return LimitZPositive, LimitZNegative, nil
	}
	return 0, 0, fmt.Errorf("axis %s has no software limits", axis)
}

// ExecutionStatus is the second byte of every status frame.
type ExecutionStatus byte

const (
	StatusCompleted      ExecutionStatus = 0
	StatusInProgress     ExecutionStatus = 1
	StatusChecksumError  ExecutionStatus = 2
	StatusInvalidCommand ExecutionStatus = 3
	StatusExecutionError ExecutionStatus = 4
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusCompleted:
		return "COMPLETED_WITHOUT_ERRORS"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusChecksumError:
		return "CMD_CHECKSUM_ERROR"
	case StatusInvalidCommand:
		return "CMD_INVALID"
	case StatusExecutionError:
		return "CMD_EXECUTION_ERROR"
	default:
		return fmt.Sprintf("STATUS_%d", byte(s))
	}
}

// Failed reports a terminal error status.
func (s ExecutionStatus) Failed() bool {
	return s != StatusCompleted && s != StatusInProgress
}
