package machine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle                 State = "IDLE"
	StateAwaitingZRetract     State = "AWAITING_Z_RETRACT"
	StateAwaitingYHome        State = "AWAITING_Y_HOME"
	StateAwaitingXHome        State = "AWAITING_X_HOME"
	StateAwaitingXYReposition State = "AWAITING_XY_REPOSITION"
	StateLimitsSet            State = "LIMITS_SET"
	StateAwaitingZReturn      State = "AWAITING_Z_RETURN"
	StateFailed               State = "FAILED"
)

type Command string

const (
	CommandHome  Command = "home"
	CommandReset Command = "reset"
)

var (
	ErrHomingRequired   = errors.New("stage position unknown, home first")
	ErrHomingInProgress = errors.New("homing in progress")
)

// HomingError is a fatal failure of one homing step. The physical
// position is unknown afterwards.
type HomingError struct {
	RunID uuid.UUID
	Step  State
	Err   error
}

func (e *HomingError) Error() string {
	return fmt.Sprintf("homing run %s failed in %s: %v", e.RunID, e.Step, e.Err)
}

func (e *HomingError) Unwrap() error {
	return e.Err
}

type MachineStatus struct {
	State           State     `json:"state"`
	Homed           bool      `json:"homed"`
	RunID           string    `json:"run_id,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}
