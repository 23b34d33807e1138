package microcontroller

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout           = errors.New("operation timed out")
	ErrNoAcknowledgement = errors.New("controller did not acknowledge command")
	ErrChecksum          = errors.New("checksum mismatch")
	ErrClosed            = errors.New("microcontroller closed")
)

// CommandError is returned when the controller reports a terminal error
// status for the command in flight.
type CommandError struct {
	CommandID byte
	Opcode    Opcode
	Status    ExecutionStatus
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d (%s) failed: %s", e.CommandID, e.Opcode, e.Status)
}
