package types

import (
	"time"

	"github.com/google/uuid"
)

type HomingRunStatus string

const (
	HomingRunning   HomingRunStatus = "running"
	HomingCompleted HomingRunStatus = "completed"
	HomingFailed    HomingRunStatus = "failed"
)

// HomingRun is one pass of the homing sequence.
type HomingRun struct {
	ID         uuid.UUID       `json:"id"`
	Status     HomingRunStatus `json:"status"`
	Step       string          `json:"step,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// CommandFault is a command the controller rejected or failed to execute.
type CommandFault struct {
	ID         int64      `json:"id"`
	CommandID  uint8      `json:"command_id"`
	Opcode     string     `json:"opcode"`
	Status     string     `json:"status"`
	RunID      *uuid.UUID `json:"run_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
