package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Stage messages
	MessageTypePosition       MessageType = "position"
	MessageTypeJoystickButton MessageType = "joystick_button"
	MessageTypeCommandFault   MessageType = "command_fault"

	// Machine state messages
	MessageTypeMachineState MessageType = "machine_state"
	MessageTypeHomingRun    MessageType = "homing_run"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type PositionData struct {
	X     float64 `json:"x_mm"`
	Y     float64 `json:"y_mm"`
	Z     float64 `json:"z_mm"`
	Theta float64 `json:"theta_deg"`
}

// MachineStateData represents machine state change data
type MachineStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

type HomingRunData struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Step   string `json:"step,omitempty"`
	Error  string `json:"error,omitempty"`
}

type CommandFaultData struct {
	CommandID uint8  `json:"command_id"`
	Opcode    string `json:"opcode"`
	Status    string `json:"status"`
}

type SystemStatusData struct {
	State     string `json:"state"`
	Simulated bool   `json:"simulated"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Helper functions for creating specific message types

func NewPositionMessage(x, y, z, theta float64) Message {
	return NewMessage(MessageTypePosition, PositionData{X: x, Y: y, Z: z, Theta: theta})
}

func NewJoystickMessage(x, y, z float64) Message {
	return NewMessage(MessageTypeJoystickButton, PositionData{X: x, Y: y, Z: z})
}

func NewMachineStateMessage(newState, previousState string) Message {
	return NewMessage(MessageTypeMachineState, MachineStateData{
		State:    newState,
		Previous: previousState,
	})
}

func NewHomingRunMessage(runID, status, step, errMsg string) Message {
	return NewMessage(MessageTypeHomingRun, HomingRunData{
		RunID:  runID,
		Status: status,
		Step:   step,
		Error:  errMsg,
	})
}

func NewCommandFaultMessage(commandID uint8, opcode, status string) Message {
	return NewMessage(MessageTypeCommandFault, CommandFaultData{
		CommandID: commandID,
		Opcode:    opcode,
		Status:    status,
	})
}

func NewSystemStatusMessage(state string, simulated bool) Message {
	return NewMessage(MessageTypeSystemStatus, SystemStatusData{State: state, Simulated: simulated})
}
