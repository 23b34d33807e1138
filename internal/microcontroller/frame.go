package microcontroller

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc8"
)

const (
	DefaultCommandLength = 8
	DefaultStatusLength  = 24

	// Fixed offsets inside a status frame
	statusPosX    = 2
	statusPosY    = 6
	statusPosZ    = 10
	statusPosT    = 14
	statusButtons = 18
	minStatusLen  = 20
	minCommandLen = 3

	buttonJoystick = 1 << 0
	buttonSwitch   = 1 << 1
)

var crcTable = crc8.MakeTable(crc8.CRC8)

// Checksum is CRC-8 (poly 0x07, init 0) as computed by the firmware.
func Checksum(b []byte) byte {
	return crc8.Checksum(b, crcTable)
}

// Protocol holds the frame lengths agreed with the firmware build.
type Protocol struct {
	CommandLength int
	StatusLength  int
}

var DefaultProtocol = Protocol{
	CommandLength: DefaultCommandLength,
	StatusLength:  DefaultStatusLength,
}

func (p Protocol) Validate() error {
	if p.CommandLength < minCommandLen {
		return fmt.Errorf("command length %d too short", p.CommandLength)
	}
	if p.StatusLength < minStatusLen {
		return fmt.Errorf("status length %d too short", p.StatusLength)
	}
	return nil
}

// PayloadLength is the number of argument bytes between opcode and CRC.
func (p Protocol) PayloadLength() int {
	return p.CommandLength - minCommandLen
}

// Command is an opcode plus its argument bytes. Args shorter than the
// payload are zero padded.
type Command struct {
	Opcode Opcode
	Args   []byte
}

// EncodeCommand lays out [id][opcode][args...][crc].
func (p Protocol) EncodeCommand(id byte, cmd Command) ([]byte, error) {
	if len(cmd.Args) > p.PayloadLength() {
		return nil, fmt.Errorf("%s: %d argument bytes exceed payload of %d",
			cmd.Opcode, len(cmd.Args), p.PayloadLength())
	}

	frame := make([]byte, p.CommandLength)
	frame[0] = id
	frame[1] = byte(cmd.Opcode)
	copy(frame[2:], cmd.Args)
	frame[p.CommandLength-1] = Checksum(frame[:p.CommandLength-1])
	return frame, nil
}

// DecodeCommand is the firmware side of EncodeCommand.
func (p Protocol) DecodeCommand(frame []byte) (byte, Command, error) {
	if len(frame) != p.CommandLength {
		return 0, Command{}, fmt.Errorf("command frame has %d bytes, want %d", len(frame), p.CommandLength)
	}
	id := frame[0]
	if crc := Checksum(frame[:p.CommandLength-1]); crc != frame[p.CommandLength-1] {
		return id, Command{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, frame[p.CommandLength-1], crc)
	}

	args := make([]byte, p.PayloadLength())
	copy(args, frame[2:p.CommandLength-1])
	return id, Command{Opcode: Opcode(frame[1]), Args: args}, nil
}

// RawPosition is the stage position in controller units (microsteps or
// encoder counts).
type RawPosition struct {
	X     int32 `json:"x"`
	Y     int32 `json:"y"`
	Z     int32 `json:"z"`
	Theta int32 `json:"theta"`
}

func (r RawPosition) Axis(a Axis) int32 {
	switch a {
	case AxisX:
		return r.X
	case AxisY:
		return r.Y
	case AxisZ:
		return r.Z
	case AxisTheta:
		return r.Theta
	}
	return 0
}

// StatusFrame is one decoded report from the controller.
type StatusFrame struct {
	CommandID             byte
	Status                ExecutionStatus
	Position              RawPosition
	JoystickButtonPressed bool
	SwitchPressed         bool
}

func (p Protocol) EncodeStatus(s StatusFrame) []byte {
	frame := make([]byte, p.StatusLength)
	frame[0] = s.CommandID
	frame[1] = byte(s.Status)
	PutInt32(frame[statusPosX:], s.Position.X)
	PutInt32(frame[statusPosY:], s.Position.Y)
	PutInt32(frame[statusPosZ:], s.Position.Z)
	PutInt32(frame[statusPosT:], s.Position.Theta)

	var buttons byte
	if s.JoystickButtonPressed {
		buttons |= buttonJoystick
	}
	if s.SwitchPressed {
		buttons |= buttonSwitch
	}
	frame[statusButtons] = buttons
	frame[p.StatusLength-1] = Checksum(frame[:p.StatusLength-1])
	return frame
}

func (p Protocol) DecodeStatus(frame []byte) (StatusFrame, error) {
	if len(frame) != p.StatusLength {
		return StatusFrame{}, fmt.Errorf("status frame has %d bytes, want %d", len(frame), p.StatusLength)
	}
	if crc := Checksum(frame[:p.StatusLength-1]); crc != frame[p.StatusLength-1] {
		return StatusFrame{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, frame[p.StatusLength-1], crc)
	}

	return StatusFrame{
		CommandID: frame[0],
		Status:    ExecutionStatus(frame[1]),
		Position: RawPosition{
			X:     Int32(frame[statusPosX:]),
			Y:     Int32(frame[statusPosY:]),
			Z:     Int32(frame[statusPosZ:]),
			Theta: Int32(frame[statusPosT:]),
		},
		JoystickButtonPressed: frame[statusButtons]&buttonJoystick != 0,
		SwitchPressed:         frame[statusButtons]&buttonSwitch != 0,
	}, nil
}

// PutInt32 writes v big-endian in two's complement.
func PutInt32(b []byte, v int32) {
	binary.BigEndian.PutUint32(b, uint32(v))
}

func Int32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

func PutUint16(b []byte, v uint16) {
	binary.BigEndian.PutUint16(b, v)
}

func PutUint32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}
