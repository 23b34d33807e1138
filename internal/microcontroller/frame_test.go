package microcontroller

import (
	"bytes"
	"errors"
	"testing"
)

func TestChecksumCheckValue(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0xF4 {
		t.Fatalf("Checksum = 0x%02x, want 0xf4", got)
	}
}

func TestEncodeMoveCommand(t *testing.T) {
	frame, err := DefaultProtocol.EncodeCommand(7, Command{Opcode: OpMoveX, Args: int32Args(nil, -1000)})
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{7, byte(OpMoveX), 0xFF, 0xFF, 0xFC, 0x18, 0x00}
	if !bytes.Equal(frame[:7], want) {
		t.Fatalf("frame = % x, want % x", frame[:7], want)
	}
	if frame[7] != Checksum(want) {
		t.Fatalf("crc = 0x%02x, want 0x%02x", frame[7], Checksum(want))
	}

	id, cmd, err := DefaultProtocol.DecodeCommand(frame)
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 || cmd.Opcode != OpMoveX || Int32(cmd.Args) != -1000 {
		t.Fatalf("decoded id=%d op=%s arg=%d", id, cmd.Opcode, Int32(cmd.Args))
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := DefaultProtocol.EncodeCommand(1, Command{Opcode: OpSetLimit, Args: make([]byte, 6)})
	if err == nil {
		t.Fatal("expected error for 6 argument bytes")
	}
}

func TestSetLimitLayout(t *testing.T) {
	args := int32Args([]byte{byte(LimitZPositive)}, 123456)
	frame, err := DefaultProtocol.EncodeCommand(2, Command{Opcode: OpSetLimit, Args: args})
	if err != nil {
		t.Fatal(err)
	}
	if frame[2] != byte(LimitZPositive) {
		t.Errorf("limit code at byte 2 = %d", frame[2])
	}
	if got := Int32(frame[3:7]); got != 123456 {
		t.Errorf("limit value = %d", got)
	}
}

func TestStatusFrameDecode(t *testing.T) {
	in := StatusFrame{
		CommandID:             42,
		Status:                StatusInProgress,
		Position:              RawPosition{X: -1, Y: 2000, Z: -3000, Theta: 1 << 30},
		JoystickButtonPressed: true,
	}
	raw := DefaultProtocol.EncodeStatus(in)
	if len(raw) != DefaultStatusLength {
		t.Fatalf("encoded length %d", len(raw))
	}
	if raw[2] != 0xFF || raw[5] != 0xFF {
		t.Errorf("X not two's complement big-endian: % x", raw[2:6])
	}

	out, err := DefaultProtocol.DecodeStatus(raw)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestStatusFrameBadChecksum(t *testing.T) {
	raw := DefaultProtocol.EncodeStatus(StatusFrame{CommandID: 1})
	raw[23] ^= 0x01
	if _, err := DefaultProtocol.DecodeStatus(raw); !errors.Is(err, ErrChecksum) {
		t.Fatalf("err = %v, want ErrChecksum", err)
	}
}

func TestStatusFrameWrongLength(t *testing.T) {
	if _, err := DefaultProtocol.DecodeStatus(make([]byte, 23)); err == nil {
		t.Fatal("expected length error")
	}
}

func TestProtocolValidate(t *testing.T) {
	if err := (Protocol{CommandLength: 2, StatusLength: 24}).Validate(); err == nil {
		t.Error("short command length accepted")
	}
	if err := (Protocol{CommandLength: 8, StatusLength: 12}).Validate(); err == nil {
		t.Error("short status length accepted")
	}
	if err := DefaultProtocol.Validate(); err != nil {
		t.Error(err)
	}
}

func TestHomeDirectionFor(t *testing.T) {
	if HomeDirectionFor(1) != HomeNegative {
		t.Error("positive movement sign should home negative")
	}
	if HomeDirectionFor(-1) != HomePositive {
		t.Error("negative movement sign should home positive")
	}
}
