package microcontroller

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/serial"
	"go.uber.org/zap"
)

type SimOptions struct {
	Protocol Protocol
	// Time from receiving a command until it reports completed
	Latency time.Duration
	// Status frame period
	Interval time.Duration
}

func DefaultSimOptions() SimOptions {
	return SimOptions{
		Protocol: DefaultProtocol,
		Latency:  50 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	}
}

// ReceivedCommand is a command as the simulated firmware decoded it.
type ReceivedCommand struct {
	ID      byte
	Command Command
}

// SimSerial stands in for the controller behind a serial port. It keeps raw
// positions with the same integer bookkeeping as the firmware and streams
// status frames at a fixed interval.
type SimSerial struct {
	opts   SimOptions
	out    *serial.Buffer
	logger *zap.Logger

	mu         sync.Mutex
	pos        RawPosition
	cmdID      byte
	status     ExecutionStatus
	completeAt time.Time
	joystick   bool
	silent     bool
	ignoreNext int
	failNext   ExecutionStatus
	corrupt    bool
	received   []ReceivedCommand
	closed     bool

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewSimSerial(opts SimOptions, logger *zap.Logger) *SimSerial {
	def := DefaultSimOptions()
	if opts.Protocol.CommandLength == 0 {
		opts.Protocol = def.Protocol
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Latency < 0 {
		opts.Latency = 0
	}

	s := &SimSerial{
		opts:     opts,
		out:      serial.NewBuffer(),
		logger:   logger,
		status:   StatusCompleted,
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.emitLoop()

	logger.Info("Simulated controller started",
		zap.Duration("latency", opts.Latency),
		zap.Duration("interval", opts.Interval))

	return s
}

func (s *SimSerial) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return serial.ErrClosed
	}

	l := s.opts.Protocol.CommandLength
	for len(p) >= l {
		s.receive(p[:l])
		p = p[l:]
	}
	return nil
}

// receive must be called with mu held.
func (s *SimSerial) receive(frame []byte) {
	if s.ignoreNext > 0 {
		s.ignoreNext--
		return
	}

	id, cmd, err := s.opts.Protocol.DecodeCommand(frame)
	s.cmdID = id
	if err != nil {
		s.status = StatusChecksumError
		s.logger.Debug("Simulated controller rejected frame", zap.Error(err))
		return
	}

	s.received = append(s.received, ReceivedCommand{ID: id, Command: cmd})

	if s.failNext != StatusCompleted {
		s.status = s.failNext
		s.failNext = StatusCompleted
		return
	}
	if !cmd.Opcode.Known() {
		s.status = StatusInvalidCommand
		return
	}

	s.apply(cmd)
	s.status = StatusInProgress
	s.completeAt = time.Now().Add(s.opts.Latency)
}

// apply must be called with mu held.
func (s *SimSerial) apply(cmd Command) {
	switch cmd.Opcode {
	case OpMoveX:
		s.pos.X += Int32(cmd.Args)
	case OpMoveY:
		s.pos.Y += Int32(cmd.Args)
	case OpMoveZ:
		s.pos.Z += Int32(cmd.Args)
	case OpMoveTheta:
		s.pos.Theta += Int32(cmd.Args)
	case OpMoveToX:
		s.pos.X = Int32(cmd.Args)
	case OpMoveToY:
		s.pos.Y = Int32(cmd.Args)
	case OpMoveToZ:
		s.pos.Z = Int32(cmd.Args)
	case OpHomeOrZero:
		// homing and zeroing both end at the origin
		switch Axis(cmd.Args[0]) {
		case AxisX:
			s.pos.X = 0
		case AxisY:
			s.pos.Y = 0
		case AxisZ:
			s.pos.Z = 0
		case AxisTheta:
			s.pos.Theta = 0
		case AxisXY:
			s.pos.X = 0
			s.pos.Y = 0
		}
	case OpAckJoystickButtonPressed:
		s.joystick = false
	case OpReset:
		s.pos = RawPosition{}
	}
}

func (s *SimSerial) emitLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			if frame := s.nextFrame(now); frame != nil {
				s.out.Append(frame)
			}
		}
	}
}

func (s *SimSerial) nextFrame(now time.Time) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.silent {
		return nil
	}
	if s.status == StatusInProgress && !now.Before(s.completeAt) {
		s.status = StatusCompleted
	}

	frame := s.opts.Protocol.EncodeStatus(StatusFrame{
		CommandID:             s.cmdID,
		Status:                s.status,
		Position:              s.pos,
		JoystickButtonPressed: s.joystick,
	})
	if s.corrupt {
		frame[len(frame)-1] ^= 0xff
		s.corrupt = false
	}
	return frame
}

func (s *SimSerial) BytesAvailable() int {
	return s.out.Len()
}

func (s *SimSerial) ReadAvailable(n int) []byte {
	return s.out.Take(n)
}

func (s *SimSerial) Ready() <-chan struct{} {
	return s.out.Ready()
}

func (s *SimSerial) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// Position returns the simulated raw position.
func (s *SimSerial) Position() RawPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Received returns every command decoded so far, in order.
func (s *SimSerial) Received() []ReceivedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReceivedCommand, len(s.received))
	copy(out, s.received)
	return out
}

// SetSilent stops or resumes status frames.
func (s *SimSerial) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// IgnoreNextCommands makes the next n written frames vanish on the wire.
func (s *SimSerial) IgnoreNextCommands(n int) {
	s.mu.Lock()
	s.ignoreNext = n
	s.mu.Unlock()
}

// FailNextCommand makes the next decoded command report status.
func (s *SimSerial) FailNextCommand(status ExecutionStatus) {
	s.mu.Lock()
	s.failNext = status
	s.mu.Unlock()
}

// CorruptNextFrame flips the CRC of the next status frame.
func (s *SimSerial) CorruptNextFrame() {
	s.mu.Lock()
	s.corrupt = true
	s.mu.Unlock()
}

// PressJoystickButton latches the joystick flag until acknowledged.
func (s *SimSerial) PressJoystickButton() {
	s.mu.Lock()
	s.joystick = true
	s.mu.Unlock()
}

// InjectBytes pushes raw bytes into the inbound stream.
func (s *SimSerial) InjectBytes(b []byte) {
	s.out.Append(b)
}
