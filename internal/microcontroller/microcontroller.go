package microcontroller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/config"
	"github.com/KevinKickass/OpenStageCore/internal/serial"
	"go.uber.org/zap"
)

type Options struct {
	Protocol Protocol
	// Consecutive foreign-ID frames tolerated before the last command is resent
	ResendThreshold int
	MaxResends      int
	PollInterval    time.Duration
	// How long the buffer may sit unaligned before leading bytes are dropped
	ResyncAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		Protocol:        DefaultProtocol,
		ResendThreshold: 10,
		MaxResends:      1,
		PollInterval:    5 * time.Millisecond,
		ResyncAfter:     100 * time.Millisecond,
	}
}

func OptionsFromConfig(cfg config.ProtocolConfig) Options {
	opts := DefaultOptions()
	if cfg.CommandLength > 0 {
		opts.Protocol.CommandLength = cfg.CommandLength
	}
	if cfg.StatusLength > 0 {
		opts.Protocol.StatusLength = cfg.StatusLength
	}
	if cfg.ResendThreshold > 0 {
		opts.ResendThreshold = cfg.ResendThreshold
	}
	if cfg.MaxResends >= 0 {
		opts.MaxResends = cfg.MaxResends
	}
	if cfg.PollInterval > 0 {
		opts.PollInterval = cfg.PollInterval
	}
	if cfg.ResyncAfter > 0 {
		opts.ResyncAfter = cfg.ResyncAfter
	}
	return opts
}

// Stats counts reader events since the connection was opened.
type Stats struct {
	FramesDecoded uint64 `json:"frames_decoded"`
	FramesDropped uint64 `json:"frames_dropped"`
	FramesCorrupt uint64 `json:"frames_corrupt"`
	Resyncs       uint64 `json:"resyncs"`
	Resends       uint64 `json:"resends"`
}

// Microcontroller is one session with the stage controller. At most one
// command is in flight; callers serialize send-and-wait sequences.
type Microcontroller struct {
	transport serial.Transport
	opts      Options
	logger    *zap.Logger

	// sendMu orders frames on the wire; taken before mu
	sendMu sync.Mutex

	mu         sync.Mutex
	lastID     byte
	lastFrame  []byte
	lastOpcode Opcode
	seq        uint64
	inFlight   bool
	mismatches int
	resends    int
	cmdErr     error
	last       StatusFrame
	notify     chan struct{}
	callback   func(StatusFrame)
	closed     bool

	framesDecoded atomic.Uint64
	framesDropped atomic.Uint64
	framesCorrupt atomic.Uint64
	resyncs       atomic.Uint64
	resendCount   atomic.Uint64

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts the status reader on transport. The Microcontroller owns the
// transport from here on and closes it in Close.
func New(transport serial.Transport, opts Options, logger *zap.Logger) (*Microcontroller, error) {
	if err := opts.Protocol.Validate(); err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.ResendThreshold <= 0 {
		opts.ResendThreshold = DefaultOptions().ResendThreshold
	}

	m := &Microcontroller{
		transport: transport,
		opts:      opts,
		logger:    logger,
		notify:    make(chan struct{}),
		stopChan:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.readLoop()

	logger.Info("Status reader started",
		zap.Int("command_length", opts.Protocol.CommandLength),
		zap.Int("status_length", opts.Protocol.StatusLength),
		zap.Duration("poll_interval", opts.PollInterval))

	return m, nil
}

// SetCallback registers fn to run on the reader goroutine for every
// decoded status frame. fn must not block.
func (m *Microcontroller) SetCallback(fn func(StatusFrame)) {
	m.mu.Lock()
	m.callback = fn
	m.mu.Unlock()
}

// SendCommand assigns the next command ID, writes exactly one frame and
// marks the session busy.
func (m *Microcontroller) SendCommand(cmd Command) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	id := m.lastID + 1
	frame, err := m.opts.Protocol.EncodeCommand(id, cmd)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	m.lastID = id
	m.lastFrame = frame
	m.lastOpcode = cmd.Opcode
	m.seq++
	m.inFlight = true
	m.mismatches = 0
	m.resends = 0
	m.cmdErr = nil
	m.mu.Unlock()

	if err := m.transport.Write(frame); err != nil {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
		return fmt.Errorf("send %s: %w", cmd.Opcode, err)
	}

	m.logger.Debug("Command sent",
		zap.Uint8("cmd_id", id),
		zap.Stringer("opcode", cmd.Opcode))

	return nil
}

// WaitTillOperationIsCompleted blocks until the command in flight
// completes, fails, or timeout elapses.
func (m *Microcontroller) WaitTillOperationIsCompleted(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		if !m.inFlight {
			// a failure is reported once
			err := m.cmdErr
			m.cmdErr = nil
			m.mu.Unlock()
			return err
		}
		notify, id, op := m.notify, m.lastID, m.lastOpcode
		m.mu.Unlock()

		select {
		case <-notify:
		case <-ticker.C:
		case <-timer.C:
			return fmt.Errorf("%w: command %d (%s) after %s", ErrTimeout, id, op, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Execute sends cmd and waits for it.
func (m *Microcontroller) Execute(ctx context.Context, cmd Command, timeout time.Duration) error {
	if err := m.SendCommand(cmd); err != nil {
		return err
	}
	return m.WaitTillOperationIsCompleted(ctx, timeout)
}

func (m *Microcontroller) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Position returns the raw position from the newest status frame.
func (m *Microcontroller) Position() RawPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Position
}

// LastStatus returns the newest decoded status frame.
func (m *Microcontroller) LastStatus() StatusFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Microcontroller) Protocol() Protocol {
	return m.opts.Protocol
}

func (m *Microcontroller) Stats() Stats {
	return Stats{
		FramesDecoded: m.framesDecoded.Load(),
		FramesDropped: m.framesDropped.Load(),
		FramesCorrupt: m.framesCorrupt.Load(),
		Resyncs:       m.resyncs.Load(),
		Resends:       m.resendCount.Load(),
	}
}

// Close stops the reader, then closes the transport.
func (m *Microcontroller) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.stopChan)
		m.wg.Wait()

		err = m.transport.Close()
		m.logger.Info("Status reader stopped")
	})
	return err
}
