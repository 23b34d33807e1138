package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// Port is a Transport over a real serial device. A pump goroutine drains
// the OS port into the inbound buffer.
type Port struct {
	port   io.ReadWriteCloser
	cfg    Config
	in     *Buffer
	logger *zap.Logger

	writeMu   sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func Open(cfg Config, logger *zap.Logger) (*Port, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("no serial device configured")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Millisecond
	}

	sp, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	logger.Info("Serial port opened",
		zap.String("device", cfg.Device),
		zap.Int("baud", cfg.Baud))

	return newPort(sp, cfg, logger), nil
}

// newPort starts the pump on an opened device. Reads on rw must return
// within cfg.ReadTimeout.
func newPort(rw io.ReadWriteCloser, cfg Config, logger *zap.Logger) *Port {
	p := &Port{
		port:     rw,
		cfg:      cfg,
		in:       NewBuffer(),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.pump()
	return p
}

func (p *Port) pump() {
	defer p.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		n, err := p.port.Read(buf)
		if n > 0 {
			p.in.Append(buf[:n])
		}
		if err == nil || errors.Is(err, io.EOF) {
			// EOF is how tarm reports a read timeout
			continue
		}

		select {
		case <-p.stopChan:
			return
		default:
		}

		p.logger.Error("Serial read failed",
			zap.String("device", p.cfg.Device),
			zap.Error(err))
		time.Sleep(p.cfg.ReadTimeout)
	}
}

func (p *Port) Write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.stopChan:
		return ErrClosed
	default:
	}

	if _, err := p.port.Write(b); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (p *Port) BytesAvailable() int {
	return p.in.Len()
}

func (p *Port) ReadAvailable(n int) []byte {
	return p.in.Take(n)
}

func (p *Port) Ready() <-chan struct{} {
	return p.in.Ready()
}

func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopChan)
		// the pump leaves Read within one ReadTimeout
		p.wg.Wait()
		p.writeMu.Lock()
		err = p.port.Close()
		p.writeMu.Unlock()
		p.logger.Info("Serial port closed", zap.String("device", p.cfg.Device))
	})
	return err
}
