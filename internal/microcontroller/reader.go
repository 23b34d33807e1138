package microcontroller

import (
	"time"

	"go.uber.org/zap"
)

// readLoop consumes status frames until Close. Only the newest complete
// frame in the buffer is decoded; older ones are stale by definition.
func (m *Microcontroller) readLoop() {
	defer m.wg.Done()

	frameLen := m.opts.Protocol.StatusLength
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	// remainder of an unaligned buffer and when it was first seen
	lastRem := 0
	var remSince time.Time

	for {
		select {
		case <-m.stopChan:
			return
		case <-m.transport.Ready():
		case <-ticker.C:
		}

		n := m.transport.BytesAvailable()
		if n == 0 {
			lastRem = 0
			continue
		}

		if rem := n % frameLen; rem != 0 {
			if rem != lastRem {
				lastRem = rem
				remSince = time.Now()
				continue
			}
			if time.Since(remSince) < m.opts.ResyncAfter {
				continue
			}
			// A partial frame that never completes; realign on the tail.
			m.transport.ReadAvailable(rem)
			m.resyncs.Add(1)
			m.logger.Warn("Status stream resynchronized",
				zap.Int("dropped_bytes", rem))
			n -= rem
			lastRem = 0
			if n == 0 {
				continue
			}
		}
		lastRem = 0

		if n > frameLen {
			m.transport.ReadAvailable(n - frameLen)
			m.framesDropped.Add(uint64((n - frameLen) / frameLen))
		}

		raw := m.transport.ReadAvailable(frameLen)
		frame, err := m.opts.Protocol.DecodeStatus(raw)
		if err != nil {
			m.framesCorrupt.Add(1)
			m.logger.Warn("Dropping status frame", zap.Error(err))
			continue
		}

		m.framesDecoded.Add(1)
		m.handleFrame(frame)
	}
}

// handleFrame applies one status frame. Completion is published to
// waiters only after the callback has seen the frame, so a returning
// WaitTillOperationIsCompleted implies observers are up to date.
func (m *Microcontroller) handleFrame(frame StatusFrame) {
	var (
		resend  []byte
		done    bool
		doneErr error
	)

	m.mu.Lock()
	m.last = frame
	seq := m.seq

	if m.inFlight {
		if frame.CommandID == m.lastID {
			switch frame.Status {
			case StatusCompleted:
				done = true
				m.mismatches = 0
			case StatusInProgress:
				m.mismatches = 0
			case StatusChecksumError:
				// corrupted on the way in, not executed
				resend, done, doneErr = m.countTowardsResend(frame)
			default:
				done = true
				doneErr = &CommandError{
					CommandID: m.lastID,
					Opcode:    m.lastOpcode,
					Status:    frame.Status,
				}
			}
		} else {
			resend, done, doneErr = m.countTowardsResend(frame)
		}
	}
	cb := m.callback
	m.mu.Unlock()

	if resend != nil {
		m.resend(resend, seq)
	}

	if cb != nil {
		cb(frame)
	}

	m.mu.Lock()
	if done && m.inFlight && m.seq == seq {
		m.inFlight = false
		m.cmdErr = doneErr
		if doneErr != nil {
			m.logger.Error("Command failed",
				zap.Uint8("cmd_id", m.lastID),
				zap.Stringer("opcode", m.lastOpcode),
				zap.Error(doneErr))
		}
	}
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
}

// resend writes frame unless a newer command has been sent since seq.
func (m *Microcontroller) resend(frame []byte, seq uint64) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	current := m.inFlight && m.seq == seq
	m.mu.Unlock()
	if !current {
		m.logger.Debug("Skipping resend of superseded command")
		return
	}
	if err := m.transport.Write(frame); err != nil {
		m.logger.Error("Resend failed", zap.Error(err))
	}
}

// countTowardsResend must be called with mu held. It returns the frame to
// resend once the threshold is crossed and budget remains, or reports the
// command as finished when the budget is spent.
func (m *Microcontroller) countTowardsResend(frame StatusFrame) ([]byte, bool, error) {
	m.mismatches++
	if m.mismatches <= m.opts.ResendThreshold {
		return nil, false, nil
	}
	m.mismatches = 0

	if m.resends >= m.opts.MaxResends {
		if frame.Status == StatusChecksumError && frame.CommandID == m.lastID {
			return nil, true, &CommandError{
				CommandID: m.lastID,
				Opcode:    m.lastOpcode,
				Status:    frame.Status,
			}
		}
		return nil, true, ErrNoAcknowledgement
	}

	m.resends++
	m.resendCount.Add(1)
	m.logger.Warn("Resending command",
		zap.Uint8("cmd_id", m.lastID),
		zap.Stringer("opcode", m.lastOpcode),
		zap.Uint8("reported_id", frame.CommandID),
		zap.Stringer("reported_status", frame.Status),
		zap.Int("attempt", m.resends))

	out := make([]byte, len(m.lastFrame))
	copy(out, m.lastFrame)
	return out, false, nil
}
