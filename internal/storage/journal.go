package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenStageCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordHomingRun inserts a run or updates it when the ID is known.
func (p *PostgresClient) RecordHomingRun(ctx context.Context, run types.HomingRun) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO homing_runs (id, status, step, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    step = EXCLUDED.step,
		    error = EXCLUDED.error,
		    finished_at = EXCLUDED.finished_at
	`, run.ID, string(run.Status), run.Step, run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record homing run: %w", err)
	}
	return nil
}

// ListHomingRuns returns the newest runs first.
func (p *PostgresClient) ListHomingRuns(ctx context.Context, limit int) ([]types.HomingRun, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, status, step, error, started_at, finished_at
		FROM homing_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query homing runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.HomingRun, error) {
		var run types.HomingRun
		var status string
		err := row.Scan(&run.ID, &status, &run.Step, &run.Error, &run.StartedAt, &run.FinishedAt)
		run.Status = types.HomingRunStatus(status)
		return run, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan homing runs: %w", err)
	}
	return runs, nil
}

func (p *PostgresClient) GetHomingRun(ctx context.Context, id uuid.UUID) (*types.HomingRun, error) {
	var run types.HomingRun
	var status string
	err := p.pool.QueryRow(ctx, `
		SELECT id, status, step, error, started_at, finished_at
		FROM homing_runs WHERE id = $1
	`, id).Scan(&run.ID, &status, &run.Step, &run.Error, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("homing run not found")
		}
		return nil, fmt.Errorf("failed to get homing run: %w", err)
	}
	run.Status = types.HomingRunStatus(status)
	return &run, nil
}

func (p *PostgresClient) RecordCommandFault(ctx context.Context, fault types.CommandFault) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO command_faults (command_id, opcode, status, run_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, int16(fault.CommandID), fault.Opcode, fault.Status, fault.RunID, fault.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record command fault: %w", err)
	}
	return nil
}

// ListCommandFaults returns the newest faults first.
func (p *PostgresClient) ListCommandFaults(ctx context.Context, limit int) ([]types.CommandFault, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, command_id, opcode, status, run_id, occurred_at
		FROM command_faults
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command faults: %w", err)
	}

	faults, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CommandFault, error) {
		var f types.CommandFault
		var cmdID int16
		err := row.Scan(&f.ID, &cmdID, &f.Opcode, &f.Status, &f.RunID, &f.OccurredAt)
		f.CommandID = uint8(cmdID)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan command faults: %w", err)
	}
	return faults, nil
}

// LogAuthEvent records a login attempt.
func (p *PostgresClient) LogAuthEvent(ctx context.Context, eventType, username, ipAddress, userAgent string, success bool, reason string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (event_type, username, ip_address, user_agent, success, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, eventType, username, ipAddress, userAgent, success, reason)
	return err
}
