package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// SaveState upserts the durable runtime state for a strategy.
func (d *Database) SaveState(ctx context.Context, s StrategyState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_states (
			strategy_id, is_running, current_phase, state_data, last_heartbeat, error_count, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id) DO UPDATE SET
			is_running = excluded.is_running,
			current_phase = excluded.current_phase,
			state_data = excluded.state_data,
			last_heartbeat = excluded.last_heartbeat,
			error_count = excluded.error_count,
			updated_at = CURRENT_TIMESTAMP
	`, s.StrategyID, s.IsRunning, s.CurrentPhase, s.StateData, s.LastHeartbeat, s.ErrorCount)
	if err != nil {
		return fmt.Errorf("save strategy state %s: %w", s.StrategyID, err)
	}
	return nil
}

// GetState returns the stored state for one strategy, or ErrNotFound.
func (d *Database) GetState(ctx context.Context, strategyID string) (*StrategyState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT strategy_id, is_running, current_phase, state_data,
		       COALESCE(last_heartbeat, CURRENT_TIMESTAMP), COALESCE(error_count, 0), updated_at
		FROM strategy_states WHERE strategy_id = ?
	`, strategyID)

	var s StrategyState
	err := row.Scan(&s.StrategyID, &s.IsRunning, &s.CurrentPhase, &s.StateData,
		&s.LastHeartbeat, &s.ErrorCount, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy state %s: %w", strategyID, err)
	}
	return &s, nil
}

// ListRunningStates returns states flagged as running, for crash recovery
// and heartbeat supervision.
func (d *Database) ListRunningStates(ctx context.Context) ([]StrategyState, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT strategy_id, is_running, current_phase, state_data,
		       COALESCE(last_heartbeat, CURRENT_TIMESTAMP), COALESCE(error_count, 0), updated_at
		FROM strategy_states WHERE is_running = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list running states: %w", err)
	}
	defer rows.Close()

	var res []StrategyState
	for rows.Next() {
		var s StrategyState
		if err := rows.Scan(&s.StrategyID, &s.IsRunning, &s.CurrentPhase, &s.StateData,
			&s.LastHeartbeat, &s.ErrorCount, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy state: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SetRunning flips only the running flag, leaving the state blob intact.
func (d *Database) SetRunning(ctx context.Context, strategyID string, running bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_states SET is_running = ?, updated_at = CURRENT_TIMESTAMP
		WHERE strategy_id = ?
	`, running, strategyID)
	if err != nil {
		return fmt.Errorf("set running %s: %w", strategyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteState removes a strategy's durable state entirely.
func (d *Database) DeleteState(ctx context.Context, strategyID string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM strategy_states WHERE strategy_id = ?`, strategyID)
	if err != nil {
		return fmt.Errorf("delete strategy state %s: %w", strategyID, err)
	}
	return nil
}

// InsertSignal writes one signal audit row synchronously.
// Hot-path writes go through the batched SignalWriter instead.
func (d *Database) InsertSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (id, strategy_id, phase, kind, action, confidence, reason, candle_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, s.ID, s.StrategyID, s.Phase, s.Kind, s.Action, s.Confidence, s.Reason, s.CandleTS, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// ListSignals returns the most recent signals, newest first. An empty
// strategyID lists across all strategies.
func (d *Database) ListSignals(ctx context.Context, strategyID string, limit int) ([]Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, strategy_id, phase, kind, COALESCE(action, ''), confidence,
		       COALESCE(reason, ''), COALESCE(candle_ts, created_at), created_at
		FROM signals
	`
	args := []any{limit}
	if strategyID != "" {
		query += ` WHERE strategy_id = ?`
		args = append([]any{strategyID}, args...)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var res []Signal
	for rows.Next() {
		var s Signal
		if err := rows.Scan(&s.ID, &s.StrategyID, &s.Phase, &s.Kind, &s.Action,
			&s.Confidence, &s.Reason, &s.CandleTS, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
