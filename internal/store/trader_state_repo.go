package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/foresight/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnsureTraderStates seeds the 18 trader ledgers for a session. Existing
// rows are left untouched, so the call is idempotent.
func (s *Store) EnsureTraderStates(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, name := range domain.AllTraders() {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO trader_state_live (id,session_id,trader_name,cash,position,realized_pnl,updated_at)
VALUES (?,?,?,?,0,'0',?)
ON CONFLICT (session_id, trader_name) DO NOTHING
`, uuid.NewString(), sessionID, name, domain.StartingCash.String(), now)
		if err != nil {
			return fmt.Errorf("seed trader state %s: %w", name, err)
		}
	}
	return nil
}

// GetTraderStateTx loads one trader's ledger inside a transaction.
func (s *Store) GetTraderStateTx(ctx context.Context, tx dbtx, sessionID, trader string) (*domain.TraderState, error) {
	row := tx.QueryRowContext(ctx, `
SELECT id,session_id,trader_name,cash,position,realized_pnl,system_prompt,updated_at
FROM trader_state_live WHERE session_id=? AND trader_name=?
`, sessionID, trader)
	ts, err := scanTraderState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ts, err
}

// UpdateTraderLedgerTx writes back cash, position and realized pnl,
// inserting the row when the trader's ledger was opened by its first fill.
func (s *Store) UpdateTraderLedgerTx(ctx context.Context, tx dbtx, ts *domain.TraderState) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO trader_state_live (id,session_id,trader_name,cash,position,realized_pnl,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (session_id, trader_name) DO UPDATE SET
  cash=excluded.cash, position=excluded.position, realized_pnl=excluded.realized_pnl, updated_at=excluded.updated_at
`, ts.ID, ts.SessionID, ts.TraderName, ts.Cash.String(), ts.Position,
		ts.RealizedPnl.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("update trader ledger: %w", err)
	}
	return nil
}

// UpdateTraderNotes stores a trader's running notes between rounds.
func (s *Store) UpdateTraderNotes(ctx context.Context, sessionID, trader, notes string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE trader_state_live SET system_prompt=?, updated_at=?
WHERE session_id=? AND trader_name=?
`, notes, time.Now().UTC().Format(time.RFC3339Nano), sessionID, trader)
	if err != nil {
		return fmt.Errorf("update trader notes: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish("trader_state_live", sessionID, map[string]any{"trader_name": trader})
	return nil
}

// GetTraderState loads one trader's ledger outside any transaction.
func (s *Store) GetTraderState(ctx context.Context, sessionID, trader string) (*domain.TraderState, error) {
	return s.GetTraderStateTx(ctx, s.db, sessionID, trader)
}

// ListTraderStates returns all 18 ledgers for a session in name order.
func (s *Store) ListTraderStates(ctx context.Context, sessionID string) ([]*domain.TraderState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,session_id,trader_name,cash,position,realized_pnl,system_prompt,updated_at
FROM trader_state_live WHERE session_id=? ORDER BY trader_name
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TraderState
	for rows.Next() {
		ts, err := scanTraderState(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanTraderState(scan func(dest ...any) error) (*domain.TraderState, error) {
	var (
		ts        domain.TraderState
		cash      string
		pnl       string
		notes     sql.NullString
		updatedAt string
	)
	if err := scan(&ts.ID, &ts.SessionID, &ts.TraderName, &cash, &ts.Position,
		&pnl, &notes, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if ts.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("parse trader cash %q: %w", cash, err)
	}
	if ts.RealizedPnl, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("parse trader pnl %q: %w", pnl, err)
	}
	if notes.Valid {
		ts.SystemPrompt = notes.String
	}
	ts.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &ts, nil
}
