package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/foresight/internal/domain"
)

// Order mutations run inside the matching engine's transaction, so every
// method here takes a dbtx and never publishes; the engine publishes the
// resulting book snapshot after commit.

// InsertOrderTx adds a new resting order.
func (s *Store) InsertOrderTx(ctx context.Context, tx dbtx, o *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO orderbook_live (id,session_id,trader_name,side,price,quantity,filled_quantity,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, o.ID, o.SessionID, o.TraderName, o.Side, o.Price, o.Quantity, o.FilledQuantity,
		o.Status, o.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// ActiveOrdersTx returns a session's open and partially filled orders for
// one side, in price-time priority: bids price DESC, asks price ASC, ties
// oldest first.
func (s *Store) ActiveOrdersTx(ctx context.Context, tx dbtx, sessionID string, side domain.Side) ([]*domain.Order, error) {
	priceOrder := "ASC"
	if side == domain.SideBuy {
		priceOrder = "DESC"
	}
	rows, err := tx.QueryContext(ctx, `
SELECT id,session_id,trader_name,side,price,quantity,filled_quantity,status,created_at
FROM orderbook_live
WHERE session_id=? AND side=? AND status IN ('open','partially_filled')
ORDER BY price `+priceOrder+`, created_at ASC, id ASC
`, sessionID, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CancelActiveOrdersTx cancels every active order a trader has in the
// session and returns how many were cancelled.
func (s *Store) CancelActiveOrdersTx(ctx context.Context, tx dbtx, sessionID, trader string) (int, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE orderbook_live SET status='cancelled'
WHERE session_id=? AND trader_name=? AND status IN ('open','partially_filled')
`, sessionID, trader)
	if err != nil {
		return 0, fmt.Errorf("cancel active orders: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ApplyOrderFillTx advances an order's filled quantity and status.
func (s *Store) ApplyOrderFillTx(ctx context.Context, tx dbtx, orderID string, filledQty int, status domain.OrderStatus) error {
	res, err := tx.ExecContext(ctx, `
UPDATE orderbook_live SET filled_quantity=?, status=? WHERE id=?
`, filledQty, status, orderID)
	if err != nil {
		return fmt.Errorf("apply order fill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,session_id,trader_name,side,price,quantity,filled_quantity,status,created_at
FROM orderbook_live WHERE id=?
`, orderID)
	var o domain.Order
	var createdAt string
	if err := row.Scan(&o.ID, &o.SessionID, &o.TraderName, &o.Side, &o.Price,
		&o.Quantity, &o.FilledQuantity, &o.Status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &o, nil
}

// BookSnapshot aggregates the live book into per-price levels, bids best
// first and asks best first, plus the last trade price when one exists.
func (s *Store) BookSnapshot(ctx context.Context, sessionID string) (*domain.BookSnapshot, error) {
	snap := &domain.BookSnapshot{
		SessionID: sessionID,
		Bids:      []domain.BookLevel{},
		Asks:      []domain.BookLevel{},
		Timestamp: time.Now().UTC(),
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT side, price, SUM(quantity - filled_quantity), COUNT(*)
FROM orderbook_live
WHERE session_id=? AND status IN ('open','partially_filled')
GROUP BY side, price
ORDER BY side, price
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var side string
		var lvl domain.BookLevel
		if err := rows.Scan(&side, &lvl.Price, &lvl.Quantity, &lvl.OrderCount); err != nil {
			return nil, err
		}
		if domain.Side(side) == domain.SideBuy {
			snap.Bids = append(snap.Bids, lvl)
		} else {
			snap.Asks = append(snap.Asks, lvl)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Bids best (highest) first.
	for i, j := 0, len(snap.Bids)-1; i < j; i, j = i+1, j-1 {
		snap.Bids[i], snap.Bids[j] = snap.Bids[j], snap.Bids[i]
	}

	row := s.db.QueryRowContext(ctx, `
SELECT price FROM trades WHERE session_id=? ORDER BY created_at DESC, id DESC LIMIT 1
`, sessionID)
	var last int
	switch err := row.Scan(&last); {
	case err == nil:
		snap.LastPrice = &last
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(quantity),0) FROM trades WHERE session_id=?`, sessionID)
	if err := row.Scan(&snap.Volume); err != nil {
		return nil, err
	}
	return snap, nil
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		var o domain.Order
		var createdAt string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.TraderName, &o.Side, &o.Price,
			&o.Quantity, &o.FilledQuantity, &o.Status, &createdAt); err != nil {
			return nil, err
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}
