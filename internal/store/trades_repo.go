package store

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/foresight/internal/domain"
)

// InsertTradeTx records one fill inside a matching transaction.
func (s *Store) InsertTradeTx(ctx context.Context, tx dbtx, t *domain.Trade) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO trades (id,session_id,buy_order_id,sell_order_id,buyer_name,seller_name,price,quantity,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, t.ID, t.SessionID, t.BuyOrderID, t.SellOrderID, t.BuyerName, t.SellerName,
		t.Price, t.Quantity, t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns a session's trades newest first.
func (s *Store) ListTrades(ctx context.Context, sessionID string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,session_id,buy_order_id,sell_order_id,buyer_name,seller_name,price,quantity,created_at
FROM trades WHERE session_id=?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.BuyOrderID, &t.SellOrderID,
			&t.BuyerName, &t.SellerName, &t.Price, &t.Quantity, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
