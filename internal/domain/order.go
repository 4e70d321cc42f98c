package domain

import (
	"fmt"
	"time"
)

// Side of a limit order. Buys bid on YES, sells offer YES.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus tracks an order through its fill lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Prices are integer cents on a 0..100 probability scale.
const (
	MinPrice = 0
	MaxPrice = 100
)

// Order is a resting limit order in a session's book.
type Order struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	TraderName     string      `json:"trader_name"`
	Side           Side        `json:"side"`
	Price          int         `json:"price"`
	Quantity       int         `json:"quantity"`
	FilledQuantity int         `json:"filled_quantity"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Remaining returns the unfilled contract count.
func (o *Order) Remaining() int {
	return o.Quantity - o.FilledQuantity
}

// IsActive reports whether the order can still trade.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// Validate checks the order fields before it enters the book.
func (o *Order) Validate() error {
	if o.SessionID == "" {
		return fmt.Errorf("order session_id is required")
	}
	if err := ValidateTraderName(o.TraderName); err != nil {
		return err
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("invalid order side %q", o.Side)
	}
	if o.Price < MinPrice || o.Price > MaxPrice {
		return fmt.Errorf("order price %d out of range [%d, %d]", o.Price, MinPrice, MaxPrice)
	}
	if o.Quantity < 1 {
		return fmt.Errorf("order quantity %d must be >= 1", o.Quantity)
	}
	return nil
}

// BookLevel is one aggregated price level of a book snapshot.
type BookLevel struct {
	Price      int `json:"price"`
	Quantity   int `json:"quantity"`
	OrderCount int `json:"order_count"`
}

// BookSnapshot is the aggregated view of one session's live book. Volume
// is the total contract count traded so far in the session.
type BookSnapshot struct {
	SessionID string      `json:"session_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	LastPrice *int        `json:"last_price"`
	Volume    int         `json:"volume"`
	Timestamp time.Time   `json:"timestamp"`
}
