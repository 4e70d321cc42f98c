package domain

import "time"

// Trade records one fill between a buy and a sell order.
// Price is the resting ask's limit price at execution time.
type Trade struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	BuyerName   string    `json:"buyer_name"`
	SellerName  string    `json:"seller_name"`
	Price       int       `json:"price"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}
