package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/store"
)

// ErrValidation marks rejected order parameters.
var ErrValidation = errors.New("market: validation error")

// Publisher receives post-commit market events.
type Publisher interface {
	Publish(topic, sessionID string, payload any)
}

// Engine is the per-session continuous double auction. SQLite has no
// row-level skip-locked, so every matching invocation for a session is
// serialized through a session-keyed mutex instead.
type Engine struct {
	store *store.Store
	pub   Publisher
	log   *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine builds an engine over the store. pub may be nil.
func NewEngine(st *store.Store, pub Publisher) *Engine {
	return &Engine{
		store: st,
		pub:   pub,
		log:   logrus.WithField("component", "market"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sessionID] = l
	}
	return l
}

// MMResult summarizes one PlaceMMQuotes invocation.
type MMResult struct {
	Cancelled   int    `json:"cancelled"`
	BidID       string `json:"bid_id"`
	AskID       string `json:"ask_id"`
	TradesCount int    `json:"trades_count"`
	Volume      int    `json:"volume"`
}

// PlaceMMQuotes replaces a trader's quotes in one shot: cancel every
// active order the trader has in the session, insert the new bid and ask,
// and match to fixpoint, all inside a single transaction under the
// session lock, so nobody trades against half-replaced quotes.
func (e *Engine) PlaceMMQuotes(ctx context.Context, sessionID, trader string, bid, ask, qty int) (*MMResult, error) {
	if err := domain.ValidateTraderName(trader); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if bid < domain.MinPrice || ask > domain.MaxPrice || bid > ask {
		return nil, fmt.Errorf("%w: quote prices must satisfy 0 <= bid <= ask <= 100, got bid=%d ask=%d", ErrValidation, bid, ask)
	}
	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity %d must be >= 1", ErrValidation, qty)
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	res := &MMResult{}
	var trades []*domain.Trade
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		cancelled, err := e.store.CancelActiveOrdersTx(ctx, tx, sessionID, trader)
		if err != nil {
			return err
		}
		res.Cancelled = cancelled

		now := time.Now().UTC()
		bidOrder := &domain.Order{
			ID: uuid.NewString(), SessionID: sessionID, TraderName: trader,
			Side: domain.SideBuy, Price: bid, Quantity: qty,
			Status: domain.OrderStatusOpen, CreatedAt: now,
		}
		askOrder := &domain.Order{
			ID: uuid.NewString(), SessionID: sessionID, TraderName: trader,
			Side: domain.SideSell, Price: ask, Quantity: qty,
			Status: domain.OrderStatusOpen, CreatedAt: now,
		}
		if err := e.store.InsertOrderTx(ctx, tx, bidOrder); err != nil {
			return err
		}
		if err := e.store.InsertOrderTx(ctx, tx, askOrder); err != nil {
			return err
		}
		res.BidID = bidOrder.ID
		res.AskID = askOrder.ID

		trades, err = e.matchTx(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, t := range trades {
		res.TradesCount++
		res.Volume += t.Quantity
	}
	e.publishAfterMatch(ctx, sessionID, trades)
	e.log.WithFields(logrus.Fields{
		"session_id": sessionID, "trader": trader,
		"bid": bid, "ask": ask, "qty": qty,
		"cancelled": res.Cancelled, "trades": res.TradesCount, "volume": res.Volume,
	}).Debug("mm quotes replaced")
	return res, nil
}

// PlaceOrder inserts one limit order and matches to fixpoint.
func (e *Engine) PlaceOrder(ctx context.Context, o *domain.Order) (tradesCount, volume int, err error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.Status = domain.OrderStatusOpen
	if err := o.Validate(); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	lock := e.sessionLock(o.SessionID)
	lock.Lock()
	defer lock.Unlock()

	var trades []*domain.Trade
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertOrderTx(ctx, tx, o); err != nil {
			return err
		}
		trades, err = e.matchTx(ctx, tx, o.SessionID)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	for _, t := range trades {
		tradesCount++
		volume += t.Quantity
	}
	e.publishAfterMatch(ctx, o.SessionID, trades)
	return tradesCount, volume, nil
}

// matchTx runs price-time priority matching to fixpoint. The best bid
// pairs with the best ask priced at or below it from a different trader;
// the resting ask's price is the execution price. When the best bid has
// no eligible ask the book is stable and matching stops.
func (e *Engine) matchTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]*domain.Trade, error) {
	bids, err := e.store.ActiveOrdersTx(ctx, tx, sessionID, domain.SideBuy)
	if err != nil {
		return nil, err
	}
	asks, err := e.store.ActiveOrdersTx(ctx, tx, sessionID, domain.SideSell)
	if err != nil {
		return nil, err
	}

	ledgers := map[string]*domain.TraderState{}
	ledger := func(trader string) (*domain.TraderState, error) {
		if ts, ok := ledgers[trader]; ok {
			return ts, nil
		}
		ts, err := e.store.GetTraderStateTx(ctx, tx, sessionID, trader)
		if errors.Is(err, store.ErrNotFound) {
			// First fill for this trader in the session opens the ledger.
			ts = domain.NewTraderState(uuid.NewString(), sessionID, trader)
		} else if err != nil {
			return nil, fmt.Errorf("load ledger %s: %w", trader, err)
		}
		ledgers[trader] = ts
		return ts, nil
	}

	var trades []*domain.Trade
	for {
		bid := bestActive(bids)
		if bid == nil {
			break
		}
		ask := bestEligibleAsk(asks, bid)
		if ask == nil {
			break
		}

		fill := bid.Remaining()
		if ask.Remaining() < fill {
			fill = ask.Remaining()
		}
		execPrice := ask.Price

		bid.FilledQuantity += fill
		ask.FilledQuantity += fill
		advanceStatus(bid)
		advanceStatus(ask)

		trade := &domain.Trade{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			BuyOrderID:  bid.ID,
			SellOrderID: ask.ID,
			BuyerName:   bid.TraderName,
			SellerName:  ask.TraderName,
			Price:       execPrice,
			Quantity:    fill,
			CreatedAt:   time.Now().UTC(),
		}
		if err := e.store.InsertTradeTx(ctx, tx, trade); err != nil {
			return nil, err
		}
		if err := e.store.ApplyOrderFillTx(ctx, tx, bid.ID, bid.FilledQuantity, bid.Status); err != nil {
			return nil, err
		}
		if err := e.store.ApplyOrderFillTx(ctx, tx, ask.ID, ask.FilledQuantity, ask.Status); err != nil {
			return nil, err
		}

		buyer, err := ledger(bid.TraderName)
		if err != nil {
			return nil, err
		}
		seller, err := ledger(ask.TraderName)
		if err != nil {
			return nil, err
		}
		buyer.ApplyBuy(execPrice, fill)
		seller.ApplySell(execPrice, fill)

		trades = append(trades, trade)
	}

	for _, ts := range ledgers {
		if err := e.store.UpdateTraderLedgerTx(ctx, tx, ts); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

// bestActive returns the first order with remaining quantity. The slice
// is already in priority order.
func bestActive(orders []*domain.Order) *domain.Order {
	for _, o := range orders {
		if o.IsActive() && o.Remaining() > 0 {
			return o
		}
	}
	return nil
}

// bestEligibleAsk finds the best crossing ask from a different trader.
// The trader's own asks are skipped, never crossed.
func bestEligibleAsk(asks []*domain.Order, bid *domain.Order) *domain.Order {
	for _, a := range asks {
		if !a.IsActive() || a.Remaining() <= 0 {
			continue
		}
		if a.Price > bid.Price {
			return nil // asks are sorted ascending; nothing further crosses
		}
		if a.TraderName == bid.TraderName {
			continue
		}
		return a
	}
	return nil
}

func advanceStatus(o *domain.Order) {
	if o.Remaining() == 0 {
		o.Status = domain.OrderStatusFilled
	} else if o.FilledQuantity > 0 {
		o.Status = domain.OrderStatusPartiallyFilled
	}
}

func (e *Engine) publishAfterMatch(ctx context.Context, sessionID string, trades []*domain.Trade) {
	if e.pub == nil {
		return
	}
	for _, t := range trades {
		e.pub.Publish("trades", sessionID, t)
	}
	snap, err := e.store.BookSnapshot(ctx, sessionID)
	if err != nil {
		e.log.WithError(err).Warn("snapshot after match failed")
		return
	}
	e.pub.Publish("orderbook_live", sessionID, snap)
	if len(trades) > 0 {
		states, err := e.store.ListTraderStates(ctx, sessionID)
		if err == nil {
			e.pub.Publish("trader_state_live", sessionID, states)
		}
	}
}
