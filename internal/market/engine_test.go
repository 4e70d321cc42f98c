package market

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	sess := &domain.Session{
		ID:           uuid.NewString(),
		QuestionText: "test market",
		QuestionType: domain.QuestionTypeBinary,
		Status:       domain.SessionStatusRunning,
		CurrentPhase: domain.PhaseSynthesis,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(ctx, sess))
	require.NoError(t, st.EnsureTraderStates(ctx, sess.ID))

	return NewEngine(st, nil), st, sess.ID
}

func placeOrder(t *testing.T, e *Engine, sessionID, trader string, side domain.Side, price, qty int) (int, int) {
	t.Helper()
	n, vol, err := e.PlaceOrder(context.Background(), &domain.Order{
		SessionID:  sessionID,
		TraderName: trader,
		Side:       side,
		Price:      price,
		Quantity:   qty,
	})
	require.NoError(t, err)
	return n, vol
}

func TestPriceTimePriority(t *testing.T) {
	e, st, sid := newTestEngine(t)
	ctx := context.Background()

	// Two asks at the same price; the earlier one must fill first.
	placeOrder(t, e, sid, "oliver", domain.SideSell, 60, 10)
	time.Sleep(2 * time.Millisecond)
	placeOrder(t, e, sid, "owen", domain.SideSell, 60, 10)
	n, vol := placeOrder(t, e, sid, "momentum", domain.SideBuy, 70, 15)

	assert.Equal(t, 2, n)
	assert.Equal(t, 15, vol)

	trades, err := st.ListTrades(ctx, sid, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// Newest first: second trade is against owen for the remainder.
	assert.Equal(t, "owen", trades[0].SellerName)
	assert.Equal(t, 5, trades[0].Quantity)
	assert.Equal(t, "oliver", trades[1].SellerName)
	assert.Equal(t, 10, trades[1].Quantity)
	// Resting ask sets the price, not the aggressive bid.
	assert.Equal(t, 60, trades[0].Price)
	assert.Equal(t, 60, trades[1].Price)

	snap, err := st.BookSnapshot(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids) // no residual buy
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 60, snap.Asks[0].Price)
	assert.Equal(t, 5, snap.Asks[0].Quantity)
	assert.Equal(t, 15, snap.Volume)
}

func TestSelfMatchSkipped(t *testing.T) {
	e, st, sid := newTestEngine(t)

	placeOrder(t, e, sid, "oliver", domain.SideSell, 50, 5)
	n, _ := placeOrder(t, e, sid, "oliver", domain.SideBuy, 50, 5)
	assert.Zero(t, n)

	trades, err := st.ListTrades(context.Background(), sid, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	snap, err := st.BookSnapshot(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 5, snap.Bids[0].Quantity)
	assert.Equal(t, 5, snap.Asks[0].Quantity)
}

func TestPriceEqualityTrades(t *testing.T) {
	e, st, sid := newTestEngine(t)

	placeOrder(t, e, sid, "oliver", domain.SideSell, 100, 3)
	n, vol := placeOrder(t, e, sid, "owen", domain.SideBuy, 100, 3)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, vol)

	trades, err := st.ListTrades(context.Background(), sid, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 100, trades[0].Price)
}

func TestAtomicQuoteReplace(t *testing.T) {
	e, st, sid := newTestEngine(t)
	ctx := context.Background()

	// oliver's stale quotes plus a resting owen ask inside the new spread.
	res, err := e.PlaceMMQuotes(ctx, sid, "oliver", 40, 60, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Cancelled)
	assert.Zero(t, res.TradesCount)

	placeOrder(t, e, sid, "owen", domain.SideSell, 55, 10)

	res, err = e.PlaceMMQuotes(ctx, sid, "oliver", 56, 58, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cancelled)
	assert.Equal(t, 1, res.TradesCount)
	assert.Equal(t, 10, res.Volume)

	trades, err := st.ListTrades(ctx, sid, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "oliver", trades[0].BuyerName)
	assert.Equal(t, "owen", trades[0].SellerName)
	assert.Equal(t, 55, trades[0].Price)

	// New bid fully filled; new ask rests alone.
	bid, err := st.GetOrder(ctx, res.BidID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, bid.Status)

	ask, err := st.GetOrder(ctx, res.AskID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, ask.Status)

	snap, err := st.BookSnapshot(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 58, snap.Asks[0].Price)
}

func TestQuoteReplaceIdempotent(t *testing.T) {
	e, st, sid := newTestEngine(t)
	ctx := context.Background()

	_, err := e.PlaceMMQuotes(ctx, sid, "skylar", 45, 55, 10)
	require.NoError(t, err)

	res, err := e.PlaceMMQuotes(ctx, sid, "skylar", 45, 55, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cancelled)
	assert.Zero(t, res.TradesCount)

	snap, err := st.BookSnapshot(ctx, sid)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 10, snap.Bids[0].Quantity)
	assert.Equal(t, 10, snap.Asks[0].Quantity)
}

func TestQuoteValidation(t *testing.T) {
	e, _, sid := newTestEngine(t)
	ctx := context.Background()

	_, err := e.PlaceMMQuotes(ctx, sid, "nobody", 40, 60, 10)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.PlaceMMQuotes(ctx, sid, "oliver", 60, 40, 10) // inverted
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.PlaceMMQuotes(ctx, sid, "oliver", -1, 60, 10)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.PlaceMMQuotes(ctx, sid, "oliver", 40, 101, 10)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.PlaceMMQuotes(ctx, sid, "oliver", 40, 60, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLedgerUpdatesWithTrade(t *testing.T) {
	e, st, sid := newTestEngine(t)
	ctx := context.Background()

	placeOrder(t, e, sid, "oliver", domain.SideSell, 50, 100)
	placeOrder(t, e, sid, "owen", domain.SideBuy, 50, 100)

	buyer, err := st.GetTraderState(ctx, sid, "owen")
	require.NoError(t, err)
	assert.Equal(t, 100, buyer.Position)
	assert.Equal(t, "950", buyer.Cash.String())

	seller, err := st.GetTraderState(ctx, sid, "oliver")
	require.NoError(t, err)
	assert.Equal(t, -100, seller.Position)
	assert.Equal(t, "1050", seller.Cash.String())
}

func TestLedgerOpensOnFirstFill(t *testing.T) {
	// No EnsureTraderStates call: the first fill must open the ledgers.
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	sess := &domain.Session{
		ID:           uuid.NewString(),
		QuestionText: "test market",
		QuestionType: domain.QuestionTypeBinary,
		Status:       domain.SessionStatusRunning,
		CurrentPhase: domain.PhaseSynthesis,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(ctx, sess))
	e := NewEngine(st, nil)

	_, err = e.PlaceMMQuotes(ctx, sess.ID, "owen", 45, 50, 10)
	require.NoError(t, err)
	res, err := e.PlaceMMQuotes(ctx, sess.ID, "oliver", 50, 55, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TradesCount)
	assert.Equal(t, 10, res.Volume)

	buyer, err := st.GetTraderState(ctx, sess.ID, "oliver")
	require.NoError(t, err)
	assert.Equal(t, 10, buyer.Position)
	assert.Equal(t, "995", buyer.Cash.String())

	seller, err := st.GetTraderState(ctx, sess.ID, "owen")
	require.NoError(t, err)
	assert.Equal(t, -10, seller.Position)
	assert.Equal(t, "1005", seller.Cash.String())

	// Only the two traders that filled have ledger rows.
	states, err := st.ListTraderStates(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestConservationUnderStress(t *testing.T) {
	e, st, sid := newTestEngine(t)
	ctx := context.Background()

	traders := []string{"oliver", "owen", "skylar", "tyler"}
	rng := rand.New(rand.NewSource(7))

	checkConservation := func() {
		states, err := st.ListTraderStates(ctx, sid)
		require.NoError(t, err)
		positionSum := 0
		cashSum := decimal.Zero
		for _, ts := range states {
			positionSum += ts.Position
			cashSum = cashSum.Add(ts.Cash)
		}
		assert.Zero(t, positionSum, "positions must net to zero")
		assert.True(t, cashSum.Equal(decimal.NewFromInt(18*1000)), "cash must be conserved, got %s", cashSum)
	}

	for i := 0; i < 100; i++ {
		trader := traders[rng.Intn(len(traders))]
		bid := rng.Intn(60) + 10  // 10..69
		ask := bid + rng.Intn(20) // bid..bid+19
		qty := rng.Intn(50) + 1
		_, err := e.PlaceMMQuotes(ctx, sid, trader, bid, ask, qty)
		require.NoError(t, err)
		if i%25 == 24 {
			checkConservation()
		}
	}
	checkConservation()
}
