package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TraderType groups the fixed trader identities by how they form quotes.
type TraderType string

const (
	// TraderTypeFundamental traders quote around a forecaster class's
	// probability estimate.
	TraderTypeFundamental TraderType = "fundamental"
	// TraderTypeNoise traders quote off a sentiment sample for their sphere.
	TraderTypeNoise TraderType = "noise"
	// TraderTypeUser traders mirror the posture of a tracked account.
	TraderTypeUser TraderType = "user"
)

// Fundamental trader names. Each one maps to the forecaster class of the
// same name and seeds its initial belief from that class's response.
var FundamentalTraders = []string{
	"conservative",
	"momentum",
	"historical",
	"balanced",
	"realtime",
}

// NoiseSpheres are the opinion spheres the noise traders sample sentiment
// from. The trader name equals the sphere name.
var NoiseSpheres = []string{
	"eacc_sovereign",
	"america_first",
	"blue_establishment",
	"progressive_left",
	"optimizer_idw",
	"fintwit_market",
	"builder_engineering",
	"academic_research",
	"osint_intel",
}

// UserTraderHandles maps user-tracker trader names to the account handle
// whose latest posts drive their quotes.
var UserTraderHandles = map[string]string{
	"oliver": "OliverLMarks",
	"owen":   "OwenGregorian",
	"skylar": "SkylarDeture",
	"tyler":  "PTB_Tyler",
}

// AllTraders returns the 18 trader names in canonical order: fundamentals,
// then noise spheres, then user trackers.
func AllTraders() []string {
	names := make([]string, 0, 18)
	names = append(names, FundamentalTraders...)
	names = append(names, NoiseSpheres...)
	names = append(names, "oliver", "owen", "skylar", "tyler")
	return names
}

// TraderTypeOf classifies a trader name, or returns an error for unknown
// names.
func TraderTypeOf(name string) (TraderType, error) {
	for _, n := range FundamentalTraders {
		if n == name {
			return TraderTypeFundamental, nil
		}
	}
	for _, n := range NoiseSpheres {
		if n == name {
			return TraderTypeNoise, nil
		}
	}
	if _, ok := UserTraderHandles[name]; ok {
		return TraderTypeUser, nil
	}
	return "", fmt.Errorf("unknown trader %q", name)
}

// ValidateTraderName rejects names outside the fixed identity set.
func ValidateTraderName(name string) error {
	_, err := TraderTypeOf(name)
	return err
}

// StartingCash is the per-session bankroll every trader begins with.
var StartingCash = decimal.NewFromInt(1000)

// TraderState is one trader's live ledger within a session. Position is
// signed contracts (long positive). SystemPrompt carries the trader's own
// running notes between rounds.
type TraderState struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	TraderName   string          `json:"trader_name"`
	Cash         decimal.Decimal `json:"cash"`
	Position     int             `json:"position"`
	RealizedPnl  decimal.Decimal `json:"realized_pnl"`
	SystemPrompt string          `json:"system_prompt"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewTraderState returns the round-zero state for a trader in a session.
func NewTraderState(id, sessionID, trader string) *TraderState {
	return &TraderState{
		ID:          id,
		SessionID:   sessionID,
		TraderName:  trader,
		Cash:        StartingCash,
		Position:    0,
		RealizedPnl: decimal.Zero,
		UpdatedAt:   time.Now().UTC(),
	}
}

// CashDelta converts a fill at price (cents) for qty contracts into the
// dollar amount exchanged: price*qty/100.
func CashDelta(price, qty int) decimal.Decimal {
	return decimal.NewFromInt(int64(price) * int64(qty)).Div(decimal.NewFromInt(100))
}

// ApplyBuy debits cash and increases position for a buy fill.
func (t *TraderState) ApplyBuy(price, qty int) {
	t.Cash = t.Cash.Sub(CashDelta(price, qty))
	t.Position += qty
	t.UpdatedAt = time.Now().UTC()
}

// ApplySell credits cash and decreases position for a sell fill.
func (t *TraderState) ApplySell(price, qty int) {
	t.Cash = t.Cash.Add(CashDelta(price, qty))
	t.Position -= qty
	t.UpdatedAt = time.Now().UTC()
}
