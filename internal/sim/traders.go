package sim

import (
	"context"
	"fmt"
	"math"

	"github.com/betbot/foresight/internal/domain"
)

const (
	quoteHalfSpread = 2
	quoteQuantity   = 100
	// sentimentSwing is the max price shift a full-strength sentiment
	// read applies to a noise or user quote.
	sentimentSwing = 10
	neutralPrice   = 50
)

// Decision is one trader's quote for a round.
type Decision struct {
	Bid  int
	Ask  int
	Qty  int
	Note string
}

// quoteAround centers a symmetric two-sided quote on price, keeping both
// legs inside the 0-100 band.
func quoteAround(price int, note string) *Decision {
	center := min(max(price, domain.MinPrice+quoteHalfSpread), domain.MaxPrice-quoteHalfSpread)
	return &Decision{
		Bid:  center - quoteHalfSpread,
		Ask:  center + quoteHalfSpread,
		Qty:  quoteQuantity,
		Note: note,
	}
}

// roundContext is what a trader sees when deciding: the pre-round book
// plus the session question. Every trader in a round shares the same
// snapshot.
type roundContext struct {
	session  *domain.Session
	snapshot *domain.BookSnapshot
	seeds    map[string]float64
}

func (rc *roundContext) referencePrice() int {
	if rc.snapshot != nil && rc.snapshot.LastPrice != nil {
		return *rc.snapshot.LastPrice
	}
	return neutralPrice
}

func (rc *roundContext) describeMarket() string {
	last := "no trades yet"
	if rc.snapshot != nil && rc.snapshot.LastPrice != nil {
		last = fmt.Sprintf("last trade at %d", *rc.snapshot.LastPrice)
	}
	return fmt.Sprintf("Question: %s\nMarket: %s", rc.session.QuestionText, last)
}

// decideFundamental quotes around the trader's seeded forecast
// probability. Fundamental trader names coincide with forecaster
// classes.
func decideFundamental(rc *roundContext, name string) (*Decision, error) {
	prob, ok := rc.seeds[name]
	if !ok {
		// A class that produced no forecast falls back to whatever the
		// balanced synthesizer said, then to a coin flip.
		if prob, ok = rc.seeds[domain.ForecasterBalanced]; !ok {
			prob = 0.5
		}
	}
	price := int(math.Round(prob * 100))
	note := fmt.Sprintf("fundamental quote around %d from seed probability %.2f", price, prob)
	return quoteAround(price, note), nil
}

// decideNoise biases the reference price by a persona-flavored sentiment
// read.
func decideNoise(ctx context.Context, rc *roundContext, sentiment SentimentProvider, sphere string) (*Decision, error) {
	score, err := sentiment.Sample(ctx, sphere, rc.describeMarket())
	if err != nil {
		return nil, fmt.Errorf("sentiment sample for %s: %w", sphere, err)
	}
	price := rc.referencePrice() + int(math.Round(score*sentimentSwing))
	note := fmt.Sprintf("noise quote around %d, sentiment %.2f", price, score)
	return quoteAround(price, note), nil
}

// decideUser reads the tracked account's recent posts and scores them.
// With nothing recent the trader holds its existing quotes.
func decideUser(ctx context.Context, rc *roundContext, sentiment SentimentProvider, feed AccountFeedProvider, name string) (*Decision, error) {
	handle := domain.UserTraderHandles[name]
	posts, err := feed.Latest(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("feed for %s: %w", handle, err)
	}
	if posts == "" {
		return nil, nil
	}
	score, err := sentiment.Sample(ctx, "account:"+handle, rc.describeMarket()+"\n\nRecent posts by @"+handle+":\n"+posts)
	if err != nil {
		return nil, fmt.Errorf("sentiment sample for %s: %w", handle, err)
	}
	price := rc.referencePrice() + int(math.Round(score*sentimentSwing))
	note := fmt.Sprintf("tracking @%s, quote around %d, sentiment %.2f", handle, price, score)
	return quoteAround(price, note), nil
}

// decide dispatches on the trader's type. A nil decision with nil error
// means the trader holds this round.
func decide(ctx context.Context, rc *roundContext, sentiment SentimentProvider, feed AccountFeedProvider, name string) (*Decision, error) {
	typ, err := domain.TraderTypeOf(name)
	if err != nil {
		return nil, err
	}
	switch typ {
	case domain.TraderTypeFundamental:
		return decideFundamental(rc, name)
	case domain.TraderTypeNoise:
		return decideNoise(ctx, rc, sentiment, name)
	default:
		return decideUser(ctx, rc, sentiment, feed, name)
	}
}
