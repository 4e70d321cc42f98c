package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/internal/llm"
)

// SentimentProvider scores a piece of text from a persona's point of
// view. Scores live in [-1,1]: -1 strongly against the outcome, +1
// strongly for it.
type SentimentProvider interface {
	Sample(ctx context.Context, persona, text string) (float64, error)
}

// AccountFeedProvider returns the most recent posts from a tracked
// external account, newest first, joined into one block of text. An
// empty string means the account has nothing recent.
type AccountFeedProvider interface {
	Latest(ctx context.Context, handle string) (string, error)
}

// spherePersonas flavor the noise traders' sentiment reads.
var spherePersonas = map[string]string{
	"eacc_sovereign":      "a techno-optimist accelerationist who expects bold outcomes and discounts institutional caution",
	"america_first":       "a nationalist populist commentator focused on domestic strength and skeptical of elite consensus",
	"blue_establishment":  "a centrist institutionalist who trusts official processes and mainstream expert consensus",
	"progressive_left":    "a progressive activist reading events through structural and distributional effects",
	"optimizer_idw":       "a rationalist forecaster weighing base rates and calibration over vibes",
	"fintwit_market":      "a markets-obsessed trader who reads everything through positioning and price action",
	"builder_engineering": "a pragmatic engineer judging claims by feasibility and execution track record",
	"academic_research":   "a cautious academic who demands methodology and distrusts headline numbers",
	"osint_intel":         "an open-source intelligence analyst triangulating primary documents and flight trackers",
}

var sentimentSchema = &llm.Schema{
	Name: "sentiment",
	Raw:  json.RawMessage(`{"type":"object","properties":{"sentiment":{"type":"number"},"rationale":{"type":"string"}},"required":["sentiment","rationale"],"additionalProperties":false}`),
	Check: func(raw json.RawMessage) error {
		var out sentimentOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if out.Sentiment < -1 || out.Sentiment > 1 {
			return fmt.Errorf("sentiment %v out of range [-1,1]", float64(out.Sentiment))
		}
		return nil
	},
}

type sentimentOutput struct {
	Sentiment llm.FlexFloat `json:"sentiment"`
	Rationale string        `json:"rationale"`
}

// LLMSentimentProvider asks the language model for a persona-flavored
// sentiment read.
type LLMSentimentProvider struct {
	LLM llm.Completer
}

func (p *LLMSentimentProvider) Sample(ctx context.Context, persona, text string) (float64, error) {
	voice, ok := spherePersonas[persona]
	if !ok {
		voice = persona
	}
	res, err := p.LLM.Complete(ctx, llm.Request{
		System: fmt.Sprintf(`You are %s.

Read the material below and report how strongly it points toward the event in question resolving YES.
Return a sentiment in [-1,1]: -1 means strongly against, 0 neutral, +1 strongly for.`, voice),
		User:   text,
		Schema: sentimentSchema,
	})
	if err != nil {
		return 0, err
	}
	var out sentimentOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		return 0, err
	}
	return float64(out.Sentiment), nil
}

// XFeedProvider reads recent posts for a handle from an X API v2
// compatible endpoint.
type XFeedProvider struct {
	http *resty.Client
	log  *logrus.Entry
}

// NewXFeedProvider builds a feed provider against baseURL with a bearer
// token.
func NewXFeedProvider(baseURL, bearerToken string) *XFeedProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(bearerToken).
		SetTimeout(15 * time.Second).
		SetRetryCount(2)
	return &XFeedProvider{
		http: client,
		log:  logrus.WithField("component", "xfeed"),
	}
}

type tweetSearchResponse struct {
	Data []struct {
		Text string `json:"text"`
	} `json:"data"`
}

// Latest returns the handle's recent posts joined newest-first.
func (p *XFeedProvider) Latest(ctx context.Context, handle string) (string, error) {
	var out tweetSearchResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":        fmt.Sprintf("from:%s -is:retweet", handle),
			"max_results":  "10",
			"tweet.fields": "created_at",
		}).
		SetResult(&out).
		Get("/2/tweets/search/recent")
	if err != nil {
		return "", errors.Wrapf(err, "fetch feed for %s", handle)
	}
	if resp.IsError() {
		return "", errors.Errorf("fetch feed for %s: status %d: %s", handle, resp.StatusCode(), resp.String())
	}

	texts := make([]string, 0, len(out.Data))
	for _, t := range out.Data {
		texts = append(texts, t.Text)
	}
	return strings.Join(texts, "\n---\n"), nil
}
