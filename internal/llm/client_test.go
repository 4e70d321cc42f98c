package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	backoffBase = time.Millisecond
}

func probabilitySchema() *Schema {
	return &Schema{
		Name: "forecast",
		Raw:  json.RawMessage(`{"type":"object","properties":{"probability":{"type":"number"}},"required":["probability"]}`),
		Check: func(raw json.RawMessage) error {
			var out map[string]any
			if err := json.Unmarshal(raw, &out); err != nil {
				return err
			}
			if _, err := Probability(out["probability"]); err != nil {
				return fmt.Errorf("probability: %w", err)
			}
			return nil
		},
	}
}

func chatReply(content string, tokens int) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		"usage":   map[string]any{"total_tokens": tokens},
	})
	return string(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "test", Model: "test-model", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestCompleteSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_schema", req.ResponseFormat.Type)
		assert.True(t, req.ResponseFormat.JSONSchema.Strict)

		fmt.Fprint(w, chatReply(`{"probability":0.7}`, 150))
	})

	res, err := c.Complete(context.Background(), Request{
		System: "you are a forecaster",
		User:   "estimate",
		Schema: probabilitySchema(),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"probability":0.7}`, string(res.Raw))
	assert.Equal(t, 150, res.TokensUsed)
	assert.Equal(t, 1, res.Attempts)
}

func TestCompleteSchemaRepromptAggregatesTokens(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch calls {
		case 1:
			fmt.Fprint(w, chatReply(`{"probability":"abc"}`, 100))
		default:
			// Re-prompt carries the validation error back to the model.
			assert.Contains(t, req.Messages[1].Content, "previous response was invalid")
			fmt.Fprint(w, chatReply(`{"probability":"0.55"}`, 80))
		}
	})

	res, err := c.Complete(context.Background(), Request{User: "estimate", Schema: probabilitySchema()})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 180, res.TokensUsed)
	// Numeric strings are accepted by normalization.
	assert.JSONEq(t, `{"probability":"0.55"}`, string(res.Raw))
}

func TestCompleteTransportRetry(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, chatReply(`{"probability":1}`, 10))
	})

	res, err := c.Complete(context.Background(), Request{User: "estimate", Schema: probabilitySchema()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
}

func TestCompleteExhaustsRetries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})

	_, err := c.Complete(context.Background(), Request{User: "estimate", MaxRetries: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestCompleteSchemaViolationExhausted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply(`not json at all`, 5))
	})

	_, err := c.Complete(context.Background(), Request{User: "estimate", MaxRetries: 1, Schema: probabilitySchema()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestCompleteTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, chatReply(`{"probability":0.5}`, 5))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, Request{User: "estimate", Schema: probabilitySchema()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestFloatNormalization(t *testing.T) {
	tests := []struct {
		in      any
		want    float64
		wantErr bool
	}{
		{in: 0.5, want: 0.5},
		{in: "0.25", want: 0.25},
		{in: 3, want: 3},
		{in: "abc", wantErr: true},
		{in: nil, wantErr: true},
		{in: []any{}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := Float(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %v", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9)
	}
}

func TestProbabilityClamps(t *testing.T) {
	got, err := Probability(1.7)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	got, err = Probability(-0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)

	_, err = Probability("NaN")
	assert.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(dir)
	require.NoError(t, err)
	defer cache.Close()

	key := CacheKey("m", "sys", "user", probabilitySchema())
	_, ok := cache.Get(key)
	assert.False(t, ok)

	cache.Put(key, json.RawMessage(`{"probability":0.5}`))
	raw, ok := cache.Get(key)
	require.True(t, ok)
	assert.JSONEq(t, `{"probability":0.5}`, string(raw))

	// Different request fingerprints get different keys.
	assert.NotEqual(t, key, CacheKey("m", "sys", "other", probabilitySchema()))
	assert.False(t, strings.EqualFold(key, CacheKey("m2", "sys", "user", probabilitySchema())))
}
