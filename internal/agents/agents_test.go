package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
	"github.com/betbot/foresight/internal/store"
)

type stubCompleter struct {
	fn func(ctx context.Context, req llm.Request) (*llm.Result, error)
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Result, error) {
	return s.fn(ctx, req)
}

func newAgentsFixture(t *testing.T, completer llm.Completer) (*Runner, *store.Store, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess := &domain.Session{
		ID:           uuid.NewString(),
		QuestionText: "Will the Fed cut rates in September?",
		QuestionType: domain.QuestionTypeBinary,
		Status:       domain.SessionStatusRunning,
		CurrentPhase: domain.PhaseDiscovery,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return NewRunner(st, completer, 5*time.Second), st, sess.ID
}

func TestRunnerLogsCompletedWorker(t *testing.T) {
	raw := json.RawMessage(`{"factors":[{"name":"Inflation trajectory","description":"CPI path into the meeting","category":"economic"}]}`)
	completer := &stubCompleter{fn: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		return &llm.Result{Raw: raw, TokensUsed: 42, SourcesCount: 3}, nil
	}}
	r, st, sessionID := newAgentsFixture(t, completer)

	res, factors := r.RunDiscovery(context.Background(), sessionID, 0, "Will the Fed cut rates in September?", domain.QuestionTypeBinary)
	require.NoError(t, res.Err)
	require.Len(t, factors, 1)
	assert.Equal(t, "Inflation trajectory", factors[0].Name)
	assert.Equal(t, 42, res.TokensUsed)
	assert.Equal(t, 3, res.SourcesCount)

	logs, err := st.ListAgentLogs(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "discovery_1", logs[0].AgentName)
	assert.Equal(t, domain.PhaseDiscovery, logs[0].Phase)
	assert.Equal(t, domain.AgentStatusCompleted, logs[0].Status)
	assert.Equal(t, 42, logs[0].TokensUsed)
	require.NotNil(t, logs[0].CompletedAt)
	assert.JSONEq(t, string(raw), string(logs[0].OutputData))
}

func TestRunnerLogsFailedWorker(t *testing.T) {
	completer := &stubCompleter{fn: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		return &llm.Result{TokensUsed: 10}, llm.ErrSchemaViolation
	}}
	r, st, sessionID := newAgentsFixture(t, completer)

	res, factors := r.RunDiscovery(context.Background(), sessionID, 2, "q", domain.QuestionTypeBinary)
	require.Error(t, res.Err)
	assert.Nil(t, factors)

	logs, err := st.ListAgentLogs(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "discovery_3", logs[0].AgentName)
	assert.Equal(t, domain.AgentStatusFailed, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "schema")
	assert.Equal(t, 10, logs[0].TokensUsed)
	require.NotNil(t, logs[0].CompletedAt)
}

func TestRunnerTimeoutReason(t *testing.T) {
	completer := &stubCompleter{fn: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		return nil, llm.ErrTimeout
	}}
	r, st, sessionID := newAgentsFixture(t, completer)

	res, _ := r.RunCurrent(context.Background(), sessionID, 0, "q", &domain.Factor{Name: "Polling average"})
	require.Error(t, res.Err)

	logs, err := st.ListAgentLogs(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "timeout", logs[0].ErrorMessage)
}

func TestRunnerCancelledReason(t *testing.T) {
	completer := &stubCompleter{fn: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r, st, sessionID := newAgentsFixture(t, completer)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, _ := r.RunValidator(ctx, sessionID, "q", nil)
	require.Error(t, res.Err)

	logs, err := st.ListAgentLogs(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.AgentStatusFailed, logs[0].Status)
	assert.Equal(t, "cancelled", logs[0].ErrorMessage)
}

func TestDiscoveryCapsFactors(t *testing.T) {
	factors := make([]FactorCandidate, 8)
	for i := range factors {
		factors[i] = FactorCandidate{Name: string(rune('a' + i)), Description: "d", Category: "c"}
	}
	raw, err := json.Marshal(DiscoveryOutput{Factors: factors})
	require.NoError(t, err)

	completer := &stubCompleter{fn: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		return &llm.Result{Raw: raw}, nil
	}}
	r, _, sessionID := newAgentsFixture(t, completer)

	res, got := r.RunDiscovery(context.Background(), sessionID, 0, "q", domain.QuestionTypeBinary)
	require.NoError(t, res.Err)
	assert.Len(t, got, maxFactorsPerWorker)
}

func TestDiscoveryPromptModulation(t *testing.T) {
	p0, t0 := DiscoveryPrompt(0)
	p6, t6 := DiscoveryPrompt(6)
	assert.NotEqual(t, p0, p6)
	assert.NotEqual(t, t0, t6)

	// Worker numbers beyond the perspective table wrap around.
	pWrapped, tWrapped := DiscoveryPrompt(len(discoveryPerspectives))
	assert.Equal(t, p0, pWrapped)
	assert.Equal(t, t0, tWrapped)
}

func TestSynthesisPromptPerClass(t *testing.T) {
	seen := map[string]bool{}
	for _, class := range domain.ForecasterClasses() {
		p := SynthesisPrompt(class)
		assert.Contains(t, p, "superforecaster")
		assert.False(t, seen[p], "class %s reuses another class's prompt", class)
		seen[p] = true
	}
}

func TestSynthesisClampsProbabilities(t *testing.T) {
	raw := json.RawMessage(`{"prediction":"Very likely","prediction_probability":1.4,"confidence":-0.2,"reasoning":"r","key_factors":["Base rates"]}`)
	completer := &stubCompleter{fn: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		return &llm.Result{Raw: raw}, nil
	}}
	r, _, sessionID := newAgentsFixture(t, completer)

	res, out := r.RunSynthesis(context.Background(), sessionID, "q", domain.QuestionTypeBinary, domain.ForecasterBalanced, nil)
	require.NoError(t, res.Err)
	require.NotNil(t, out)
	assert.InDelta(t, 1.0, float64(out.PredictionProbability), 1e-9)
	assert.InDelta(t, 0.0, float64(out.Confidence), 1e-9)
}

func TestSchemaChecks(t *testing.T) {
	cases := []struct {
		name    string
		schema  *llm.Schema
		raw     string
		wantErr bool
	}{
		{"discovery ok", DiscoverySchema(), `{"factors":[{"name":"Base rates","description":"d","category":"c"}]}`, false},
		{"discovery empty", DiscoverySchema(), `{"factors":[]}`, true},
		{"discovery unnamed", DiscoverySchema(), `{"factors":[{"name":"","description":"d","category":"c"}]}`, true},
		{"validation ok", ValidationSchema(), `{"validated_factors":[]}`, false},
		{"rating ok", RatingConsensusSchema(), `{"rated_factors":[{"name":"a","importance_score":8}],"top_factors":[{"name":"a","importance_score":8}]}`, false},
		{"rating coerces string score", RatingConsensusSchema(), `{"rated_factors":[{"name":"a","importance_score":"7.5"}],"top_factors":[]}`, false},
		{"rating score too high", RatingConsensusSchema(), `{"rated_factors":[{"name":"a","importance_score":11}],"top_factors":[]}`, true},
		{"historical ok", HistoricalSchema(), `{"factor_name":"a","historical_analysis":"text","sources":[],"confidence":0.8}`, false},
		{"historical empty analysis", HistoricalSchema(), `{"factor_name":"a","historical_analysis":"","sources":[],"confidence":0.8}`, true},
		{"current confidence out of range", CurrentSchema(), `{"factor_name":"a","current_findings":"text","sources":[],"confidence":1.5}`, true},
		{"prediction ok", PredictionSchema(), `{"prediction":"p","prediction_probability":0.62,"confidence":0.7,"reasoning":"r","key_factors":["a"]}`, false},
		{"prediction coerces string probability", PredictionSchema(), `{"prediction":"p","prediction_probability":"0.62","confidence":"0.7","reasoning":"r","key_factors":[]}`, false},
		{"prediction out-of-range probability accepted for clamping", PredictionSchema(), `{"prediction":"p","prediction_probability":-0.1,"confidence":0.7,"reasoning":"r","key_factors":[]}`, false},
		{"prediction non-numeric probability", PredictionSchema(), `{"prediction":"p","prediction_probability":"maybe","confidence":0.7,"reasoning":"r","key_factors":[]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.schema.Check(json.RawMessage(tc.raw))
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
