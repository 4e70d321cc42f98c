package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
	"github.com/betbot/foresight/internal/store"
)

// scriptedCompleter routes fake responses on the request's schema name.
type scriptedCompleter struct {
	bySchema map[string]func(req llm.Request) (*llm.Result, error)
}

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	fn, ok := s.bySchema[req.Schema.Name]
	if !ok {
		return nil, fmt.Errorf("no script for schema %q", req.Schema.Name)
	}
	return fn(req)
}

func ok(raw string) func(llm.Request) (*llm.Result, error) {
	return func(llm.Request) (*llm.Result, error) {
		return &llm.Result{Raw: json.RawMessage(raw), TokensUsed: 100}, nil
	}
}

func happyPathScript() map[string]func(llm.Request) (*llm.Result, error) {
	return map[string]func(llm.Request) (*llm.Result, error){
		"factor_discovery":    ok(`{"factors":[{"name":"Macroeconomic trend","description":"Growth and inflation path","category":"economic"}]}`),
		"factor_validation":   ok(`{"validated_factors":[{"name":"Macroeconomic trend","description":"Growth and inflation path","category":"economic"}]}`),
		"rating_consensus":    ok(`{"rated_factors":[{"name":"Macroeconomic trend","importance_score":8.0}],"top_factors":[{"name":"Macroeconomic trend","importance_score":8.0}]}`),
		"historical_research": ok(`{"factor_name":"Macroeconomic trend","historical_analysis":"Past cycles suggest gradual easing.","sources":[],"confidence":0.8}`),
		"current_research":    ok(`{"factor_name":"Macroeconomic trend","current_findings":"Recent prints came in soft.","sources":[],"confidence":0.75}`),
		"prediction":          ok(`{"prediction":"Likely","prediction_probability":0.62,"confidence":0.7,"reasoning":"Research points one way.","key_factors":["Macroeconomic trend"]}`),
	}
}

func newRunFixture(t *testing.T) (*store.Store, *domain.Session) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess := &domain.Session{
		ID:           uuid.NewString(),
		QuestionText: "Will the Fed cut rates in September?",
		QuestionType: domain.QuestionTypeBinary,
		Status:       domain.SessionStatusCreated,
		CurrentPhase: domain.PhaseCreated,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return st, sess
}

func TestRunFullPipeline(t *testing.T) {
	st, sess := newRunFixture(t)
	ctx := context.Background()

	o := New(Resources{Store: st, LLM: &scriptedCompleter{bySchema: happyPathScript()}}, Config{
		AgentCounts: domain.AgentCounts{
			Phase1Discovery:  2,
			Phase2Validation: 2,
			Phase3Historical: 1,
			Phase3Current:    1,
			Phase4Synthesis:  1,
		},
		ForecasterClasses: []domain.ForecasterClass{domain.ForecasterBalanced},
	})
	require.NoError(t, o.Run(ctx, sess.ID))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, got.Status)
	assert.Equal(t, domain.PhaseSynthesis, got.CurrentPhase)
	require.NotNil(t, got.CompletedAt)
	assert.Positive(t, got.TotalTokens)
	for _, phase := range []string{"discovery", "validation", "research", "synthesis"} {
		_, present := got.PhaseDurations[phase]
		assert.True(t, present, "missing duration for %s", phase)
	}

	logs, err := st.ListAgentLogs(ctx, sess.ID)
	require.NoError(t, err)
	completed := 0
	for _, l := range logs {
		require.True(t, l.IsTerminal(), "agent %s left non-terminal", l.AgentName)
		if l.Status == domain.AgentStatusCompleted {
			completed++
		}
	}
	assert.GreaterOrEqual(t, completed, 5)

	factors, err := st.ListFactors(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, "Macroeconomic trend", factors[0].Name)
	require.NotNil(t, factors[0].ImportanceScore)
	assert.InDelta(t, 8.0, *factors[0].ImportanceScore, 1e-9)
	require.NotNil(t, factors[0].ResearchSummary)
	assert.Contains(t, *factors[0].ResearchSummary, "Past cycles")
	assert.Contains(t, *factors[0].ResearchSummary, "Recent prints")

	resp, err := st.GetForecasterResponse(ctx, sess.ID, domain.ForecasterBalanced)
	require.NoError(t, err)
	require.NotNil(t, resp.PredictionProbability)
	assert.InDelta(t, 0.62, *resp.PredictionProbability, 1e-9)
	require.NotNil(t, resp.Confidence)
	assert.InDelta(t, 0.7, *resp.Confidence, 1e-9)
	assert.Equal(t, []string{"Macroeconomic trend"}, resp.KeyFactors)
}

func TestRunSurvivesDiscoveryTimeouts(t *testing.T) {
	st, sess := newRunFixture(t)
	ctx := context.Background()

	script := happyPathScript()
	var calls atomic.Int64
	script["factor_discovery"] = func(req llm.Request) (*llm.Result, error) {
		if calls.Add(1) <= 9 {
			return nil, llm.ErrTimeout
		}
		return ok(`{"factors":[{"name":"Macroeconomic trend","description":"Growth and inflation path","category":"economic"}]}`)(req)
	}

	o := New(Resources{Store: st, LLM: &scriptedCompleter{bySchema: script}}, Config{
		AgentCounts: domain.AgentCounts{
			Phase1Discovery:  10,
			Phase2Validation: 2,
			Phase3Historical: 1,
			Phase3Current:    1,
			Phase4Synthesis:  1,
		},
	})
	require.NoError(t, o.Run(ctx, sess.ID))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, got.Status)

	logs, err := st.ListAgentLogs(ctx, sess.ID)
	require.NoError(t, err)
	timeouts := 0
	for _, l := range logs {
		if l.Phase == domain.PhaseDiscovery && l.Status == domain.AgentStatusFailed {
			assert.Equal(t, "timeout", l.ErrorMessage)
			timeouts++
		}
	}
	assert.Equal(t, 9, timeouts)
}

func TestRunFailsWithoutDiscoveryQuorum(t *testing.T) {
	st, sess := newRunFixture(t)
	ctx := context.Background()

	script := happyPathScript()
	script["factor_discovery"] = func(llm.Request) (*llm.Result, error) {
		return nil, llm.ErrTransport
	}

	o := New(Resources{Store: st, LLM: &scriptedCompleter{bySchema: script}}, Config{
		AgentCounts: domain.AgentCounts{Phase1Discovery: 3, Phase2Validation: 2, Phase3Historical: 1, Phase3Current: 1, Phase4Synthesis: 1},
	})
	err := o.Run(ctx, sess.ID)
	require.Error(t, err)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "discovery produced no factors")
}

func TestRunFailsWhenResearchDropsAllFactors(t *testing.T) {
	st, sess := newRunFixture(t)
	ctx := context.Background()

	script := happyPathScript()
	script["historical_research"] = func(llm.Request) (*llm.Result, error) { return nil, llm.ErrTransport }
	script["current_research"] = func(llm.Request) (*llm.Result, error) { return nil, llm.ErrTransport }

	o := New(Resources{Store: st, LLM: &scriptedCompleter{bySchema: script}}, Config{
		AgentCounts: domain.AgentCounts{Phase1Discovery: 1, Phase2Validation: 2, Phase3Historical: 1, Phase3Current: 1, Phase4Synthesis: 1},
	})
	err := o.Run(ctx, sess.ID)
	require.Error(t, err)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, got.Status)
}

func TestRunLegacyValidationChain(t *testing.T) {
	st, sess := newRunFixture(t)
	ctx := context.Background()

	script := happyPathScript()
	script["factor_rating"] = ok(`{"rated_factors":[{"name":"Macroeconomic trend","importance_score":"8.5"}]}`)
	script["consensus"] = ok(`{"top_factors":[{"name":"Macroeconomic trend","importance_score":8.5}]}`)

	o := New(Resources{Store: st, LLM: &scriptedCompleter{bySchema: script}}, Config{
		AgentCounts: domain.AgentCounts{Phase1Discovery: 1, Phase2Validation: 3, Phase3Historical: 1, Phase3Current: 1, Phase4Synthesis: 1},
	})
	require.NoError(t, o.Run(ctx, sess.ID))

	logs, err := st.ListAgentLogs(ctx, sess.ID)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, l := range logs {
		names[l.AgentName] = true
	}
	assert.True(t, names["rater"])
	assert.True(t, names["consensus"])
	assert.False(t, names["rating_consensus"])

	factors, err := st.ListFactors(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	require.NotNil(t, factors[0].ImportanceScore)
	assert.InDelta(t, 8.5, *factors[0].ImportanceScore, 1e-9)
}

func TestRunAllForecasterClasses(t *testing.T) {
	st, sess := newRunFixture(t)
	ctx := context.Background()

	o := New(Resources{Store: st, LLM: &scriptedCompleter{bySchema: happyPathScript()}}, Config{
		AgentCounts:       domain.AgentCounts{Phase1Discovery: 1, Phase2Validation: 2, Phase3Historical: 1, Phase3Current: 1, Phase4Synthesis: 1},
		ForecasterClasses: domain.ForecasterClasses(),
	})
	require.NoError(t, o.Run(ctx, sess.ID))

	responses, err := st.ListForecasterResponses(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, responses, len(domain.ForecasterClasses()))
	for i, class := range domain.ForecasterClasses() {
		assert.Equal(t, class, responses[i].ForecasterClass)
	}
}

func TestRunAbortsOnExternalCancel(t *testing.T) {
	st, sess := newRunFixture(t)
	ctx := context.Background()

	oldPoll := statusPollInterval
	statusPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { statusPollInterval = oldPoll })

	script := happyPathScript()
	script["factor_discovery"] = func(req llm.Request) (*llm.Result, error) {
		time.Sleep(2 * time.Second)
		return nil, errors.New("should have been abandoned")
	}

	o := New(Resources{Store: st, LLM: &scriptedCompleter{bySchema: script}}, Config{
		AgentCounts: domain.AgentCounts{Phase1Discovery: 1, Phase2Validation: 2, Phase3Historical: 1, Phase3Current: 1, Phase4Synthesis: 1},
	})

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, sess.ID) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, domain.SessionStatusCancelled, "stopped by user"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCancelled, got.Status)
}
