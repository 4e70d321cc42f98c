package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
)

func formatCandidates(factors []FactorCandidate) string {
	var b strings.Builder
	for _, f := range factors {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", f.Name, f.Description, f.Category)
	}
	return b.String()
}

// RunValidator deduplicates and filters the discovery candidates.
func (r *Runner) RunValidator(ctx context.Context, sessionID, question string, candidates []FactorCandidate) (*WorkerResult, []FactorCandidate) {
	user := fmt.Sprintf(`Forecasting Question: %s

Discovered Factors (%d total):
%s
Review these factors, deduplicate similar ones, and validate their relevance.
Return a clean list of unique, validated factors.`, question, len(candidates), formatCandidates(candidates))

	res := r.Run(ctx, sessionID, "validator", domain.PhaseValidation, llm.Request{
		System: validatorPrompt,
		User:   user,
		Schema: ValidationSchema(),
	})
	if res.Err != nil {
		return res, nil
	}

	var out ValidationOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}
	return res, out.ValidatedFactors
}

// RunRatingConsensus scores the validated factors and selects the top
// set for research in a single worker (the merged two-agent design).
func (r *Runner) RunRatingConsensus(ctx context.Context, sessionID, question string, validated []FactorCandidate) (*WorkerResult, *RatingConsensusOutput) {
	user := fmt.Sprintf(`Forecasting Question: %s

Validated Factors (%d total):
%s
Rate each factor's importance on a scale of 0-10, then select the top 5 for deep research.
Consider: direct impact, historical precedence, current relevance, data availability.`, question, len(validated), formatCandidates(validated))

	res := r.Run(ctx, sessionID, "rating_consensus", domain.PhaseValidation, llm.Request{
		System: ratingConsensusPrompt,
		User:   user,
		Schema: RatingConsensusSchema(),
	})
	if res.Err != nil {
		return res, nil
	}

	var out RatingConsensusOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}
	return res, &out
}

// RunRater is the legacy standalone rating step.
func (r *Runner) RunRater(ctx context.Context, sessionID, question string, validated []FactorCandidate) (*WorkerResult, []RatedFactor) {
	user := fmt.Sprintf(`Forecasting Question: %s

Validated Factors (%d total):
%s
Rate each factor's importance on a scale of 0-10.
Consider: direct impact, historical precedence, current relevance, data availability.`, question, len(validated), formatCandidates(validated))

	res := r.Run(ctx, sessionID, "rater", domain.PhaseValidation, llm.Request{
		System: raterPrompt,
		User:   user,
		Schema: RatingSchema(),
	})
	if res.Err != nil {
		return res, nil
	}

	var out RatingOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}
	return res, out.RatedFactors
}

// RunConsensus is the legacy standalone top-factor selection step.
func (r *Runner) RunConsensus(ctx context.Context, sessionID, question string, rated []RatedFactor) (*WorkerResult, []RatedFactor) {
	var b strings.Builder
	for _, f := range rated {
		fmt.Fprintf(&b, "- %s: %.1f/10\n", f.Name, float64(f.Score))
	}
	user := fmt.Sprintf(`Forecasting Question: %s

Rated Factors (%d total):
%s
Select the top 5 most important factors for deep research.`, question, len(rated), b.String())

	res := r.Run(ctx, sessionID, "consensus", domain.PhaseValidation, llm.Request{
		System: consensusPrompt,
		User:   user,
		Schema: ConsensusSchema(),
	})
	if res.Err != nil {
		return res, nil
	}

	var out ConsensusOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}
	return res, out.TopFactors
}
