package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
)

// RunSynthesis produces one forecaster class's prediction from the
// researched factors.
func (r *Runner) RunSynthesis(ctx context.Context, sessionID, question string, qtype domain.QuestionType, class domain.ForecasterClass, factors []*domain.Factor) (*WorkerResult, *PredictionOutput) {
	var b strings.Builder
	for _, f := range factors {
		importance := "N/A"
		if f.ImportanceScore != nil {
			importance = fmt.Sprintf("%.1f", *f.ImportanceScore)
		}
		research := "No research available"
		if f.ResearchSummary != nil && *f.ResearchSummary != "" {
			research = *f.ResearchSummary
		}
		fmt.Fprintf(&b, "\nFactor: %s (Importance: %s/10)\nResearch Summary:\n%s\n---\n", f.Name, importance, research)
	}

	user := fmt.Sprintf(`Forecasting Question: %s
Question Type: %s

Research Summary for Top Factors:
%s

Synthesize all this research into a coherent prediction.
Provide:
1. A clear prediction statement
2. The probability of the event occurring (0-1)
3. Confidence score (0-1)
4. Detailed reasoning
5. List of key factors that influenced your prediction`, question, qtype, b.String())

	res := r.Run(ctx, sessionID, fmt.Sprintf("synthesizer_%s", class), domain.PhaseSynthesis, llm.Request{
		System: SynthesisPrompt(class),
		User:   user,
		Schema: PredictionSchema(),
	})
	if res.Err != nil {
		return res, nil
	}

	var out PredictionOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}

	prob, err := llm.Probability(float64(out.PredictionProbability))
	if err != nil {
		res.Err = err
		return res, nil
	}
	conf, err := llm.Probability(float64(out.Confidence))
	if err != nil {
		res.Err = err
		return res, nil
	}
	out.PredictionProbability = llm.FlexFloat(prob)
	out.Confidence = llm.FlexFloat(conf)
	return res, &out
}
