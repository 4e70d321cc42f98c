package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
)

const maxFactorsPerWorker = 5

// RunDiscovery executes discovery worker n for the question. Each worker
// sees a different perspective prompt and temperature; output is capped
// at five candidates.
func (r *Runner) RunDiscovery(ctx context.Context, sessionID string, n int, question string, qtype domain.QuestionType) (*WorkerResult, []FactorCandidate) {
	system, temperature := DiscoveryPrompt(n)
	user := fmt.Sprintf(`Forecasting Question: %s
Question Type: %s

First, search the web for current information, trends, and recent developments related to this forecasting question. Use the search results to inform your factor discovery.

Then, discover up to 5 relevant factors that could influence this outcome.
Consider diverse perspectives and categories. Be creative and thorough.`, question, qtype)

	res := r.Run(ctx, sessionID, fmt.Sprintf("discovery_%d", n+1), domain.PhaseDiscovery, llm.Request{
		System:      system,
		User:        user,
		Schema:      DiscoverySchema(),
		WebSearch:   true,
		Temperature: temperature,
	})
	if res.Err != nil {
		return res, nil
	}

	var out DiscoveryOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}
	factors := out.Factors
	if len(factors) > maxFactorsPerWorker {
		factors = factors[:maxFactorsPerWorker]
	}
	return res, factors
}
