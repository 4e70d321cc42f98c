package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
)

func researchUserMessage(question string, factor *domain.Factor, focus string) string {
	return fmt.Sprintf(`Forecasting Question: %s

Factor to Research:
Name: %s
Description: %s
Category: %s

%s`, question, factor.Name, factor.Description, factor.Category, focus)
}

// RunHistorical analyzes base rates and precedents for one factor.
func (r *Runner) RunHistorical(ctx context.Context, sessionID string, n int, question string, factor *domain.Factor) (*WorkerResult, *HistoricalOutput) {
	user := researchUserMessage(question, factor, `First, search the web for historical data, past occurrences, and long-term trends related to this factor and the forecasting question.

Then, research historical precedents, patterns, and analogous situations for this factor.
Provide detailed historical context and your confidence level (0-1).
Include sources from your web search when relevant.`)

	res := r.Run(ctx, sessionID, fmt.Sprintf("historical_%d", n+1), domain.PhaseResearch, llm.Request{
		System:    historicalResearchPrompt,
		User:      user,
		Schema:    HistoricalSchema(),
		WebSearch: true,
	})
	if res.Err != nil {
		return res, nil
	}

	var out HistoricalOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}
	return res, &out
}

// RunCurrent gathers recent evidence for one factor.
func (r *Runner) RunCurrent(ctx context.Context, sessionID string, n int, question string, factor *domain.Factor) (*WorkerResult, *CurrentOutput) {
	user := researchUserMessage(question, factor, `First, search the web for the most recent information, news, statistics, and developments related to this factor and the forecasting question.

Then, research current data, recent developments, and emerging trends for this factor.
Provide up-to-date findings and your confidence level (0-1).
Include sources from your web search when relevant.`)

	res := r.Run(ctx, sessionID, fmt.Sprintf("current_%d", n+1), domain.PhaseResearch, llm.Request{
		System:    currentResearchPrompt,
		User:      user,
		Schema:    CurrentSchema(),
		WebSearch: true,
	})
	if res.Err != nil {
		return res, nil
	}

	var out CurrentOutput
	if err := json.Unmarshal(res.Raw, &out); err != nil {
		res.Err = err
		return res, nil
	}
	return res, &out
}
