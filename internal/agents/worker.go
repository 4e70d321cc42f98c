package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
	"github.com/betbot/foresight/internal/store"
)

// DefaultWorkerTimeout bounds a single worker invocation.
const DefaultWorkerTimeout = 300 * time.Second

// Runner executes one LLM worker with the audit-log bracket every phase
// relies on: a running row before the call, a terminal update after.
type Runner struct {
	Store   *store.Store
	LLM     llm.Completer
	Timeout time.Duration
	log     *logrus.Entry
}

// NewRunner builds a runner; timeout <= 0 selects the default.
func NewRunner(st *store.Store, completer llm.Completer, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	return &Runner{
		Store:   st,
		LLM:     completer,
		Timeout: timeout,
		log:     logrus.WithField("component", "agents"),
	}
}

// WorkerResult is one worker's terminal outcome.
type WorkerResult struct {
	AgentName    string
	Raw          json.RawMessage
	TokensUsed   int
	SourcesCount int
	CompletedAt  time.Time
	Err          error
}

// Run invokes the LLM for one worker. The returned error describes the
// worker failure; the AgentLog row always reaches a terminal state.
func (r *Runner) Run(ctx context.Context, sessionID, agentName string, phase domain.Phase, req llm.Request) *WorkerResult {
	logEntry := &domain.AgentLog{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AgentName: agentName,
		Phase:     phase,
		Status:    domain.AgentStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.Store.InsertAgentLog(ctx, logEntry); err != nil {
		return &WorkerResult{AgentName: agentName, Err: err, CompletedAt: time.Now().UTC()}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	res, err := r.LLM.Complete(callCtx, req)
	out := &WorkerResult{AgentName: agentName, CompletedAt: time.Now().UTC()}
	if res != nil {
		out.TokensUsed = res.TokensUsed
		out.SourcesCount = res.SourcesCount
		logEntry.TokensUsed = res.TokensUsed
	}

	if err != nil {
		out.Err = err
		logEntry.Status = domain.AgentStatusFailed
		logEntry.ErrorMessage = failureReason(ctx, callCtx, err)
		r.log.WithFields(logrus.Fields{
			"session_id": sessionID, "agent": agentName, "phase": phase,
		}).WithError(err).Warn("worker failed")
	} else {
		out.Raw = res.Raw
		logEntry.Status = domain.AgentStatusCompleted
		logEntry.OutputData = res.Raw
		r.log.WithFields(logrus.Fields{
			"session_id": sessionID, "agent": agentName, "phase": phase,
			"tokens": res.TokensUsed, "sources": res.SourcesCount,
		}).Debug("worker completed")
	}

	if dbErr := r.Store.CompleteAgentLog(context.WithoutCancel(ctx), logEntry); dbErr != nil {
		r.log.WithError(dbErr).Error("agent log update failed")
		if out.Err == nil {
			out.Err = dbErr
		}
	}
	return out
}

// failureReason distinguishes cancellation from timeout from call errors.
func failureReason(parent, call context.Context, err error) string {
	switch {
	case parent.Err() != nil:
		return "cancelled"
	case errors.Is(err, llm.ErrTimeout) || errors.Is(call.Err(), context.DeadlineExceeded):
		return "timeout"
	default:
		return err.Error()
	}
}
