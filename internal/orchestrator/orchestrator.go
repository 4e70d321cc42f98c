package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/internal/agents"
	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/llm"
	"github.com/betbot/foresight/internal/store"
	"github.com/betbot/foresight/pkg/syncgroup"
)

// ErrCancelled is returned when the session was failed or cancelled
// externally while the pipeline was running.
var ErrCancelled = errors.New("orchestrator: session cancelled")

// DefaultTopK is how many factors survive validation into research.
const DefaultTopK = 5

// statusPollInterval is how often in-flight runs check for external
// cancellation.
var statusPollInterval = 2 * time.Second

// Resources are the long-lived dependencies a pipeline run needs.
type Resources struct {
	Store *store.Store
	LLM   llm.Completer
}

// Config shapes one pipeline run.
type Config struct {
	AgentCounts       domain.AgentCounts
	ForecasterClasses []domain.ForecasterClass
	WorkerTimeout     time.Duration
	TopK              int
}

// Orchestrator drives a session through discovery, validation, research
// and synthesis. Each phase fans its workers out in parallel and the next
// phase starts only when every worker reached a terminal state.
type Orchestrator struct {
	res    Resources
	cfg    Config
	runner *agents.Runner
	log    *logrus.Entry
}

// New builds an orchestrator. Zero-value config fields get defaults.
func New(res Resources, cfg Config) *Orchestrator {
	cfg.AgentCounts.Normalize()
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if len(cfg.ForecasterClasses) == 0 {
		cfg.ForecasterClasses = []domain.ForecasterClass{domain.ForecasterBalanced}
	}
	return &Orchestrator{
		res:    res,
		cfg:    cfg,
		runner: agents.NewRunner(res.Store, res.LLM, cfg.WorkerTimeout),
		log:    logrus.WithField("component", "orchestrator"),
	}
}

// Run executes the full pipeline for the session. On fatal conditions the
// session is marked failed with the reason; on success it is completed
// with token and timing rollups.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	sess, err := o.res.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	log := o.log.WithField("session_id", sessionID)

	if err := o.res.Store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusRunning, ""); err != nil {
		return err
	}

	// External cancellation flips the session row; poll it and abandon
	// in-flight workers at their next yield point.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.pollCancellation(runCtx, sessionID, cancel)

	durations := map[string]float64{}
	fail := func(reason string) error {
		log.WithField("reason", reason).Warn("pipeline failed")
		_ = o.res.Store.FinishSessionRun(context.WithoutCancel(ctx), sessionID, o.tokenTotal(ctx, sessionID), durations)
		if runCtx.Err() != nil && ctx.Err() == nil {
			// The session row was flipped externally; leave it alone.
			return ErrCancelled
		}
		_ = o.res.Store.UpdateSessionStatus(context.WithoutCancel(ctx), sessionID, domain.SessionStatusFailed, reason)
		return fmt.Errorf("session failed: %s", reason)
	}

	// Phase 1: discovery.
	start := time.Now()
	candidates, err := o.runDiscovery(runCtx, sess)
	durations[string(domain.PhaseDiscovery)] = time.Since(start).Seconds()
	if err != nil {
		return fail(err.Error())
	}

	if runCtx.Err() != nil {
		return fail("cancelled")
	}

	// Phase 2: validation.
	start = time.Now()
	topFactors, err := o.runValidation(runCtx, sess, candidates)
	durations[string(domain.PhaseValidation)] = time.Since(start).Seconds()
	if err != nil {
		return fail(err.Error())
	}

	if runCtx.Err() != nil {
		return fail("cancelled")
	}

	// Phase 3: research.
	start = time.Now()
	researched, err := o.runResearch(runCtx, sess, topFactors)
	durations[string(domain.PhaseResearch)] = time.Since(start).Seconds()
	if err != nil {
		return fail(err.Error())
	}

	if runCtx.Err() != nil {
		return fail("cancelled")
	}

	// Phase 4: synthesis.
	start = time.Now()
	completed, err := o.runSynthesis(runCtx, sess, researched)
	durations[string(domain.PhaseSynthesis)] = time.Since(start).Seconds()
	if err != nil {
		return fail(err.Error())
	}
	if completed == 0 {
		return fail("synthesis produced no forecaster responses")
	}

	if err := o.res.Store.FinishSessionRun(ctx, sessionID, o.tokenTotal(ctx, sessionID), durations); err != nil {
		return err
	}
	if err := o.res.Store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusCompleted, ""); err != nil {
		return err
	}
	log.WithField("durations", durations).Info("pipeline completed")
	return nil
}

func (o *Orchestrator) pollCancellation(ctx context.Context, sessionID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := o.res.Store.SessionStatus(ctx, sessionID)
			if err != nil {
				continue
			}
			if status == domain.SessionStatusFailed || status == domain.SessionStatusCancelled {
				cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) tokenTotal(ctx context.Context, sessionID string) int {
	total, err := o.res.Store.SessionTokenTotal(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return 0
	}
	return total
}

// runDiscovery fans out the discovery workers and collects candidates in
// canonical order (agent name, then completion time). At least one worker
// must succeed.
func (o *Orchestrator) runDiscovery(ctx context.Context, sess *domain.Session) ([]agents.FactorCandidate, error) {
	if err := o.res.Store.UpdateSessionPhase(ctx, sess.ID, domain.PhaseDiscovery); err != nil {
		return nil, err
	}

	n := o.cfg.AgentCounts.Phase1Discovery
	type slot struct {
		res     *agents.WorkerResult
		factors []agents.FactorCandidate
	}
	slots := make([]slot, n)

	group := syncgroup.NewSyncGroup()
	for i := 0; i < n; i++ {
		i := i
		group.Add(func() {
			res, factors := o.runner.RunDiscovery(ctx, sess.ID, i, sess.QuestionText, sess.QuestionType)
			slots[i] = slot{res: res, factors: factors}
		})
	}
	group.Run()
	group.Wait()

	// Consumption order is deterministic: worker name ascending, then
	// completion time. Slot order already sorts by worker number; pull
	// names in to keep the rule explicit when counts change.
	ordered := make([]int, 0, n)
	for i := range slots {
		if slots[i].res != nil && slots[i].res.Err == nil {
			ordered = append(ordered, i)
		}
	}
	sort.Slice(ordered, func(a, b int) bool {
		ra, rb := slots[ordered[a]].res, slots[ordered[b]].res
		if ra.AgentName != rb.AgentName {
			return ra.AgentName < rb.AgentName
		}
		return ra.CompletedAt.Before(rb.CompletedAt)
	})

	var candidates []agents.FactorCandidate
	for _, i := range ordered {
		candidates = append(candidates, slots[i].factors...)
	}
	if len(ordered) == 0 {
		return nil, errors.New("discovery produced no factors")
	}
	o.log.WithFields(logrus.Fields{
		"session_id": sess.ID, "workers_ok": len(ordered), "candidates": len(candidates),
	}).Info("discovery phase complete")
	return candidates, nil
}

// runValidation persists the factor set and scores it, returning the
// top-K factors for research. Factors dedup on normalized name; equal
// scores break ties on name ascending.
func (o *Orchestrator) runValidation(ctx context.Context, sess *domain.Session, candidates []agents.FactorCandidate) ([]*domain.Factor, error) {
	if err := o.res.Store.UpdateSessionPhase(ctx, sess.ID, domain.PhaseValidation); err != nil {
		return nil, err
	}

	res, validated := o.runner.RunValidator(ctx, sess.ID, sess.QuestionText, candidates)
	if res.Err != nil {
		return nil, fmt.Errorf("validator failed: %v", res.Err)
	}
	if len(validated) == 0 {
		return nil, errors.New("validation produced no factors")
	}

	for _, f := range validated {
		err := o.res.Store.UpsertFactor(ctx, &domain.Factor{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			Name:        f.Name,
			Description: f.Description,
			Category:    f.Category,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	rated, err := o.rateFactors(ctx, sess, validated)
	if err != nil {
		return nil, err
	}
	for _, rf := range rated {
		key := domain.NormalizeFactorName(rf.Name)
		if err := o.res.Store.SetFactorScore(ctx, sess.ID, key, float64(rf.Score)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// The model rated a factor it never returned in
				// validation; ignore it.
				continue
			}
			return nil, err
		}
	}

	top, err := o.res.Store.TopFactors(ctx, sess.ID, o.cfg.TopK)
	if err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return nil, errors.New("no factors scored for research")
	}
	return top, nil
}

// rateFactors runs the merged rating_consensus worker, or the legacy
// rater+consensus chain when three validation agents are configured.
func (o *Orchestrator) rateFactors(ctx context.Context, sess *domain.Session, validated []agents.FactorCandidate) ([]agents.RatedFactor, error) {
	if o.cfg.AgentCounts.Phase2Validation == 3 {
		res, rated := o.runner.RunRater(ctx, sess.ID, sess.QuestionText, validated)
		if res.Err != nil {
			return nil, fmt.Errorf("rater failed: %v", res.Err)
		}
		cres, _ := o.runner.RunConsensus(ctx, sess.ID, sess.QuestionText, rated)
		if cres.Err != nil {
			return nil, fmt.Errorf("consensus failed: %v", cres.Err)
		}
		// Selection is recomputed from the scores; the consensus worker's
		// list is advisory.
		return rated, nil
	}

	res, out := o.runner.RunRatingConsensus(ctx, sess.ID, sess.QuestionText, validated)
	if res.Err != nil {
		return nil, fmt.Errorf("rating_consensus failed: %v", res.Err)
	}
	return out.RatedFactors, nil
}

// researchNote is one worker's contribution to a factor summary.
type researchNote struct {
	agentName string
	text      string
	factorIdx int
	ok        bool
}

// runResearch assigns historical and current workers round-robin across
// the top factors. A factor survives with at least one worker output; its
// summary concatenates worker notes in canonical order.
func (o *Orchestrator) runResearch(ctx context.Context, sess *domain.Session, factors []*domain.Factor) ([]*domain.Factor, error) {
	if err := o.res.Store.UpdateSessionPhase(ctx, sess.ID, domain.PhaseResearch); err != nil {
		return nil, err
	}

	nh := o.cfg.AgentCounts.Phase3Historical
	nc := o.cfg.AgentCounts.Phase3Current
	notes := make([]researchNote, nh+nc)

	group := syncgroup.NewSyncGroup()
	for i := 0; i < nh; i++ {
		i := i
		factor := factors[i%len(factors)]
		group.Add(func() {
			res, out := o.runner.RunHistorical(ctx, sess.ID, i, sess.QuestionText, factor)
			if res.Err == nil && out != nil {
				notes[i] = researchNote{
					agentName: res.AgentName,
					text:      fmt.Sprintf("Historical Analysis (%s):\n%s", res.AgentName, out.HistoricalAnalysis),
					factorIdx: i % len(factors),
					ok:        true,
				}
			}
		})
	}
	for i := 0; i < nc; i++ {
		i := i
		factor := factors[i%len(factors)]
		group.Add(func() {
			res, out := o.runner.RunCurrent(ctx, sess.ID, i, sess.QuestionText, factor)
			if res.Err == nil && out != nil {
				notes[nh+i] = researchNote{
					agentName: res.AgentName,
					text:      fmt.Sprintf("Current Findings (%s):\n%s", res.AgentName, out.CurrentFindings),
					factorIdx: i % len(factors),
					ok:        true,
				}
			}
		})
	}
	group.Run()
	group.Wait()

	perFactor := make([][]researchNote, len(factors))
	for _, n := range notes {
		if n.ok {
			perFactor[n.factorIdx] = append(perFactor[n.factorIdx], n)
		}
	}

	var survivors []*domain.Factor
	for idx, factor := range factors {
		if len(perFactor[idx]) == 0 {
			o.log.WithFields(logrus.Fields{
				"session_id": sess.ID, "factor": factor.Name,
			}).Warn("factor dropped: no research output")
			continue
		}
		sort.Slice(perFactor[idx], func(a, b int) bool {
			return perFactor[idx][a].agentName < perFactor[idx][b].agentName
		})
		parts := make([]string, 0, len(perFactor[idx]))
		for _, n := range perFactor[idx] {
			parts = append(parts, n.text)
		}
		summary := strings.Join(parts, "\n\n")
		if err := o.res.Store.SetFactorResearch(ctx, factor.ID, summary); err != nil {
			return nil, err
		}
		factor.ResearchSummary = &summary
		survivors = append(survivors, factor)
	}

	if len(survivors) == 0 {
		return nil, errors.New("research produced no surviving factors")
	}
	return survivors, nil
}

// runSynthesis runs one synthesizer per requested class in parallel and
// projects each completed prediction onto its forecaster response row.
// Returns how many classes completed.
func (o *Orchestrator) runSynthesis(ctx context.Context, sess *domain.Session, factors []*domain.Factor) (int, error) {
	if err := o.res.Store.UpdateSessionPhase(ctx, sess.ID, domain.PhaseSynthesis); err != nil {
		return 0, err
	}

	var mu sync.Mutex
	completed := 0

	group := syncgroup.NewSyncGroup()
	for _, class := range o.cfg.ForecasterClasses {
		class := class
		group.Add(func() {
			res, out := o.runner.RunSynthesis(ctx, sess.ID, sess.QuestionText, sess.QuestionType, class, factors)
			if res.Err != nil || out == nil {
				return
			}
			prob := float64(out.PredictionProbability)
			conf := float64(out.Confidence)
			now := time.Now().UTC()
			err := o.res.Store.UpsertForecasterResponse(ctx, &domain.ForecasterResponse{
				ID:                    uuid.NewString(),
				SessionID:             sess.ID,
				ForecasterClass:       class,
				PredictionProbability: &prob,
				Confidence:            &conf,
				Reasoning:             out.Reasoning,
				KeyFactors:            out.KeyFactors,
				Status:                domain.AgentStatusCompleted,
				TokensUsed:            res.TokensUsed,
				CreatedAt:             now,
				CompletedAt:           &now,
			})
			if err != nil {
				o.log.WithError(err).Error("forecaster response write failed")
				return
			}
			mu.Lock()
			completed++
			mu.Unlock()
		})
	}
	group.Run()
	group.Wait()
	return completed, nil
}
