package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/market"
	"github.com/betbot/foresight/internal/store"
	"github.com/betbot/foresight/pkg/sigchan"
)

// Scheduler phases. A session's simulation starts initializing, flips to
// running once the forecast pipeline seeded probabilities, and ends
// stopped.
const (
	PhaseInitializing = "initializing"
	PhaseRunning      = "running"
	PhaseStopped      = "stopped"
)

// seedPollInterval is how often an initializing run re-checks for
// forecaster responses.
var seedPollInterval = time.Second

// ErrNotRunning is returned for control calls on sessions without an
// active simulation.
var ErrNotRunning = errors.New("sim: no simulation running for session")

// Status is the control-surface view of one session's simulation.
type Status struct {
	Running     bool   `json:"running"`
	Phase       string `json:"phase"`
	RoundNumber int    `json:"round_number"`
}

// Resources are the long-lived dependencies every simulation run shares.
type Resources struct {
	Store     *store.Store
	Engine    *market.Engine
	Sentiment SentimentProvider
	Feed      AccountFeedProvider
}

// Scheduler drives trading rounds for any number of sessions. Each
// session gets one run loop; traders within a round decide concurrently
// against the same pre-round snapshot.
type Scheduler struct {
	res Resources
	log *logrus.Entry

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	seedSig *sigchan.Chan

	mu       sync.Mutex
	phase    string
	round    int
	inflight map[string]bool
}

func (r *run) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Running:     r.phase == PhaseRunning,
		Phase:       r.phase,
		RoundNumber: r.round,
	}
}

func (r *run) setPhase(p string) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// claim marks a trader's quote in flight. It fails when the previous
// round's quote has not returned yet; that trader skips the round.
func (r *run) claim(trader string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[trader] {
		return false
	}
	r.inflight[trader] = true
	return true
}

func (r *run) release(trader string) {
	r.mu.Lock()
	delete(r.inflight, trader)
	r.mu.Unlock()
}

// NewScheduler builds a scheduler over shared resources.
func NewScheduler(res Resources) *Scheduler {
	return &Scheduler{
		res:  res,
		log:  logrus.WithField("component", "sim"),
		runs: make(map[string]*run),
	}
}

// Start launches the round loop for a session. Starting an already
// running session is a no-op.
func (s *Scheduler) Start(ctx context.Context, sessionID string, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sess, err := s.res.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[sessionID]; exists {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		cancel:   cancel,
		done:     make(chan struct{}),
		seedSig:  sigchan.New(1),
		phase:    PhaseInitializing,
		inflight: make(map[string]bool),
	}
	s.runs[sessionID] = r
	go s.loop(runCtx, r, sess, interval)
	return nil
}

// Stop halts a session's round loop. In-flight quotes finish; no new
// round starts.
func (s *Scheduler) Stop(sessionID string) error {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	if ok {
		delete(s.runs, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.cancel()
	<-r.done
	return nil
}

// Complete stops the simulation and marks the session terminal.
func (s *Scheduler) Complete(ctx context.Context, sessionID string) error {
	if err := s.Stop(sessionID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.res.Store.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusCompleted, "")
}

// NotifySeeds nudges an initializing run to re-check for forecaster
// responses immediately instead of waiting out the poll interval.
func (s *Scheduler) NotifySeeds(sessionID string) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if ok {
		r.seedSig.Emit()
	}
}

// GetStatus reports the session's simulation state. A session with no
// run loop reads as stopped.
func (s *Scheduler) GetStatus(sessionID string) Status {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return Status{Running: false, Phase: PhaseStopped}
	}
	return r.status()
}

func (s *Scheduler) loop(ctx context.Context, r *run, sess *domain.Session, interval time.Duration) {
	defer close(r.done)
	defer r.setPhase(PhaseStopped)
	log := s.log.WithField("session_id", sess.ID)

	seeds, err := s.awaitSeeds(ctx, r, sess.ID)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Error("simulation aborted before first round")
		}
		return
	}
	if err := s.res.Store.EnsureTraderStates(ctx, sess.ID); err != nil {
		log.WithError(err).Error("trader seeding failed")
		return
	}
	r.setPhase(PhaseRunning)
	log.WithField("seeds", len(seeds)).Info("simulation running")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.runRound(ctx, r, sess, seeds)
		r.mu.Lock()
		r.round++
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// awaitSeeds blocks until the forecast pipeline produced at least one
// forecaster response with a probability. NotifySeeds short-circuits the
// poll wait.
func (s *Scheduler) awaitSeeds(ctx context.Context, r *run, sessionID string) (map[string]float64, error) {
	ticker := time.NewTicker(seedPollInterval)
	defer ticker.Stop()
	for {
		responses, err := s.res.Store.ListForecasterResponses(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		seeds := make(map[string]float64)
		for _, resp := range responses {
			if resp.PredictionProbability != nil {
				seeds[resp.ForecasterClass] = *resp.PredictionProbability
			}
		}
		if len(seeds) > 0 {
			return seeds, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-r.seedSig.C():
		}
	}
}

// runRound fans the 18 traders out against the pre-round snapshot and
// waits for this round's decisions. Traders whose previous round is
// still in flight are skipped.
func (s *Scheduler) runRound(ctx context.Context, r *run, sess *domain.Session, seeds map[string]float64) {
	log := s.log.WithField("session_id", sess.ID)
	snapshot, err := s.res.Store.BookSnapshot(ctx, sess.ID)
	if err != nil {
		log.WithError(err).Error("round snapshot failed")
		return
	}
	rc := &roundContext{session: sess, snapshot: snapshot, seeds: seeds}

	var wg sync.WaitGroup
	for _, name := range domain.AllTraders() {
		if !r.claim(name) {
			log.WithField("trader", name).Warn("previous quote still in flight, skipping round")
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer r.release(name)
			s.quoteOnce(ctx, rc, name)
		}(name)
	}
	wg.Wait()
}

func (s *Scheduler) quoteOnce(ctx context.Context, rc *roundContext, name string) {
	log := s.log.WithFields(logrus.Fields{"session_id": rc.session.ID, "trader": name})
	d, err := decide(ctx, rc, s.res.Sentiment, s.res.Feed, name)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("trader decision failed")
		}
		return
	}
	if d == nil {
		log.Debug("trader holding this round")
		return
	}

	// The quote itself survives a stop signal; Stop drains in-flight
	// quotes rather than tearing them down mid-transaction.
	res, err := s.res.Engine.PlaceMMQuotes(context.WithoutCancel(ctx), rc.session.ID, name, d.Bid, d.Ask, d.Qty)
	if err != nil {
		log.WithError(err).Warn("quote placement failed")
		return
	}
	if err := s.res.Store.UpdateTraderNotes(context.WithoutCancel(ctx), rc.session.ID, name, d.Note); err != nil {
		log.WithError(err).Warn("trader notes update failed")
	}
	if res.TradesCount > 0 {
		log.WithFields(logrus.Fields{"trades": res.TradesCount, "volume": res.Volume}).Info("quotes crossed")
	}
}
