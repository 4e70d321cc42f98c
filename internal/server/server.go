package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/foresight/internal/broadcast"
	"github.com/betbot/foresight/internal/domain"
	"github.com/betbot/foresight/internal/sim"
	"github.com/betbot/foresight/internal/store"
)

// DefaultDedupWindow is how far back a run request looks for an active
// session asking the same question before starting a new one.
const DefaultDedupWindow = 10 * time.Minute

// Pipeline runs the forecast phases for one session.
type Pipeline interface {
	Run(ctx context.Context, sessionID string) error
}

// PipelineFactory builds a pipeline for one session's agent
// configuration.
type PipelineFactory func(counts domain.AgentCounts, classes []domain.ForecasterClass) Pipeline

// Server is the HTTP control surface over the forecast pipeline and the
// trading simulation.
type Server struct {
	store       *store.Store
	hub         *broadcast.Hub
	sched       *sim.Scheduler
	newPipeline PipelineFactory
	dedupWindow time.Duration
	log         *logrus.Entry
}

// New wires the HTTP server. dedupWindow <= 0 selects the default.
func New(st *store.Store, hub *broadcast.Hub, sched *sim.Scheduler, factory PipelineFactory, dedupWindow time.Duration) *Server {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Server{
		store:       st,
		hub:         hub,
		sched:       sched,
		newPipeline: factory,
		dedupWindow: dedupWindow,
		log:         logrus.WithField("component", "server"),
	}
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleWS)

	api := r.Group("/api")
	{
		api.POST("/forecasts", s.handleCreateForecast)
		api.GET("/forecasts", s.handleListForecasts)
		api.GET("/forecasts/:id", s.handleGetForecast)

		api.POST("/sessions/run", s.handleRunSession)
		api.GET("/sessions/:id/status", s.handleSessionStatus)
		api.POST("/sessions/:id/stop", s.handleStopSession)
		api.POST("/sessions/:id/complete", s.handleCompleteSession)
		api.GET("/sessions/:id/orderbook", s.handleOrderbook)
		api.GET("/sessions/:id/trades", s.handleTrades)
	}
	return r
}

func writeError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleWS(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request)
}

type createForecastRequest struct {
	QuestionText           string              `json:"question_text" binding:"required"`
	QuestionType           string              `json:"question_type"`
	AgentCounts            *domain.AgentCounts `json:"agent_counts"`
	ForecasterClass        string              `json:"forecaster_class"`
	RunAllForecasters      bool                `json:"run_all_forecasters"`
	TradingIntervalSeconds int                 `json:"trading_interval_seconds"`
}

func (req *createForecastRequest) normalize() (domain.AgentCounts, []domain.ForecasterClass, error) {
	if req.QuestionType == "" {
		req.QuestionType = string(domain.QuestionTypeBinary)
	}
	if !domain.ValidQuestionType(req.QuestionType) {
		return domain.AgentCounts{}, nil, errors.New("question_type must be binary, numeric or categorical")
	}
	if req.TradingIntervalSeconds <= 0 {
		req.TradingIntervalSeconds = 30
	}

	counts := domain.DefaultAgentCounts()
	if req.AgentCounts != nil {
		counts = *req.AgentCounts
	}
	counts.Normalize()

	classes := []domain.ForecasterClass{domain.ForecasterBalanced}
	if req.RunAllForecasters {
		classes = domain.ForecasterClasses()
	} else if req.ForecasterClass != "" {
		if !domain.ValidForecasterClass(req.ForecasterClass) {
			return domain.AgentCounts{}, nil, errors.New("unknown forecaster_class")
		}
		classes = []domain.ForecasterClass{req.ForecasterClass}
	}
	return counts, classes, nil
}

func (s *Server) createSession(c *gin.Context, req *createForecastRequest) (*domain.Session, domain.AgentCounts, []domain.ForecasterClass, bool) {
	counts, classes, err := req.normalize()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return nil, counts, nil, false
	}

	sess := &domain.Session{
		ID:                     uuid.NewString(),
		QuestionText:           req.QuestionText,
		QuestionType:           domain.QuestionType(req.QuestionType),
		Status:                 domain.SessionStatusCreated,
		CurrentPhase:           domain.PhaseCreated,
		TradingIntervalSeconds: req.TradingIntervalSeconds,
		CreatedAt:              time.Now().UTC(),
	}
	if err := s.store.CreateSession(c.Request.Context(), sess); err != nil {
		s.log.WithError(err).Error("session insert failed")
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return nil, counts, nil, false
	}
	return sess, counts, classes, true
}

func (s *Server) launchPipeline(sessionID string, counts domain.AgentCounts, classes []domain.ForecasterClass) {
	pipeline := s.newPipeline(counts, classes)
	go func() {
		if err := pipeline.Run(context.Background(), sessionID); err != nil {
			s.log.WithField("session_id", sessionID).WithError(err).Warn("pipeline run ended with error")
			return
		}
		// Wake a waiting simulation as soon as seed probabilities exist.
		s.sched.NotifySeeds(sessionID)
	}()
}

func (s *Server) handleCreateForecast(c *gin.Context) {
	var req createForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	sess, counts, classes, ok := s.createSession(c, &req)
	if !ok {
		return
	}
	s.launchPipeline(sess.ID, counts, classes)
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListForecasts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	question := c.Query("question_text")

	sessions, total, err := s.store.ListForecasts(c.Request.Context(), question, limit, offset)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"forecasts": sessions, "total": total})
}

type forecastDetail struct {
	*domain.Session
	ForecasterResponses []*domain.ForecasterResponse `json:"forecaster_responses"`
	Factors             []*domain.Factor             `json:"factors"`
	AgentLogs           []*domain.AgentLog           `json:"agent_logs"`
}

func (s *Server) handleGetForecast(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "forecast not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	responses, err := s.store.ListForecasterResponses(ctx, id)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	factors, err := s.store.ListFactors(ctx, id)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	logs, err := s.store.ListAgentLogs(ctx, id)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	c.JSON(http.StatusOK, forecastDetail{
		Session:             sess,
		ForecasterResponses: responses,
		Factors:             factors,
		AgentLogs:           logs,
	})
}

// handleRunSession starts a forecast-plus-trading session. A repeat
// request for the same question inside the dedup window returns the
// already-running session instead of spawning a duplicate.
func (s *Server) handleRunSession(c *gin.Context) {
	var req createForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.FindActiveSessionByQuestion(c.Request.Context(), req.QuestionText, s.dedupWindow)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, gin.H{"session_id": existing.ID})
		return
	}

	sess, counts, classes, ok := s.createSession(c, &req)
	if !ok {
		return
	}
	s.launchPipeline(sess.ID, counts, classes)
	if err := s.sched.Start(c.Request.Context(), sess.ID, time.Duration(sess.TradingIntervalSeconds)*time.Second); err != nil {
		s.log.WithError(err).Error("scheduler start failed")
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID})
}

func (s *Server) requireSession(c *gin.Context) (*domain.Session, bool) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	if _, ok := s.requireSession(c); !ok {
		return
	}
	c.JSON(http.StatusOK, s.sched.GetStatus(c.Param("id")))
}

func (s *Server) handleStopSession(c *gin.Context) {
	sess, ok := s.requireSession(c)
	if !ok {
		return
	}
	if err := s.sched.Stop(sess.ID); err != nil && !errors.Is(err, sim.ErrNotRunning) {
		writeError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !sess.IsTerminal() {
		if err := s.store.UpdateSessionStatus(c.Request.Context(), sess.ID, domain.SessionStatusCancelled, "stopped by user"); err != nil {
			writeError(c, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleCompleteSession(c *gin.Context) {
	sess, ok := s.requireSession(c)
	if !ok {
		return
	}
	if err := s.sched.Complete(c.Request.Context(), sess.ID); err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": true})
}

func (s *Server) handleOrderbook(c *gin.Context) {
	if _, ok := s.requireSession(c); !ok {
		return
	}
	snap, err := s.store.BookSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleTrades(c *gin.Context) {
	if _, ok := s.requireSession(c); !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.store.ListTrades(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}
