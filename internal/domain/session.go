package domain

import "time"

// QuestionType classifies forecast questions.
type QuestionType string

const (
	QuestionTypeBinary      QuestionType = "binary"
	QuestionTypeNumeric     QuestionType = "numeric"
	QuestionTypeCategorical QuestionType = "categorical"
)

// ValidQuestionType reports whether s names a supported question type.
func ValidQuestionType(s string) bool {
	switch QuestionType(s) {
	case QuestionTypeBinary, QuestionTypeNumeric, QuestionTypeCategorical:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a forecast session.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Pipeline phases, persisted on the session row as current_phase.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseDiscovery  Phase = "discovery"
	PhaseValidation Phase = "validation"
	PhaseResearch   Phase = "research"
	PhaseSynthesis  Phase = "synthesis"
)

// Session is one forecast run: a question, the pipeline progress through
// its phases, and the rollups the pipeline writes back.
type Session struct {
	ID                     string             `json:"id"`
	QuestionText           string             `json:"question_text"`
	QuestionType           QuestionType       `json:"question_type"`
	Status                 SessionStatus      `json:"status"`
	CurrentPhase           Phase              `json:"current_phase"`
	ErrorMessage           string             `json:"error_message,omitempty"`
	TotalTokens            int                `json:"total_tokens"`
	PhaseDurations         map[string]float64 `json:"phase_durations,omitempty"`
	TradingIntervalSeconds int                `json:"trading_interval_seconds"`
	CreatedAt              time.Time          `json:"created_at"`
	StartedAt              *time.Time         `json:"started_at,omitempty"`
	CompletedAt            *time.Time         `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the session can no longer change state.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// AgentCounts sets how many workers each phase launches. Phase3Research is
// the legacy combined count kept for older callers; Normalize splits it.
type AgentCounts struct {
	Phase1Discovery  int `json:"phase1_discovery" yaml:"phase1_discovery"`
	Phase2Validation int `json:"phase2_validation" yaml:"phase2_validation"`
	Phase3Research   int `json:"phase3_research,omitempty" yaml:"phase3_research,omitempty"`
	Phase3Historical int `json:"phase3_historical" yaml:"phase3_historical"`
	Phase3Current    int `json:"phase3_current" yaml:"phase3_current"`
	Phase4Synthesis  int `json:"phase4_synthesis" yaml:"phase4_synthesis"`
}

// DefaultAgentCounts returns the standard pipeline shape.
func DefaultAgentCounts() AgentCounts {
	return AgentCounts{
		Phase1Discovery:  10,
		Phase2Validation: 2,
		Phase3Historical: 5,
		Phase3Current:    5,
		Phase4Synthesis:  1,
	}
}

// Normalize fills unset counts from defaults and resolves the legacy
// combined research count (split across historical and current, historical
// taking the extra worker on odd counts). Validation runs either the
// two-step validator/consensus chain or the legacy three-agent split;
// any other value is coerced to 2. Synthesis is one worker per class.
func (c *AgentCounts) Normalize() {
	d := DefaultAgentCounts()
	if c.Phase1Discovery <= 0 {
		c.Phase1Discovery = d.Phase1Discovery
	}
	if c.Phase3Research > 0 && c.Phase3Historical == 0 && c.Phase3Current == 0 {
		c.Phase3Historical = (c.Phase3Research + 1) / 2
		c.Phase3Current = c.Phase3Research / 2
	}
	if c.Phase3Historical <= 0 {
		c.Phase3Historical = d.Phase3Historical
	}
	if c.Phase3Current <= 0 {
		c.Phase3Current = d.Phase3Current
	}
	if c.Phase2Validation != 2 && c.Phase2Validation != 3 {
		c.Phase2Validation = 2
	}
	c.Phase4Synthesis = 1
}
