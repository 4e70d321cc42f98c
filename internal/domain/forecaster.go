package domain

import "time"

// ForecasterClass names the five synthesis personalities. Each completed
// class seeds the fundamental trader of the same name.
type ForecasterClass = string

const (
	ForecasterConservative ForecasterClass = "conservative"
	ForecasterMomentum     ForecasterClass = "momentum"
	ForecasterHistorical   ForecasterClass = "historical"
	ForecasterRealtime     ForecasterClass = "realtime"
	ForecasterBalanced     ForecasterClass = "balanced"
)

// ForecasterClasses returns all classes in canonical order.
func ForecasterClasses() []ForecasterClass {
	return []ForecasterClass{
		ForecasterConservative,
		ForecasterMomentum,
		ForecasterHistorical,
		ForecasterRealtime,
		ForecasterBalanced,
	}
}

// ValidForecasterClass reports whether c names a known class.
func ValidForecasterClass(c ForecasterClass) bool {
	switch c {
	case ForecasterConservative, ForecasterMomentum, ForecasterHistorical,
		ForecasterRealtime, ForecasterBalanced:
		return true
	}
	return false
}

// ForecasterResponse is one personality's final forecast for a session.
// PredictionProbability and Confidence are set only on completed rows.
type ForecasterResponse struct {
	ID                    string          `json:"id"`
	SessionID             string          `json:"session_id"`
	ForecasterClass       ForecasterClass `json:"forecaster_class"`
	PredictionProbability *float64        `json:"prediction_probability,omitempty"`
	Confidence            *float64        `json:"confidence,omitempty"`
	Reasoning             string          `json:"reasoning,omitempty"`
	KeyFactors            []string        `json:"key_factors,omitempty"`
	Status                AgentStatus     `json:"status"`
	TokensUsed            int             `json:"tokens_used"`
	CreatedAt             time.Time       `json:"created_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}
