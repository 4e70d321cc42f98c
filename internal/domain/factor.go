package domain

import (
	"strings"
	"time"
)

// Factor is one candidate driver of the forecast question, produced in
// discovery, scored in validation and researched in phase three.
type Factor struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	Category        string     `json:"category,omitempty"`
	ImportanceScore *float64   `json:"importance_score,omitempty"`
	ResearchSummary *string    `json:"research_summary,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// NormalizedName returns the dedup key for this factor.
func (f *Factor) NormalizedName() string {
	return NormalizeFactorName(f.Name)
}

// NormalizeFactorName lowercases, trims and collapses internal whitespace
// so factors proposed by different workers dedup to one row.
func NormalizeFactorName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
