package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/foresight/internal/domain"
)

// UpsertForecasterResponse projects a synthesis result onto the one row per
// (session, class). Replaying the same result is a no-op change, so the
// projection is idempotent.
func (s *Store) UpsertForecasterResponse(ctx context.Context, r *domain.ForecasterResponse) error {
	var keyFactors any
	if len(r.KeyFactors) > 0 {
		b, err := json.Marshal(r.KeyFactors)
		if err != nil {
			return fmt.Errorf("marshal key factors: %w", err)
		}
		keyFactors = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO forecaster_responses (id,session_id,forecaster_class,prediction_probability,confidence,reasoning,key_factors,status,tokens_used,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (session_id, forecaster_class) DO UPDATE SET
  prediction_probability = excluded.prediction_probability,
  confidence = excluded.confidence,
  reasoning = excluded.reasoning,
  key_factors = excluded.key_factors,
  status = excluded.status,
  tokens_used = excluded.tokens_used,
  completed_at = excluded.completed_at
`, r.ID, r.SessionID, r.ForecasterClass, r.PredictionProbability, r.Confidence,
		nullStr(r.Reasoning), keyFactors, r.Status, r.TokensUsed,
		r.CreatedAt.Format(time.RFC3339Nano), nullTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("upsert forecaster response: %w", err)
	}
	s.publish("forecaster_responses", r.SessionID, r)
	return nil
}

// GetForecasterResponse loads one class's response or ErrNotFound.
func (s *Store) GetForecasterResponse(ctx context.Context, sessionID string, class domain.ForecasterClass) (*domain.ForecasterResponse, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,session_id,forecaster_class,prediction_probability,confidence,reasoning,key_factors,status,tokens_used,created_at,completed_at
FROM forecaster_responses WHERE session_id=? AND forecaster_class=?
`, sessionID, class)
	r, err := scanForecaster(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListForecasterResponses returns a session's responses in canonical class
// order.
func (s *Store) ListForecasterResponses(ctx context.Context, sessionID string) ([]*domain.ForecasterResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,session_id,forecaster_class,prediction_probability,confidence,reasoning,key_factors,status,tokens_used,created_at,completed_at
FROM forecaster_responses WHERE session_id=?
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byClass := map[domain.ForecasterClass]*domain.ForecasterResponse{}
	for rows.Next() {
		r, err := scanForecaster(rows.Scan)
		if err != nil {
			return nil, err
		}
		byClass[r.ForecasterClass] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*domain.ForecasterResponse
	for _, class := range domain.ForecasterClasses() {
		if r, ok := byClass[class]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func scanForecaster(scan func(dest ...any) error) (*domain.ForecasterResponse, error) {
	var (
		r           domain.ForecasterResponse
		prob        sql.NullFloat64
		conf        sql.NullFloat64
		reasoning   sql.NullString
		keyFactors  sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	if err := scan(&r.ID, &r.SessionID, &r.ForecasterClass, &prob, &conf, &reasoning,
		&keyFactors, &r.Status, &r.TokensUsed, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	if prob.Valid {
		v := prob.Float64
		r.PredictionProbability = &v
	}
	if conf.Valid {
		v := conf.Float64
		r.Confidence = &v
	}
	if reasoning.Valid {
		r.Reasoning = reasoning.String
	}
	if keyFactors.Valid && keyFactors.String != "" {
		_ = json.Unmarshal([]byte(keyFactors.String), &r.KeyFactors)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.CompletedAt = parseTimePtr(completedAt)
	return &r, nil
}
