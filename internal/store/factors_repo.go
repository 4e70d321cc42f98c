package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/betbot/foresight/internal/domain"
)

// UpsertFactor inserts a factor, deduplicating on the normalized name
// within the session. The first description wins; later proposals only
// backfill a missing category.
func (s *Store) UpsertFactor(ctx context.Context, f *domain.Factor) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO factors (id,session_id,name,normalized_name,description,category,importance_score,research_summary,created_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT (session_id, normalized_name) DO UPDATE SET
  category = COALESCE(factors.category, excluded.category)
`, f.ID, f.SessionID, f.Name, f.NormalizedName(), f.Description, nullStr(f.Category),
		f.ImportanceScore, f.ResearchSummary, f.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert factor: %w", err)
	}
	s.publish("factors", f.SessionID, f)
	return nil
}

// SetFactorScore records the validation importance score.
func (s *Store) SetFactorScore(ctx context.Context, sessionID, normalizedName string, score float64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE factors SET importance_score=?, updated_at=? WHERE session_id=? AND normalized_name=?
`, score, now, sessionID, normalizedName)
	if err != nil {
		return fmt.Errorf("set factor score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish("factors", sessionID, map[string]any{"normalized_name": normalizedName, "importance_score": score})
	return nil
}

// SetFactorResearch stores the concatenated research summary for a factor.
func (s *Store) SetFactorResearch(ctx context.Context, factorID, summary string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `SELECT session_id FROM factors WHERE id=?`, factorID)
	var sessionID string
	if err := row.Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE factors SET research_summary=?, updated_at=? WHERE id=?
`, summary, now, factorID)
	if err != nil {
		return fmt.Errorf("set factor research: %w", err)
	}
	s.publish("factors", sessionID, map[string]any{"id": factorID, "research_summary": summary})
	return nil
}

// ListFactors returns a session's factors, highest importance first, name
// ascending on ties.
func (s *Store) ListFactors(ctx context.Context, sessionID string) ([]*domain.Factor, error) {
	return s.queryFactors(ctx, `
SELECT id,session_id,name,description,category,importance_score,research_summary,created_at,updated_at
FROM factors WHERE session_id=?
ORDER BY importance_score IS NULL, importance_score DESC, name ASC
`, sessionID)
}

// TopFactors returns the k highest-scored factors; ties break on name
// ascending so the selection is deterministic.
func (s *Store) TopFactors(ctx context.Context, sessionID string, k int) ([]*domain.Factor, error) {
	if k <= 0 {
		k = 5
	}
	return s.queryFactors(ctx, `
SELECT id,session_id,name,description,category,importance_score,research_summary,created_at,updated_at
FROM factors WHERE session_id=? AND importance_score IS NOT NULL
ORDER BY importance_score DESC, name ASC
LIMIT ?
`, sessionID, k)
}

func (s *Store) queryFactors(ctx context.Context, query string, args ...any) ([]*domain.Factor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Factor
	for rows.Next() {
		var (
			f         domain.Factor
			category  sql.NullString
			score     sql.NullFloat64
			summary   sql.NullString
			createdAt string
			updatedAt sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Name, &f.Description, &category,
			&score, &summary, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if category.Valid {
			f.Category = category.String
		}
		if score.Valid {
			v := score.Float64
			f.ImportanceScore = &v
		}
		if summary.Valid {
			v := summary.String
			f.ResearchSummary = &v
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		f.UpdatedAt = parseTimePtr(updatedAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}
