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

const sessionCols = `id,question_text,question_type,status,current_phase,error_message,total_tokens,phase_durations,trading_interval_seconds,created_at,started_at,completed_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	var durations any
	if len(sess.PhaseDurations) > 0 {
		b, err := json.Marshal(sess.PhaseDurations)
		if err != nil {
			return fmt.Errorf("marshal phase durations: %w", err)
		}
		durations = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, sess.ID, sess.QuestionText, sess.QuestionType, sess.Status, sess.CurrentPhase,
		nullStr(sess.ErrorMessage), sess.TotalTokens, durations, sess.TradingIntervalSeconds,
		sess.CreatedAt.Format(time.RFC3339Nano), nullTime(sess.StartedAt), nullTime(sess.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	s.publish("sessions", sess.ID, sess)
	return nil
}

// GetSession loads one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=?`, id)
	return scanSession(row)
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListForecasts pages sessions newest first, optionally filtered by a
// question-text substring, and reports the total matching count.
func (s *Store) ListForecasts(ctx context.Context, questionText string, limit, offset int) ([]*domain.Session, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := ""
	args := []any{}
	if questionText != "" {
		where = ` WHERE question_text LIKE ?`
		args = append(args, "%"+questionText+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

// FindActiveSessionByQuestion returns the most recent non-terminal session
// with the same question text created within the dedup window, or nil.
func (s *Store) FindActiveSessionByQuestion(ctx context.Context, question string, window time.Duration) (*domain.Session, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionCols+` FROM sessions
WHERE question_text=? AND status IN ('created','running') AND created_at >= ?
ORDER BY created_at DESC LIMIT 1
`, question, cutoff)
	sess, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// UpdateSessionStatus moves a session to status, recording an error message
// and stamping completed_at on terminal states.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var res sql.Result
	var err error
	switch status {
	case domain.SessionStatusCompleted, domain.SessionStatusFailed, domain.SessionStatusCancelled:
		res, err = s.db.ExecContext(ctx, `
UPDATE sessions SET status=?, error_message=?, completed_at=? WHERE id=?
`, status, nullStr(errMsg), now, id)
	case domain.SessionStatusRunning:
		res, err = s.db.ExecContext(ctx, `
UPDATE sessions SET status=?, error_message=?, started_at=COALESCE(started_at, ?) WHERE id=?
`, status, nullStr(errMsg), now, id)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE sessions SET status=?, error_message=? WHERE id=?`, status, nullStr(errMsg), id)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish("sessions", id, map[string]any{"id": id, "status": status, "error_message": errMsg})
	return nil
}

// UpdateSessionPhase records the phase the pipeline is currently in.
func (s *Store) UpdateSessionPhase(ctx context.Context, id string, phase domain.Phase) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET current_phase=? WHERE id=?`, phase, id)
	if err != nil {
		return fmt.Errorf("update session phase: %w", err)
	}
	s.publish("sessions", id, map[string]any{"id": id, "current_phase": phase})
	return nil
}

// FinishSessionRun writes the pipeline rollups: token total and per-phase
// wall-clock durations in seconds.
func (s *Store) FinishSessionRun(ctx context.Context, id string, totalTokens int, phaseDurations map[string]float64) error {
	b, err := json.Marshal(phaseDurations)
	if err != nil {
		return fmt.Errorf("marshal phase durations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE sessions SET total_tokens=?, phase_durations=? WHERE id=?
`, totalTokens, string(b), id)
	if err != nil {
		return fmt.Errorf("finish session run: %w", err)
	}
	return nil
}

// DeleteSession removes the session; child rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish("sessions", id, map[string]any{"id": id, "deleted": true})
	return nil
}

// SessionStatus reads just the status column, for cancellation polling.
func (s *Store) SessionStatus(ctx context.Context, id string) (domain.SessionStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id=?`, id)
	var st string
	if err := row.Scan(&st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return domain.SessionStatus(st), nil
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	sess, err := scanSessionFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func scanSessionRows(rows *sql.Rows) (*domain.Session, error) {
	return scanSessionFrom(rows)
}

func scanSessionFrom(sc sessionScanner) (*domain.Session, error) {
	var (
		sess        domain.Session
		errMsg      sql.NullString
		durations   sql.NullString
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	if err := sc.Scan(&sess.ID, &sess.QuestionText, &sess.QuestionType, &sess.Status,
		&sess.CurrentPhase, &errMsg, &sess.TotalTokens, &durations,
		&sess.TradingIntervalSeconds, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		sess.ErrorMessage = errMsg.String
	}
	if durations.Valid && durations.String != "" {
		_ = json.Unmarshal([]byte(durations.String), &sess.PhaseDurations)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.StartedAt = parseTimePtr(startedAt)
	sess.CompletedAt = parseTimePtr(completedAt)
	return &sess, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
