package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/betbot/foresight/internal/domain"
)

// InsertAgentLog writes the launch-time (running) row for a worker.
func (s *Store) InsertAgentLog(ctx context.Context, l *domain.AgentLog) error {
	var output any
	if len(l.OutputData) > 0 {
		output = string(l.OutputData)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_logs (id,session_id,agent_name,phase,status,output_data,error_message,tokens_used,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, l.ID, l.SessionID, l.AgentName, l.Phase, l.Status, output, nullStr(l.ErrorMessage),
		l.TokensUsed, l.CreatedAt.Format(time.RFC3339Nano), nullTime(l.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert agent log: %w", err)
	}
	s.publish("agent_logs", l.SessionID, l)
	return nil
}

// CompleteAgentLog moves a worker's log row to its terminal state.
func (s *Store) CompleteAgentLog(ctx context.Context, l *domain.AgentLog) error {
	var output any
	if len(l.OutputData) > 0 {
		output = string(l.OutputData)
	}
	now := time.Now().UTC()
	l.CompletedAt = &now
	res, err := s.db.ExecContext(ctx, `
UPDATE agent_logs SET status=?, output_data=?, error_message=?, tokens_used=?, completed_at=?
WHERE id=?
`, l.Status, output, nullStr(l.ErrorMessage), l.TokensUsed, now.Format(time.RFC3339Nano), l.ID)
	if err != nil {
		return fmt.Errorf("complete agent log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publish("agent_logs", l.SessionID, l)
	return nil
}

// ListAgentLogs returns a session's worker log rows in launch order.
func (s *Store) ListAgentLogs(ctx context.Context, sessionID string) ([]*domain.AgentLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,session_id,agent_name,phase,status,output_data,error_message,tokens_used,created_at,completed_at
FROM agent_logs WHERE session_id=? ORDER BY created_at, agent_name
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AgentLog
	for rows.Next() {
		var (
			l           domain.AgentLog
			output      sql.NullString
			errMsg      sql.NullString
			createdAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.SessionID, &l.AgentName, &l.Phase, &l.Status,
			&output, &errMsg, &l.TokensUsed, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		if output.Valid {
			l.OutputData = []byte(output.String)
		}
		if errMsg.Valid {
			l.ErrorMessage = errMsg.String
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		l.CompletedAt = parseTimePtr(completedAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// SessionTokenTotal sums tokens_used over all of a session's worker rows.
func (s *Store) SessionTokenTotal(ctx context.Context, sessionID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(tokens_used),0) FROM agent_logs WHERE session_id=?`, sessionID)
	var total int
	if err := row.Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}
