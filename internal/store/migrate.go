package store

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  question_text TEXT NOT NULL,
  question_type TEXT NOT NULL DEFAULT 'binary',
  status TEXT NOT NULL DEFAULT 'created',
  current_phase TEXT NOT NULL DEFAULT 'created',
  error_message TEXT,
  total_tokens INTEGER NOT NULL DEFAULT 0,
  phase_durations TEXT,
  trading_interval_seconds INTEGER NOT NULL DEFAULT 30,
  created_at TEXT NOT NULL,
  started_at TEXT,
  completed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`
CREATE TABLE IF NOT EXISTS agent_logs (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  agent_name TEXT NOT NULL,
  phase TEXT NOT NULL,
  status TEXT NOT NULL,
  output_data TEXT,
  error_message TEXT,
  tokens_used INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_session ON agent_logs(session_id, created_at);`,
		`
CREATE TABLE IF NOT EXISTS factors (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  normalized_name TEXT NOT NULL,
  description TEXT NOT NULL,
  category TEXT,
  importance_score REAL,
  research_summary TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT,
  UNIQUE (session_id, normalized_name)
);`,
		`
CREATE TABLE IF NOT EXISTS forecaster_responses (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  forecaster_class TEXT NOT NULL,
  prediction_probability REAL,
  confidence REAL,
  reasoning TEXT,
  key_factors TEXT,
  status TEXT NOT NULL,
  tokens_used INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  completed_at TEXT,
  UNIQUE (session_id, forecaster_class)
);`,
		`
CREATE TABLE IF NOT EXISTS orderbook_live (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  trader_name TEXT NOT NULL,
  side TEXT NOT NULL,
  price INTEGER NOT NULL,
  quantity INTEGER NOT NULL,
  filled_quantity INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'open',
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orderbook_live_active ON orderbook_live(session_id, status, side, price);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  buy_order_id TEXT NOT NULL,
  sell_order_id TEXT NOT NULL,
  buyer_name TEXT NOT NULL,
  seller_name TEXT NOT NULL,
  price INTEGER NOT NULL,
  quantity INTEGER NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_session_time ON trades(session_id, created_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS trader_state_live (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  trader_name TEXT NOT NULL,
  cash TEXT NOT NULL,
  position INTEGER NOT NULL DEFAULT 0,
  realized_pnl TEXT NOT NULL DEFAULT '0',
  system_prompt TEXT,
  updated_at TEXT NOT NULL,
  UNIQUE (session_id, trader_name)
);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}
