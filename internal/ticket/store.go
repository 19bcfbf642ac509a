package ticket

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema is additive-only: replay compatibility depends on existing columns
// keeping their meaning.
const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	created_ts REAL NOT NULL,
	aggr_level INTEGER NOT NULL,
	readiness TEXT NOT NULL,
	score REAL NOT NULL,
	p_up REAL NOT NULL,
	regime TEXT NOT NULL,
	rv_pr REAL NOT NULL,
	gates_json TEXT NOT NULL,
	plan_json TEXT NOT NULL,
	actions_json TEXT NOT NULL,
	trace_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_symbol_ts ON tickets(symbol, created_ts);

CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	updated_ts REAL NOT NULL,
	payload TEXT NOT NULL
);
`

// Store is the durable audit log of every decision cycle, backed by SQLite.
// KPI and notification consumers read the same table; the pipeline is the
// only writer.
type Store struct {
	db *sql.DB
}

// Open creates or opens the ticket database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ticket store: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert writes the current state of a ticket. Tickets are updated in place
// through their lifecycle and become immutable once CLOSED or REJECTED.
func (s *Store) Upsert(t *Ticket) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tickets
		(id, symbol, created_ts, aggr_level, readiness, score, p_up, regime, rv_pr,
		 gates_json, plan_json, actions_json, trace_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.CreatedTS, t.AggrLevel, string(t.Readiness),
		t.Score, t.PUp, t.Regime, t.RVPr,
		t.GatesJSON(), t.PlanJSON(), t.ActionsJSON(), t.TraceJSON(),
	)
	return err
}

// Get loads one ticket by id.
func (s *Store) Get(id string) (*Ticket, error) {
	row := s.db.QueryRow(`
		SELECT id, symbol, created_ts, aggr_level, readiness, score, p_up, regime, rv_pr,
		       gates_json, plan_json, actions_json, trace_json
		FROM tickets WHERE id = ?`, id)
	return scanTicket(row)
}

// ListBySymbol returns tickets for a symbol, oldest first, up to limit.
func (s *Store) ListBySymbol(symbol string, limit int) ([]*Ticket, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, created_ts, aggr_level, readiness, score, p_up, regime, rv_pr,
		       gates_json, plan_json, actions_json, trace_json
		FROM tickets WHERE symbol = ? ORDER BY created_ts ASC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAll returns every ticket oldest first.
func (s *Store) ListAll() ([]*Ticket, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, created_ts, aggr_level, readiness, score, p_up, regime, rv_pr,
		       gates_json, plan_json, actions_json, trace_json
		FROM tickets ORDER BY created_ts ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(sc scanner) (*Ticket, error) {
	var t Ticket
	var readiness, gates, plan, actions, trace string
	err := sc.Scan(&t.ID, &t.Symbol, &t.CreatedTS, &t.AggrLevel, &readiness,
		&t.Score, &t.PUp, &t.Regime, &t.RVPr, &gates, &plan, &actions, &trace)
	if err != nil {
		return nil, err
	}
	t.Readiness = Readiness(readiness)
	if err := json.Unmarshal([]byte(gates), &t.Gates); err != nil {
		return nil, fmt.Errorf("ticket %s gates_json: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(plan), &t.Plan); err != nil {
		return nil, fmt.Errorf("ticket %s plan_json: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &t.Actions); err != nil {
		return nil, fmt.Errorf("ticket %s actions_json: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(trace), &t.Trace); err != nil {
		return nil, fmt.Errorf("ticket %s trace_json: %w", t.ID, err)
	}
	return &t, nil
}

// SaveCheckpoint persists an opaque named payload (e.g. risk counters).
func (s *Store) SaveCheckpoint(name string, ts float64, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO checkpoints (name, updated_ts, payload)
		VALUES (?, ?, ?)`, name, ts, string(b))
	return err
}

// LoadCheckpoint reads a named payload into out. Missing checkpoints return
// sql.ErrNoRows.
func (s *Store) LoadCheckpoint(name string, out any) error {
	var payload string
	row := s.db.QueryRow(`SELECT payload FROM checkpoints WHERE name = ?`, name)
	if err := row.Scan(&payload); err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}

func (s *Store) Close() error {
	return s.db.Close()
}
