package learn

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/opsloop/internal/types"
)

// SQLiteBackend persists the learning store in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("learn: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("learn: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("learn: wal mode: %w", err)
	}
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("learn: migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scores (
			action_type  TEXT PRIMARY KEY,
			value        REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id          TEXT PRIMARY KEY,
			action_id   TEXT NOT NULL UNIQUE,
			action_type TEXT NOT NULL,
			executed    INTEGER NOT NULL,
			success     INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			body        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_type ON outcomes(action_type, recorded_at)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Load reads every score and the full outcome history.
func (b *SQLiteBackend) Load(ctx context.Context) (map[types.ActionType]types.ConfidenceScore, []types.ActionOutcome, error) {
	scores := make(map[types.ActionType]types.ConfidenceScore)
	rows, err := b.db.QueryContext(ctx, `SELECT action_type, value, sample_count, updated_at FROM scores`)
	if err != nil {
		return nil, nil, fmt.Errorf("query scores: %w", err)
	}
	for rows.Next() {
		var sc types.ConfidenceScore
		var actionType, updated string
		if err := rows.Scan(&actionType, &sc.Value, &sc.SampleCount, &updated); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan score: %w", err)
		}
		sc.ActionType = types.ActionType(actionType)
		sc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		scores[sc.ActionType] = sc
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = b.db.QueryContext(ctx, `SELECT body FROM outcomes ORDER BY recorded_at, id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	var outcomes []types.ActionOutcome
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, nil, fmt.Errorf("scan outcome: %w", err)
		}
		var o types.ActionOutcome
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			return nil, nil, fmt.Errorf("decode outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return scores, outcomes, rows.Err()
}

// Save upserts scores and appends outcomes in one transaction. Outcomes
// already stored are ignored.
func (b *SQLiteBackend) Save(ctx context.Context, scores []types.ConfidenceScore, outcomes []types.ActionOutcome) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, sc := range scores {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scores(action_type, value, sample_count, updated_at) VALUES(?, ?, ?, ?)
			 ON CONFLICT(action_type) DO UPDATE SET value = excluded.value,
			   sample_count = excluded.sample_count, updated_at = excluded.updated_at`,
			string(sc.ActionType), sc.Value, sc.SampleCount, sc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("save score %s: %w", sc.ActionType, err)
		}
	}
	for _, o := range outcomes {
		body, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO outcomes(id, action_id, action_type, executed, success, recorded_at, body)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.ActionID, string(o.ActionType), o.Executed, o.Success,
			o.RecordedAt.UTC().Format(time.RFC3339Nano), string(body),
		); err != nil {
			return fmt.Errorf("save outcome %s: %w", o.ActionID, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error { return b.db.Close() }
