package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed SessionStore. Timestamps are stored
// as Unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the session database at dbPath.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewSQLiteStoreDB(db, ttl)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreDB wraps an already-open database and applies the schema.
func NewSQLiteStoreDB(db *sql.DB, ttl time.Duration) (*SQLiteStore, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &SQLiteStore{db: db, ttl: ttl, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetClock replaces the time source. Intended for tests.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		ttl_ns INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		name TEXT,
		tag TEXT,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements SessionStore.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) ([]Turn, error) {
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM sessions WHERE id = ?`, sessionID).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if s.now().UnixNano() >= expires {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, name, tag, timestamp
		FROM turns WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t                            Turn
			role                         string
			toolCalls, callID, name, tag sql.NullString
			ts                           int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &toolCalls, &callID, &name, &tag, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.ToolCallID = callID.String
		t.Name = name.String
		t.Tag = tag.String
		t.Timestamp = time.Unix(0, ts)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for turn %s: %w", t.ID, err)
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Append implements SessionStore.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := s.touch(ctx, tx, sessionID); err != nil {
		return err
	}
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	if err := insertTurn(ctx, tx, sessionID, next, turn); err != nil {
		return err
	}
	return tx.Commit()
}

// Replace implements SessionStore.
func (s *SQLiteStore) Replace(ctx context.Context, sessionID string, turns []Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := s.touch(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	for i, t := range turns {
		if err := insertTurn(ctx, tx, sessionID, int64(i+1), t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// touch creates the session if needed, discards it first if it has
// expired, and pushes its expiry forward by its ttl.
func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, sessionID string) error {
	now := s.now().UnixNano()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id IN (SELECT id FROM sessions WHERE id = ? AND expires_at <= ?)`,
		sessionID, now); err != nil {
		return fmt.Errorf("drop expired turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND expires_at <= ?`, sessionID, now); err != nil {
		return fmt.Errorf("drop expired session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at, ttl_ns, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
			expires_at = excluded.updated_at + sessions.ttl_ns
	`, sessionID, now, now, int64(s.ttl), now+int64(s.ttl)); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, sessionID string, seq int64, t Turn) error {
	var toolCalls sql.NullString
	if len(t.ToolCalls) > 0 {
		raw, err := json.Marshal(t.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, id, role, content, tool_calls, tool_call_id, name, tag, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, seq, t.ID, string(t.Role), t.Content, toolCalls,
		nullString(t.ToolCallID), nullString(t.Name), nullString(t.Tag), t.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Clear implements SessionStore.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// SetExpiry implements SessionStore.
func (s *SQLiteStore) SetExpiry(ctx context.Context, sessionID string, ttl time.Duration) error {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ttl_ns = ?, expires_at = ? WHERE id = ? AND expires_at > ?
	`, int64(ttl), now+int64(ttl), sessionID, now)
	if err != nil {
		return fmt.Errorf("set expiry: %w", err)
	}
	return nil
}

// Stats implements SessionStore.
func (s *SQLiteStore) Stats(ctx context.Context, sessionID string) (SessionStats, error) {
	turns, err := s.Get(ctx, sessionID)
	if err != nil {
		return SessionStats{}, err
	}
	st := statsFor(sessionID, turns)
	if len(turns) > 0 {
		var expires int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT expires_at FROM sessions WHERE id = ?`, sessionID).Scan(&expires); err == nil {
			st.ExpiresAt = time.Unix(0, expires)
		}
	}
	return st, nil
}

// PurgeExpired deletes every expired session and returns how many
// were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM turns WHERE session_id IN (SELECT id FROM sessions WHERE expires_at <= ?)`, now); err != nil {
		return 0, fmt.Errorf("purge turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
