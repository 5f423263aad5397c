package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wtw-bot/pkg/wtw"

	_ "modernc.org/sqlite"
)

// SQL is the relational status store backed by sqlite.
type SQL struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQL opens (or creates) the sqlite database at path and applies pending migrations.
func OpenSQL(path string, logger *slog.Logger) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serialises writers anyway; one connection keeps busy errors out of the loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("SQL store opened", "path", path, "schema_version", len(migrations))
	return &SQL{db: db, logger: logger, now: time.Now}, nil
}

// SetClock replaces the clock used to stamp transitions and compute ages.
func (s *SQL) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// migrations is an ordered list of schema changes, each applied exactly once.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	last_checked INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_status_checked ON posts(status, last_checked);

CREATE TABLE IF NOT EXISTS subscribers (
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	UNIQUE(id, name)
);

CREATE TABLE IF NOT EXISTS users (
	name TEXT PRIMARY KEY,
	points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0)
);
`,
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Get returns the stored status of a post. found is false when no record exists.
func (s *SQL) Get(ctx context.Context, postID string) (wtw.Status, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM posts WHERE id = ?`, postID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get post %s: %w", postID, err)
	}
	st, err := wtw.ParseStatus(raw)
	if err != nil {
		return 0, false, fmt.Errorf("get post %s: %w", postID, err)
	}
	return st, true, nil
}

// Put writes status for a post, stamping the current time. An existing record is replaced.
func (s *SQL) Put(ctx context.Context, postID string, st wtw.Status) error {
	if !st.Valid() {
		return &wtw.ValidationError{Field: "status", Value: fmt.Sprint(uint8(st))}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO posts (id, status, last_checked) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, last_checked = excluded.last_checked
`, postID, st.String(), s.now().Unix())
	if err != nil {
		return fmt.Errorf("put post %s: %w", postID, err)
	}
	return nil
}

// DeletePost removes a post record and its subscribers. Deleting an absent post is not an error.
func (s *SQL) DeletePost(ctx context.Context, postID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, postID); err != nil {
		return fmt.Errorf("delete post %s: %w", postID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, postID); err != nil {
		return fmt.Errorf("delete subscribers of %s: %w", postID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// ListOlderThan returns the ids of posts in status whose last transition is at least threshold ago.
func (s *SQL) ListOlderThan(ctx context.Context, st wtw.Status, threshold time.Duration) ([]string, error) {
	if !st.Valid() {
		return nil, &wtw.ValidationError{Field: "status", Value: fmt.Sprint(uint8(st))}
	}
	cutoff := s.now().Add(-threshold).Unix()
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM posts WHERE status = ? AND last_checked <= ? ORDER BY last_checked, id
`, st.String(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list %s posts: %w", st, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan post id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s posts: %w", st, err)
	}
	return ids, nil
}

// CountByStatus returns the number of posts per status. Statuses without posts are omitted.
func (s *SQL) CountByStatus(ctx context.Context) (map[wtw.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count posts: %w", err)
	}
	defer rows.Close()

	counts := make(map[wtw.Status]int)
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		st, err := wtw.ParseStatus(raw)
		if err != nil {
			s.logger.Warn("Skipping unrecognised stored status", "status", raw, "count", n)
			continue
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// AddSubscriber records name as a subscriber of postID. Adding twice is a no-op.
func (s *SQL) AddSubscriber(ctx context.Context, postID, name string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO subscribers (id, name) VALUES (?, ?)`, postID, name); err != nil {
		return fmt.Errorf("add subscriber %s to %s: %w", name, postID, err)
	}
	return nil
}

// IsSubscribed reports whether name is subscribed to postID.
func (s *SQL) IsSubscribed(ctx context.Context, postID, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM subscribers WHERE id = ? AND name = ?`, postID, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check subscriber %s on %s: %w", name, postID, err)
	}
	return true, nil
}

// ListSubscribers returns the subscribers of postID in insertion order; never nil.
func (s *SQL) ListSubscribers(ctx context.Context, postID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM subscribers WHERE id = ? ORDER BY rowid`, postID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers of %s: %w", postID, err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ClearSubscribers removes every subscriber of postID.
func (s *SQL) ClearSubscribers(ctx context.Context, postID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, postID); err != nil {
		return fmt.Errorf("clear subscribers of %s: %w", postID, err)
	}
	return nil
}

// GetPoints returns the points of a user; absent users have zero.
func (s *SQL) GetPoints(ctx context.Context, name string) (int, error) {
	var points int
	err := s.db.QueryRowContext(ctx, `SELECT points FROM users WHERE name = ?`, name).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get points of %s: %w", name, err)
	}
	return points, nil
}

// AddPoints adds delta (which may be negative) to a user's points in one statement and returns
// the new total. The total never drops below zero.
func (s *SQL) AddPoints(ctx context.Context, name string, delta int) (int, error) {
	var points int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO users (name, points) VALUES (?1, MAX(?2, 0))
ON CONFLICT(name) DO UPDATE SET points = MAX(points + ?2, 0)
RETURNING points
`, name, delta).Scan(&points)
	if err != nil {
		return 0, fmt.Errorf("add %d points to %s: %w", delta, name, err)
	}
	return points, nil
}

// SetPoints overwrites a user's points.
func (s *SQL) SetPoints(ctx context.Context, name string, points int) error {
	if points < 0 {
		return &wtw.ValidationError{Field: "points", Value: fmt.Sprint(points)}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (name, points) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET points = excluded.points
`, name, points)
	if err != nil {
		return fmt.Errorf("set points of %s: %w", name, err)
	}
	return nil
}
