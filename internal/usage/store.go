package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dshills/lodestar/internal/logging"
)

// DefaultWindow is the default accounting window.
const DefaultWindow = 90 * 24 * time.Hour

const schema = `CREATE TABLE IF NOT EXISTS activation (
	query TEXT NOT NULL,
	extension_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	action_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS activation_timestamp ON activation (timestamp);`

// Store persists activations in SQLite and keeps the current score snapshot.
type Store struct {
	db     *sql.DB
	qb     squirrel.StatementBuilderType
	window time.Duration
	now    func() time.Time
	log    *logging.Logger

	scores atomic.Pointer[Scores]
}

// Option configures a Store.
type Option func(*Store)

// WithWindow sets the accounting window. Zero keeps every activation.
func WithWindow(d time.Duration) Option {
	return func(s *Store) {
		s.window = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open opens or creates the database at path and computes the initial
// snapshot. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		qb:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		window: DefaultWindow,
		now:    time.Now,
		log:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("usage")

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create usage database directory: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writes.
	db.SetMaxOpenConns(1)
	s.db = db

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage schema: %w", err)
	}
	if err := s.Recompute(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Scores returns the current snapshot. Safe for concurrent use.
func (s *Store) Scores() *Scores {
	return s.scores.Load()
}

// AddActivation stores a and publishes a fresh snapshot.
func (s *Store) AddActivation(ctx context.Context, a Activation) error {
	if a.Time.IsZero() {
		a.Time = s.now()
	}
	query, args, err := s.qb.Insert("activation").
		Columns("query", "extension_id", "item_id", "action_id", "timestamp").
		Values(a.Query, a.Extension, a.Item, a.Action, a.Time.Unix()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record activation: %w", err)
	}
	s.log.Debug("activation %s/%s for %q", a.Extension, a.Item, a.Query)
	return s.Recompute(ctx)
}

// Activations returns the stored activations at or after since, oldest first.
func (s *Store) Activations(ctx context.Context, since time.Time) ([]Activation, error) {
	sb := s.qb.Select("query", "extension_id", "item_id", "action_id", "timestamp").
		From("activation").
		OrderBy("timestamp", "rowid")
	if !since.IsZero() {
		sb = sb.Where(squirrel.GtOrEq{"timestamp": since.Unix()})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read activations: %w", err)
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		var a Activation
		var ts int64
		if err := rows.Scan(&a.Query, &a.Extension, &a.Item, &a.Action, &ts); err != nil {
			return nil, err
		}
		a.Time = time.Unix(ts, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountsByExtension returns how often each extension's items were activated
// since the given time.
func (s *Store) CountsByExtension(ctx context.Context, since time.Time) (map[string]int, error) {
	sb := s.qb.Select("extension_id", "COUNT(*)").From("activation").GroupBy("extension_id")
	if !since.IsZero() {
		sb = sb.Where(squirrel.GtOrEq{"timestamp": since.Unix()})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count activations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var ext string
		var n int
		if err := rows.Scan(&ext, &n); err != nil {
			return nil, err
		}
		out[ext] = n
	}
	return out, rows.Err()
}

// Recompute rebuilds the snapshot from the database and swaps it in.
func (s *Store) Recompute(ctx context.Context) error {
	now := s.now()
	var since time.Time
	if s.window > 0 {
		since = now.Add(-s.window)
	}
	acts, err := s.Activations(ctx, since)
	if err != nil {
		return err
	}
	s.scores.Store(ComputeScores(acts, now, s.window))
	return nil
}

// Run recomputes the snapshot every interval until ctx is done, so scores
// decay even without new activations.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Recompute(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("recompute failed: %v", err)
			}
		}
	}
}
