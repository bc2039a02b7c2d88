package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Precomputed aggregates and the views the SQL adapter can read from them.
const (
	TargetDailyAgg = "daily_agg"
	TargetPostAgg  = "post_agg"

	ViewDailyAgg    = "daily_agg"
	ViewTopPosts    = "top_posts"
	ViewTopAccounts = "top_accounts"
)

// Dialect selects the SQL flavour spoken by a SQLSource.
type Dialect int

const (
	// SQLite uses modernc.org/sqlite. Rebuilds recompute the aggregate tables.
	SQLite Dialect = iota
	// Postgres uses github.com/lib/pq. Rebuilds call a SQL function.
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// undefinedFunction is the SQLSTATE PostgreSQL reports for a missing function.
const undefinedFunction = "42883"

// computedAtLayout keeps computed_at lexically sortable in SQLite.
const computedAtLayout = "2006-01-02T15:04:05.000000000Z"

// Compile-time interface checks.
var (
	_ AggregateReader = (*SQLSource)(nil)
	_ RawSource       = (*SQLSource)(nil)
	_ Rebuilder       = (*SQLSource)(nil)
)

// SQLSource serves precomputed slices, raw records and rebuilds from a SQL
// database. Raw posts live in the posts table; daily_agg and post_agg hold
// the precomputed aggregates.
type SQLSource struct {
	db          *sql.DB
	dialect     Dialect
	rebuildFunc string
	now         func() time.Time
}

// SQLOption configures a SQLSource.
type SQLOption func(*SQLSource)

// WithRebuildFunction sets the PostgreSQL function invoked as
// SELECT fn(target) to rebuild an aggregate. An empty name disables rebuilds.
func WithRebuildFunction(name string) SQLOption {
	return func(s *SQLSource) {
		s.rebuildFunc = name
	}
}

// WithSQLClock sets the clock used to stamp rebuilt rows.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLSource) {
		s.now = now
	}
}

// NewSQLSource wraps an open database handle.
func NewSQLSource(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQLSource {
	s := &SQLSource{
		db:          db,
		dialect:     dialect,
		rebuildFunc: "refresh_aggregate",
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewSQLiteSource opens (or creates) a SQLite database at the given path and
// initialises the schema. Use ":memory:" for an in-memory database.
func NewSQLiteSource(dsn string, opts ...SQLOption) (*SQLSource, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("aggcache/source: open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("aggcache/source: create schema: %w", err)
	}

	return NewSQLSource(db, SQLite, opts...), nil
}

// NewPostgresSource connects to PostgreSQL. The schema (posts table and the
// aggregate relations) is managed outside this package.
func NewPostgresSource(ctx context.Context, dsn string, opts ...SQLOption) (*SQLSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("aggcache/source: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("aggcache/source: ping postgres: %w", err)
	}
	return NewSQLSource(db, Postgres, opts...), nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS posts (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	platform   TEXT NOT NULL,
	day        TEXT NOT NULL,
	views      INTEGER NOT NULL DEFAULT 0,
	likes      INTEGER NOT NULL DEFAULT 0,
	comments   INTEGER NOT NULL DEFAULT 0,
	shares     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS posts_client_day ON posts (client_id, day);

CREATE TABLE IF NOT EXISTS daily_agg (
	client_id   TEXT NOT NULL,
	platform    TEXT NOT NULL,
	day         TEXT NOT NULL,
	views       INTEGER NOT NULL,
	posts       INTEGER NOT NULL,
	engagement  INTEGER NOT NULL,
	computed_at TEXT NOT NULL,
	PRIMARY KEY (client_id, platform, day)
);

CREATE TABLE IF NOT EXISTS post_agg (
	post_id     TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	platform    TEXT NOT NULL,
	day         TEXT NOT NULL,
	views       INTEGER NOT NULL,
	engagement  INTEGER NOT NULL,
	computed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS post_agg_client_day ON post_agg (client_id, day);
`

// ReadSlice returns the precomputed rows for q, ordered the way the view
// ranks them.
func (s *SQLSource) ReadSlice(ctx context.Context, q SliceQuery) (Slice, error) {
	var (
		query string
		args  = []any{q.ClientID, platformArg(q.Platform), platformArg(q.Platform), q.Range.StartDay(), q.Range.EndDay()}
	)

	switch q.View {
	case ViewDailyAgg:
		query = `SELECT day, SUM(views), SUM(posts), SUM(engagement), MAX(computed_at)
			FROM daily_agg
			WHERE client_id = ? AND (? = 'all' OR platform = ?) AND day >= ? AND day <= ?
			GROUP BY day
			ORDER BY day ASC`
	case ViewTopPosts:
		query = `SELECT post_id, views, 1, engagement, computed_at
			FROM post_agg
			WHERE client_id = ? AND (? = 'all' OR platform = ?) AND day >= ? AND day <= ?
			ORDER BY views DESC, post_id ASC`
	case ViewTopAccounts:
		query = `SELECT account_id, SUM(views), COUNT(*), SUM(engagement), MAX(computed_at)
			FROM post_agg
			WHERE client_id = ? AND (? = 'all' OR platform = ?) AND day >= ? AND day <= ?
			GROUP BY account_id
			ORDER BY SUM(views) DESC, account_id ASC`
	default:
		return Slice{}, fmt.Errorf("aggcache/source: no precomputed aggregate for view %q", q.View)
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return Slice{}, fmt.Errorf("aggcache/source: read slice %s: %w", q.View, err)
	}
	defer rows.Close()

	out := Slice{
		ClientID: q.ClientID,
		Platform: q.Platform,
		Period:   q.Period,
		Rows:     []Row{},
	}
	for rows.Next() {
		var (
			r          Row
			computedAt sql.NullString
		)
		if err := rows.Scan(&r.Key, &r.Views, &r.Posts, &r.Engagement, &computedAt); err != nil {
			return Slice{}, fmt.Errorf("aggcache/source: scan slice row: %w", err)
		}
		if t, ok := parseComputedAt(computedAt); ok && t.After(out.ComputedAt) {
			out.ComputedAt = t
		}
		out.Rows = append(out.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return Slice{}, fmt.Errorf("aggcache/source: read slice %s: %w", q.View, err)
	}

	return out, nil
}

// RowExistsForCurrentPeriod reports whether the aggregate behind q already
// holds a row for the last day of q's range.
func (s *SQLSource) RowExistsForCurrentPeriod(ctx context.Context, q SliceQuery) (bool, error) {
	var table string
	switch q.View {
	case ViewDailyAgg:
		table = "daily_agg"
	case ViewTopPosts, ViewTopAccounts:
		table = "post_agg"
	default:
		return false, fmt.Errorf("aggcache/source: no precomputed aggregate for view %q", q.View)
	}

	query := `SELECT COUNT(*) FROM ` + table + `
		WHERE client_id = ? AND (? = 'all' OR platform = ?) AND day = ?`

	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(query),
		q.ClientID, platformArg(q.Platform), platformArg(q.Platform), q.Range.EndDay(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("aggcache/source: probe current period: %w", err)
	}
	return n > 0, nil
}

// QueryRaw returns raw posts matching q.
func (s *SQLSource) QueryRaw(ctx context.Context, q RawQuery) ([]Record, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, client_id, account_id, platform, day, views, likes, comments, shares
		FROM posts
		WHERE client_id = ? AND (? = 'all' OR platform = ?) AND day >= ? AND day <= ?`)
	args := []any{q.ClientID, platformArg(q.Platform), platformArg(q.Platform), q.Range.StartDay(), q.Range.EndDay()}

	if len(q.Accounts) > 0 {
		b.WriteString(` AND account_id IN (?`)
		b.WriteString(strings.Repeat(`, ?`, len(q.Accounts)-1))
		b.WriteString(`)`)
		for _, a := range q.Accounts {
			args = append(args, a)
		}
	}

	switch q.OrderBy {
	case OrderViewsDesc:
		b.WriteString(` ORDER BY views DESC, id ASC`)
	default:
		b.WriteString(` ORDER BY day ASC, id ASC`)
	}
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("aggcache/source: query raw: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ClientID, &r.AccountID, &r.Platform, &r.Day,
			&r.Views, &r.Likes, &r.Comments, &r.Shares); err != nil {
			return nil, fmt.Errorf("aggcache/source: scan raw row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggcache/source: query raw: %w", err)
	}
	return out, nil
}

// PutRecords inserts or replaces raw posts.
func (s *SQLSource) PutRecords(ctx context.Context, records ...Record) error {
	query := `INSERT INTO posts (id, client_id, account_id, platform, day, views, likes, comments, shares)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			client_id = excluded.client_id,
			account_id = excluded.account_id,
			platform = excluded.platform,
			day = excluded.day,
			views = excluded.views,
			likes = excluded.likes,
			comments = excluded.comments,
			shares = excluded.shares`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggcache/source: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(query))
	if err != nil {
		return fmt.Errorf("aggcache/source: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.ClientID, r.AccountID, r.Platform, r.Day,
			r.Views, r.Likes, r.Comments, r.Shares); err != nil {
			return fmt.Errorf("aggcache/source: insert post %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Rebuild recomputes one precomputed aggregate. SQLite rebuilds the table
// from posts in a single transaction; PostgreSQL delegates to the configured
// rebuild function and reports ErrRebuildUnsupported when it does not exist.
func (s *SQLSource) Rebuild(ctx context.Context, target string) error {
	if s.dialect == Postgres {
		return s.rebuildPostgres(ctx, target)
	}

	var stmts []string
	switch target {
	case TargetDailyAgg:
		stmts = []string{
			`DELETE FROM daily_agg`,
			`INSERT INTO daily_agg (client_id, platform, day, views, posts, engagement, computed_at)
				SELECT client_id, platform, day, SUM(views), COUNT(*), SUM(likes + comments + shares), ?
				FROM posts
				GROUP BY client_id, platform, day`,
		}
	case TargetPostAgg:
		stmts = []string{
			`DELETE FROM post_agg`,
			`INSERT INTO post_agg (post_id, client_id, account_id, platform, day, views, engagement, computed_at)
				SELECT id, client_id, account_id, platform, day, views, likes + comments + shares, ?
				FROM posts`,
		}
	default:
		return fmt.Errorf("aggcache/source: unknown rebuild target %q", target)
	}

	stamp := s.now().UTC().Format(computedAtLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggcache/source: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmts[0]); err != nil {
		return fmt.Errorf("aggcache/source: rebuild %s: %w", target, err)
	}
	if _, err := tx.ExecContext(ctx, stmts[1], stamp); err != nil {
		return fmt.Errorf("aggcache/source: rebuild %s: %w", target, err)
	}
	return tx.Commit()
}

func (s *SQLSource) rebuildPostgres(ctx context.Context, target string) error {
	if s.rebuildFunc == "" {
		return ErrRebuildUnsupported
	}

	_, err := s.db.ExecContext(ctx, `SELECT `+pq.QuoteIdentifier(s.rebuildFunc)+`($1)`, target)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedFunction {
		return fmt.Errorf("%w: %s", ErrRebuildUnsupported, pqErr.Message)
	}
	return fmt.Errorf("aggcache/source: rebuild %s: %w", target, err)
}

// Close closes the underlying database connection.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLSource) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func platformArg(p string) string {
	if p == "" {
		return "all"
	}
	return p
}

func parseComputedAt(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
