// Package sqlx is the SQL implementation of engine.Storage for PostgreSQL,
// MySQL and SQLite.
package sqlx

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	libsqlx "github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/leaderboard"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// Driver names a supported database.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

func init() {
	libsqlx.BindDriver(string(DriverSQLite), libsqlx.QUESTION)
}

// Config configures the SQL store.
type Config struct {
	Driver          Driver        `json:"driver" mapstructure:"driver"`
	DSN             string        `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate" mapstructure:"auto_migrate"`
}

// DefaultConfig returns pool settings suited to driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
	if driver == DriverSQLite {
		cfg.DSN = "data/engagekit"
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Store implements engine.Storage over database/sql.
type Store struct {
	db     *libsqlx.DB
	driver Driver
}

// New opens the database described by cfg and applies migrations when
// AutoMigrate is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite:
		dsn = SQLiteDSN(dsn)
	case DriverMySQL:
		dsn = mysqlDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := libsqlx.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	s := NewWithDB(db, cfg.Driver)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing connection.
func NewWithDB(db *libsqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

// SQLiteDSN turns a file path (without extension) into a DSN with the pragmas
// the store relies on. Values that already look like DSNs pass through.
func SQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path
	}
	values := url.Values{}
	values.Set("_time_format", "sqlite")
	values.Add("_pragma", "foreign_keys(ON)")
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	return fmt.Sprintf("file:%s.sqlite?%s", path, values.Encode())
}

func mysqlDSN(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

func gooseDialect(d Driver) string {
	if d == DriverSQLite {
		return "sqlite"
	}
	return string(d)
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect(s.driver)); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn inside a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

const postColumns = `id, external_id, url, author, owner_user_id, content,
	current_likes, current_reposts, current_replies, current_source, current_captured_at,
	verified_likes, verified_reposts, verified_replies, verified_source, verified_captured_at,
	total_points_awarded, last_reconciled_at, reconciliation_count, version, created_at`

type postRow struct {
	ID                  string       `db:"id"`
	ExternalID          string       `db:"external_id"`
	URL                 string       `db:"url"`
	Author              string       `db:"author"`
	OwnerUserID         string       `db:"owner_user_id"`
	Content             string       `db:"content"`
	CurrentLikes        int64        `db:"current_likes"`
	CurrentReposts      int64        `db:"current_reposts"`
	CurrentReplies      int64        `db:"current_replies"`
	CurrentSource       string       `db:"current_source"`
	CurrentCapturedAt   sql.NullTime `db:"current_captured_at"`
	VerifiedLikes       int64        `db:"verified_likes"`
	VerifiedReposts     int64        `db:"verified_reposts"`
	VerifiedReplies     int64        `db:"verified_replies"`
	VerifiedSource      string       `db:"verified_source"`
	VerifiedCapturedAt  sql.NullTime `db:"verified_captured_at"`
	TotalPointsAwarded  int64        `db:"total_points_awarded"`
	LastReconciledAt    sql.NullTime `db:"last_reconciled_at"`
	ReconciliationCount int64        `db:"reconciliation_count"`
	Version             int64        `db:"version"`
	CreatedAt           time.Time    `db:"created_at"`
}

func (r postRow) toPost() core.TrackedPost {
	p := core.TrackedPost{
		ID:          core.PostID(r.ID),
		ExternalID:  r.ExternalID,
		URL:         r.URL,
		Author:      r.Author,
		OwnerUserID: core.UserID(r.OwnerUserID),
		Content:     r.Content,
		CurrentEngagement: core.EngagementSnapshot{
			SourceID: r.ExternalID, Likes: r.CurrentLikes, Reposts: r.CurrentReposts, Replies: r.CurrentReplies,
			Source: core.Source(r.CurrentSource), CapturedAt: r.CurrentCapturedAt.Time.UTC(),
		},
		TotalPointsAwarded:  r.TotalPointsAwarded,
		ReconciliationCount: r.ReconciliationCount,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt.UTC(),
	}
	if !r.CurrentCapturedAt.Valid {
		p.CurrentEngagement.CapturedAt = time.Time{}
	}
	if r.VerifiedCapturedAt.Valid {
		p.VerifiedEngagement = core.EngagementSnapshot{
			SourceID: r.ExternalID, Likes: r.VerifiedLikes, Reposts: r.VerifiedReposts, Replies: r.VerifiedReplies,
			Source: core.Source(r.VerifiedSource), CapturedAt: r.VerifiedCapturedAt.Time.UTC(),
		}
	}
	if r.LastReconciledAt.Valid {
		t := r.LastReconciledAt.Time.UTC()
		p.LastReconciledAt = &t
	}
	return p
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func getPost(ctx context.Context, q queryer, where string, arg any) (core.TrackedPost, error) {
	var row postRow
	err := q.GetContext(ctx, &row, q.Rebind(`SELECT `+postColumns+` FROM tracked_posts WHERE `+where+` = ?`), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return core.TrackedPost{}, core.ErrTrackedPostNotFound
	}
	if err != nil {
		return core.TrackedPost{}, err
	}
	return row.toPost(), nil
}

func (s *Store) GetTrackedPost(ctx context.Context, id core.PostID) (core.TrackedPost, error) {
	return getPost(ctx, s.db, "id", string(id))
}

func (s *Store) FindPostByExternalID(ctx context.Context, externalID string) (core.TrackedPost, error) {
	return getPost(ctx, s.db, "external_id", externalID)
}

func (s *Store) ListStalePosts(ctx context.Context, q engine.StaleQuery) ([]core.TrackedPost, error) {
	estimatedBefore := q.EstimatedStaleBefore
	if estimatedBefore.IsZero() {
		estimatedBefore = q.StaleBefore
	}
	query := `SELECT ` + postColumns + ` FROM tracked_posts
		WHERE last_reconciled_at IS NULL
		   OR last_reconciled_at < ?
		   OR (current_source = ? AND last_reconciled_at < ?)
		ORDER BY CASE WHEN last_reconciled_at IS NULL THEN 0 ELSE 1 END, created_at, id`
	args := []any{q.StaleBefore.UTC(), string(core.SourceEstimated), estimatedBefore.UTC()}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]core.TrackedPost, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPost())
	}
	return out, nil
}

func (s *Store) UserTotal(ctx context.Context, user core.UserID) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT total FROM user_totals WHERE user_id = ?`), string(user))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return total, err
}

// TopUserTotals returns up to limit users by total, highest first.
func (s *Store) TopUserTotals(ctx context.Context, limit int) ([]leaderboard.Entry, error) {
	query := `SELECT user_id, total FROM user_totals ORDER BY total DESC, user_id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []struct {
		UserID string `db:"user_id"`
		Total  int64  `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]leaderboard.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, leaderboard.Entry{User: core.UserID(r.UserID), Score: r.Total})
	}
	return out, nil
}

type ledgerRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	PostID      sql.NullString `db:"post_id"`
	PointsDelta int64          `db:"points_delta"`
	Reason      string         `db:"reason"`
	Source      string         `db:"source"`
	CreatedAt   time.Time      `db:"created_at"`
}

// ListLedger returns the user's entries newest first. limit <= 0 returns all.
func (s *Store) ListLedger(ctx context.Context, user core.UserID, limit int) ([]core.LedgerEntry, error) {
	query := `SELECT id, user_id, post_id, points_delta, reason, source, created_at
		FROM points_ledger WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{string(user)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []ledgerRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]core.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e := core.LedgerEntry{
			ID:          r.ID,
			UserID:      core.UserID(r.UserID),
			PointsDelta: r.PointsDelta,
			Reason:      core.LedgerReason(r.Reason),
			Source:      core.Source(r.Source),
			CreatedAt:   r.CreatedAt.UTC(),
		}
		if r.PostID.Valid {
			pid := core.PostID(r.PostID.String)
			e.PostID = &pid
		}
		out = append(out, e)
	}
	return out, nil
}

type sqlTx struct {
	tx *libsqlx.Tx
}

func (t *sqlTx) GetTrackedPost(ctx context.Context, id core.PostID) (core.TrackedPost, error) {
	return getPost(ctx, t.tx, "id", string(id))
}

func (t *sqlTx) FindPostByExternalID(ctx context.Context, externalID string) (core.TrackedPost, error) {
	return getPost(ctx, t.tx, "external_id", externalID)
}

func (t *sqlTx) CreateTrackedPost(ctx context.Context, p core.TrackedPost) error {
	if p.Version == 0 {
		p.Version = 1
	}
	var lastReconciled sql.NullTime
	if p.LastReconciledAt != nil {
		lastReconciled = nullTime(*p.LastReconciledAt)
	}
	cur, ver := p.CurrentEngagement, p.VerifiedEngagement
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`INSERT INTO tracked_posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(p.ID), p.ExternalID, p.URL, p.Author, string(p.OwnerUserID), p.Content,
		cur.Likes, cur.Reposts, cur.Replies, string(cur.Source), nullTime(cur.CapturedAt),
		ver.Likes, ver.Reposts, ver.Replies, string(ver.Source), nullTime(ver.CapturedAt),
		p.TotalPointsAwarded, lastReconciled, p.ReconciliationCount, p.Version, p.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicatePost
		}
		return fmt.Errorf("insert tracked post: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func checkVersioned(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrConcurrentUpdate
	}
	return nil
}

func (t *sqlTx) UpdateEngagementAndPoints(ctx context.Context, u engine.PostUpdate) error {
	c := u.Current
	query := `UPDATE tracked_posts SET
		current_likes = ?, current_reposts = ?, current_replies = ?, current_source = ?, current_captured_at = ?,
		total_points_awarded = total_points_awarded + ?, last_reconciled_at = ?,
		reconciliation_count = reconciliation_count + 1, version = version + 1`
	args := []any{c.Likes, c.Reposts, c.Replies, string(c.Source), nullTime(c.CapturedAt), u.PointsDelta, u.At.UTC()}
	if v := u.Verified; v != nil {
		query += `, verified_likes = ?, verified_reposts = ?, verified_replies = ?, verified_source = ?, verified_captured_at = ?`
		args = append(args, v.Likes, v.Reposts, v.Replies, string(v.Source), nullTime(v.CapturedAt))
	}
	query += ` WHERE id = ? AND version = ?`
	args = append(args, string(u.ID), u.ExpectedVersion)
	return checkVersioned(t.tx.ExecContext(ctx, t.tx.Rebind(query), args...))
}

func (t *sqlTx) TouchReconciled(ctx context.Context, id core.PostID, expectedVersion int64, verified *core.EngagementSnapshot, at time.Time) error {
	query := `UPDATE tracked_posts SET last_reconciled_at = ?, reconciliation_count = reconciliation_count + 1, version = version + 1`
	args := []any{at.UTC()}
	if v := verified; v != nil {
		query += `, verified_likes = ?, verified_reposts = ?, verified_replies = ?, verified_source = ?, verified_captured_at = ?`
		args = append(args, v.Likes, v.Reposts, v.Replies, string(v.Source), nullTime(v.CapturedAt))
	}
	query += ` WHERE id = ? AND version = ?`
	args = append(args, string(id), expectedVersion)
	return checkVersioned(t.tx.ExecContext(ctx, t.tx.Rebind(query), args...))
}

func (t *sqlTx) AppendLedgerEntry(ctx context.Context, e core.LedgerEntry) error {
	var post sql.NullString
	if e.PostID != nil {
		post = sql.NullString{String: string(*e.PostID), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(`INSERT INTO points_ledger
		(id, user_id, post_id, points_delta, reason, source, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.UserID), post, e.PointsDelta, string(e.Reason), string(e.Source), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (t *sqlTx) IncrementUserTotal(ctx context.Context, user core.UserID, delta int64) (int64, error) {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE user_totals SET total = total + ?, updated_at = ? WHERE user_id = ?`),
		delta, now, string(user))
	if err != nil {
		return 0, fmt.Errorf("update user total: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(`INSERT INTO user_totals (user_id, total, updated_at) VALUES (?, ?, ?)`),
			string(user), delta, now); err != nil {
			if isUniqueViolation(err) {
				// a concurrent first award created the row; the caller retries the tx
				return 0, fmt.Errorf("insert user total %s: %w", user, core.ErrConcurrentUpdate)
			}
			return 0, fmt.Errorf("insert user total: %w", err)
		}
	}
	var total int64
	if err := t.tx.GetContext(ctx, &total, t.tx.Rebind(`SELECT total FROM user_totals WHERE user_id = ?`), string(user)); err != nil {
		return 0, fmt.Errorf("read user total: %w", err)
	}
	return total, nil
}

var _ engine.Storage = (*Store)(nil)
