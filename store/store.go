// Package store persists the program catalog lookups and viewer feedback in SQL.
//
// Programs come from the runnable_blocks table, which is written by another system and only ever
// read here. Feedback (likes, dislikes and comments) lives in tables this package creates on Open.
// PostgreSQL is used in production and SQLite for local development and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/guseggert/blockrunner/program"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type dialect string

const (
	postgres dialect = "pgx"
	sqlite   dialect = "sqlite"
)

// Store is a program.Catalog backed by a SQL database.
type Store struct {
	log     *zap.SugaredLogger
	db      *sql.DB
	dialect dialect
}

var _ program.Catalog = (*Store)(nil)

type Option func(s *Store)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) {
		s.log = l.Named("store")
	}
}

// Open connects to the database at dbURL and creates the feedback tables if they don't exist.
//
// postgres:// and postgresql:// URLs use PostgreSQL. If the URL doesn't set an sslmode, sslmode=require is added.
// sqlite://<path> and file:<path> URLs use SQLite.
func Open(ctx context.Context, dbURL string, opts ...Option) (*Store, error) {
	d, dsn, err := parseURL(dbURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d, err)
	}
	if d == sqlite {
		// SQLite has a single writer
		db.SetMaxOpenConns(1)
	}
	s := &Store{
		log:     zap.NewNop().Sugar(),
		db:      db,
		dialect: d,
	}
	for _, o := range opts {
		o(s)
	}

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", d, err)
	}
	err = s.migrate(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.log.Debugw("database ready", "Dialect", d)
	return s, nil
}

func parseURL(dbURL string) (dialect, string, error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		u, err := url.Parse(dbURL)
		if err != nil {
			return "", "", fmt.Errorf("parsing database URL: %w", err)
		}
		q := u.Query()
		if q.Get("sslmode") == "" {
			q.Set("sslmode", "require")
			u.RawQuery = q.Encode()
		}
		return postgres, u.String(), nil
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return "", "", errors.New("sqlite database URL has no path")
		}
		return sqlite, path, nil
	case strings.HasPrefix(dbURL, "file:"):
		return sqlite, dbURL, nil
	case dbURL == "":
		return "", "", errors.New("database URL is empty")
	default:
		return "", "", fmt.Errorf("unsupported database URL scheme in %q", redact(dbURL))
	}
}

// redact drops credentials from a URL so it can be logged or returned in errors.
func redact(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil || u.User == nil {
		return dbURL
	}
	return u.Redacted()
}

func (s *Store) migrate(ctx context.Context) error {
	commentID := "id SERIAL PRIMARY KEY"
	if s.dialect == sqlite {
		commentID = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS program_reactions (
			program TEXT PRIMARY KEY,
			likes INTEGER NOT NULL DEFAULT 0,
			dislikes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS program_comments (
			` + commentID + `,
			program TEXT NOT NULL,
			comment TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		_, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("creating feedback tables: %w", err)
		}
	}
	return nil
}

// rebind rewrites $N placeholders for dialects that only understand ?.
// Queries must reference each placeholder once, in order.
func (s *Store) rebind(query string) string {
	if s.dialect != sqlite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Programs returns the distinct identifiers of runnable_blocks in ascending order.
func (s *Store) Programs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT block_index FROM runnable_blocks ORDER BY block_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying programs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning program: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading programs: %w", err)
	}
	return ids, nil
}

// Source returns the most recently written content of a program, or program.ErrNotFound.
func (s *Store) Source(ctx context.Context, id string) (string, error) {
	var src sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT cleaned_content FROM runnable_blocks
		WHERE CAST(block_index AS TEXT) = $1
		ORDER BY created_at DESC
		LIMIT 1`), id).Scan(&src)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%w: %q", program.ErrNotFound, id)
	case err != nil:
		return "", fmt.Errorf("querying source of %q: %w", id, err)
	case !src.Valid:
		return "", fmt.Errorf("%w: %q has no content", program.ErrNotFound, id)
	}
	return src.String, nil
}
