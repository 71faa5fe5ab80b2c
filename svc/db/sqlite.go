package db

import (
	"context"
	"database/sql"
	"stashbin/pkg/domain"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", withPragmas(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
// withPragmas sets busy_timeout on every pooled connection, not only the
// first one migrate happens to run on.
func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL"
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return domain.Unavailable("sqlite", ErrCircuitOpen)
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil || isPrimaryKeyViolation(err) {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func isPrimaryKeyViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		se.ExtendedCode == sqlite3.ErrConstraintUnique
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	// Exactly one of inline_content/object_ref is set on every row.
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		extension TEXT NOT NULL DEFAULT '',
		inline_content BLOB,
		object_ref TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		CHECK ((inline_content IS NULL) <> (object_ref IS NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON pastes(expires_at);
	`
	_, err = s.db.Exec(query)
	return err
}
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	inline, ref := contentColumns(p.Content)
	q := `
	INSERT INTO pastes (id, extension, inline_content, object_ref, size, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Extension, inline, ref, p.Size, p.CreatedAt.UnixNano(), unixNano(p.ExpiresAt),
	)
	s.recordError(err)
	if isPrimaryKeyViolation(err) {
		return domain.ErrDuplicateID
	}
	if err != nil {
		return domain.Unavailable("sqlite insert", err)
	}
	return nil
}
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, extension, inline_content, object_ref, size, created_at, expires_at
	FROM pastes WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)
	`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id, time.Now().UnixNano()))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, domain.Unavailable("sqlite get", err)
	}
	return p, nil
}
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return domain.Unavailable("sqlite delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (s *SQLite) ListExpired(ctx context.Context, asOf time.Time, after string, limit int) ([]*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, extension, object_ref, size, created_at, expires_at
		FROM pastes
		WHERE expires_at IS NOT NULL AND expires_at <= ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, asOf.UnixNano(), after, limit)
	if err != nil {
		s.recordError(err)
		return nil, domain.Unavailable("sqlite list expired", err)
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		var (
			p         domain.Paste
			ref       *string
			createdAt int64
			expiresAt *int64
		)
		if err := rows.Scan(&p.ID, &p.Extension, &ref, &p.Size, &createdAt, &expiresAt); err != nil {
			return nil, errors.Wrap(err, "scan expired paste")
		}
		p.Content = expiredContent(ref)
		p.CreatedAt = time.Unix(0, createdAt).UTC()
		p.ExpiresAt = fromUnixNano(expiresAt)
		out = append(out, &p)
	}
	err = rows.Err()
	s.recordError(err)
	if err != nil {
		return nil, domain.Unavailable("sqlite list expired", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPaste(row scanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		inline    []byte
		ref       *string
		createdAt int64
		expiresAt *int64
	)
	if err := row.Scan(&p.ID, &p.Extension, &inline, &ref, &p.Size, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	p.Content = contentFrom(inline, ref)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.ExpiresAt = fromUnixNano(expiresAt)
	return &p, nil
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
