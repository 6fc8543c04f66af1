package session

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps session records in a SQLite database. Several server
// processes on one host can share a database file.
type SQLiteStore struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dbPath. An empty path or ":memory:"
// uses an in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open session database")
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty in-memory database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS mcp_sessions (
		id TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create session table")
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_mcp_sessions_expires_at ON mcp_sessions(expires_at)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create session index")
	}

	childCtx, cancel := context.WithCancel(ctx)
	s := &SQLiteStore{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    applyOptions(opts),
	}
	s.waitGroup.Add(1)
	go s.run()
	return s, nil
}

// expiry is stored as unix nanos, 0 meaning never
func (s *SQLiteStore) expiry() int64 {
	t := s.cfg.expiresAt(s.cfg.clock.Now())
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}
	now := s.cfg.clock.Now()
	rec := *record
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	return s.write(ctx, &rec)
}

func (s *SQLiteStore) write(ctx context.Context, rec *Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode session record")
	}
	ctx, cancel := s.cfg.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_sessions (id, record, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, expires_at = excluded.expires_at`,
		rec.ID, data, s.expiry(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save session %s", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	ctx, cancel := s.cfg.withTimeout(ctx)
	defer cancel()
	var data []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT record, expires_at FROM mcp_sessions WHERE id = ?`, sessionID,
	).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load session %s", sessionID)
	}
	if expiresAt != 0 && expiresAt <= s.cfg.clock.Now().UnixNano() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM mcp_sessions WHERE id = ?`, sessionID)
		return nil, nil
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "failed to decode session %s", sessionID)
	}
	return &rec, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	rec, err := s.Get(ctx, sessionID)
	return rec != nil, err
}

func (s *SQLiteStore) Touch(ctx context.Context, sessionID string) error {
	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrSessionNotFound
	}
	rec.LastSeen = s.cfg.clock.Now()
	return s.write(ctx, rec)
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.cfg.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mcp_sessions WHERE id = ?`, sessionID); err != nil {
		return errors.Wrapf(err, "failed to delete session %s", sessionID)
	}
	return nil
}

// Sweep removes expired records and returns how many were removed
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_sessions WHERE expires_at != 0 AND expires_at <= ?`,
		s.cfg.clock.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		dbErr = s.db.Close()
	})
	return dbErr
}

func (s *SQLiteStore) run() {
	defer s.waitGroup.Done()
	ticker := s.cfg.clock.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			n, err := s.Sweep(s.ctx)
			if err != nil && s.cfg.logger != nil {
				s.cfg.logger.Warn("failed to sweep expired sessions: %s", err)
			} else if n > 0 && s.cfg.logger != nil {
				s.cfg.logger.Debug("swept %d expired sessions", n)
			}
		}
	}
}
