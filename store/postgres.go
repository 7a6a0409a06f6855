// Package store provides a Postgres-backed SessionStore so multiple console
// instances can share one session cache. The in-memory store remains the
// default; this backend is opt-in via configuration.
package store

import (
	"embed"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/deviceloop/console/broker"
	_ "github.com/deviceloop/console/store/migrations"
)

//go:embed migrations/*
var EmbedMigrations embed.FS

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type sessionRow struct {
	SessionID string    `db:"session_id"`
	DeviceID  string    `db:"device_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
	// The full broker.Session serialized as CBOR. Stored in a single column
	// as we never search inside it; the indexed columns cover every query.
	Data []byte `db:"data"`
}

// PostgresSessionStore implements broker.SessionStore on a shared table.
// SessionStore operations do not return errors, so storage failures are
// logged and reported but otherwise swallowed: the store is advisory by
// contract and the sweeper/reconciler will repair drift.
type PostgresSessionStore struct {
	db *sqlx.DB
}

func NewPostgresSessionStore(postgresURI string) *PostgresSessionStore {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewPostgresSessionStoreWithDB(db)
}

func NewPostgresSessionStoreWithDB(db *sqlx.DB) *PostgresSessionStore {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS console_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		device_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		data BYTEA NOT NULL
	);
	CREATE INDEX IF NOT EXISTS console_sessions_expiry ON console_sessions(expires_at);`)
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Panic().Err(err).Msg("failed to set goose dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		logger.Panic().Err(err).Msg("failed to run migrations")
	}
	return &PostgresSessionStore{db: db}
}

func (p *PostgresSessionStore) Teardown() {
	if err := p.db.Close(); err != nil {
		panic("PostgresSessionStore.Teardown: " + err.Error())
	}
}

func (p *PostgresSessionStore) Track(s broker.Session) {
	if s.State == broker.SessionClosed {
		return
	}
	data, err := cbor.Marshal(s)
	if err != nil {
		p.storageError("failed to encode session", err)
		return
	}
	_, err = p.db.Exec(`
	INSERT INTO console_sessions(session_id, device_id, created_at, expires_at, data)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (session_id) DO UPDATE SET device_id = $2, created_at = $3, expires_at = $4, data = $5`,
		s.ID, s.DeviceID, s.CreatedAt, s.ExpiresAt, data)
	if err != nil {
		p.storageError("failed to track session", err)
	}
}

func (p *PostgresSessionStore) Sessions() []broker.Session {
	var rows []sessionRow
	err := p.db.Select(&rows, `SELECT session_id, device_id, created_at, expires_at, data FROM console_sessions ORDER BY created_at, session_id`)
	if err != nil {
		p.storageError("failed to list sessions", err)
		return nil
	}
	sessions := make([]broker.Session, 0, len(rows))
	for _, row := range rows {
		var s broker.Session
		if err := cbor.Unmarshal(row.Data, &s); err != nil {
			p.storageError("failed to decode session "+row.SessionID, err)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

func (p *PostgresSessionStore) Get(id string) (broker.Session, bool) {
	var row sessionRow
	err := p.db.Get(&row, `SELECT data FROM console_sessions WHERE session_id = $1`, id)
	if err != nil {
		return broker.Session{}, false
	}
	var s broker.Session
	if err := cbor.Unmarshal(row.Data, &s); err != nil {
		p.storageError("failed to decode session "+id, err)
		return broker.Session{}, false
	}
	return s, true
}

func (p *PostgresSessionStore) Remove(id string) {
	if _, err := p.db.Exec(`DELETE FROM console_sessions WHERE session_id = $1`, id); err != nil {
		p.storageError("failed to remove session", err)
	}
}

func (p *PostgresSessionStore) SweepExpired(now time.Time) int {
	removed := 0
	err := WithTransaction(p.db, func(txn *sqlx.Tx) error {
		result, err := txn.Exec(`DELETE FROM console_sessions WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)
		return nil
	})
	if err != nil {
		p.storageError("failed to sweep sessions", err)
		return 0
	}
	return removed
}

func (p *PostgresSessionStore) storageError(msg string, err error) {
	logger.Err(err).Msg(msg)
	sentry.CaptureException(err)
}
