// Package repository implements the persistence collaborators cardlink's
// core consumes through narrow interfaces: keystore.RecordRepository for
// PSK material and server.LogSink for session/APDU history. The Postgres
// backend follows the same sql.DB-plus-hand-rolled-migrations shape used
// elsewhere in this codebase's lineage; an in-memory backend gives tests
// and single-process deployments a zero-dependency alternative.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/protei/cardlink/internal/keystore"
	"github.com/protei/cardlink/internal/session"
)

// Config holds Postgres connection parameters.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

func (c Config) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// PostgresRepository is the sql.DB-backed implementation of both
// keystore.RecordRepository and server.LogSink. Its LogSink methods
// discard database errors without logging them.
type PostgresRepository struct {
	db *sql.DB
}

// SessionRecord is the read-only summary of one session's lifecycle and
// APDU traffic, served to the dashboard. Both repository backends produce
// it, so internal/dashboard depends on neither storage engine directly.
type SessionRecord struct {
	ID               string
	PSKIdentity      string
	PeerAddr         string
	NegotiatedCipher string
	TLSVersion       string
	OpenedAt         time.Time
	ClosedAt         *time.Time
	CloseReason      string
	APDUCount        int
}

// Open connects to Postgres, applies the schema migrations, and returns a
// ready repository.
func Open(cfg Config) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("repository: ping: %w", err)
	}

	r := &PostgresRepository{db: db}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("repository: migrate: %w", err)
	}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() error { return r.db.Close() }

// migration is one forward-only schema step, applied at most once,
// tracked in the schema_migrations table.
type migration struct {
	ID  string
	SQL string
}

func (r *PostgresRepository) migrate() error {
	const changelog = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := r.db.Exec(changelog); err != nil {
		return err
	}

	migrations := []migration{
		{
			ID: "001-create-psk-keys",
			SQL: `
			CREATE TABLE IF NOT EXISTS psk_keys (
				identity VARCHAR(128) PRIMARY KEY,
				key BYTEA NOT NULL,
				description TEXT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expires_at TIMESTAMP
			);`,
		},
		{
			ID: "002-create-sessions",
			SQL: `
			CREATE TABLE IF NOT EXISTS admin_sessions (
				id VARCHAR(64) PRIMARY KEY,
				psk_identity VARCHAR(128) NOT NULL,
				peer_addr VARCHAR(64),
				negotiated_cipher VARCHAR(64),
				tls_version VARCHAR(16),
				opened_at TIMESTAMP NOT NULL,
				closed_at TIMESTAMP,
				close_reason VARCHAR(32),
				script_cursor INTEGER DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_admin_sessions_identity ON admin_sessions(psk_identity);`,
		},
		{
			ID: "003-create-apdu-log",
			SQL: `
			CREATE TABLE IF NOT EXISTS apdu_log (
				id BIGSERIAL PRIMARY KEY,
				session_id VARCHAR(64) NOT NULL REFERENCES admin_sessions(id),
				direction VARCHAR(16) NOT NULL,
				raw BYTEA NOT NULL,
				sw1 SMALLINT,
				sw2 SMALLINT,
				latency_ms DOUBLE PRECISION,
				recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_apdu_log_session ON apdu_log(session_id);`,
		},
	}

	for _, m := range migrations {
		if err := r.applyMigration(m); err != nil {
			return fmt.Errorf("migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (r *PostgresRepository) applyMigration(m migration) error {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE id = $1", m.ID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if _, err := r.db.Exec(m.SQL); err != nil {
		return err
	}
	_, err := r.db.Exec("INSERT INTO schema_migrations (id) VALUES ($1)", m.ID)
	return err
}

// LookupPSK implements keystore.RecordRepository.
func (r *PostgresRepository) LookupPSK(ctx context.Context, identity string) (keystore.PSKRecord, bool, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT identity, key, description, created_at, expires_at FROM psk_keys WHERE identity = $1", identity)

	var rec keystore.PSKRecord
	var expires sql.NullTime
	if err := row.Scan(&rec.Identity, &rec.Key, &rec.Description, &rec.CreatedAt, &expires); err != nil {
		if err == sql.ErrNoRows {
			return keystore.PSKRecord{}, false, nil
		}
		return keystore.PSKRecord{}, false, err
	}
	if expires.Valid {
		rec.ExpiresAt = &expires.Time
	}
	return rec, true, nil
}

// UpsertPSK implements keystore.RecordRepository.
func (r *PostgresRepository) UpsertPSK(ctx context.Context, record keystore.PSKRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO psk_keys (identity, key, description, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity) DO UPDATE SET key = $2, description = $3, expires_at = $5
	`, record.Identity, record.Key, record.Description, record.CreatedAt, record.ExpiresAt)
	return err
}

// DeletePSK implements keystore.RecordRepository.
func (r *PostgresRepository) DeletePSK(ctx context.Context, identity string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM psk_keys WHERE identity = $1", identity)
	return err
}

// ListPSK implements keystore.RecordRepository.
func (r *PostgresRepository) ListPSK(ctx context.Context) ([]keystore.PSKRecord, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT identity, key, description, created_at, expires_at FROM psk_keys")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []keystore.PSKRecord
	for rows.Next() {
		var rec keystore.PSKRecord
		var expires sql.NullTime
		if err := rows.Scan(&rec.Identity, &rec.Key, &rec.Description, &rec.CreatedAt, &expires); err != nil {
			return nil, err
		}
		if expires.Valid {
			rec.ExpiresAt = &expires.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordSessionOpen implements server.LogSink.
func (r *PostgresRepository) RecordSessionOpen(s *session.Session) {
	_, _ = r.db.Exec(`
		INSERT INTO admin_sessions (id, psk_identity, peer_addr, negotiated_cipher, tls_version, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.PSKIdentity, s.PeerAddr, s.NegotiatedCipher, s.TLSVersion, s.OpenedAt)
}

// RecordAPDU implements server.LogSink.
func (r *PostgresRepository) RecordAPDU(sessionID string, ex session.APDUExchange) {
	var sw1, sw2 *int16
	if ex.SW1 != nil {
		v := int16(*ex.SW1)
		sw1 = &v
	}
	if ex.SW2 != nil {
		v := int16(*ex.SW2)
		sw2 = &v
	}
	_, _ = r.db.Exec(`
		INSERT INTO apdu_log (session_id, direction, raw, sw1, sw2, latency_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sessionID, direction(ex), ex.Raw, sw1, sw2, ex.LatencyMs, ex.Timestamp)
}

// RecordSessionClose implements server.LogSink.
func (r *PostgresRepository) RecordSessionClose(s *session.Session, reason session.CloseReason) {
	_, _ = r.db.Exec(`
		UPDATE admin_sessions SET closed_at = $2, close_reason = $3, script_cursor = $4 WHERE id = $1
	`, s.ID, time.Now(), reason.String(), s.ScriptCursor)
}

// ListSessions implements dashboard.SessionProvider.
func (r *PostgresRepository) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.psk_identity, a.peer_addr, a.negotiated_cipher, a.tls_version,
		       a.opened_at, a.closed_at, a.close_reason,
		       (SELECT COUNT(*) FROM apdu_log l WHERE l.session_id = a.id)
		FROM admin_sessions a ORDER BY a.opened_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSession implements dashboard.SessionProvider.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT a.id, a.psk_identity, a.peer_addr, a.negotiated_cipher, a.tls_version,
		       a.opened_at, a.closed_at, a.close_reason,
		       (SELECT COUNT(*) FROM apdu_log l WHERE l.session_id = a.id)
		FROM admin_sessions a WHERE a.id = $1`, id)

	rec, err := scanSessionRecord(row)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRecord(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var peerAddr, cipher, tlsVersion, closeReason sql.NullString
	var closedAt sql.NullTime
	var apduCount int64

	if err := row.Scan(&rec.ID, &rec.PSKIdentity, &peerAddr, &cipher, &tlsVersion,
		&rec.OpenedAt, &closedAt, &closeReason, &apduCount); err != nil {
		return SessionRecord{}, err
	}
	rec.PeerAddr = peerAddr.String
	rec.NegotiatedCipher = cipher.String
	rec.TLSVersion = tlsVersion.String
	rec.CloseReason = closeReason.String
	rec.APDUCount = int(apduCount)
	if closedAt.Valid {
		rec.ClosedAt = &closedAt.Time
	}
	return rec, nil
}

func direction(ex session.APDUExchange) string {
	if ex.Direction == session.DirectionCommand {
		return "command"
	}
	return "response"
}
