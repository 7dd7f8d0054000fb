package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// SQLStore persists entities in Postgres or SQLite. Timestamps are stored as
// RFC 3339 text so both dialects share one schema.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLStore wraps an open database. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// Open opens a database for dsn. An empty dsn opens SQLite at path.
func Open(dsn, sqlitePath string) (*SQLStore, error) {
	dialect := DialectPostgres
	if dsn == "" {
		dialect = DialectSQLite
		dsn = sqlitePath
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.DriverName(), err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return NewSQLStore(db, dialect), nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		access_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS agreements (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		end_at TEXT NOT NULL,
		consumer TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agreement_artifacts (
		agreement_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		PRIMARY KEY (agreement_id, artifact_id)
	)`,
	`CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS offer_artifacts (
		offer_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		PRIMARY KEY (offer_id, artifact_id)
	)`,
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// PutArtifact inserts artifact metadata or updates the title of an existing
// artifact. The creation date and access count of an existing artifact are
// kept, since usage windows run from the first upload.
func (s *SQLStore) PutArtifact(ctx context.Context, a *ArtifactRecord) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	query := s.rebind(`INSERT INTO artifacts (id, title, created_at, access_count) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title`)
	if _, err := s.db.ExecContext(ctx, query, a.ID, a.Title, formatTime(created), int64(a.AccessCount)); err != nil {
		return fmt.Errorf("store: put artifact %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) Artifact(ctx context.Context, id string) (*ArtifactRecord, error) {
	query := s.rebind(`SELECT id, title, created_at, access_count FROM artifacts WHERE id = ?`)
	var (
		a       ArtifactRecord
		created string
		count   int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.Title, &created, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get artifact %s: %w", id, err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	a.AccessCount = uint64(count)
	return &a, nil
}

// Increment bumps the stored access count of an artifact.
func (s *SQLStore) Increment(ctx context.Context, target string) (uint64, error) {
	query := s.rebind(`UPDATE artifacts SET access_count = access_count + 1 WHERE id = ? RETURNING access_count`)
	var n int64
	err := s.db.QueryRowContext(ctx, query, target).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("artifact %s: %w", target, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment %s: %w", target, err)
	}
	return uint64(n), nil
}

// Count returns the stored access count of an artifact.
func (s *SQLStore) Count(ctx context.Context, target string) (uint64, error) {
	a, err := s.Artifact(ctx, target)
	if err != nil {
		return 0, err
	}
	return a.AccessCount, nil
}

// SaveAgreement inserts an agreement or replaces an unconfirmed one, along
// with its artifact links.
func (s *SQLStore) SaveAgreement(ctx context.Context, rec *contracts.AgreementRecord) (err error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO agreements (id, value, confirmed, end_at, consumer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET value = excluded.value, end_at = excluded.end_at, consumer = excluded.consumer
		WHERE agreements.confirmed = FALSE`),
		rec.ID, rec.Value, rec.Confirmed, formatTime(rec.End), rec.Consumer, formatTime(created))
	if err != nil {
		return fmt.Errorf("store: save agreement %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("agreement %s is confirmed: %w", rec.ID, ErrAlreadyExists)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM agreement_artifacts WHERE agreement_id = ?`), rec.ID); err != nil {
		return fmt.Errorf("store: unlink artifacts of %s: %w", rec.ID, err)
	}
	for _, artifact := range rec.Artifacts {
		if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO agreement_artifacts (agreement_id, artifact_id) VALUES (?, ?)`),
			rec.ID, artifact); err != nil {
			return fmt.Errorf("store: link %s to %s: %w", artifact, rec.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) ConfirmAgreement(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE agreements SET confirmed = TRUE WHERE id = ? AND confirmed = FALSE`), id)
	if err != nil {
		return false, fmt.Errorf("store: confirm agreement %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: confirm agreement %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM agreements WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("store: confirm agreement %s: %w", id, err)
	}
	return false, nil
}

const agreementColumns = `a.id, a.value, a.confirmed, a.end_at, a.consumer, a.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgreement(row rowScanner) (*contracts.AgreementRecord, error) {
	var (
		a            contracts.AgreementRecord
		end, created string
	)
	if err := row.Scan(&a.ID, &a.Value, &a.Confirmed, &end, &a.Consumer, &created); err != nil {
		return nil, err
	}
	var err error
	if a.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) Agreement(ctx context.Context, id string) (*contracts.AgreementRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agreementColumns+` FROM agreements a WHERE a.id = ?`), id)
	a, err := scanAgreement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agreement %s: %w", id, err)
	}
	if a.Artifacts, err = s.linkedArtifacts(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLStore) Agreements(ctx context.Context) ([]*contracts.AgreementRecord, error) {
	return s.queryAgreements(ctx, `SELECT `+agreementColumns+` FROM agreements a ORDER BY a.created_at, a.id`)
}

func (s *SQLStore) AgreementsForArtifact(ctx context.Context, artifactID string) ([]*contracts.AgreementRecord, error) {
	return s.queryAgreements(ctx, `SELECT `+agreementColumns+` FROM agreements a
		JOIN agreement_artifacts l ON l.agreement_id = a.id
		WHERE l.artifact_id = ?
		ORDER BY a.created_at, a.id`, artifactID)
}

func (s *SQLStore) queryAgreements(ctx context.Context, query string, args ...any) ([]*contracts.AgreementRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list agreements: %w", err)
	}
	var out []*contracts.AgreementRecord
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan agreement: %w", err)
		}
		out = append(out, a)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: list agreements: %w", err)
	}
	for _, a := range out {
		if a.Artifacts, err = s.linkedArtifacts(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) ArtifactsForAgreement(ctx context.Context, agreementID string) ([]string, error) {
	if _, err := s.Agreement(ctx, agreementID); err != nil {
		return nil, err
	}
	return s.linkedArtifacts(ctx, agreementID)
}

func (s *SQLStore) linkedArtifacts(ctx context.Context, agreementID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT artifact_id FROM agreement_artifacts WHERE agreement_id = ? ORDER BY artifact_id`, agreementID)
}

func (s *SQLStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return out, nil
}

// PutOffer inserts or replaces a contract offer and its artifact links.
func (s *SQLStore) PutOffer(ctx context.Context, o *OfferRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO offers (id, value) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET value = excluded.value`), o.ID, o.Value); err != nil {
		return fmt.Errorf("store: put offer %s: %w", o.ID, err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM offer_artifacts WHERE offer_id = ?`), o.ID); err != nil {
		return fmt.Errorf("store: unlink offer %s: %w", o.ID, err)
	}
	for _, artifact := range o.Artifacts {
		if _, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO offer_artifacts (offer_id, artifact_id) VALUES (?, ?)`),
			o.ID, artifact); err != nil {
			return fmt.Errorf("store: link offer %s: %w", o.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) OffersForArtifact(ctx context.Context, artifactID string) ([]*OfferRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT o.id, o.value FROM offers o
		JOIN offer_artifacts l ON l.offer_id = o.id
		WHERE l.artifact_id = ?
		ORDER BY o.id`), artifactID)
	if err != nil {
		return nil, fmt.Errorf("store: list offers: %w", err)
	}
	var out []*OfferRecord
	for rows.Next() {
		var o OfferRecord
		if err := rows.Scan(&o.ID, &o.Value); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan offer: %w", err)
		}
		out = append(out, &o)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("store: list offers: %w", err)
	}
	for _, o := range out {
		if o.Artifacts, err = s.queryStrings(ctx,
			`SELECT artifact_id FROM offer_artifacts WHERE offer_id = ? ORDER BY artifact_id`, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) RulesForOffer(ctx context.Context, offerID string) ([]contracts.Rule, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM offers WHERE id = ?`), offerID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get offer %s: %w", offerID, err)
	}
	return rulesOf(value)
}
