package identity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresProvider reads subjects from the authgate_subjects table.
type PostgresProvider struct {
	db *sql.DB
}

// OpenPostgres opens and pings a pgx-backed database handle. The caller owns the handle
// through [PostgresProvider.Close].
func OpenPostgres(ctx context.Context, dsn string) (*PostgresProvider, error) {
	if dsn == "" {
		return nil, errors.New("identity: empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("identity: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("identity: ping postgres: %w", err)
	}
	return NewPostgresProvider(db), nil
}

// NewPostgresProvider wraps an existing handle.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// Migrate applies the embedded schema migrations.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, p.db, "migrations"); err != nil {
		return fmt.Errorf("identity: migrate: %w", err)
	}
	return nil
}

// LookupSubject implements [Provider].
func (p *PostgresProvider) LookupSubject(ctx context.Context, id string) (*Subject, error) {
	var s Subject
	err := p.db.QueryRowContext(ctx,
		`SELECT id, role, active FROM authgate_subjects WHERE id = $1`, id,
	).Scan(&s.ID, &s.Role, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: lookup subject: %w", err)
	}
	return &s, nil
}

// UpsertSubject inserts or updates a subject row.
func (p *PostgresProvider) UpsertSubject(ctx context.Context, s Subject) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO authgate_subjects (id, role, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, active = EXCLUDED.active, updated_at = now()`,
		s.ID, s.Role, s.Active)
	if err != nil {
		return fmt.Errorf("identity: upsert subject: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (p *PostgresProvider) Close() error {
	return p.db.Close()
}
