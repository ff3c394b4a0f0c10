package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
	"github.com/kirillkom/rag-gateway/internal/core/ports"
)

// BackendRepository persists backend registrations. Health is runtime state
// and is never stored.
type BackendRepository struct {
	db *sql.DB
}

var _ ports.BackendStore = (*BackendRepository)(nil)

func NewBackendRepository(db *sql.DB) *BackendRepository {
	return &BackendRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *BackendRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across gateway replicas.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS gateway_backends (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	url TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	UNIQUE (role, url)
);

CREATE INDEX IF NOT EXISTS idx_gateway_backends_registered_at ON gateway_backends(registered_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *BackendRepository) Save(ctx context.Context, server domain.BackendServer) error {
	registeredAt := server.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO gateway_backends (id, role, url, registered_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, url = EXCLUDED.url
`, server.ID, string(server.Role), server.URL, registeredAt)
	if err != nil {
		return fmt.Errorf("upsert backend: %w", err)
	}
	return nil
}

func (r *BackendRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM gateway_backends WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backend: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete backend rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "delete backend", fmt.Errorf("backend %s", id))
	}
	return nil
}

// List returns registrations oldest first, so a restore keeps registration order.
func (r *BackendRepository) List(ctx context.Context) ([]domain.BackendServer, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, role, url, registered_at
FROM gateway_backends
ORDER BY registered_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("query backends: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BackendServer, 0)
	for rows.Next() {
		var (
			server domain.BackendServer
			role   string
		)
		if err := rows.Scan(&server.ID, &role, &server.URL, &server.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		parsed, err := domain.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", server.ID, err)
		}
		server.Role = parsed
		server.Health = domain.HealthUnknown
		out = append(out, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backends: %w", err)
	}
	return out, nil
}
