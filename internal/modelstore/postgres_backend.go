package modelstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresQueries = sqlQueries{
	create: `INSERT INTO model_objects (key, content, size) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`,
	read:   `SELECT content FROM model_objects WHERE key = $1`,
	remove: `DELETE FROM model_objects WHERE key = $1`,
	list:   `SELECT key FROM model_objects WHERE left(key, $1) = $2 ORDER BY key`,
}

type PostgresBackend struct {
	sqlBackend
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &PostgresBackend{}
	b.sqlBackend = sqlBackend{db: db, q: postgresQueries, ensure: b.ensureSchema}
	return b, nil
}

func (b *PostgresBackend) ensureSchema() error {
	if b == nil || b.db == nil {
		return fmt.Errorf("db is nil")
	}
	b.schemaOnce.Do(func() {
		_, b.schemaErr = b.db.Exec(`
CREATE TABLE IF NOT EXISTS model_objects (
    key TEXT PRIMARY KEY,
    content BYTEA NOT NULL DEFAULT ''::bytea,
    size BIGINT NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
`)
	})
	return b.schemaErr
}
