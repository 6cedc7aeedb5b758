package modelstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// sqlQueries holds the dialect-specific statements over the model_objects
// table: key TEXT primary key, content bytes, size integer.
type sqlQueries struct {
	create string // key, content, size; must ignore conflicts
	read   string // key
	remove string // key
	list   string // prefix length, prefix
}

// sqlBackend implements Backend on database/sql. ensure runs before every
// statement and is expected to be cheap after its first success.
type sqlBackend struct {
	db     *sql.DB
	q      sqlQueries
	ensure func() error
}

func (b *sqlBackend) ready() error {
	if b == nil || b.db == nil {
		return fmt.Errorf("db is nil")
	}
	if b.ensure == nil {
		return nil
	}
	return b.ensure()
}

func (b *sqlBackend) Create(ctx context.Context, key string, blob []byte) (bool, error) {
	key, err := checkKey(key)
	if err != nil {
		return false, err
	}
	if err := b.ready(); err != nil {
		return false, err
	}
	if blob == nil {
		blob = []byte{}
	}
	res, err := b.db.ExecContext(ctx, b.q.create, key, blob, int64(len(blob)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *sqlBackend) Read(ctx context.Context, key string) ([]byte, error) {
	key, err := checkKey(key)
	if err != nil {
		return nil, err
	}
	if err := b.ready(); err != nil {
		return nil, err
	}
	var content []byte
	err = b.db.QueryRowContext(ctx, b.q.read, key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

func (b *sqlBackend) Remove(ctx context.Context, key string) (bool, error) {
	key, err := checkKey(key)
	if err != nil {
		return false, err
	}
	if err := b.ready(); err != nil {
		return false, err
	}
	res, err := b.db.ExecContext(ctx, b.q.remove, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *sqlBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, b.q.list, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, 32)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
