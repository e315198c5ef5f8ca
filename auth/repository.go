package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrKeyNotFound signals no service key is registered under the name.
	ErrKeyNotFound = errors.New("auth: service key not found")
	// ErrDuplicateKeyName signals the service name is already registered.
	ErrDuplicateKeyName = errors.New("auth: service name already exists")
)

// Repository handles data access for service keys.
type Repository interface {
	CreateKey(ctx context.Context, name, keyHash string) (ServiceKey, error)
	GetKeyByName(ctx context.Context, name string) (ServiceKey, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateKey(ctx context.Context, name, keyHash string) (ServiceKey, error) {
	const insertSQL = `
INSERT INTO service_keys (name, key_hash)
VALUES ($1, $2)
RETURNING id, name, key_hash, disabled, created_at`

	key, err := scanKey(r.pool.QueryRow(ctx, insertSQL, name, keyHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ServiceKey{}, ErrDuplicateKeyName
		}
		return ServiceKey{}, fmt.Errorf("auth: create key: %w", err)
	}
	return key, nil
}

func (r *PGRepository) GetKeyByName(ctx context.Context, name string) (ServiceKey, error) {
	const selectSQL = `
SELECT id, name, key_hash, disabled, created_at
FROM service_keys
WHERE name = $1`

	key, err := scanKey(r.pool.QueryRow(ctx, selectSQL, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceKey{}, ErrKeyNotFound
		}
		return ServiceKey{}, fmt.Errorf("auth: get key by name: %w", err)
	}
	return key, nil
}

func scanKey(row pgx.Row) (ServiceKey, error) {
	var k ServiceKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Disabled, &k.CreatedAt)
	return k, err
}
