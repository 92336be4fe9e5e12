package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilpool/veil-core/internal/cursor"
)

var ErrInvalidConfig = errors.New("cursor/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sync_cursors (
	chain_id BIGINT NOT NULL,
	contract BYTEA NOT NULL,
	block_number BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (chain_id, contract),

	CONSTRAINT contract_len CHECK (octet_length(contract) = 20),
	CONSTRAINT block_number_nonneg CHECK (block_number >= 0)
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("cursor/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key cursor.Key) (uint64, bool, error) {
	if err := s.check(key, 0); err != nil {
		return 0, false, err
	}
	var block int64
	err := s.pool.QueryRow(ctx, `
		SELECT block_number FROM sync_cursors WHERE chain_id = $1 AND contract = $2
	`, int64(key.ChainID), key.Contract[:]).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("cursor/postgres: get: %w", err)
	}
	return uint64(block), true, nil
}

func (s *Store) Advance(ctx context.Context, key cursor.Key, block uint64) (uint64, error) {
	if err := s.check(key, block); err != nil {
		return 0, err
	}
	var out int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_cursors (chain_id, contract, block_number, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (chain_id, contract) DO UPDATE
		SET
			block_number = GREATEST(sync_cursors.block_number, EXCLUDED.block_number),
			updated_at = CASE
				WHEN EXCLUDED.block_number > sync_cursors.block_number THEN now()
				ELSE sync_cursors.updated_at
			END
		RETURNING block_number
	`, int64(key.ChainID), key.Contract[:], int64(block)).Scan(&out)
	if err != nil {
		return 0, fmt.Errorf("cursor/postgres: advance: %w", err)
	}
	return uint64(out), nil
}

func (s *Store) Reset(ctx context.Context, key cursor.Key, block uint64) error {
	if err := s.check(key, block); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (chain_id, contract, block_number, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (chain_id, contract) DO UPDATE
		SET block_number = EXCLUDED.block_number, updated_at = now()
	`, int64(key.ChainID), key.Contract[:], int64(block))
	if err != nil {
		return fmt.Errorf("cursor/postgres: reset: %w", err)
	}
	return nil
}

func (s *Store) check(key cursor.Key, block uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if key.ChainID == 0 || key.ChainID > math.MaxInt64 || block > math.MaxInt64 {
		return fmt.Errorf("%w: chain id and block must fit in int64", cursor.ErrInvalidInput)
	}
	return nil
}

var _ cursor.Store = (*Store)(nil)
