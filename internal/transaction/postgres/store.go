package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilpool/veil-core/internal/transaction"
)

var ErrInvalidConfig = errors.New("transaction/postgres: invalid config")

const maxUpdateAttempts = 8

const selectColumns = `
	id::text,
	chain_id,
	pool,
	tx_type,
	asset_symbol,
	asset_decimals,
	amount::text,
	public_amount::text,
	rollup_fee::text,
	gas_relayer_fee::text,
	gas_relayer_address,
	sender_shielded_address,
	recipient_shielded_address,
	public_recipient,
	input_commitments,
	output_commitments,
	serial_numbers,
	root_hash,
	status,
	error_message,
	tx_hash,
	relayer_job_id,
	version,
	created_at,
	updated_at`

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
		return fmt.Errorf("transaction/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, t transaction.Transaction) (transaction.Transaction, error) {
	if s == nil || s.pool == nil {
		return transaction.Transaction{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := check(t); err != nil {
		return transaction.Transaction{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (
			id,
			chain_id,
			pool,
			tx_type,
			asset_symbol,
			asset_decimals,
			amount,
			public_amount,
			rollup_fee,
			gas_relayer_fee,
			gas_relayer_address,
			sender_shielded_address,
			recipient_shielded_address,
			public_recipient,
			input_commitments,
			output_commitments,
			serial_numbers,
			root_hash,
			status,
			error_message,
			tx_hash,
			relayer_job_id,
			version,
			created_at,
			updated_at
		) VALUES (
			$1::text::uuid,$2,$3,$4,$5,$6,
			$7::text::numeric,$8::text::numeric,$9::text::numeric,$10::text::numeric,
			$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,1,now(),now()
		)
		ON CONFLICT (id) DO NOTHING
	`,
		t.ID.String(),
		int64(t.ChainID),
		t.PoolAddress[:],
		int16(t.Type),
		t.AssetSymbol,
		t.AssetDecimals,
		numericArg(t.Amount),
		numericArg(t.PublicAmount),
		numericArg(t.RollupFee),
		numericArg(t.GasRelayerFee),
		nullAddress(t.GasRelayerAddress),
		t.SenderShieldedAddress,
		t.RecipientShieldedAddress,
		nullAddress(t.PublicRecipient),
		hashesArg(t.InputCommitments),
		hashesArg(t.OutputCommitments),
		hashesArg(t.SerialNumbers),
		nullHash(t.RootHash),
		int16(t.Status),
		t.ErrorMessage,
		nullHash(t.TxHash),
		t.RelayerJobID,
	)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("transaction/postgres: insert: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return transaction.Transaction{}, fmt.Errorf("%w: %s", transaction.ErrAlreadyExists, t.ID)
	}
	return s.Get(ctx, t.ID)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (transaction.Transaction, error) {
	if s == nil || s.pool == nil {
		return transaction.Transaction{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = $1::text::uuid`, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transaction.Transaction{}, transaction.ErrNotFound
		}
		return transaction.Transaction{}, fmt.Errorf("transaction/postgres: get: %w", err)
	}
	return t, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, fn transaction.UpdateFunc) (transaction.Transaction, error) {
	if s == nil || s.pool == nil {
		return transaction.Transaction{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if fn == nil {
		return transaction.Transaction{}, fmt.Errorf("%w: nil update func", transaction.ErrInvalidInput)
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return transaction.Transaction{}, err
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return transaction.Transaction{}, err
		}
		if next.ID != cur.ID {
			return transaction.Transaction{}, fmt.Errorf("%w: update changed identity of %s", transaction.ErrInvalidInput, id)
		}
		if err := check(next); err != nil {
			return transaction.Transaction{}, err
		}
		if !transaction.CanTransition(cur.Status, next.Status) {
			return transaction.Transaction{}, fmt.Errorf("%w: %s -> %s", transaction.ErrInvalidTransition, cur.Status, next.Status)
		}
		if cur.SameContent(next) {
			return cur, nil
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE transactions
			SET
				amount = $2::text::numeric,
				public_amount = $3::text::numeric,
				rollup_fee = $4::text::numeric,
				gas_relayer_fee = $5::text::numeric,
				gas_relayer_address = $6,
				output_commitments = $7,
				serial_numbers = $8,
				root_hash = $9,
				status = $10,
				error_message = $11,
				tx_hash = $12,
				relayer_job_id = $13,
				version = version + 1,
				updated_at = now()
			WHERE id = $1::text::uuid AND version = $14
		`,
			id.String(),
			numericArg(next.Amount),
			numericArg(next.PublicAmount),
			numericArg(next.RollupFee),
			numericArg(next.GasRelayerFee),
			nullAddress(next.GasRelayerAddress),
			hashesArg(next.OutputCommitments),
			hashesArg(next.SerialNumbers),
			nullHash(next.RootHash),
			int16(next.Status),
			next.ErrorMessage,
			nullHash(next.TxHash),
			next.RelayerJobID,
			int64(cur.Version),
		)
		if err != nil {
			return transaction.Transaction{}, fmt.Errorf("transaction/postgres: update: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return s.Get(ctx, id)
		}
	}
	return transaction.Transaction{}, fmt.Errorf("%w: %s", transaction.ErrConflict, id)
}

func (s *Store) List(ctx context.Context, f transaction.Filter) ([]transaction.Transaction, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var (
		where []string
		args  []any
	)
	if f.ChainID != 0 {
		args = append(args, int64(f.ChainID))
		where = append(where, fmt.Sprintf("chain_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]int16, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, int16(st))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	sql := `SELECT ` + selectColumns + ` FROM transactions`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("transaction/postgres: scan list row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transaction/postgres: list rows: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (transaction.Transaction, error) {
	var (
		idRaw         string
		chainID       int64
		poolRaw       []byte
		txType        int16
		assetSymbol   string
		assetDecimals int32
		amount        *string
		publicAmount  *string
		rollupFee     *string
		relayerFee    *string
		relayerRaw    []byte
		sender        string
		recipient     string
		publicRaw     []byte
		inputsRaw     [][]byte
		outputsRaw    [][]byte
		serialsRaw    [][]byte
		rootRaw       []byte
		status        int16
		errorMessage  string
		txHashRaw     []byte
		relayerJobID  string
		version       int64
		createdAt     time.Time
		updatedAt     time.Time
	)
	if err := row.Scan(
		&idRaw,
		&chainID,
		&poolRaw,
		&txType,
		&assetSymbol,
		&assetDecimals,
		&amount,
		&publicAmount,
		&rollupFee,
		&relayerFee,
		&relayerRaw,
		&sender,
		&recipient,
		&publicRaw,
		&inputsRaw,
		&outputsRaw,
		&serialsRaw,
		&rootRaw,
		&status,
		&errorMessage,
		&txHashRaw,
		&relayerJobID,
		&version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return transaction.Transaction{}, err
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("transaction/postgres: invalid id in db: %w", err)
	}
	if chainID <= 0 || version < 0 {
		return transaction.Transaction{}, fmt.Errorf("transaction/postgres: invalid values in db")
	}
	t := transaction.Transaction{
		ID:                       id,
		ChainID:                  uint64(chainID),
		PoolAddress:              common.BytesToAddress(poolRaw),
		Type:                     transaction.Type(txType),
		AssetSymbol:              assetSymbol,
		AssetDecimals:            assetDecimals,
		SenderShieldedAddress:    sender,
		RecipientShieldedAddress: recipient,
		Status:                   transaction.Status(status),
		ErrorMessage:             errorMessage,
		RelayerJobID:             relayerJobID,
		Version:                  uint64(version),
		CreatedAt:                createdAt.UTC(),
		UpdatedAt:                updatedAt.UTC(),
	}
	if relayerRaw != nil {
		t.GasRelayerAddress = common.BytesToAddress(relayerRaw)
	}
	if publicRaw != nil {
		t.PublicRecipient = common.BytesToAddress(publicRaw)
	}
	if t.RootHash, err = toHash(rootRaw); err != nil {
		return transaction.Transaction{}, err
	}
	if t.TxHash, err = toHash(txHashRaw); err != nil {
		return transaction.Transaction{}, err
	}
	if t.InputCommitments, err = toHashes(inputsRaw); err != nil {
		return transaction.Transaction{}, err
	}
	if t.OutputCommitments, err = toHashes(outputsRaw); err != nil {
		return transaction.Transaction{}, err
	}
	if t.SerialNumbers, err = toHashes(serialsRaw); err != nil {
		return transaction.Transaction{}, err
	}
	for _, a := range []struct {
		raw *string
		dst **big.Int
	}{
		{amount, &t.Amount},
		{publicAmount, &t.PublicAmount},
		{rollupFee, &t.RollupFee},
		{relayerFee, &t.GasRelayerFee},
	} {
		if a.raw == nil {
			continue
		}
		v, ok := new(big.Int).SetString(*a.raw, 10)
		if !ok {
			return transaction.Transaction{}, fmt.Errorf("transaction/postgres: invalid numeric %q in db", *a.raw)
		}
		*a.dst = v
	}
	return t, nil
}

func check(t transaction.Transaction) error {
	if err := transaction.Validate(t); err != nil {
		return err
	}
	if t.ChainID > math.MaxInt64 {
		return fmt.Errorf("%w: chain id out of range", transaction.ErrInvalidInput)
	}
	return nil
}

func numericArg(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func nullHash(h common.Hash) []byte {
	if (h == common.Hash{}) {
		return nil
	}
	return append([]byte(nil), h[:]...)
}

func nullAddress(a common.Address) []byte {
	if (a == common.Address{}) {
		return nil
	}
	return append([]byte(nil), a[:]...)
}

func hashesArg(hs []common.Hash) [][]byte {
	out := make([][]byte, 0, len(hs))
	for _, h := range hs {
		out = append(out, append([]byte(nil), h[:]...))
	}
	return out
}

func toHash(b []byte) (common.Hash, error) {
	if b == nil {
		return common.Hash{}, nil
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("transaction/postgres: expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func toHashes(raw [][]byte) ([]common.Hash, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]common.Hash, 0, len(raw))
	for _, b := range raw {
		h, err := toHash(b)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

var _ transaction.Store = (*Store)(nil)
