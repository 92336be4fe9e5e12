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
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/deposit"
)

var ErrInvalidConfig = errors.New("deposit/postgres: invalid config")

const maxUpdateAttempts = 8

const selectColumns = `
	id::text,
	chain_id,
	contract,
	dst_chain_id,
	dst_pool,
	bridge_type,
	asset_symbol,
	asset_address,
	asset_decimals,
	amount::text,
	rollup_fee::text,
	bridge_fee::text,
	executor_fee::text,
	shielded_recipient,
	commitment_hash,
	status,
	error_message,
	asset_approve_tx_hash,
	src_tx_hash,
	queued_tx_hash,
	included_tx_hash,
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
		return fmt.Errorf("deposit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, d deposit.Deposit) (deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return deposit.Deposit{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := check(d); err != nil {
		return deposit.Deposit{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deposits (
			id,
			chain_id,
			contract,
			dst_chain_id,
			dst_pool,
			bridge_type,
			asset_symbol,
			asset_address,
			asset_decimals,
			amount,
			rollup_fee,
			bridge_fee,
			executor_fee,
			shielded_recipient,
			commitment_hash,
			status,
			error_message,
			asset_approve_tx_hash,
			src_tx_hash,
			queued_tx_hash,
			included_tx_hash,
			version,
			created_at,
			updated_at
		) VALUES (
			$1::text::uuid,$2,$3,$4,$5,$6,$7,$8,$9,
			$10::text::numeric,$11::text::numeric,$12::text::numeric,$13::text::numeric,
			$14,$15,$16,$17,$18,$19,$20,$21,1,now(),now()
		)
		ON CONFLICT (id) DO NOTHING
	`,
		d.ID.String(),
		int64(d.ChainID),
		d.ContractAddress[:],
		int64(d.DstChainID),
		d.DstPoolAddress[:],
		string(d.BridgeType),
		d.AssetSymbol,
		d.AssetAddress[:],
		d.AssetDecimals,
		numericArg(d.Amount),
		numericArg(d.RollupFee),
		numericArg(d.BridgeFee),
		numericArg(d.ExecutorFee),
		d.ShieldedRecipient,
		d.CommitmentHash[:],
		int16(d.Status),
		d.ErrorMessage,
		nullHash(d.AssetApproveTxHash),
		nullHash(d.SrcTxHash),
		nullHash(d.QueuedTxHash),
		nullHash(d.IncludedTxHash),
	)
	if err != nil {
		return deposit.Deposit{}, fmt.Errorf("deposit/postgres: insert: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return deposit.Deposit{}, fmt.Errorf("%w: %s", deposit.ErrAlreadyExists, d.ID)
	}
	return s.Get(ctx, d.ID)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return deposit.Deposit{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	d, err := scanDeposit(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM deposits WHERE id = $1::text::uuid`, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deposit.Deposit{}, deposit.ErrNotFound
		}
		return deposit.Deposit{}, fmt.Errorf("deposit/postgres: get: %w", err)
	}
	return d, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, fn deposit.UpdateFunc) (deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return deposit.Deposit{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if fn == nil {
		return deposit.Deposit{}, fmt.Errorf("%w: nil update func", deposit.ErrInvalidInput)
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return deposit.Deposit{}, err
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return deposit.Deposit{}, err
		}
		if next.ID != cur.ID {
			return deposit.Deposit{}, fmt.Errorf("%w: update changed identity of %s", deposit.ErrInvalidInput, id)
		}
		if err := check(next); err != nil {
			return deposit.Deposit{}, err
		}
		if !deposit.CanTransition(cur.Status, next.Status) {
			return deposit.Deposit{}, fmt.Errorf("%w: %s -> %s", deposit.ErrInvalidTransition, cur.Status, next.Status)
		}
		if cur.SameContent(next) {
			return cur, nil
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE deposits
			SET
				amount = $2::text::numeric,
				rollup_fee = $3::text::numeric,
				bridge_fee = $4::text::numeric,
				executor_fee = $5::text::numeric,
				status = $6,
				error_message = $7,
				asset_approve_tx_hash = $8,
				src_tx_hash = $9,
				queued_tx_hash = $10,
				included_tx_hash = $11,
				shielded_recipient = $12,
				commitment_hash = $13,
				version = version + 1,
				updated_at = now()
			WHERE id = $1::text::uuid AND version = $14
		`,
			id.String(),
			numericArg(next.Amount),
			numericArg(next.RollupFee),
			numericArg(next.BridgeFee),
			numericArg(next.ExecutorFee),
			int16(next.Status),
			next.ErrorMessage,
			nullHash(next.AssetApproveTxHash),
			nullHash(next.SrcTxHash),
			nullHash(next.QueuedTxHash),
			nullHash(next.IncludedTxHash),
			next.ShieldedRecipient,
			next.CommitmentHash[:],
			int64(cur.Version),
		)
		if err != nil {
			return deposit.Deposit{}, fmt.Errorf("deposit/postgres: update: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return s.Get(ctx, id)
		}
	}
	return deposit.Deposit{}, fmt.Errorf("%w: %s", deposit.ErrConflict, id)
}

func (s *Store) FindByCommitment(ctx context.Context, dstChainID uint64, dstPool common.Address, commitmentHash common.Hash) ([]deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.query(ctx, `SELECT `+selectColumns+`
		FROM deposits
		WHERE dst_chain_id = $1 AND dst_pool = $2 AND commitment_hash = $3
		ORDER BY created_at ASC, id ASC
	`, int64(dstChainID), dstPool[:], commitmentHash[:])
}

func (s *Store) List(ctx context.Context, f deposit.Filter) ([]deposit.Deposit, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ChainID != 0 {
		add("chain_id = $%d", int64(f.ChainID))
	}
	if f.DstChainID != 0 {
		add("dst_chain_id = $%d", int64(f.DstChainID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]int16, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, int16(st))
		}
		add("status = ANY($%d)", statuses)
	}
	sql := `SELECT ` + selectColumns + ` FROM deposits`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.query(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]deposit.Deposit, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("deposit/postgres: query: %w", err)
	}
	defer rows.Close()

	var out []deposit.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("deposit/postgres: scan row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deposit/postgres: rows: %w", err)
	}
	return out, nil
}

func scanDeposit(row pgx.Row) (deposit.Deposit, error) {
	var (
		idRaw         string
		chainID       int64
		contractRaw   []byte
		dstChainID    int64
		dstPoolRaw    []byte
		bridgeType    string
		assetSymbol   string
		assetRaw      []byte
		assetDecimals int32
		amount        *string
		rollupFee     *string
		bridgeFee     *string
		executorFee   *string
		recipient     string
		commitmentRaw []byte
		status        int16
		errorMessage  string
		approveRaw    []byte
		srcRaw        []byte
		queuedRaw     []byte
		includedRaw   []byte
		version       int64
		createdAt     time.Time
		updatedAt     time.Time
	)
	if err := row.Scan(
		&idRaw,
		&chainID,
		&contractRaw,
		&dstChainID,
		&dstPoolRaw,
		&bridgeType,
		&assetSymbol,
		&assetRaw,
		&assetDecimals,
		&amount,
		&rollupFee,
		&bridgeFee,
		&executorFee,
		&recipient,
		&commitmentRaw,
		&status,
		&errorMessage,
		&approveRaw,
		&srcRaw,
		&queuedRaw,
		&includedRaw,
		&version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return deposit.Deposit{}, err
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return deposit.Deposit{}, fmt.Errorf("deposit/postgres: invalid id in db: %w", err)
	}
	if chainID <= 0 || dstChainID <= 0 || version < 0 {
		return deposit.Deposit{}, fmt.Errorf("deposit/postgres: invalid values in db")
	}
	d := deposit.Deposit{
		ID:                id,
		ChainID:           uint64(chainID),
		ContractAddress:   common.BytesToAddress(contractRaw),
		DstChainID:        uint64(dstChainID),
		DstPoolAddress:    common.BytesToAddress(dstPoolRaw),
		BridgeType:        config.BridgeType(bridgeType),
		AssetSymbol:       assetSymbol,
		AssetAddress:      common.BytesToAddress(assetRaw),
		AssetDecimals:     assetDecimals,
		ShieldedRecipient: recipient,
		Status:            deposit.Status(status),
		ErrorMessage:      errorMessage,
		Version:           uint64(version),
		CreatedAt:         createdAt.UTC(),
		UpdatedAt:         updatedAt.UTC(),
	}
	hashes := []struct {
		raw []byte
		dst *common.Hash
	}{
		{commitmentRaw, &d.CommitmentHash},
		{approveRaw, &d.AssetApproveTxHash},
		{srcRaw, &d.SrcTxHash},
		{queuedRaw, &d.QueuedTxHash},
		{includedRaw, &d.IncludedTxHash},
	}
	for _, h := range hashes {
		if h.raw == nil {
			continue
		}
		if len(h.raw) != common.HashLength {
			return deposit.Deposit{}, fmt.Errorf("deposit/postgres: expected 32 bytes, got %d", len(h.raw))
		}
		*h.dst = common.BytesToHash(h.raw)
	}
	amounts := []struct {
		raw *string
		dst **big.Int
	}{
		{amount, &d.Amount},
		{rollupFee, &d.RollupFee},
		{bridgeFee, &d.BridgeFee},
		{executorFee, &d.ExecutorFee},
	}
	for _, a := range amounts {
		if a.raw == nil {
			continue
		}
		v, ok := new(big.Int).SetString(*a.raw, 10)
		if !ok {
			return deposit.Deposit{}, fmt.Errorf("deposit/postgres: invalid numeric %q in db", *a.raw)
		}
		*a.dst = v
	}
	return d, nil
}

func check(d deposit.Deposit) error {
	if err := deposit.Validate(d); err != nil {
		return err
	}
	if d.ChainID > math.MaxInt64 || d.DstChainID > math.MaxInt64 {
		return fmt.Errorf("%w: chain id out of range", deposit.ErrInvalidInput)
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

var _ deposit.Store = (*Store)(nil)
