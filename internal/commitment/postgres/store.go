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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilpool/veil-core/internal/commitment"
)

var ErrInvalidConfig = errors.New("commitment/postgres: invalid config")

const maxUpdateAttempts = 8

const selectColumns = `
	chain_id,
	contract,
	commitment_hash,
	status,
	leaf_index,
	encrypted_note,
	amount::text,
	rollup_fee::text,
	serial_number,
	shielded_address,
	creation_tx_hash,
	relay_tx_hash,
	rollup_tx_hash,
	spending_tx_hash,
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
		return fmt.Errorf("commitment/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id commitment.ID) (commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return commitment.Commitment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+`
		FROM commitments
		WHERE chain_id = $1 AND contract = $2 AND commitment_hash = $3
	`, int64(id.ChainID), id.Contract[:], id.Hash[:])
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commitment.Commitment{}, commitment.ErrNotFound
		}
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: get: %w", err)
	}
	return c, nil
}

func (s *Store) Insert(ctx context.Context, c commitment.Commitment) (commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return commitment.Commitment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := checkCommitment(c); err != nil {
		return commitment.Commitment{}, err
	}
	inserted, err := s.insertIfAbsent(ctx, c)
	if err != nil {
		return commitment.Commitment{}, err
	}
	if !inserted {
		return commitment.Commitment{}, fmt.Errorf("%w: %s", commitment.ErrAlreadyExists, c.ID())
	}
	return s.Get(ctx, c.ID())
}

func (s *Store) Update(ctx context.Context, id commitment.ID, fn commitment.UpdateFunc) (commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return commitment.Commitment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if fn == nil {
		return commitment.Commitment{}, fmt.Errorf("%w: nil update func", commitment.ErrInvalidInput)
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return commitment.Commitment{}, err
		}
		next, err := fn(cur.Clone())
		if err != nil {
			return commitment.Commitment{}, err
		}
		if err := checkNext(id, next); err != nil {
			return commitment.Commitment{}, err
		}
		if cur.SameContent(next) {
			return cur, nil
		}
		ok, err := s.updateIfVersion(ctx, next, cur.Version)
		if err != nil {
			return commitment.Commitment{}, err
		}
		if ok {
			return s.Get(ctx, id)
		}
	}
	return commitment.Commitment{}, fmt.Errorf("%w: %s", commitment.ErrConflict, id)
}

func (s *Store) Upsert(ctx context.Context, id commitment.ID, fn commitment.UpsertFunc) (commitment.Commitment, bool, error) {
	if s == nil || s.pool == nil {
		return commitment.Commitment{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if fn == nil {
		return commitment.Commitment{}, false, fmt.Errorf("%w: nil upsert func", commitment.ErrInvalidInput)
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		exists := err == nil
		if err != nil && !errors.Is(err, commitment.ErrNotFound) {
			return commitment.Commitment{}, false, err
		}
		next, err := fn(cur.Clone(), exists)
		if err != nil {
			return commitment.Commitment{}, false, err
		}
		if err := checkNext(id, next); err != nil {
			return commitment.Commitment{}, false, err
		}

		if !exists {
			inserted, err := s.insertIfAbsent(ctx, next)
			if err != nil {
				return commitment.Commitment{}, false, err
			}
			if inserted {
				out, err := s.Get(ctx, id)
				return out, true, err
			}
			continue
		}

		if cur.SameContent(next) {
			return cur, false, nil
		}
		ok, err := s.updateIfVersion(ctx, next, cur.Version)
		if err != nil {
			return commitment.Commitment{}, false, err
		}
		if ok {
			out, err := s.Get(ctx, id)
			return out, false, err
		}
	}
	return commitment.Commitment{}, false, fmt.Errorf("%w: %s", commitment.ErrConflict, id)
}

func (s *Store) BulkUpsert(ctx context.Context, cs []commitment.Commitment) error {
	for _, c := range cs {
		if err := checkCommitment(c); err != nil {
			return err
		}
	}
	for _, c := range cs {
		c := c
		if _, _, err := s.Upsert(ctx, c.ID(), func(commitment.Commitment, bool) (commitment.Commitment, error) {
			return c, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Find(ctx context.Context, q commitment.Query) ([]commitment.Commitment, error) {
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
	if q.ChainID != 0 {
		add("chain_id = $%d", int64(q.ChainID))
	}
	if (q.Contract != common.Address{}) {
		add("contract = $%d", q.Contract[:])
	}
	if len(q.Statuses) > 0 {
		statuses := make([]int16, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, int16(st))
		}
		add("status = ANY($%d)", statuses)
	}
	if len(q.ShieldedAddresses) > 0 {
		add("shielded_address = ANY($%d)", q.ShieldedAddresses)
	}
	if (q.SerialNumber != common.Hash{}) {
		add("serial_number = $%d", q.SerialNumber[:])
	}
	if len(q.Hashes) > 0 {
		hashes := make([][]byte, 0, len(q.Hashes))
		for _, h := range q.Hashes {
			hashes = append(hashes, append([]byte(nil), h[:]...))
		}
		add("commitment_hash = ANY($%d)", hashes)
	}
	if q.OnlyOwned {
		where = append(where, "shielded_address <> ''")
	}
	if q.OnlyUnowned {
		where = append(where, "shielded_address = ''")
	}

	sql := `SELECT ` + selectColumns + ` FROM commitments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY chain_id ASC, contract ASC, leaf_index ASC NULLS LAST, commitment_hash ASC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("commitment/postgres: find: %w", err)
	}
	defer rows.Close()

	var out []commitment.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("commitment/postgres: scan find row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitment/postgres: find rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteByContract(ctx context.Context, chainID uint64, contract common.Address) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM commitments WHERE chain_id = $1 AND contract = $2`, int64(chainID), contract[:])
	if err != nil {
		return 0, fmt.Errorf("commitment/postgres: delete by contract: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) UpsertNullifier(ctx context.Context, n commitment.Nullifier) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if n.ChainID == 0 || n.ChainID > math.MaxInt64 || (n.SerialNumber == common.Hash{}) {
		return false, fmt.Errorf("%w: nullifier requires chain id and serial number", commitment.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO nullifiers (chain_id, contract, serial_number, tx_hash, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (chain_id, contract, serial_number) DO NOTHING
	`, int64(n.ChainID), n.Contract[:], n.SerialNumber[:], nullHash(n.TxHash))
	if err != nil {
		return false, fmt.Errorf("commitment/postgres: upsert nullifier: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetNullifier(ctx context.Context, chainID uint64, contract common.Address, serial common.Hash) (commitment.Nullifier, error) {
	if s == nil || s.pool == nil {
		return commitment.Nullifier{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var (
		txHashRaw []byte
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tx_hash, created_at
		FROM nullifiers
		WHERE chain_id = $1 AND contract = $2 AND serial_number = $3
	`, int64(chainID), contract[:], serial[:]).Scan(&txHashRaw, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commitment.Nullifier{}, commitment.ErrNotFound
		}
		return commitment.Nullifier{}, fmt.Errorf("commitment/postgres: get nullifier: %w", err)
	}
	txHash, err := toHash(txHashRaw)
	if err != nil {
		return commitment.Nullifier{}, err
	}
	return commitment.Nullifier{
		ChainID:      chainID,
		Contract:     contract,
		SerialNumber: serial,
		TxHash:       txHash,
		CreatedAt:    createdAt.UTC(),
	}, nil
}

func (s *Store) DeleteNullifiers(ctx context.Context, chainID uint64, contract common.Address) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM nullifiers WHERE chain_id = $1 AND contract = $2`, int64(chainID), contract[:])
	if err != nil {
		return 0, fmt.Errorf("commitment/postgres: delete nullifiers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) insertIfAbsent(ctx context.Context, c commitment.Commitment) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO commitments (
			chain_id,
			contract,
			commitment_hash,
			status,
			leaf_index,
			encrypted_note,
			amount,
			rollup_fee,
			serial_number,
			shielded_address,
			creation_tx_hash,
			relay_tx_hash,
			rollup_tx_hash,
			spending_tx_hash,
			version,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7::text::numeric,$8::text::numeric,$9,$10,$11,$12,$13,$14,1,now(),now())
		ON CONFLICT (chain_id, contract, commitment_hash) DO NOTHING
	`,
		int64(c.ChainID),
		c.Contract[:],
		c.CommitmentHash[:],
		int16(c.Status),
		leafArg(c),
		c.EncryptedNote,
		numericArg(c.Amount),
		numericArg(c.RollupFee),
		nullHash(c.SerialNumber),
		c.ShieldedAddress,
		nullHash(c.CreationTxHash),
		nullHash(c.RelayTxHash),
		nullHash(c.RollupTxHash),
		nullHash(c.SpendingTxHash),
	)
	if err != nil {
		return false, fmt.Errorf("commitment/postgres: insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) updateIfVersion(ctx context.Context, c commitment.Commitment, version uint64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commitments
		SET
			status = $4,
			leaf_index = $5,
			encrypted_note = $6,
			amount = $7::text::numeric,
			rollup_fee = $8::text::numeric,
			serial_number = $9,
			shielded_address = $10,
			creation_tx_hash = $11,
			relay_tx_hash = $12,
			rollup_tx_hash = $13,
			spending_tx_hash = $14,
			version = version + 1,
			updated_at = now()
		WHERE chain_id = $1 AND contract = $2 AND commitment_hash = $3 AND version = $15
	`,
		int64(c.ChainID),
		c.Contract[:],
		c.CommitmentHash[:],
		int16(c.Status),
		leafArg(c),
		c.EncryptedNote,
		numericArg(c.Amount),
		numericArg(c.RollupFee),
		nullHash(c.SerialNumber),
		c.ShieldedAddress,
		nullHash(c.CreationTxHash),
		nullHash(c.RelayTxHash),
		nullHash(c.RollupTxHash),
		nullHash(c.SpendingTxHash),
		int64(version),
	)
	if err != nil {
		return false, fmt.Errorf("commitment/postgres: update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanCommitment(row pgx.Row) (commitment.Commitment, error) {
	var (
		chainID         int64
		contractRaw     []byte
		hashRaw         []byte
		status          int16
		leafIndex       *int64
		encryptedNote   []byte
		amount          *string
		rollupFee       *string
		serialRaw       []byte
		shieldedAddress string
		creationRaw     []byte
		relayRaw        []byte
		rollupRaw       []byte
		spendingRaw     []byte
		version         int64
		createdAt       time.Time
		updatedAt       time.Time
	)
	if err := row.Scan(
		&chainID,
		&contractRaw,
		&hashRaw,
		&status,
		&leafIndex,
		&encryptedNote,
		&amount,
		&rollupFee,
		&serialRaw,
		&shieldedAddress,
		&creationRaw,
		&relayRaw,
		&rollupRaw,
		&spendingRaw,
		&version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return commitment.Commitment{}, err
	}
	if chainID <= 0 || version < 0 {
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: invalid values in db")
	}
	if len(contractRaw) != common.AddressLength {
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: expected 20 bytes, got %d", len(contractRaw))
	}

	c := commitment.Commitment{
		ChainID:         uint64(chainID),
		Contract:        common.BytesToAddress(contractRaw),
		Status:          commitment.Status(status),
		ShieldedAddress: shieldedAddress,
		Version:         uint64(version),
		CreatedAt:       createdAt.UTC(),
		UpdatedAt:       updatedAt.UTC(),
	}
	if encryptedNote != nil {
		c.EncryptedNote = append([]byte(nil), encryptedNote...)
	}
	if leafIndex != nil {
		if *leafIndex < 0 {
			return commitment.Commitment{}, fmt.Errorf("commitment/postgres: negative leaf index in db")
		}
		c = c.SetLeafIndex(uint64(*leafIndex))
	}

	var err error
	if c.CommitmentHash, err = toHash(hashRaw); err != nil {
		return commitment.Commitment{}, err
	}
	if c.SerialNumber, err = toHash(serialRaw); err != nil {
		return commitment.Commitment{}, err
	}
	if c.CreationTxHash, err = toHash(creationRaw); err != nil {
		return commitment.Commitment{}, err
	}
	if c.RelayTxHash, err = toHash(relayRaw); err != nil {
		return commitment.Commitment{}, err
	}
	if c.RollupTxHash, err = toHash(rollupRaw); err != nil {
		return commitment.Commitment{}, err
	}
	if c.SpendingTxHash, err = toHash(spendingRaw); err != nil {
		return commitment.Commitment{}, err
	}
	if c.Amount, err = parseNumeric(amount); err != nil {
		return commitment.Commitment{}, err
	}
	if c.RollupFee, err = parseNumeric(rollupFee); err != nil {
		return commitment.Commitment{}, err
	}
	return c, nil
}

func checkCommitment(c commitment.Commitment) error {
	if err := commitment.Validate(c); err != nil {
		return err
	}
	if c.ChainID > math.MaxInt64 || (c.HasLeafIndex && c.LeafIndex > math.MaxInt64) {
		return fmt.Errorf("%w: value out of range", commitment.ErrInvalidInput)
	}
	return nil
}

func checkNext(id commitment.ID, next commitment.Commitment) error {
	if next.ID() != id {
		return fmt.Errorf("%w: update changed identity of %s", commitment.ErrInvalidInput, id)
	}
	return checkCommitment(next)
}

func leafArg(c commitment.Commitment) *int64 {
	if !c.HasLeafIndex {
		return nil
	}
	v := int64(c.LeafIndex)
	return &v
}

func numericArg(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("commitment/postgres: invalid numeric %q in db", *s)
	}
	return v, nil
}

func nullHash(h common.Hash) []byte {
	if (h == common.Hash{}) {
		return nil
	}
	return append([]byte(nil), h[:]...)
}

func toHash(b []byte) (common.Hash, error) {
	if b == nil {
		return common.Hash{}, nil
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("commitment/postgres: expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

var (
	_ commitment.Store          = (*Store)(nil)
	_ commitment.NullifierStore = (*Store)(nil)
)
