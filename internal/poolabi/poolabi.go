package poolabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidInput = errors.New("poolabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	poolABI    abi.ABI
	depositABI abi.ABI
	erc20ABI   abi.ABI

	transactArgs abi.Arguments
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		if poolABI, err = abi.JSON(strings.NewReader(PoolABIJSON)); err != nil {
			initErr = fmt.Errorf("poolabi: parse pool ABI: %w", err)
			return
		}
		if depositABI, err = abi.JSON(strings.NewReader(DepositABIJSON)); err != nil {
			initErr = fmt.Errorf("poolabi: parse deposit ABI: %w", err)
			return
		}
		if erc20ABI, err = abi.JSON(strings.NewReader(ERC20ABIJSON)); err != nil {
			initErr = fmt.Errorf("poolabi: parse erc20 ABI: %w", err)
			return
		}
		transactArgs = poolABI.Methods["transact"].Inputs[:1]
	})
	return initErr
}

// QueuedEvent mirrors Pool.CommitmentQueued.
type QueuedEvent struct {
	Commitment    common.Hash
	RollupFee     *big.Int
	LeafIndex     uint64
	EncryptedNote []byte
}

// IncludedEvent mirrors Pool.CommitmentIncluded.
type IncludedEvent struct {
	Commitment common.Hash
}

// SpentEvent mirrors Pool.CommitmentSpent.
type SpentEvent struct {
	RootHash     common.Hash
	SerialNumber common.Hash
}

func QueuedTopic() common.Hash   { return eventID("CommitmentQueued") }
func IncludedTopic() common.Hash { return eventID("CommitmentIncluded") }
func SpentTopic() common.Hash    { return eventID("CommitmentSpent") }

func eventID(name string) common.Hash {
	if err := initABI(); err != nil {
		return common.Hash{}
	}
	return poolABI.Events[name].ID
}

func ParseQueued(lg types.Log) (QueuedEvent, error) {
	if err := initABI(); err != nil {
		return QueuedEvent{}, err
	}
	ev := poolABI.Events["CommitmentQueued"]
	if len(lg.Topics) < 2 || lg.Topics[0] != ev.ID {
		return QueuedEvent{}, fmt.Errorf("%w: not a CommitmentQueued log", ErrInvalidInput)
	}
	fields, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return QueuedEvent{}, fmt.Errorf("poolabi: decode CommitmentQueued data: %w", err)
	}
	if len(fields) != 3 {
		return QueuedEvent{}, fmt.Errorf("poolabi: unexpected CommitmentQueued field count: got=%d want=3", len(fields))
	}
	fee, ok := fields[0].(*big.Int)
	if !ok {
		return QueuedEvent{}, errors.New("poolabi: decode rollupFee: expected *big.Int")
	}
	leaf, ok := fields[1].(*big.Int)
	if !ok || !leaf.IsUint64() {
		return QueuedEvent{}, errors.New("poolabi: decode leafIndex: out of range")
	}
	note, ok := fields[2].([]byte)
	if !ok {
		return QueuedEvent{}, errors.New("poolabi: decode encryptedNote: expected []byte")
	}
	return QueuedEvent{
		Commitment:    lg.Topics[1],
		RollupFee:     new(big.Int).Set(fee),
		LeafIndex:     leaf.Uint64(),
		EncryptedNote: append([]byte(nil), note...),
	}, nil
}

func ParseIncluded(lg types.Log) (IncludedEvent, error) {
	if err := initABI(); err != nil {
		return IncludedEvent{}, err
	}
	if len(lg.Topics) < 2 || lg.Topics[0] != poolABI.Events["CommitmentIncluded"].ID {
		return IncludedEvent{}, fmt.Errorf("%w: not a CommitmentIncluded log", ErrInvalidInput)
	}
	return IncludedEvent{Commitment: lg.Topics[1]}, nil
}

func ParseSpent(lg types.Log) (SpentEvent, error) {
	if err := initABI(); err != nil {
		return SpentEvent{}, err
	}
	if len(lg.Topics) < 3 || lg.Topics[0] != poolABI.Events["CommitmentSpent"].ID {
		return SpentEvent{}, fmt.Errorf("%w: not a CommitmentSpent log", ErrInvalidInput)
	}
	return SpentEvent{RootHash: lg.Topics[1], SerialNumber: lg.Topics[2]}, nil
}

// DepositRequest mirrors the argument of Deposit.deposit.
type DepositRequest struct {
	Commitment    common.Hash
	Amount        *big.Int
	RollupFee     *big.Int
	BridgeFee     *big.Int
	ExecutorFee   *big.Int
	EncryptedNote []byte
}

func PackDeposit(req DepositRequest) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	b, err := depositABI.Pack("deposit",
		req.Commitment,
		req.Amount,
		orZero(req.RollupFee),
		orZero(req.BridgeFee),
		orZero(req.ExecutorFee),
		req.EncryptedNote,
	)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack deposit: %w", err)
	}
	return b, nil
}

// TransactRequest mirrors Pool.TransactRequest. Field names match the Solidity tuple.
type TransactRequest struct {
	Proof                 []byte
	RootHash              common.Hash
	SerialNumbers         []common.Hash
	Commitments           []common.Hash
	EncryptedNotes        [][]byte
	EncryptedAuditorNotes [][]byte
	PublicAmount          *big.Int
	PublicRecipient       common.Address
	RollupFee             *big.Int
	RelayerFee            *big.Int
	RelayerAddress        common.Address
	SigPk                 common.Address
}

func (r TransactRequest) normalized() TransactRequest {
	r.PublicAmount = orZero(r.PublicAmount)
	r.RollupFee = orZero(r.RollupFee)
	r.RelayerFee = orZero(r.RelayerFee)
	if r.SerialNumbers == nil {
		r.SerialNumbers = []common.Hash{}
	}
	if r.Commitments == nil {
		r.Commitments = []common.Hash{}
	}
	if r.EncryptedNotes == nil {
		r.EncryptedNotes = [][]byte{}
	}
	if r.EncryptedAuditorNotes == nil {
		r.EncryptedAuditorNotes = [][]byte{}
	}
	return r
}

// TransactSigningHash is the message signed by SigPk to authorize a transact call.
func TransactSigningHash(req TransactRequest) (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	b, err := transactArgs.Pack(req.normalized())
	if err != nil {
		return common.Hash{}, fmt.Errorf("poolabi: pack transact request: %w", err)
	}
	return crypto.Keccak256Hash(b), nil
}

func PackTransact(req TransactRequest, signature []byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(req.SerialNumbers) == 0 {
		return nil, fmt.Errorf("%w: at least one serial number is required", ErrInvalidInput)
	}
	if len(req.EncryptedNotes) != len(req.Commitments) {
		return nil, fmt.Errorf("%w: encrypted note count must match commitment count", ErrInvalidInput)
	}
	b, err := poolABI.Pack("transact", req.normalized(), signature)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack transact: %w", err)
	}
	return b, nil
}

// UnpackTransact decodes transact calldata, e.g. for relayer-side validation.
func UnpackTransact(calldata []byte) (TransactRequest, []byte, error) {
	if err := initABI(); err != nil {
		return TransactRequest{}, nil, err
	}
	m := poolABI.Methods["transact"]
	if len(calldata) < 4 || string(calldata[:4]) != string(m.ID) {
		return TransactRequest{}, nil, fmt.Errorf("%w: not transact calldata", ErrInvalidInput)
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return TransactRequest{}, nil, fmt.Errorf("poolabi: unpack transact: %w", err)
	}
	var out struct {
		Request   TransactRequest
		Signature []byte
	}
	if err := m.Inputs.Copy(&out, vals); err != nil {
		return TransactRequest{}, nil, fmt.Errorf("poolabi: copy transact: %w", err)
	}
	return out.Request, out.Signature, nil
}

func PackIsKnownRoot(root common.Hash) ([]byte, error) {
	return packPool("isKnownRoot", root)
}

func PackIsSpentSerialNumber(serial common.Hash) ([]byte, error) {
	return packPool("isSpentSerialNumber", serial)
}

func PackMinRollupFee() ([]byte, error) {
	return packPool("minRollupFee")
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return packERC20("allowance", owner, spender)
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return packERC20("approve", spender, orZero(amount))
}

func PackBalanceOf(owner common.Address) ([]byte, error) {
	return packERC20("balanceOf", owner)
}

// UnpackBool decodes a single bool return value.
func UnpackBool(ret []byte) (bool, error) {
	if len(ret) != 32 {
		return false, fmt.Errorf("%w: bool return must be 32 bytes, got %d", ErrInvalidInput, len(ret))
	}
	v := new(big.Int).SetBytes(ret)
	if v.Cmp(big.NewInt(1)) > 0 {
		return false, fmt.Errorf("%w: invalid bool encoding", ErrInvalidInput)
	}
	return v.Sign() == 1, nil
}

// UnpackUint256 decodes a single uint256 return value.
func UnpackUint256(ret []byte) (*big.Int, error) {
	if len(ret) != 32 {
		return nil, fmt.Errorf("%w: uint256 return must be 32 bytes, got %d", ErrInvalidInput, len(ret))
	}
	return new(big.Int).SetBytes(ret), nil
}

func packPool(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := poolABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack %s: %w", method, err)
	}
	return b, nil
}

func packERC20(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("poolabi: pack %s: %w", method, err)
	}
	return b, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
