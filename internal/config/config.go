package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig   = errors.New("config: invalid config")
	ErrUnknownChain    = errors.New("config: unknown chain")
	ErrUnknownContract = errors.New("config: unknown contract")
)

type BridgeType string

const (
	BridgeLoop      BridgeType = "loop"
	BridgeTBridge   BridgeType = "tbridge"
	BridgeCeler     BridgeType = "celer"
	BridgeLayerZero BridgeType = "layerzero"
	BridgeAxelar    BridgeType = "axelar"
	BridgeWormhole  BridgeType = "wormhole"
)

func (b BridgeType) Valid() bool {
	switch b {
	case BridgeLoop, BridgeTBridge, BridgeCeler, BridgeLayerZero, BridgeAxelar, BridgeWormhole:
		return true
	default:
		return false
	}
}

// IsLoop reports whether deposits through this bridge land in a pool on the same chain.
func (b BridgeType) IsLoop() bool { return b == BridgeLoop }

type ProtocolVersion uint8

const (
	ProtocolV2 ProtocolVersion = 2
)

type SourceKind string

const (
	SourceRPC       SourceKind = "rpc"
	SourceIndexer   SourceKind = "indexer"
	SourceSequencer SourceKind = "sequencer"
	SourcePacker    SourceKind = "packer"
)

type Rehydration string

const (
	RehydrateRemote Rehydration = "remote"
	RehydrateLocal  Rehydration = "local"
)

// Amount is a base-unit integer that accepts YAML strings or integers.
type Amount struct {
	*big.Int
}

func NewAmount(v int64) Amount { return Amount{big.NewInt(v)} }

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" {
		a.Int = new(big.Int)
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("%w: invalid amount %q", ErrInvalidConfig, node.Value)
	}
	a.Int = v
	return nil
}

func (a Amount) MarshalYAML() (any, error) {
	if a.Int == nil {
		return "0", nil
	}
	return a.Int.String(), nil
}

// Big returns a copy of the amount, zero when unset.
func (a Amount) Big() *big.Int {
	if a.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Int)
}

type Config struct {
	Sync     SyncConfig     `yaml:"sync"`
	Merkle   MerkleConfig   `yaml:"merkle"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Chains   []ChainConfig  `yaml:"chains"`
}

type SyncConfig struct {
	InitialDelay    time.Duration `yaml:"initialDelay"`
	Interval        time.Duration `yaml:"interval"`
	ChainTimeout    time.Duration `yaml:"chainTimeout"`
	ScanConcurrency int           `yaml:"scanConcurrency"`
	LeaseName       string        `yaml:"leaseName"`
	LeaseTTL        time.Duration `yaml:"leaseTTL"`
}

type MerkleConfig struct {
	Depth       int         `yaml:"depth"`
	Rehydration Rehydration `yaml:"rehydration"`
}

type ProtocolConfig struct {
	AuditorPublicKeys []string      `yaml:"auditorPublicKeys"`
	AuditorCount      int           `yaml:"auditorCount"`
	ProofTimeout      time.Duration `yaml:"proofTimeout"`
	RelayerTimeout    time.Duration `yaml:"relayerTimeout"`
	TxTimeout         time.Duration `yaml:"txTimeout"`
	// RPCTimeout bounds each contract read made while building or running an operation.
	RPCTimeout        time.Duration `yaml:"rpcTimeout"`
}

type ChainConfig struct {
	ChainID       uint64 `yaml:"chainId"`
	Name          string `yaml:"name"`
	AssetSymbol   string `yaml:"assetSymbol"`
	AssetDecimals int32  `yaml:"assetDecimals"`

	RPCURL          string        `yaml:"rpcUrl"`
	EventFilterSize uint64        `yaml:"eventFilterSize"`
	Confirmations   uint64        `yaml:"confirmations"`
	SyncTimeout     time.Duration `yaml:"syncTimeout"`

	Source       SourceKind `yaml:"source"`
	IndexerURL   string     `yaml:"indexerUrl"`
	SequencerURL string     `yaml:"sequencerUrl"`
	PackerPrefix string     `yaml:"packerPrefix"`

	Pools    []PoolConfig    `yaml:"pools"`
	Deposits []DepositConfig `yaml:"deposits"`
}

type PoolConfig struct {
	Address       common.Address  `yaml:"address"`
	AssetSymbol   string          `yaml:"assetSymbol"`
	AssetAddress  common.Address  `yaml:"assetAddress"`
	AssetDecimals int32           `yaml:"assetDecimals"`
	BridgeType    BridgeType      `yaml:"bridgeType"`
	Version       ProtocolVersion `yaml:"version"`
	StartBlock    uint64          `yaml:"startBlock"`
	MinRollupFee  Amount          `yaml:"minRollupFee"`
	Disabled      bool            `yaml:"disabled"`
}

// IsNative reports whether the pool holds the chain's native asset.
func (p PoolConfig) IsNative() bool { return p.AssetAddress == (common.Address{}) }

type DepositConfig struct {
	Address       common.Address  `yaml:"address"`
	AssetSymbol   string          `yaml:"assetSymbol"`
	AssetAddress  common.Address  `yaml:"assetAddress"`
	AssetDecimals int32           `yaml:"assetDecimals"`
	BridgeType    BridgeType      `yaml:"bridgeType"`
	Version       ProtocolVersion `yaml:"version"`
	StartBlock    uint64          `yaml:"startBlock"`

	PeerChainID     uint64         `yaml:"peerChainId"`
	PeerPoolAddress common.Address `yaml:"peerPoolAddress"`

	MinAmount      Amount `yaml:"minAmount"`
	MaxAmount      Amount `yaml:"maxAmount"`
	MinBridgeFee   Amount `yaml:"minBridgeFee"`
	MinExecutorFee Amount `yaml:"minExecutorFee"`
	Disabled       bool   `yaml:"disabled"`
}

func (d DepositConfig) IsNative() bool { return d.AssetAddress == (common.Address{}) }

// Load reads, defaults and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = time.Minute
	}
	if c.Sync.ChainTimeout <= 0 {
		c.Sync.ChainTimeout = 2 * time.Minute
	}
	if c.Sync.ScanConcurrency <= 0 {
		c.Sync.ScanConcurrency = 4
	}
	if c.Sync.LeaseName == "" {
		c.Sync.LeaseName = "veil-sync"
	}
	if c.Sync.LeaseTTL <= 0 {
		c.Sync.LeaseTTL = 3 * c.Sync.Interval
	}
	if c.Merkle.Depth <= 0 {
		c.Merkle.Depth = 20
	}
	if c.Merkle.Rehydration == "" {
		c.Merkle.Rehydration = RehydrateRemote
	}
	if c.Protocol.ProofTimeout <= 0 {
		c.Protocol.ProofTimeout = 10 * time.Minute
	}
	if c.Protocol.RelayerTimeout <= 0 {
		c.Protocol.RelayerTimeout = 5 * time.Minute
	}
	if c.Protocol.TxTimeout <= 0 {
		c.Protocol.TxTimeout = 5 * time.Minute
	}
	if c.Protocol.RPCTimeout <= 0 {
		c.Protocol.RPCTimeout = 30 * time.Second
	}
	if c.Protocol.AuditorCount == 0 {
		c.Protocol.AuditorCount = len(c.Protocol.AuditorPublicKeys)
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.EventFilterSize == 0 {
			ch.EventFilterSize = 2000
		}
		if ch.SyncTimeout <= 0 {
			ch.SyncTimeout = c.Sync.ChainTimeout
		}
		if ch.Source == "" {
			ch.Source = SourceRPC
		}
		for j := range ch.Pools {
			if ch.Pools[j].Version == 0 {
				ch.Pools[j].Version = ProtocolV2
			}
		}
		for j := range ch.Deposits {
			if ch.Deposits[j].Version == 0 {
				ch.Deposits[j].Version = ProtocolV2
			}
		}
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: at least one chain is required", ErrInvalidConfig)
	}
	if c.Merkle.Depth > 32 {
		return fmt.Errorf("%w: merkle depth must be <= 32", ErrInvalidConfig)
	}
	if c.Merkle.Rehydration != RehydrateRemote && c.Merkle.Rehydration != RehydrateLocal {
		return fmt.Errorf("%w: unknown merkle rehydration %q", ErrInvalidConfig, c.Merkle.Rehydration)
	}
	if c.Protocol.AuditorCount < 0 {
		return fmt.Errorf("%w: auditorCount must be >= 0", ErrInvalidConfig)
	}

	seen := make(map[uint64]struct{}, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("%w: chainId must be non-zero", ErrInvalidConfig)
		}
		if _, ok := seen[ch.ChainID]; ok {
			return fmt.Errorf("%w: duplicate chainId %d", ErrInvalidConfig, ch.ChainID)
		}
		seen[ch.ChainID] = struct{}{}

		switch ch.Source {
		case SourceRPC, SourcePacker:
		case SourceIndexer:
			if strings.TrimSpace(ch.IndexerURL) == "" {
				return fmt.Errorf("%w: chain %d: indexerUrl is required", ErrInvalidConfig, ch.ChainID)
			}
		case SourceSequencer:
			if strings.TrimSpace(ch.SequencerURL) == "" {
				return fmt.Errorf("%w: chain %d: sequencerUrl is required", ErrInvalidConfig, ch.ChainID)
			}
		default:
			return fmt.Errorf("%w: chain %d: unknown source %q", ErrInvalidConfig, ch.ChainID, ch.Source)
		}

		pools := make(map[common.Address]struct{}, len(ch.Pools))
		for _, p := range ch.Pools {
			if (p.Address == common.Address{}) {
				return fmt.Errorf("%w: chain %d: pool address must be non-zero", ErrInvalidConfig, ch.ChainID)
			}
			if _, ok := pools[p.Address]; ok {
				return fmt.Errorf("%w: chain %d: duplicate pool %s", ErrInvalidConfig, ch.ChainID, p.Address)
			}
			pools[p.Address] = struct{}{}
			if !p.BridgeType.Valid() {
				return fmt.Errorf("%w: pool %s: unknown bridge type %q", ErrInvalidConfig, p.Address, p.BridgeType)
			}
			if p.AssetDecimals < 0 || p.AssetDecimals > 36 {
				return fmt.Errorf("%w: pool %s: invalid asset decimals", ErrInvalidConfig, p.Address)
			}
		}
		for _, d := range ch.Deposits {
			if (d.Address == common.Address{}) {
				return fmt.Errorf("%w: chain %d: deposit address must be non-zero", ErrInvalidConfig, ch.ChainID)
			}
			if !d.BridgeType.Valid() {
				return fmt.Errorf("%w: deposit %s: unknown bridge type %q", ErrInvalidConfig, d.Address, d.BridgeType)
			}
			if d.BridgeType.IsLoop() && d.PeerChainID != 0 && d.PeerChainID != ch.ChainID {
				return fmt.Errorf("%w: deposit %s: loop deposit must target its own chain", ErrInvalidConfig, d.Address)
			}
			if (d.PeerPoolAddress == common.Address{}) {
				return fmt.Errorf("%w: deposit %s: peerPoolAddress is required", ErrInvalidConfig, d.Address)
			}
			if d.MaxAmount.Int != nil && d.MaxAmount.Sign() > 0 && d.MinAmount.Int != nil && d.MaxAmount.Cmp(d.MinAmount.Int) < 0 {
				return fmt.Errorf("%w: deposit %s: maxAmount < minAmount", ErrInvalidConfig, d.Address)
			}
		}
	}
	for i := range c.Chains {
		for _, d := range c.Chains[i].Deposits {
			peer := d.PeerChainID
			if peer == 0 {
				peer = c.Chains[i].ChainID
			}
			if _, err := c.Pool(peer, d.PeerPoolAddress); err != nil {
				return fmt.Errorf("%w: deposit %s: peer pool %s on chain %d not configured", ErrInvalidConfig, d.Address, d.PeerPoolAddress, peer)
			}
		}
	}
	return nil
}

func (c *Config) Chain(chainID uint64) (ChainConfig, error) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
}

func (c *Config) Pool(chainID uint64, addr common.Address) (PoolConfig, error) {
	ch, err := c.Chain(chainID)
	if err != nil {
		return PoolConfig{}, err
	}
	for _, p := range ch.Pools {
		if p.Address == addr {
			return p, nil
		}
	}
	return PoolConfig{}, fmt.Errorf("%w: pool %s on chain %d", ErrUnknownContract, addr, chainID)
}

// PoolByAsset picks the enabled pool holding assetSymbol with the given bridge type.
// A zero version matches any version; the highest version wins.
func (c *Config) PoolByAsset(chainID uint64, assetSymbol string, bridge BridgeType, version ProtocolVersion) (PoolConfig, error) {
	ch, err := c.Chain(chainID)
	if err != nil {
		return PoolConfig{}, err
	}
	var (
		best  PoolConfig
		found bool
	)
	for _, p := range ch.Pools {
		if p.Disabled || !strings.EqualFold(p.AssetSymbol, assetSymbol) || p.BridgeType != bridge {
			continue
		}
		if version != 0 && p.Version != version {
			continue
		}
		if !found || p.Version > best.Version {
			best, found = p, true
		}
	}
	if !found {
		return PoolConfig{}, fmt.Errorf("%w: no %s pool for %s on chain %d", ErrUnknownContract, bridge, assetSymbol, chainID)
	}
	return best, nil
}

func (c *Config) Deposit(chainID uint64, addr common.Address) (DepositConfig, error) {
	ch, err := c.Chain(chainID)
	if err != nil {
		return DepositConfig{}, err
	}
	for _, d := range ch.Deposits {
		if d.Address == addr {
			return d, nil
		}
	}
	return DepositConfig{}, fmt.Errorf("%w: deposit contract %s on chain %d", ErrUnknownContract, addr, chainID)
}

// DepositRoute resolves the deposit contract for an asset moving from srcChainID to dstChainID.
func (c *Config) DepositRoute(srcChainID, dstChainID uint64, assetSymbol string, bridge BridgeType) (DepositConfig, error) {
	ch, err := c.Chain(srcChainID)
	if err != nil {
		return DepositConfig{}, err
	}
	if _, err := c.Chain(dstChainID); err != nil {
		return DepositConfig{}, err
	}
	for _, d := range ch.Deposits {
		if d.Disabled || d.BridgeType != bridge || !strings.EqualFold(d.AssetSymbol, assetSymbol) {
			continue
		}
		peer := d.PeerChainID
		if peer == 0 {
			peer = srcChainID
		}
		if peer == dstChainID {
			return d, nil
		}
	}
	return DepositConfig{}, fmt.Errorf("%w: no %s deposit route for %s from chain %d to %d", ErrUnknownContract, bridge, assetSymbol, srcChainID, dstChainID)
}

// DestinationChain returns the chain a deposit contract delivers to.
func (d DepositConfig) DestinationChain(srcChainID uint64) uint64 {
	if d.PeerChainID == 0 {
		return srcChainID
	}
	return d.PeerChainID
}

// ContractAddresses lists pool and deposit contracts synchronized for a chain.
func (ch ChainConfig) ContractAddresses() []common.Address {
	out := make([]common.Address, 0, len(ch.Pools)+len(ch.Deposits))
	for _, p := range ch.Pools {
		out = append(out, p.Address)
	}
	return out
}

// StartBlock returns the configured first block for a synchronized contract.
func (ch ChainConfig) StartBlock(addr common.Address) uint64 {
	for _, p := range ch.Pools {
		if p.Address == addr {
			return p.StartBlock
		}
	}
	return 0
}

// BridgeTypeOf returns the bridge type of a pool on this chain, defaulting to loop.
func (ch ChainConfig) BridgeTypeOf(addr common.Address) BridgeType {
	for _, p := range ch.Pools {
		if p.Address == addr {
			return p.BridgeType
		}
	}
	return BridgeLoop
}
