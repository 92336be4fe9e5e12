package config

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const sampleYAML = `
sync:
  interval: 30s
merkle:
  depth: 16
protocol:
  auditorPublicKeys: ["0x01", "0x02"]
chains:
  - chainId: 11155111
    name: sepolia
    assetSymbol: ETH
    assetDecimals: 18
    rpcUrl: http://localhost:8545
    confirmations: 2
    pools:
      - address: "0x0000000000000000000000000000000000000a01"
        assetSymbol: ETH
        assetDecimals: 18
        bridgeType: loop
        startBlock: 100
        minRollupFee: "100000000000000000"
      - address: "0x0000000000000000000000000000000000000a02"
        assetSymbol: USDT
        assetAddress: "0x0000000000000000000000000000000000000e20"
        assetDecimals: 6
        bridgeType: tbridge
    deposits:
      - address: "0x0000000000000000000000000000000000000d01"
        assetSymbol: ETH
        assetDecimals: 18
        bridgeType: loop
        peerPoolAddress: "0x0000000000000000000000000000000000000a01"
        minAmount: "1000000000000000"
        maxAmount: "1000000000000000000000"
  - chainId: 97
    name: bsc-testnet
    source: indexer
    indexerUrl: http://indexer.local/graphql
    pools:
      - address: "0x0000000000000000000000000000000000000b01"
        assetSymbol: USDT
        assetAddress: "0x0000000000000000000000000000000000000e21"
        assetDecimals: 18
        bridgeType: tbridge
    deposits:
      - address: "0x0000000000000000000000000000000000000d02"
        assetSymbol: USDT
        assetAddress: "0x0000000000000000000000000000000000000e21"
        assetDecimals: 18
        bridgeType: tbridge
        peerChainId: 11155111
        peerPoolAddress: "0x0000000000000000000000000000000000000a02"
        minBridgeFee: "1000"
`

func TestParse_DefaultsAndLookups(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Fatalf("interval: got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.LeaseTTL != 90*time.Second {
		t.Fatalf("lease ttl: got %v", cfg.Sync.LeaseTTL)
	}
	if cfg.Protocol.AuditorCount != 2 {
		t.Fatalf("auditor count: got %d", cfg.Protocol.AuditorCount)
	}
	if cfg.Protocol.RPCTimeout != 30*time.Second {
		t.Fatalf("rpc timeout: got %v", cfg.Protocol.RPCTimeout)
	}

	ch, err := cfg.Chain(11155111)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if ch.Source != SourceRPC || ch.EventFilterSize != 2000 {
		t.Fatalf("chain defaults: %+v", ch)
	}

	pool, err := cfg.PoolByAsset(11155111, "eth", BridgeLoop, 0)
	if err != nil {
		t.Fatalf("PoolByAsset: %v", err)
	}
	if pool.Address != common.HexToAddress("0x0a01") || !pool.IsNative() {
		t.Fatalf("pool: %+v", pool)
	}
	if pool.MinRollupFee.String() != "100000000000000000" {
		t.Fatalf("min rollup fee: got %s", pool.MinRollupFee)
	}
	if pool.Version != ProtocolV2 {
		t.Fatalf("version: got %d", pool.Version)
	}

	route, err := cfg.DepositRoute(97, 11155111, "USDT", BridgeTBridge)
	if err != nil {
		t.Fatalf("DepositRoute: %v", err)
	}
	if route.DestinationChain(97) != 11155111 {
		t.Fatalf("destination: got %d", route.DestinationChain(97))
	}
	if route.MinBridgeFee.Big().Int64() != 1000 {
		t.Fatalf("bridge fee: got %s", route.MinBridgeFee)
	}
}

func TestLookups_ReturnConfigurationErrors(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := cfg.Chain(1); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("Chain(1): got %v want ErrUnknownChain", err)
	}
	if _, err := cfg.Pool(97, common.HexToAddress("0xdead")); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("Pool: got %v want ErrUnknownContract", err)
	}
	if _, err := cfg.DepositRoute(11155111, 97, "ETH", BridgeLoop); !errors.Is(err, ErrUnknownContract) {
		t.Fatalf("DepositRoute: got %v want ErrUnknownContract", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{name: "no chains", yaml: "sync: {}"},
		{name: "duplicate chain", yaml: `
chains:
  - chainId: 1
  - chainId: 1
`},
		{name: "indexer without url", yaml: `
chains:
  - chainId: 1
    source: indexer
`},
		{name: "bad bridge", yaml: `
chains:
  - chainId: 1
    pools:
      - address: "0x0000000000000000000000000000000000000a01"
        bridgeType: teleport
`},
		{name: "unknown peer pool", yaml: `
chains:
  - chainId: 1
    deposits:
      - address: "0x0000000000000000000000000000000000000d01"
        bridgeType: loop
        peerPoolAddress: "0x0000000000000000000000000000000000000a09"
`},
		{name: "negative amount", yaml: `
chains:
  - chainId: 1
    pools:
      - address: "0x0000000000000000000000000000000000000a01"
        bridgeType: loop
        minRollupFee: "-1"
`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tc.yaml)); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Parse: got %v want ErrInvalidConfig", err)
			}
		})
	}
}
