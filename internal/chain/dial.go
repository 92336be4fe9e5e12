package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/eth"
)

// Dial connects to the chain's RPC endpoint. When signer is non-nil the
// provider can also send transactions through an eth.Sender built from sc;
// sc.ChainID and sc.Confirmations default to the chain config.
func Dial(ctx context.Context, ch config.ChainConfig, signer eth.Signer, sc eth.SenderConfig) (*EthProvider, func(), error) {
	client, err := ethclient.DialContext(ctx, ch.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain %d: dial rpc: %w", ch.ChainID, err)
	}
	var wallet Wallet
	if signer != nil {
		if sc.ChainID == nil {
			sc.ChainID = new(big.Int).SetUint64(ch.ChainID)
		}
		if sc.Confirmations == 0 {
			sc.Confirmations = ch.Confirmations
		}
		s, err := eth.NewSender(client, signer, sc)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		wallet = s
	}
	p, err := NewEthProvider(ch.ChainID, client, wallet)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return p, client.Close, nil
}
