package importer

import (
	"fmt"
	"net/http"

	"github.com/veilpool/veil-core/internal/blobstore"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/config"
)

// SourceOptions carries the shared clients a chain's source may need.
type SourceOptions struct {
	Blobs          blobstore.Store
	HTTPClient     *http.Client
	SequencerToken string
}

// NewSources builds the configured source of a chain. Every source other than
// rpc is paired with an rpc catch-up source for blocks past its watermark.
func NewSources(ch config.ChainConfig, p chain.Provider, opts SourceOptions) (src Source, catchUp Source, err error) {
	if p == nil {
		return nil, nil, fmt.Errorf("%w: chain %d has no provider", ErrInvalidConfig, ch.ChainID)
	}
	rpc := NewRPCSource(p)
	switch ch.Source {
	case config.SourceRPC, "":
		return rpc, nil, nil
	case config.SourceIndexer:
		src, err = NewIndexerSource(ch.IndexerURL, ch.ChainID, opts.HTTPClient)
	case config.SourceSequencer:
		src, err = NewSequencerSource(ch.SequencerURL, ch.ChainID, opts.SequencerToken, opts.HTTPClient)
	case config.SourcePacker:
		src, err = NewPackerSource(opts.Blobs, ch.PackerPrefix, ch.ChainID)
	default:
		return nil, nil, fmt.Errorf("%w: unknown source %q on chain %d", ErrInvalidConfig, ch.Source, ch.ChainID)
	}
	if err != nil {
		return nil, nil, err
	}
	return src, rpc, nil
}
