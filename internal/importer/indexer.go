package importer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veilpool/veil-core/internal/poolevent"
)

var ErrInvalidConfig = errors.New("importer: invalid config")

const indexerPageSize = 1000

// IndexerSource queries a GraphQL subgraph that indexes the pool contracts.
type IndexerSource struct {
	url     string
	chainID uint64
	hc      *http.Client
	page    int
}

func NewIndexerSource(url string, chainID uint64, hc *http.Client) (*IndexerSource, error) {
	if strings.TrimSpace(url) == "" || chainID == 0 {
		return nil, fmt.Errorf("%w: indexer url and chain id are required", ErrInvalidConfig)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &IndexerSource{url: url, chainID: chainID, hc: hc, page: indexerPageSize}, nil
}

func (s *IndexerSource) Name() string { return "indexer" }

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type indexerEvent struct {
	Contract        string `json:"contract"`
	Commitment      string `json:"commitment"`
	LeafIndex       string `json:"leafIndex"`
	RollupFee       string `json:"rollupFee"`
	EncryptedNote   string `json:"encryptedNote"`
	RootHash        string `json:"rootHash"`
	SerialNumber    string `json:"serialNumber"`
	BlockNumber     string `json:"blockNumber"`
	LogIndex        string `json:"logIndex"`
	TransactionHash string `json:"transactionHash"`
}

func (s *IndexerSource) query(ctx context.Context, q string, vars map[string]any, out any) error {
	var resp struct {
		Data   any            `json:"data"`
		Errors []graphQLError `json:"errors"`
	}
	resp.Data = out
	if err := doJSON(ctx, s.hc, http.MethodPost, s.url, "", graphQLRequest{Query: q, Variables: vars}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return fmt.Errorf("importer: indexer: %s", resp.Errors[0].Message)
	}
	return nil
}

func (s *IndexerSource) Watermark(ctx context.Context) (uint64, error) {
	var data struct {
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := s.query(ctx, `{ _meta { block { number } } }`, nil, &data); err != nil {
		return 0, err
	}
	return data.Meta.Block.Number, nil
}

const (
	queuedFields   = `contract commitment leafIndex rollupFee encryptedNote blockNumber logIndex transactionHash`
	includedFields = `contract commitment blockNumber logIndex transactionHash`
	spentFields    = `contract rootHash serialNumber blockNumber logIndex transactionHash`
)

func (s *IndexerSource) FetchQueued(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, "commitmentQueueds", queuedFields, poolevent.KindQueued)
}

func (s *IndexerSource) FetchIncluded(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, "commitmentIncludeds", includedFields, poolevent.KindIncluded)
}

func (s *IndexerSource) FetchSpent(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, "commitmentSpents", spentFields, poolevent.KindSpent)
}

func (s *IndexerSource) fetch(ctx context.Context, r Range, entity, fields string, kind poolevent.Kind) ([]poolevent.Event, error) {
	q := fmt.Sprintf(`query($contracts: [Bytes!]!, $from: BigInt!, $to: BigInt!, $first: Int!, $skip: Int!) {
  items: %s(
    where: { contract_in: $contracts, blockNumber_gte: $from, blockNumber_lte: $to }
    orderBy: blockNumber, orderDirection: asc, first: $first, skip: $skip
  ) { %s }
}`, entity, fields)

	var out []poolevent.Event
	for skip := 0; ; skip += s.page {
		var data struct {
			Items []indexerEvent `json:"items"`
		}
		vars := map[string]any{
			"contracts": addressList(r.Contracts),
			"from":      strconv.FormatUint(r.From, 10),
			"to":        strconv.FormatUint(r.To, 10),
			"first":     s.page,
			"skip":      skip,
		}
		if err := s.query(ctx, q, vars, &data); err != nil {
			return nil, err
		}
		for _, it := range data.Items {
			e, err := it.event(s.chainID, kind)
			if err != nil {
				return nil, err
			}
			if r.contains(e) {
				out = append(out, e)
			}
		}
		if len(data.Items) < s.page {
			return out, nil
		}
	}
}

func (it indexerEvent) event(chainID uint64, kind poolevent.Kind) (poolevent.Event, error) {
	block, err := strconv.ParseUint(it.BlockNumber, 10, 64)
	if err != nil {
		return poolevent.Event{}, fmt.Errorf("%w: block number %q", poolevent.ErrInvalidEvent, it.BlockNumber)
	}
	logIndex, err := strconv.ParseUint(it.LogIndex, 10, 32)
	if err != nil {
		return poolevent.Event{}, fmt.Errorf("%w: log index %q", poolevent.ErrInvalidEvent, it.LogIndex)
	}
	p := poolevent.Payload{
		Kind:          kind.String(),
		ChainID:       chainID,
		Contract:      it.Contract,
		Commitment:    it.Commitment,
		RollupFee:     it.RollupFee,
		EncryptedNote: it.EncryptedNote,
		RootHash:      it.RootHash,
		SerialNumber:  it.SerialNumber,
		TxHash:        it.TransactionHash,
		BlockNumber:   block,
		LogIndex:      uint(logIndex),
	}
	if kind == poolevent.KindQueued {
		leaf, err := strconv.ParseUint(it.LeafIndex, 10, 64)
		if err != nil {
			return poolevent.Event{}, fmt.Errorf("%w: leaf index %q", poolevent.ErrInvalidEvent, it.LeafIndex)
		}
		p.LeafIndex = &leaf
	}
	return p.Event()
}
