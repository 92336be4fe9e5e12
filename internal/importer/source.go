package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/poolevent"
)

// Range selects events of some contracts in blocks [From, To].
type Range struct {
	ChainID   uint64
	Contracts []common.Address
	From      uint64
	To        uint64
}

func (r Range) has(addr common.Address) bool {
	for _, c := range r.Contracts {
		if c == addr {
			return true
		}
	}
	return false
}

func (r Range) contains(e poolevent.Event) bool {
	return e.ChainID == r.ChainID && e.BlockNumber >= r.From && e.BlockNumber <= r.To && r.has(e.Contract)
}

// Source fetches canonical events for one chain.
type Source interface {
	Name() string
	// Watermark is the highest block the source can serve.
	Watermark(ctx context.Context) (uint64, error)
	FetchQueued(ctx context.Context, r Range) ([]poolevent.Event, error)
	FetchIncluded(ctx context.Context, r Range) ([]poolevent.Event, error)
	FetchSpent(ctx context.Context, r Range) ([]poolevent.Event, error)
}

// RPCSource reads pool logs directly from a node.
type RPCSource struct {
	provider chain.Provider
}

func NewRPCSource(p chain.Provider) *RPCSource {
	return &RPCSource{provider: p}
}

func (s *RPCSource) Name() string { return "rpc" }

func (s *RPCSource) Watermark(ctx context.Context) (uint64, error) {
	return s.provider.CurrentBlock(ctx)
}

func (s *RPCSource) FetchQueued(ctx context.Context, r Range) ([]poolevent.Event, error) {
	logs, err := s.provider.QueryQueued(ctx, r.Contracts, r.From, r.To)
	if err != nil {
		return nil, err
	}
	out := make([]poolevent.Event, 0, len(logs))
	for _, lg := range logs {
		out = append(out, poolevent.FromQueued(r.ChainID, lg))
	}
	return out, nil
}

func (s *RPCSource) FetchIncluded(ctx context.Context, r Range) ([]poolevent.Event, error) {
	logs, err := s.provider.QueryIncluded(ctx, r.Contracts, r.From, r.To)
	if err != nil {
		return nil, err
	}
	out := make([]poolevent.Event, 0, len(logs))
	for _, lg := range logs {
		out = append(out, poolevent.FromIncluded(r.ChainID, lg))
	}
	return out, nil
}

func (s *RPCSource) FetchSpent(ctx context.Context, r Range) ([]poolevent.Event, error) {
	logs, err := s.provider.QuerySpent(ctx, r.Contracts, r.From, r.To)
	if err != nil {
		return nil, err
	}
	out := make([]poolevent.Event, 0, len(logs))
	for _, lg := range logs {
		out = append(out, poolevent.FromSpent(r.ChainID, lg))
	}
	return out, nil
}

const maxResponseBytes = 16 << 20

func doJSON(ctx context.Context, hc *http.Client, method, url, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("importer: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("importer: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("importer: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("importer: read response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return fmt.Errorf("importer: response exceeds %d bytes", maxResponseBytes)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("importer: %s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("importer: decode response: %w", err)
	}
	return nil
}

func addressList(cs []common.Address) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, strings.ToLower(c.Hex()))
	}
	return out
}
