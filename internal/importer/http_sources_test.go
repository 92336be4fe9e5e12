package importer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veilpool/veil-core/internal/poolevent"
)

func TestIndexerSource_PagesAndConverts(t *testing.T) {
	t.Parallel()

	var skips []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(req.Query, "_meta") {
			_, _ = w.Write([]byte(`{"data":{"_meta":{"block":{"number":77}}}}`))
			return
		}
		if !strings.Contains(req.Query, "commitmentQueueds") {
			_, _ = w.Write([]byte(`{"errors":[{"message":"unexpected entity"}]}`))
			return
		}
		skip := req.Variables["skip"].(float64)
		skips = append(skips, skip)
		items := []map[string]string{}
		if skip == 0 {
			for _, leaf := range []string{"0", "1"} {
				items = append(items, map[string]string{
					"contract":        strings.ToLower(poolA.Hex()),
					"commitment":      common.HexToHash("0xc" + leaf).Hex(),
					"leafIndex":       leaf,
					"rollupFee":       "10",
					"encryptedNote":   "0xabcd",
					"blockNumber":     "12",
					"logIndex":        leaf,
					"transactionHash": common.HexToHash("0xf1").Hex(),
				})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"items": items}})
	}))
	defer srv.Close()

	s, err := NewIndexerSource(srv.URL, 5, srv.Client())
	if err != nil {
		t.Fatalf("NewIndexerSource: %v", err)
	}
	s.page = 2

	if wm, err := s.Watermark(context.Background()); err != nil || wm != 77 {
		t.Fatalf("Watermark: got %d err %v", wm, err)
	}
	evs, err := s.FetchQueued(context.Background(), Range{ChainID: 5, Contracts: []common.Address{poolA}, From: 10, To: 20})
	if err != nil {
		t.Fatalf("FetchQueued: %v", err)
	}
	if len(evs) != 2 || evs[1].LeafIndex != 1 || evs[0].RollupFee.Int64() != 10 || evs[0].Kind != poolevent.KindQueued {
		t.Fatalf("events: %+v", evs)
	}
	if len(skips) != 2 || skips[1] != 2 {
		t.Fatalf("paging: skips=%v", skips)
	}
	if _, err := s.FetchSpent(context.Background(), Range{ChainID: 5, Contracts: []common.Address{poolA}, From: 1, To: 2}); err == nil || !strings.Contains(err.Error(), "unexpected entity") {
		t.Fatalf("graphql error: got %v", err)
	}
}

func TestSequencerSource_QueriesAndFilters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/v1/chains/5/status":
			_, _ = w.Write([]byte(`{"syncedBlock":40}`))
		case "/api/v1/chains/5/events":
			if r.URL.Query().Get("kind") != "spent" || r.URL.Query().Get("from") != "1" {
				http.Error(w, "bad query", http.StatusBadRequest)
				return
			}
			inRange := poolevent.Event{Kind: poolevent.KindSpent, ChainID: 5, Contract: poolA, SerialNumber: common.HexToHash("0x5e"), BlockNumber: 3}
			outOfRange := inRange
			outOfRange.BlockNumber = 99
			_ = json.NewEncoder(w).Encode(map[string]any{"events": []poolevent.Payload{inRange.Payload(), outOfRange.Payload()}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, err := NewSequencerSource(srv.URL+"/api", 5, "tok", srv.Client())
	if err != nil {
		t.Fatalf("NewSequencerSource: %v", err)
	}
	if wm, err := s.Watermark(context.Background()); err != nil || wm != 40 {
		t.Fatalf("Watermark: got %d err %v", wm, err)
	}
	evs, err := s.FetchSpent(context.Background(), Range{ChainID: 5, Contracts: []common.Address{poolA}, From: 1, To: 10})
	if err != nil {
		t.Fatalf("FetchSpent: %v", err)
	}
	if len(evs) != 1 || evs[0].SerialNumber != common.HexToHash("0x5e") {
		t.Fatalf("events: %+v", evs)
	}
	if _, err := s.FetchQueued(context.Background(), Range{ChainID: 5, Contracts: []common.Address{poolA}, From: 1, To: 10}); err == nil {
		t.Fatalf("expected error status to surface")
	}
	if _, err := NewSequencerSource("ftp://x", 5, "", nil); err == nil {
		t.Fatalf("expected invalid url")
	}
}
