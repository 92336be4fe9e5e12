package importer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/veilpool/veil-core/internal/poolevent"
)

// SequencerSource reads events from the sequencer REST API:
//
//	GET {base}/v1/chains/{id}/status          -> {"syncedBlock": n}
//	GET {base}/v1/chains/{id}/events?kind=... -> {"events": [Payload...]}
type SequencerSource struct {
	base    *url.URL
	chainID uint64
	token   string
	hc      *http.Client
}

func NewSequencerSource(baseURL string, chainID uint64, token string, hc *http.Client) (*SequencerSource, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: sequencer url %q", ErrInvalidConfig, baseURL)
	}
	if chainID == 0 {
		return nil, fmt.Errorf("%w: chain id is required", ErrInvalidConfig)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &SequencerSource{base: u, chainID: chainID, token: token, hc: hc}, nil
}

func (s *SequencerSource) Name() string { return "sequencer" }

func (s *SequencerSource) endpoint(suffix string, q url.Values) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/v1/chains/%d/%s", s.chainID, suffix)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *SequencerSource) Watermark(ctx context.Context) (uint64, error) {
	var out struct {
		SyncedBlock uint64 `json:"syncedBlock"`
	}
	if err := doJSON(ctx, s.hc, http.MethodGet, s.endpoint("status", nil), s.token, nil, &out); err != nil {
		return 0, err
	}
	return out.SyncedBlock, nil
}

func (s *SequencerSource) FetchQueued(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, poolevent.KindQueued)
}

func (s *SequencerSource) FetchIncluded(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, poolevent.KindIncluded)
}

func (s *SequencerSource) FetchSpent(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, poolevent.KindSpent)
}

func (s *SequencerSource) fetch(ctx context.Context, r Range, kind poolevent.Kind) ([]poolevent.Event, error) {
	q := url.Values{}
	q.Set("kind", kind.String())
	q.Set("from", strconv.FormatUint(r.From, 10))
	q.Set("to", strconv.FormatUint(r.To, 10))
	q.Set("contracts", strings.Join(addressList(r.Contracts), ","))

	var out struct {
		Events []poolevent.Payload `json:"events"`
	}
	if err := doJSON(ctx, s.hc, http.MethodGet, s.endpoint("events", q), s.token, nil, &out); err != nil {
		return nil, err
	}
	evs := make([]poolevent.Event, 0, len(out.Events))
	for _, p := range out.Events {
		if p.ChainID == 0 {
			p.ChainID = s.chainID
		}
		e, err := p.Event()
		if err != nil {
			return nil, err
		}
		if e.Kind != kind {
			return nil, fmt.Errorf("%w: sequencer returned %s for %s query", poolevent.ErrInvalidEvent, e.Kind, kind)
		}
		if r.contains(e) {
			evs = append(evs, e)
		}
	}
	return evs, nil
}
