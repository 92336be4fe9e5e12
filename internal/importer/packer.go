package importer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/veilpool/veil-core/internal/blobstore"
	"github.com/veilpool/veil-core/internal/poolevent"
)

const (
	PackedRangeVersion = "veil.packed.v1"

	maxCachedObjects = 64
)

// PackedRange is one packer object: every pool event of a chain in [FromBlock, ToBlock].
type PackedRange struct {
	Version   string              `json:"version"`
	ChainID   uint64              `json:"chainId"`
	FromBlock uint64              `json:"fromBlock"`
	ToBlock   uint64              `json:"toBlock"`
	Events    []poolevent.Payload `json:"events"`
}

// PackedRangeKey names the object holding [from, to] so that keys sort by block.
func PackedRangeKey(prefix string, chainID, from, to uint64) string {
	return path.Join(prefix, fmt.Sprintf("chain_%d", chainID), fmt.Sprintf("%012d-%012d.json", from, to))
}

type packedObject struct {
	key      string
	from, to uint64
}

type blockSpan struct{ from, to uint64 }

// PackerSource serves events from packed snapshot objects in the blob store. Its
// watermark is the last block of the highest object; blocks below it that no
// object covers are reported by Covered and left to the importer's catch-up
// source.
type PackerSource struct {
	store   blobstore.Store
	prefix  string
	chainID uint64

	mu      sync.Mutex
	objects []packedObject
	spans   []blockSpan
	cache   map[string][]poolevent.Event
}

func NewPackerSource(store blobstore.Store, prefix string, chainID uint64) (*PackerSource, error) {
	if store == nil || chainID == 0 {
		return nil, fmt.Errorf("%w: packer needs a blob store and chain id", ErrInvalidConfig)
	}
	return &PackerSource{store: store, prefix: prefix, chainID: chainID, cache: make(map[string][]poolevent.Event)}, nil
}

func (s *PackerSource) Name() string { return "packer" }

func (s *PackerSource) Watermark(ctx context.Context) (uint64, error) {
	dir := path.Join(s.prefix, fmt.Sprintf("chain_%d", s.chainID)) + "/"
	keys, err := s.store.List(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("importer: list packer objects: %w", err)
	}
	objs := make([]packedObject, 0, len(keys))
	for _, k := range keys {
		from, to, ok := parseRangeKey(strings.TrimPrefix(k, dir))
		if !ok {
			continue
		}
		objs = append(objs, packedObject{key: k, from: from, to: to})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].from < objs[j].from })

	var spans []blockSpan
	for _, o := range objs {
		if n := len(spans); n > 0 && o.from <= spans[n-1].to+1 {
			if o.to > spans[n-1].to {
				spans[n-1].to = o.to
			}
			continue
		}
		spans = append(spans, blockSpan{from: o.from, to: o.to})
	}
	var mark uint64
	if len(spans) > 0 {
		mark = spans[len(spans)-1].to
	}

	s.mu.Lock()
	s.objects = objs
	s.spans = spans
	s.mu.Unlock()
	return mark, nil
}

// Covered reports whether block lies inside a packer object as of the last
// Watermark call. If so, end is the last block of the contiguous run holding
// it. Otherwise next is the first covered block above it, or 0 when none is.
func (s *PackerSource) Covered(block uint64) (end uint64, ok bool, next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sp := range s.spans {
		if block < sp.from {
			return 0, false, sp.from
		}
		if block <= sp.to {
			return sp.to, true, 0
		}
	}
	return 0, false, 0
}

func parseRangeKey(name string) (uint64, uint64, bool) {
	name = strings.TrimSuffix(name, ".json")
	a, b, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, false
	}
	from, err1 := strconv.ParseUint(a, 10, 64)
	to, err2 := strconv.ParseUint(b, 10, 64)
	if err1 != nil || err2 != nil || to < from {
		return 0, 0, false
	}
	return from, to, true
}

func (s *PackerSource) FetchQueued(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, poolevent.KindQueued)
}

func (s *PackerSource) FetchIncluded(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, poolevent.KindIncluded)
}

func (s *PackerSource) FetchSpent(ctx context.Context, r Range) ([]poolevent.Event, error) {
	return s.fetch(ctx, r, poolevent.KindSpent)
}

var errPackerGap = errors.New("importer: range not covered by packer objects")

func (s *PackerSource) fetch(ctx context.Context, r Range, kind poolevent.Kind) ([]poolevent.Event, error) {
	s.mu.Lock()
	objs := append([]packedObject(nil), s.objects...)
	s.mu.Unlock()

	var out []poolevent.Event
	covered := r.From
	for _, o := range objs {
		if o.to < r.From || o.from > r.To {
			continue
		}
		evs, err := s.load(ctx, o)
		if err != nil {
			return nil, err
		}
		for _, e := range evs {
			if e.Kind == kind && r.contains(e) {
				out = append(out, e)
			}
		}
		if o.from <= covered && o.to >= covered {
			covered = o.to + 1
		}
	}
	if covered <= r.To {
		return nil, fmt.Errorf("%w: [%d,%d] covered through %d", errPackerGap, r.From, r.To, covered)
	}
	return out, nil
}

func (s *PackerSource) load(ctx context.Context, o packedObject) ([]poolevent.Event, error) {
	s.mu.Lock()
	evs, ok := s.cache[o.key]
	s.mu.Unlock()
	if ok {
		return evs, nil
	}

	var pr PackedRange
	if err := blobstore.GetJSON(ctx, s.store, o.key, &pr); err != nil {
		return nil, fmt.Errorf("importer: load packer object %s: %w", o.key, err)
	}
	if pr.Version != PackedRangeVersion || pr.ChainID != s.chainID {
		return nil, fmt.Errorf("%w: packer object %s has version %q chain %d", poolevent.ErrInvalidEvent, o.key, pr.Version, pr.ChainID)
	}
	evs = make([]poolevent.Event, 0, len(pr.Events))
	for _, p := range pr.Events {
		if p.ChainID == 0 {
			p.ChainID = s.chainID
		}
		e, err := p.Event()
		if err != nil {
			return nil, fmt.Errorf("packer object %s: %w", o.key, err)
		}
		evs = append(evs, e)
	}

	s.mu.Lock()
	if len(s.cache) >= maxCachedObjects {
		s.cache = make(map[string][]poolevent.Event)
	}
	s.cache[o.key] = evs
	s.mu.Unlock()
	return evs, nil
}

// WritePackedRange stores events of [from, to] as one packer object.
func WritePackedRange(ctx context.Context, store blobstore.Store, prefix string, chainID, from, to uint64, evs []poolevent.Event) error {
	if to < from {
		return fmt.Errorf("%w: range [%d,%d]", ErrInvalidConfig, from, to)
	}
	pr := PackedRange{Version: PackedRangeVersion, ChainID: chainID, FromBlock: from, ToBlock: to, Events: make([]poolevent.Payload, 0, len(evs))}
	for _, e := range evs {
		if e.ChainID != chainID || e.BlockNumber < from || e.BlockNumber > to {
			return fmt.Errorf("%w: event at %d/%d outside [%d,%d]", poolevent.ErrInvalidEvent, e.ChainID, e.BlockNumber, from, to)
		}
		pr.Events = append(pr.Events, e.Payload())
	}
	return blobstore.PutJSON(ctx, store, PackedRangeKey(prefix, chainID, from, to), pr)
}

// BatchApplier is implemented by *applier.Applier.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, b Batch) error
}

// Publisher applies batches through Next and then writes each one read from a
// non-packer source as a packer object under Prefix.
type Publisher struct {
	Next   BatchApplier
	Store  blobstore.Store
	Prefix string
}

func (p *Publisher) ApplyBatch(ctx context.Context, b Batch) error {
	if err := p.Next.ApplyBatch(ctx, b); err != nil {
		return err
	}
	if b.Source == "packer" {
		return nil
	}
	evs := make([]poolevent.Event, 0, b.Len())
	evs = append(evs, b.Queued...)
	evs = append(evs, b.Included...)
	evs = append(evs, b.Spent...)
	if err := WritePackedRange(ctx, p.Store, p.Prefix, b.ChainID, b.From, b.To, evs); err != nil {
		return fmt.Errorf("importer: publish [%d,%d] of chain %d: %w", b.From, b.To, b.ChainID, err)
	}
	return nil
}
