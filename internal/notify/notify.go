package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const PayloadVersion = "veil.sync.status.v1"

var (
	ErrInvalidConfig = errors.New("notify: invalid config")
	ErrInvalidStatus = errors.New("notify: invalid status")
	ErrClosed        = errors.New("notify: closed")
)

// Status is one synchronization lifecycle event as seen by the instance that produced it.
type Status struct {
	Owner   string    `json:"owner"`
	Event   string    `json:"event"`
	ChainID uint64    `json:"chainId,omitempty"`
	Block   uint64    `json:"block,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier publishes statuses to every subscriber, including those in other processes.
//
// Subscribe registers fn until ctx is done. fn must not block for long.
type Notifier interface {
	Publish(ctx context.Context, s Status) error
	Subscribe(ctx context.Context, fn func(Status)) error
}

type payload struct {
	Version string `json:"version"`
	Status
}

func Encode(s Status) ([]byte, error) {
	if strings.TrimSpace(s.Event) == "" {
		return nil, fmt.Errorf("%w: event is required", ErrInvalidStatus)
	}
	return json.Marshal(payload{Version: PayloadVersion, Status: s})
}

func Decode(b []byte) (Status, error) {
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}
	if p.Version != PayloadVersion {
		return Status{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidStatus, p.Version)
	}
	if p.Event == "" {
		return Status{}, fmt.Errorf("%w: event is required", ErrInvalidStatus)
	}
	return p.Status, nil
}

// Memory delivers statuses synchronously within one process.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Status)
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]func(Status))}
}

func (m *Memory) Publish(_ context.Context, s Status) error {
	if s.Event == "" {
		return fmt.Errorf("%w: event is required", ErrInvalidStatus)
	}
	m.mu.RLock()
	fns := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, fn func(Status)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil subscriber", ErrInvalidConfig)
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()
	return nil
}

var _ Notifier = (*Memory)(nil)
