package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{name: "unsupported driver", cfg: ConsumerConfig{Driver: "unknown"}},
		{name: "kafka missing brokers", cfg: ConsumerConfig{Driver: DriverKafka, Group: "g1", Topics: []string{"t1"}}},
		{name: "kafka missing group", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"t1"}}},
		{name: "kafka missing topics", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "g1"}},
		{name: "memory missing broker", cfg: ConsumerConfig{Driver: DriverMemory, Topics: []string{"t1"}}},
		{name: "memory missing topics", cfg: ConsumerConfig{Driver: DriverMemory, Broker: NewMemoryBroker()}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			c, err := NewConsumer(ctx, tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v want ErrInvalidConfig", err)
			}
			if c != nil {
				t.Fatalf("expected nil consumer on error")
			}
		})
	}
}

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()

	for _, cfg := range []ProducerConfig{
		{Driver: "unknown"},
		{Driver: DriverKafka},
		{Driver: DriverMemory},
	} {
		p, err := NewProducer(cfg)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("NewProducer(%q): got %v want ErrInvalidConfig", cfg.Driver, err)
		}
		if p != nil {
			t.Fatalf("expected nil producer on error")
		}
	}
}

func TestMemoryBroker_FansOutPerTopic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := NewMemoryBroker()
	a, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverMemory, Broker: b, Topics: []string{"sync"}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer a.Close()
	other := b.Subscribe(ctx, "other")
	defer other.Close()

	p, err := NewProducer(ProducerConfig{Driver: DriverMemory, Broker: b})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	for _, v := range []string{"one", "two"} {
		if err := p.Publish(ctx, "sync", []byte("k"), []byte(v)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, want := range []string{"one", "two"} {
		select {
		case msg := <-a.Messages():
			if string(msg.Value) != want || msg.Topic != "sync" || string(msg.Key) != "k" {
				t.Fatalf("message: got %+v want %s", msg, want)
			}
			if err := msg.Ack(ctx); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected message on other topic: %+v", msg)
	default:
	}
}

func TestMemoryBroker_CloseUnsubscribes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBroker()
	c := b.Subscribe(ctx, "sync")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-c.Messages(); ok {
		t.Fatalf("expected closed channel")
	}
	if err := b.Publish(ctx, "sync", nil, []byte("x")); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
	_ = b.Close()
	if err := b.Publish(ctx, "sync", nil, []byte("x")); err == nil {
		t.Fatalf("expected error after broker close")
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a, ,b ")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("SplitCommaList: got %q", got)
	}
}
