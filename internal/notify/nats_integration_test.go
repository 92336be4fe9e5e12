//go:build integration

package notify

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNATSNotifier_RoundTrip(t *testing.T) {
	url := os.Getenv("VEIL_TEST_NATS_URL")
	if url == "" {
		t.Skip("VEIL_TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nc, err := DialNATS(url, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("DialNATS: %v", err)
	}
	defer nc.Close()

	n, err := NewNATS(nc, "veil.test.status", nil)
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	got := make(chan Status, 1)
	if err := n.Subscribe(ctx, func(s Status) { got <- s }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := n.Publish(ctx, Status{Owner: "a", Event: "SYNCHRONIZED"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case s := <-got:
		if s.Event != "SYNCHRONIZED" {
			t.Fatalf("status: %+v", s)
		}
	case <-ctx.Done():
		t.Fatalf("no status delivered")
	}
}
