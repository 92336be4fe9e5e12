package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordsWithLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePass(nil)
	m.ObservePass(errors.New("boom"))
	m.ObservePass(nil)
	m.AddImported(5, "rpc", "queued", 3)
	m.AddImported(5, "rpc", "queued", 0)
	m.IncDuplicateSerial(5)
	m.SetSyncedBlock(5, 120)
	m.ObserveChain(5, time.Second, nil)

	if got := testutil.ToFloat64(m.SyncPasses.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok passes: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.ImportedEvents.WithLabelValues("5", "rpc", "queued")); got != 3 {
		t.Fatalf("imported: got %v want 3", got)
	}
	if got := testutil.ToFloat64(m.SyncedBlock.WithLabelValues("5")); got != 120 {
		t.Fatalf("synced block: got %v want 120", got)
	}
	if n, err := testutil.GatherAndCount(reg, "veil_duplicate_serial_numbers_total"); err != nil || n != 1 {
		t.Fatalf("duplicate serial series: n=%d err=%v", n, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObservePass(nil)
	m.IncScanned(true)
	m.SetLeader(true)
	m.IncTransaction("transfer", "succeeded")
}
