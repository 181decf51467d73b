package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_RegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordAppend("memory", "persisted", 5*time.Millisecond)
	m.RecordAppend("memory", "duplicate_index", time.Millisecond)
	m.RecordFiller("memory")
	m.RecordSequenceReload("sql")
	m.RecordBatch(8)
	m.RecordDelivered("memory", "all", 3)
	m.RecordPoll("delivered")
	m.SetPollPosition(42)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]bool{
		"strata_appends_total":           false,
		"strata_append_duration_seconds": false,
		"strata_fillers_total":           false,
		"strata_sequence_reloads_total":  false,
		"strata_batch_size":              false,
		"strata_chunks_delivered_total":  false,
		"strata_poll_cycles_total":       false,
		"strata_poll_position":           false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("metric %s not gathered", name)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	// Nil metrics must be safe so components can opt out.
	m.RecordAppend("memory", "persisted", 0)
	m.RecordFiller("memory")
	m.RecordSequenceReload("memory")
	m.RecordBatch(1)
	m.RecordDelivered("memory", "all", 1)
	m.RecordPoll("empty")
	m.SetPollPosition(1)
}

func TestGetMetrics_Singleton(t *testing.T) {
	if GetMetrics() != GetMetrics() {
		t.Fatalf("GetMetrics returned distinct instances")
	}
}
