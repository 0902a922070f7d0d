package observability

import (
	"errors"
	"testing"
	"time"
)

type recordingBackend struct {
	counters map[string]float64
	hists    int
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.counters[name+"|"+labels["stage"]+"|"+labels["status"]+labels["outcome"]] += delta
}
func (r *recordingBackend) ObserveHistogram(string, float64, Labels) { r.hists++ }
func (r *recordingBackend) Flush() error                             { return nil }

func TestRecordStageLabelsStatus(t *testing.T) {
	rb := &recordingBackend{counters: map[string]float64{}}
	SetMetricsBackend(rb)
	t.Cleanup(func() { SetMetricsBackend(nil) })

	RecordStage("schema", nil, time.Second)
	RecordStage("flows", errors.New("boom"), time.Second)
	RecordRecords("flows", "failed", 0)

	if rb.counters[MetricStageTotal+"|schema|success"] != 1 {
		t.Fatalf("schema success not recorded: %#v", rb.counters)
	}
	if rb.counters[MetricStageTotal+"|flows|failure"] != 1 {
		t.Fatalf("flows failure not recorded: %#v", rb.counters)
	}
	if _, ok := rb.counters[MetricRecordsTotal+"|flows|failed"]; ok {
		t.Fatalf("zero deltas should not be recorded")
	}
	if rb.hists != 2 {
		t.Fatalf("histograms: want=2 got=%d", rb.hists)
	}
}

func TestNopBackendIsDefault(t *testing.T) {
	SetMetricsBackend(nil)
	if err := FlushMetrics(); err != nil {
		t.Fatalf("FlushMetrics: %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	h := ParseHeaders("api-key=abc, x-team = kg ,broken,=v")
	if len(h) != 2 || h["api-key"] != "abc" || h["x-team"] != "kg" {
		t.Fatalf("unexpected headers: %#v", h)
	}
	if ParseHeaders("  ") != nil {
		t.Fatalf("blank input should give nil")
	}
}
