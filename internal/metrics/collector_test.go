package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_CounterIsShared(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", "")
	b := c.Counter("x_total", "x", "")
	a.Inc()
	b.Add(2)
	if a.Value() != 3 {
		t.Fatalf("expected 3, got %d", a.Value())
	}
}

func TestHistogram_CountAndMean(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat_seconds", "latency", "", []float64{1, 5})
	if h.Mean() != 0 {
		t.Fatal("expected zero mean with no observations")
	}
	h.Observe(1)
	h.Observe(3)
	if h.Count() != 2 || h.Mean() != 2 {
		t.Fatalf("unexpected count/mean %d %f", h.Count(), h.Mean())
	}
}

func TestRender_PrometheusText(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("demo_total", "demo counter", "").Add(4)
	c.Gauge("demo_state", "demo gauge", "").Set(2)
	c.Histogram("demo_seconds", "demo hist", "", []float64{1}).Observe(0.5)

	out := c.Render()
	for _, want := range []string{
		"# TYPE demo_total counter",
		"demo_total 4",
		"demo_state 2",
		`demo_seconds_bucket{le="1"} 1`,
		"demo_seconds_count 1",
		"meshbridge_uptime_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHandler_ContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMetricsCollector().Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Header().Get("Content-Type") != ContentType {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestCounterVec_LabelsRenderAsOneFamily(t *testing.T) {
	c := NewMetricsCollector()
	rejected := c.CounterVec("rejected_total", "rejects", "reason")
	rejected.With("no_trigger").Add(3)
	rejected.With("dm_only").Inc()
	c.Counter("aaa_total", "first", "").Inc()
	c.Counter("zzz_total", "last", "").Inc()
	rejected.With("no_trigger").Inc()

	if got := rejected.With("no_trigger").Value(); got != 4 {
		t.Fatalf("expected 4 no_trigger rejects, got %d", got)
	}

	out := c.Render()
	if strings.Count(out, "# TYPE rejected_total counter") != 1 {
		t.Fatalf("expected one TYPE line for the family:\n%s", out)
	}
	want := "# HELP rejected_total rejects\n# TYPE rejected_total counter\n" +
		`rejected_total{reason="dm_only"} 1` + "\n" +
		`rejected_total{reason="no_trigger"} 4` + "\n"
	if !strings.Contains(out, want) {
		t.Fatalf("family samples not contiguous:\n%s", out)
	}
	if strings.Index(out, "aaa_total 1") > strings.Index(out, "zzz_total 1") {
		t.Fatalf("counters not rendered in name order:\n%s", out)
	}
}

func TestCounterVec_EscapesLabelValue(t *testing.T) {
	c := NewMetricsCollector()
	c.CounterVec("odd_total", "odd", "reason").With(`a"b\c`).Inc()
	if out := c.Render(); !strings.Contains(out, `odd_total{reason="a\"b\\c"} 1`) {
		t.Fatalf("label value not escaped:\n%s", out)
	}
}
