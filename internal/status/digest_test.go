package status

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewDigest_InvalidSchedule(t *testing.T) {
	if _, err := NewDigest("every hour", testLogger()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestDigest_LogStats(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	d, err := NewDigest("0 * * * *", logger)
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	d.Start()
	defer d.Stop()

	d.LogStats()
	out := buf.String()
	for _, want := range []string{"msg=stats", "messages_in=", "replies=", "llm_latency_mean_s="} {
		if !strings.Contains(out, want) {
			t.Errorf("digest output missing %q: %s", want, out)
		}
	}
}
