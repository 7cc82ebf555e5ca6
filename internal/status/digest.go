package status

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"meshbridge/internal/metrics"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Digest periodically logs a "stats" summary of the bridge counters.
type Digest struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewDigest(schedule string, logger *slog.Logger) (*Digest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Digest{
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger,
	}
	if _, err := d.cron.AddFunc(schedule, d.LogStats); err != nil {
		return nil, fmt.Errorf("invalid digest schedule %q: %w", schedule, err)
	}
	return d, nil
}

func (d *Digest) Start() { d.cron.Start() }

// Stop halts the schedule and waits for a running digest to finish.
func (d *Digest) Stop() { <-d.cron.Stop().Done() }

func (d *Digest) LogStats() {
	d.logger.Info("stats",
		"uptime_s", int64(metrics.Collector.Uptime().Seconds()),
		"messages_in", metrics.MessagesIn.Value(),
		"ignored", metrics.MessagesIgnored.Value(),
		"replies", metrics.RepliesSent.Value(),
		"chunks", metrics.ChunksSent.Value(),
		"inference_errors", metrics.InferenceErrors.Value(),
		"handler_errors", metrics.HandlerErrors.Value(),
		"reconnects", metrics.Reconnects.Value(),
		"llm_calls", metrics.LLMLatency.Count(),
		"llm_latency_mean_s", metrics.LLMLatency.Mean(),
	)
}
