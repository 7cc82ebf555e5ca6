package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshbridge/internal/domain"
	"meshbridge/internal/metrics"
)

// dispatch is the single point where per-event errors and panics stop.
func (s *Service) dispatch(ctx context.Context, tr Transport, ev domain.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrors.Inc()
			s.logger.Error("message_handler_error", "sender_id", ev.SenderID, "error", fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := s.handle(ctx, tr, ev); err != nil {
		if errors.Is(err, domain.ErrInferenceFailure) {
			metrics.InferenceErrors.Inc()
		}
		metrics.HandlerErrors.Inc()
		s.logger.Error("message_handler_error", "sender_id", ev.SenderID, "error", err)
	}
}

// handle runs the reply pipeline for one event.
func (s *Service) handle(ctx context.Context, tr Transport, ev domain.InboundEvent) error {
	if tr.IsFromSelf(ev) {
		metrics.MessagesIgnored.Inc()
		s.logger.Debug("ignore_self", "sender_id", ev.SenderID)
		return nil
	}
	metrics.MessagesIn.Inc()

	rxTime := ev.RxTime
	if rxTime.IsZero() {
		rxTime = time.Now()
	}
	stripped := StripTriggerPrefix(ev.Text, s.opts.TriggerPrefix)
	inID, err := s.store.Append(ctx, domain.MessageRecord{
		Direction:       domain.DirectionIn,
		SenderID:        ev.SenderID,
		SenderShortName: ev.SenderShortName,
		SenderLongName:  ev.SenderLongName,
		Channel:         ev.Channel,
		Text:            stripped,
		Timestamp:       rxTime,
		MessageID:       ev.MessageID,
	})
	if err != nil {
		return fmt.Errorf("persist inbound: %w", err)
	}

	s.logger.Info("message_in",
		"sender_id", ev.SenderID,
		"channel", channelAttr(ev.Channel),
		"is_dm", ev.IsDM,
		"text", ev.Text,
		"rx_time", rxTime.Unix(),
		"rx_age_ms", roundMs(time.Since(rxTime)),
	)

	if ok, reason := s.policy.Admit(ev); !ok {
		metrics.MessagesIgnored.Inc()
		metrics.MessagesRejected.With(reason).Inc()
		s.logger.Debug("message_rejected", "sender_id", ev.SenderID, "reason", reason)
		return nil
	}

	if stripped == "" {
		s.logger.Info("empty_trigger", "sender_id", ev.SenderID)
		return nil
	}

	history, err := s.history(ctx, ev.SenderID, inID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	ev.Text = stripped
	prompt := BuildPrompt(ev, history, s.opts.MaxReplyChars)

	res, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	metrics.LLMLatency.Observe(res.Latency.Seconds())

	reply := TruncateReply(NormalizeReply(res.Text), s.opts.MaxReplyChars)
	if reply == "" {
		s.logger.Warn("empty_reply", "sender_id", ev.SenderID)
		return nil
	}
	s.logger.Info("llm_response", "sender_id", ev.SenderID, "latency_ms", roundMs(res.Latency))

	dest := DestinationFor(ev)
	chunks := ChunkTextBytes(reply, s.opts.ChunkChars, s.opts.ChunkBytes)
	for i, chunk := range chunks {
		start := time.Now()
		if err := tr.Send(ctx, chunk, dest); err != nil {
			return fmt.Errorf("send segment %d/%d: %w", i+1, len(chunks), err)
		}
		elapsed := time.Since(start)
		metrics.ChunksSent.Inc()
		metrics.SendLatency.Observe(elapsed.Seconds())

		attrs := []any{
			"sender_id", ev.SenderID,
			"is_dm", ev.IsDM,
			"chunk_index", i + 1,
			"chunk_count", len(chunks),
			"send_latency_ms", roundMs(elapsed),
		}
		if !dest.DM {
			attrs = append(attrs, "channel", dest.Channel)
		}
		s.logger.Info("message_out", attrs...)
	}
	metrics.RepliesSent.Inc()

	if _, err := s.store.Append(ctx, domain.MessageRecord{
		Direction:       domain.DirectionOut,
		SenderID:        ev.SenderID,
		SenderShortName: ev.SenderShortName,
		SenderLongName:  ev.SenderLongName,
		Channel:         ev.Channel,
		Text:            reply,
		Timestamp:       time.Now(),
		LatencyMs:       res.LatencyMs(),
	}); err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}
	return nil
}

// history returns up to MemoryTurns*2 records for sender, oldest first,
// leaving out the inbound record just written for the current message.
func (s *Service) history(ctx context.Context, senderID string, current int64) ([]domain.MessageRecord, error) {
	limit := s.opts.MemoryTurns * 2
	recs, err := s.store.Recent(ctx, senderID, limit+1)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.ID != current {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func channelAttr(ch *int) any {
	if ch == nil {
		return nil
	}
	return *ch
}

func roundMs(d time.Duration) float64 {
	return float64(d.Round(10*time.Microsecond)) / float64(time.Millisecond)
}
