package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"statemux/internal/domain"
)

var outcomes = map[domain.EventType]domain.SwitchOutcome{
	domain.EventStateSwitched:     domain.OutcomeSwitched,
	domain.EventStateUnchanged:    domain.OutcomeUnchanged,
	domain.EventStateSwitchFailed: domain.OutcomeFailed,
}

// Record subscribes j to the switch events on bus. Every attempt, including
// no-op and failed ones, becomes one record. The returned function stops
// recording.
func Record(bus domain.EventBus, j domain.SwitchJournal, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		outcome, ok := outcomes[ev.Type]
		if !ok {
			return
		}
		var p domain.SwitchEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warn("journal: undecodable switch event", "event", string(ev.Type), "error", err)
			return
		}
		d := time.Duration(p.DurationMs) * time.Millisecond
		rec := domain.SwitchRecord{
			ID:        p.ID,
			From:      p.From,
			To:        p.To,
			Active:    p.Active,
			Outcome:   outcome,
			Error:     p.Error,
			StartedAt: ev.Timestamp.Add(-d),
			Duration:  d,
		}
		if err := j.Append(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("journal: append failed", "id", p.ID, "error", err)
		}
	})
}
