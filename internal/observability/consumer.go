package observability

import (
	"context"

	"github.com/jmeyers35/twiddle/internal/tracer"
)

// ConsumeEvents drains bus until ctx is canceled or the bus is closed,
// recording every event into tr (if non-nil) and folding tool/approval
// events into metrics (if non-nil). It runs on its own goroutine, entirely
// decoupled from the turn engine that publishes onto bus.
func ConsumeEvents(ctx context.Context, bus *tracer.Bus, tr *tracer.Tracer, metrics *Metrics) {
	events := bus.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if tr != nil {
				_ = tr.Record(ev)
			}
			applyMetrics(ev, metrics)
		}
	}
}

func applyMetrics(ev tracer.Event, metrics *Metrics) {
	if metrics == nil {
		return
	}
	switch ev.Type {
	case tracer.EventToolEnd:
		metrics.ToolExecutionCounter.WithLabelValues(ev.Name, "success").Inc()
		metrics.ToolExecutionDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	case tracer.EventToolError:
		metrics.ToolExecutionCounter.WithLabelValues(ev.Name, "failure").Inc()
		metrics.ToolExecutionDuration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	case tracer.EventApprovalDone:
		decision := "denied"
		if ev.Data["granted"] == true {
			decision = "approved"
		}
		metrics.ApprovalDecisions.WithLabelValues(decision).Inc()
	case tracer.EventTurnEnd:
		metrics.TurnDuration.Observe(ev.Duration.Seconds())
	}
}
