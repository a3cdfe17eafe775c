package protocol

import (
	"context"
	"crypto/ed25519"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hivemesh-dev/hivemesh/internal/observability"
)

// InstrumentedDispatcher wraps a Dispatcher with OpenTelemetry spans
// around every Process call. Spans carry the sender, message type,
// capability, outcome code, and duration.
type InstrumentedDispatcher struct {
	dispatcher *Dispatcher
	enabled    bool
}

// NewInstrumentedDispatcher wraps d with tracing. Pass enabled=false to
// get pass-through behavior without rewiring callers.
func NewInstrumentedDispatcher(d *Dispatcher, enabled bool) *InstrumentedDispatcher {
	return &InstrumentedDispatcher{dispatcher: d, enabled: enabled}
}

// Identity returns the underlying dispatcher's identity.
func (d *InstrumentedDispatcher) Identity() *Identity { return d.dispatcher.Identity() }

// RegisterHandler delegates to the underlying dispatcher.
func (d *InstrumentedDispatcher) RegisterHandler(capabilityID string, h Handler) error {
	return d.dispatcher.RegisterHandler(capabilityID, h)
}

// HasHandler delegates to the underlying dispatcher.
func (d *InstrumentedDispatcher) HasHandler(capabilityID string) bool {
	return d.dispatcher.HasHandler(capabilityID)
}

// Process dispatches with a surrounding span.
func (d *InstrumentedDispatcher) Process(ctx context.Context, e *Envelope, senderKey ed25519.PublicKey) Outcome {
	if !d.enabled {
		return d.dispatcher.Process(ctx, e, senderKey)
	}

	attrs := []attribute.KeyValue{
		attribute.String("hivemesh.agent", string(d.dispatcher.Identity().ID())),
	}
	if e != nil {
		attrs = append(attrs,
			attribute.String("hivemesh.from", string(e.From)),
			attribute.String("hivemesh.message_type", string(e.Type)),
		)
		if capability, ok := e.Data["capability"].(string); ok {
			attrs = append(attrs, attribute.String("hivemesh.capability", capability))
		}
	}

	ctx, span := observability.StartSpan(ctx, "protocol.dispatch", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	outcome := d.dispatcher.Process(ctx, e, senderKey)

	span.SetAttributes(
		attribute.String("hivemesh.task_id", outcome.TaskID),
		attribute.Bool("hivemesh.failed", outcome.Failed()),
		attribute.Int64("hivemesh.duration_ms", time.Since(start).Milliseconds()),
	)
	if outcome.Failed() {
		span.SetAttributes(attribute.String("hivemesh.error", outcome.Error.Error))
	}
	return outcome
}
