package overlay

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"statemux/internal/domain"
	"statemux/internal/infra/tracer"
)

// TracedEngine records a span around every engine call.
type TracedEngine struct {
	inner domain.OverlayEngine
	name  string
}

// NewTracedEngine wraps inner. name identifies the engine in span attributes.
func NewTracedEngine(inner domain.OverlayEngine, name string) *TracedEngine {
	return &TracedEngine{inner: inner, name: name}
}

// Activate implements domain.OverlayEngine.
func (t *TracedEngine) Activate(ctx context.Context, frag domain.Fragment) (domain.SessionToken, error) {
	ctx, span := tracer.StartSpan(ctx, "overlay.activate", trace.WithAttributes(
		tracer.StringAttr("overlay.engine", t.name),
		tracer.StringAttr("overlay.kind", frag.Kind()),
	))
	defer span.End()

	token, err := t.inner.Activate(ctx, frag)
	if err != nil {
		tracer.RecordError(span, err)
		return token, err
	}
	span.SetAttributes(tracer.StringAttr("overlay.session", string(token)))
	tracer.SetOK(span)
	return token, nil
}

// Deactivate implements domain.OverlayEngine.
func (t *TracedEngine) Deactivate(ctx context.Context, session domain.SessionToken) error {
	ctx, span := tracer.StartSpan(ctx, "overlay.deactivate", trace.WithAttributes(
		tracer.StringAttr("overlay.engine", t.name),
		tracer.StringAttr("overlay.session", string(session)),
	))
	defer span.End()

	if err := t.inner.Deactivate(ctx, session); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

var _ domain.OverlayEngine = (*TracedEngine)(nil)
