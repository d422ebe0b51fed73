// Package telemetry wraps OpenTelemetry spans and Prometheus counters for
// the session flows. Both are no-ops until the host installs a tracer
// provider or passes a registerer.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jmcleod/crossguard"

// Attribute keys.
const (
	AttrUserID    = "matrix.user_id"
	AttrBaseURL   = "matrix.base_url"
	AttrLoginType = "matrix.login_type"
	AttrKeyID     = "matrix.ssss_key_id"
)

// Tracer returns the crossguard tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named "crossguard.<name>". The caller must call
// End.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "crossguard."+name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// UserID returns an attribute for a Matrix user id.
func UserID(id string) attribute.KeyValue {
	return attribute.String(AttrUserID, id)
}

// BaseURL returns an attribute for a homeserver base URL.
func BaseURL(u string) attribute.KeyValue {
	return attribute.String(AttrBaseURL, u)
}

// LoginType returns an attribute for a login grant type.
func LoginType(t string) attribute.KeyValue {
	return attribute.String(AttrLoginType, t)
}

// KeyID returns an attribute for a secret-storage key id.
func KeyID(id string) attribute.KeyValue {
	return attribute.String(AttrKeyID, id)
}
