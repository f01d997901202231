package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the booking and tracing identity for the lifetime of
// a request against a selection session. It is immutable after construction
// and safe for concurrent reads.
type RequestContext struct {
	SessionID     string
	BookingID     string
	BookingType   string
	CorrelationID string
	TraceID       string
	Locale        string
}

// Validate checks that all mandatory fields are present.
// SessionID and BookingID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SessionID == "" {
		errs = append(errs, fmt.Errorf("SessionID is required"))
	}
	if rc.BookingID == "" {
		errs = append(errs, fmt.Errorf("BookingID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed to run
// behind the session-loading middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
