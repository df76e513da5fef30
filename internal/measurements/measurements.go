package measurements

import (
	"context"
	"errors"
	"os"

	"github.com/ipfs/go-datastore"
	"go.opentelemetry.io/otel/attribute"
)

var (
	AttrStatusSuccess   = attribute.String("status", "success")
	AttrStatusError     = attribute.String("status", "error-other")
	AttrStatusCanceled  = attribute.String("status", "error-canceled")
	AttrStatusTimeout   = attribute.String("status", "error-timeout")
	AttrStatusNotFound  = attribute.String("status", "error-not-found")
	AttrStatusMalformed = attribute.String("status", "error-malformed")
)

// Must panics if err is non-nil, otherwise returns v.
func Must[V any](v V, err error) V {
	if err != nil {
		panic(err)
	}
	return v
}

// Status classifies the result of an operation that ran under ctx.
func Status(ctx context.Context, err error) attribute.KeyValue {
	switch cErr := ctx.Err(); {
	case err == nil:
		return AttrStatusSuccess
	case errors.Is(err, datastore.ErrNotFound):
		return AttrStatusNotFound
	case os.IsTimeout(err),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(cErr, context.DeadlineExceeded):
		return AttrStatusTimeout
	case errors.Is(err, context.Canceled),
		errors.Is(cErr, context.Canceled):
		return AttrStatusCanceled
	default:
		return AttrStatusError
	}
}
