package errors

import (
	"context"
	"errors"
)

// KindOf classifies an error, walking the wrap chain. Unclassified
// errors report KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error is a handler failure marked
// retryable, or a storage/timeout failure (both transient by policy).
func IsRetryable(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Retryable
	}
	switch KindOf(err) {
	case KindStorage, KindTimeout:
		return true
	}
	return false
}

// Category returns the handler-assigned category of an error, if any.
func Category(err error) string {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Category
	}
	return ""
}
