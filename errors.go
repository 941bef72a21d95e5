package parley

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies backend errors for control-flow decisions: rate limits
// are retried with backoff, chunk decode failures downgrade streaming to a
// buffered call, connection and timeout errors surface immediately, and
// context-length errors are re-raised as a distinct condition so callers can
// truncate history and retry.
type ErrorKind int

const (
	// KindOther is any error without special handling.
	KindOther ErrorKind = iota

	// KindRateLimit is a transient quota/rate-limit rejection.
	KindRateLimit

	// KindChunkDecode is a malformed unit inside a streamed response.
	KindChunkDecode

	// KindConnection is a transport failure or timeout.
	KindConnection

	// KindContextLength means the request exceeded the model's context window.
	KindContextLength
)

// RateLimitError marks a backend rejection as a rate-limit condition. The
// original error text is preserved so the retry policy can parse a suggested
// delay out of it.
type RateLimitError struct {
	Message string
	Cause   error
}

func (e *RateLimitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rate limited: %v", e.Cause)
	}
	return "rate limited: " + e.Message
}

func (e *RateLimitError) Unwrap() error { return e.Cause }

// ContextLengthError is the distinguished condition for requests that exceed
// the model's context window.
type ContextLengthError struct {
	Cause error
}

func (e *ContextLengthError) Error() string {
	return fmt.Sprintf("context length exceeded: %v", e.Cause)
}

func (e *ContextLengthError) Unwrap() error { return e.Cause }

// ChunkDecodeError is a malformed unit encountered while decoding a streamed
// response. It is recoverable: the engine either skips the unit or falls back
// to a buffered call.
type ChunkDecodeError struct {
	Reason string
	Cause  error
}

func (e *ChunkDecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed stream chunk: %s: %v", e.Reason, e.Cause)
	}
	return "malformed stream chunk: " + e.Reason
}

func (e *ChunkDecodeError) Unwrap() error { return e.Cause }

// ConnectionError is a transport failure or timeout. Not recoverable by an
// in-place streaming retry; it surfaces to the caller.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// rateLimitPhrases are matched case-insensitively against error text when no
// typed error is available. Providers word 429s inconsistently.
var rateLimitPhrases = []string{
	"429",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"quota exceeded",
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
}

// contextLengthPhrases are the known wordings of context-window rejections.
var contextLengthPhrases = []string{
	"maximum context length",
	"context window is too long",
	"context_length_exceeded",
	"prompt is too long",
	"input is too long",
}

// Classify maps an error to its ErrorKind, preferring typed errors and
// falling back to phrase matching on the error text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimit
	}
	var cl *ContextLengthError
	if errors.As(err, &cl) {
		return KindContextLength
	}
	var cd *ChunkDecodeError
	if errors.As(err, &cd) {
		return KindChunkDecode
	}
	var conn *ConnectionError
	if errors.As(err, &conn) {
		return KindConnection
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range contextLengthPhrases {
		if strings.Contains(msg, phrase) {
			return KindContextLength
		}
	}
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(msg, phrase) {
			return KindRateLimit
		}
	}
	return KindOther
}

// IsRateLimit reports whether err is a rate-limit condition.
func IsRateLimit(err error) bool { return Classify(err) == KindRateLimit }

// IsContextLength reports whether err is a context-length rejection.
func IsContextLength(err error) bool { return Classify(err) == KindContextLength }

// WrapClassified re-wraps an arbitrary backend error into its typed form so
// downstream callers can use errors.As. Errors of KindOther pass through
// unchanged.
func WrapClassified(err error) error {
	if err == nil {
		return nil
	}
	switch Classify(err) {
	case KindRateLimit:
		var rl *RateLimitError
		if errors.As(err, &rl) {
			return err
		}
		return &RateLimitError{Message: err.Error(), Cause: err}
	case KindContextLength:
		var cl *ContextLengthError
		if errors.As(err, &cl) {
			return err
		}
		return &ContextLengthError{Cause: err}
	default:
		return err
	}
}
