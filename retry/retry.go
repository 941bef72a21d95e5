// Package retry wraps backend calls in a bounded retry policy for rate-limit
// errors. The suggested delay is parsed out of the error text itself, since
// providers embed it in several formats; unparseable errors fall back to a
// configured default delay.
package retry

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/tavenner/parley"
)

// Policy configures retry behavior for rate-limited backend calls. Errors
// that are not classified as rate limits always propagate immediately.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// DefaultDelay is used when no delay can be parsed from the error text.
	DefaultDelay time.Duration

	// MaxDelay clamps any parsed delay to prevent unbounded sleep.
	MaxDelay time.Duration

	// OnRetry, when set, observes each retry decision before the sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy returns the standard policy: 3 retries, 5s default delay,
// delays clamped to 300s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		DefaultDelay: 5 * time.Second,
		MaxDelay:     300 * time.Second,
	}
}

// delayPatterns is the ordered list of delay formats seen in provider error
// text. The first match wins. Each pattern captures the delay in seconds.
var delayPatterns = []*regexp.Regexp{
	// Google-style JSON detail: "retryDelay":"14s"
	regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`),
	// Prose: "Please retry after 20 seconds"
	regexp.MustCompile(`(?i)retry after (\d+(?:\.\d+)?) second`),
	// Header echoed into the message: "Retry-After: 30"
	regexp.MustCompile(`(?i)retry-after:\s*(\d+(?:\.\d+)?)`),
	// OpenAI prose: "Please try again in 6.52s"
	regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)\s*s`),
}

// ParseDelay extracts a suggested retry delay from rate-limit error text.
// The parsed value is clamped to [0, MaxDelay]; when no pattern matches, the
// policy's DefaultDelay is returned.
func (p Policy) ParseDelay(message string) time.Duration {
	for _, pattern := range delayPatterns {
		m := pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		seconds, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		delay := time.Duration(seconds * float64(time.Second))
		if delay < 0 {
			return 0
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
		return delay
	}
	return p.DefaultDelay
}

// next decides whether a failed attempt should be retried, and after how
// long. Both Do and DoContext route every decision through here so the two
// surfaces cannot diverge.
func (p Policy) next(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.MaxRetries {
		return 0, false
	}
	if !parley.IsRateLimit(err) {
		return 0, false
	}
	delay := p.ParseDelay(err.Error())
	if p.OnRetry != nil {
		p.OnRetry(err, attempt+1, delay)
	}
	return delay, true
}

// Do executes fn under the policy, blocking through backoff sleeps. After
// MaxRetries rate-limited attempts, the last error propagates.
func Do[T any](p Policy, fn func() (T, error)) (T, error) {
	result, err := fn()
	for attempt := 0; ; attempt++ {
		delay, retry := p.next(err, attempt)
		if !retry {
			return result, err
		}
		time.Sleep(delay)
		result, err = fn()
	}
}

// DoContext is the context-aware variant of Do with identical decision
// logic. Backoff sleeps are interruptible; cancellation returns ctx.Err.
func DoContext[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	for attempt := 0; ; attempt++ {
		delay, retry := p.next(err, attempt)
		if !retry {
			return result, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		result, err = fn(ctx)
	}
}
