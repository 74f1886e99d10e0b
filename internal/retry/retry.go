// Package retry runs provider calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/pysugar/ledgersync/internal/logging"
)

// Policy bounds a retry loop. The zero value performs a single attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the +/- fraction applied to each backoff delay.
	Jitter float64
	// MaxRateLimitWait is the longest provider Retry-After honored in-job.
	// Longer waits end the loop so the caller can defer the whole job.
	MaxRateLimitWait time.Duration

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is three retries starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       3,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		Multiplier:       2,
		Jitter:           0.2,
		MaxRateLimitWait: 30 * time.Second,
	}
}

// Decision tells Do what to do with an error.
type Decision struct {
	Retry bool
	// Wait overrides the computed backoff when positive.
	Wait time.Duration
	// RateLimited marks a provider-imposed wait, bounded by MaxRateLimitWait.
	RateLimited bool
}

// Classifier maps an error to a Decision.
type Classifier func(error) Decision

type temporary interface {
	Temporary() bool
}

type retryAfter interface {
	RetryDelay() time.Duration
}

// Classify retries errors that report Temporary() and honors errors that
// carry a RetryDelay(). Context errors are never retried.
func Classify(err error) Decision {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Decision{}
	}
	var ra retryAfter
	if errors.As(err, &ra) {
		return Decision{Retry: true, Wait: ra.RetryDelay(), RateLimited: true}
	}
	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return Decision{Retry: true}
	}
	return Decision{}
}

// Do calls fn until it succeeds, the classifier declines, retries run out or
// ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, op string, classify Classifier, fn func(ctx context.Context) error) error {
	if classify == nil {
		classify = Classify
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || ctx.Err() != nil {
			return err
		}

		d := classify(err)
		if !d.Retry {
			return err
		}
		wait := d.Wait
		if d.RateLimited && wait > p.MaxRateLimitWait {
			log.Printf("⏳ [%s] %s rate limited for %s, deferring", logging.Tag(ctx), op, wait)
			return err
		}
		if wait <= 0 {
			wait = p.backoff(attempt)
		}

		log.Printf("🔄 [%s] %s failed (attempt %d/%d), retrying in %s: %v",
			logging.Tag(ctx), op, attempt+1, p.MaxRetries+1, wait.Round(time.Millisecond), err)
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

func (p Policy) backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
