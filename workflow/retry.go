package workflow

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff selects how the retry delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffCustom      Backoff = "custom"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
// It is shared by workflow steps and scheduler jobs.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    Backoff
	MaxDelay   time.Duration
	Jitter     float64 // fraction of the delay, 0..1
	Custom     func(retry int, delay time.Duration) time.Duration
	RetryOn    func(error) bool
	NoRetryOn  func(error) bool
}

// Wait returns the pause before retry number retry (1-based).
func (p RetryPolicy) Wait(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = scale(p.Delay, float64(retry))
	case BackoffExponential:
		d = scale(p.Delay, math.Pow(2, float64(retry)))
	case BackoffCustom:
		d = p.Delay
		if p.Custom != nil {
			d = p.Custom(retry, p.Delay)
		}
	default:
		d = p.Delay
	}
	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		d = scale(d, 1+j*(2*rand.Float64()-1))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Retryable classifies err. Cancellation and Permanent errors never retry;
// NoRetryOn wins over RetryOn; with no RetryOn every other error retries.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	if p.NoRetryOn != nil && p.NoRetryOn(err) {
		return false
	}
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return true
}

// ShouldRetry reports whether another attempt follows attempts failed ones.
func (p RetryPolicy) ShouldRetry(err error, attempts int) bool {
	return attempts <= p.MaxRetries && p.Retryable(err)
}

func scale(d time.Duration, f float64) time.Duration {
	v := float64(d) * f
	if v >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(v)
}
