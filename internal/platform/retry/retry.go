// Package retry holds the explicit retry strategy used by the job queue and
// the upstream clients, plus the transient/permanent error taxonomy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
)

var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Strategy configures attempts and exponential backoff with jitter.
type Strategy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the +/- fraction applied to each delay (0.2 = 20%).
	Jitter float64
	// IsRetryable overrides the default classification.
	IsRetryable func(error) bool
}

// Default mirrors the upstream backends' tolerance: 3 attempts, 4s..60s.
func Default() Strategy {
	return Strategy{
		MaxAttempts: 3,
		BaseDelay:   4 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func (s Strategy) normalized() Strategy {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	if s.BaseDelay < 0 {
		s.BaseDelay = 0
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 60 * time.Second
	}
	if s.Multiplier < 1 {
		s.Multiplier = 2
	}
	if s.IsRetryable == nil {
		s.IsRetryable = IsTransient
	}
	return s
}

// Backoff returns the wait before the next try after `attempt` failed tries
// (attempt starts at 1).
func (s Strategy) Backoff(attempt int) time.Duration {
	s = s.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(s.BaseDelay) * math.Pow(s.Multiplier, float64(attempt-1)))
	if d > s.MaxDelay || d < 0 {
		d = s.MaxDelay
	}
	return httpx.Jitter(d, s.Jitter)
}

// ShouldRetry reports whether a failure on the given attempt deserves another try.
func (s Strategy) ShouldRetry(attempt int, err error) bool {
	s = s.normalized()
	if err == nil || attempt >= s.MaxAttempts {
		return false
	}
	return s.IsRetryable(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or runs out of attempts.
func (s Strategy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	s = s.normalized()
	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !s.ShouldRetry(attempt, lastErr) {
			if attempt >= s.MaxAttempts && s.IsRetryable(lastErr) {
				break
			}
			return lastErr
		}
		t := time.NewTimer(s.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, s.MaxAttempts, lastErr)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable regardless of its underlying kind.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable when its kind alone would not say so.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying: timeouts, rate limits,
// 5xx, unavailable gRPC backends and Postgres serialization conflicts.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var sc httpx.HTTPStatusCoder
	if errors.As(err, &sc) {
		return httpx.IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection reset", "connection refused", "broken pipe", "unexpected eof", "i/o timeout"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
