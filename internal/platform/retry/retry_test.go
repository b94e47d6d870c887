package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
)

func TestIsTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("tier: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"rate limited", &httpx.StatusError{Service: "mistral", StatusCode: 429}, true},
		{"server error", &httpx.StatusError{Service: "catalog", StatusCode: 503}, true},
		{"bad request", &httpx.StatusError{Service: "catalog", StatusCode: 400}, false},
		{"grpc unavailable", status.Error(codes.Unavailable, "try later"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad image"), false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg unique", &pgconn.PgError{Code: "23505"}, false},
		{"permanent wraps transient", Permanent(&httpx.StatusError{StatusCode: 503}), false},
		{"plain", errors.New("malformed document"), false},
		{"marked transient", fmt.Errorf("extract: %w", Transient(errors.New("every tier busy"))), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestBackoffIsCapped(t *testing.T) {
	s := Strategy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, s.Backoff(1))
	require.Equal(t, 2*time.Second, s.Backoff(2))
	require.Equal(t, 5*time.Second, s.Backoff(6))
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	s := Strategy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := s.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("unsupported format"))
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.True(t, IsPermanent(err))
}

func TestDoRetriesTransientUntilExhausted(t *testing.T) {
	calls := 0
	s := Strategy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := s.Do(context.Background(), func(context.Context) error {
		calls++
		return &httpx.StatusError{Service: "openai", StatusCode: 429}
	})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.Equal(t, 3, calls)
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	calls := 0
	s := Strategy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := s.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
