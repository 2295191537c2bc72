// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		d0 := Delay(baseDelay, maxDelay, 0, 0)
		require.Equal(100*time.Millisecond, d0)

		d1 := Delay(baseDelay, maxDelay, 0, 1)
		require.Equal(200*time.Millisecond, d1)

		d2 := Delay(baseDelay, maxDelay, 0, 2)
		require.Equal(400*time.Millisecond, d2)

		d3 := Delay(baseDelay, maxDelay, 0, 3)
		require.Equal(800*time.Millisecond, d3)
	})

	t.Run("max delay cap", func(t *testing.T) {
		d10 := Delay(baseDelay, maxDelay, 0, 10)
		require.Equal(maxDelay, d10)
	})

	t.Run("jitter is upward only", func(t *testing.T) {
		jitter := 0.3
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, jitter, 0)
			require.GreaterOrEqual(d, 100*time.Millisecond)
			require.LessOrEqual(d, 130*time.Millisecond)
		}
	})

	t.Run("non-decreasing ignoring jitter", func(t *testing.T) {
		prev := time.Duration(0)
		for attempt := 0; attempt < 12; attempt++ {
			d := Delay(baseDelay, maxDelay, 0, attempt)
			require.GreaterOrEqual(d, prev)
			prev = d
		}
	})
}

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	t.Run("nil error", func(t *testing.T) {
		require.False(IsTransientError(nil))
	})

	t.Run("connection refused", func(t *testing.T) {
		err := errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")
		require.True(IsTransientError(err))
	})

	t.Run("connection reset", func(t *testing.T) {
		err := errors.New("read: connection reset by peer")
		require.True(IsTransientError(err))
	})

	t.Run("timeout", func(t *testing.T) {
		err := errors.New("i/o timeout")
		require.True(IsTransientError(err))
	})

	t.Run("EOF", func(t *testing.T) {
		err := errors.New("unexpected EOF")
		require.True(IsTransientError(err))
	})

	t.Run("permanent error", func(t *testing.T) {
		err := errors.New("invalid signature")
		require.False(IsTransientError(err))
	})
}

// mockNetError implements net.Error for testing.
type mockNetError struct {
	timeout bool
	msg     string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

func TestIsTransientError_NetError(t *testing.T) {
	require := require.New(t)

	err := &mockNetError{timeout: true, msg: "operation timed out"}
	require.True(IsTransientError(err))
}

func TestIsRetryableStatus(t *testing.T) {
	require := require.New(t)

	require.True(IsRetryableStatus(http.StatusInternalServerError))
	require.True(IsRetryableStatus(http.StatusServiceUnavailable))
	require.True(IsRetryableStatus(http.StatusTooManyRequests))
	require.False(IsRetryableStatus(http.StatusUnauthorized))
	require.False(IsRetryableStatus(http.StatusBadRequest))
	require.False(IsRetryableStatus(http.StatusOK))
}
