// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides shared retry logic with exponential backoff for
// network operations against the org and verifier endpoints.
package retry

import (
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts is the default maximum number of retry attempts.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.3
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.  Attempt 0 yields the base delay.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		// Only ever jitter upward so consecutive delays stay
		// non-decreasing before the cap.
		delay *= 1 + r.Float64()*jitter
		if delay > float64(maxDelay)*(1+jitter) {
			delay = float64(maxDelay) * (1 + jitter)
		}
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
		"connection closed",
		"no such host",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	if netErr, ok := err.(net.Error); ok {
		if netErr.Timeout() {
			return true
		}
	}

	return false
}

// IsRetryableStatus returns true if the HTTP status code indicates a
// transient server-side condition (5xx or rate limiting).
func IsRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
