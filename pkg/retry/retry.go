// Copyright 2025 The Engram Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements the service-wide backoff policy for transient
// backend and provider failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts including the first
	// (default: 5).
	MaxAttempts int

	// BaseDelay is the delay before the first retry (default: 1s).
	BaseDelay time.Duration

	// Factor multiplies the delay after each attempt (default: 2).
	Factor float64

	// MaxDelay caps the computed delay (default: 30s).
	MaxDelay time.Duration

	// JitterFactor adds randomness to delays (0.0-1.0, default: 0.1).
	JitterFactor float64

	// RetryableErrors are error substrings that indicate transient failures.
	RetryableErrors []string
}

// DefaultConfig returns the service-wide policy: base 1s, factor 2,
// cap 30s, 5 attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		Factor:       2,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"timeout",
			"timed out",
			"rate limit",
			"429",
			"500",
			"502",
			"503",
			"504",
			"temporarily unavailable",
			"too many requests",
			"ECONNREFUSED",
			"ETIMEDOUT",
			"ECONNRESET",
		},
	}
}

// Retryer executes operations with exponential backoff.
type Retryer struct {
	config Config
}

// NewRetryer creates a retryer, filling zero config fields with defaults.
func NewRetryer(cfg Config) *Retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Factor <= 1 {
		cfg.Factor = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.JitterFactor <= 0 {
		cfg.JitterFactor = 0.1
	}
	return &Retryer{config: cfg}
}

// Do executes fn until it succeeds, fails with a non-retryable error, or
// the attempt budget runs out.
func (r *Retryer) Do(ctx context.Context, operation string, fn func() error) error {
	_, err := DoWithResult(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes an operation that returns a value.
func DoWithResult[T any](ctx context.Context, r *Retryer, operation string, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		var err error
		result, err = fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !r.isRetryable(err) {
			slog.Debug("non-retryable error",
				"operation", operation,
				"error", err)
			return result, err
		}

		if attempt >= r.config.MaxAttempts {
			slog.Warn("attempt budget exhausted",
				"operation", operation,
				"attempts", attempt,
				"error", err)
			return result, &Error{
				Operation:   operation,
				Attempts:    attempt,
				LastError:   err,
				IsExhausted: true,
			}
		}

		delay := r.delay(attempt)

		slog.Debug("retrying operation",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

func (r *Retryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var retryErr *Error
	if errors.As(err, &retryErr) && retryErr.IsExhausted {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range r.config.RetryableErrors {
		if strings.Contains(errStr, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// delay computes the backoff before the retry following the given 1-based
// attempt, with jitter, clamped to MaxDelay.
func (r *Retryer) delay(attempt int) time.Duration {
	d := time.Duration(math.Pow(r.config.Factor, float64(attempt-1))) * r.config.BaseDelay

	jitter := time.Duration(rand.Float64() * float64(d) * r.config.JitterFactor)
	if rand.Float64() < 0.5 {
		d -= jitter
	} else {
		d += jitter
	}

	if d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	return d
}

// Error reports a failed operation together with its attempt count.
type Error struct {
	Operation   string
	Attempts    int
	LastError   error
	IsExhausted bool
}

func (e *Error) Error() string {
	if e.IsExhausted {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.LastError)
	}
	return fmt.Sprintf("%s failed (attempt %d): %v", e.Operation, e.Attempts, e.LastError)
}

func (e *Error) Unwrap() error {
	return e.LastError
}

// IsExhausted reports whether err is a retry exhaustion error.
func IsExhausted(err error) bool {
	var retryErr *Error
	return errors.As(err, &retryErr) && retryErr.IsExhausted
}
