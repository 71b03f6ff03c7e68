// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry implements the backoff policy for remote calls.
//
// Two regimes share one loop: ordinary transient failures back off
// exponentially with full jitter, while rate-limit rejections wait out
// the remote quota window using the best hint available. Fatal errors
// (validation, auth, cancellation) short-circuit immediately.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/AleutianAI/workmove/services/migrate/podio"
)

// Defaults for the backoff policy.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second

	// DefaultRateLimitWait is assumed when a rate-limit rejection carries
	// no usable hint at all.
	DefaultRateLimitWait = time.Hour

	// MaxRateLimitWait caps any server-suggested wait. A hint beyond the
	// longest possible quota window is treated as noise.
	MaxRateLimitWait = time.Hour
)

// Config tunes the retry loop. The zero value uses the defaults above.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the first backoff ceiling; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff ceiling.
	MaxDelay time.Duration

	// WaitHint, when non-nil, supplies a rate-limit wait from local state
	// (the quota tracker) for rejections that carry no hint of their own.
	WaitHint func() (time.Duration, bool)

	// Logger records retry decisions. If nil, slog.Default() is used.
	Logger *slog.Logger

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
}

// Do runs fn until it succeeds, fails fatally, or attempts are exhausted.
//
// Description:
//
//	Transient failures (server errors, network failures) back off with
//	full jitter: a uniformly random delay in [0, min(MaxDelay,
//	BaseDelay<<attempt)]. Rate-limit rejections instead wait out the
//	quota window: an explicit server hint if present, then the local
//	WaitHint, then DefaultRateLimitWait, always capped at
//	MaxRateLimitWait. Rate-limit waits do not consume attempts beyond
//	the normal count; they replace the jittered delay for that attempt.
//
// Inputs:
//
//	ctx - Cancels both fn and any in-progress wait.
//	op - Short operation name for log lines.
//	fn - The call to retry.
//
// Outputs:
//
//	error - Nil on success. The last attempt's error, unwrapped and
//	unconverted, on exhaustion or fatal failure.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	cfg.applyDefaults()
	logger := cfg.Logger.With(slog.String("component", "retry"), slog.String("op", op))

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !podio.IsTransient(lastErr) {
			logger.Debug("fatal error, not retrying", slog.String("error", lastErr.Error()))
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		var delay time.Duration
		if podio.IsRateLimited(lastErr) {
			delay = rateLimitDelay(lastErr, cfg.WaitHint)
			logger.Warn("rate limited, waiting for quota window",
				slog.Duration("wait", delay),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", cfg.MaxAttempts),
			)
		} else {
			delay = jitteredDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)
			logger.Warn("transient failure, backing off",
				slog.String("error", lastErr.Error()),
				slog.Duration("backoff", delay),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", cfg.MaxAttempts),
			)
		}

		if err := cfg.sleep(ctx, delay); err != nil {
			return err
		}
	}

	logger.Error("retries exhausted",
		slog.Int("attempts", cfg.MaxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return lastErr
}

// jitteredDelay picks a full-jitter delay for the given attempt: uniform
// in [0, min(maxDelay, base<<attempt)].
func jitteredDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	ceiling := base << uint(attempt)
	if ceiling > maxDelay || ceiling <= 0 {
		ceiling = maxDelay
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// rateLimitDelay resolves the wait for a rate-limit rejection.
func rateLimitDelay(err error, waitHint func() (time.Duration, bool)) time.Duration {
	wait, ok := podio.RateLimitWait(err)
	if !ok && waitHint != nil {
		wait, ok = waitHint()
	}
	if !ok || wait <= 0 {
		wait = DefaultRateLimitWait
	}
	if wait > MaxRateLimitWait {
		wait = MaxRateLimitWait
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
