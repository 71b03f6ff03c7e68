// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package podio

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Rate-limit response headers reported by the platform.
const (
	HeaderRateLimitLimit     = "X-Rate-Limit-Limit"
	HeaderRateLimitRemaining = "X-Rate-Limit-Remaining"
	HeaderRateLimitReset     = "X-Rate-Limit-Reset"
)

// RateLimitState is a snapshot of the remote quota as last reported.
type RateLimitState struct {
	// Limit is the total requests allowed in the current window.
	Limit int

	// Remaining is the requests left in the current window. Never negative.
	Remaining int

	// ResetAt is when the window resets. Zero when never observed.
	ResetAt time.Time

	// LastUpdated is when this state was last refreshed from a response.
	LastUpdated time.Time
}

// Known reports whether any quota state has been observed yet.
func (s RateLimitState) Known() bool {
	return !s.LastUpdated.IsZero()
}

// RateLimitTracker holds the process-wide view of the remote quota.
//
// The tracker is passive: it is updated opportunistically from response
// metadata and consulted by the gateway and the retry policy. It is
// read-mostly; concurrent updates can only make the state slightly stale,
// never inconsistent, because a later response overwrites wholesale.
//
// Thread Safety: Safe for concurrent use.
type RateLimitTracker struct {
	mu    sync.RWMutex
	state RateLimitState
	now   func() time.Time
}

// NewRateLimitTracker creates an empty tracker.
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{now: time.Now}
}

// UpdateFromHeaders records quota state from response headers.
//
// Description:
//
//	Parses the X-Rate-Limit-* headers and replaces the tracked state.
//	A negative remaining value is clamped to zero. If the reset header is
//	present but does not parse to a valid instant, the whole update is
//	rejected and the previous (stale but consistent) state is preserved.
//	Responses without rate-limit headers are ignored.
//
// Inputs:
//
//	h - Response headers from any gateway call.
//
// Outputs:
//
//	bool - True if the state was updated.
func (t *RateLimitTracker) UpdateFromHeaders(h http.Header) bool {
	limitStr := h.Get(HeaderRateLimitLimit)
	remainingStr := h.Get(HeaderRateLimitRemaining)
	if limitStr == "" && remainingStr == "" {
		return false
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		limit = 0
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil || remaining < 0 {
		// Remaining is never recorded as negative.
		remaining = 0
	}

	var resetAt time.Time
	if resetStr := h.Get(HeaderRateLimitReset); resetStr != "" {
		epoch, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil || epoch <= 0 {
			// Unparseable reset: reject the update, keep stale state.
			return false
		}
		resetAt = time.Unix(epoch, 0)
	}

	t.mu.Lock()
	t.state = RateLimitState{
		Limit:       limit,
		Remaining:   remaining,
		ResetAt:     resetAt,
		LastUpdated: t.now(),
	}
	t.mu.Unlock()
	return true
}

// TimeUntilReset returns the duration until the tracked quota window resets.
//
// Outputs:
//
//	time.Duration - Time until reset. Zero if the reset is in the past.
//	bool - False when no reset instant has ever been observed.
func (t *RateLimitTracker) TimeUntilReset() (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.state.ResetAt.IsZero() {
		return 0, false
	}
	d := t.state.ResetAt.Sub(t.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Snapshot returns a copy of the current state.
func (t *RateLimitTracker) Snapshot() RateLimitState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}
