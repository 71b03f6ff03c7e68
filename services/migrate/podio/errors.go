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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"time"
)

// StatusRateLimited is the non-standard status code the platform returns
// when the request quota is exhausted (its convention for 429).
const StatusRateLimited = 420

// Sentinel errors for the gateway.
var (
	// ErrNotFound indicates the remote resource does not exist.
	ErrNotFound = errors.New("remote resource not found")

	// ErrClientClosed is returned when operations are called on a closed client.
	ErrClientClosed = errors.New("podio client is closed")
)

// notFoundError pairs the ErrNotFound sentinel with the typed response
// envelope, so callers can match the sentinel with errors.Is while the
// retry classifier still sees the status code through errors.As.
type notFoundError struct {
	api *APIError
}

func (e *notFoundError) Error() string {
	return ErrNotFound.Error() + ": " + e.api.Error()
}

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *notFoundError) Unwrap() error { return e.api }

// APIError is a failed remote call with the platform's error envelope
// attached. It drives the transient-vs-fatal classification used by the
// retry policy.
type APIError struct {
	// StatusCode is the HTTP status of the failed response.
	StatusCode int

	// Code is the platform's machine-readable error code (e.g. "rate_limit").
	Code string

	// Detail is the platform's human-readable error description.
	Detail string

	// RetryAfter is the server-supplied wait, if a Retry-After header was
	// present. Zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("podio: %d %s: %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("podio: %d: %s", e.StatusCode, e.Detail)
}

// IsTransient reports whether err is worth retrying.
//
// Transient failures are server errors (5xx), rate-limit responses (420),
// and network-level failures that produced no status code at all. Anything
// else (4xx validation, auth failures, decode failures, context
// cancellation) is fatal and must not be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == StatusRateLimited
	}

	// Without a status code only genuine transport failures are
	// retryable: connection resets, DNS failures, timeouts, a body cut
	// off mid-read. An unclassified error (failed token grant, decode
	// failure) is fatal; retrying cannot fix it.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// IsRateLimited reports whether err is a remote rate-limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == StatusRateLimited
}

// waitSecondsRe matches the "wait N seconds" phrasing the platform embeds
// in rate-limit error descriptions.
var waitSecondsRe = regexp.MustCompile(`wait\s+(\d+)\s+seconds?`)

// RateLimitWait extracts the server-suggested wait from a rate-limit error.
//
// Description:
//
//	Prefers an explicit Retry-After header, then the "wait N seconds"
//	pattern in the error description. Returns false when the error carries
//	no usable hint (callers fall back to tracked quota state or a default).
//
// Inputs:
//
//	err - The error returned by a gateway call.
//
// Outputs:
//
//	time.Duration - The suggested wait.
//	bool - True if a hint was found.
func RateLimitWait(err error) (time.Duration, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	if apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	if m := waitSecondsRe.FindStringSubmatch(apiErr.Detail); m != nil {
		secs, err := strconv.Atoi(m[1])
		if err == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// RetryAfter extracts the Retry-After hint from any gateway error.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
