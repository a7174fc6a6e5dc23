/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package vumierr collects the sentinel errors that make up the error
// taxonomy, so callers can branch on error
// identity with errors.Is instead of string matching.
package vumierr

import "errors"

var (
	// ErrAuthMissing is returned when the inbound webhook signature header
	// is absent or empty while HMAC verification is enabled.
	ErrAuthMissing = errors.New("vumierr: signature header missing")

	// ErrAuthMismatch is returned when the inbound webhook signature does
	// not match the computed HMAC.
	ErrAuthMismatch = errors.New("vumierr: signature mismatch")

	// ErrSchemaViolation wraps one or more JSON-schema validation failures
	// on an inbound webhook body.
	ErrSchemaViolation = errors.New("vumierr: schema violation")

	// ErrMalformedEnvelope is returned by the codec when a canonical
	// message/event cannot be decoded: invalid UTF-8, non-JSON, a missing
	// required field, or an unknown enum value.
	ErrMalformedEnvelope = errors.New("vumierr: malformed envelope")

	// ErrUpstreamTransient marks a provider HTTP 5xx or transport error;
	// the caller should requeue the delivery.
	ErrUpstreamTransient = errors.New("vumierr: upstream transient failure")

	// ErrUpstreamClient marks a provider HTTP 4xx (other than 404); the
	// caller should drop the delivery without requeue.
	ErrUpstreamClient = errors.New("vumierr: upstream client error")

	// ErrContactUnknown marks a provider 404 on /v1/messages, triggering
	// the missing-contact recovery flow.
	ErrContactUnknown = errors.New("vumierr: contact unknown")

	// ErrDependencyDown marks a Redis or AMQP connectivity failure.
	ErrDependencyDown = errors.New("vumierr: dependency down")
)
