// Package services defines the business logic for message delivery,
// recipient resolution, subscription accounting, and scheduled dispatch.
// This file centralizes common service-level error values so that they can
// be consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into user-facing messages or HTTP status codes is performed
// by the (out-of-scope) API layer.
package services

import "errors"

var (
	// ErrRecipientNotFound indicates that a target user or channel does not
	// exist or is not accessible to the sender.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrEmptyContent is returned when a message body is empty after
	// trimming whitespace.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrContentTooLong is returned when a message body exceeds the
	// configured maximum rune length.
	ErrContentTooLong = errors.New("message content too long")

	// ErrNoTargets is returned when a direct-message request names no
	// target users at all.
	ErrNoTargets = errors.New("no target users")

	// ErrDeliveryFailed wraps any failure while creating the message or its
	// per-recipient rows during a scheduled delivery attempt.
	ErrDeliveryFailed = errors.New("delivery failed")
)
