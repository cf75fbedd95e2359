// Package api implements the outbound REST client for the marketplace
// backend. This file centralizes the service-level error values returned by
// client methods so callers can branch on them with errors.Is.
//
// Errors here are boundary errors: a send failure must surface to the user
// while preserving their draft; an auth rejection downgrades realtime to
// polling. Nothing in this package panics on backend misbehavior.
package api

import "errors"

var (
	// ErrUnauthorized indicates the bearer token was rejected (401/403).
	ErrUnauthorized = errors.New("api: unauthorized")

	// ErrNotFound indicates the resource does not exist (404).
	ErrNotFound = errors.New("api: not found")

	// ErrEmptyMessage is returned when a send carries neither body nor image.
	ErrEmptyMessage = errors.New("api: message needs a body or an image")

	// ErrBackend indicates a non-2xx response that is not auth or not-found;
	// the envelope message, when present, is wrapped alongside.
	ErrBackend = errors.New("api: backend rejected request")
)
