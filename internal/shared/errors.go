package shared

import "errors"

// Sentinel errors for the stock, verification, and alerting domains. They
// live here so internal/platform/httpx can map them to HTTP statuses without
// importing the domain packages (whose handlers import httpx). Each domain
// package re-exports its own sentinels as aliases of these values.

// ErrInvalidBatch indicates rejected input: non-positive quantity, expiry in
// the past, or threshold levels out of order.
var ErrInvalidBatch = errors.New("stock: invalid batch input")

// ErrWitnessRequired indicates a controlled-medication mutation without a
// witness distinct from the performer.
var ErrWitnessRequired = errors.New("stock: witness required for controlled medication")

// ErrActorRequired indicates a mutation without a performing actor.
var ErrActorRequired = errors.New("stock: performing actor required")

// ErrAttemptNotFound indicates no verification attempt exists for the
// administration reference.
var ErrAttemptNotFound = errors.New("verification: attempt not found")

// ErrMismatch indicates the scanned item did not match the expected
// identifier. Recoverable only through retry or an authorized override.
var ErrMismatch = errors.New("verification: scanned item does not match expected identifier")

// ErrTerminal indicates the attempt already reached VERIFIED or OVERRIDE.
var ErrTerminal = errors.New("verification: attempt already finalised")

// ErrPermissionDenied indicates the actor lacks override authority.
var ErrPermissionDenied = errors.New("verification: override authority required")

// ErrReasonRequired indicates an override without a recorded reason.
var ErrReasonRequired = errors.New("verification: override reason required")

// ErrManualNotAllowed indicates a manual confirmation on a controlled
// medication, which always requires a scan.
var ErrManualNotAllowed = errors.New("verification: controlled medication requires a barcode scan")

// ErrAlertNotFound indicates an unknown alert reference.
var ErrAlertNotFound = errors.New("alerting: alert not found")

// ErrInvalidTransition indicates a status change outside
// ACTIVE -> ACKNOWLEDGED -> RESOLVED.
var ErrInvalidTransition = errors.New("alerting: invalid status transition")
