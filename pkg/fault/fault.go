// Package fault defines the canonical error model for the control plane.
//
// Every externally visible failure carries a stable machine code
// (MERGEFLOW/<AREA>/<NAME>), a kind that drives propagation policy, and an
// optional human detail. Transient faults are retryable; validation,
// conflict and integrity faults are not.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a fault for propagation policy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindResource   Kind = "resource"
	KindTransient  Kind = "transient"
	KindIntegrity  Kind = "integrity"
	KindNotFound   Kind = "not_found"
	KindFatal      Kind = "fatal"
)

// Stable machine codes.
const (
	CodeInvalidInput      = "MERGEFLOW/VALIDATION/INVALID_INPUT"
	CodeInvalidTransition = "MERGEFLOW/VALIDATION/INVALID_TRANSITION"
	CodeBadAdjustment     = "MERGEFLOW/VALIDATION/BAD_ADJUSTMENT"

	CodeIdempotencyCollision = "MERGEFLOW/CONFLICT/IDEMPOTENCY_COLLISION"
	CodeScopeMismatch        = "MERGEFLOW/CONFLICT/SCOPE_MISMATCH"
	CodePatchMismatch        = "MERGEFLOW/CONFLICT/PATCH_MISMATCH"
	CodeLockHeld             = "MERGEFLOW/CONFLICT/LOCK_HELD"

	CodeRateLimited   = "MERGEFLOW/RESOURCE/RATE_LIMITED"
	CodeQuotaExceeded = "MERGEFLOW/RESOURCE/QUOTA_EXCEEDED"
	CodeCircuitOpen   = "MERGEFLOW/RESOURCE/CIRCUIT_OPEN"

	CodeTimeout        = "MERGEFLOW/TRANSIENT/TIMEOUT"
	CodeContention     = "MERGEFLOW/TRANSIENT/STORE_CONTENTION"
	CodeUpstreamFailed = "MERGEFLOW/TRANSIENT/UPSTREAM_FAILED"

	CodeChainBreak   = "MERGEFLOW/INTEGRITY/CHAIN_BREAK"
	CodeHashMismatch = "MERGEFLOW/INTEGRITY/HASH_MISMATCH"
	CodeSequenceGap  = "MERGEFLOW/INTEGRITY/SEQUENCE_GAP"

	CodeRunNotFound    = "MERGEFLOW/NOT_FOUND/RUN"
	CodeTenantNotFound = "MERGEFLOW/NOT_FOUND/TENANT"
	CodeActionNotFound = "MERGEFLOW/NOT_FOUND/ACTION"
	CodeCheckNotFound  = "MERGEFLOW/NOT_FOUND/CHECK"
	CodeRecordNotFound = "MERGEFLOW/NOT_FOUND/RECORD"

	CodeMisconfigured     = "MERGEFLOW/FATAL/MISCONFIGURED"
	CodeRetryExhausted    = "MERGEFLOW/FATAL/RETRY_EXHAUSTED"
	CodeCorruptedArtifact = "MERGEFLOW/FATAL/CORRUPTED_ARTIFACT"
)

// Fault is the canonical error type.
type Fault struct {
	Code   string
	Kind   Kind
	Detail string
	cause  error
}

// New creates a fault with the given code and detail.
func New(code, detail string) *Fault {
	return &Fault{Code: code, Kind: kindOf(code), Detail: detail}
}

// Newf creates a fault with a formatted detail.
func Newf(code, format string, args ...any) *Fault {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a fault whose cause is err.
func Wrap(code string, err error) *Fault {
	f := New(code, "")
	f.cause = err
	if err != nil {
		f.Detail = err.Error()
	}
	return f
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return f.Code
	}
	return f.Code + ": " + f.Detail
}

func (f *Fault) Unwrap() error { return f.cause }

// Is matches by code so sentinel comparison works across wrapping.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Code == other.Code
	}
	return false
}

// Retryable reports whether the fault may succeed on retry.
func (f *Fault) Retryable() bool {
	return f.Kind == KindTransient
}

// Status projects the fault onto an HTTP-like status code.
func (f *Fault) Status() int {
	switch f.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindResource:
		if f.Code == CodeQuotaExceeded {
			return http.StatusPaymentRequired
		}
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of err, or KindFatal for unclassified errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindFatal
}

// CodeOf returns the machine code of err, or "" for unclassified errors.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient fault.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable()
	}
	return false
}

// kindOf derives the kind from the code's area segment.
func kindOf(code string) Kind {
	parts := strings.Split(code, "/")
	if len(parts) < 3 {
		return KindFatal
	}
	switch parts[1] {
	case "VALIDATION":
		return KindValidation
	case "CONFLICT":
		return KindConflict
	case "RESOURCE":
		return KindResource
	case "TRANSIENT":
		return KindTransient
	case "INTEGRITY":
		return KindIntegrity
	case "NOT_FOUND":
		return KindNotFound
	default:
		return KindFatal
	}
}
