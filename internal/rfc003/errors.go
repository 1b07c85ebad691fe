package rfc003

import "errors"

// Error taxonomy (kinds, not types): sentinel values wrapped with %w at each
// boundary so callers can use errors.Is without a custom exception
// hierarchy.
var (
	// ErrLedgerUnavailable: retry with backoff; do not transition.
	ErrLedgerUnavailable = errors.New("rfc003: ledger unavailable")

	// ErrIncorrectFunding: surface to user; expose Refund action when the
	// timelock permits.
	ErrIncorrectFunding = errors.New("rfc003: observed funding does not match derived HTLC")

	// ErrMalformedPeerMessage: drop connection; do not fail the swap.
	ErrMalformedPeerMessage = errors.New("rfc003: malformed peer message")

	// ErrTimelocksUnsafe: decline at acceptance time.
	ErrTimelocksUnsafe = errors.New("rfc003: alpha_expiry does not outlast beta_expiry by the minimum safety gap")

	// ErrInsufficientFunding: pre-flight check on Deploy/Fund; surface.
	ErrInsufficientFunding = errors.New("rfc003: insufficient funds for requested asset quantity")

	// ErrInternalInvariantViolation: fatal; persist, halt the swap task,
	// alert. Never recovered from automatically.
	ErrInternalInvariantViolation = errors.New("rfc003: internal invariant violation")

	// ErrSwapNotFound: unknown swap id.
	ErrSwapNotFound = errors.New("rfc003: swap not found")

	// ErrSwapExists: duplicate swap id on insert.
	ErrSwapExists = errors.New("rfc003: swap already exists")

	// ErrUnknownSwapId: peer message references a swap id we never created.
	ErrUnknownSwapId = errors.New("rfc003: unknown swap id")

	// ErrDuplicateSwapId: peer message proposes a swap id already in use.
	ErrDuplicateSwapId = errors.New("rfc003: duplicate swap id")

	// ErrPeerUnreachable: retry with exponential backoff, cap 60s, give up
	// after a configurable deadline.
	ErrPeerUnreachable = errors.New("rfc003: peer unreachable")

	// ErrTerminal: the swap is already in a terminal state; the caller
	// attempted an action or transition that no longer applies.
	ErrTerminal = errors.New("rfc003: swap is in a terminal state")
)
