package rfc003

import (
	"fmt"

	"github.com/google/uuid"
)

// SwapId stably identifies a swap for its entire lifetime.
type SwapId uuid.UUID

// NewSwapId generates a fresh random SwapId.
func NewSwapId() SwapId {
	return SwapId(uuid.New())
}

// ParseSwapId parses a SwapId from its canonical string form.
func ParseSwapId(s string) (SwapId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SwapId{}, fmt.Errorf("rfc003: parse swap id: %w", err)
	}
	return SwapId(id), nil
}

func (id SwapId) String() string { return uuid.UUID(id).String() }

// HtlcParams fully determines an on-chain HTLC script/bytecode artifact
// bitwise: identical parameters always compile to identical bytes.
type HtlcParams struct {
	Asset          Asset
	RefundIdentity Identity
	RedeemIdentity Identity
	Expiry         LockDuration
	SecretHash     SecretHash
}

// Ledger reports which ledger family these parameters target.
func (p HtlcParams) Ledger() LedgerKind {
	return p.Asset.Ledger()
}

// SwapRequest is created once by the initiator (Alice), transferred once to
// the responder (Bob), then frozen.
type SwapRequest struct {
	SwapId                   SwapId
	AlphaLedger              LedgerKind
	BetaLedger               LedgerKind
	AlphaAsset               Asset
	BetaAsset                Asset
	AlphaLedgerRefundIdentity Identity
	BetaLedgerRedeemIdentity  Identity
	AlphaExpiry              LockDuration
	BetaExpiry               LockDuration
	SecretHash               SecretHash
}

// SwapResponseKind tags whether a responder accepted or declined a
// SwapRequest.
type SwapResponseKind string

const (
	ResponseAccept  SwapResponseKind = "accept"
	ResponseDecline SwapResponseKind = "decline"
)

// DeclineReason names why a responder declined a SwapRequest.
type DeclineReason string

const (
	DeclineReasonTimelocksUnsafe DeclineReason = "timelocks_unsafe"
	DeclineReasonUnacceptableTerms DeclineReason = "unacceptable_terms"
)

// SwapResponse is the responder's answer to a SwapRequest: either an Accept
// carrying the responder's own identities, or a Decline carrying a reason.
type SwapResponse struct {
	Kind SwapResponseKind

	// Present only when Kind == ResponseAccept.
	AlphaLedgerRedeemIdentity Identity
	BetaLedgerRefundIdentity  Identity

	// Present only when Kind == ResponseDecline.
	Reason DeclineReason
}

// Accept builds an Accept response.
func Accept(alphaRedeem, betaRefund Identity) SwapResponse {
	return SwapResponse{
		Kind:                      ResponseAccept,
		AlphaLedgerRedeemIdentity: alphaRedeem,
		BetaLedgerRefundIdentity:  betaRefund,
	}
}

// Decline builds a Decline response.
func Decline(reason DeclineReason) SwapResponse {
	return SwapResponse{Kind: ResponseDecline, Reason: reason}
}

// AlphaHtlcParams derives the α-ledger HtlcParams once a request has been
// accepted: Alice is the refund identity on α (she funds it and can reclaim
// it), Bob (via the accept response) is the redeem identity.
func (r SwapRequest) AlphaHtlcParams(resp SwapResponse) HtlcParams {
	return HtlcParams{
		Asset:          r.AlphaAsset,
		RefundIdentity: r.AlphaLedgerRefundIdentity,
		RedeemIdentity: resp.AlphaLedgerRedeemIdentity,
		Expiry:         r.AlphaExpiry,
		SecretHash:     r.SecretHash,
	}
}

// BetaHtlcParams derives the β-ledger HtlcParams once a request has been
// accepted: Bob funds β and can reclaim it (refund identity comes from the
// accept response), Alice is the redeem identity.
func (r SwapRequest) BetaHtlcParams(resp SwapResponse) HtlcParams {
	return HtlcParams{
		Asset:          r.BetaAsset,
		RefundIdentity: resp.BetaLedgerRefundIdentity,
		RedeemIdentity: r.BetaLedgerRedeemIdentity,
		Expiry:         r.BetaExpiry,
		SecretHash:     r.SecretHash,
	}
}
