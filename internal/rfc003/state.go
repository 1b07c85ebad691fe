package rfc003

import "fmt"

// Role distinguishes the two parties of a swap from the local perspective.
// The automaton itself is symmetric; only which ledger is "funded by me" vs
// "funded by the counterparty" differs by role.
type Role string

const (
	RoleAlice Role = "alice" // initiator: funds alpha, redeems beta first
	RoleBob   Role = "bob"   // responder: funds beta, redeems alpha second
)

// Phase is the coarse-grained position of a swap in the protocol, prior to
// resolving into one of the six terminal SwapOutcome values.
type Phase string

const (
	PhaseStart        Phase = "start"
	PhaseAccepted     Phase = "accepted"
	PhaseAlphaDeployed Phase = "alpha_deployed" // Ethereum only; Bitcoin skips straight to funded
	PhaseAlphaFunded  Phase = "alpha_funded"
	PhaseBothFunded   Phase = "both_funded"
	PhaseTerminal     Phase = "terminal"
)

// LegOutcome is how a single ledger's HTLC instance resolved.
type LegOutcome string

const (
	LegPending  LegOutcome = "pending"
	LegRedeemed LegOutcome = "redeemed"
	LegRefunded LegOutcome = "refunded"
)

// SwapOutcome is one of the six absorbing final states of a swap.
type SwapOutcome string

const (
	OutcomeRejected                 SwapOutcome = "rejected"
	OutcomeAlphaRefunded             SwapOutcome = "alpha_refunded"
	OutcomeBothRefunded              SwapOutcome = "both_refunded"
	OutcomeBothRedeemed              SwapOutcome = "both_redeemed"
	OutcomeAlphaRedeemedBetaRefunded SwapOutcome = "alpha_redeemed_beta_refunded"
	OutcomeAlphaRefundedBetaRedeemed SwapOutcome = "alpha_refunded_beta_redeemed"
)

func (o SwapOutcome) String() string { return string(o) }

// State is the full per-swap record: the frozen request/response plus every
// observed on-chain fact needed to resolve to a terminal outcome. It is the
// unit of persistence for the Swap Registry (C8).
type State struct {
	SwapId   SwapId
	Role     Role
	Request  SwapRequest
	Response *SwapResponse // nil until Accept/Decline received

	Phase Phase

	AlphaDeployedAt *HtlcLocation // Ethereum only
	AlphaFundedAt   *HtlcLocation
	BetaFundedAt    *HtlcLocation
	BetaWasFunded   bool // distinguishes "never funded" from "funded then refunded"

	AlphaLeg LegOutcome
	BetaLeg  LegOutcome

	Secret *Secret // known once revealed on either leg

	Outcome   *SwapOutcome
	LastError string // last non-fatal error surfaced to the user, e.g. IncorrectFunding
}

// NewState creates the initial Start-phase state for a freshly created
// SwapRequest.
func NewState(id SwapId, role Role, req SwapRequest) *State {
	return &State{
		SwapId:   id,
		Role:     role,
		Request:  req,
		Phase:    PhaseStart,
		AlphaLeg: LegPending,
		BetaLeg:  LegPending,
	}
}

// IsTerminal reports whether the swap has reached an absorbing outcome.
func (s *State) IsTerminal() bool {
	return s.Phase == PhaseTerminal
}

// Event is implemented by every fact the state machine can consume: a peer
// message or a ledger observation delivered by C4.
type Event interface{ isRfc003Event() }

// ResponseReceived carries the counterparty's Accept or Decline.
type ResponseReceived struct{ Response SwapResponse }

func (ResponseReceived) isRfc003Event() {}

// DeploymentObserved carries an Ethereum HTLC deployment (Bitcoin has no
// separate deployment step; funding and deployment coincide).
type DeploymentObserved struct {
	Ledger   LedgerKind
	Location HtlcLocation
}

func (DeploymentObserved) isRfc003Event() {}

// FundingObserved carries a transaction that transfers into the HTLC
// address/outpoint. ObservedAsset is what the transaction actually
// transferred, to be checked against the expected asset (safety invariant
// 1); Verified must already have been set by the caller. internal/engine
// sets it on every funding observation internal/events delivers; for
// Bitcoin those are outputs paying the address of the re-derived HTLC.
type FundingObserved struct {
	Ledger        LedgerKind
	Location      HtlcLocation
	ObservedAsset Asset
	Verified      bool
}

func (FundingObserved) isRfc003Event() {}

// RedeemObserved carries a spend/call that reveals a preimage.
type RedeemObserved struct {
	Ledger LedgerKind
	Secret Secret
}

func (RedeemObserved) isRfc003Event() {}

// RefundObserved carries a spend/call after expiry with no valid preimage.
type RefundObserved struct{ Ledger LedgerKind }

func (RefundObserved) isRfc003Event() {}

// Apply advances the state machine by one event. It is idempotent: applying
// the same event to the same resulting state again is a no-op (property 6,
// §4.4 persistence rule). Terminal states are absorbing (invariant 4):
// Apply on a terminal state always returns changed=false, nil.
//
// Apply never panics on malformed or unexpected on-chain data. Unverified
// or mismatched funding is reported by returning a non-nil err for the
// caller to log, without mutating Phase; a redeem whose secret does not
// match the SecretHash is ignored (changed=false, nil err).
func (s *State) Apply(ev Event) (changed bool, err error) {
	if s.IsTerminal() {
		return false, nil
	}

	switch e := ev.(type) {
	case ResponseReceived:
		return s.applyResponse(e)
	case DeploymentObserved:
		return s.applyDeployment(e)
	case FundingObserved:
		return s.applyFunding(e)
	case RedeemObserved:
		return s.applyRedeem(e)
	case RefundObserved:
		return s.applyRefund(e)
	default:
		return false, fmt.Errorf("%w: unknown event type %T", ErrInternalInvariantViolation, ev)
	}
}

func (s *State) applyResponse(e ResponseReceived) (bool, error) {
	if s.Phase != PhaseStart {
		return false, nil // idempotent replay after Accepted
	}
	resp := e.Response
	s.Response = &resp

	if resp.Kind == ResponseDecline {
		s.finish(OutcomeRejected)
		return true, nil
	}

	s.Phase = PhaseAccepted
	return true, nil
}

func (s *State) applyDeployment(e DeploymentObserved) (bool, error) {
	if s.Phase != PhaseAccepted || e.Ledger != LedgerEthereum {
		return false, nil
	}
	if s.alphaLedger() != LedgerEthereum {
		// Deployment only applies to whichever leg is Ethereum; if alpha
		// isn't Ethereum this event describes beta, which has no separate
		// deployment phase gate.
		return false, nil
	}
	loc := e.Location
	s.AlphaDeployedAt = &loc
	s.Phase = PhaseAlphaDeployed
	return true, nil
}

func (s *State) applyFunding(e FundingObserved) (bool, error) {
	if !e.Verified {
		s.LastError = ErrIncorrectFunding.Error()
		return false, ErrIncorrectFunding
	}

	isAlpha := e.Ledger == s.alphaLedger()
	expected := s.Request.AlphaAsset
	if !isAlpha {
		expected = s.Request.BetaAsset
	}
	if !e.ObservedAsset.Equal(expected) {
		s.LastError = ErrIncorrectFunding.Error()
		return false, ErrIncorrectFunding
	}

	if isAlpha {
		if s.Phase != PhaseAccepted && s.Phase != PhaseAlphaDeployed {
			return false, nil
		}
		if s.AlphaFundedAt != nil {
			return false, nil
		}
		loc := e.Location
		s.AlphaFundedAt = &loc
		s.Phase = PhaseAlphaFunded
		s.LastError = ""
		return true, nil
	}

	if s.Phase != PhaseAlphaFunded && s.Phase != PhaseBothFunded {
		return false, nil
	}
	if s.BetaFundedAt != nil {
		return false, nil
	}
	loc := e.Location
	s.BetaFundedAt = &loc
	s.BetaWasFunded = true
	s.Phase = PhaseBothFunded
	s.LastError = ""
	return true, nil
}

func (s *State) applyRedeem(e RedeemObserved) (bool, error) {
	if !e.Secret.Matches(s.Request.SecretHash) {
		// Invariant 2: ignore the event, no state change, no error raised
		// to the swap (a malformed/irrelevant spend observed on-chain is
		// not a protocol failure).
		return false, nil
	}

	isAlpha := e.Ledger == s.alphaLedger()
	if isAlpha {
		if s.AlphaLeg != LegPending {
			return false, nil
		}
		s.AlphaLeg = LegRedeemed
	} else {
		if s.BetaLeg != LegPending {
			return false, nil
		}
		s.BetaLeg = LegRedeemed
	}

	secret := e.Secret
	s.Secret = &secret
	return s.resolveIfDone(), nil
}

func (s *State) applyRefund(e RefundObserved) (bool, error) {
	isAlpha := e.Ledger == s.alphaLedger()
	if isAlpha {
		if s.AlphaLeg != LegPending {
			return false, nil
		}
		s.AlphaLeg = LegRefunded
	} else {
		if s.BetaLeg != LegPending {
			return false, nil
		}
		s.BetaLeg = LegRefunded
	}
	return s.resolveIfDone(), nil
}

// resolveIfDone checks whether both legs (or, in the beta-never-funded
// case, just alpha) have resolved, and if so computes the terminal outcome.
func (s *State) resolveIfDone() bool {
	if !s.BetaWasFunded {
		// S3: beta was never funded; only alpha can resolve.
		if s.AlphaLeg == LegRefunded {
			s.finish(OutcomeAlphaRefunded)
			return true
		}
		// AlphaLeg == LegRedeemed with no beta funding is not reachable in
		// a correct implementation (redeeming requires the secret, which
		// in this construction only becomes known via a beta redeem) but
		// is handled defensively rather than panicking.
		return false
	}

	if s.AlphaLeg == LegPending || s.BetaLeg == LegPending {
		return false
	}

	switch {
	case s.AlphaLeg == LegRedeemed && s.BetaLeg == LegRedeemed:
		s.finish(OutcomeBothRedeemed)
	case s.AlphaLeg == LegRefunded && s.BetaLeg == LegRefunded:
		s.finish(OutcomeBothRefunded)
	case s.AlphaLeg == LegRedeemed && s.BetaLeg == LegRefunded:
		s.finish(OutcomeAlphaRedeemedBetaRefunded)
	case s.AlphaLeg == LegRefunded && s.BetaLeg == LegRedeemed:
		s.finish(OutcomeAlphaRefundedBetaRedeemed)
	}
	return true
}

func (s *State) finish(outcome SwapOutcome) {
	s.Phase = PhaseTerminal
	s.Outcome = &outcome
}

func (s *State) alphaLedger() LedgerKind {
	return s.Request.AlphaAsset.Ledger()
}
