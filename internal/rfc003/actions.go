package rfc003

// ActionKind is one of the six user-invokable operations the Action
// Projector (C6) can expose. The closed set the spec allows.
type ActionKind string

const (
	ActionAccept  ActionKind = "accept"
	ActionDecline ActionKind = "decline"
	ActionDeploy  ActionKind = "deploy"
	ActionFund    ActionKind = "fund"
	ActionRedeem  ActionKind = "redeem"
	ActionRefund  ActionKind = "refund"
)

// Action wraps an ActionKind with the ledger it targets and an invalid_until
// gate, matching the original rfc003::actions::Action<ActionKind> wrapper:
// the timing gate is kept separate from the payload itself. InvalidUntil is
// nil when the action is immediately valid. No payload (unsigned
// transaction/call data) is assembled for an Action in this module; the
// HTTP surface returns the leg's HtlcParams instead. This type only
// carries the decision of which action applies to which ledger.
type Action struct {
	Kind         ActionKind
	Ledger       LedgerKind
	InvalidUntil *uint64 // Unix seconds
}

// AvailableActions is the pure projection from (State, role) onto the set
// of actions currently invokable. It is deterministic: repeated calls on an
// unchanged State return an equal set (§4.5). It does not build transaction
// payloads; internal/httpapi pairs the returned kinds with the HtlcParams
// derived via State.Request/Response.
func AvailableActions(s *State, role Role) []Action {
	if s == nil {
		return nil
	}

	switch s.Phase {
	case PhaseStart:
		if role == RoleBob {
			return []Action{
				{Kind: ActionAccept, Ledger: s.Request.BetaAsset.Ledger()},
				{Kind: ActionDecline, Ledger: s.Request.BetaAsset.Ledger()},
			}
		}
		return nil

	case PhaseAccepted:
		if role == RoleAlice {
			alphaLedger := s.Request.AlphaAsset.Ledger()
			if alphaLedger == LedgerEthereum {
				return []Action{{Kind: ActionDeploy, Ledger: alphaLedger}}
			}
			return []Action{{Kind: ActionFund, Ledger: alphaLedger}}
		}
		return nil

	case PhaseAlphaDeployed:
		if role == RoleAlice {
			return []Action{{Kind: ActionFund, Ledger: s.Request.AlphaAsset.Ledger()}}
		}
		return nil

	case PhaseAlphaFunded:
		actions := alphaRefundAction(s, role)
		if role == RoleBob {
			betaLedger := s.Request.BetaAsset.Ledger()
			if betaLedger == LedgerEthereum {
				actions = append(actions, Action{Kind: ActionDeploy, Ledger: betaLedger})
			} else {
				actions = append(actions, Action{Kind: ActionFund, Ledger: betaLedger})
			}
		}
		return actions

	case PhaseBothFunded:
		actions := alphaRefundAction(s, role)
		actions = append(actions, betaRefundAction(s, role)...)
		if role == RoleAlice && s.BetaLeg == LegPending {
			actions = append(actions, Action{Kind: ActionRedeem, Ledger: s.Request.BetaAsset.Ledger()})
		}
		if role == RoleBob && s.AlphaLeg == LegPending && s.Secret != nil {
			actions = append(actions, Action{Kind: ActionRedeem, Ledger: s.Request.AlphaAsset.Ledger()})
		}
		return actions

	default: // PhaseTerminal
		return nil
	}
}

func alphaRefundAction(s *State, role Role) []Action {
	if role != RoleAlice || s.AlphaLeg != LegPending {
		return nil
	}
	gate := alphaRefundGate(s)
	return []Action{{Kind: ActionRefund, Ledger: s.Request.AlphaAsset.Ledger(), InvalidUntil: gate}}
}

func betaRefundAction(s *State, role Role) []Action {
	if role != RoleBob || s.BetaLeg != LegPending || !s.BetaWasFunded {
		return nil
	}
	gate := betaRefundGate(s)
	return []Action{{Kind: ActionRefund, Ledger: s.Request.BetaAsset.Ledger(), InvalidUntil: gate}}
}

func alphaRefundGate(s *State) *uint64 {
	if s.Request.AlphaAsset.Ledger() != LedgerEthereum {
		return nil // Bitcoin gate is block-height relative, enforced on-chain by CSV, not a timestamp here
	}
	v := s.Request.AlphaExpiry.Seconds
	return &v
}

func betaRefundGate(s *State) *uint64 {
	if s.Request.BetaAsset.Ledger() != LedgerEthereum {
		return nil
	}
	v := s.Request.BetaExpiry.Seconds
	return &v
}
