package rfc003

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func hasAction(actions []Action, kind ActionKind) bool {
	for _, a := range actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func TestAvailableActionsBobCanAcceptOrDecline(t *testing.T) {
	req := testRequest(t)
	s := NewState(req.SwapId, RoleBob, req)
	actions := AvailableActions(s, RoleBob)
	if !hasAction(actions, ActionAccept) || !hasAction(actions, ActionDecline) {
		t.Fatalf("expected accept+decline at start, got %+v", actions)
	}
}

func TestAvailableActionsAliceFundsAfterAccept(t *testing.T) {
	s := acceptedState(t)
	actions := AvailableActions(s, RoleAlice)
	if !hasAction(actions, ActionFund) {
		t.Fatalf("expected fund action for bitcoin alpha leg, got %+v", actions)
	}
}

func TestAvailableActionsPureOverState(t *testing.T) {
	s := acceptedState(t)
	a1 := AvailableActions(s, RoleAlice)
	a2 := AvailableActions(s, RoleAlice)
	if len(a1) != len(a2) {
		t.Fatalf("repeated calls returned different sets: %+v vs %+v", a1, a2)
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("repeated calls diverged at index %d: %+v vs %+v", i, a1[i], a2[i])
		}
	}
}

func TestAvailableActionsRedeemGatedOnSecret(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	req := SwapRequest{
		SwapId:      NewSwapId(),
		AlphaAsset:  BitcoinAsset(big.NewInt(1)),
		BetaAsset:   EtherAsset(big.NewInt(1)),
		AlphaExpiry: BitcoinLockDuration(288),
		BetaExpiry:  EthereumLockDuration(1_000_000_000),
		SecretHash:  secret.Hash(),
	}
	s := NewState(req.SwapId, RoleBob, req)
	if _, err := s.Apply(ResponseReceived{Response: Accept(EthereumIdentity(common.Address{1}), BitcoinIdentity(nil))}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	fundBothLegs(t, s)

	bobActions := AvailableActions(s, RoleBob)
	if hasAction(bobActions, ActionRedeem) {
		t.Fatalf("bob should not be able to redeem alpha before the secret is known: %+v", bobActions)
	}

	if _, err := s.Apply(RedeemObserved{Ledger: LedgerEthereum, Secret: secret}); err != nil {
		t.Fatalf("redeem beta: %v", err)
	}

	bobActions = AvailableActions(s, RoleBob)
	if !hasAction(bobActions, ActionRedeem) {
		t.Fatalf("bob should be able to redeem alpha once the secret is known: %+v", bobActions)
	}
}

func TestAvailableActionsNoneWhenTerminal(t *testing.T) {
	req := testRequest(t)
	s := NewState(req.SwapId, RoleBob, req)
	if _, err := s.Apply(ResponseReceived{Response: Decline(DeclineReasonTimelocksUnsafe)}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if actions := AvailableActions(s, RoleBob); len(actions) != 0 {
		t.Fatalf("expected no actions on terminal state, got %+v", actions)
	}
}
