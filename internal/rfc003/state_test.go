package rfc003

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testRequest(t *testing.T) SwapRequest {
	t.Helper()
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	return SwapRequest{
		SwapId:      NewSwapId(),
		AlphaLedger: LedgerBitcoin,
		BetaLedger:  LedgerEthereum,
		AlphaAsset:  BitcoinAsset(big.NewInt(100000000)),
		BetaAsset:   EtherAsset(new(big.Int).Mul(big.NewInt(30), big.NewInt(1_000_000_000_000_000_000))),
		AlphaLedgerRefundIdentity: BitcoinIdentity(nil),
		BetaLedgerRedeemIdentity:  EthereumIdentity(common.Address{}),
		AlphaExpiry: BitcoinLockDuration(288), // ~48h at 10min blocks
		BetaExpiry:  EthereumLockDuration(1_000_000_000 + 24*3600),
		SecretHash:  secret.Hash(),
	}
}

func acceptedState(t *testing.T) *State {
	t.Helper()
	req := testRequest(t)
	s := NewState(req.SwapId, RoleAlice, req)
	resp := Accept(EthereumIdentity(common.Address{1}), BitcoinIdentity(nil))
	if _, err := s.Apply(ResponseReceived{Response: resp}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.Phase != PhaseAccepted {
		t.Fatalf("phase after accept = %v, want %v", s.Phase, PhaseAccepted)
	}
	return s
}

func fundBothLegs(t *testing.T, s *State) {
	t.Helper()
	if _, err := s.Apply(FundingObserved{
		Ledger:        LedgerBitcoin,
		Location:      BitcoinLocation(nil),
		ObservedAsset: s.Request.AlphaAsset,
		Verified:      true,
	}); err != nil {
		t.Fatalf("fund alpha: %v", err)
	}
	if s.Phase != PhaseAlphaFunded {
		t.Fatalf("phase after alpha funding = %v, want %v", s.Phase, PhaseAlphaFunded)
	}

	if _, err := s.Apply(FundingObserved{
		Ledger:        LedgerEthereum,
		Location:      EthereumLocation(common.Address{2}),
		ObservedAsset: s.Request.BetaAsset,
		Verified:      true,
	}); err != nil {
		t.Fatalf("fund beta: %v", err)
	}
	if s.Phase != PhaseBothFunded {
		t.Fatalf("phase after beta funding = %v, want %v", s.Phase, PhaseBothFunded)
	}
}

func TestHappyPathBothRedeemed(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	req := SwapRequest{
		SwapId:      NewSwapId(),
		AlphaAsset:  BitcoinAsset(big.NewInt(100000000)),
		BetaAsset:   EtherAsset(big.NewInt(30)),
		AlphaExpiry: BitcoinLockDuration(288),
		BetaExpiry:  EthereumLockDuration(1_000_000_000),
		SecretHash:  secret.Hash(),
	}
	s := NewState(req.SwapId, RoleAlice, req)
	if _, err := s.Apply(ResponseReceived{Response: Accept(EthereumIdentity(common.Address{1}), BitcoinIdentity(nil))}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	fundBothLegs(t, s)

	if _, err := s.Apply(RedeemObserved{Ledger: LedgerEthereum, Secret: secret}); err != nil {
		t.Fatalf("redeem beta: %v", err)
	}
	if s.IsTerminal() {
		t.Fatalf("terminal too early after only beta redeemed")
	}
	if s.Secret == nil || *s.Secret != secret {
		t.Fatalf("secret not recorded after beta redeem")
	}

	if _, err := s.Apply(RedeemObserved{Ledger: LedgerBitcoin, Secret: secret}); err != nil {
		t.Fatalf("redeem alpha: %v", err)
	}
	if !s.IsTerminal() || *s.Outcome != OutcomeBothRedeemed {
		t.Fatalf("outcome = %v, terminal = %v, want BothRedeemed", s.Outcome, s.IsTerminal())
	}
}

func TestDeclineIsRejected(t *testing.T) {
	req := testRequest(t)
	s := NewState(req.SwapId, RoleBob, req)
	if _, err := s.Apply(ResponseReceived{Response: Decline(DeclineReasonTimelocksUnsafe)}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if !s.IsTerminal() || *s.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %v, want Rejected", s.Outcome)
	}
}

func TestAlphaRefundedOneSided(t *testing.T) {
	s := acceptedState(t)
	if _, err := s.Apply(FundingObserved{
		Ledger:        LedgerBitcoin,
		Location:      BitcoinLocation(nil),
		ObservedAsset: s.Request.AlphaAsset,
		Verified:      true,
	}); err != nil {
		t.Fatalf("fund alpha: %v", err)
	}

	if _, err := s.Apply(RefundObserved{Ledger: LedgerBitcoin}); err != nil {
		t.Fatalf("refund alpha: %v", err)
	}
	if !s.IsTerminal() || *s.Outcome != OutcomeAlphaRefunded {
		t.Fatalf("outcome = %v, want AlphaRefunded", s.Outcome)
	}
}

func TestBothRefunded(t *testing.T) {
	s := acceptedState(t)
	fundBothLegs(t, s)

	if _, err := s.Apply(RefundObserved{Ledger: LedgerBitcoin}); err != nil {
		t.Fatalf("refund alpha: %v", err)
	}
	if _, err := s.Apply(RefundObserved{Ledger: LedgerEthereum}); err != nil {
		t.Fatalf("refund beta: %v", err)
	}
	if !s.IsTerminal() || *s.Outcome != OutcomeBothRefunded {
		t.Fatalf("outcome = %v, want BothRefunded", s.Outcome)
	}
}

func TestRaceAlphaRefundedBetaRedeemed(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	req := SwapRequest{
		SwapId:      NewSwapId(),
		AlphaAsset:  BitcoinAsset(big.NewInt(1)),
		BetaAsset:   EtherAsset(big.NewInt(1)),
		AlphaExpiry: BitcoinLockDuration(1),
		BetaExpiry:  EthereumLockDuration(1),
		SecretHash:  secret.Hash(),
	}
	s := NewState(req.SwapId, RoleAlice, req)
	if _, err := s.Apply(ResponseReceived{Response: Accept(EthereumIdentity(common.Address{}), BitcoinIdentity(nil))}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	fundBothLegs(t, s)

	if _, err := s.Apply(RefundObserved{Ledger: LedgerBitcoin}); err != nil {
		t.Fatalf("refund alpha: %v", err)
	}
	if _, err := s.Apply(RedeemObserved{Ledger: LedgerEthereum, Secret: secret}); err != nil {
		t.Fatalf("redeem beta: %v", err)
	}
	if !s.IsTerminal() || *s.Outcome != OutcomeAlphaRefundedBetaRedeemed {
		t.Fatalf("outcome = %v, want AlphaRefundedBetaRedeemed", s.Outcome)
	}
}

func TestIncorrectFundingDoesNotAdvance(t *testing.T) {
	s := acceptedState(t)
	wrongAsset := BitcoinAsset(big.NewInt(1))
	_, err := s.Apply(FundingObserved{
		Ledger:        LedgerBitcoin,
		Location:      BitcoinLocation(nil),
		ObservedAsset: wrongAsset,
		Verified:      true,
	})
	if err == nil {
		t.Fatal("expected IncorrectFunding error")
	}
	if s.Phase != PhaseAccepted {
		t.Fatalf("phase advanced despite incorrect funding: %v", s.Phase)
	}
}

func TestUnverifiedFundingRejected(t *testing.T) {
	s := acceptedState(t)
	_, err := s.Apply(FundingObserved{
		Ledger:        LedgerBitcoin,
		Location:      BitcoinLocation(nil),
		ObservedAsset: s.Request.AlphaAsset,
		Verified:      false,
	})
	if err == nil {
		t.Fatal("expected error for unverified funding")
	}
	if s.Phase != PhaseAccepted {
		t.Fatalf("phase advanced despite unverified funding: %v", s.Phase)
	}
}

func TestRedeemWithWrongSecretIgnored(t *testing.T) {
	s := acceptedState(t)
	fundBothLegs(t, s)

	other, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	changed, err := s.Apply(RedeemObserved{Ledger: LedgerEthereum, Secret: other})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatal("state changed on mismatched secret")
	}
	if s.BetaLeg != LegPending {
		t.Fatalf("beta leg resolved despite invalid secret: %v", s.BetaLeg)
	}
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	s := acceptedState(t)
	if _, err := s.Apply(FundingObserved{
		Ledger:        LedgerBitcoin,
		Location:      BitcoinLocation(nil),
		ObservedAsset: s.Request.AlphaAsset,
		Verified:      true,
	}); err != nil {
		t.Fatalf("fund alpha: %v", err)
	}
	if _, err := s.Apply(RefundObserved{Ledger: LedgerBitcoin}); err != nil {
		t.Fatalf("refund alpha: %v", err)
	}
	if !s.IsTerminal() {
		t.Fatal("expected terminal state")
	}

	before := *s
	changed, err := s.Apply(RefundObserved{Ledger: LedgerEthereum})
	if err != nil {
		t.Fatalf("unexpected error on terminal state: %v", err)
	}
	if changed {
		t.Fatal("terminal state was not absorbing")
	}
	if *s != before {
		t.Fatal("terminal state mutated by further events")
	}
}

func TestEventIdempotence(t *testing.T) {
	s := acceptedState(t)
	ev := FundingObserved{
		Ledger:        LedgerBitcoin,
		Location:      BitcoinLocation(nil),
		ObservedAsset: s.Request.AlphaAsset,
		Verified:      true,
	}
	if _, err := s.Apply(ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	snapshot := *s

	changed, err := s.Apply(ev)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if changed {
		t.Fatal("replaying the same event changed state")
	}
	if *s != snapshot {
		t.Fatal("replaying the same event mutated state")
	}
}
