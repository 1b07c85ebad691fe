package engine

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/rfc003/internal/backend"
	"github.com/comit-network/rfc003/internal/htlc"
	"github.com/comit-network/rfc003/internal/registry"
	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/internal/storage"
)

// fakeBackend implements backend.Backend with just enough behavior to drive
// BitcoinSource; unused methods error if called, the way
// internal/events/source_test.go's fakeBackend is built.
type fakeBackend struct {
	addressTxs map[string][]backend.Transaction
}

func (f *fakeBackend) Type() backend.Type            { return backend.TypeMempool }
func (f *fakeBackend) Connect(context.Context) error { return nil }
func (f *fakeBackend) Close() error                  { return nil }
func (f *fakeBackend) IsConnected() bool             { return true }

func (f *fakeBackend) GetAddressInfo(_ context.Context, address string) (*backend.AddressInfo, error) {
	return &backend.AddressInfo{Address: address}, nil
}

func (f *fakeBackend) GetAddressUTXOs(context.Context, string) ([]backend.UTXO, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeBackend) GetAddressTxs(_ context.Context, address, _ string) ([]backend.Transaction, error) {
	return f.addressTxs[address], nil
}

func (f *fakeBackend) GetTransaction(context.Context, string) (*backend.Transaction, error) {
	return nil, fmt.Errorf("not found")
}

func (f *fakeBackend) GetRawTransaction(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeBackend) BroadcastTransaction(context.Context, string) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (f *fakeBackend) GetBlockHeight(context.Context) (int64, error) { return 0, nil }

func (f *fakeBackend) GetBlockHeader(context.Context, string) (*backend.BlockHeader, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeBackend) GetFeeEstimates(context.Context) (*backend.FeeEstimate, error) {
	return nil, fmt.Errorf("not implemented")
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "rfc003-engine-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(store)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func sampleRequest(t *testing.T, alphaExpiry, betaExpiry rfc003.LockDuration) rfc003.SwapRequest {
	t.Helper()
	refundKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate refund key: %v", err)
	}
	redeemKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate redeem key: %v", err)
	}
	secret, err := rfc003.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return rfc003.SwapRequest{
		SwapId:                    rfc003.NewSwapId(),
		AlphaLedger:               rfc003.LedgerBitcoin,
		BetaLedger:                rfc003.LedgerBitcoin,
		AlphaAsset:                rfc003.BitcoinAsset(big.NewInt(100_000)),
		BetaAsset:                 rfc003.BitcoinAsset(big.NewInt(90_000)),
		AlphaLedgerRefundIdentity: rfc003.BitcoinIdentity(refundKey.PubKey()),
		BetaLedgerRedeemIdentity:  rfc003.BitcoinIdentity(redeemKey.PubKey()),
		AlphaExpiry:               alphaExpiry,
		BetaExpiry:                betaExpiry,
		SecretHash:                secret.Hash(),
	}
}

func TestHandleSwapRequestDeclinesUnsafeTimelocks(t *testing.T) {
	reg := newTestRegistry(t)
	e := New(reg, Backends{SafetyGapS: 3600, AutoAccept: func(rfc003.SwapRequest) (bool, rfc003.DeclineReason) {
		return true, ""
	}}, nil)

	// Equal expiries leave no safety gap at all.
	req := sampleRequest(t, rfc003.BitcoinLockDuration(10), rfc003.BitcoinLockDuration(10))
	resp, err := e.HandleSwapRequest(context.Background(), peer.ID(""), req)
	if err != nil {
		t.Fatalf("HandleSwapRequest: %v", err)
	}
	if resp.Kind != rfc003.ResponseDecline || resp.Reason != rfc003.DeclineReasonTimelocksUnsafe {
		t.Fatalf("response = %+v, want decline/timelocks_unsafe", resp)
	}
	if _, err := reg.Get(req.SwapId); err == nil {
		t.Fatal("unsafe request should never be inserted into the registry")
	}
}

func TestHandleSwapRequestAutoAcceptsAndRecordsState(t *testing.T) {
	reg := newTestRegistry(t)
	e := New(reg, Backends{SafetyGapS: 60, AutoAccept: func(rfc003.SwapRequest) (bool, rfc003.DeclineReason) {
		return true, ""
	}}, nil)

	// Alpha far outlasts beta, comfortably past the safety gap.
	req := sampleRequest(t, rfc003.BitcoinLockDuration(1000), rfc003.BitcoinLockDuration(10))
	resp, err := e.HandleSwapRequest(context.Background(), peer.ID(""), req)
	if err != nil {
		t.Fatalf("HandleSwapRequest: %v", err)
	}
	if resp.Kind != rfc003.ResponseAccept {
		t.Fatalf("response = %+v, want accept", resp)
	}

	state, err := reg.Get(req.SwapId)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state.Role != rfc003.RoleBob {
		t.Fatalf("role = %q, want bob", state.Role)
	}
	if state.Phase != rfc003.PhaseAccepted {
		t.Fatalf("phase = %q, want accepted", state.Phase)
	}
}

func TestHandleSwapRequestDeclinesWithoutAutoAcceptPolicy(t *testing.T) {
	reg := newTestRegistry(t)
	e := New(reg, Backends{SafetyGapS: 60}, nil) // no AutoAccept configured

	req := sampleRequest(t, rfc003.BitcoinLockDuration(1000), rfc003.BitcoinLockDuration(10))
	resp, err := e.HandleSwapRequest(context.Background(), peer.ID(""), req)
	if err != nil {
		t.Fatalf("HandleSwapRequest: %v", err)
	}
	if resp.Kind != rfc003.ResponseDecline || resp.Reason != rfc003.DeclineReasonUnacceptableTerms {
		t.Fatalf("response = %+v, want fail-closed decline", resp)
	}
}

func TestPollOneObservesAlphaFunding(t *testing.T) {
	reg := newTestRegistry(t)

	req := sampleRequest(t, rfc003.BitcoinLockDuration(1000), rfc003.BitcoinLockDuration(10))
	state := rfc003.NewState(req.SwapId, rfc003.RoleBob, req)
	if err := reg.Insert(state); err != nil {
		t.Fatalf("insert: %v", err)
	}
	resp := rfc003.Accept(req.AlphaLedgerRefundIdentity, req.BetaLedgerRedeemIdentity)
	state, err := reg.Update(req.SwapId, func(s *rfc003.State) (*rfc003.State, error) {
		_, err := s.Apply(rfc003.ResponseReceived{Response: resp})
		return s, err
	})
	if err != nil {
		t.Fatalf("apply response: %v", err)
	}

	alphaParams := req.AlphaHtlcParams(resp)
	compiled, err := htlc.BuildBitcoinHtlc(alphaParams, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("build htlc: %v", err)
	}
	address := compiled.Address.EncodeAddress()

	fb := &fakeBackend{
		addressTxs: map[string][]backend.Transaction{
			address: {
				{
					TxID:          "fundingtx",
					Confirmations: 1,
					Outputs: []backend.TxOutput{
						{ScriptPubKeyAddr: address, Value: 100_000},
					},
				},
			},
		},
	}

	var notified *rfc003.State
	e := New(reg, Backends{
		Bitcoin:   fb,
		Ethereum:  fb,
		BTCParams: &chaincfg.TestNet3Params,
	}, func(_ rfc003.SwapId, s *rfc003.State) { notified = s })

	if err := e.pollOne(context.Background(), state); err != nil {
		t.Fatalf("pollOne: %v", err)
	}

	updated, err := reg.Get(req.SwapId)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.AlphaLeg != rfc003.LegPending || updated.AlphaFundedAt == nil {
		t.Fatalf("expected alpha funding observed, got %+v", updated)
	}
	if notified == nil || notified.SwapId != req.SwapId {
		t.Fatal("onUpdate was not called with the updated state")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	reg := newTestRegistry(t)
	e := New(reg, Backends{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
