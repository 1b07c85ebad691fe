package registry

import (
	"math/big"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "rfc003-registry-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := New(store)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func sampleState(t *testing.T) *rfc003.State {
	t.Helper()
	refundKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	secret, err := rfc003.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	req := rfc003.SwapRequest{
		SwapId:                    rfc003.NewSwapId(),
		AlphaLedger:               rfc003.LedgerBitcoin,
		BetaLedger:                rfc003.LedgerEthereum,
		AlphaAsset:                rfc003.BitcoinAsset(big.NewInt(100_000)),
		BetaAsset:                 rfc003.EtherAsset(big.NewInt(1_000_000_000_000_000_000)),
		AlphaLedgerRefundIdentity: rfc003.BitcoinIdentity(refundKey.PubKey()),
		BetaLedgerRedeemIdentity:  rfc003.EthereumIdentity(common.HexToAddress("0x1111111111111111111111111111111111111111")),
		AlphaExpiry:               rfc003.BitcoinLockDuration(288),
		BetaExpiry:                rfc003.EthereumLockDuration(2_000_000_000),
		SecretHash:                secret.Hash(),
	}
	return rfc003.NewState(req.SwapId, rfc003.RoleAlice, req)
}

func TestInsertAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	state := sampleState(t)

	if err := reg.Insert(state); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := reg.Get(state.SwapId)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SwapId != state.SwapId || got.Phase != rfc003.PhaseStart {
		t.Fatalf("got %+v, want a fresh start-phase state", got)
	}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	reg := newTestRegistry(t)
	state := sampleState(t)
	if err := reg.Insert(state); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := reg.Insert(state); err == nil {
		t.Fatal("expected ErrAlreadyExists on duplicate insert")
	}
}

func TestGetUnknownSwapReturnsNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Get(rfc003.NewSwapId()); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateAppliesTransitionAndPersists(t *testing.T) {
	reg := newTestRegistry(t)
	state := sampleState(t)
	if err := reg.Insert(state); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resp := rfc003.Accept(state.Request.AlphaLedgerRefundIdentity, state.Request.BetaLedgerRedeemIdentity)
	updated, err := reg.Update(state.SwapId, func(s *rfc003.State) (*rfc003.State, error) {
		s.Apply(rfc003.ResponseReceived{Response: resp})
		return s, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Phase != rfc003.PhaseAccepted {
		t.Fatalf("phase = %q, want accepted", updated.Phase)
	}

	// A fresh registry loading from the same storage should recover the
	// updated phase, not the pre-update one.
	reloaded := &Registry{db: reg.db, log: reg.log, entries: make(map[rfc003.SwapId]*entry)}
	if err := reloaded.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}
	got, err := reloaded.Get(state.SwapId)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != rfc003.PhaseAccepted {
		t.Fatalf("phase after reload = %q, want accepted", got.Phase)
	}
}

func TestUpdateUnknownSwapReturnsNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Update(rfc003.NewSwapId(), func(s *rfc003.State) (*rfc003.State, error) {
		return s, nil
	})
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadAllRecoversPersistedSwaps(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rfc003-registry-reload-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	reg, err := New(store)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	state := sampleState(t)
	if err := reg.Insert(state); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reloaded, err := New(store)
	if err != nil {
		t.Fatalf("registry.New (reload): %v", err)
	}
	if err := reloaded.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}
	got, err := reloaded.Get(state.SwapId)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if got.SwapId != state.SwapId {
		t.Fatalf("swap id mismatch after reload")
	}
	if !got.Request.SecretHash.Equal(state.Request.SecretHash) {
		t.Fatal("secret hash mismatch after reload")
	}
	if got.Request.AlphaLedgerRefundIdentity.String() != state.Request.AlphaLedgerRefundIdentity.String() {
		t.Fatal("identity mismatch after reload")
	}
}

func TestDeleteRemovesSwap(t *testing.T) {
	reg := newTestRegistry(t)
	state := sampleState(t)
	if err := reg.Insert(state); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := reg.Delete(state.SwapId); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reg.Get(state.SwapId); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestListReturnsAllTrackedSwaps(t *testing.T) {
	reg := newTestRegistry(t)
	a := sampleState(t)
	b := sampleState(t)
	if err := reg.Insert(a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := reg.Insert(b); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
}
