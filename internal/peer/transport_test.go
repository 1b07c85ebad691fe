package peer

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/rfc003/internal/rfc003"
)

// testHost adapts a bare libp2p host.Host to hostProvider without pulling
// in internal/node's much larger bootstrapping surface.
type testHost struct{ h host.Host }

func (t testHost) Host() host.Host { return t.h }

func newTestHostPair(t *testing.T) (host.Host, host.Host) {
	t.Helper()
	a, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("new host a: %v", err)
	}
	b, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("new host b: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })

	bInfo := libp2ppeer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx, bInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, b
}

func TestClientServerSwapRequestAccept(t *testing.T) {
	a, b := newTestHostPair(t)

	srv := NewServer(testHost{b})
	srv.OnSwapRequest(func(ctx context.Context, from libp2ppeer.ID, req rfc003.SwapRequest) (rfc003.SwapResponse, error) {
		return rfc003.Accept(req.AlphaLedgerRefundIdentity, req.BetaLedgerRedeemIdentity), nil
	})
	srv.Start()
	defer srv.Stop()

	client := NewClient(testHost{a})
	req := sampleRequest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.SendSwapRequest(ctx, b.ID(), req)
	if err != nil {
		t.Fatalf("send swap request: %v", err)
	}
	if resp.Kind != rfc003.ResponseAccept {
		t.Fatalf("expected accept, got %+v", resp)
	}
}

func TestClientServerSwapRequestDecline(t *testing.T) {
	a, b := newTestHostPair(t)

	srv := NewServer(testHost{b})
	srv.OnSwapRequest(func(ctx context.Context, from libp2ppeer.ID, req rfc003.SwapRequest) (rfc003.SwapResponse, error) {
		return rfc003.Decline(rfc003.DeclineReasonUnacceptableTerms), nil
	})
	srv.Start()
	defer srv.Stop()

	client := NewClient(testHost{a})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.SendSwapRequest(ctx, b.ID(), sampleRequest(t))
	if err != nil {
		t.Fatalf("send swap request: %v", err)
	}
	if resp.Kind != rfc003.ResponseDecline || resp.Reason != rfc003.DeclineReasonUnacceptableTerms {
		t.Fatalf("expected unacceptable_terms decline, got %+v", resp)
	}
}

func TestClientServerSecretHashOneShot(t *testing.T) {
	a, b := newTestHostPair(t)

	delivered := make(chan rfc003.SwapId, 1)
	srv := NewServer(testHost{b})
	srv.OnSecretHash(func(ctx context.Context, from libp2ppeer.ID, swapId rfc003.SwapId, hash rfc003.SecretHash) {
		delivered <- swapId
	})
	srv.Start()
	defer srv.Stop()

	client := NewClient(testHost{a})
	secret, err := rfc003.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	swapId := rfc003.NewSwapId()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.SendSecretHash(ctx, b.ID(), swapId, secret.Hash()); err != nil {
		t.Fatalf("send secret hash: %v", err)
	}

	select {
	case got := <-delivered:
		if got != swapId {
			t.Fatalf("swap id = %v, want %v", got, swapId)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for secret hash delivery")
	}
}

func TestSendSwapRequestWithNoHandlerReturnsError(t *testing.T) {
	a, b := newTestHostPair(t)
	srv := NewServer(testHost{b})
	srv.Start()
	defer srv.Stop()

	client := NewClient(testHost{a})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.SendSwapRequest(ctx, b.ID(), sampleRequest(t)); err == nil {
		t.Fatal("expected an error when no handler is registered")
	}
}
