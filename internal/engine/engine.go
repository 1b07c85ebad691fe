// Package engine is the orchestrator: it wires the Swap Registry (C8), the
// Ledger Event Source (C4), the Action Projector (C6) and peer messaging
// (C7) into one running loop per node. cmd/klingond's main constructs one
// Engine alongside the swap registry, the P2P host, the peer-protocol
// server/client and the HTTP surface, and starts them together.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/rfc003/internal/backend"
	"github.com/comit-network/rfc003/internal/events"
	"github.com/comit-network/rfc003/internal/htlc"
	"github.com/comit-network/rfc003/internal/registry"
	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/pkg/logging"
)

// Backends resolves a ledger kind to the blockchain access it needs.
type Backends struct {
	Bitcoin     backend.Backend
	Ethereum    backend.Backend
	BTCParams   *chaincfg.Params
	AutoAccept  func(req rfc003.SwapRequest) (accept bool, reason rfc003.DeclineReason)
	SafetyGapS  uint64
}

// legSources is the pair of lazily built Source values tracking a single
// swap's two ledger legs.
type legSources struct {
	alpha events.Source
	beta  events.Source

	// ethAddrKnown records each Ethereum leg's contract address once it is
	// known (from State or from ReportTransaction); until then no Source
	// can be built for that leg, since a plain CREATE-opcode deployment
	// address isn't derivable from HtlcParams alone.
	ethAddrKnown map[rfc003.LedgerKind]common.Address
}

// Engine polls every live swap's ledger legs and feeds what it observes
// into the registry; it also answers inbound peer SwapRequests.
type Engine struct {
	reg      *registry.Registry
	backends Backends
	log      *logging.Logger

	onUpdate func(rfc003.SwapId, *rfc003.State)

	mu      sync.Mutex
	sources map[rfc003.SwapId]*legSources
}

// New builds an Engine. onUpdate, if non-nil, is called after every state
// change so the HTTP surface's websocket hub can push it out.
func New(reg *registry.Registry, backends Backends, onUpdate func(rfc003.SwapId, *rfc003.State)) *Engine {
	return &Engine{
		reg:      reg,
		backends: backends,
		log:      logging.GetDefault().Component("engine"),
		onUpdate: onUpdate,
		sources:  make(map[rfc003.SwapId]*legSources),
	}
}

// HandleSwapRequest implements peer.RequestHandler (C7): it records the
// inbound swap as Bob and decides Accept/Decline. An AutoAccept callback
// supplies the decision policy; without one, every request is declined,
// matching the fail-closed default a new node should ship with.
func (e *Engine) HandleSwapRequest(ctx context.Context, from peer.ID, req rfc003.SwapRequest) (rfc003.SwapResponse, error) {
	clock := rfc003.LedgerClock{NowUnix: uint64(time.Now().Unix())}
	if err := rfc003.CheckTimelockSafety(req, e.backends.SafetyGapS, clock); err != nil {
		e.log.Warn("declining unsafe swap request", "swap_id", req.SwapId, "err", err)
		return rfc003.Decline(rfc003.DeclineReasonTimelocksUnsafe), nil
	}

	state := rfc003.NewState(req.SwapId, rfc003.RoleBob, req)
	if err := e.reg.Insert(state); err != nil {
		e.log.Warn("duplicate inbound swap request", "swap_id", req.SwapId, "err", err)
	}

	accept, reason := true, rfc003.DeclineReason("")
	if e.backends.AutoAccept != nil {
		accept, reason = e.backends.AutoAccept(req)
	} else {
		accept, reason = false, rfc003.DeclineReasonUnacceptableTerms
	}

	var resp rfc003.SwapResponse
	if accept {
		resp = rfc003.Accept(req.AlphaLedgerRefundIdentity, req.BetaLedgerRedeemIdentity)
	} else {
		resp = rfc003.Decline(reason)
	}

	updated, err := e.reg.Update(req.SwapId, func(s *rfc003.State) (*rfc003.State, error) {
		if _, err := s.Apply(rfc003.ResponseReceived{Response: resp}); err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return rfc003.SwapResponse{}, err
	}
	e.notify(req.SwapId, updated)
	return resp, nil
}

// HandleSecretHash implements peer.SecretHashHandler: the secret-hash
// subprotocol message carries no independent state-machine event on its
// own (the secret itself only becomes known by observing a redeem on
// chain, §4.2); it is logged for now, a hook for a future optimization
// that redeems early off the gossiped hash without waiting for the poll
// loop to notice the on-chain spend.
func (e *Engine) HandleSecretHash(ctx context.Context, from peer.ID, swapId rfc003.SwapId, hash rfc003.SecretHash) {
	e.log.Debug("received secret hash message", "swap_id", swapId, "from", from, "hash", hash.Hex())
}

// ReportTransaction registers a transaction the local party itself
// broadcast (a deploy/fund/redeem/refund), so the next Poll can confirm it
// the way internal/events.EthereumSource.Track expects. Bitcoin needs no
// such reporting: its HTLC address is derivable from HtlcParams alone.
func (e *Engine) ReportTransaction(id rfc003.SwapId, ledger rfc003.LedgerKind, kind events.Kind, txID string, contractAddress *common.Address) error {
	state, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	if ledger != rfc003.LedgerEthereum {
		return nil // Bitcoin sources need no out-of-band txid
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.legSourcesForLocked(id)
	src := e.ethereumSourceForLocked(ls, state, ledger, contractAddress)
	if src != nil {
		src.Track(txID, kind)
	}
	return nil
}

// Run polls every tracked swap on interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollAll(ctx)
		}
	}
}

func (e *Engine) pollAll(ctx context.Context) {
	for _, state := range e.reg.List() {
		if state.IsTerminal() {
			continue
		}
		if err := e.pollOne(ctx, state); err != nil {
			e.log.Error("poll failed", "swap_id", state.SwapId, "err", err)
		}
	}
}

func (e *Engine) pollOne(ctx context.Context, state *rfc003.State) error {
	if state.Phase == rfc003.PhaseStart {
		return nil // nothing to watch before acceptance
	}

	e.mu.Lock()
	ls := e.legSourcesForLocked(state.SwapId)
	alphaSrc := e.sourceForLocked(ls, state, true)
	betaSrc := e.sourceForLocked(ls, state, false)
	e.mu.Unlock()

	var pending []rfc003.Event
	if alphaSrc != nil {
		obs, err := alphaSrc.Poll(ctx)
		if err != nil {
			e.log.Warn("alpha poll error", "swap_id", state.SwapId, "err", err)
		}
		pending = append(pending, toEvents(obs, state.Request.AlphaAsset.Ledger())...)
	}
	if betaSrc != nil {
		obs, err := betaSrc.Poll(ctx)
		if err != nil {
			e.log.Warn("beta poll error", "swap_id", state.SwapId, "err", err)
		}
		pending = append(pending, toEvents(obs, state.Request.BetaAsset.Ledger())...)
	}
	if len(pending) == 0 {
		return nil
	}

	updated, err := e.reg.Update(state.SwapId, func(s *rfc003.State) (*rfc003.State, error) {
		for _, ev := range pending {
			s.Apply(ev) // invariant violations are logged via LastError, not escalated here
		}
		return s, nil
	})
	if err != nil {
		return err
	}
	e.notify(state.SwapId, updated)
	return nil
}

func toEvents(obs []events.Observation, ledger rfc003.LedgerKind) []rfc003.Event {
	out := make([]rfc003.Event, 0, len(obs))
	for _, o := range obs {
		switch o.Kind {
		case events.KindFunding:
			out = append(out, rfc003.FundingObserved{Ledger: ledger, Location: o.Location, ObservedAsset: o.Asset, Verified: true})
		case events.KindDeployment:
			out = append(out, rfc003.DeploymentObserved{Ledger: ledger, Location: o.Location})
		case events.KindRedemption:
			if o.Secret != nil {
				out = append(out, rfc003.RedeemObserved{Ledger: ledger, Secret: *o.Secret})
			}
		case events.KindRefund:
			out = append(out, rfc003.RefundObserved{Ledger: ledger})
		}
	}
	return out
}

// legSourcesForLocked requires the caller to hold e.mu.
func (e *Engine) legSourcesForLocked(id rfc003.SwapId) *legSources {
	ls, ok := e.sources[id]
	if !ok {
		ls = &legSources{ethAddrKnown: make(map[rfc003.LedgerKind]common.Address)}
		e.sources[id] = ls
	}
	return ls
}

// sourceForLocked returns (building if needed) the Source for the alpha or
// beta leg, or nil if that leg's HTLC location isn't knowable yet. Requires
// the caller to hold e.mu.
func (e *Engine) sourceForLocked(ls *legSources, state *rfc003.State, alpha bool) events.Source {
	if state.Response == nil {
		return nil
	}
	var params rfc003.HtlcParams
	var ledger rfc003.LedgerKind
	if alpha {
		params = state.Request.AlphaHtlcParams(*state.Response)
		ledger = state.Request.AlphaLedger
		if ls.alpha != nil {
			return ls.alpha
		}
	} else {
		params = state.Request.BetaHtlcParams(*state.Response)
		ledger = state.Request.BetaLedger
		if ls.beta != nil {
			return ls.beta
		}
	}

	var src events.Source
	switch ledger {
	case rfc003.LedgerBitcoin:
		compiled, err := htlc.BuildBitcoinHtlc(params, e.backends.BTCParams)
		if err != nil {
			e.log.Error("build bitcoin htlc", "swap_id", state.SwapId, "err", err)
			return nil
		}
		src = events.NewBitcoinSource(e.backends.Bitcoin, compiled)
	case rfc003.LedgerEthereum:
		es := e.ethereumSourceForLocked(ls, state, ledger, nil)
		if es == nil {
			return nil
		}
		src = es
	}

	if alpha {
		ls.alpha = src
	} else {
		ls.beta = src
	}
	return src
}

// ethereumSourceForLocked builds the Ethereum Source once an address is
// known, either already-recorded on State (AlphaDeployedAt/AlphaFundedAt/
// BetaFundedAt) or freshly supplied via ReportTransaction. Requires the
// caller to hold e.mu.
func (e *Engine) ethereumSourceForLocked(ls *legSources, state *rfc003.State, ledger rfc003.LedgerKind, reported *common.Address) *events.EthereumSource {
	addr, ok := ls.ethAddrKnown[ledger]
	if reported != nil {
		addr = *reported
		ok = true
		ls.ethAddrKnown[ledger] = addr
	}
	if !ok {
		addr, ok = addressFromState(state, ledger)
		if ok {
			ls.ethAddrKnown[ledger] = addr
		}
	}
	if !ok {
		return nil
	}

	isAlpha := ledger == state.Request.AlphaLedger
	var params rfc003.HtlcParams
	if isAlpha {
		if ls.alpha != nil {
			if src, ok := ls.alpha.(*events.EthereumSource); ok {
				return src
			}
		}
		params = state.Request.AlphaHtlcParams(*state.Response)
	} else {
		if ls.beta != nil {
			if src, ok := ls.beta.(*events.EthereumSource); ok {
				return src
			}
		}
		params = state.Request.BetaHtlcParams(*state.Response)
	}

	src := events.NewEthereumSource(e.backends.Ethereum, params, addr)
	if isAlpha {
		ls.alpha = src
	} else {
		ls.beta = src
	}
	return src
}

func addressFromState(state *rfc003.State, ledger rfc003.LedgerKind) (common.Address, bool) {
	if ledger == state.Request.AlphaLedger {
		if state.AlphaDeployedAt != nil && state.AlphaDeployedAt.Kind == rfc003.LedgerEthereum {
			return state.AlphaDeployedAt.EthereumAddress, true
		}
		if state.AlphaFundedAt != nil && state.AlphaFundedAt.Kind == rfc003.LedgerEthereum {
			return state.AlphaFundedAt.EthereumAddress, true
		}
		return common.Address{}, false
	}
	if state.BetaFundedAt != nil && state.BetaFundedAt.Kind == rfc003.LedgerEthereum {
		return state.BetaFundedAt.EthereumAddress, true
	}
	return common.Address{}, false
}

func (e *Engine) notify(id rfc003.SwapId, state *rfc003.State) {
	if e.onUpdate != nil {
		e.onUpdate(id, state)
	}
}
