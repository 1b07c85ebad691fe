// Package httpapi implements the external HTTP surface: create a swap,
// fetch its current hypermedia resource (state plus the actions currently
// available), and invoke one of the six actions the Action Projector (C6)
// names. Routing uses the standard library's method+path ServeMux patterns
// (Go 1.22+) rather than an ecosystem router: the dependency set has no
// path-based router (only a single-endpoint JSON-RPC style and a websocket
// hub), so there is nothing to generalize from here, and net/http's own
// pattern syntax covers the six routes this surface registers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/comit-network/rfc003/internal/events"
	"github.com/comit-network/rfc003/internal/registry"
	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/comit-network/rfc003/pkg/logging"
)

// TransactionReporter lets the HTTP surface forward a locally broadcast
// transaction's id to the engine so the Ledger Event Source can confirm it,
// the way internal/events.EthereumSource.Track expects (see DESIGN.md's
// engine entry for why Ethereum needs this and Bitcoin doesn't). Matches
// engine.Engine.ReportTransaction's signature directly; no adapter needed.
type TransactionReporter interface {
	ReportTransaction(id rfc003.SwapId, ledger rfc003.LedgerKind, kind events.Kind, txID string, contractAddress *common.Address) error
}

// Initiator sends a freshly created local swap request to its counterparty
// over the peer-protocol transport (C7) and returns the counterparty's
// response. Matches peer.Client.SendSwapRequest's signature directly.
type Initiator interface {
	SendSwapRequest(ctx context.Context, to peer.ID, req rfc003.SwapRequest) (rfc003.SwapResponse, error)
}

// Server exposes the RFC003 swap resource over HTTP. Role is read off each
// swap's own State.Role (set once at creation, §2) rather than held
// globally: a single node can simultaneously be Alice on one swap and Bob
// on another.
type Server struct {
	registry  *registry.Registry
	reporter  TransactionReporter
	initiator Initiator
	log       *logging.Logger
	hub       *Hub

	httpServer *http.Server
}

// NewServer builds a Server.
func NewServer(addr string, reg *registry.Registry) *Server {
	s := &Server{
		registry: reg,
		log:      logging.GetDefault().Component("httpapi"),
		hub:      newHub(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /swaps/rfc003", s.handleCreate)
	mux.HandleFunc("GET /swaps/rfc003", s.handleList)
	mux.HandleFunc("GET /swaps/rfc003/{id}", s.handleGet)
	mux.HandleFunc("GET /swaps/rfc003/{id}/events", s.hub.handleWebsocket)
	mux.HandleFunc("POST /swaps/rfc003/{id}/report", s.handleReport)
	mux.HandleFunc("POST /swaps/rfc003/{id}/{action}", s.handleAction)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetReporter wires the engine that should receive broadcast-transaction
// reports; left unset, /report always fails with 501.
func (s *Server) SetReporter(r TransactionReporter) { s.reporter = r }

// SetInitiator wires the peer-protocol client used to deliver a locally
// created swap request to its counterparty; left unset, a create request
// naming a counterparty_peer_id is recorded locally but never sent.
func (s *Server) SetInitiator(i Initiator) { s.initiator = i }

// Start begins serving in the background. Errors after a clean Stop are
// swallowed (http.ErrServerClosed), matching the donor RPC server's Start.
func (s *Server) Start() error {
	ln := s.httpServer.Addr
	s.log.Info("http surface listening", "addr", ln)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http surface stopped", "err", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to 5 seconds for in-flight
// requests to finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Hub exposes the per-swap push channel so the orchestrator wiring in cmd
// can notify subscribers when a registry Update changes a swap's state.
func (s *Server) Hub() *Hub { return s.hub }

// PushUpdate notifies websocket subscribers of swap id's current resource.
// The engine's onUpdate callback is wired to this so a state change driven
// by ledger events (not an HTTP action) still reaches watching clients.
func (s *Server) PushUpdate(id rfc003.SwapId, state *rfc003.State) {
	s.hub.broadcast(id, s.resource(state))
}

// Handler returns the underlying http.Handler, for tests that want to drive
// requests through httptest without binding a real listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// createSwapRequest is the POST /swaps/rfc003 body: everything in
// rfc003.SwapRequest except SwapId, which the server generates.
type createSwapRequest struct {
	AlphaLedger               rfc003.LedgerKind  `json:"alpha_ledger"`
	BetaLedger                rfc003.LedgerKind  `json:"beta_ledger"`
	AlphaAsset                rfc003.Asset       `json:"alpha_asset"`
	BetaAsset                 rfc003.Asset       `json:"beta_asset"`
	AlphaLedgerRefundIdentity rfc003.Identity    `json:"alpha_ledger_refund_identity"`
	BetaLedgerRedeemIdentity  rfc003.Identity    `json:"beta_ledger_redeem_identity"`
	AlphaExpiry               rfc003.LockDuration `json:"alpha_expiry"`
	BetaExpiry                rfc003.LockDuration `json:"beta_expiry"`
	SecretHash                rfc003.SecretHash  `json:"secret_hash"`

	// CounterpartyPeerID, if set, is dialed via the wired Initiator right
	// after the local swap is recorded. Left empty, the swap is only
	// recorded locally (e.g. for tests, or a counterparty reached out of
	// band).
	CounterpartyPeerID string `json:"counterparty_peer_id,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	req := rfc003.SwapRequest{
		SwapId:                    rfc003.NewSwapId(),
		AlphaLedger:               body.AlphaLedger,
		BetaLedger:                body.BetaLedger,
		AlphaAsset:                body.AlphaAsset,
		BetaAsset:                 body.BetaAsset,
		AlphaLedgerRefundIdentity: body.AlphaLedgerRefundIdentity,
		BetaLedgerRedeemIdentity:  body.BetaLedgerRedeemIdentity,
		AlphaExpiry:               body.AlphaExpiry,
		BetaExpiry:                body.BetaExpiry,
		SecretHash:                body.SecretHash,
	}

	state := rfc003.NewState(req.SwapId, rfc003.RoleAlice, req)
	if err := s.registry.Insert(state); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.log.Info("swap created", "swap_id", req.SwapId, "role", state.Role)

	if body.CounterpartyPeerID != "" {
		if s.initiator == nil {
			s.log.Warn("counterparty_peer_id given but no initiator wired", "swap_id", req.SwapId)
		} else if to, err := peer.Decode(body.CounterpartyPeerID); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed counterparty_peer_id: %v", err))
			return
		} else {
			go s.sendSwapRequest(to, req)
		}
	}

	writeJSON(w, http.StatusCreated, s.resource(state))
}

// sendSwapRequest delivers a freshly recorded local swap to its
// counterparty and applies whatever Accept/Decline comes back; it runs in
// its own goroutine so handleCreate can return without waiting on a full
// network round trip.
func (s *Server) sendSwapRequest(to peer.ID, req rfc003.SwapRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := s.initiator.SendSwapRequest(ctx, to, req)
	if err != nil {
		s.log.Warn("swap request delivery failed", "swap_id", req.SwapId, "to", to, "err", err)
		return
	}
	updated, err := s.registry.Update(req.SwapId, func(state *rfc003.State) (*rfc003.State, error) {
		if _, err := state.Apply(rfc003.ResponseReceived{Response: resp}); err != nil {
			return nil, err
		}
		return state, nil
	})
	if err != nil {
		s.log.Warn("applying counterparty response failed", "swap_id", req.SwapId, "err", err)
		return
	}
	s.PushUpdate(req.SwapId, updated)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	states := s.registry.List()
	resources := make([]swapResource, 0, len(states))
	for _, st := range states {
		resources = append(resources, s.resource(st))
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := rfc003.ParseSwapId(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed swap id")
		return
	}
	state, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.resource(state))
}

// handleAction validates that the named action is currently projected for
// this swap and role, then applies it. accept/decline are protocol
// decisions recorded directly on the state machine. deploy/fund/redeem/
// refund require a signed on-chain transaction this layer does not produce
// (wallet signing is explicitly out of scope); for those the response
// carries the HtlcParams needed to build one, and the caller is expected to
// broadcast it and let the Ledger Event Source observe the result rather
// than have this endpoint assert it happened.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := rfc003.ParseSwapId(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed swap id")
		return
	}
	kind := rfc003.ActionKind(r.PathValue("action"))

	state, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	if !actionAvailable(state, state.Role, kind) {
		writeError(w, http.StatusConflict, fmt.Sprintf("action %q not available in phase %q", kind, state.Phase))
		return
	}

	switch kind {
	case rfc003.ActionAccept, rfc003.ActionDecline:
		updated, err := s.applyDecision(id, kind, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.PushUpdate(id, updated)
		writeJSON(w, http.StatusOK, s.resource(updated))

	case rfc003.ActionDeploy, rfc003.ActionFund, rfc003.ActionRedeem, rfc003.ActionRefund:
		params := htlcParamsFor(state, kind)
		writeJSON(w, http.StatusOK, actionPayload{
			Kind:       kind,
			HtlcParams: params,
			Note:       "sign and broadcast this independently; the ledger event source will observe the result",
		})

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", kind))
	}
}

type reportTransactionBody struct {
	Ledger          rfc003.LedgerKind `json:"ledger"`
	Kind            events.Kind       `json:"kind"`
	TxID            string            `json:"tx_id"`
	ContractAddress string            `json:"contract_address,omitempty"`
}

// handleReport lets a client that signed and broadcast a transaction itself
// (the deploy/fund/redeem/refund response above gives it the HtlcParams for
// exactly this) tell the engine which transaction id to watch. Ethereum
// needs this because a plain contract-creation address isn't recoverable
// from HtlcParams alone; see internal/events.EthereumSource.Track.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeError(w, http.StatusNotImplemented, "no engine wired to receive transaction reports")
		return
	}
	id, err := rfc003.ParseSwapId(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed swap id")
		return
	}
	var body reportTransactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	var addr *common.Address
	if body.ContractAddress != "" {
		a := common.HexToAddress(body.ContractAddress)
		addr = &a
	}
	if err := s.reporter.ReportTransaction(id, body.Ledger, body.Kind, body.TxID, addr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type acceptDeclineBody struct {
	// Present for accept: the local party's own identities for the
	// counterparty's ledger legs.
	AlphaLedgerRedeemIdentity rfc003.Identity `json:"alpha_ledger_redeem_identity,omitempty"`
	BetaLedgerRefundIdentity  rfc003.Identity `json:"beta_ledger_refund_identity,omitempty"`
	// Present for decline.
	Reason rfc003.DeclineReason `json:"reason,omitempty"`
}

func (s *Server) applyDecision(id rfc003.SwapId, kind rfc003.ActionKind, r *http.Request) (*rfc003.State, error) {
	var body acceptDeclineBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	}

	var resp rfc003.SwapResponse
	if kind == rfc003.ActionAccept {
		resp = rfc003.Accept(body.AlphaLedgerRedeemIdentity, body.BetaLedgerRefundIdentity)
	} else {
		reason := body.Reason
		if reason == "" {
			reason = rfc003.DeclineReasonUnacceptableTerms
		}
		resp = rfc003.Decline(reason)
	}

	return s.registry.Update(id, func(state *rfc003.State) (*rfc003.State, error) {
		if _, err := state.Apply(rfc003.ResponseReceived{Response: resp}); err != nil {
			return nil, err
		}
		return state, nil
	})
}

// htlcParamsFor derives the HtlcParams a client needs to build the unsigned
// transaction/call for the given action, using whichever ledger leg the
// action targets.
func htlcParamsFor(state *rfc003.State, kind rfc003.ActionKind) *rfc003.HtlcParams {
	if state.Response == nil {
		return nil
	}
	var params rfc003.HtlcParams
	switch kind {
	case rfc003.ActionDeploy, rfc003.ActionFund:
		if state.Phase == rfc003.PhaseAlphaFunded || state.AlphaFundedAt != nil {
			params = state.Request.BetaHtlcParams(*state.Response)
		} else {
			params = state.Request.AlphaHtlcParams(*state.Response)
		}
	case rfc003.ActionRedeem, rfc003.ActionRefund:
		// Both legs may simultaneously need a refund/redeem in later
		// phases; callers disambiguate via the Ledger field the action
		// projector already attached (not reconstructed here since a
		// single HtlcParams can't carry two ledgers at once). The alpha
		// leg is returned when still pending, else beta.
		if state.AlphaLeg == rfc003.LegPending {
			params = state.Request.AlphaHtlcParams(*state.Response)
		} else {
			params = state.Request.BetaHtlcParams(*state.Response)
		}
	}
	return &params
}

func actionAvailable(state *rfc003.State, role rfc003.Role, kind rfc003.ActionKind) bool {
	for _, a := range rfc003.AvailableActions(state, role) {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

type actionPayload struct {
	Kind       rfc003.ActionKind  `json:"kind"`
	HtlcParams *rfc003.HtlcParams `json:"htlc_params,omitempty"`
	Note       string             `json:"note"`
}

// swapResource is the GET response: current state plus the hypermedia
// action links (§6, "embedded action links"), matching the donor node's
// habit of returning both data and the next legal operations.
type swapResource struct {
	SwapId  string           `json:"swap_id"`
	Role    rfc003.Role      `json:"role"`
	Phase   rfc003.Phase     `json:"phase"`
	Outcome *rfc003.SwapOutcome `json:"outcome,omitempty"`
	Request rfc003.SwapRequest  `json:"request"`
	Response *rfc003.SwapResponse `json:"response,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Actions []actionLink     `json:"actions"`
}

type actionLink struct {
	Kind         rfc003.ActionKind `json:"kind"`
	Ledger       rfc003.LedgerKind `json:"ledger"`
	InvalidUntil *uint64           `json:"invalid_until,omitempty"`
	Href         string            `json:"href"`
}

func (s *Server) resource(state *rfc003.State) swapResource {
	actions := rfc003.AvailableActions(state, state.Role)
	links := make([]actionLink, 0, len(actions))
	for _, a := range actions {
		links = append(links, actionLink{
			Kind:         a.Kind,
			Ledger:       a.Ledger,
			InvalidUntil: a.InvalidUntil,
			Href:         fmt.Sprintf("/swaps/rfc003/%s/%s", state.SwapId.String(), a.Kind),
		})
	}
	return swapResource{
		SwapId:    state.SwapId.String(),
		Role:      state.Role,
		Phase:     state.Phase,
		Outcome:   state.Outcome,
		Request:   state.Request,
		Response:  state.Response,
		LastError: state.LastError,
		Actions:   links,
	}
}

func writeNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// corsMiddleware mirrors the donor RPC server's permissive CORS handling,
// needed for the same reason: this surface is meant to be callable from a
// local Electron/web client running on a different origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
