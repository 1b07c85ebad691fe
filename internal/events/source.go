// Package events implements the Ledger Event Source: a lazy, restartable
// stream of deployment/funding/redemption/refund observations for a single
// HTLC instance, backed by the blockchain-API abstraction the module
// already has (internal/backend). The state machine is the sole consumer
// and treats every observation as at-least-once: duplicates must be
// harmless, which rfc003.State.Apply already guarantees (event
// idempotence).
package events

import (
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/comit-network/rfc003/internal/backend"
	"github.com/comit-network/rfc003/internal/htlc"
	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/ethereum/go-ethereum/common"
)

// Kind tags which of the four query shapes an Observation answers.
type Kind string

const (
	KindDeployment Kind = "deployment"
	KindFunding    Kind = "funding"
	KindRedemption Kind = "redemption"
	KindRefund     Kind = "refund"
)

// Observation is one delivered event: (transaction, derived facts,
// block_height) in the terms of the matching_transactions contract.
type Observation struct {
	Kind          Kind
	TxID          string
	Confirmations int64
	BlockHeight   int64
	Asset         rfc003.Asset       // Funding: the amount actually transferred
	Location      rfc003.HtlcLocation // Deployment/Funding: where the HTLC now lives
	Secret        *rfc003.Secret     // Redemption: the revealed preimage
}

// ErrFatal signals the node returned internally inconsistent data; the
// state machine should escalate rather than retry.
var ErrFatal = fmt.Errorf("events: fatal ledger inconsistency")

// Source is the four-query-shape contract (§4.3): a lazy, single-consumer,
// restartable stream. Poll performs one round and returns newly observed
// events since the last call; all cursor state needed to resume lives on
// the concrete Source value, not in a goroutine, so a caller can drop and
// recreate a Source from persisted cursor fields after a restart.
type Source interface {
	Poll(ctx context.Context) ([]Observation, error)
}

// BitcoinSource watches a single P2WSH HTLC address. Because any party can
// pay to that address, funding is discovered by address-level polling, no
// pre-shared txid required; redemption/refund are discovered as spends of
// the funding outpoint, classified by witness shape.
type BitcoinSource struct {
	backend backend.Backend
	htlc    *htlc.BitcoinHtlc

	lastSeenTxID    string
	fundingOutpoint *wire.OutPoint
}

// NewBitcoinSource builds a Source for a compiled Bitcoin HTLC, polling the
// given backend's address-history endpoint.
func NewBitcoinSource(b backend.Backend, h *htlc.BitcoinHtlc) *BitcoinSource {
	return &BitcoinSource{backend: b, htlc: h}
}

// Poll fetches transactions touching the HTLC address since the last call
// and classifies each into Funding, Redemption, or Refund observations.
func (s *BitcoinSource) Poll(ctx context.Context) ([]Observation, error) {
	address := s.htlc.Address.EncodeAddress()
	txs, err := s.backend.GetAddressTxs(ctx, address, s.lastSeenTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rfc003.ErrLedgerUnavailable, err)
	}

	var out []Observation
	for _, tx := range txs {
		for vout, output := range tx.Outputs {
			if output.ScriptPubKeyAddr != address {
				continue
			}
			hash, err := chainhash.NewHashFromStr(tx.TxID)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed txid %q", ErrFatal, tx.TxID)
			}
			s.fundingOutpoint = wire.NewOutPoint(hash, uint32(vout))
			out = append(out, Observation{
				Kind:          KindFunding,
				TxID:          tx.TxID,
				Confirmations: tx.Confirmations,
				BlockHeight:   tx.BlockHeight,
				Asset:         rfc003.BitcoinAsset(new(big.Int).SetUint64(output.Value)),
				Location:      rfc003.BitcoinLocation(s.fundingOutpoint),
			})
		}

		if s.fundingOutpoint == nil {
			continue
		}
		for _, input := range tx.Inputs {
			if input.Vout != s.fundingOutpoint.Index || input.TxID != s.fundingOutpoint.Hash.String() {
				continue
			}
			if secret, ok := secretFromClaimWitness(input.Witness, s.htlc.Params.SecretHash); ok {
				out = append(out, Observation{
					Kind:          KindRedemption,
					TxID:          tx.TxID,
					Confirmations: tx.Confirmations,
					BlockHeight:   tx.BlockHeight,
					Secret:        &secret,
				})
			} else {
				out = append(out, Observation{
					Kind:          KindRefund,
					TxID:          tx.TxID,
					Confirmations: tx.Confirmations,
					BlockHeight:   tx.BlockHeight,
				})
			}
		}

		s.lastSeenTxID = tx.TxID
	}
	return out, nil
}

// secretFromClaimWitness recognizes BuildClaimWitness's [sig, preimage,
// selector=1, script] shape and verifies the preimage against secretHash,
// the parse direction of the claim-path witness builder.
func secretFromClaimWitness(witness []string, secretHash rfc003.SecretHash) (rfc003.Secret, bool) {
	if len(witness) != 4 || witness[2] != "01" {
		return rfc003.Secret{}, false
	}
	secret, err := rfc003.ParseSecretHex(witness[1])
	if err != nil {
		return rfc003.Secret{}, false
	}
	if !secret.Matches(secretHash) {
		return rfc003.Secret{}, false
	}
	return secret, true
}

// EthereumSource watches one Ethereum HTLC. Unlike Bitcoin, the bare
// backend.Backend JSON-RPC implementation has no indexer and cannot list
// transactions touching an address (backend.JSONRPCBackend.GetAddressTxs
// returns an explicit "use indexer" error for EVM chains); discovery of
// deployment/redemption/refund calls therefore requires the caller to
// register the candidate transaction hash it learned from its own
// broadcast or from a peer message. Poll only checks that the backend
// reports a tracked transaction as confirmed; it does not compare the
// transaction's input data or call against the HTLC. Funding is the
// exception: balance-at-address polling works with only eth_getBalance, so
// it needs no pre-shared txid.
type EthereumSource struct {
	backend backend.Backend
	params  rfc003.HtlcParams
	address common.Address

	expectedWei *big.Int
	funded      bool
	watch       map[string]Kind
}

// NewEthereumSource builds a Source for a deployed (or predicted) Ethereum
// HTLC contract address.
func NewEthereumSource(b backend.Backend, params rfc003.HtlcParams, contractAddress common.Address) *EthereumSource {
	expected := params.Asset.Quantity
	if expected == nil {
		expected = big.NewInt(0)
	}
	return &EthereumSource{
		backend:     b,
		params:      params,
		address:     contractAddress,
		expectedWei: expected,
		watch:       make(map[string]Kind),
	}
}

// Track registers a transaction hash learned out of band (own broadcast or
// a peer message) to watch for deployment, redemption, or refund.
func (s *EthereumSource) Track(txID string, kind Kind) {
	s.watch[txID] = kind
}

// Poll checks the tracked-address balance for funding and every tracked
// txid for confirmation.
func (s *EthereumSource) Poll(ctx context.Context) ([]Observation, error) {
	var out []Observation

	if !s.funded {
		info, err := s.backend.GetAddressInfo(ctx, s.address.Hex())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", rfc003.ErrLedgerUnavailable, err)
		}
		if info.Balance >= s.expectedWei.Uint64() && s.expectedWei.Sign() > 0 {
			s.funded = true
			out = append(out, Observation{
				Kind:     KindFunding,
				Asset:    rfc003.EtherAsset(new(big.Int).SetUint64(info.Balance)),
				Location: rfc003.EthereumLocation(s.address),
			})
		}
	}

	for txID, kind := range s.watch {
		tx, err := s.backend.GetTransaction(ctx, txID)
		if err != nil || !tx.Confirmed {
			continue
		}
		obs := Observation{
			Kind:          kind,
			TxID:          tx.TxID,
			Confirmations: tx.Confirmations,
			BlockHeight:   tx.BlockHeight,
		}
		if kind == KindDeployment {
			obs.Location = rfc003.EthereumLocation(s.address)
		}
		out = append(out, obs)
		delete(s.watch, txID)
	}

	return out, nil
}
