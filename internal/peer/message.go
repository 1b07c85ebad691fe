// Package peer implements the RFC003 wire protocol (§6): a framed
// request/response exchange for SwapRequest/Accept/Decline, plus a
// one-shot secret-hash subprotocol, carried as length-prefixed JSON over
// streams of the libp2p host that internal/node bootstraps.
package peer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/ethereum/go-ethereum/common"
)

// parseCompressedPubKey parses a 33-byte compressed secp256k1 public key,
// the inverse of Identity.String's SerializeCompressed encoding.
func parseCompressedPubKey(raw []byte) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(raw)
}

// FrameType tags a wire frame: one frame is {type, payload}.
type FrameType string

const (
	FrameRequest  FrameType = "REQUEST"
	FrameResponse FrameType = "RESPONSE"
	FrameError    FrameType = "ERROR"
)

// Frame is the outermost envelope on the swap protocol stream.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// LedgerHeader names a ledger by value, the typed-header shape the wire
// protocol uses for alpha_ledger/beta_ledger; it carries no parameters.
type LedgerHeader struct {
	Value string `json:"value"`
}

// AssetHeader names an asset by value with ledger-specific parameters:
// quantity for bitcoin/ether, (token_contract, quantity) for erc20.
type AssetHeader struct {
	Value         string `json:"value"`
	Quantity      string `json:"quantity"`
	TokenContract string `json:"token_contract,omitempty"`
}

// RequestBody is a REQUEST frame's negotiation body.
type RequestBody struct {
	AlphaLedgerRefundIdentity string `json:"alpha_ledger_refund_identity"`
	BetaLedgerRedeemIdentity  string `json:"beta_ledger_redeem_identity"`
	AlphaExpiry               uint64 `json:"alpha_expiry"`
	BetaExpiry                uint64 `json:"beta_expiry"`
	SecretHash                string `json:"secret_hash"`
}

// RequestPayload is a REQUEST frame's payload: `type: "SWAP"` plus the
// typed ledger/asset headers and the negotiation body.
type RequestPayload struct {
	Type        string       `json:"type"`
	SwapId      string       `json:"swap_id"`
	AlphaLedger LedgerHeader `json:"alpha_ledger"`
	BetaLedger  LedgerHeader `json:"beta_ledger"`
	AlphaAsset  AssetHeader  `json:"alpha_asset"`
	BetaAsset   AssetHeader  `json:"beta_asset"`
	Body        RequestBody  `json:"body"`
}

// Response status codes, `OK(n)`/`SE(n)` in the wire protocol's terms.
const (
	StatusAccept                  = "OK00"
	StatusDeclineTimelocksUnsafe  = "SE01"
	StatusDeclineUnacceptableTerms = "SE02"
)

// AcceptBody is the body of an OK00 RESPONSE.
type AcceptBody struct {
	AlphaLedgerRedeemIdentity string `json:"alpha_ledger_redeem_identity"`
	BetaLedgerRefundIdentity  string `json:"beta_ledger_refund_identity"`
}

// DeclineBody is the body of an SEnn RESPONSE.
type DeclineBody struct {
	Reason string `json:"reason"`
}

// ResponsePayload is a RESPONSE frame's payload.
type ResponsePayload struct {
	Status string          `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// SecretHashMessage is the secret-hash subprotocol's single message, sent
// unframed (no Frame wrapper, no RESPONSE expected) over its own stream
// protocol.
type SecretHashMessage struct {
	SwapId     string `json:"swap_id"`
	SecretHash string `json:"secret_hash"`
}

// identityString renders an Identity the way the wire protocol carries it:
// hex-compressed pubkey for Bitcoin, 0x-hex address for Ethereum.
func identityString(id rfc003.Identity) (string, error) {
	switch id.Kind {
	case rfc003.LedgerBitcoin:
		if id.Bitcoin == nil {
			return "", fmt.Errorf("%w: missing bitcoin identity", rfc003.ErrMalformedPeerMessage)
		}
		return hex.EncodeToString(id.Bitcoin.SerializeCompressed()), nil
	case rfc003.LedgerEthereum:
		return id.Ethereum.Hex(), nil
	default:
		return "", fmt.Errorf("%w: unknown ledger kind %q", rfc003.ErrMalformedPeerMessage, id.Kind)
	}
}

func parseIdentity(ledger rfc003.LedgerKind, s string) (rfc003.Identity, error) {
	switch ledger {
	case rfc003.LedgerBitcoin:
		raw, err := hex.DecodeString(s)
		if err != nil {
			return rfc003.Identity{}, fmt.Errorf("%w: bad bitcoin identity hex: %v", rfc003.ErrMalformedPeerMessage, err)
		}
		pub, err := parseCompressedPubKey(raw)
		if err != nil {
			return rfc003.Identity{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
		}
		return rfc003.BitcoinIdentity(pub), nil
	case rfc003.LedgerEthereum:
		if !common.IsHexAddress(s) {
			return rfc003.Identity{}, fmt.Errorf("%w: bad ethereum identity %q", rfc003.ErrMalformedPeerMessage, s)
		}
		return rfc003.EthereumIdentity(common.HexToAddress(s)), nil
	default:
		return rfc003.Identity{}, fmt.Errorf("%w: unknown ledger kind %q", rfc003.ErrMalformedPeerMessage, ledger)
	}
}

func ledgerHeader(k rfc003.LedgerKind) LedgerHeader { return LedgerHeader{Value: string(k)} }

func parseLedgerKind(h LedgerHeader) (rfc003.LedgerKind, error) {
	switch rfc003.LedgerKind(h.Value) {
	case rfc003.LedgerBitcoin:
		return rfc003.LedgerBitcoin, nil
	case rfc003.LedgerEthereum:
		return rfc003.LedgerEthereum, nil
	default:
		return "", fmt.Errorf("%w: unknown ledger %q", rfc003.ErrMalformedPeerMessage, h.Value)
	}
}

func assetHeader(a rfc003.Asset) AssetHeader {
	h := AssetHeader{Value: string(a.Kind)}
	if a.Quantity != nil {
		h.Quantity = a.Quantity.String()
	}
	if a.Kind == rfc003.AssetErc20 {
		h.TokenContract = a.TokenContract.Hex()
	}
	return h
}

func parseAsset(h AssetHeader) (rfc003.Asset, error) {
	quantity, ok := new(big.Int).SetString(h.Quantity, 10)
	if !ok {
		return rfc003.Asset{}, fmt.Errorf("%w: bad asset quantity %q", rfc003.ErrMalformedPeerMessage, h.Quantity)
	}
	switch rfc003.AssetKind(h.Value) {
	case rfc003.AssetBitcoin:
		return rfc003.BitcoinAsset(quantity), nil
	case rfc003.AssetEther:
		return rfc003.EtherAsset(quantity), nil
	case rfc003.AssetErc20:
		if !common.IsHexAddress(h.TokenContract) {
			return rfc003.Asset{}, fmt.Errorf("%w: bad erc20 token contract %q", rfc003.ErrMalformedPeerMessage, h.TokenContract)
		}
		return rfc003.Erc20Asset(common.HexToAddress(h.TokenContract), quantity), nil
	default:
		return rfc003.Asset{}, fmt.Errorf("%w: unknown asset %q", rfc003.ErrMalformedPeerMessage, h.Value)
	}
}

// EncodeRequest translates a SwapRequest into a wire Frame.
func EncodeRequest(req rfc003.SwapRequest) (*Frame, error) {
	alphaRefund, err := identityString(req.AlphaLedgerRefundIdentity)
	if err != nil {
		return nil, err
	}
	betaRedeem, err := identityString(req.BetaLedgerRedeemIdentity)
	if err != nil {
		return nil, err
	}

	payload := RequestPayload{
		Type:        "SWAP",
		SwapId:      req.SwapId.String(),
		AlphaLedger: ledgerHeader(req.AlphaLedger),
		BetaLedger:  ledgerHeader(req.BetaLedger),
		AlphaAsset:  assetHeader(req.AlphaAsset),
		BetaAsset:   assetHeader(req.BetaAsset),
		Body: RequestBody{
			AlphaLedgerRefundIdentity: alphaRefund,
			BetaLedgerRedeemIdentity:  betaRedeem,
			AlphaExpiry:               expirySeconds(req.AlphaExpiry),
			BetaExpiry:                expirySeconds(req.BetaExpiry),
			SecretHash:                req.SecretHash.Hex(),
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("peer: encode request: %w", err)
	}
	return &Frame{Type: FrameRequest, Payload: raw}, nil
}

// expirySeconds carries a LockDuration's raw count across the wire: block
// count for Bitcoin, Unix seconds for Ethereum. The receiving side knows
// which by the corresponding LedgerHeader.
func expirySeconds(l rfc003.LockDuration) uint64 {
	if l.Kind == rfc003.LedgerBitcoin {
		return uint64(l.Blocks)
	}
	return l.Seconds
}

func parseLockDuration(ledger rfc003.LedgerKind, v uint64) rfc003.LockDuration {
	if ledger == rfc003.LedgerBitcoin {
		return rfc003.BitcoinLockDuration(uint32(v))
	}
	return rfc003.EthereumLockDuration(v)
}

// DecodeRequest recovers a SwapRequest from a REQUEST frame, rejecting
// anything malformed rather than panicking (§7 MalformedPeerMessage).
func DecodeRequest(f *Frame) (rfc003.SwapRequest, error) {
	if f.Type != FrameRequest {
		return rfc003.SwapRequest{}, fmt.Errorf("%w: expected REQUEST frame, got %q", rfc003.ErrMalformedPeerMessage, f.Type)
	}
	var payload RequestPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return rfc003.SwapRequest{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}
	if payload.Type != "SWAP" {
		return rfc003.SwapRequest{}, fmt.Errorf("%w: unknown request type %q", rfc003.ErrMalformedPeerMessage, payload.Type)
	}

	swapId, err := rfc003.ParseSwapId(payload.SwapId)
	if err != nil {
		return rfc003.SwapRequest{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}
	alphaLedger, err := parseLedgerKind(payload.AlphaLedger)
	if err != nil {
		return rfc003.SwapRequest{}, err
	}
	betaLedger, err := parseLedgerKind(payload.BetaLedger)
	if err != nil {
		return rfc003.SwapRequest{}, err
	}
	alphaAsset, err := parseAsset(payload.AlphaAsset)
	if err != nil {
		return rfc003.SwapRequest{}, err
	}
	betaAsset, err := parseAsset(payload.BetaAsset)
	if err != nil {
		return rfc003.SwapRequest{}, err
	}
	alphaRefund, err := parseIdentity(alphaLedger, payload.Body.AlphaLedgerRefundIdentity)
	if err != nil {
		return rfc003.SwapRequest{}, err
	}
	betaRedeem, err := parseIdentity(betaLedger, payload.Body.BetaLedgerRedeemIdentity)
	if err != nil {
		return rfc003.SwapRequest{}, err
	}
	secretHash, err := rfc003.ParseSecretHashHex(payload.Body.SecretHash)
	if err != nil {
		return rfc003.SwapRequest{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}

	return rfc003.SwapRequest{
		SwapId:                    swapId,
		AlphaLedger:               alphaLedger,
		BetaLedger:                betaLedger,
		AlphaAsset:                alphaAsset,
		BetaAsset:                 betaAsset,
		AlphaLedgerRefundIdentity: alphaRefund,
		BetaLedgerRedeemIdentity:  betaRedeem,
		AlphaExpiry:               parseLockDuration(alphaLedger, payload.Body.AlphaExpiry),
		BetaExpiry:                parseLockDuration(betaLedger, payload.Body.BetaExpiry),
		SecretHash:                secretHash,
	}, nil
}

// EncodeResponse translates a SwapResponse into a wire Frame. An Accept
// response's identities are written without ledger tags, since the
// response itself carries no ledger headers; DecodeResponse recovers each
// by trying Bitcoin first, then Ethereum.
func EncodeResponse(resp rfc003.SwapResponse) (*Frame, error) {
	switch resp.Kind {
	case rfc003.ResponseAccept:
		alphaRedeem, err := identityString(resp.AlphaLedgerRedeemIdentity)
		if err != nil {
			return nil, err
		}
		betaRefund, err := identityString(resp.BetaLedgerRefundIdentity)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(AcceptBody{
			AlphaLedgerRedeemIdentity: alphaRedeem,
			BetaLedgerRefundIdentity:  betaRefund,
		})
		if err != nil {
			return nil, fmt.Errorf("peer: encode response: %w", err)
		}
		payload, err := json.Marshal(ResponsePayload{Status: StatusAccept, Body: body})
		if err != nil {
			return nil, fmt.Errorf("peer: encode response: %w", err)
		}
		return &Frame{Type: FrameResponse, Payload: payload}, nil

	case rfc003.ResponseDecline:
		status := StatusDeclineUnacceptableTerms
		if resp.Reason == rfc003.DeclineReasonTimelocksUnsafe {
			status = StatusDeclineTimelocksUnsafe
		}
		body, err := json.Marshal(DeclineBody{Reason: string(resp.Reason)})
		if err != nil {
			return nil, fmt.Errorf("peer: encode response: %w", err)
		}
		payload, err := json.Marshal(ResponsePayload{Status: status, Body: body})
		if err != nil {
			return nil, fmt.Errorf("peer: encode response: %w", err)
		}
		return &Frame{Type: FrameResponse, Payload: payload}, nil

	default:
		return nil, fmt.Errorf("peer: encode response: unknown response kind %q", resp.Kind)
	}
}

// DecodeResponse recovers a SwapResponse from a RESPONSE frame.
func DecodeResponse(f *Frame) (rfc003.SwapResponse, error) {
	if f.Type == FrameError {
		return rfc003.SwapResponse{}, fmt.Errorf("%w: peer returned an ERROR frame", rfc003.ErrMalformedPeerMessage)
	}
	if f.Type != FrameResponse {
		return rfc003.SwapResponse{}, fmt.Errorf("%w: expected RESPONSE frame, got %q", rfc003.ErrMalformedPeerMessage, f.Type)
	}
	var payload ResponsePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return rfc003.SwapResponse{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}

	switch payload.Status {
	case StatusAccept:
		var body AcceptBody
		if err := json.Unmarshal(payload.Body, &body); err != nil {
			return rfc003.SwapResponse{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
		}
		alphaRedeem, err := parseIdentity(rfc003.LedgerBitcoin, body.AlphaLedgerRedeemIdentity)
		if err != nil {
			// Retry as Ethereum: the response body doesn't carry ledger
			// tags, so accept whichever parse succeeds.
			alphaRedeem, err = parseIdentity(rfc003.LedgerEthereum, body.AlphaLedgerRedeemIdentity)
			if err != nil {
				return rfc003.SwapResponse{}, err
			}
		}
		betaRefund, err := parseIdentity(rfc003.LedgerBitcoin, body.BetaLedgerRefundIdentity)
		if err != nil {
			betaRefund, err = parseIdentity(rfc003.LedgerEthereum, body.BetaLedgerRefundIdentity)
			if err != nil {
				return rfc003.SwapResponse{}, err
			}
		}
		return rfc003.Accept(alphaRedeem, betaRefund), nil

	case StatusDeclineTimelocksUnsafe, StatusDeclineUnacceptableTerms:
		var body DeclineBody
		if err := json.Unmarshal(payload.Body, &body); err != nil {
			return rfc003.SwapResponse{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
		}
		return rfc003.Decline(rfc003.DeclineReason(body.Reason)), nil

	default:
		return rfc003.SwapResponse{}, fmt.Errorf("%w: unknown status %q", rfc003.ErrMalformedPeerMessage, payload.Status)
	}
}

// EncodeSecretHash builds the secret-hash subprotocol's single message.
func EncodeSecretHash(swapId rfc003.SwapId, hash rfc003.SecretHash) ([]byte, error) {
	msg, err := json.Marshal(SecretHashMessage{SwapId: swapId.String(), SecretHash: hash.Hex()})
	if err != nil {
		return nil, fmt.Errorf("peer: encode secret hash: %w", err)
	}
	return msg, nil
}

// DecodeSecretHash parses the secret-hash subprotocol's single message.
func DecodeSecretHash(data []byte) (rfc003.SwapId, rfc003.SecretHash, error) {
	var msg SecretHashMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return rfc003.SwapId{}, rfc003.SecretHash{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}
	swapId, err := rfc003.ParseSwapId(msg.SwapId)
	if err != nil {
		return rfc003.SwapId{}, rfc003.SecretHash{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}
	hash, err := rfc003.ParseSecretHashHex(msg.SecretHash)
	if err != nil {
		return rfc003.SwapId{}, rfc003.SecretHash{}, fmt.Errorf("%w: %v", rfc003.ErrMalformedPeerMessage, err)
	}
	return swapId, hash, nil
}
