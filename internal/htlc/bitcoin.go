// Package htlc builds the two on-chain HTLC artifact families named by the
// Bitcoin and Ethereum ledgers: a Bitcoin P2WSH witness script and an
// Ethereum EVM bytecode template. Both builders are bitwise-deterministic:
// identical HtlcParams always compile to identical bytes, so a counterparty
// can independently re-derive and verify an HTLC instead of trusting its
// declared address.
package htlc

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/comit-network/rfc003/internal/rfc003"
)

// BitcoinHtlc is the compiled form of a Bitcoin HtlcParams: the witness
// script plus the P2WSH address it derives.
type BitcoinHtlc struct {
	Script      []byte
	ScriptHash  [32]byte
	Address     btcutil.Address
	Params      rfc003.HtlcParams
	TimeoutBlocks uint32
}

// maxCSVBlocks is the largest relative-locktime block count representable
// in the CSV field's 16-bit range used throughout this builder.
const maxCSVBlocks = 0xFFFF

// SequenceAllowNLockTimeNoRBF is the nSequence value spends on the
// refund path must set: it allows relative-locktime (CSV) evaluation while
// disabling opt-in replace-by-fee.
const SequenceAllowNLockTimeNoRBF uint32 = 0xFFFFFFFE

// BuildBitcoinHtlc compiles HtlcParams into a witness script and P2WSH
// address.
//
// Script structure:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <redeem_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <refund_pubkey> OP_CHECKSIGVERIFY
//	    <expiry> OP_CHECKSEQUENCEVERIFY
//	OP_ENDIF
//
// Redeem path (OP_IF): witness supplies <sig> <preimage> <selector=1>.
// Refund path (OP_ELSE): witness supplies <sig> <selector=0>.
func BuildBitcoinHtlc(params rfc003.HtlcParams, chainParams *chaincfg.Params) (*BitcoinHtlc, error) {
	if params.Asset.Kind != rfc003.AssetBitcoin {
		return nil, fmt.Errorf("htlc: BuildBitcoinHtlc requires a bitcoin asset, got %s", params.Asset.Kind)
	}
	if params.Expiry.Kind != rfc003.LedgerBitcoin {
		return nil, fmt.Errorf("htlc: BuildBitcoinHtlc requires a bitcoin expiry, got %s", params.Expiry.Kind)
	}
	if params.RedeemIdentity.Bitcoin == nil || params.RefundIdentity.Bitcoin == nil {
		return nil, fmt.Errorf("htlc: redeem and refund identities must carry a bitcoin public key")
	}
	timeout := params.Expiry.Blocks
	if timeout == 0 {
		return nil, fmt.Errorf("htlc: timeout blocks must be greater than 0")
	}
	if timeout > maxCSVBlocks {
		return nil, fmt.Errorf("htlc: timeout blocks %d exceeds maximum CSV value %d", timeout, maxCSVBlocks)
	}

	redeemPub := params.RedeemIdentity.Bitcoin.SerializeCompressed()
	refundPub := params.RefundIdentity.Bitcoin.SerializeCompressed()
	secretHash := params.SecretHash.Bytes()

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(redeemPub)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(refundPub)
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(int64(timeout))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_ENDIF)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("htlc: build bitcoin script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], chainParams)
	if err != nil {
		return nil, fmt.Errorf("htlc: derive p2wsh address: %w", err)
	}

	return &BitcoinHtlc{
		Script:        script,
		ScriptHash:    scriptHash,
		Address:       address,
		Params:        params,
		TimeoutBlocks: timeout,
	}, nil
}

// BuildClaimWitness builds the witness stack for the redeem path: reveals
// the preimage and spends to the redeem identity.
func BuildClaimWitness(signature, preimage, script []byte) [][]byte {
	return [][]byte{
		signature,
		preimage,
		{0x01},
		script,
	}
}

// BuildRefundWitness builds the witness stack for the refund path. Callers
// MUST set the spending input's nSequence to SequenceAllowNLockTimeNoRBF for
// OP_CHECKSEQUENCEVERIFY to evaluate.
func BuildRefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		script,
	}
}

// ParseBitcoinScript recovers (secretHash, redeemPubKey, refundPubKey,
// timeoutBlocks) from a compiled script, the inverse of BuildBitcoinHtlc.
// MatchesParams builds on it to check a script against expected
// HtlcParams. The Ledger Event Source does not call either; it matches
// outputs by the P2WSH address derived from the compiled script.
func ParseBitcoinScript(script []byte) (secretHash, redeemPubKey, refundPubKey []byte, timeoutBlocks uint32, err error) {
	tok := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte, name string) error {
		if !tok.Next() || tok.Opcode() != op {
			return fmt.Errorf("htlc: expected %s", name)
		}
		return nil
	}
	expectPush := func(length int, name string) ([]byte, error) {
		if !tok.Next() {
			return nil, fmt.Errorf("htlc: expected %s", name)
		}
		data := tok.Data()
		if length > 0 && len(data) != length {
			return nil, fmt.Errorf("htlc: %s must be %d bytes, got %d", name, length, len(data))
		}
		return data, nil
	}

	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, nil, nil, 0, err
	}
	if err := expectOp(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, nil, nil, 0, err
	}
	secretHash, err = expectPush(32, "secret hash")
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, nil, nil, 0, err
	}
	redeemPubKey, err = expectPush(33, "redeem pubkey")
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, nil, nil, 0, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, nil, nil, 0, err
	}
	refundPubKey, err = expectPush(33, "refund pubkey")
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if err := expectOp(txscript.OP_CHECKSIGVERIFY, "OP_CHECKSIGVERIFY"); err != nil {
		return nil, nil, nil, 0, err
	}

	if !tok.Next() {
		return nil, nil, nil, 0, fmt.Errorf("htlc: expected timeout blocks")
	}
	op := tok.Opcode()
	if txscript.IsSmallInt(op) {
		timeoutBlocks = uint32(txscript.AsSmallInt(op))
	} else {
		data := tok.Data()
		if len(data) == 0 {
			return nil, nil, nil, 0, fmt.Errorf("htlc: invalid timeout blocks push")
		}
		for i := 0; i < len(data); i++ {
			timeoutBlocks |= uint32(data[i]) << (8 * i)
		}
	}

	if err := expectOp(txscript.OP_CHECKSEQUENCEVERIFY, "OP_CHECKSEQUENCEVERIFY"); err != nil {
		return nil, nil, nil, 0, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, nil, nil, 0, err
	}

	return secretHash, redeemPubKey, refundPubKey, timeoutBlocks, nil
}

// MatchesParams reports whether a parsed script's components match the
// given HtlcParams bitwise, the core of the re-derivation safety check.
func MatchesParams(script []byte, params rfc003.HtlcParams) bool {
	secretHash, redeemPub, refundPub, timeout, err := ParseBitcoinScript(script)
	if err != nil {
		return false
	}
	if params.RedeemIdentity.Bitcoin == nil || params.RefundIdentity.Bitcoin == nil {
		return false
	}
	if string(secretHash) != string(params.SecretHash.Bytes()) {
		return false
	}
	if string(redeemPub) != string(params.RedeemIdentity.Bitcoin.SerializeCompressed()) {
		return false
	}
	if string(refundPub) != string(params.RefundIdentity.Bitcoin.SerializeCompressed()) {
		return false
	}
	if timeout != params.Expiry.Blocks {
		return false
	}
	return true
}

// AddressFor is a convenience wrapper returning just the P2WSH address
// string for a set of HtlcParams.
func AddressFor(params rfc003.HtlcParams, chainParams *chaincfg.Params) (string, error) {
	h, err := BuildBitcoinHtlc(params, chainParams)
	if err != nil {
		return "", err
	}
	return h.Address.EncodeAddress(), nil
}
