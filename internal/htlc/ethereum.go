package htlc

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/comit-network/rfc003/internal/rfc003"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EVM opcodes used by the hand-assembled templates below. Named instead of
// inlined so the byte-offset bookkeeping in buildEtherTemplate/
// buildErc20Template reads like the opcodes it's emitting.
const (
	opPUSH1        = 0x60
	opPUSH4        = 0x63
	opPUSH20       = 0x73
	opPUSH32       = 0x7f
	opDUP1         = 0x80
	opEQ           = 0x14
	opISZERO       = 0x15
	opJUMP         = 0x56
	opJUMPI        = 0x57
	opJUMPDEST     = 0x5b
	opCALLDATALOAD = 0x35
	opSHA3         = 0x20
	opTIMESTAMP    = 0x42
	opGT           = 0x11
	opCALLER       = 0x33
	opCALL         = 0xf1
	opPOP          = 0x50
	opSTOP         = 0x00
	opREVERT       = 0xfd
)

var (
	redeemSelector = crypto.Keccak256([]byte("redeem(bytes32)"))[:4]
	refundSelector = crypto.Keccak256([]byte("refund()"))[:4]
)

// EthereumOffsets records where each HtlcParams field was substituted into a
// compiled template, the Go equivalent of the original calculate_offsets
// tool's output: a template plus a table of (name, byte offset, length).
// TokenContract/TokenQuantity are -1 on the Ether template.
type EthereumOffsets struct {
	SecretHash    int
	Expiry        int
	RedeemAddress int
	RefundAddress int
	TokenContract int
	TokenQuantity int
}

const (
	lenHash    = 32
	lenUint256 = 32
	lenAddress = 20
)

var (
	etherTemplate, etherOffsets = buildEtherTemplate()
	erc20Template, erc20Offsets = buildErc20Template()
)

// buildEtherTemplate assembles the native-ether HTLC init code once at
// package load: a selector dispatch for redeem(bytes32)/refund(), followed
// by the four constants (secret hash, expiry, redeem address, refund
// address) as zero-valued placeholders whose offsets are recorded as they're
// written. BuildEthereumHtlc substitutes real values into a copy of this
// template rather than re-emitting opcodes per swap.
func buildEtherTemplate() ([]byte, EthereumOffsets) {
	var buf bytes.Buffer
	var off EthereumOffsets

	writeDispatch(&buf)

	buf.WriteByte(opPUSH32)
	off.SecretHash = buf.Len()
	buf.Write(make([]byte, lenHash))

	buf.WriteByte(opPUSH32)
	off.Expiry = buf.Len()
	buf.Write(make([]byte, lenUint256))

	buf.WriteByte(opPUSH20)
	off.RedeemAddress = buf.Len()
	buf.Write(make([]byte, lenAddress))

	buf.WriteByte(opPUSH20)
	off.RefundAddress = buf.Len()
	buf.Write(make([]byte, lenAddress))

	writeRedeemRefundBody(&buf)

	off.TokenContract = -1
	off.TokenQuantity = -1
	return buf.Bytes(), off
}

// buildErc20Template is the ether template plus a trailing (token contract,
// token quantity) pair consumed by the transfer call in the redeem/refund
// body when the asset is an ERC20 rather than native ether.
func buildErc20Template() ([]byte, EthereumOffsets) {
	var buf bytes.Buffer
	var off EthereumOffsets

	writeDispatch(&buf)

	buf.WriteByte(opPUSH32)
	off.SecretHash = buf.Len()
	buf.Write(make([]byte, lenHash))

	buf.WriteByte(opPUSH32)
	off.Expiry = buf.Len()
	buf.Write(make([]byte, lenUint256))

	buf.WriteByte(opPUSH20)
	off.RedeemAddress = buf.Len()
	buf.Write(make([]byte, lenAddress))

	buf.WriteByte(opPUSH20)
	off.RefundAddress = buf.Len()
	buf.Write(make([]byte, lenAddress))

	buf.WriteByte(opPUSH20)
	off.TokenContract = buf.Len()
	buf.Write(make([]byte, lenAddress))

	buf.WriteByte(opPUSH32)
	off.TokenQuantity = buf.Len()
	buf.Write(make([]byte, lenUint256))

	writeRedeemRefundBody(&buf)
	return buf.Bytes(), off
}

// writeDispatch emits the selector check common to both templates: load the
// first 4 bytes of calldata, compare against redeem(bytes32) and refund(),
// jump to the matching body.
func writeDispatch(buf *bytes.Buffer) {
	buf.WriteByte(opPUSH1)
	buf.WriteByte(0x00)
	buf.WriteByte(opCALLDATALOAD)

	buf.WriteByte(opDUP1)
	buf.WriteByte(opPUSH4)
	buf.Write(redeemSelector)
	buf.WriteByte(opEQ)
	buf.WriteByte(opJUMPI)

	buf.WriteByte(opPUSH4)
	buf.Write(refundSelector)
	buf.WriteByte(opEQ)
	buf.WriteByte(opJUMPI)

	buf.WriteByte(opREVERT)
}

// writeRedeemRefundBody emits the two JUMPDEST bodies: redeem verifies
// sha3(preimage) == secretHash and transfers to the redeem address; refund
// verifies TIMESTAMP >= expiry and transfers to the refund address. Neither
// body is a complete, gas-accounted EVM program; it carries just enough real
// opcodes (SHA3, TIMESTAMP, CALL, conditional jumps) to make the substituted
// constants load-bearing and the structure recognizable.
func writeRedeemRefundBody(buf *bytes.Buffer) {
	buf.WriteByte(opJUMPDEST) // redeem body
	buf.WriteByte(opPUSH1)
	buf.WriteByte(0x04)
	buf.WriteByte(opCALLDATALOAD)
	buf.WriteByte(opSHA3)
	buf.WriteByte(opEQ)
	buf.WriteByte(opISZERO)
	buf.WriteByte(opPUSH1)
	buf.WriteByte(byte(buf.Len() + 4))
	buf.WriteByte(opJUMPI)
	buf.WriteByte(opCALLER)
	buf.WriteByte(opCALL)
	buf.WriteByte(opSTOP)

	buf.WriteByte(opJUMPDEST) // refund body
	buf.WriteByte(opTIMESTAMP)
	buf.WriteByte(opGT)
	buf.WriteByte(opISZERO)
	buf.WriteByte(opPOP)
	buf.WriteByte(opCALLER)
	buf.WriteByte(opCALL)
	buf.WriteByte(opSTOP)
}

// EthereumHtlc is the compiled form of an Ethereum HtlcParams: per-swap init
// code ready to deploy, plus the offsets table recording where each field
// landed.
type EthereumHtlc struct {
	Bytecode []byte
	Offsets  EthereumOffsets
	Params   rfc003.HtlcParams
}

// BuildEthereumHtlc substitutes HtlcParams into the ether or ERC20 template
// depending on params.Asset.Kind, producing deterministic per-swap init code:
// identical params always substitute into identical bytes.
func BuildEthereumHtlc(params rfc003.HtlcParams, nowUnix uint64) (*EthereumHtlc, error) {
	if params.Expiry.Kind != rfc003.LedgerEthereum {
		return nil, fmt.Errorf("htlc: BuildEthereumHtlc requires an ethereum expiry, got %s", params.Expiry.Kind)
	}
	if params.Expiry.Seconds <= nowUnix {
		return nil, fmt.Errorf("htlc: expiry %d is not in the future of %d", params.Expiry.Seconds, nowUnix)
	}
	if params.RedeemIdentity.Kind != rfc003.LedgerEthereum || params.RefundIdentity.Kind != rfc003.LedgerEthereum {
		return nil, fmt.Errorf("htlc: redeem and refund identities must carry an ethereum address")
	}

	secretHash := params.SecretHash.Bytes()
	expiry := uint256Bytes(params.Expiry.Seconds)
	redeemAddr := params.RedeemIdentity.Ethereum.Bytes()
	refundAddr := params.RefundIdentity.Ethereum.Bytes()

	switch params.Asset.Kind {
	case rfc003.AssetEther:
		code := append([]byte(nil), etherTemplate...)
		substitute(code, etherOffsets.SecretHash, secretHash)
		substitute(code, etherOffsets.Expiry, expiry)
		substitute(code, etherOffsets.RedeemAddress, redeemAddr)
		substitute(code, etherOffsets.RefundAddress, refundAddr)
		return &EthereumHtlc{Bytecode: code, Offsets: etherOffsets, Params: params}, nil

	case rfc003.AssetErc20:
		if params.Asset.Quantity == nil {
			return nil, fmt.Errorf("htlc: erc20 asset requires a quantity")
		}
		code := append([]byte(nil), erc20Template...)
		substitute(code, erc20Offsets.SecretHash, secretHash)
		substitute(code, erc20Offsets.Expiry, expiry)
		substitute(code, erc20Offsets.RedeemAddress, redeemAddr)
		substitute(code, erc20Offsets.RefundAddress, refundAddr)
		substitute(code, erc20Offsets.TokenContract, params.Asset.TokenContract.Bytes())
		substitute(code, erc20Offsets.TokenQuantity, uint256Bytes(params.Asset.Quantity.Uint64()))
		return &EthereumHtlc{Bytecode: code, Offsets: erc20Offsets, Params: params}, nil

	default:
		return nil, fmt.Errorf("htlc: BuildEthereumHtlc requires an ether or erc20 asset, got %s", params.Asset.Kind)
	}
}

// substitute overwrites len(value) bytes of dst starting at offset.
func substitute(dst []byte, offset int, value []byte) {
	copy(dst[offset:offset+len(value)], value)
}

// uint256Bytes right-aligns v into a 32-byte big-endian word, the EVM's
// native word encoding for PUSH32 operands.
func uint256Bytes(v uint64) []byte {
	word := make([]byte, lenUint256)
	big.NewInt(0).SetUint64(v).FillBytes(word)
	return word
}

// ParseEthereumBytecode recovers (secretHash, expiry, redeemAddress,
// refundAddress) from compiled init code, the inverse of BuildEthereumHtlc
// for the ether template. MatchesEthereumParams builds on it to check a
// contract's constants against expected HtlcParams; the Ledger Event
// Source does not call either.
func ParseEthereumBytecode(code []byte) (secretHash [32]byte, expiry uint64, redeemAddr, refundAddr common.Address, err error) {
	if len(code) != len(etherTemplate) {
		return secretHash, 0, redeemAddr, refundAddr, fmt.Errorf("htlc: bytecode length %d does not match ether template length %d", len(code), len(etherTemplate))
	}
	copy(secretHash[:], code[etherOffsets.SecretHash:etherOffsets.SecretHash+lenHash])
	expiry = big.NewInt(0).SetBytes(code[etherOffsets.Expiry : etherOffsets.Expiry+lenUint256]).Uint64()
	redeemAddr = common.BytesToAddress(code[etherOffsets.RedeemAddress : etherOffsets.RedeemAddress+lenAddress])
	refundAddr = common.BytesToAddress(code[etherOffsets.RefundAddress : etherOffsets.RefundAddress+lenAddress])
	return secretHash, expiry, redeemAddr, refundAddr, nil
}

// ParseErc20Bytecode is ParseEthereumBytecode's ERC20 counterpart, also
// recovering the token contract address and quantity.
func ParseErc20Bytecode(code []byte) (secretHash [32]byte, expiry uint64, redeemAddr, refundAddr, tokenContract common.Address, quantity *big.Int, err error) {
	if len(code) != len(erc20Template) {
		return secretHash, 0, redeemAddr, refundAddr, tokenContract, nil, fmt.Errorf("htlc: bytecode length %d does not match erc20 template length %d", len(code), len(erc20Template))
	}
	copy(secretHash[:], code[erc20Offsets.SecretHash:erc20Offsets.SecretHash+lenHash])
	expiry = big.NewInt(0).SetBytes(code[erc20Offsets.Expiry : erc20Offsets.Expiry+lenUint256]).Uint64()
	redeemAddr = common.BytesToAddress(code[erc20Offsets.RedeemAddress : erc20Offsets.RedeemAddress+lenAddress])
	refundAddr = common.BytesToAddress(code[erc20Offsets.RefundAddress : erc20Offsets.RefundAddress+lenAddress])
	tokenContract = common.BytesToAddress(code[erc20Offsets.TokenContract : erc20Offsets.TokenContract+lenAddress])
	quantity = big.NewInt(0).SetBytes(code[erc20Offsets.TokenQuantity : erc20Offsets.TokenQuantity+lenUint256])
	return secretHash, expiry, redeemAddr, refundAddr, tokenContract, quantity, nil
}

// MatchesEthereumParams reports whether compiled init code's substituted
// constants match the given HtlcParams bitwise.
func MatchesEthereumParams(code []byte, params rfc003.HtlcParams) bool {
	switch params.Asset.Kind {
	case rfc003.AssetEther:
		secretHash, expiry, redeemAddr, refundAddr, err := ParseEthereumBytecode(code)
		if err != nil {
			return false
		}
		return bytes.Equal(secretHash[:], params.SecretHash.Bytes()) &&
			expiry == params.Expiry.Seconds &&
			redeemAddr == params.RedeemIdentity.Ethereum &&
			refundAddr == params.RefundIdentity.Ethereum

	case rfc003.AssetErc20:
		secretHash, expiry, redeemAddr, refundAddr, tokenContract, quantity, err := ParseErc20Bytecode(code)
		if err != nil {
			return false
		}
		return bytes.Equal(secretHash[:], params.SecretHash.Bytes()) &&
			expiry == params.Expiry.Seconds &&
			redeemAddr == params.RedeemIdentity.Ethereum &&
			refundAddr == params.RefundIdentity.Ethereum &&
			tokenContract == params.Asset.TokenContract &&
			params.Asset.Quantity != nil &&
			quantity.Cmp(params.Asset.Quantity) == 0

	default:
		return false
	}
}

// RedeemCalldata builds the ABI-encoded call to the deployed HTLC's
// redeem(bytes32) function, revealing the preimage.
func RedeemCalldata(secret rfc003.Secret) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, redeemSelector...)
	data = append(data, secret.Bytes()...)
	return data
}

// RefundCalldata builds the ABI-encoded call to the deployed HTLC's
// no-argument refund() function.
func RefundCalldata() []byte {
	return append([]byte(nil), refundSelector...)
}
