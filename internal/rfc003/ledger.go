package rfc003

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
)

// LedgerKind tags which concrete ledger family a value belongs to. The
// state machine pattern-matches on this instead of being duplicated per
// ledger pair.
type LedgerKind string

const (
	LedgerBitcoin  LedgerKind = "bitcoin"
	LedgerEthereum LedgerKind = "ethereum"
)

func (k LedgerKind) String() string { return string(k) }

// Identity is ledger-specific public key material: a compressed secp256k1
// public key for Bitcoin, a 20-byte address for Ethereum.
type Identity struct {
	Kind     LedgerKind
	Bitcoin  *btcec.PublicKey
	Ethereum common.Address
}

// BitcoinIdentity builds an Identity carrying a Bitcoin public key.
func BitcoinIdentity(pub *btcec.PublicKey) Identity {
	return Identity{Kind: LedgerBitcoin, Bitcoin: pub}
}

// EthereumIdentity builds an Identity carrying an Ethereum address.
func EthereumIdentity(addr common.Address) Identity {
	return Identity{Kind: LedgerEthereum, Ethereum: addr}
}

func (id Identity) String() string {
	switch id.Kind {
	case LedgerBitcoin:
		if id.Bitcoin == nil {
			return "bitcoin:<nil>"
		}
		return fmt.Sprintf("bitcoin:%x", id.Bitcoin.SerializeCompressed())
	case LedgerEthereum:
		return "ethereum:" + id.Ethereum.Hex()
	default:
		return "unknown"
	}
}

// AssetKind tags which concrete asset a quantity value carries.
type AssetKind string

const (
	AssetBitcoin AssetKind = "bitcoin" // quantity in satoshis
	AssetEther   AssetKind = "ether"   // quantity in wei
	AssetErc20   AssetKind = "erc20"   // quantity in token base units
)

// Asset is a tagged quantity: Bitcoin satoshis, Ether wei, or an ERC20
// (token_contract, amount) pair.
type Asset struct {
	Kind          AssetKind
	Quantity      *big.Int
	TokenContract common.Address // only meaningful when Kind == AssetErc20
}

// BitcoinAsset builds an Asset for a satoshi quantity.
func BitcoinAsset(satoshis *big.Int) Asset {
	return Asset{Kind: AssetBitcoin, Quantity: satoshis}
}

// EtherAsset builds an Asset for a wei quantity.
func EtherAsset(wei *big.Int) Asset {
	return Asset{Kind: AssetEther, Quantity: wei}
}

// Erc20Asset builds an Asset for an ERC20 token quantity.
func Erc20Asset(token common.Address, amount *big.Int) Asset {
	return Asset{Kind: AssetErc20, Quantity: amount, TokenContract: token}
}

// Ledger reports which ledger family this asset belongs to.
func (a Asset) Ledger() LedgerKind {
	if a.Kind == AssetBitcoin {
		return LedgerBitcoin
	}
	return LedgerEthereum
}

// Equal compares two assets for the bitwise equality needed by the
// funding-verification safety invariant.
func (a Asset) Equal(b Asset) bool {
	if a.Kind != b.Kind {
		return false
	}
	if (a.Quantity == nil) != (b.Quantity == nil) {
		return false
	}
	if a.Quantity != nil && a.Quantity.Cmp(b.Quantity) != 0 {
		return false
	}
	if a.Kind == AssetErc20 && a.TokenContract != b.TokenContract {
		return false
	}
	return true
}

// LockDuration is a ledger-relative timelock: a block count for Bitcoin
// (understood by OP_CHECKSEQUENCEVERIFY), or a Unix timestamp in seconds
// for Ethereum (understood by the EVM template's expiry comparison).
type LockDuration struct {
	Kind    LedgerKind
	Blocks  uint32 // Bitcoin: relative block count
	Seconds uint64 // Ethereum: absolute Unix expiry in seconds
}

// BitcoinLockDuration builds a relative-block LockDuration.
func BitcoinLockDuration(blocks uint32) LockDuration {
	return LockDuration{Kind: LedgerBitcoin, Blocks: blocks}
}

// EthereumLockDuration builds an absolute Unix-seconds LockDuration.
func EthereumLockDuration(unixSeconds uint64) LockDuration {
	return LockDuration{Kind: LedgerEthereum, Seconds: unixSeconds}
}

// HtlcLocation is how an on-chain HTLC instance is referenced once
// deployed/funded: a Bitcoin OutPoint, or an Ethereum contract Address.
type HtlcLocation struct {
	Kind           LedgerKind
	BitcoinOutpoint *wire.OutPoint
	EthereumAddress common.Address
}

// BitcoinLocation builds an HtlcLocation pointing at a funding outpoint.
func BitcoinLocation(op *wire.OutPoint) HtlcLocation {
	return HtlcLocation{Kind: LedgerBitcoin, BitcoinOutpoint: op}
}

// EthereumLocation builds an HtlcLocation pointing at a deployed contract.
func EthereumLocation(addr common.Address) HtlcLocation {
	return HtlcLocation{Kind: LedgerEthereum, EthereumAddress: addr}
}

func (l HtlcLocation) String() string {
	switch l.Kind {
	case LedgerBitcoin:
		if l.BitcoinOutpoint == nil {
			return "bitcoin:<nil>"
		}
		return "bitcoin:" + l.BitcoinOutpoint.String()
	case LedgerEthereum:
		return "ethereum:" + l.EthereumAddress.Hex()
	default:
		return "unknown"
	}
}
