package rfc003

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// This file gives every value type in the data model a JSON encoding, so
// that State (the Swap Registry's unit of persistence, §4.7) round-trips
// through encoding/json without a parallel hand-maintained wire struct.

// MarshalJSON renders a SwapId as its canonical UUID string.
func (id SwapId) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id).String())
}

// UnmarshalJSON parses a SwapId from its canonical UUID string.
func (id *SwapId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSwapId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalJSON renders a Secret as lowercase hex.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Hex())
}

// UnmarshalJSON parses a Secret from hex.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSecretHex(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON renders a SecretHash as lowercase hex.
func (h SecretHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON parses a SecretHash from hex.
func (h *SecretHash) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSecretHashHex(str)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// identityJSON is Identity's wire shape: a kind tag plus a single encoded
// value (hex compressed pubkey for Bitcoin, 0x-hex address for Ethereum).
type identityJSON struct {
	Kind  LedgerKind `json:"kind"`
	Value string     `json:"value"`
}

// MarshalJSON renders an Identity as its kind tag plus encoded value.
func (id Identity) MarshalJSON() ([]byte, error) {
	switch id.Kind {
	case LedgerBitcoin:
		if id.Bitcoin == nil {
			return json.Marshal(identityJSON{Kind: id.Kind})
		}
		return json.Marshal(identityJSON{Kind: id.Kind, Value: hex.EncodeToString(id.Bitcoin.SerializeCompressed())})
	case LedgerEthereum:
		return json.Marshal(identityJSON{Kind: id.Kind, Value: id.Ethereum.Hex()})
	case "":
		return json.Marshal(identityJSON{}) // unset, e.g. a Decline's identities
	default:
		return nil, fmt.Errorf("rfc003: marshal identity: unknown kind %q", id.Kind)
	}
}

// UnmarshalJSON parses an Identity from its kind tag plus encoded value.
func (id *Identity) UnmarshalJSON(data []byte) error {
	var wire identityJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case LedgerBitcoin:
		if wire.Value == "" {
			*id = Identity{Kind: LedgerBitcoin}
			return nil
		}
		raw, err := hex.DecodeString(wire.Value)
		if err != nil {
			return fmt.Errorf("rfc003: unmarshal identity: %w", err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return fmt.Errorf("rfc003: unmarshal identity: %w", err)
		}
		*id = BitcoinIdentity(pub)
		return nil
	case LedgerEthereum:
		if !common.IsHexAddress(wire.Value) {
			return fmt.Errorf("rfc003: unmarshal identity: bad address %q", wire.Value)
		}
		*id = EthereumIdentity(common.HexToAddress(wire.Value))
		return nil
	case "":
		*id = Identity{}
		return nil
	default:
		return fmt.Errorf("rfc003: unmarshal identity: unknown kind %q", wire.Kind)
	}
}

// assetJSON is Asset's wire shape.
type assetJSON struct {
	Kind          AssetKind `json:"kind"`
	Quantity      string    `json:"quantity,omitempty"`
	TokenContract string    `json:"token_contract,omitempty"`
}

// MarshalJSON renders an Asset as its kind tag plus quantity/token fields.
func (a Asset) MarshalJSON() ([]byte, error) {
	wire := assetJSON{Kind: a.Kind}
	if a.Quantity != nil {
		wire.Quantity = a.Quantity.String()
	}
	if a.Kind == AssetErc20 {
		wire.TokenContract = a.TokenContract.Hex()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses an Asset from its kind tag plus quantity/token fields.
func (a *Asset) UnmarshalJSON(data []byte) error {
	var wire assetJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	quantity, ok := new(big.Int).SetString(wire.Quantity, 10)
	if !ok {
		return fmt.Errorf("rfc003: unmarshal asset: bad quantity %q", wire.Quantity)
	}
	switch wire.Kind {
	case AssetBitcoin:
		*a = BitcoinAsset(quantity)
	case AssetEther:
		*a = EtherAsset(quantity)
	case AssetErc20:
		if !common.IsHexAddress(wire.TokenContract) {
			return fmt.Errorf("rfc003: unmarshal asset: bad token contract %q", wire.TokenContract)
		}
		*a = Erc20Asset(common.HexToAddress(wire.TokenContract), quantity)
	default:
		return fmt.Errorf("rfc003: unmarshal asset: unknown kind %q", wire.Kind)
	}
	return nil
}

// lockDurationJSON is LockDuration's wire shape.
type lockDurationJSON struct {
	Kind    LedgerKind `json:"kind"`
	Blocks  uint32     `json:"blocks,omitempty"`
	Seconds uint64     `json:"seconds,omitempty"`
}

// MarshalJSON renders a LockDuration as its kind tag plus the relevant unit.
func (l LockDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(lockDurationJSON{Kind: l.Kind, Blocks: l.Blocks, Seconds: l.Seconds})
}

// UnmarshalJSON parses a LockDuration from its kind tag plus unit fields.
func (l *LockDuration) UnmarshalJSON(data []byte) error {
	var wire lockDurationJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*l = LockDuration{Kind: wire.Kind, Blocks: wire.Blocks, Seconds: wire.Seconds}
	return nil
}

// htlcLocationJSON is HtlcLocation's wire shape: a Bitcoin outpoint is
// rendered "txid:vout", an Ethereum location is rendered as a 0x address.
type htlcLocationJSON struct {
	Kind  LedgerKind `json:"kind"`
	Value string     `json:"value"`
}

// MarshalJSON renders an HtlcLocation as its kind tag plus encoded value.
func (l HtlcLocation) MarshalJSON() ([]byte, error) {
	switch l.Kind {
	case LedgerBitcoin:
		if l.BitcoinOutpoint == nil {
			return json.Marshal(htlcLocationJSON{Kind: l.Kind})
		}
		return json.Marshal(htlcLocationJSON{
			Kind:  l.Kind,
			Value: fmt.Sprintf("%s:%d", l.BitcoinOutpoint.Hash.String(), l.BitcoinOutpoint.Index),
		})
	case LedgerEthereum:
		return json.Marshal(htlcLocationJSON{Kind: l.Kind, Value: l.EthereumAddress.Hex()})
	default:
		return nil, fmt.Errorf("rfc003: marshal htlc location: unknown kind %q", l.Kind)
	}
}

// UnmarshalJSON parses an HtlcLocation from its kind tag plus encoded value.
func (l *HtlcLocation) UnmarshalJSON(data []byte) error {
	var wire htlcLocationJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case LedgerBitcoin:
		if wire.Value == "" {
			*l = HtlcLocation{Kind: LedgerBitcoin}
			return nil
		}
		parts := strings.SplitN(wire.Value, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("rfc003: unmarshal htlc location: malformed outpoint %q", wire.Value)
		}
		hash, err := chainhash.NewHashFromStr(parts[0])
		if err != nil {
			return fmt.Errorf("rfc003: unmarshal htlc location: %w", err)
		}
		index, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return fmt.Errorf("rfc003: unmarshal htlc location: %w", err)
		}
		*l = BitcoinLocation(btcwire.NewOutPoint(hash, uint32(index)))
		return nil
	case LedgerEthereum:
		if !common.IsHexAddress(wire.Value) {
			return fmt.Errorf("rfc003: unmarshal htlc location: bad address %q", wire.Value)
		}
		*l = EthereumLocation(common.HexToAddress(wire.Value))
		return nil
	default:
		return fmt.Errorf("rfc003: unmarshal htlc location: unknown kind %q", wire.Kind)
	}
}
