// Package chain distinguishes mainnet from testnet for backends and the
// entrypoint. RFC003's ledger abstraction (internal/events, internal/rfc003)
// gets a chain's HTLC and address format from the swap request itself, not
// from a static per-symbol parameter table, so that table is not carried
// here the way the donor trading app carried one.
package chain

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)
