package discovery

import "context"

// BlockInfo names a block by height and hash, as returned by
// Blockchain.LookupBlockIndex.
type BlockInfo struct {
	Height int64
	Hash   BlockHash
}

// TxResult pairs a discovered transaction with the addresses (from
// the caller's lookup set) it touches (spec §4.9).
type TxResult struct {
	Info      TxInfo
	Addresses []Address
}

// Blockchain is the external collaborator ChainDiscovery consumes: a
// backend able to resolve chain tip, look up historical transactions
// in a height window, and push live notifications for subscribed
// addresses (spec §4.9). It is specified only at this interface —
// concrete instances (e.g. discovery/electrumadapter) live outside the
// core.
type Blockchain interface {
	LookupBestBlockHash(ctx context.Context) (BlockHash, error)
	LookupBlockIndex(ctx context.Context, hash BlockHash) (BlockInfo, error)
	LookupTxs(ctx context.Context, addresses []Address, untilHeight, sinceHeight int64) ([]TxResult, error)

	// Subscribe is fire-and-forget: matches surface later via the
	// Transactions() event stream, not via this call's return.
	Subscribe(addresses []Address)

	// Transactions returns the live-update event stream. Each TxResult
	// is delivered exactly once per backend notification.
	Transactions() <-chan TxResult
}
