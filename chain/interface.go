package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/txgraph"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultStopGap is the number of consecutive unused scripts after
	// which a full scan stops walking a keychain.
	DefaultStopGap = 100

	// DefaultBatchSize is the number of scripts queried per round trip
	// during a full scan.
	DefaultBatchSize = 200

	// RetryLimit is the number of times a request failing at the
	// transport level is retried.
	RetryLimit = 6

	// SocketTimeout bounds a single request to a chain source.
	SocketTimeout = 180 * time.Second

	// MaxTipChangeRestarts bounds how many times a mempool walk is
	// restarted because the tip moved under it.
	MaxTipChangeRestarts = 10

	// anchorDepth is the number of blocks below the remote tip that are
	// always included in a chain update.
	anchorDepth = 8
)

// Interface is the contract a block data source must fulfill for the
// wallet to synchronize against it. Every call blocks on network I/O.
type Interface interface {
	// ChainTip returns the best block of the source.
	ChainTip(ctx context.Context) (localchain.BlockChainTip, error)

	// BlockHash returns the hash of the block at height, or None if the
	// height is above the tip.
	BlockHash(ctx context.Context,
		height int32) (fn.Option[chainhash.Hash], error)

	// BlockHeader returns the header of the block at height.
	BlockHeader(ctx context.Context,
		height int32) (*wire.BlockHeader, error)

	// GenesisBlock returns the block at height zero.
	GenesisBlock(ctx context.Context) (localchain.BlockChainTip, error)

	// GenesisBlockTimestamp returns the timestamp of the genesis block.
	GenesisBlockTimestamp(ctx context.Context) (uint32, error)

	// BroadcastTx hands the transaction to the source for relay.
	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error

	// Sync fetches the history of the requested scripts, txids and
	// outpoints along with a chain update that connects to the request's
	// chain. If fetchPrevTxOuts is set, the outputs spent by every
	// returned transaction are fetched too.
	Sync(ctx context.Context, req *SyncRequest,
		fetchPrevTxOuts bool) (*SyncResponse, error)

	// FullScan walks the script iterators of the request until stopGap
	// consecutive scripts without history are found on each keychain.
	FullScan(ctx context.Context, req *FullScanRequest, stopGap,
		batchSize uint32) (*FullScanResponse, error)

	// MempoolEntry returns the fee information of an unconfirmed
	// transaction, or None if it is not in the mempool.
	MempoolEntry(ctx context.Context,
		txid chainhash.Hash) (fn.Option[MempoolEntry], error)

	// MempoolSpenders returns the mempool entries of the transactions
	// spending any of the outpoints.
	MempoolSpenders(ctx context.Context,
		outpoints []wire.OutPoint) ([]MempoolEntry, error)

	// PopulateTxCache lets the source skip fetching transactions the
	// wallet already knows.
	PopulateTxCache(txs []*wire.MsgTx)

	// Stop closes the connection to the source.
	Stop()
}

// SyncRequest scopes a Sync call.
type SyncRequest struct {
	// ChainTip is a snapshot of the local chain the returned chain update
	// must connect to.
	ChainTip *localchain.Chain

	Spks      []keychain.IndexedSpk
	Txids     []chainhash.Hash
	OutPoints []wire.OutPoint
}

// SyncResponse is the result of a Sync call.
type SyncResponse struct {
	ChainUpdate localchain.Update
	GraphUpdate *txgraph.Update
}

// FullScanRequest scopes a FullScan call.
type FullScanRequest struct {
	ChainTip *localchain.Chain
	SpkIters []*keychain.SpkIter

	// StartHeight is the first block a block-walking source inspects.
	// Sources with a script index ignore it.
	StartHeight int32
}

// FullScanResponse is the result of a FullScan call.
type FullScanResponse struct {
	SyncResponse

	// LastActiveIndices holds, per keychain, the highest index of a
	// script that has history. Keychains without any history are absent.
	LastActiveIndices map[keychain.Kind]uint32
}

// MempoolEntryFees groups the fee figures of a mempool entry.
type MempoolEntryFees struct {
	// Base is the fee of the transaction alone.
	Base btcutil.Amount

	// Ancestor is the fee of the transaction and all of its unconfirmed
	// ancestors.
	Ancestor btcutil.Amount

	// Descendant is the fee of the transaction and all of its
	// unconfirmed descendants.
	Descendant btcutil.Amount
}

// MempoolEntry describes an unconfirmed transaction.
type MempoolEntry struct {
	Txid          chainhash.Hash
	VSize         uint64
	Fees          MempoolEntryFees
	AncestorVSize uint64
}
