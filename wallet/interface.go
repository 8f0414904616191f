package wallet

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DatabaseConnection is the persisted state the wallet is bootstrapped from
// and reports its coin updates to.
//
// This interface is intended to be the only way the synchronization code
// touches storage, so that the store can be swapped for a mock in tests.
//
//nolint:interfacebloat
type DatabaseConnection interface {
	// Network returns the network the wallet was created for.
	Network(ctx context.Context) (*chaincfg.Params, error)

	// ChainTip returns the last block the coins were reconciled at, or
	// None if the wallet never synced.
	ChainTip(ctx context.Context) (fn.Option[localchain.BlockChainTip],
		error)

	// Coins returns every persisted coin, spent ones included.
	Coins(ctx context.Context) (map[wire.OutPoint]Coin, error)

	// ReceiveIndex returns the next derivation index to hand out on the
	// receive keychain.
	ReceiveIndex(ctx context.Context) (uint32, error)

	// ChangeIndex returns the next derivation index to hand out on the
	// change keychain.
	ChangeIndex(ctx context.Context) (uint32, error)

	// SetReceiveIndex stores the next receive derivation index.
	SetReceiveIndex(ctx context.Context, index uint32) error

	// SetChangeIndex stores the next change derivation index.
	SetChangeIndex(ctx context.Context, index uint32) error

	// ListTxids returns the txids of the wallet transactions confirmed
	// or first seen within [from, to], most recent first. A zero limit
	// means no limit.
	ListTxids(ctx context.Context, from, to time.Time,
		limit int) ([]chainhash.Hash, error)

	// ListWalletTransactions returns the stored transactions among
	// txids. Unknown txids are skipped.
	ListWalletTransactions(ctx context.Context,
		txids []chainhash.Hash) ([]TxWithBlock, error)

	// MainDescriptor returns the descriptor the wallet derives its
	// scripts from.
	MainDescriptor(ctx context.Context) (keychain.Descriptor, error)

	// UpdateCoins persists a coin update.
	UpdateCoins(ctx context.Context, updated *UpdatedCoins) error

	// RollbackTip makes tip the last reconciled block, dropping the
	// confirmation and spend state of every coin above it.
	RollbackTip(ctx context.Context, tip localchain.BlockChainTip) error

	// UpdateTip stores the last reconciled block.
	UpdateTip(ctx context.Context, tip localchain.BlockChainTip) error

	// StoreTransactions persists wallet transactions. Known ones are
	// ignored.
	StoreTransactions(ctx context.Context, txs []*wire.MsgTx) error
}

// Interface is the view of the synchronization engine other components
// talk to. It is served by the Poller.
type Interface interface {
	// Coins returns the current coins. A None outpoint set returns
	// every coin.
	Coins(ctx context.Context, outpoints fn.Option[[]wire.OutPoint]) (
		map[wire.OutPoint]Coin, error)

	// Tip returns the tip of the local chain.
	Tip(ctx context.Context) (localchain.BlockChainTip, error)

	// Transaction returns a wallet transaction.
	Transaction(ctx context.Context,
		txid chainhash.Hash) (fn.Option[TxWithBlock], error)

	// MempoolEntry returns the fee information of an unconfirmed
	// transaction.
	MempoolEntry(ctx context.Context,
		txid chainhash.Hash) (fn.Option[chain.MempoolEntry], error)

	// TriggerRescan schedules a full scan for the next cycle.
	TriggerRescan(ctx context.Context) error

	// SyncNow runs a cycle right away and returns its result.
	SyncNow(ctx context.Context) (*CycleResult, error)

	// Status returns the health of the poller.
	Status() Status
}
