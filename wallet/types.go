package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// CoinbaseMaturity is the number of blocks a coinbase output must be
	// buried under before it can be spent.
	CoinbaseMaturity = 100

	// DefaultLookAhead is the number of scripts derived past the last
	// revealed index of each keychain.
	DefaultLookAhead = 200
)

// BlockInfo locates the block that confirmed a transaction.
type BlockInfo struct {
	Height int32
	Time   uint32
}

// Block is a block reference along with its timestamp.
type Block struct {
	Hash   chainhash.Hash
	Height int32
	Time   uint32
}

// Coin is a wallet output along with the state of the transactions creating
// and spending it.
type Coin struct {
	OutPoint wire.OutPoint
	Amount   btcutil.Amount

	// DerivationIndex is the index of the output script on its
	// keychain.
	DerivationIndex uint32
	IsChange        bool

	// IsImmature is set on coinbase outputs that can't be spent yet.
	IsImmature bool

	BlockInfo  fn.Option[BlockInfo]
	SpendTxid  fn.Option[chainhash.Hash]
	SpendBlock fn.Option[BlockInfo]

	// IsFromSelf is set when every input of the deposit transaction
	// spends a wallet coin that is either confirmed or itself from self.
	IsFromSelf bool
}

// IsConfirmed returns true if the deposit transaction is in a block.
func (c Coin) IsConfirmed() bool {
	return c.BlockInfo.IsSome()
}

// IsSpent returns true if the spending transaction is in a block.
func (c Coin) IsSpent() bool {
	return c.SpendBlock.IsSome()
}

// TxWithBlock is a wallet transaction and the block confirming it, if any.
// Transactions loaded from the database only know the height and time of
// their block and carry a zero hash.
type TxWithBlock struct {
	Tx    *wire.MsgTx
	Block fn.Option[Block]
}

// ConfirmedCoin records the block a coin got confirmed in.
type ConfirmedCoin struct {
	OutPoint wire.OutPoint
	Block    BlockInfo
}

// SpendingCoin records the transaction spending a coin.
type SpendingCoin struct {
	OutPoint  wire.OutPoint
	SpendTxid chainhash.Hash
}

// SpentCoin records the confirmed transaction spending a coin.
type SpentCoin struct {
	OutPoint  wire.OutPoint
	SpendTxid chainhash.Hash
	Block     BlockInfo
}

// UpdatedCoins is the difference between the persisted coins and the ones
// the wallet derives from the chain after a sync.
type UpdatedCoins struct {
	// Received holds the coins the database doesn't know yet.
	Received []Coin

	// Confirmed holds the coins whose deposit got confirmed, newly
	// received ones included.
	Confirmed []ConfirmedCoin

	// Expired holds the coins whose deposit is no longer canonical.
	Expired []wire.OutPoint

	// Spending holds the coins with a new spending transaction.
	Spending []SpendingCoin

	// ExpiredSpending holds the coins whose previous spending
	// transaction is no longer canonical.
	ExpiredSpending []wire.OutPoint

	// Spent holds the coins whose spending transaction got confirmed.
	Spent []SpentCoin

	// FromSelf holds the coins that became known to be from self.
	FromSelf []wire.OutPoint

	// Matured holds the coinbase coins that became spendable.
	Matured []wire.OutPoint

	// Immature holds the coinbase coins that fell back under maturity,
	// after a reorg onto a shorter chain.
	Immature []wire.OutPoint
}

// IsEmpty returns true if the update carries no change.
func (u *UpdatedCoins) IsEmpty() bool {
	return len(u.Received) == 0 && len(u.Confirmed) == 0 &&
		len(u.Expired) == 0 && len(u.Spending) == 0 &&
		len(u.ExpiredSpending) == 0 && len(u.Spent) == 0 &&
		len(u.FromSelf) == 0 && len(u.Matured) == 0 &&
		len(u.Immature) == 0
}

// Len returns the number of coin changes in the update.
func (u *UpdatedCoins) Len() int {
	return len(u.Received) + len(u.Confirmed) + len(u.Expired) +
		len(u.Spending) + len(u.ExpiredSpending) + len(u.Spent) +
		len(u.FromSelf) + len(u.Matured) + len(u.Immature)
}
