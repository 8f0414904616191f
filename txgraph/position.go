package txgraph

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Anchor ties a transaction to the block that confirmed it. AnchorBlock is
// the block the anchor is validated against: it is usually the confirmation
// block itself, but anchors restored from persisted state point at the
// persisted tip while keeping the original confirmation height and time.
type Anchor struct {
	ConfirmationHeight int32
	ConfirmationTime   uint32
	AnchorBlock        localchain.BlockChainTip
}

// less orders anchors by confirmation height, then by anchor block.
func (a Anchor) less(b Anchor) bool {
	if a.ConfirmationHeight != b.ConfirmationHeight {
		return a.ConfirmationHeight < b.ConfirmationHeight
	}
	if a.AnchorBlock.Height != b.AnchorBlock.Height {
		return a.AnchorBlock.Height < b.AnchorBlock.Height
	}

	return lessHash(a.AnchorBlock.Hash, b.AnchorBlock.Hash)
}

// ChainPosition describes where a canonical transaction sits: confirmed by
// an anchor in the best chain, or unconfirmed with the epoch it was last
// seen in the mempool, if ever.
type ChainPosition struct {
	Anchor   fn.Option[Anchor]
	LastSeen fn.Option[uint64]
}

// Confirmed returns a position confirmed by the passed anchor.
func Confirmed(a Anchor) ChainPosition {
	return ChainPosition{Anchor: fn.Some(a)}
}

// Unconfirmed returns an unconfirmed position.
func Unconfirmed(lastSeen fn.Option[uint64]) ChainPosition {
	return ChainPosition{LastSeen: lastSeen}
}

// IsConfirmed returns true if the position is anchored in the best chain.
func (p ChainPosition) IsConfirmed() bool {
	return p.Anchor.IsSome()
}

// Spend identifies the canonical transaction spending an output.
type Spend struct {
	Txid     chainhash.Hash
	Position ChainPosition
}

// FullTxOut is a canonical output along with the position of the
// transaction creating it and of the one spending it, if any.
type FullTxOut struct {
	OutPoint     wire.OutPoint
	TxOut        *wire.TxOut
	Position     ChainPosition
	SpentBy      fn.Option[Spend]
	IsOnCoinbase bool
}

// Amount returns the value of the output.
func (o FullTxOut) Amount() btcutil.Amount {
	return btcutil.Amount(o.TxOut.Value)
}

// IsMature reports whether a coinbase output can be spent at tip height.
// Outputs not created by a coinbase are always mature.
func (o FullTxOut) IsMature(tipHeight int32, maturity int32) bool {
	if !o.IsOnCoinbase {
		return true
	}

	return fn.MapOptionZ(o.Position.Anchor, func(a Anchor) bool {
		return tipHeight-a.ConfirmationHeight >= maturity
	})
}
