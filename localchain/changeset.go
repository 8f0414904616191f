package localchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BlockChange records the new state of a single height after an update was
// applied. A None hash means the block at that height was removed.
type BlockChange struct {
	Height int32
	Hash   fn.Option[chainhash.Hash]
}

// ChangeSet lists the heights touched by an update, in ascending order.
type ChangeSet []BlockChange

// IsEmpty returns true if the update did not change the chain.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs) == 0
}
