package localchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockChainTip identifies a block by its height and hash. Two tips at the
// same height may belong to different chains, so equality always compares
// the hash as well.
type BlockChainTip struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns the tip as height:hash.
func (t BlockChainTip) String() string {
	return fmt.Sprintf("%d:%v", t.Height, t.Hash)
}

// Equal returns true if both tips refer to the same block.
func (t BlockChainTip) Equal(other BlockChainTip) bool {
	return t.Height == other.Height && t.Hash == other.Hash
}

// IsGenesis returns true if the tip is at height zero.
func (t BlockChainTip) IsGenesis() bool {
	return t.Height == 0
}
