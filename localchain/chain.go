package localchain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrCannotConnect is returned when an update shares no block with the
	// local chain, or contradicts the local chain below the point where
	// both agree.
	ErrCannotConnect = errors.New("update does not connect to local chain")

	// ErrMissingGenesis is returned when a chain is built from blocks that
	// do not include height zero.
	ErrMissingGenesis = errors.New("chain has no genesis block")
)

// Update is a sparse set of blocks describing the remote chain. It must
// contain at least one block that is also part of the local chain.
type Update struct {
	Blocks []BlockChainTip
}

// Tip returns the highest block of the update.
func (u Update) Tip() fn.Option[BlockChainTip] {
	var (
		tip   BlockChainTip
		found bool
	)
	for _, b := range u.Blocks {
		if !found || b.Height > tip.Height {
			tip, found = b, true
		}
	}
	if !found {
		return fn.None[BlockChainTip]()
	}

	return fn.Some(tip)
}

// Chain is the wallet's sparse view of the best chain. Blocks are kept
// sorted by height and the first one is always genesis. The previous
// checkpoint of blocks[i] is blocks[i-1].
type Chain struct {
	blocks []BlockChainTip
}

// New returns a chain holding only the passed genesis block.
func New(genesis chainhash.Hash) *Chain {
	return &Chain{
		blocks: []BlockChainTip{{Height: 0, Hash: genesis}},
	}
}

// FromBlocks builds a chain from an unordered list of blocks. Duplicate
// heights must carry the same hash.
func FromBlocks(blocks []BlockChainTip) (*Chain, error) {
	byHeight := make(map[int32]chainhash.Hash, len(blocks))
	for _, b := range blocks {
		if h, ok := byHeight[b.Height]; ok && h != b.Hash {
			return nil, fmt.Errorf("conflicting blocks at height %d",
				b.Height)
		}
		byHeight[b.Height] = b.Hash
	}
	if _, ok := byHeight[0]; !ok {
		return nil, ErrMissingGenesis
	}

	return &Chain{blocks: sortedBlocks(byHeight)}, nil
}

// Genesis returns the block at height zero.
func (c *Chain) Genesis() BlockChainTip {
	return c.blocks[0]
}

// Tip returns the highest checkpoint.
func (c *Chain) Tip() BlockChainTip {
	return c.blocks[len(c.blocks)-1]
}

// Len returns the number of checkpoints.
func (c *Chain) Len() int {
	return len(c.blocks)
}

// search returns the index of height in blocks, or the index it would be
// inserted at along with false.
func (c *Chain) search(height int32) (int, bool) {
	i := sort.Search(len(c.blocks), func(i int) bool {
		return c.blocks[i].Height >= height
	})

	return i, i < len(c.blocks) && c.blocks[i].Height == height
}

// Get returns the checkpoint at height if there is one.
func (c *Chain) Get(height int32) fn.Option[BlockChainTip] {
	i, ok := c.search(height)
	if !ok {
		return fn.None[BlockChainTip]()
	}

	return fn.Some(c.blocks[i])
}

// Below returns the highest checkpoint strictly below height.
func (c *Chain) Below(height int32) fn.Option[BlockChainTip] {
	i, _ := c.search(height)
	if i == 0 {
		return fn.None[BlockChainTip]()
	}

	return fn.Some(c.blocks[i-1])
}

// Contains returns true if the exact block is a checkpoint of the chain.
func (c *Chain) Contains(b BlockChainTip) bool {
	return c.IsInChain(b).UnwrapOr(false)
}

// IsInChain reports whether the block is part of the chain. It returns None
// if nothing is recorded at that height.
func (c *Chain) IsInChain(b BlockChainTip) fn.Option[bool] {
	return fn.MapOption(func(cp BlockChainTip) bool {
		return cp.Hash == b.Hash
	})(c.Get(b.Height))
}

// Iter returns the checkpoints from the tip back to genesis.
func (c *Chain) Iter() []BlockChainTip {
	out := make([]BlockChainTip, len(c.blocks))
	for i, b := range c.blocks {
		out[len(c.blocks)-1-i] = b
	}

	return out
}

// Clone returns an independent copy of the chain, used to hand the current
// view to a chain source without sharing state.
func (c *Chain) Clone() *Chain {
	blocks := make([]BlockChainTip, len(c.blocks))
	copy(blocks, c.blocks)

	return &Chain{blocks: blocks}
}

// FindAgreement walks the chain from the tip downwards and returns the first
// checkpoint whose hash matches the one reported by hashAt. Heights for
// which hashAt returns None are skipped.
func (c *Chain) FindAgreement(
	hashAt func(height int32) (fn.Option[chainhash.Hash], error)) (
	fn.Option[BlockChainTip], error) {

	for i := len(c.blocks) - 1; i >= 0; i-- {
		cp := c.blocks[i]
		remote, err := hashAt(cp.Height)
		if err != nil {
			return fn.None[BlockChainTip](), err
		}
		if remote.IsSome() && remote.UnsafeFromSome() == cp.Hash {
			return fn.Some(cp), nil
		}
	}

	return fn.None[BlockChainTip](), nil
}

// ApplyUpdate merges the update into the chain. Local blocks from the lowest
// height where the update disagrees upwards are dropped before the update's
// blocks are inserted. The returned change set lists every height whose
// block was added, replaced or removed.
func (c *Chain) ApplyUpdate(u Update) (ChangeSet, error) {
	update := make(map[int32]chainhash.Hash, len(u.Blocks))
	for _, b := range u.Blocks {
		if h, ok := update[b.Height]; ok && h != b.Hash {
			return nil, fmt.Errorf("%w: update has two blocks at "+
				"height %d", ErrCannotConnect, b.Height)
		}
		update[b.Height] = b.Hash
	}

	var (
		agreement    int32 = -1
		lowestBreak  int32 = -1
		hasConflicts bool
	)
	for height, hash := range update {
		local := c.Get(height)
		if local.IsNone() {
			continue
		}
		if local.UnsafeFromSome().Hash == hash {
			if height > agreement {
				agreement = height
			}
			continue
		}
		if !hasConflicts || height < lowestBreak {
			lowestBreak = height
		}
		hasConflicts = true
	}

	switch {
	case agreement < 0:
		return nil, ErrCannotConnect

	case hasConflicts && lowestBreak < agreement:
		return nil, fmt.Errorf("%w: update disagrees at height %d "+
			"below agreement at %d", ErrCannotConnect, lowestBreak,
			agreement)
	}

	merged := make(map[int32]chainhash.Hash, len(c.blocks)+len(update))
	for _, b := range c.blocks {
		if hasConflicts && b.Height >= lowestBreak {
			continue
		}
		merged[b.Height] = b.Hash
	}
	for height, hash := range update {
		merged[height] = hash
	}

	if hasConflicts {
		log.Debugf("Invalidating local chain from height %d, "+
			"agreement at %d", lowestBreak, agreement)
	}

	changes := diff(c.blocks, merged)
	c.blocks = sortedBlocks(merged)

	return changes, nil
}

// RollbackTo truncates the chain so that tip becomes its highest checkpoint.
// The block must already be part of the chain. Genesis is never removed.
func (c *Chain) RollbackTo(tip BlockChainTip) {
	i, ok := c.search(tip.Height)
	if !ok || c.blocks[i].Hash != tip.Hash {
		panic(fmt.Sprintf("rollback target %v is not in the local "+
			"chain", tip))
	}

	c.blocks = c.blocks[:i+1]
}

// diff compares the old checkpoints with the merged map and returns the
// ascending list of changed heights.
func diff(old []BlockChainTip,
	merged map[int32]chainhash.Hash) ChangeSet {

	var changes ChangeSet
	seen := make(map[int32]struct{}, len(old))
	for _, b := range old {
		seen[b.Height] = struct{}{}
		h, ok := merged[b.Height]
		switch {
		case !ok:
			changes = append(changes, BlockChange{
				Height: b.Height,
				Hash:   fn.None[chainhash.Hash](),
			})

		case h != b.Hash:
			changes = append(changes, BlockChange{
				Height: b.Height,
				Hash:   fn.Some(h),
			})
		}
	}
	for height, hash := range merged {
		if _, ok := seen[height]; ok {
			continue
		}
		changes = append(changes, BlockChange{
			Height: height,
			Hash:   fn.Some(hash),
		})
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Height < changes[j].Height
	})

	return changes
}

func sortedBlocks(byHeight map[int32]chainhash.Hash) []BlockChainTip {
	blocks := make([]BlockChainTip, 0, len(byHeight))
	for height, hash := range byHeight {
		blocks = append(blocks, BlockChainTip{Height: height, Hash: hash})
	}
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Height < blocks[j].Height
	})

	return blocks
}
