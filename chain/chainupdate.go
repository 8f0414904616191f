package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// blockHasher resolves the hash of the remote block at a height.
type blockHasher func(ctx context.Context,
	height int32) (fn.Option[chainhash.Hash], error)

// buildChainUpdate returns a chain update connecting local to the remote
// chain whose tip is remoteTip. The update holds:
//   - the highest local checkpoint the remote chain agrees with,
//   - the remote blocks at every other local checkpoint height above it,
//     so that stale local blocks are invalidated,
//   - the last anchorDepth remote blocks up to the tip,
//   - the extra blocks passed in, typically the anchor blocks of the
//     confirmed transactions of the accompanying graph update.
func buildChainUpdate(ctx context.Context, hashAt blockHasher,
	local *localchain.Chain, remoteTip localchain.BlockChainTip,
	extra []localchain.BlockChainTip) (localchain.Update, error) {

	remoteHashAt := func(height int32) (fn.Option[chainhash.Hash], error) {
		switch {
		case height > remoteTip.Height:
			return fn.None[chainhash.Hash](), nil

		case height == remoteTip.Height:
			return fn.Some(remoteTip.Hash), nil
		}

		return hashAt(ctx, height)
	}

	agreement, err := local.FindAgreement(remoteHashAt)
	if err != nil {
		return localchain.Update{}, err
	}
	if agreement.IsNone() {
		remoteGenesis, err := remoteHashAt(0)
		if err != nil {
			return localchain.Update{}, err
		}

		return localchain.Update{}, &GenesisMismatchError{
			Expected: local.Genesis().Hash,
			Remote:   remoteGenesis.UnwrapOr(chainhash.Hash{}),
			Local:    local.Genesis().Hash,
		}
	}
	agreed := agreement.UnsafeFromSome()

	blocks := map[int32]chainhash.Hash{
		agreed.Height:    agreed.Hash,
		remoteTip.Height: remoteTip.Hash,
	}
	addRemote := func(height int32) error {
		if _, ok := blocks[height]; ok {
			return nil
		}
		hash, err := remoteHashAt(height)
		if err != nil {
			return err
		}
		hash.WhenSome(func(h chainhash.Hash) {
			blocks[height] = h
		})

		return nil
	}

	for _, cp := range local.Iter() {
		if cp.Height <= agreed.Height {
			break
		}
		if err := addRemote(cp.Height); err != nil {
			return localchain.Update{}, err
		}
	}

	start := remoteTip.Height - anchorDepth + 1
	if start <= agreed.Height {
		start = agreed.Height + 1
	}
	for height := start; height < remoteTip.Height; height++ {
		if err := addRemote(height); err != nil {
			return localchain.Update{}, err
		}
	}

	// Anchor blocks are only kept if they are still part of the remote
	// chain we are about to hand out.
	for _, b := range extra {
		if b.Height > remoteTip.Height {
			continue
		}
		if h, ok := blocks[b.Height]; ok {
			if h != b.Hash {
				log.Debugf("Dropping stale anchor block %v", b)
			}
			continue
		}
		blocks[b.Height] = b.Hash
	}

	update := localchain.Update{
		Blocks: make([]localchain.BlockChainTip, 0, len(blocks)),
	}
	for height, hash := range blocks {
		update.Blocks = append(update.Blocks, localchain.BlockChainTip{
			Height: height, Hash: hash,
		})
	}

	log.Tracef("Built chain update from agreement %v to tip %v: %v",
		agreed, remoteTip, spewClosure(update.Blocks))

	return update, nil
}
