package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// SyncerConfig configures a Syncer.
type SyncerConfig struct {
	// Client is the chain source the wallet syncs against.
	Client chain.Interface

	// Wallet is the in-memory wallet state the syncer takes ownership
	// of.
	Wallet *Wallet

	// Params is the network the wallet runs on.
	Params *netparams.Params

	// StopGap is the number of consecutive unused scripts after which a
	// full scan stops walking a keychain.
	StopGap uint32

	// BatchSize is the number of scripts queried per full scan round
	// trip.
	BatchSize uint32

	// RescanHeight is the first block a block-walking source inspects on
	// a full scan.
	RescanHeight int32
}

// Syncer drives the synchronization of a Wallet against a chain source. It
// owns the wallet exclusively and is not safe for concurrent use: the Poller
// serializes every access to it.
type Syncer struct {
	cfg SyncerConfig

	// syncCount is the epoch stamped on the unconfirmed transactions seen
	// during a sync. It increases by one per sync.
	syncCount uint64

	fullScan bool

	// pendingRollback is the lowest reorg ancestor not yet rolled back
	// in the database.
	pendingRollback fn.Option[localchain.BlockChainTip]
}

// NewSyncer returns a syncer taking ownership of the configured wallet.
func NewSyncer(cfg *SyncerConfig) *Syncer {
	c := *cfg
	if c.StopGap == 0 {
		c.StopGap = chain.DefaultStopGap
	}
	if c.BatchSize == 0 {
		c.BatchSize = chain.DefaultBatchSize
	}

	return &Syncer{cfg: c}
}

// SanityCheck makes sure the chain source and the wallet both follow the
// chain of the configured network.
func (s *Syncer) SanityCheck(ctx context.Context) error {
	remote, err := s.cfg.Client.GenesisBlock(ctx)
	if err != nil {
		return fmt.Errorf("unable to fetch genesis block: %w", err)
	}

	expected := s.cfg.Params.ExpectedGenesis
	local := s.cfg.Wallet.chain.Genesis().Hash
	if remote.Hash != expected || local != expected {
		return &chain.GenesisMismatchError{
			Expected: expected,
			Remote:   remote.Hash,
			Local:    local,
		}
	}

	return nil
}

// TriggerRescan makes the next sync a full scan.
func (s *Syncer) TriggerRescan() {
	log.Infof("Rescan triggered, next sync is a full scan")
	s.fullScan = true
}

// IsRescanning returns true if the next sync is a full scan.
func (s *Syncer) IsRescanning() bool {
	return s.fullScan || s.cfg.Wallet.Tip().Height == 0
}

// RescanProgress returns the progress of the rescan, zero while one is
// pending and one otherwise.
func (s *Syncer) RescanProgress() float64 {
	if s.IsRescanning() {
		return 0
	}

	return 1
}

// WalletTip returns the tip of the local chain.
func (s *Syncer) WalletTip() localchain.BlockChainTip {
	return s.cfg.Wallet.Tip()
}

// SyncCount returns the number of syncs performed.
func (s *Syncer) SyncCount() uint64 {
	return s.syncCount
}

// PopulateTxCache hands the wallet transactions to the chain source so they
// aren't fetched again.
func (s *Syncer) PopulateTxCache() {
	s.cfg.Client.PopulateTxCache(s.cfg.Wallet.FullTxs())
}

// WalletCoins returns the wallet coins, see Wallet.Coins.
func (s *Syncer) WalletCoins(outpoints fn.Option[[]wire.OutPoint],
	lastSeen fn.Option[uint64]) map[wire.OutPoint]Coin {

	return s.cfg.Wallet.Coins(outpoints, lastSeen)
}

// GetTransaction returns a wallet transaction, see Wallet.GetTransaction.
func (s *Syncer) GetTransaction(txid chainhash.Hash) fn.Option[TxWithBlock] {
	return s.cfg.Wallet.GetTransaction(txid)
}

// MempoolEntry returns the fee information of an unconfirmed transaction.
func (s *Syncer) MempoolEntry(ctx context.Context,
	txid chainhash.Hash) (fn.Option[chain.MempoolEntry], error) {

	return s.cfg.Client.MempoolEntry(ctx, txid)
}

// SyncWallet brings the wallet up to date with the chain source. The scripts
// are first revealed up to the passed indices. If the sync replaced blocks
// the wallet had already seen, the highest block below the first replaced
// one is returned: every confirmation or spend recorded above it must be
// rolled back by the caller, which then calls RollbackDone. Until it does,
// later syncs keep returning the lowest such block.
func (s *Syncer) SyncWallet(ctx context.Context, receiveIndex,
	changeIndex uint32) (fn.Option[localchain.BlockChainTip], error) {

	none := fn.None[localchain.BlockChainTip]()
	w := s.cfg.Wallet

	if err := w.RevealSpks(receiveIndex, changeIndex); err != nil {
		return none, err
	}
	s.PopulateTxCache()

	var (
		resp       *chain.SyncResponse
		lastActive map[keychain.Kind]uint32
		fullScan   = s.IsRescanning()
	)
	if fullScan {
		log.Infof("Starting full scan from tip %v", w.Tip())

		full, err := s.cfg.Client.FullScan(
			ctx, w.FullScanRequest(s.cfg.RescanHeight),
			s.cfg.StopGap, s.cfg.BatchSize,
		)
		if err != nil {
			return none, fmt.Errorf("full scan: %w", err)
		}
		resp, lastActive = &full.SyncResponse, full.LastActiveIndices
	} else {
		req := w.SyncRequest()
		log.Tracef("Sync request: %v", spewClosure(req))

		var err error
		resp, err = s.cfg.Client.Sync(ctx, req, false)
		if err != nil {
			return none, fmt.Errorf("sync: %w", err)
		}
	}

	// The chain is updated before the graph so that new anchors point to
	// known blocks, and the reorg is detected from the chain changes
	// alone.
	old := w.LocalChain()
	changes := w.ApplyChainUpdate(resp.ChainUpdate)
	reorg := reorgAncestor(old, changes)
	reorg.WhenSome(func(a localchain.BlockChainTip) {
		log.Infof("Reorg detected, common ancestor is %v", a)
	})
	ancestor := lowerTip(s.pendingRollback, reorg)
	s.pendingRollback = ancestor

	s.syncCount++
	w.ApplyGraphUpdate(resp.GraphUpdate, s.syncCount)

	if fullScan {
		for kind, idx := range lastActive {
			var err error
			switch kind {
			case keychain.KindReceive:
				err = w.RevealSpks(idx, 0)
			case keychain.KindChange:
				err = w.RevealSpks(0, idx)
			}
			if err != nil {
				return none, err
			}
		}
		s.fullScan = false
	}

	log.Debugf("Sync %d done, tip %v", s.syncCount, w.Tip())

	return ancestor, nil
}

// RollbackDone records that the database was rolled back to the ancestor
// returned by the last SyncWallet.
func (s *Syncer) RollbackDone() {
	s.pendingRollback = fn.None[localchain.BlockChainTip]()
}

// lowerTip returns the lowest of two optional blocks.
func lowerTip(a, b fn.Option[localchain.BlockChainTip]) (
	fn.Option[localchain.BlockChainTip]) {

	if a.IsNone() {
		return b
	}
	if b.IsNone() || a.UnsafeFromSome().Height <= b.UnsafeFromSome().Height {
		return a
	}

	return b
}

// reorgAncestor returns the highest block of old below the first height at
// or under the old tip whose block was replaced or removed.
func reorgAncestor(old *localchain.Chain,
	changes localchain.ChangeSet) fn.Option[localchain.BlockChainTip] {

	oldTip := old.Tip()
	for _, c := range changes {
		if c.Height > oldTip.Height {
			break
		}
		if old.Get(c.Height).IsNone() {
			continue
		}

		ancestor := old.Below(c.Height)
		if ancestor.IsNone() {
			panic(fmt.Sprintf("reorg at height %d leaves no "+
				"ancestor", c.Height))
		}

		return ancestor
	}

	return fn.None[localchain.BlockChainTip]()
}
