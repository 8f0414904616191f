package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/txgraph"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config holds the persisted state a Wallet is rebuilt from.
type Config struct {
	// Descriptor derives the wallet scripts.
	Descriptor keychain.Descriptor

	// Genesis is the genesis block hash of the wallet's network.
	Genesis chainhash.Hash

	// Tip is the last block the persisted coins were reconciled at.
	Tip fn.Option[localchain.BlockChainTip]

	// Coins are the persisted coins.
	Coins map[wire.OutPoint]Coin

	// Txs are the persisted deposit and spend transactions of Coins.
	Txs []*wire.MsgTx

	// ReceiveIndex and ChangeIndex are the persisted derivation indices.
	ReceiveIndex uint32
	ChangeIndex  uint32

	// LookAhead is the number of scripts watched past the revealed ones.
	LookAhead uint32
}

// Wallet is the in-memory chain state of a descriptor wallet: a local chain,
// the graph of the transactions touching the wallet and the index of its
// scripts. It is not safe for concurrent use.
type Wallet struct {
	chain *localchain.Chain
	graph *txgraph.Graph
	index *keychain.TxOutIndex
}

// New rebuilds a wallet from persisted state. Confirmed coins and spends are
// anchored at the persisted tip so they stay confirmed until a sync proves
// otherwise. Unconfirmed ones are marked as seen at epoch zero.
func New(cfg *Config) (*Wallet, error) {
	index, err := keychain.NewTxOutIndex(cfg.Descriptor, cfg.LookAhead)
	if err != nil {
		return nil, fmt.Errorf("unable to derive scripts: %w", err)
	}

	w := &Wallet{
		chain: localchain.New(cfg.Genesis),
		graph: txgraph.New(),
		index: index,
	}

	cfg.Tip.WhenSome(func(tip localchain.BlockChainTip) {
		if tip.Height == 0 {
			return
		}
		_, err = w.chain.ApplyUpdate(localchain.Update{
			Blocks: []localchain.BlockChainTip{
				w.chain.Genesis(), tip,
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to restore tip: %w", err)
	}

	if err := w.RevealSpks(cfg.ReceiveIndex, cfg.ChangeIndex); err != nil {
		return nil, err
	}

	update := &txgraph.Update{
		Txs:    cfg.Txs,
		TxOuts: make(map[wire.OutPoint]*wire.TxOut, len(cfg.Coins)),
	}
	anchorAt := func(txid chainhash.Hash, blk BlockInfo) {
		cfg.Tip.WhenSome(func(tip localchain.BlockChainTip) {
			update.Anchors = append(update.Anchors,
				txgraph.AnchoredTx{
					Txid: txid,
					Anchor: txgraph.Anchor{
						ConfirmationHeight: blk.Height,
						ConfirmationTime:   blk.Time,
						AnchorBlock:        tip,
					},
				})
		})
	}
	for op, coin := range cfg.Coins {
		kind := keychain.KindReceive
		if coin.IsChange {
			kind = keychain.KindChange
		}
		spk, err := index.SpkAt(kind, coin.DerivationIndex)
		if err != nil {
			return nil, err
		}
		update.TxOuts[op] = wire.NewTxOut(int64(coin.Amount), spk)

		coin.BlockInfo.WhenSome(func(blk BlockInfo) {
			anchorAt(op.Hash, blk)
		})
		coin.SpendBlock.WhenSome(func(blk BlockInfo) {
			coin.SpendTxid.WhenSome(func(txid chainhash.Hash) {
				anchorAt(txid, blk)
			})
		})
	}
	w.graph.ApplyUpdateAt(update, fn.Some[uint64](0))

	log.Debugf("Restored wallet at tip %v with %d coins and %d txs",
		w.chain.Tip(), len(cfg.Coins), len(cfg.Txs))

	return w, nil
}

// Tip returns the tip of the local chain.
func (w *Wallet) Tip() localchain.BlockChainTip {
	return w.chain.Tip()
}

// LocalChain returns a copy of the local chain.
func (w *Wallet) LocalChain() *localchain.Chain {
	return w.chain.Clone()
}

// RevealSpks reveals the scripts of both keychains up to the passed indices.
func (w *Wallet) RevealSpks(receive, change uint32) error {
	if err := w.index.RevealTo(keychain.KindReceive, receive); err != nil {
		return fmt.Errorf("unable to reveal receive scripts: %w", err)
	}
	if err := w.index.RevealTo(keychain.KindChange, change); err != nil {
		return fmt.Errorf("unable to reveal change scripts: %w", err)
	}

	return nil
}

// LastRevealed returns the last revealed index of a keychain.
func (w *Wallet) LastRevealed(kind keychain.Kind) fn.Option[uint32] {
	return w.index.LastRevealed(kind)
}

// SyncRequest returns the request of an incremental sync: every watched
// script, along with the unconfirmed wallet transactions and their outputs
// so an eviction or a spend is noticed even without script activity.
func (w *Wallet) SyncRequest() *chain.SyncRequest {
	req := &chain.SyncRequest{
		ChainTip: w.chain.Clone(),
		Spks:     w.index.WatchedSpks(),
	}

	view := w.graph.View(w.chain)
	for _, ct := range view.CanonicalTxs() {
		if ct.Position.IsConfirmed() {
			continue
		}
		txid := ct.Tx.TxHash()
		req.Txids = append(req.Txids, txid)
		for i := range ct.Tx.TxOut {
			req.OutPoints = append(req.OutPoints, wire.OutPoint{
				Hash: txid, Index: uint32(i),
			})
		}
	}

	return req
}

// FullScanRequest returns the request of a full scan of both keychains.
func (w *Wallet) FullScanRequest(startHeight int32) *chain.FullScanRequest {
	return &chain.FullScanRequest{
		ChainTip: w.chain.Clone(),
		SpkIters: []*keychain.SpkIter{
			w.index.UnboundedSpkIter(keychain.KindReceive),
			w.index.UnboundedSpkIter(keychain.KindChange),
		},
		StartHeight: startHeight,
	}
}

// ApplyChainUpdate merges a chain update into the local chain. An update that
// doesn't connect means the chain source broke its contract.
func (w *Wallet) ApplyChainUpdate(u localchain.Update) localchain.ChangeSet {
	changes, err := w.chain.ApplyUpdate(u)
	if err != nil {
		panic(fmt.Sprintf("chain update %v does not connect to local "+
			"chain at tip %v: %v", u.Blocks, w.chain.Tip(), err))
	}

	return changes
}

// ApplyGraphUpdate merges a graph update, marking its unconfirmed
// transactions as seen at epoch seenAt.
func (w *Wallet) ApplyGraphUpdate(u *txgraph.Update, seenAt uint64) {
	if u == nil {
		return
	}
	w.graph.ApplyUpdateAt(u, fn.Some(seenAt))
}

// FullTxs returns every full transaction of the graph.
func (w *Wallet) FullTxs() []*wire.MsgTx {
	return w.graph.FullTxs()
}

// walletOutPoints returns the known outputs paying to a wallet script.
func (w *Wallet) walletOutPoints() []wire.OutPoint {
	var ops []wire.OutPoint
	for _, op := range w.graph.AllTxOuts() {
		txOut := w.graph.TxOut(op)
		if txOut.IsNone() {
			continue
		}
		if w.index.Index(txOut.UnsafeFromSome().PkScript).IsSome() {
			ops = append(ops, op)
		}
	}

	return ops
}

// Coins returns the canonical wallet coins, restricted to outpoints if
// given. Unconfirmed deposits and spends that were never seen in the mempool
// are left out, as are the ones not seen at epoch lastSeen if given.
func (w *Wallet) Coins(outpoints fn.Option[[]wire.OutPoint],
	lastSeen fn.Option[uint64]) map[wire.OutPoint]Coin {

	tip := w.chain.Tip()
	view := w.graph.View(w.chain)

	// Unconfirmed positions count only if seen, and at the requested
	// epoch if any.
	seen := func(pos txgraph.ChainPosition) bool {
		if pos.IsConfirmed() {
			return true
		}
		if pos.LastSeen.IsNone() {
			return false
		}

		return lastSeen.IsNone() ||
			lastSeen.UnsafeFromSome() == pos.LastSeen.UnsafeFromSome()
	}

	coins := make(map[wire.OutPoint]Coin)
	for _, out := range view.FilterChainTxOuts(w.walletOutPoints()) {
		if !seen(out.Position) {
			continue
		}

		indexed := w.index.Index(out.TxOut.PkScript)
		if indexed.IsNone() {
			panic(fmt.Sprintf("wallet output %v has no derivation "+
				"index", out.OutPoint))
		}
		idx := indexed.UnsafeFromSome()

		coin := Coin{
			OutPoint:        out.OutPoint,
			Amount:          out.Amount(),
			DerivationIndex: idx.Index,
			IsChange:        idx.Kind.IsChange(),
			BlockInfo:       blockInfo(out.Position),
		}
		coin.IsImmature = out.IsOnCoinbase &&
			!out.IsMature(tip.Height, CoinbaseMaturity)

		out.SpentBy.WhenSome(func(s txgraph.Spend) {
			if !seen(s.Position) {
				return
			}
			coin.SpendTxid = fn.Some(s.Txid)
			coin.SpendBlock = blockInfo(s.Position)
		})

		coins[out.OutPoint] = coin
	}

	w.markFromSelf(coins)

	if outpoints.IsNone() {
		return coins
	}

	restricted := make(map[wire.OutPoint]Coin)
	for _, op := range outpoints.UnsafeFromSome() {
		if coin, ok := coins[op]; ok {
			restricted[op] = coin
		}
	}

	return restricted
}

// markFromSelf sets IsFromSelf on the coins whose deposit transaction only
// spends wallet coins that are confirmed or from self. Transactions are
// visited in dependency order so an unconfirmed parent is settled before its
// children.
func (w *Wallet) markFromSelf(coins map[wire.OutPoint]Coin) {
	fromSelf := make(map[chainhash.Hash]bool)
	for _, tx := range w.graph.FullTxs() {
		txid := tx.TxHash()
		if blockchain.IsCoinBaseTx(tx) || len(tx.TxIn) == 0 {
			continue
		}

		all := true
		for _, in := range tx.TxIn {
			coin, ok := coins[in.PreviousOutPoint]
			spentHere := ok && coin.SpendTxid.UnwrapOr(
				chainhash.Hash{},
			) == txid
			if !spentHere ||
				(!coin.IsConfirmed() && !fromSelf[coin.OutPoint.Hash]) {

				all = false
				break
			}
		}
		fromSelf[txid] = all
	}

	for op, coin := range coins {
		if fromSelf[op.Hash] {
			coin.IsFromSelf = true
			coins[op] = coin
		}
	}
}

// GetTransaction returns a graph transaction along with the block of its
// first anchor.
func (w *Wallet) GetTransaction(txid chainhash.Hash) fn.Option[TxWithBlock] {
	tx := w.graph.Tx(txid)
	if tx.IsNone() {
		return fn.None[TxWithBlock]()
	}

	res := TxWithBlock{Tx: tx.UnsafeFromSome()}
	if anchors := w.graph.Anchors(txid); len(anchors) > 0 {
		a := anchors[0]
		hash := a.AnchorBlock.Hash
		w.chain.Get(a.ConfirmationHeight).WhenSome(
			func(b localchain.BlockChainTip) {
				hash = b.Hash
			},
		)
		res.Block = fn.Some(Block{
			Hash:   hash,
			Height: a.ConfirmationHeight,
			Time:   a.ConfirmationTime,
		})
	}

	return fn.Some(res)
}

func blockInfo(pos txgraph.ChainPosition) fn.Option[BlockInfo] {
	return fn.MapOption(func(a txgraph.Anchor) BlockInfo {
		return BlockInfo{
			Height: a.ConfirmationHeight,
			Time:   a.ConfirmationTime,
		}
	})(pos.Anchor)
}
