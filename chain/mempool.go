package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/txgraph"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// mempoolSource is the part of a chain source the mempool walk needs.
type mempoolSource interface {
	ChainTip(ctx context.Context) (localchain.BlockChainTip, error)
	GenesisBlock(ctx context.Context) (localchain.BlockChainTip, error)
	Sync(ctx context.Context, req *SyncRequest,
		fetchPrevTxOuts bool) (*SyncResponse, error)
	PopulateTxCache(txs []*wire.MsgTx)
}

// tipChangedError is returned when the tip of the source moved during a
// mempool walk.
type tipChangedError struct {
	expected localchain.BlockChainTip
	actual   localchain.BlockChainTip
}

func (e *tipChangedError) Error() string {
	return fmt.Sprintf("%v: expected %v, got %v", ErrTipChanged,
		e.expected, e.actual)
}

func (e *tipChangedError) Unwrap() error {
	return ErrTipChanged
}

// mempoolWalk holds the state of a single walk. It is discarded entirely if
// the tip changes.
type mempoolWalk struct {
	src mempoolSource

	local *localchain.Chain
	graph *txgraph.Graph

	// refTip is the tip the walk is pinned to once the first sync is
	// done.
	refTip fn.Option[localchain.BlockChainTip]

	// epoch stamps the unconfirmed txs of every sync so conflicts are
	// resolved in favor of what the source reported last.
	epoch uint64
}

// newMempoolWalk returns a walk whose local chain holds genesis and tip.
func newMempoolWalk(ctx context.Context, src mempoolSource,
	tip localchain.BlockChainTip) (*mempoolWalk, error) {

	genesis, err := src.GenesisBlock(ctx)
	if err != nil {
		return nil, err
	}

	local := localchain.New(genesis.Hash)
	if tip.Height > 0 {
		_, err := local.ApplyUpdate(localchain.Update{
			Blocks: []localchain.BlockChainTip{genesis, tip},
		})
		if err != nil {
			return nil, err
		}
	}

	return &mempoolWalk{
		src:   src,
		local: local,
		graph: txgraph.New(),
	}, nil
}

// sync runs a sync against the walk's chain and merges the result. Once the
// reference tip is set, any movement of the tip fails the sync.
func (w *mempoolWalk) sync(ctx context.Context, req *SyncRequest,
	fetchPrevTxOuts bool) error {

	w.src.PopulateTxCache(w.graph.FullTxs())

	req.ChainTip = w.local.Clone()
	resp, err := w.src.Sync(ctx, req, fetchPrevTxOuts)
	if err != nil {
		return err
	}

	if _, err := w.local.ApplyUpdate(resp.ChainUpdate); err != nil {
		return fmt.Errorf("apply chain update: %w", err)
	}
	if w.refTip.IsSome() && !w.local.Tip().Equal(w.refTip.UnsafeFromSome()) {
		return &tipChangedError{
			expected: w.refTip.UnsafeFromSome(),
			actual:   w.local.Tip(),
		}
	}

	w.epoch++
	w.graph.ApplyUpdateAt(resp.GraphUpdate, fn.Some(w.epoch))

	return nil
}

// pin fixes the reference tip. If expected is set and differs, the walk is
// already stale.
func (w *mempoolWalk) pin(expected fn.Option[localchain.BlockChainTip]) error {
	tip := w.local.Tip()
	w.refTip = fn.Some(tip)
	if expected.IsSome() && !expected.UnsafeFromSome().Equal(tip) {
		return &tipChangedError{
			expected: expected.UnsafeFromSome(),
			actual:   tip,
		}
	}

	return nil
}

// unconfirmed returns the canonical unconfirmed tx with the given txid.
func (w *mempoolWalk) unconfirmed(view *txgraph.View,
	txid chainhash.Hash) fn.Option[*wire.MsgTx] {

	pos := view.Position(txid)
	if pos.IsNone() || pos.UnsafeFromSome().IsConfirmed() {
		return fn.None[*wire.MsgTx]()
	}

	return w.graph.Tx(txid)
}

// mempoolEntries computes the mempool entries of the unconfirmed txs among
// txids. If expected is set, ErrTipChanged is returned as soon as the tip
// differs from it. Otherwise the walk restarts from scratch when the tip
// moves, up to MaxTipChangeRestarts times.
func mempoolEntries(ctx context.Context, src mempoolSource,
	txids []chainhash.Hash,
	expected fn.Option[localchain.BlockChainTip]) ([]MempoolEntry, error) {

	for restarts := 0; ; restarts++ {
		entries, err := walkMempool(ctx, src, txids, expected)
		if err == nil || !errors.Is(err, ErrTipChanged) ||
			expected.IsSome() {

			return entries, err
		}
		if restarts >= MaxTipChangeRestarts {
			return nil, fmt.Errorf("giving up after %d restarts: %w",
				restarts, err)
		}

		log.Debugf("Chain tip changed while getting mempool entries, "+
			"restarting: %v", err)
	}
}

func walkMempool(ctx context.Context, src mempoolSource,
	txids []chainhash.Hash,
	expected fn.Option[localchain.BlockChainTip]) ([]MempoolEntry, error) {

	log.Debugf("Getting mempool entries for txids %v", txids)

	tip, err := expected.UnwrapOrFuncErr(
		func() (localchain.BlockChainTip, error) {
			return src.ChainTip(ctx)
		},
	)
	if err != nil {
		return nil, err
	}

	w, err := newMempoolWalk(ctx, src, tip)
	if err != nil {
		return nil, err
	}

	// First sync the targets themselves. The tip after this sync is the
	// reference for the rest of the walk.
	if err := w.sync(ctx, &SyncRequest{Txids: txids}, false); err != nil {
		return nil, err
	}
	if err := w.pin(expected); err != nil {
		return nil, err
	}

	wanted := make(map[chainhash.Hash]struct{}, len(txids))
	for _, txid := range txids {
		wanted[txid] = struct{}{}
	}

	var (
		view    = w.graph.View(w.local)
		targets []*wire.MsgTx
		descOps []wire.OutPoint
	)
	for _, ct := range view.CanonicalTxs() {
		txid := ct.Tx.TxHash()
		if _, ok := wanted[txid]; !ok || ct.Position.IsConfirmed() {
			continue
		}
		targets = append(targets, ct.Tx)
		descOps = append(descOps, outPoints(ct.Tx)...)
	}

	// Walk descendants depth by depth. Previous outputs are fetched since
	// a descendant may also spend a confirmed output we do not know.
	visited := make(map[chainhash.Hash]struct{})
	for len(descOps) > 0 {
		log.Tracef("Syncing descendant outpoints %v", descOps)

		err := w.sync(ctx, &SyncRequest{OutPoints: descOps}, true)
		if err != nil {
			return nil, err
		}

		view = w.graph.View(w.local)
		var next []wire.OutPoint
		for _, out := range view.FilterChainTxOuts(descOps) {
			out.SpentBy.WhenSome(func(s txgraph.Spend) {
				if _, ok := visited[s.Txid]; ok {
					return
				}
				visited[s.Txid] = struct{}{}

				w.graph.Tx(s.Txid).WhenSome(func(tx *wire.MsgTx) {
					next = append(next, outPoints(tx)...)
				})
			})
		}
		descOps = next
	}

	// Walk ancestors until every branch reaches a confirmed tx.
	var ancTxids []chainhash.Hash
	for _, tx := range targets {
		ancTxids = append(ancTxids, parentTxids(tx)...)
	}
	visited = make(map[chainhash.Hash]struct{})
	for len(ancTxids) > 0 {
		log.Tracef("Syncing ancestor txids %v", ancTxids)

		err := w.sync(ctx, &SyncRequest{Txids: ancTxids}, false)
		if err != nil {
			return nil, err
		}

		view = w.graph.View(w.local)
		var next []chainhash.Hash
		for _, txid := range ancTxids {
			if _, ok := visited[txid]; ok {
				continue
			}
			visited[txid] = struct{}{}

			w.unconfirmed(view, txid).WhenSome(func(tx *wire.MsgTx) {
				next = append(next, parentTxids(tx)...)
			})
		}
		ancTxids = next
	}

	view = w.graph.View(w.local)
	entries := make([]MempoolEntry, 0, len(targets))
	for _, tx := range targets {
		entry, err := w.entry(view, tx)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// entry computes the fees and sizes of tx from the walked graph.
func (w *mempoolWalk) entry(view *txgraph.View,
	tx *wire.MsgTx) (MempoolEntry, error) {

	txid := tx.TxHash()
	base, err := w.graph.CalculateFee(tx)
	if err != nil {
		return MempoolEntry{}, fmt.Errorf("fee of %v: %w", txid, err)
	}
	size := uint64(mempool.GetTxVirtualSize(btcutil.NewTx(tx)))

	entry := MempoolEntry{
		Txid:  txid,
		VSize: size,
		Fees: MempoolEntryFees{
			Base:       base,
			Ancestor:   base,
			Descendant: base,
		},
		AncestorVSize: size,
	}

	for _, desc := range w.descendants(view, tx) {
		fee, err := w.graph.CalculateFee(desc)
		if err != nil {
			return MempoolEntry{}, fmt.Errorf("fee of descendant "+
				"%v: %w", desc.TxHash(), err)
		}
		entry.Fees.Descendant += fee
	}

	for _, anc := range w.ancestors(view, tx) {
		fee, err := w.graph.CalculateFee(anc)
		if err != nil {
			return MempoolEntry{}, fmt.Errorf("fee of ancestor "+
				"%v: %w", anc.TxHash(), err)
		}
		entry.Fees.Ancestor += fee
		entry.AncestorVSize += uint64(
			mempool.GetTxVirtualSize(btcutil.NewTx(anc)),
		)
	}

	log.Debugf("Mempool entry of %v: %v", txid, spewClosure(entry))

	return entry, nil
}

// descendants returns the canonical unconfirmed txs spending from tx,
// directly or not, excluding tx itself.
func (w *mempoolWalk) descendants(view *txgraph.View,
	tx *wire.MsgTx) []*wire.MsgTx {

	var (
		out     []*wire.MsgTx
		seen    = map[chainhash.Hash]struct{}{tx.TxHash(): {}}
		pending = []*wire.MsgTx{tx}
	)
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]

		for _, op := range outPoints(cur) {
			for _, spender := range w.graph.Outspends(op) {
				if _, ok := seen[spender]; ok {
					continue
				}
				seen[spender] = struct{}{}

				w.unconfirmed(view, spender).WhenSome(
					func(desc *wire.MsgTx) {
						out = append(out, desc)
						pending = append(pending, desc)
					},
				)
			}
		}
	}

	return out
}

// ancestors returns the canonical unconfirmed txs tx spends from, directly
// or not, excluding tx itself.
func (w *mempoolWalk) ancestors(view *txgraph.View,
	tx *wire.MsgTx) []*wire.MsgTx {

	var (
		out     []*wire.MsgTx
		seen    = map[chainhash.Hash]struct{}{tx.TxHash(): {}}
		pending = []*wire.MsgTx{tx}
	)
	for len(pending) > 0 {
		cur := pending[0]
		pending = pending[1:]

		for _, parent := range parentTxids(cur) {
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}

			w.unconfirmed(view, parent).WhenSome(
				func(anc *wire.MsgTx) {
					out = append(out, anc)
					pending = append(pending, anc)
				},
			)
		}
	}

	return out
}

// mempoolEntry returns the mempool entry of txid, or None if it is not
// unconfirmed.
func mempoolEntry(ctx context.Context, src mempoolSource,
	txid chainhash.Hash) (fn.Option[MempoolEntry], error) {

	entries, err := mempoolEntries(
		ctx, src, []chainhash.Hash{txid},
		fn.None[localchain.BlockChainTip](),
	)
	if err != nil {
		return fn.None[MempoolEntry](), err
	}
	if len(entries) == 0 {
		return fn.None[MempoolEntry](), nil
	}

	return fn.Some(entries[0]), nil
}

// mempoolSpenders returns the mempool entries of the txs spending any of
// the outpoints. The whole computation restarts if the tip moves.
func mempoolSpenders(ctx context.Context, src mempoolSource,
	ops []wire.OutPoint) ([]MempoolEntry, error) {

	for restarts := 0; ; restarts++ {
		entries, err := walkSpenders(ctx, src, ops)
		if err == nil || !errors.Is(err, ErrTipChanged) {
			return entries, err
		}
		if restarts >= MaxTipChangeRestarts {
			return nil, fmt.Errorf("giving up after %d restarts: %w",
				restarts, err)
		}

		log.Debugf("Chain tip changed while getting mempool spenders, "+
			"restarting: %v", err)
	}
}

func walkSpenders(ctx context.Context, src mempoolSource,
	ops []wire.OutPoint) ([]MempoolEntry, error) {

	log.Debugf("Getting mempool spenders of %v", ops)

	tip, err := src.ChainTip(ctx)
	if err != nil {
		return nil, err
	}
	w, err := newMempoolWalk(ctx, src, tip)
	if err != nil {
		return nil, err
	}
	if err := w.sync(ctx, &SyncRequest{OutPoints: ops}, false); err != nil {
		return nil, err
	}
	refTip := w.local.Tip()

	seen := make(map[chainhash.Hash]struct{})
	var txids []chainhash.Hash
	for _, op := range ops {
		for _, txid := range w.graph.Outspends(op) {
			if _, ok := seen[txid]; ok {
				continue
			}
			seen[txid] = struct{}{}
			txids = append(txids, txid)
		}
	}
	if len(txids) == 0 {
		return nil, nil
	}

	return mempoolEntries(ctx, src, txids, fn.Some(refTip))
}

// outPoints returns every outpoint created by tx.
func outPoints(tx *wire.MsgTx) []wire.OutPoint {
	txid := tx.TxHash()
	ops := make([]wire.OutPoint, len(tx.TxOut))
	for i := range tx.TxOut {
		ops[i] = wire.OutPoint{Hash: txid, Index: uint32(i)}
	}

	return ops
}

// parentTxids returns the distinct txids tx spends from.
func parentTxids(tx *wire.MsgTx) []chainhash.Hash {
	var (
		out  []chainhash.Hash
		seen = make(map[chainhash.Hash]struct{}, len(tx.TxIn))
	)
	for _, in := range tx.TxIn {
		h := in.PreviousOutPoint.Hash
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	return out
}
