package txgraph

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrMissingTxOut is returned when a fee cannot be computed because one of
// the spent outputs is unknown to the graph.
var ErrMissingTxOut = errors.New("previous output not in graph")

// AnchoredTx pairs a txid with an anchor confirming it.
type AnchoredTx struct {
	Txid   chainhash.Hash
	Anchor Anchor
}

// Update carries data fetched from a chain source that should be merged
// into the graph.
type Update struct {
	// Txs are full transactions touching the watched scripts, outpoints
	// or txids.
	Txs []*wire.MsgTx

	// TxOuts are floating outputs whose transaction was not fetched,
	// typically previous outputs needed for fee computation.
	TxOuts map[wire.OutPoint]*wire.TxOut

	// Anchors confirm transactions in blocks that are part of the
	// accompanying chain update.
	Anchors []AnchoredTx
}

// IsEmpty returns true if the update carries nothing.
func (u *Update) IsEmpty() bool {
	return len(u.Txs) == 0 && len(u.TxOuts) == 0 && len(u.Anchors) == 0
}

// Graph is the set of transactions known to the wallet along with the
// spend index, anchors and last seen epochs needed to decide which of them
// are canonical.
type Graph struct {
	txs      map[chainhash.Hash]*wire.MsgTx
	txOuts   map[wire.OutPoint]*wire.TxOut
	spends   map[wire.OutPoint]map[chainhash.Hash]struct{}
	anchors  map[chainhash.Hash][]Anchor
	lastSeen map[chainhash.Hash]uint64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		txs:      make(map[chainhash.Hash]*wire.MsgTx),
		txOuts:   make(map[wire.OutPoint]*wire.TxOut),
		spends:   make(map[wire.OutPoint]map[chainhash.Hash]struct{}),
		anchors:  make(map[chainhash.Hash][]Anchor),
		lastSeen: make(map[chainhash.Hash]uint64),
	}
}

// InsertTx adds a full transaction. It returns false if it was already
// known.
func (g *Graph) InsertTx(tx *wire.MsgTx) bool {
	txid := tx.TxHash()
	if _, ok := g.txs[txid]; ok {
		return false
	}

	g.txs[txid] = tx
	if blockchain.IsCoinBaseTx(tx) {
		return true
	}
	for _, in := range tx.TxIn {
		spenders, ok := g.spends[in.PreviousOutPoint]
		if !ok {
			spenders = make(map[chainhash.Hash]struct{})
			g.spends[in.PreviousOutPoint] = spenders
		}
		spenders[txid] = struct{}{}
	}

	return true
}

// InsertTxOut adds a floating output. Outputs of full transactions already
// in the graph are ignored.
func (g *Graph) InsertTxOut(op wire.OutPoint, out *wire.TxOut) {
	if _, ok := g.txs[op.Hash]; ok {
		return
	}
	g.txOuts[op] = out
}

// InsertAnchor records that txid is confirmed by the anchor.
func (g *Graph) InsertAnchor(txid chainhash.Hash, a Anchor) {
	existing := g.anchors[txid]
	for _, e := range existing {
		if e == a {
			return
		}
	}

	anchors := append(existing, a)
	sort.Slice(anchors, func(i, j int) bool {
		return anchors[i].less(anchors[j])
	})
	g.anchors[txid] = anchors
}

// InsertSeenAt records that txid was seen unconfirmed at epoch. Last seen
// values never move backwards.
func (g *Graph) InsertSeenAt(txid chainhash.Hash, epoch uint64) {
	if cur, ok := g.lastSeen[txid]; ok && cur >= epoch {
		return
	}
	g.lastSeen[txid] = epoch
}

// ApplyUpdate merges the update without touching last seen values.
func (g *Graph) ApplyUpdate(u *Update) {
	g.ApplyUpdateAt(u, fn.None[uint64]())
}

// ApplyUpdateAt merges the update. If seenAt is set, every transaction of
// the update that the update does not anchor is marked as seen at that
// epoch.
func (g *Graph) ApplyUpdateAt(u *Update, seenAt fn.Option[uint64]) {
	for _, tx := range u.Txs {
		g.InsertTx(tx)
	}
	for op, out := range u.TxOuts {
		g.InsertTxOut(op, out)
	}

	anchored := make(map[chainhash.Hash]struct{}, len(u.Anchors))
	for _, a := range u.Anchors {
		g.InsertAnchor(a.Txid, a.Anchor)
		anchored[a.Txid] = struct{}{}
	}

	seenAt.WhenSome(func(epoch uint64) {
		for _, tx := range u.Txs {
			txid := tx.TxHash()
			if _, ok := anchored[txid]; ok {
				continue
			}
			g.InsertSeenAt(txid, epoch)
		}
	})

	log.Tracef("Applied graph update: %d txs, %d txouts, %d anchors",
		len(u.Txs), len(u.TxOuts), len(u.Anchors))
}

// Tx returns the full transaction if it is known.
func (g *Graph) Tx(txid chainhash.Hash) fn.Option[*wire.MsgTx] {
	tx, ok := g.txs[txid]
	if !ok {
		return fn.None[*wire.MsgTx]()
	}

	return fn.Some(tx)
}

// TxOut returns the output at op from a full transaction or a floating
// output.
func (g *Graph) TxOut(op wire.OutPoint) fn.Option[*wire.TxOut] {
	if tx, ok := g.txs[op.Hash]; ok {
		if op.Index >= uint32(len(tx.TxOut)) {
			return fn.None[*wire.TxOut]()
		}
		return fn.Some(tx.TxOut[op.Index])
	}
	if out, ok := g.txOuts[op]; ok {
		return fn.Some(out)
	}

	return fn.None[*wire.TxOut]()
}

// Anchors returns the anchors of txid ordered by confirmation height.
func (g *Graph) Anchors(txid chainhash.Hash) []Anchor {
	return g.anchors[txid]
}

// LastSeen returns the last epoch txid was seen unconfirmed.
func (g *Graph) LastSeen(txid chainhash.Hash) fn.Option[uint64] {
	seen, ok := g.lastSeen[txid]
	if !ok {
		return fn.None[uint64]()
	}

	return fn.Some(seen)
}

// Outspends returns the txids of every known transaction spending op,
// ordered by txid.
func (g *Graph) Outspends(op wire.OutPoint) []chainhash.Hash {
	spenders := make([]chainhash.Hash, 0, len(g.spends[op]))
	for txid := range g.spends[op] {
		spenders = append(spenders, txid)
	}
	sortHashes(spenders)

	return spenders
}

// FullTxs returns every full transaction in dependency order.
func (g *Graph) FullTxs() []*wire.MsgTx {
	return DependencySort(g.txs)
}

// AllTxOuts returns the outpoints of every known output, full and floating.
func (g *Graph) AllTxOuts() []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(g.txOuts))
	for txid, tx := range g.txs {
		for i := range tx.TxOut {
			ops = append(ops, wire.OutPoint{
				Hash: txid, Index: uint32(i),
			})
		}
	}
	for op := range g.txOuts {
		if _, ok := g.txs[op.Hash]; ok {
			continue
		}
		ops = append(ops, op)
	}

	return ops
}

// CalculateFee returns the fee paid by tx. Every spent output must be known
// to the graph. Coinbase transactions pay no fee.
func (g *Graph) CalculateFee(tx *wire.MsgTx) (btcutil.Amount, error) {
	if blockchain.IsCoinBaseTx(tx) {
		return 0, nil
	}

	var in, out int64
	for _, txIn := range tx.TxIn {
		prev := g.TxOut(txIn.PreviousOutPoint)
		if prev.IsNone() {
			return 0, fmt.Errorf("%w: %v", ErrMissingTxOut,
				txIn.PreviousOutPoint)
		}
		in += prev.UnsafeFromSome().Value
	}
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}
	if out > in {
		return 0, fmt.Errorf("tx %v spends more than its inputs",
			tx.TxHash())
	}

	return btcutil.Amount(in - out), nil
}

func lessHash(a, b chainhash.Hash) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
