package txgraph

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// View resolves chain positions of graph transactions against one local
// chain. Results are memoized, so a view must not outlive a mutation of
// either the graph or the chain.
type View struct {
	graph *Graph
	chain *localchain.Chain

	memo     map[chainhash.Hash]fn.Option[ChainPosition]
	visiting map[chainhash.Hash]struct{}
}

// View returns a canonical view of the graph against chain.
func (g *Graph) View(chain *localchain.Chain) *View {
	return &View{
		graph:    g,
		chain:    chain,
		memo:     make(map[chainhash.Hash]fn.Option[ChainPosition]),
		visiting: make(map[chainhash.Hash]struct{}),
	}
}

// confirmedAnchor returns the first anchor of txid whose anchor block is
// part of the chain.
func (v *View) confirmedAnchor(txid chainhash.Hash) fn.Option[Anchor] {
	for _, a := range v.graph.anchors[txid] {
		if v.chain.Contains(a.AnchorBlock) {
			return fn.Some(a)
		}
	}

	return fn.None[Anchor]()
}

// known returns true if the graph holds anything about txid.
func (v *View) known(txid chainhash.Hash) bool {
	if _, ok := v.graph.txs[txid]; ok {
		return true
	}
	if _, ok := v.graph.anchors[txid]; ok {
		return true
	}
	_, ok := v.graph.lastSeen[txid]

	return ok
}

// beats reports whether unconfirmed tx a takes precedence over unconfirmed
// tx b when both spend the same output.
func (v *View) beats(a, b chainhash.Hash) bool {
	seenA := v.graph.LastSeen(a)
	seenB := v.graph.LastSeen(b)

	switch {
	case seenA.IsSome() && seenB.IsNone():
		return true

	case seenA.IsNone() && seenB.IsSome():
		return false

	case seenA.IsSome() && seenB.IsSome():
		sa, sb := seenA.UnsafeFromSome(), seenB.UnsafeFromSome()
		if sa != sb {
			return sa > sb
		}
	}

	return lessHash(b, a)
}

// Position returns the chain position of txid, or None if the transaction
// is not canonical.
//
// A transaction is confirmed if one of its anchors is in the chain.
// Otherwise it is canonical only if it does not conflict with a confirmed
// transaction or with an unconfirmed one seen more recently, and none of
// the transactions it spends from are non-canonical.
func (v *View) Position(txid chainhash.Hash) fn.Option[ChainPosition] {
	if pos, ok := v.memo[txid]; ok {
		return pos
	}
	if !v.known(txid) {
		return fn.None[ChainPosition]()
	}

	// A spend cycle can only come from invalid data. Treat the repeated
	// transaction as non canonical rather than recursing forever.
	if _, ok := v.visiting[txid]; ok {
		return fn.None[ChainPosition]()
	}
	v.visiting[txid] = struct{}{}
	defer delete(v.visiting, txid)

	pos := v.position(txid)
	v.memo[txid] = pos

	return pos
}

func (v *View) position(txid chainhash.Hash) fn.Option[ChainPosition] {
	if anchor := v.confirmedAnchor(txid); anchor.IsSome() {
		return fn.Some(Confirmed(anchor.UnsafeFromSome()))
	}

	tx, ok := v.graph.txs[txid]
	if !ok || blockchain.IsCoinBaseTx(tx) {
		return fn.Some(Unconfirmed(v.graph.LastSeen(txid)))
	}

	for _, in := range tx.TxIn {
		prev := in.PreviousOutPoint

		for conflict := range v.graph.spends[prev] {
			if conflict == txid {
				continue
			}
			if v.confirmedAnchor(conflict).IsSome() {
				return fn.None[ChainPosition]()
			}
			if v.beats(conflict, txid) &&
				v.Position(conflict).IsSome() {

				return fn.None[ChainPosition]()
			}
		}

		if v.known(prev.Hash) && v.Position(prev.Hash).IsNone() {
			return fn.None[ChainPosition]()
		}
	}

	return fn.Some(Unconfirmed(v.graph.LastSeen(txid)))
}

// SpentBy returns the canonical transaction spending op, if any.
func (v *View) SpentBy(op wire.OutPoint) fn.Option[Spend] {
	var (
		best      Spend
		found     bool
		confirmed bool
	)
	for _, txid := range v.graph.Outspends(op) {
		pos := v.Position(txid)
		if pos.IsNone() {
			continue
		}

		p := pos.UnsafeFromSome()
		switch {
		case !found:
		case confirmed:
			continue
		case !p.IsConfirmed() && !v.beats(txid, best.Txid):
			continue
		}
		best = Spend{Txid: txid, Position: p}
		found, confirmed = true, p.IsConfirmed()
	}
	if !found {
		return fn.None[Spend]()
	}

	return fn.Some(best)
}

// FilterChainTxOuts returns the canonical outputs among ops. Outputs that
// are unknown or whose transaction is not canonical are skipped.
func (v *View) FilterChainTxOuts(ops []wire.OutPoint) []FullTxOut {
	outs := make([]FullTxOut, 0, len(ops))
	for _, op := range ops {
		txOut := v.graph.TxOut(op)
		if txOut.IsNone() {
			continue
		}
		pos := v.Position(op.Hash)
		if pos.IsNone() {
			continue
		}

		isCoinbase := fn.MapOptionZ(
			v.graph.Tx(op.Hash), blockchain.IsCoinBaseTx,
		)
		outs = append(outs, FullTxOut{
			OutPoint:     op,
			TxOut:        txOut.UnsafeFromSome(),
			Position:     pos.UnsafeFromSome(),
			SpentBy:      v.SpentBy(op),
			IsOnCoinbase: isCoinbase,
		})
	}

	return outs
}

// CanonicalTxs returns every canonical full transaction along with its
// position, in dependency order.
func (v *View) CanonicalTxs() []CanonicalTx {
	var out []CanonicalTx
	for _, tx := range v.graph.FullTxs() {
		pos := v.Position(tx.TxHash())
		if pos.IsNone() {
			continue
		}
		out = append(out, CanonicalTx{
			Tx:       tx,
			Position: pos.UnsafeFromSome(),
		})
	}

	return out
}

// CanonicalTx is a full transaction with its chain position.
type CanonicalTx struct {
	Tx       *wire.MsgTx
	Position ChainPosition
}
