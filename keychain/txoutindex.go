package keychain

import (
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxOutIndex tracks the scripts derived from a descriptor. Every branch is
// derived up to its last revealed index plus a look-ahead window so that
// outputs paying to addresses handed out out of order are still recognized.
type TxOutIndex struct {
	desc      Descriptor
	lookAhead uint32

	// spks holds the derived scripts of each branch, indexed by
	// derivation index.
	spks [2][][]byte

	// revealed is the last revealed index of each branch.
	revealed [2]fn.Option[uint32]

	// bySpk maps a script to its position.
	bySpk map[string]Indexed
}

// NewTxOutIndex returns an index that keeps lookAhead scripts derived past
// the last revealed one on each branch.
func NewTxOutIndex(desc Descriptor, lookAhead uint32) (*TxOutIndex, error) {
	x := &TxOutIndex{
		desc:      desc,
		lookAhead: lookAhead,
		bySpk:     make(map[string]Indexed),
	}
	for _, kind := range Kinds {
		if err := x.deriveThrough(kind, lookAhead); err != nil {
			return nil, err
		}
	}

	return x, nil
}

// Descriptor returns the descriptor the index derives from.
func (x *TxOutIndex) Descriptor() Descriptor {
	return x.desc
}

// deriveThrough makes sure the scripts [0, count) of the branch are
// derived.
func (x *TxOutIndex) deriveThrough(kind Kind, count uint32) error {
	for i := uint32(len(x.spks[kind])); i < count; i++ {
		spk, err := x.desc.ScriptPubKey(kind, i)
		if err != nil {
			return err
		}
		x.spks[kind] = append(x.spks[kind], spk)
		x.bySpk[string(spk)] = Indexed{Kind: kind, Index: i}
	}

	return nil
}

// RevealTo marks every script up to and including index as revealed. It
// never moves the revealed index backwards.
func (x *TxOutIndex) RevealTo(kind Kind, index uint32) error {
	if cur := x.revealed[kind]; cur.IsSome() &&
		cur.UnsafeFromSome() >= index {

		return nil
	}

	if err := x.deriveThrough(kind, index+1+x.lookAhead); err != nil {
		return err
	}
	x.revealed[kind] = fn.Some(index)

	return nil
}

// LastRevealed returns the highest revealed index of the branch.
func (x *TxOutIndex) LastRevealed(kind Kind) fn.Option[uint32] {
	return x.revealed[kind]
}

// Index returns the position of a script if it belongs to the wallet. The
// look-ahead window is included.
func (x *TxOutIndex) Index(spk []byte) fn.Option[Indexed] {
	idx, ok := x.bySpk[string(spk)]
	if !ok {
		return fn.None[Indexed]()
	}

	return fn.Some(idx)
}

// SpkAt returns the script at index, deriving it if needed.
func (x *TxOutIndex) SpkAt(kind Kind, index uint32) ([]byte, error) {
	if index < uint32(len(x.spks[kind])) {
		return x.spks[kind][index], nil
	}

	return x.desc.ScriptPubKey(kind, index)
}

// WatchedSpks returns every derived script of both branches, look-ahead
// included, in derivation order.
func (x *TxOutIndex) WatchedSpks() []IndexedSpk {
	var out []IndexedSpk
	for _, kind := range Kinds {
		for i, spk := range x.spks[kind] {
			out = append(out, IndexedSpk{
				Indexed: Indexed{Kind: kind, Index: uint32(i)},
				Script:  spk,
			})
		}
	}

	return out
}

// UnboundedSpkIter returns an iterator over every script of the branch,
// starting at index zero.
func (x *TxOutIndex) UnboundedSpkIter(kind Kind) *SpkIter {
	return &SpkIter{index: x, kind: kind}
}

// SpkIter walks the scripts of one branch without an upper bound.
type SpkIter struct {
	index *TxOutIndex
	kind  Kind
	next  uint32
}

// Kind returns the branch the iterator walks.
func (it *SpkIter) Kind() Kind {
	return it.kind
}

// Next returns the next script and its derivation index.
func (it *SpkIter) Next() (IndexedSpk, error) {
	spk, err := it.index.SpkAt(it.kind, it.next)
	if err != nil {
		return IndexedSpk{}, err
	}

	out := IndexedSpk{
		Indexed: Indexed{Kind: it.kind, Index: it.next},
		Script:  spk,
	}
	it.next++

	return out, nil
}
