// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txgraph

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type graphNode struct {
	tx       *wire.MsgTx
	outEdges []chainhash.Hash
	inDegree int
}

type hashGraph map[chainhash.Hash]*graphNode

func makeGraph(set map[chainhash.Hash]*wire.MsgTx) hashGraph {
	graph := make(hashGraph, len(set))
	for txid, tx := range set {
		graph[txid] = &graphNode{tx: tx}
	}

	for txid, tx := range set {
		parents := make(map[chainhash.Hash]struct{})
		for _, in := range tx.TxIn {
			parent := in.PreviousOutPoint.Hash

			// Inputs spending transactions outside the set do not
			// create any edges.
			if _, ok := set[parent]; !ok || parent == txid {
				continue
			}

			// Skip duplicate edges.
			if _, ok := parents[parent]; ok {
				continue
			}
			parents[parent] = struct{}{}

			graph[parent].outEdges = append(
				graph[parent].outEdges, txid,
			)
			graph[txid].inDegree++
		}
	}

	return graph
}

// sortHashes orders hashes by their byte representation so the sort is
// deterministic for a given set.
func sortHashes(hashes []chainhash.Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
}

// DependencySort topologically sorts a set of transactions so that every
// transaction comes after the ones it spends from. It is implemented using
// Kahn's algorithm. Ties are broken by txid.
func DependencySort(txs map[chainhash.Hash]*wire.MsgTx) []*wire.MsgTx {
	graph := makeGraph(txs)

	var roots []chainhash.Hash
	for txid, node := range graph {
		if node.inDegree == 0 {
			roots = append(roots, txid)
		}
	}
	sortHashes(roots)

	sorted := make([]*wire.MsgTx, 0, len(txs))
	for len(roots) != 0 {
		txid := roots[0]
		roots = roots[1:]

		n := graph[txid]
		sorted = append(sorted, n.tx)

		var ready []chainhash.Hash
		for _, child := range n.outEdges {
			m := graph[child]
			m.inDegree--
			if m.inDegree == 0 {
				ready = append(ready, child)
			}
		}
		sortHashes(ready)
		roots = append(roots, ready...)
	}

	return sorted
}
