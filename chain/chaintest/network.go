// Package chaintest provides an in-memory block chain and mempool along
// with fake Electrum and bitcoind backends serving it.
package chaintest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/localchain"
)

var (
	// ErrUnknownTx is returned for transactions neither mined nor in the
	// mempool.
	ErrUnknownTx = errors.New("no such mempool or blockchain transaction")

	// ErrMissingInputs is returned when a broadcast tx spends an output
	// that does not exist or is already spent by a block.
	ErrMissingInputs = errors.New("bad-txns-inputs-missingorspent")

	// ErrMempoolConflict is returned when a broadcast tx spends an output
	// already spent in the mempool.
	ErrMempoolConflict = errors.New("txn-mempool-conflict")

	// ErrAlreadyKnown is returned when a broadcast tx is in the mempool.
	ErrAlreadyKnown = errors.New("txn-already-known")

	// ErrHeightOutOfRange is returned for blocks above the tip.
	ErrHeightOutOfRange = errors.New("block height out of range")
)

// blockInterval is the timestamp spacing of mined blocks.
const blockInterval = 10 * time.Minute

// Network is an in-memory chain with a mempool. It is safe for concurrent
// use.
type Network struct {
	mtx sync.Mutex

	blocks []*wire.MsgBlock

	// txs stores every mined or mempool tx along with evicted and
	// reorganized ones, so outputs of previous txs can be resolved.
	txs map[chainhash.Hash]*wire.MsgTx

	confirmedAt map[chainhash.Hash]int32
	mempool     map[chainhash.Hash]*wire.MsgTx

	// onHistory is invoked on every history lookup, outside the lock.
	onHistory func(scriptHash string)

	nonce uint32
}

// NewNetwork returns a network holding only the regtest genesis block.
func NewNetwork() *Network {
	genesis := chaincfg.RegressionNetParams.GenesisBlock
	n := &Network{
		blocks:      []*wire.MsgBlock{genesis},
		txs:         make(map[chainhash.Hash]*wire.MsgTx),
		confirmedAt: make(map[chainhash.Hash]int32),
		mempool:     make(map[chainhash.Hash]*wire.MsgTx),
	}
	for _, tx := range genesis.Transactions {
		n.txs[tx.TxHash()] = tx
		n.confirmedAt[tx.TxHash()] = 0
	}

	return n
}

// Genesis returns the genesis block.
func (n *Network) Genesis() localchain.BlockChainTip {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	return localchain.BlockChainTip{Hash: n.blocks[0].BlockHash()}
}

// Tip returns the best block.
func (n *Network) Tip() localchain.BlockChainTip {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.tip()
}

func (n *Network) tip() localchain.BlockChainTip {
	height := int32(len(n.blocks) - 1)
	return localchain.BlockChainTip{
		Height: height,
		Hash:   n.blocks[height].BlockHash(),
	}
}

// Block returns the block at height.
func (n *Network) Block(height int32) (*wire.MsgBlock, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if height < 0 || int(height) >= len(n.blocks) {
		return nil, false
	}

	return n.blocks[height], true
}

// OnHistory sets a hook invoked on every script history lookup.
func (n *Network) OnHistory(f func(scriptHash string)) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.onHistory = f
}

// Mine mines a block paying its coinbase to coinbaseSpk and confirming the
// passed txs along with every mempool tx if includeMempool is set. Mined
// txs leave the mempool.
func (n *Network) Mine(coinbaseSpk []byte, includeMempool bool,
	txs ...*wire.MsgTx) *wire.MsgBlock {

	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.mine(coinbaseSpk, includeMempool, txs)
}

// MineEmpty mines count blocks without transactions besides the coinbase.
func (n *Network) MineEmpty(count int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	for i := 0; i < count; i++ {
		n.mine(nil, false, nil)
	}
}

func (n *Network) mine(coinbaseSpk []byte, includeMempool bool,
	txs []*wire.MsgTx) *wire.MsgBlock {

	height := int32(len(n.blocks))
	if coinbaseSpk == nil {
		coinbaseSpk = []byte{txscript.OP_TRUE}
	}

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript: []byte{
			txscript.OP_DATA_4, byte(height), byte(height >> 8),
			byte(height >> 16), byte(n.nonce),
		},
		Sequence: wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin,
		coinbaseSpk))

	included := make(map[chainhash.Hash]*wire.MsgTx)
	for _, tx := range txs {
		included[tx.TxHash()] = tx
	}
	if includeMempool {
		for txid, tx := range n.mempool {
			included[txid] = tx
		}
	}

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   4,
			PrevBlock: n.blocks[height-1].BlockHash(),
			Timestamp: n.blocks[height-1].Header.Timestamp.Add(
				blockInterval,
			),
			Bits:  chaincfg.RegressionNetParams.PowLimitBits,
			Nonce: n.nonce,
		},
		Transactions: []*wire.MsgTx{coinbase},
	}
	n.nonce++

	block.Transactions = append(block.Transactions, topoSort(included)...)
	block.Header.MerkleRoot = coinbase.TxHash()

	for _, tx := range block.Transactions {
		txid := tx.TxHash()
		n.txs[txid] = tx
		n.confirmedAt[txid] = height
		delete(n.mempool, txid)
	}
	n.evictConflicts(block.Transactions)
	n.blocks = append(n.blocks, block)

	return block
}

// evictConflicts drops mempool txs spending an output spent by a mined tx,
// along with their descendants.
func (n *Network) evictConflicts(mined []*wire.MsgTx) {
	spent := make(map[wire.OutPoint]chainhash.Hash)
	for _, tx := range mined {
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = tx.TxHash()
		}
	}

	for txid, tx := range n.mempool {
		for _, in := range tx.TxIn {
			if spender, ok := spent[in.PreviousOutPoint]; ok &&
				spender != txid {

				n.evict(txid)
				break
			}
		}
	}
}

// Reorg disconnects every block above height. Their txs go back to the
// mempool, except coinbases.
func (n *Network) Reorg(height int32) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	for int32(len(n.blocks)-1) > height {
		last := n.blocks[len(n.blocks)-1]
		n.blocks = n.blocks[:len(n.blocks)-1]

		for _, tx := range last.Transactions {
			txid := tx.TxHash()
			delete(n.confirmedAt, txid)
			if !blockchain.IsCoinBaseTx(tx) {
				n.mempool[txid] = tx
			}
		}
	}

	// Disconnecting bumps the nonce so replacement blocks differ.
	n.nonce += 1000
}

// AddToMempool validates tx against the chain and the mempool and accepts
// it.
func (n *Network) AddToMempool(tx *wire.MsgTx) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	txid := tx.TxHash()
	if _, ok := n.mempool[txid]; ok {
		return ErrAlreadyKnown
	}
	if _, ok := n.confirmedAt[txid]; ok {
		return fmt.Errorf("transaction already in block chain")
	}

	for _, in := range tx.TxIn {
		prev := in.PreviousOutPoint
		prevTx, ok := n.txs[prev.Hash]
		if !ok || int(prev.Index) >= len(prevTx.TxOut) {
			return ErrMissingInputs
		}
		_, mined := n.confirmedAt[prev.Hash]
		_, pooled := n.mempool[prev.Hash]
		if !mined && !pooled {
			return ErrMissingInputs
		}

		spender, spent := n.spender(prev)
		if !spent {
			continue
		}
		if _, inBlock := n.confirmedAt[spender]; inBlock {
			return ErrMissingInputs
		}

		return ErrMempoolConflict
	}

	n.txs[txid] = tx
	n.mempool[txid] = tx

	return nil
}

// Evict drops a tx and its descendants from the mempool.
func (n *Network) Evict(txid chainhash.Hash) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.evict(txid)
}

func (n *Network) evict(txid chainhash.Hash) {
	tx, ok := n.mempool[txid]
	if !ok {
		return
	}
	delete(n.mempool, txid)

	for i := range tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		if spender, ok := n.spender(op); ok {
			n.evict(spender)
		}
	}
}

// spender returns the mined or mempool tx spending op.
func (n *Network) spender(op wire.OutPoint) (chainhash.Hash, bool) {
	for _, b := range n.blocks {
		for _, tx := range b.Transactions {
			if spends(tx, op) {
				return tx.TxHash(), true
			}
		}
	}
	for txid, tx := range n.mempool {
		if spends(tx, op) {
			return txid, true
		}
	}

	return chainhash.Hash{}, false
}

// Tx returns a mined or mempool tx along with its confirmation height, or
// zero if unconfirmed.
func (n *Network) Tx(txid chainhash.Hash) (*wire.MsgTx, int32, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	if height, ok := n.confirmedAt[txid]; ok {
		return n.txs[txid], height, nil
	}
	if tx, ok := n.mempool[txid]; ok {
		return tx, 0, nil
	}

	return nil, 0, ErrUnknownTx
}

// Mempool returns the txids of the mempool, sorted.
func (n *Network) Mempool() []chainhash.Hash {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	txids := make([]chainhash.Hash, 0, len(n.mempool))
	for txid := range n.mempool {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return txids[i].String() < txids[j].String()
	})

	return txids
}

// history returns the mined then mempool txs paying to or spending from the
// script with the given Electrum script hash.
func (n *Network) history(scriptHash string) []historyEntry {
	match := func(spk []byte) bool {
		return chain.ScriptHash(spk) == scriptHash
	}

	n.mtx.Lock()
	hook := n.onHistory

	var entries []historyEntry
	seen := make(map[chainhash.Hash]struct{})
	add := func(tx *wire.MsgTx, height int32) {
		txid := tx.TxHash()
		if _, ok := seen[txid]; ok {
			return
		}
		if !n.touches(tx, match) {
			return
		}
		seen[txid] = struct{}{}
		entries = append(entries, historyEntry{txid, height})
	}

	for height, b := range n.blocks {
		for _, tx := range b.Transactions {
			add(tx, int32(height))
		}
	}
	for _, tx := range topoSort(n.mempool) {
		add(tx, 0)
	}
	n.mtx.Unlock()

	if hook != nil {
		hook(scriptHash)
	}

	return entries
}

type historyEntry struct {
	txid   chainhash.Hash
	height int32
}

// touches returns true if tx pays to or spends from a matching script.
func (n *Network) touches(tx *wire.MsgTx, match func([]byte) bool) bool {
	for _, out := range tx.TxOut {
		if match(out.PkScript) {
			return true
		}
	}
	if blockchain.IsCoinBaseTx(tx) {
		return false
	}
	for _, in := range tx.TxIn {
		prev, ok := n.txs[in.PreviousOutPoint.Hash]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			continue
		}
		if match(prev.TxOut[in.PreviousOutPoint.Index].PkScript) {
			return true
		}
	}

	return false
}

// fee returns the fee paid by a tx whose inputs are all known.
func (n *Network) fee(tx *wire.MsgTx) (btcutil.Amount, error) {
	var in, out int64
	for _, txIn := range tx.TxIn {
		prev, ok := n.txs[txIn.PreviousOutPoint.Hash]
		if !ok {
			return 0, ErrUnknownTx
		}
		in += prev.TxOut[txIn.PreviousOutPoint.Index].Value
	}
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}

	return btcutil.Amount(in - out), nil
}

// mempoolRelatives returns the in-mempool ancestors or descendants of txid,
// excluding itself.
func (n *Network) mempoolRelatives(txid chainhash.Hash,
	ancestors bool) []*wire.MsgTx {

	var (
		res   []*wire.MsgTx
		seen  = map[chainhash.Hash]struct{}{txid: {}}
		queue = []chainhash.Hash{txid}
	)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		var next []chainhash.Hash
		if ancestors {
			for _, in := range n.mempool[cur].TxIn {
				next = append(next, in.PreviousOutPoint.Hash)
			}
		} else {
			for other, tx := range n.mempool {
				for _, in := range tx.TxIn {
					if in.PreviousOutPoint.Hash == cur {
						next = append(next, other)
						break
					}
				}
			}
		}

		for _, h := range next {
			if _, ok := seen[h]; ok {
				continue
			}
			tx, ok := n.mempool[h]
			if !ok {
				continue
			}
			seen[h] = struct{}{}
			res = append(res, tx)
			queue = append(queue, h)
		}
	}

	return res
}

// topoSort orders txs so that parents come before children, breaking ties
// by txid.
func topoSort(txs map[chainhash.Hash]*wire.MsgTx) []*wire.MsgTx {
	txids := make([]chainhash.Hash, 0, len(txs))
	for txid := range txs {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return txids[i].String() < txids[j].String()
	})

	var (
		sorted []*wire.MsgTx
		done   = make(map[chainhash.Hash]bool)
		visit  func(txid chainhash.Hash)
	)
	visit = func(txid chainhash.Hash) {
		if done[txid] {
			return
		}
		done[txid] = true
		for _, in := range txs[txid].TxIn {
			if _, ok := txs[in.PreviousOutPoint.Hash]; ok {
				visit(in.PreviousOutPoint.Hash)
			}
		}
		sorted = append(sorted, txs[txid])
	}
	for _, txid := range txids {
		visit(txid)
	}

	return sorted
}

func spends(tx *wire.MsgTx, op wire.OutPoint) bool {
	if blockchain.IsCoinBaseTx(tx) {
		return false
	}
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint == op {
			return true
		}
	}

	return false
}

// NewTx returns a tx spending the outpoints into outputs.
func NewTx(inputs []wire.OutPoint, outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for _, op := range inputs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: op,
			Sequence:         wire.MaxTxInSequenceNum - 2,
		})
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	return tx
}

// OutPoint returns the outpoint of output index of tx.
func OutPoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}
