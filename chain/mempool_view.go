package chain

import (
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// mempoolView mirrors the mempool of a bitcoind node between two polls. The
// boolean stored along each tx tells whether the node still reported it
// during the last refresh.
type mempoolView struct {
	sync.RWMutex

	// txs stores the mempool transactions by txid.
	txs map[chainhash.Hash]*viewTx

	// inputs maps every outpoint spent in the mempool to its spender.
	inputs map[wire.OutPoint]chainhash.Hash
}

type viewTx struct {
	tx     *wire.MsgTx
	marked bool
}

// newMempoolView creates an empty mempool view.
func newMempoolView() *mempoolView {
	return &mempoolView{
		txs:    make(map[chainhash.Hash]*viewTx),
		inputs: make(map[wire.OutPoint]chainhash.Hash),
	}
}

// clean removes any of the given transactions from the view if they are
// found there, typically because they were mined.
func (m *mempoolView) clean(txs []*wire.MsgTx) {
	m.Lock()
	defer m.Unlock()

	for _, tx := range txs {
		txid := tx.TxHash()
		if _, ok := m.txs[txid]; !ok {
			continue
		}

		delete(m.txs, txid)
		m.removeInputs(txid)
	}
}

// containsTx returns true if the given transaction is in the view.
func (m *mempoolView) containsTx(hash chainhash.Hash) bool {
	m.RLock()
	defer m.RUnlock()

	_, ok := m.txs[hash]
	return ok
}

// containsInput returns the mempool transaction spending op, if any.
func (m *mempoolView) containsInput(op wire.OutPoint) (chainhash.Hash, bool) {
	m.RLock()
	defer m.RUnlock()

	txid, ok := m.inputs[op]
	return txid, ok
}

// add inserts the given transaction into the view and marks it to indicate
// that it should not be deleted.
func (m *mempoolView) add(tx *wire.MsgTx) {
	m.Lock()
	defer m.Unlock()

	m.txs[tx.TxHash()] = &viewTx{tx: tx, marked: true}
	m.updateInputs(tx)
}

// unmarkAll un-marks all the transactions in the view. This is done just
// before the view is compared to the node's mempool.
func (m *mempoolView) unmarkAll() {
	m.Lock()
	defer m.Unlock()

	for _, vtx := range m.txs {
		vtx.marked = false
	}
}

// mark marks the transaction of the given hash to indicate that it is still
// present in the node's mempool.
func (m *mempoolView) mark(hash chainhash.Hash) {
	m.Lock()
	defer m.Unlock()

	if vtx, ok := m.txs[hash]; ok {
		vtx.marked = true
	}
}

// deleteUnmarked removes all the unmarked transactions from the view.
func (m *mempoolView) deleteUnmarked() {
	m.Lock()
	defer m.Unlock()

	for hash, vtx := range m.txs {
		if vtx.marked {
			continue
		}

		delete(m.txs, hash)
		m.removeInputs(hash)
	}
}

// snapshot returns the transactions currently in the view.
func (m *mempoolView) snapshot() []*wire.MsgTx {
	m.RLock()
	defer m.RUnlock()

	txs := make([]*wire.MsgTx, 0, len(m.txs))
	for _, vtx := range m.txs {
		txs = append(txs, vtx.tx)
	}

	return txs
}

// removeInputs takes a txid and removes the inputs of the tx from the
// inputs map.
//
// NOTE: must be used inside a lock.
func (m *mempoolView) removeInputs(tx chainhash.Hash) {
	for outpoint, txid := range m.inputs {
		if txid.IsEqual(&tx) {
			// NOTE: it's safe to delete while iterating go map.
			delete(m.inputs, outpoint)
		}
	}
}

// updateInputs populates the inputs of tx into the inputs map. A later
// spender of the same outpoint replaces the earlier one.
//
// NOTE: must be used inside a lock.
func (m *mempoolView) updateInputs(tx *wire.MsgTx) {
	if blockchain.IsCoinBaseTx(tx) {
		log.Debugf("Skipping coinbase tx %v", tx.TxHash())
		return
	}

	for _, input := range tx.TxIn {
		outpoint := input.PreviousOutPoint

		if oldTxid, ok := m.inputs[outpoint]; ok {
			log.Tracef("Input %s was spent in tx %s, now spent in %s",
				outpoint, oldTxid, tx.TxHash())
		}
		m.inputs[outpoint] = tx.TxHash()
	}
}
