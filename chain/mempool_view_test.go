package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestMempoolView tests that each method of the mempool view works as
// expected.
func TestMempoolView(t *testing.T) {
	t.Parallel()

	require := require.New(t)

	m := newMempoolView()

	// Create a transaction.
	op1 := wire.OutPoint{Hash: chainhash.Hash{1}}
	tx1 := &wire.MsgTx{
		LockTime: 1,
		TxIn: []*wire.TxIn{
			{PreviousOutPoint: op1},
		},
	}

	// Check that the view doesn't have the tx nor its input yet.
	require.False(m.containsTx(tx1.TxHash()))
	_, found := m.containsInput(op1)
	require.False(found)

	// Now add the tx.
	m.add(tx1)
	require.True(m.containsTx(tx1.TxHash()))
	txid, found := m.containsInput(op1)
	require.True(found)
	require.Equal(tx1.TxHash(), txid)

	// Add another tx to the view.
	op2 := wire.OutPoint{Hash: chainhash.Hash{2}}
	op3 := wire.OutPoint{Hash: chainhash.Hash{3}}
	tx2 := &wire.MsgTx{
		LockTime: 2,
		TxIn: []*wire.TxIn{
			{PreviousOutPoint: op2},
			{PreviousOutPoint: op3},
		},
	}
	m.add(tx2)
	require.True(m.containsTx(tx2.TxHash()))
	require.Len(m.snapshot(), 2)

	// Clean the view of tx1, simulating tx1 being mined.
	m.clean([]*wire.MsgTx{tx1})
	require.False(m.containsTx(tx1.TxHash()))
	require.True(m.containsTx(tx2.TxHash()))

	_, found = m.containsInput(op1)
	require.False(found)
	txid, found = m.containsInput(op3)
	require.True(found)
	require.Equal(tx2.TxHash(), txid)

	// Only unmarked transactions are deleted.
	m.add(tx1)
	m.unmarkAll()

	// tx3 double spends op3 of tx2, the input now points to tx3.
	tx3 := &wire.MsgTx{
		LockTime: 3,
		TxIn: []*wire.TxIn{
			{PreviousOutPoint: op3},
		},
	}
	m.add(tx3)
	m.mark(tx2.TxHash())
	m.deleteUnmarked()

	require.False(m.containsTx(tx1.TxHash()))
	require.True(m.containsTx(tx2.TxHash()))
	require.True(m.containsTx(tx3.TxHash()))

	_, found = m.containsInput(op1)
	require.False(found)
	txid, found = m.containsInput(op2)
	require.True(found)
	require.Equal(tx2.TxHash(), txid)
	txid, found = m.containsInput(op3)
	require.True(found)
	require.Equal(tx3.TxHash(), txid)
}
