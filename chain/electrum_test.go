package chain_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/chain/chaintest"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/keychain/keychaintest"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/stretchr/testify/require"
)

// testSpk returns a distinct P2WPKH-like script.
func testSpk(b byte) []byte {
	return append([]byte{0x00, 0x14}, bytes.Repeat([]byte{b}, 20)...)
}

func indexedSpk(kind keychain.Kind, index uint32,
	spk []byte) keychain.IndexedSpk {

	return keychain.IndexedSpk{
		Indexed: keychain.Indexed{Kind: kind, Index: index},
		Script:  spk,
	}
}

func newElectrumClient(t *testing.T, n *chaintest.Network) (
	*chain.ElectrumClient, *chaintest.ElectrumServer) {

	t.Helper()

	srv := chaintest.NewElectrumServer(n)
	c, err := chain.NewElectrumClientWithDialer(&chain.ElectrumConfig{
		Addr:        "tcp://127.0.0.1:60401",
		RetryLimit:  3,
		BackoffBase: time.Millisecond,
	}, &netparams.RegTestParams, srv.Dialer())
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	return c, srv
}

// fundedChain mines a block paying its coinbase to a spendable script and
// matures nothing else. It returns the coinbase.
func fundedChain(t *testing.T) (*chaintest.Network, *wire.MsgTx) {
	t.Helper()

	n := chaintest.NewNetwork()
	block := n.Mine(testSpk(0xff), false)

	return n, block.Transactions[0]
}

// spend returns a tx spending op, worth value, paying value-fee to spk.
func spend(op wire.OutPoint, value int64, fee btcutil.Amount,
	spk []byte) *wire.MsgTx {

	return chaintest.NewTx(
		[]wire.OutPoint{op}, wire.NewTxOut(value-int64(fee), spk),
	)
}

func applySync(t *testing.T, local *localchain.Chain,
	resp *chain.SyncResponse) {

	t.Helper()

	_, err := local.ApplyUpdate(resp.ChainUpdate)
	require.NoError(t, err)
}

func updateTxids(resp *chain.SyncResponse) map[chainhash.Hash]struct{} {
	txids := make(map[chainhash.Hash]struct{})
	for _, tx := range resp.GraphUpdate.Txs {
		txids[tx.TxHash()] = struct{}{}
	}

	return txids
}

func TestParseElectrumAddr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		addr    string
		tls     bool
		host    string
		wantErr bool
	}{
		{
			name: "tcp",
			addr: "tcp://electrum.example.com:50001",
			host: "electrum.example.com:50001",
		},
		{
			name: "ssl",
			addr: "ssl://127.0.0.1:50002",
			tls:  true,
			host: "127.0.0.1:50002",
		},
		{
			name:    "missing scheme",
			addr:    "electrum.example.com:50001",
			wantErr: true,
		},
		{
			name:    "unknown scheme",
			addr:    "http://electrum.example.com:50001",
			wantErr: true,
		},
		{
			name:    "missing port",
			addr:    "tcp://electrum.example.com",
			wantErr: true,
		},
		{
			name:    "path",
			addr:    "ssl://electrum.example.com:50002/foo",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			addr, err := chain.ParseElectrumAddr(tc.addr)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.tls, addr.TLS)
			require.Equal(t, tc.host, addr.Host)
			require.Equal(t, tc.addr, addr.String())
		})
	}
}

// TestScriptHash checks the script hash against the one of the Electrum
// protocol documentation.
func TestScriptHash(t *testing.T) {
	t.Parallel()

	// P2PKH script of 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.
	spk := []byte{
		0x76, 0xa9, 0x14, 0x62, 0xe9, 0x07, 0xb1, 0x5c, 0xbf, 0x27,
		0xd5, 0x42, 0x53, 0x99, 0xeb, 0xf6, 0xf0, 0xfb, 0x50, 0xeb,
		0xb8, 0x8f, 0x18, 0x88, 0xac,
	}
	require.Equal(t,
		"8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161",
		chain.ScriptHash(spk),
	)
}

func TestElectrumSync(t *testing.T) {
	t.Parallel()

	n, coinbase := fundedChain(t)
	walletSpk := testSpk(0x01)

	// A confirmed deposit and an unconfirmed spend of it.
	deposit := spend(chaintest.OutPoint(coinbase, 0),
		coinbase.TxOut[0].Value, 1000, walletSpk)
	n.Mine(nil, false, deposit)
	n.MineEmpty(3)

	withdrawal := spend(chaintest.OutPoint(deposit, 0),
		deposit.TxOut[0].Value, 500, testSpk(0x02))
	require.NoError(t, n.AddToMempool(withdrawal))

	c, _ := newElectrumClient(t, n)
	ctx := context.Background()

	local := localchain.New(n.Genesis().Hash)
	resp, err := c.Sync(ctx, &chain.SyncRequest{
		ChainTip: local.Clone(),
		Spks:     []keychain.IndexedSpk{indexedSpk(0, 0, walletSpk)},
	}, true)
	require.NoError(t, err)

	txids := updateTxids(resp)
	require.Len(t, txids, 2)
	require.Contains(t, txids, deposit.TxHash())
	require.Contains(t, txids, withdrawal.TxHash())

	require.Len(t, resp.GraphUpdate.Anchors, 1)
	anchor := resp.GraphUpdate.Anchors[0]
	require.Equal(t, deposit.TxHash(), anchor.Txid)
	require.EqualValues(t, 2, anchor.Anchor.ConfirmationHeight)

	// The spent coinbase output was fetched for fee computation.
	require.Contains(t, resp.GraphUpdate.TxOuts,
		chaintest.OutPoint(coinbase, 0))

	applySync(t, local, resp)
	require.Equal(t, n.Tip(), local.Tip())
	require.True(t, local.Contains(anchor.Anchor.AnchorBlock))
}

func TestElectrumSyncReorg(t *testing.T) {
	t.Parallel()

	n, coinbase := fundedChain(t)
	walletSpk := testSpk(0x01)
	deposit := spend(chaintest.OutPoint(coinbase, 0),
		coinbase.TxOut[0].Value, 1000, walletSpk)
	n.Mine(nil, false, deposit)
	n.MineEmpty(2)

	c, _ := newElectrumClient(t, n)
	ctx := context.Background()
	req := func(local *localchain.Chain) *chain.SyncRequest {
		return &chain.SyncRequest{
			ChainTip: local.Clone(),
			Spks: []keychain.IndexedSpk{
				indexedSpk(0, 0, walletSpk),
			},
		}
	}

	local := localchain.New(n.Genesis().Hash)
	resp, err := c.Sync(ctx, req(local), false)
	require.NoError(t, err)
	applySync(t, local, resp)
	staleTip := local.Tip()

	// Replace the deposit block and everything above it. The deposit
	// goes back to the mempool.
	n.Reorg(1)
	n.MineEmpty(4)

	resp, err = c.Sync(ctx, req(local), false)
	require.NoError(t, err)
	require.Empty(t, resp.GraphUpdate.Anchors)
	require.Contains(t, updateTxids(resp), deposit.TxHash())

	applySync(t, local, resp)
	require.Equal(t, n.Tip(), local.Tip())
	require.False(t, local.Contains(staleTip))
}

func TestElectrumGenesisMismatch(t *testing.T) {
	t.Parallel()

	n := chaintest.NewNetwork()
	n.MineEmpty(1)
	c, _ := newElectrumClient(t, n)

	local := localchain.New(chainhash.Hash{0x01})
	_, err := c.Sync(context.Background(), &chain.SyncRequest{
		ChainTip: local,
	}, false)

	var mismatch *chain.GenesisMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, n.Genesis().Hash, mismatch.Remote)
}

func TestElectrumRetry(t *testing.T) {
	t.Parallel()

	n := chaintest.NewNetwork()
	n.MineEmpty(2)
	c, srv := newElectrumClient(t, n)
	ctx := context.Background()

	// Transient failures are retried on a fresh connection.
	dials := srv.Dials()
	srv.FailNext(2)
	tip, err := c.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, n.Tip(), tip)
	require.Equal(t, dials+2, srv.Dials())

	// A server that stays down exhausts the retries.
	srv.SetDown(true)
	_, err = c.ChainTip(ctx)

	var transportErr *chain.TransportError
	require.ErrorAs(t, err, &transportErr)

	// It is usable again once the server is back.
	srv.SetDown(false)
	tip, err = c.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, n.Tip(), tip)
}

func TestElectrumBlockHash(t *testing.T) {
	t.Parallel()

	n := chaintest.NewNetwork()
	n.MineEmpty(3)
	c, _ := newElectrumClient(t, n)
	ctx := context.Background()

	hash, err := c.BlockHash(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, n.Tip().Hash, hash.UnwrapOr(chainhash.Hash{}))

	hash, err = c.BlockHash(ctx, 4)
	require.NoError(t, err)
	require.True(t, hash.IsNone())

	genesis, err := c.GenesisBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, netparams.RegTestParams.ExpectedGenesis, genesis.Hash)
}

func TestElectrumBroadcast(t *testing.T) {
	t.Parallel()

	n, coinbase := fundedChain(t)
	c, _ := newElectrumClient(t, n)
	ctx := context.Background()

	op := chaintest.OutPoint(coinbase, 0)
	value := coinbase.TxOut[0].Value
	tx := spend(op, value, 1000, testSpk(0x01))
	require.NoError(t, c.BroadcastTx(ctx, tx))

	testCases := []struct {
		name   string
		tx     *wire.MsgTx
		reason chain.BroadcastErr
	}{
		{
			name:   "already known",
			tx:     tx,
			reason: chain.ErrTxAlreadyKnown,
		},
		{
			name:   "conflict",
			tx:     spend(op, value, 2000, testSpk(0x02)),
			reason: chain.ErrMempoolConflict,
		},
		{
			name: "missing inputs",
			tx: spend(wire.OutPoint{Hash: chainhash.Hash{0x01}},
				value, 1000, testSpk(0x02)),
			reason: chain.ErrMissingInputs,
		},
	}

	for _, tc := range testCases {
		err := c.BroadcastTx(ctx, tc.tx)
		require.ErrorIs(t, err, tc.reason, tc.name)

		var serverErr *chain.ServerError
		require.ErrorAs(t, err, &serverErr, tc.name)
	}
}

func TestElectrumFullScan(t *testing.T) {
	t.Parallel()

	desc := keychaintest.Descriptor(t, 0x11)
	index, err := keychain.NewTxOutIndex(desc, 0)
	require.NoError(t, err)

	n, coinbase := fundedChain(t)
	funding := chaintest.NewTx(
		[]wire.OutPoint{chaintest.OutPoint(coinbase, 0)},
		wire.NewTxOut(1e6, keychaintest.Spk(
			t, desc, keychain.KindReceive, 0,
		)),
		wire.NewTxOut(1e6, keychaintest.Spk(
			t, desc, keychain.KindReceive, 7,
		)),
		wire.NewTxOut(1e6, keychaintest.Spk(
			t, desc, keychain.KindChange, 2,
		)),
		// Beyond the gap, never found.
		wire.NewTxOut(1e6, keychaintest.Spk(
			t, desc, keychain.KindReceive, 30,
		)),
	)
	n.Mine(nil, false, funding)

	c, _ := newElectrumClient(t, n)
	local := localchain.New(n.Genesis().Hash)
	resp, err := c.FullScan(context.Background(), &chain.FullScanRequest{
		ChainTip: local.Clone(),
		SpkIters: []*keychain.SpkIter{
			index.UnboundedSpkIter(keychain.KindReceive),
			index.UnboundedSpkIter(keychain.KindChange),
		},
	}, 10, 4)
	require.NoError(t, err)

	require.Equal(t, map[keychain.Kind]uint32{
		keychain.KindReceive: 7,
		keychain.KindChange:  2,
	}, resp.LastActiveIndices)
	require.Contains(t, updateTxids(&resp.SyncResponse), funding.TxHash())
	require.Len(t, resp.GraphUpdate.Anchors, 1)

	_, err = local.ApplyUpdate(resp.ChainUpdate)
	require.NoError(t, err)
	require.Equal(t, n.Tip(), local.Tip())
}

// feeChain builds coinbase -> a -> b -> c in the mempool, paying fees of
// 1000, 2000 and 3000 sat.
func feeChain(t *testing.T) (*chaintest.Network, [3]*wire.MsgTx) {
	t.Helper()

	n, coinbase := fundedChain(t)
	n.MineEmpty(2)

	var txs [3]*wire.MsgTx
	prev, value := chaintest.OutPoint(coinbase, 0), coinbase.TxOut[0].Value
	for i := range txs {
		txs[i] = spend(prev, value, btcutil.Amount(1000*(i+1)),
			testSpk(byte(i+1)))
		require.NoError(t, n.AddToMempool(txs[i]))
		prev, value = chaintest.OutPoint(txs[i], 0), txs[i].TxOut[0].Value
	}

	return n, txs
}

func vsize(tx *wire.MsgTx) uint64 {
	return uint64(mempool.GetTxVirtualSize(btcutil.NewTx(tx)))
}

func TestElectrumMempoolEntry(t *testing.T) {
	t.Parallel()

	n, txs := feeChain(t)
	c, _ := newElectrumClient(t, n)
	ctx := context.Background()

	testCases := []struct {
		name       string
		tx         *wire.MsgTx
		base       btcutil.Amount
		ancestor   btcutil.Amount
		descendant btcutil.Amount
		ancestors  []*wire.MsgTx
	}{
		{
			name:       "root",
			tx:         txs[0],
			base:       1000,
			ancestor:   1000,
			descendant: 6000,
		},
		{
			name:       "middle",
			tx:         txs[1],
			base:       2000,
			ancestor:   3000,
			descendant: 5000,
			ancestors:  txs[:1],
		},
		{
			name:       "leaf",
			tx:         txs[2],
			base:       3000,
			ancestor:   6000,
			descendant: 3000,
			ancestors:  txs[:2],
		},
	}

	for _, tc := range testCases {
		entry, err := c.MempoolEntry(ctx, tc.tx.TxHash())
		require.NoError(t, err, tc.name)
		require.True(t, entry.IsSome(), tc.name)

		e := entry.UnsafeFromSome()
		require.Equal(t, tc.tx.TxHash(), e.Txid, tc.name)
		require.Equal(t, tc.base, e.Fees.Base, tc.name)
		require.Equal(t, tc.ancestor, e.Fees.Ancestor, tc.name)
		require.Equal(t, tc.descendant, e.Fees.Descendant, tc.name)

		ancVSize := e.VSize
		for _, anc := range tc.ancestors {
			ancVSize += vsize(anc)
		}
		require.Equal(t, vsize(tc.tx), e.VSize, tc.name)
		require.Equal(t, ancVSize, e.AncestorVSize, tc.name)
	}

	// Confirmed and unknown txs have no entry.
	n.Mine(nil, false, txs[0])
	entry, err := c.MempoolEntry(ctx, txs[0].TxHash())
	require.NoError(t, err)
	require.True(t, entry.IsNone())

	entry, err = c.MempoolEntry(ctx, chainhash.Hash{0x01})
	require.NoError(t, err)
	require.True(t, entry.IsNone())

	// The confirmed root no longer counts as an ancestor.
	entry, err = c.MempoolEntry(ctx, txs[1].TxHash())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(2000),
		entry.UnsafeFromSome().Fees.Ancestor)
}

func TestElectrumMempoolSpenders(t *testing.T) {
	t.Parallel()

	n, txs := feeChain(t)
	c, _ := newElectrumClient(t, n)

	entries, err := c.MempoolSpenders(context.Background(),
		[]wire.OutPoint{
			chaintest.OutPoint(txs[0], 0),
			chaintest.OutPoint(txs[2], 0),
		},
	)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, txs[1].TxHash(), entries[0].Txid)
	require.Equal(t, btcutil.Amount(5000), entries[0].Fees.Descendant)
}

// TestMempoolEntryTipChange checks a walk restarts when the tip moves under
// it, and gives up if it never settles.
func TestMempoolEntryTipChange(t *testing.T) {
	t.Parallel()

	t.Run("restart", func(t *testing.T) {
		t.Parallel()

		n, txs := feeChain(t)
		c, _ := newElectrumClient(t, n)

		var once sync.Once
		n.OnHistory(func(string) {
			once.Do(func() { n.MineEmpty(1) })
		})

		entry, err := c.MempoolEntry(context.Background(),
			txs[1].TxHash())
		require.NoError(t, err)
		require.Equal(t, btcutil.Amount(3000),
			entry.UnsafeFromSome().Fees.Ancestor)
	})

	t.Run("give up", func(t *testing.T) {
		t.Parallel()

		n, txs := feeChain(t)
		c, _ := newElectrumClient(t, n)
		n.OnHistory(func(string) { n.MineEmpty(1) })

		_, err := c.MempoolEntry(context.Background(), txs[1].TxHash())
		require.ErrorIs(t, err, chain.ErrTipChanged)
	})
}
