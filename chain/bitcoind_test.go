package chain_test

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/chain/chaintest"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/keychain/keychaintest"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/stretchr/testify/require"
)

func newBitcoindClient(t *testing.T, n *chaintest.Network) (
	*chain.BitcoindClient, *chaintest.Node) {

	t.Helper()

	node := chaintest.NewNode(n)
	c, err := chain.NewBitcoindClientWithRPC(&chain.BitcoindConfig{
		RetryLimit:  3,
		BackoffBase: time.Millisecond,
	}, &netparams.RegTestParams, node)
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	return c, node
}

func TestBitcoindConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     chain.BitcoindConfig
		wantErr bool
	}{
		{
			name: "user and pass",
			cfg: chain.BitcoindConfig{
				Host: "127.0.0.1:18443", User: "u", Pass: "p",
			},
		},
		{
			name: "cookie",
			cfg: chain.BitcoindConfig{
				Host:       "127.0.0.1:18443",
				CookiePath: "/tmp/.cookie",
			},
		},
		{
			name:    "no auth",
			cfg:     chain.BitcoindConfig{Host: "127.0.0.1:18443"},
			wantErr: true,
		},
		{
			name:    "no host",
			cfg:     chain.BitcoindConfig{User: "u", Pass: "p"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := tc.cfg
			c, err := chain.NewBitcoindClient(
				&cfg, &netparams.RegTestParams,
			)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			c.Stop()
		})
	}
}

func TestBitcoindSync(t *testing.T) {
	t.Parallel()

	n, coinbase := fundedChain(t)
	walletSpk := testSpk(0x01)

	deposit := spend(chaintest.OutPoint(coinbase, 0),
		coinbase.TxOut[0].Value, 1000, walletSpk)
	n.Mine(nil, false, deposit)
	n.MineEmpty(2)

	withdrawal := spend(chaintest.OutPoint(deposit, 0),
		deposit.TxOut[0].Value, 500, testSpk(0x02))
	require.NoError(t, n.AddToMempool(withdrawal))

	// Noise the wallet does not care about.
	other := n.Mine(nil, false).Transactions[0]
	require.NoError(t, n.AddToMempool(spend(chaintest.OutPoint(other, 0),
		other.TxOut[0].Value, 100, testSpk(0x03))))

	c, _ := newBitcoindClient(t, n)
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
	require.EqualValues(t, 2,
		resp.GraphUpdate.Anchors[0].Anchor.ConfirmationHeight)
	require.Contains(t, resp.GraphUpdate.TxOuts,
		chaintest.OutPoint(coinbase, 0))

	applySync(t, local, resp)
	require.Equal(t, n.Tip(), local.Tip())

	// A later sync resumes from the local tip and picks up the spend
	// through the cached wallet transactions.
	c.PopulateTxCache([]*wire.MsgTx{deposit})
	n.Mine(nil, true)

	resp, err = c.Sync(ctx, &chain.SyncRequest{
		ChainTip: local.Clone(),
		Spks:     []keychain.IndexedSpk{indexedSpk(0, 0, walletSpk)},
	}, false)
	require.NoError(t, err)
	require.Equal(t, map[chainhash.Hash]struct{}{
		withdrawal.TxHash(): {},
	}, updateTxids(resp))

	applySync(t, local, resp)
	require.Equal(t, n.Tip(), local.Tip())
}

func TestBitcoindFullScan(t *testing.T) {
	t.Parallel()

	desc := keychaintest.Descriptor(t, 0x22)
	index, err := keychain.NewTxOutIndex(desc, 0)
	require.NoError(t, err)

	n, coinbase := fundedChain(t)
	first := chaintest.NewTx(
		[]wire.OutPoint{chaintest.OutPoint(coinbase, 0)},
		wire.NewTxOut(1e6, keychaintest.Spk(
			t, desc, keychain.KindReceive, 3,
		)),
		wire.NewTxOut(1e8, testSpk(0x09)),
	)
	n.Mine(nil, false, first)

	// Only reachable once index 3 moved the window.
	second := chaintest.NewTx(
		[]wire.OutPoint{chaintest.OutPoint(first, 1)},
		wire.NewTxOut(1e6, keychaintest.Spk(
			t, desc, keychain.KindReceive, 8,
		)),
	)
	n.Mine(nil, false, second)

	c, _ := newBitcoindClient(t, n)
	resp, err := c.FullScan(context.Background(), &chain.FullScanRequest{
		ChainTip: localchain.New(n.Genesis().Hash),
		SpkIters: []*keychain.SpkIter{
			index.UnboundedSpkIter(keychain.KindReceive),
			index.UnboundedSpkIter(keychain.KindChange),
		},
		StartHeight: 1,
	}, 6, chain.DefaultBatchSize)
	require.NoError(t, err)

	require.Equal(t, map[keychain.Kind]uint32{
		keychain.KindReceive: 8,
	}, resp.LastActiveIndices)
	require.Len(t, resp.GraphUpdate.Anchors, 2)
}

func TestBitcoindBlockHash(t *testing.T) {
	t.Parallel()

	n := chaintest.NewNetwork()
	n.MineEmpty(3)
	c, _ := newBitcoindClient(t, n)
	ctx := context.Background()

	hash, err := c.BlockHash(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, n.Tip().Hash, hash.UnwrapOr(chainhash.Hash{}))

	hash, err = c.BlockHash(ctx, 10)
	require.NoError(t, err)
	require.True(t, hash.IsNone())

	tip, err := c.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, n.Tip(), tip)
}

func TestBitcoindRetry(t *testing.T) {
	t.Parallel()

	n := chaintest.NewNetwork()
	n.MineEmpty(1)
	c, node := newBitcoindClient(t, n)
	ctx := context.Background()

	node.FailNext(3)
	tip, err := c.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, n.Tip(), tip)
	require.Equal(t, 4, node.Calls("getblockcount"))

	node.FailNext(10)
	_, err = c.ChainTip(ctx)

	var transportErr *chain.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestBitcoindBroadcast(t *testing.T) {
	t.Parallel()

	n, coinbase := fundedChain(t)
	c, _ := newBitcoindClient(t, n)
	ctx := context.Background()

	op := chaintest.OutPoint(coinbase, 0)
	value := coinbase.TxOut[0].Value
	require.NoError(t, c.BroadcastTx(ctx, spend(op, value, 1000,
		testSpk(0x01))))

	err := c.BroadcastTx(ctx, spend(op, value, 5000, testSpk(0x02)))
	require.ErrorIs(t, err, chain.ErrMempoolConflict)
}

func TestBitcoindMempool(t *testing.T) {
	t.Parallel()

	n, txs := feeChain(t)
	c, _ := newBitcoindClient(t, n)
	electrum, _ := newElectrumClient(t, n)
	ctx := context.Background()

	// The node's figures and the ones walked through the Electrum
	// client agree.
	for _, tx := range txs {
		fromNode, err := c.MempoolEntry(ctx, tx.TxHash())
		require.NoError(t, err)
		walked, err := electrum.MempoolEntry(ctx, tx.TxHash())
		require.NoError(t, err)

		require.Equal(t, walked.UnsafeFromSome(),
			fromNode.UnsafeFromSome())
	}

	entry, err := c.MempoolEntry(ctx, chainhash.Hash{0x01})
	require.NoError(t, err)
	require.True(t, entry.IsNone())

	spenders, err := c.MempoolSpenders(ctx, []wire.OutPoint{
		chaintest.OutPoint(txs[1], 0),
		chaintest.OutPoint(txs[2], 0),
	})
	require.NoError(t, err)
	require.Len(t, spenders, 1)
	require.Equal(t, txs[2].TxHash(), spenders[0].Txid)
	require.Equal(t, btcutil.Amount(6000), spenders[0].Fees.Ancestor)
}
