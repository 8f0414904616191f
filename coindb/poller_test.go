package coindb

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
	"github.com/btcsuite/walletsync/netparams"
	"github.com/btcsuite/walletsync/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// startPoller loads the wallet stored in s and starts a poller syncing it
// against n.
func startPoller(t *testing.T, s *Store, n *chaintest.Network) *wallet.Poller {
	t.Helper()

	srv := chaintest.NewElectrumServer(n)
	client, err := chain.NewElectrumClientWithDialer(&chain.ElectrumConfig{
		Addr:        "tcp://127.0.0.1:60401",
		RetryLimit:  2,
		BackoffBase: time.Millisecond,
	}, &netparams.RegTestParams, srv.Dialer())
	require.NoError(t, err)
	t.Cleanup(client.Stop)

	syncer, err := wallet.Load(
		context.Background(), s, client, wallet.WithLookAhead(5),
		wallet.WithStopGap(10),
	)
	require.NoError(t, err)
	require.NoError(t, syncer.SanityCheck(context.Background()))

	p := wallet.NewPoller(&wallet.PollerConfig{
		DB:     s,
		Syncer: syncer,
		Ticker: ticker.NewForce(time.Hour),
	})
	p.Start()
	t.Cleanup(p.Stop)

	return p
}

// TestPollerPersistence runs sync cycles against the sqlite store and checks
// that a restarted wallet picks up where it left off.
func TestPollerPersistence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestWallet(t)
	desc := keychaintest.Descriptor(t, 0x01)

	n := chaintest.NewNetwork()
	funding := n.Mine(nil, false).Transactions[0]
	n.MineEmpty(10)

	deposit := chaintest.NewTx(
		[]wire.OutPoint{chaintest.OutPoint(funding, 0)},
		wire.NewTxOut(
			int64(btcutil.SatoshiPerBitcoin),
			keychaintest.Spk(t, desc, keychain.KindReceive, 2),
		),
	)
	require.NoError(t, n.AddToMempool(deposit))
	n.Mine(nil, true)
	op := chaintest.OutPoint(deposit, 0)

	p := startPoller(t, s, n)
	res, err := p.SyncNow(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Len(t, res.Updated.Received, 1)

	coins, err := s.Coins(ctx)
	require.NoError(t, err)
	require.Contains(t, coins, op)
	require.Equal(t, int32(12), coins[op].BlockInfo.UnsafeFromSome().Height)

	receive, err := s.ReceiveIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(3), receive)

	tip, err := s.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, fn.Some(n.Tip()), tip)

	// The spend of the deposit is recorded by a restarted wallet.
	p.Stop()
	spend := chaintest.NewTx(
		[]wire.OutPoint{op},
		wire.NewTxOut(
			90_000_000,
			keychaintest.Spk(t, desc, keychain.KindChange, 0),
		),
	)
	require.NoError(t, n.AddToMempool(spend))

	p = startPoller(t, s, n)
	res, err = p.SyncNow(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, []wallet.SpendingCoin{{
		OutPoint: op, SpendTxid: spend.TxHash(),
	}}, res.Updated.Spending)
	require.Equal(t, []wire.OutPoint{chaintest.OutPoint(spend, 0)},
		res.Updated.FromSelf)

	txs, err := s.ListWalletTransactions(ctx, []chainhash.Hash{
		deposit.TxHash(), spend.TxHash(),
	})
	require.NoError(t, err)
	require.Len(t, txs, 2)
}
