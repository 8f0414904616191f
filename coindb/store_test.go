package coindb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain/chaintest"
	"github.com/btcsuite/walletsync/keychain/keychaintest"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "coins.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func newTestWallet(t *testing.T) *Store {
	t.Helper()

	s := newTestStore(t)
	err := s.CreateWallet(
		context.Background(), &chaincfg.RegressionNetParams,
		keychaintest.Descriptor(t, 0x01),
	)
	require.NoError(t, err)

	return s
}

// TestWalletRow checks creation and the wallet level fields.
func TestWalletRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	has, err := s.HasWallet(ctx)
	require.NoError(t, err)
	require.False(t, has)

	_, err = s.Network(ctx)
	require.True(t, IsError(err, ErrNoWallet))
	require.True(t, IsError(s.SetReceiveIndex(ctx, 1), ErrNoWallet))

	desc := keychaintest.Descriptor(t, 0x01)
	require.NoError(t, s.CreateWallet(
		ctx, &chaincfg.RegressionNetParams, desc,
	))
	err = s.CreateWallet(ctx, &chaincfg.RegressionNetParams, desc)
	require.True(t, IsError(err, ErrAlreadyExists))

	params, err := s.Network(ctx)
	require.NoError(t, err)
	require.Equal(t, chaincfg.RegressionNetParams.Name, params.Name)

	stored, err := s.MainDescriptor(ctx)
	require.NoError(t, err)
	require.Equal(t, desc.String(), stored.String())

	tip, err := s.ChainTip(ctx)
	require.NoError(t, err)
	require.True(t, tip.IsNone())

	newTip := localchain.BlockChainTip{Height: 42, Hash: chainhash.Hash{4}}
	require.NoError(t, s.UpdateTip(ctx, newTip))
	tip, err = s.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, fn.Some(newTip), tip)

	require.NoError(t, s.SetReceiveIndex(ctx, 7))
	require.NoError(t, s.SetChangeIndex(ctx, 3))
	receive, err := s.ReceiveIndex(ctx)
	require.NoError(t, err)
	change, err := s.ChangeIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(7), receive)
	require.Equal(t, uint32(3), change)
}

// TestCoinUpdates applies a sequence of updates and checks the stored coins
// after each of them.
func TestCoinUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestWallet(t)

	var (
		op1   = wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}
		op2   = wire.OutPoint{Hash: chainhash.Hash{2}, Index: 3}
		spend = chainhash.Hash{9}
		blk   = wallet.BlockInfo{Height: 10, Time: 1000}
		blk2  = wallet.BlockInfo{Height: 12, Time: 1200}
	)

	coinsAfter := func(u *wallet.UpdatedCoins) map[wire.OutPoint]wallet.Coin {
		t.Helper()

		require.NoError(t, s.UpdateCoins(ctx, u))
		coins, err := s.Coins(ctx)
		require.NoError(t, err)

		return coins
	}

	coins := coinsAfter(&wallet.UpdatedCoins{
		Received: []wallet.Coin{
			{OutPoint: op1, Amount: 1000, DerivationIndex: 4},
			{
				OutPoint: op2, Amount: 5000,
				DerivationIndex: 1, IsChange: true,
				IsImmature: true,
			},
		},
		Confirmed: []wallet.ConfirmedCoin{
			{OutPoint: op1, Block: blk},
		},
		FromSelf: []wire.OutPoint{op2},
	})
	require.Equal(t, map[wire.OutPoint]wallet.Coin{
		op1: {
			OutPoint: op1, Amount: 1000, DerivationIndex: 4,
			BlockInfo: fn.Some(blk),
		},
		op2: {
			OutPoint: op2, Amount: 5000, DerivationIndex: 1,
			IsChange: true, IsImmature: true, IsFromSelf: true,
		},
	}, coins)

	coins = coinsAfter(&wallet.UpdatedCoins{
		Spending: []wallet.SpendingCoin{
			{OutPoint: op1, SpendTxid: spend},
		},
		Matured: []wire.OutPoint{op2},
	})
	require.Equal(t, fn.Some(spend), coins[op1].SpendTxid)
	require.True(t, coins[op1].SpendBlock.IsNone())
	require.False(t, coins[op2].IsImmature)

	// A reorg onto a shorter chain makes the coinbase immature again.
	coins = coinsAfter(&wallet.UpdatedCoins{
		Immature: []wire.OutPoint{op2},
	})
	require.True(t, coins[op2].IsImmature)

	coins = coinsAfter(&wallet.UpdatedCoins{
		Spent: []wallet.SpentCoin{
			{OutPoint: op1, SpendTxid: spend, Block: blk2},
		},
	})
	require.Equal(t, fn.Some(blk2), coins[op1].SpendBlock)
	require.True(t, coins[op1].IsSpent())

	// Roll back above the deposit but below the spend.
	ancestor := localchain.BlockChainTip{Height: 11, Hash: chainhash.Hash{11}}
	require.NoError(t, s.RollbackTip(ctx, ancestor))
	coins, err := s.Coins(ctx)
	require.NoError(t, err)
	require.Equal(t, fn.Some(blk), coins[op1].BlockInfo)
	require.Equal(t, fn.Some(spend), coins[op1].SpendTxid)
	require.True(t, coins[op1].SpendBlock.IsNone())
	require.False(t, coins[op2].IsFromSelf)

	tip, err := s.ChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, fn.Some(ancestor), tip)

	coins = coinsAfter(&wallet.UpdatedCoins{
		ExpiredSpending: []wire.OutPoint{op1},
		Expired:         []wire.OutPoint{op2},
	})
	require.Len(t, coins, 1)
	require.True(t, coins[op1].SpendTxid.IsNone())

	// Rolling back below the deposit unconfirms it.
	require.NoError(t, s.RollbackTip(ctx, localchain.BlockChainTip{
		Height: 5, Hash: chainhash.Hash{5},
	}))
	coins, err = s.Coins(ctx)
	require.NoError(t, err)
	require.False(t, coins[op1].IsConfirmed())

	// Dropping the history keeps the wallet row.
	require.NoError(t, s.SetReceiveIndex(ctx, 5))
	require.NoError(t, s.DropHistory(ctx))
	coins, err = s.Coins(ctx)
	require.NoError(t, err)
	require.Empty(t, coins)
	tip, err = s.ChainTip(ctx)
	require.NoError(t, err)
	require.True(t, tip.IsNone())
	receive, err := s.ReceiveIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(5), receive)
}

// TestTransactions checks storing and listing transactions.
func TestTransactions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestWallet(t)

	now := time.Unix(1_700_000_000, 0)
	s.clock = func() time.Time { return now }

	deposit := chaintest.NewTx(
		[]wire.OutPoint{{Hash: chainhash.Hash{7}}},
		wire.NewTxOut(int64(btcutil.SatoshiPerBitcoin), []byte{0x51}),
	)
	pending := chaintest.NewTx(
		[]wire.OutPoint{chaintest.OutPoint(deposit, 0)},
		wire.NewTxOut(1000, []byte{0x51}),
	)

	require.NoError(t, s.StoreTransactions(
		ctx, []*wire.MsgTx{deposit, pending},
	))
	// Storing twice is a no-op.
	require.NoError(t, s.StoreTransactions(ctx, []*wire.MsgTx{deposit}))

	// The deposit confirmed long before the pending tx was stored.
	blk := wallet.BlockInfo{
		Height: 100, Time: uint32(now.Add(-time.Hour).Unix()),
	}
	require.NoError(t, s.UpdateCoins(ctx, &wallet.UpdatedCoins{
		Received: []wallet.Coin{{
			OutPoint: chaintest.OutPoint(deposit, 0),
			Amount:   btcutil.SatoshiPerBitcoin,
		}},
		Confirmed: []wallet.ConfirmedCoin{{
			OutPoint: chaintest.OutPoint(deposit, 0),
			Block:    blk,
		}},
	}))

	txs, err := s.ListWalletTransactions(ctx, []chainhash.Hash{
		deposit.TxHash(), {0xff}, pending.TxHash(),
	})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, deposit.TxHash(), txs[0].Tx.TxHash())
	require.Equal(t, fn.Some(wallet.Block{
		Height: blk.Height, Time: blk.Time,
	}), txs[0].Block)
	require.Equal(t, pending.TxHash(), txs[1].Tx.TxHash())
	require.True(t, txs[1].Block.IsNone())

	testCases := []struct {
		name     string
		from, to time.Time
		limit    int
		expected []chainhash.Hash
	}{
		{
			name:     "all",
			from:     now.Add(-24 * time.Hour),
			to:       now,
			expected: []chainhash.Hash{pending.TxHash(), deposit.TxHash()},
		},
		{
			name:     "limited",
			from:     now.Add(-24 * time.Hour),
			to:       now,
			limit:    1,
			expected: []chainhash.Hash{pending.TxHash()},
		},
		{
			name:     "confirmed only",
			from:     now.Add(-2 * time.Hour),
			to:       now.Add(-time.Minute),
			expected: []chainhash.Hash{deposit.TxHash()},
		},
		{
			name: "none",
			from: now.Add(time.Minute),
			to:   now.Add(time.Hour),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			txids, err := s.ListTxids(ctx, tc.from, tc.to, tc.limit)
			require.NoError(t, err)
			require.Equal(t, tc.expected, txids)
		})
	}
}
