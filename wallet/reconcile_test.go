package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/keychain/keychaintest"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func testOutPoint(b byte, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: index}
}

func coinsOf(coins ...Coin) map[wire.OutPoint]Coin {
	m := make(map[wire.OutPoint]Coin, len(coins))
	for _, c := range coins {
		m[c.OutPoint] = c
	}

	return m
}

// TestDiffCoins checks every kind of change between two coin sets.
func TestDiffCoins(t *testing.T) {
	t.Parallel()

	var (
		op1   = testOutPoint(1, 0)
		op2   = testOutPoint(2, 1)
		spend = chainhash.Hash{9}
		other = chainhash.Hash{8}
		blk   = BlockInfo{Height: 10, Time: 1000}
		blk2  = BlockInfo{Height: 12, Time: 1200}

		unconfirmed = Coin{OutPoint: op1, Amount: 1000}
		confirmed   = Coin{
			OutPoint: op1, Amount: 1000, BlockInfo: fn.Some(blk),
		}
	)
	withSpend := func(c Coin, txid chainhash.Hash,
		b fn.Option[BlockInfo]) Coin {

		c.SpendTxid = fn.Some(txid)
		c.SpendBlock = b

		return c
	}

	testCases := []struct {
		name     string
		current  map[wire.OutPoint]Coin
		coins    map[wire.OutPoint]Coin
		expected *UpdatedCoins
	}{
		{
			name:     "no change",
			current:  coinsOf(confirmed),
			coins:    coinsOf(confirmed),
			expected: &UpdatedCoins{},
		},
		{
			name:    "received confirmed and spent",
			current: coinsOf(),
			coins: coinsOf(withSpend(
				confirmed, spend, fn.Some(blk2),
			)),
			expected: &UpdatedCoins{
				Received: []Coin{withSpend(
					confirmed, spend, fn.Some(blk2),
				)},
				Confirmed: []ConfirmedCoin{{
					OutPoint: op1, Block: blk,
				}},
				Spending: []SpendingCoin{{
					OutPoint: op1, SpendTxid: spend,
				}},
				Spent: []SpentCoin{{
					OutPoint: op1, SpendTxid: spend,
					Block: blk2,
				}},
			},
		},
		{
			name:    "confirmed",
			current: coinsOf(unconfirmed),
			coins:   coinsOf(confirmed),
			expected: &UpdatedCoins{
				Confirmed: []ConfirmedCoin{{
					OutPoint: op1, Block: blk,
				}},
			},
		},
		{
			name:    "expired",
			current: coinsOf(unconfirmed, Coin{OutPoint: op2}),
			coins:   coinsOf(Coin{OutPoint: op2}),
			expected: &UpdatedCoins{
				Expired: []wire.OutPoint{op1},
			},
		},
		{
			name:    "spend replaced",
			current: coinsOf(withSpend(confirmed, other, fn.None[BlockInfo]())),
			coins:   coinsOf(withSpend(confirmed, spend, fn.None[BlockInfo]())),
			expected: &UpdatedCoins{
				ExpiredSpending: []wire.OutPoint{op1},
				Spending: []SpendingCoin{{
					OutPoint: op1, SpendTxid: spend,
				}},
			},
		},
		{
			name:    "spend dropped",
			current: coinsOf(withSpend(confirmed, other, fn.None[BlockInfo]())),
			coins:   coinsOf(confirmed),
			expected: &UpdatedCoins{
				ExpiredSpending: []wire.OutPoint{op1},
			},
		},
		{
			name:    "spend confirmed",
			current: coinsOf(withSpend(confirmed, spend, fn.None[BlockInfo]())),
			coins:   coinsOf(withSpend(confirmed, spend, fn.Some(blk2))),
			expected: &UpdatedCoins{
				Spent: []SpentCoin{{
					OutPoint: op1, SpendTxid: spend,
					Block: blk2,
				}},
			},
		},
		{
			name:    "from self and matured",
			current: coinsOf(Coin{OutPoint: op1, IsImmature: true}),
			coins: coinsOf(Coin{
				OutPoint: op1, IsFromSelf: true,
			}),
			expected: &UpdatedCoins{
				FromSelf: []wire.OutPoint{op1},
				Matured:  []wire.OutPoint{op1},
			},
		},
		{
			name:    "back under maturity",
			current: coinsOf(Coin{OutPoint: op1}),
			coins:   coinsOf(Coin{OutPoint: op1, IsImmature: true}),
			expected: &UpdatedCoins{
				Immature: []wire.OutPoint{op1},
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, diffCoins(tc.current, tc.coins))
		})
	}
}

// TestBumpIndices checks that the persisted indices only move forward, past
// the highest index used on each keychain.
func TestBumpIndices(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name            string
		receive, change uint32
		received        []Coin
		expectReceive   uint32
		expectChange    uint32
	}{
		{
			name:          "nothing received",
			receive:       3,
			change:        2,
			expectReceive: 3,
			expectChange:  2,
		},
		{
			name:    "receive only",
			receive: 3,
			change:  2,
			received: []Coin{
				{DerivationIndex: 5},
				{DerivationIndex: 7},
			},
			expectReceive: 8,
			expectChange:  2,
		},
		{
			name:    "below next index",
			receive: 10,
			change:  10,
			received: []Coin{
				{DerivationIndex: 9},
				{DerivationIndex: 2, IsChange: true},
			},
			expectReceive: 10,
			expectChange:  10,
		},
		{
			name:    "change at next index",
			receive: 0,
			change:  4,
			received: []Coin{
				{DerivationIndex: 4, IsChange: true},
			},
			expectReceive: 0,
			expectChange:  5,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			db := newMemDB(keychaintest.Descriptor(t, 0x02))
			db.receive, db.change = tc.receive, tc.change

			require.NoError(t, bumpIndices(ctx, db, tc.received))
			require.Equal(t, tc.expectReceive, db.receive)
			require.Equal(t, tc.expectChange, db.change)
		})
	}
}

// TestReorgAncestor checks the common ancestor derived from chain changes.
func TestReorgAncestor(t *testing.T) {
	t.Parallel()

	block := func(height int32, b byte) localchain.BlockChainTip {
		return localchain.BlockChainTip{
			Height: height, Hash: chainhash.Hash{b},
		}
	}
	old, err := localchain.FromBlocks([]localchain.BlockChainTip{
		block(0, 0), block(5, 5), block(8, 8), block(10, 10),
	})
	require.NoError(t, err)

	testCases := []struct {
		name     string
		changes  localchain.ChangeSet
		expected fn.Option[localchain.BlockChainTip]
	}{
		{
			name: "extension",
			changes: localchain.ChangeSet{
				{Height: 11, Hash: fn.Some(chainhash.Hash{11})},
			},
			expected: fn.None[localchain.BlockChainTip](),
		},
		{
			name: "new checkpoint below tip",
			changes: localchain.ChangeSet{
				{Height: 9, Hash: fn.Some(chainhash.Hash{9})},
			},
			expected: fn.None[localchain.BlockChainTip](),
		},
		{
			name: "replaced block",
			changes: localchain.ChangeSet{
				{Height: 8, Hash: fn.Some(chainhash.Hash{0x88})},
				{Height: 10, Hash: fn.None[chainhash.Hash]()},
			},
			expected: fn.Some(block(5, 5)),
		},
		{
			name: "removed tip",
			changes: localchain.ChangeSet{
				{Height: 10, Hash: fn.None[chainhash.Hash]()},
			},
			expected: fn.Some(block(8, 8)),
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, reorgAncestor(old, tc.changes))
		})
	}
}
