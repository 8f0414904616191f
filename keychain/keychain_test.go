package keychain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func testDescriptor(t *testing.T) *XpubDescriptor {
	t.Helper()

	seed := bytes.Repeat([]byte{0x01}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	desc, err := NewXpubDescriptor(master, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return desc
}

func TestDescriptorDerivation(t *testing.T) {
	t.Parallel()

	desc := testDescriptor(t)

	recv, err := desc.ScriptPubKey(KindReceive, 0)
	require.NoError(t, err)
	change, err := desc.ScriptPubKey(KindChange, 0)
	require.NoError(t, err)

	require.True(t, txscript.IsPayToWitnessPubKeyHash(recv))
	require.True(t, txscript.IsPayToWitnessPubKeyHash(change))
	require.NotEqual(t, recv, change)

	again, err := desc.ScriptPubKey(KindReceive, 0)
	require.NoError(t, err)
	require.Equal(t, recv, again)

	_, err = desc.ScriptPubKey(KindReceive, hdkeychain.HardenedKeyStart)
	require.Error(t, err)

	addr, err := desc.Address(KindReceive, 0)
	require.NoError(t, err)
	require.True(t, addr.IsForNet(&chaincfg.RegressionNetParams))
}

func TestParseDescriptor(t *testing.T) {
	t.Parallel()

	desc := testDescriptor(t)

	parsed, err := ParseDescriptor(
		desc.String(), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, desc.String(), parsed.String())

	bare, err := ParseDescriptor(
		desc.account.String(), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, desc.String(), bare.String())

	_, err = ParseDescriptor(desc.String(), &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrWrongNetwork)

	_, err = ParseDescriptor("tr(xpub)", &chaincfg.RegressionNetParams)
	require.Error(t, err)
}

func TestTxOutIndexReveal(t *testing.T) {
	t.Parallel()

	desc := testDescriptor(t)
	x, err := NewTxOutIndex(desc, 5)
	require.NoError(t, err)

	require.True(t, x.LastRevealed(KindReceive).IsNone())
	require.Len(t, x.WatchedSpks(), 10)

	// Scripts inside the look-ahead window are recognized before being
	// revealed.
	spk4, err := desc.ScriptPubKey(KindReceive, 4)
	require.NoError(t, err)
	require.Equal(t, fn.Some(Indexed{Kind: KindReceive, Index: 4}),
		x.Index(spk4))

	spk5, err := desc.ScriptPubKey(KindReceive, 5)
	require.NoError(t, err)
	require.True(t, x.Index(spk5).IsNone())

	require.NoError(t, x.RevealTo(KindReceive, 3))
	require.Equal(t, fn.Some(uint32(3)), x.LastRevealed(KindReceive))
	require.Equal(t, fn.Some(Indexed{Kind: KindReceive, Index: 5}),
		x.Index(spk5))
	require.Len(t, x.WatchedSpks(), 9+5)

	// Revealing backwards is a no-op.
	require.NoError(t, x.RevealTo(KindReceive, 1))
	require.Equal(t, fn.Some(uint32(3)), x.LastRevealed(KindReceive))
}

func TestUnboundedSpkIter(t *testing.T) {
	t.Parallel()

	desc := testDescriptor(t)
	x, err := NewTxOutIndex(desc, 2)
	require.NoError(t, err)

	it := x.UnboundedSpkIter(KindChange)
	require.Equal(t, KindChange, it.Kind())
	for i := uint32(0); i < 6; i++ {
		spk, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, i, spk.Index)
		require.Equal(t, KindChange, spk.Kind)

		want, err := desc.ScriptPubKey(KindChange, i)
		require.NoError(t, err)
		require.Equal(t, want, spk.Script)
	}
}
