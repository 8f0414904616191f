// Package keychaintest provides deterministic descriptors for tests.
package keychaintest

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/stretchr/testify/require"
)

// Descriptor returns a regtest descriptor derived from a seed filled with
// the passed byte.
func Descriptor(t testing.TB, seedByte byte) *keychain.XpubDescriptor {
	t.Helper()

	seed := bytes.Repeat([]byte{seedByte}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	desc, err := keychain.NewXpubDescriptor(
		master, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return desc
}

// Spk returns the script at index on the branch.
func Spk(t testing.TB, desc keychain.Descriptor, kind keychain.Kind,
	index uint32) []byte {

	t.Helper()

	spk, err := desc.ScriptPubKey(kind, index)
	require.NoError(t, err)

	return spk
}
