package netparams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTestNet4Genesis verifies the hand-written testnet4 genesis block hashes
// to the well known value.
func TestTestNet4Genesis(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"00000000da84f2bafbbc53dee25a72ae507ff4914b867c565be350b0da8bf043",
		testNet4GenesisBlock.BlockHash().String())
	require.Equal(t,
		"7aa0a7ae1e223414cb807e40cd57e667b718e42aaf9306db9102fe28912b7b4e",
		testNet4GenesisBlock.Header.MerkleRoot.String())
}

// TestExpectedGenesis checks that the expected genesis hash of every network
// matches the genesis hash carried by its chain params.
func TestExpectedGenesis(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		want string
	}{
		{"mainnet", "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"},
		{"testnet", "000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943"},
		{"testnet4", "00000000da84f2bafbbc53dee25a72ae507ff4914b867c565be350b0da8bf043"},
		{"signet", "00000008819873e925422c1ff0f99f7cc9bbb232af63a077a480a3633bee1ef6"},
		{"regtest", "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p, err := ForName(tc.name)
			require.NoError(t, err)
			require.Equal(t, tc.want, p.ExpectedGenesis.String())
			require.Equal(t, tc.want, p.GenesisHash.String())

			back, err := ForChainParams(p.Params)
			require.NoError(t, err)
			require.Equal(t, p.ExpectedGenesis, back.ExpectedGenesis)
		})
	}

	_, err := ForName("litecoin")
	require.Error(t, err)
}
