// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// RPCClientPort is the default JSON-RPC port of a bitcoind node on
	// this network.
	RPCClientPort string

	// ElectrumTCPPort and ElectrumSSLPort are the conventional Electrum
	// server ports on this network.
	ElectrumTCPPort string
	ElectrumSSLPort string

	// ExpectedGenesis is the genesis block hash every chain source and
	// every persisted wallet on this network must agree on.
	ExpectedGenesis chainhash.Hash
}

// MainNetParams contains parameters specific to the main network
// (wire.MainNet).
var MainNetParams = Params{
	Params:          &chaincfg.MainNetParams,
	RPCClientPort:   "8332",
	ElectrumTCPPort: "50001",
	ElectrumSSLPort: "50002",
	ExpectedGenesis: mustHash("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"),
}

// TestNet3Params contains parameters specific to the test network (version
// 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:          &chaincfg.TestNet3Params,
	RPCClientPort:   "18332",
	ElectrumTCPPort: "60001",
	ElectrumSSLPort: "60002",
	ExpectedGenesis: mustHash("000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943"),
}

// TestNet4Params contains parameters specific to the test network (version
// 4).
var TestNet4Params = Params{
	Params:          &TestNet4ChainParams,
	RPCClientPort:   "48332",
	ElectrumTCPPort: "40001",
	ElectrumSSLPort: "40002",
	ExpectedGenesis: mustHash("00000000da84f2bafbbc53dee25a72ae507ff4914b867c565be350b0da8bf043"),
}

// SigNetParams contains parameters specific to the default signet network
// (wire.SigNet).
var SigNetParams = Params{
	Params:          &chaincfg.SigNetParams,
	RPCClientPort:   "38332",
	ElectrumTCPPort: "60601",
	ElectrumSSLPort: "60602",
	ExpectedGenesis: mustHash("00000008819873e925422c1ff0f99f7cc9bbb232af63a077a480a3633bee1ef6"),
}

// RegTestParams contains parameters specific to the regression test network
// (wire.TestNet).
var RegTestParams = Params{
	Params:          &chaincfg.RegressionNetParams,
	RPCClientPort:   "18443",
	ElectrumTCPPort: "60401",
	ElectrumSSLPort: "60402",
	ExpectedGenesis: mustHash("0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206"),
}

// networks maps the names accepted on the command line to their params.
var networks = map[string]*Params{
	"mainnet":  &MainNetParams,
	"bitcoin":  &MainNetParams,
	"testnet":  &TestNet3Params,
	"testnet3": &TestNet3Params,
	"testnet4": &TestNet4Params,
	"signet":   &SigNetParams,
	"regtest":  &RegTestParams,
}

// ForName returns the params of the named network.
func ForName(name string) (*Params, error) {
	p, ok := networks[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", name)
	}

	return p, nil
}

// ForChainParams returns the params wrapping the passed chain params,
// matched by their genesis hash.
func ForChainParams(cp *chaincfg.Params) (*Params, error) {
	for _, p := range networks {
		if *cp.GenesisHash == p.ExpectedGenesis {
			return p, nil
		}
	}

	return nil, fmt.Errorf("no params for network %s", cp.Name)
}

func mustHash(s string) chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}

	return *h
}
