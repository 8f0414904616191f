package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ScriptHash returns the key an Electrum server indexes a script under: the
// single SHA256 of the script, byte reversed and hex encoded. chainhash
// renders hashes byte reversed already.
func ScriptHash(spk []byte) string {
	return chainhash.HashH(spk).String()
}
