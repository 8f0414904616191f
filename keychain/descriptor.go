package keychain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrWrongNetwork is returned when a descriptor's key was encoded for a
// different network than the one the wallet runs on.
var ErrWrongNetwork = errors.New("extended key is for another network")

// Descriptor derives the output scripts of a two-branch wallet.
type Descriptor interface {
	// ScriptPubKey returns the script at index on the given branch.
	ScriptPubKey(kind Kind, index uint32) ([]byte, error)

	// String returns the canonical encoding of the descriptor.
	String() string
}

// XpubDescriptor is a watch-only P2WPKH descriptor rooted at an account
// extended public key, deriving receive scripts from <xpub>/0/* and change
// scripts from <xpub>/1/*.
type XpubDescriptor struct {
	account  *hdkeychain.ExtendedKey
	branches [2]*hdkeychain.ExtendedKey
	params   *chaincfg.Params
}

// A compile-time assertion to ensure XpubDescriptor meets the Descriptor
// interface.
var _ Descriptor = (*XpubDescriptor)(nil)

// NewXpubDescriptor returns a descriptor for the passed account key. Private
// keys are neutered first so the descriptor never holds secrets.
func NewXpubDescriptor(account *hdkeychain.ExtendedKey,
	params *chaincfg.Params) (*XpubDescriptor, error) {

	if !account.IsForNet(params) {
		return nil, ErrWrongNetwork
	}

	pub, err := account.Neuter()
	if err != nil {
		return nil, err
	}

	d := &XpubDescriptor{account: pub, params: params}
	for _, kind := range Kinds {
		branch, err := pub.Derive(uint32(kind))
		if err != nil {
			return nil, fmt.Errorf("unable to derive %v branch: %w",
				kind, err)
		}
		d.branches[kind] = branch
	}

	return d, nil
}

// ParseDescriptor accepts either a bare extended public key or the
// wpkh(<xpub>/<0;1>/*) form produced by String.
func ParseDescriptor(s string, params *chaincfg.Params) (*XpubDescriptor,
	error) {

	key := strings.TrimSpace(s)
	if strings.HasPrefix(key, "wpkh(") {
		if !strings.HasSuffix(key, "/<0;1>/*)") {
			return nil, fmt.Errorf("unsupported descriptor %q", s)
		}
		key = strings.TrimPrefix(key, "wpkh(")
		key = strings.TrimSuffix(key, "/<0;1>/*)")
	}

	account, err := hdkeychain.NewKeyFromString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}

	return NewXpubDescriptor(account, params)
}

// ScriptPubKey derives the P2WPKH script at index on the given branch.
func (d *XpubDescriptor) ScriptPubKey(kind Kind, index uint32) ([]byte,
	error) {

	if int(kind) >= len(d.branches) {
		return nil, fmt.Errorf("unknown keychain %v", kind)
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d is hardened", index)
	}

	child, err := d.branches[kind].Derive(index)
	if err != nil {
		return nil, err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, err
	}

	return p2wpkhScript(pub, d.params)
}

// String returns the descriptor as wpkh(<xpub>/<0;1>/*).
func (d *XpubDescriptor) String() string {
	return fmt.Sprintf("wpkh(%s/<0;1>/*)", d.account.String())
}

// Address renders the script at index as an address, used when logging
// newly revealed deposit addresses.
func (d *XpubDescriptor) Address(kind Kind, index uint32) (btcutil.Address,
	error) {

	script, err := d.ScriptPubKey(kind, index)
	if err != nil {
		return nil, err
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, d.params)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, fmt.Errorf("unexpected script %x", script)
	}

	return addrs[0], nil
}

func p2wpkhScript(pub *btcec.PublicKey, params *chaincfg.Params) ([]byte,
	error) {

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), params,
	)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}
