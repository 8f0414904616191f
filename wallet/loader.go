// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/netparams"
)

// loaderConfig contains the configuration options for the loader.
type loaderConfig struct {
	lookAhead    uint32
	stopGap      uint32
	batchSize    uint32
	rescanHeight int32
}

// defaultLoaderConfig returns the default configuration options for the loader.
func defaultLoaderConfig() *loaderConfig {
	return &loaderConfig{
		lookAhead: DefaultLookAhead,
		stopGap:   chain.DefaultStopGap,
		batchSize: chain.DefaultBatchSize,
	}
}

// LoaderOption is a configuration option for the loader.
type LoaderOption func(*loaderConfig)

// WithLookAhead sets the number of scripts watched past the last revealed
// one of each keychain.
func WithLookAhead(lookAhead uint32) LoaderOption {
	return func(c *loaderConfig) {
		c.lookAhead = lookAhead
	}
}

// WithStopGap sets the number of unused scripts ending a full scan.
func WithStopGap(stopGap uint32) LoaderOption {
	return func(c *loaderConfig) {
		c.stopGap = stopGap
	}
}

// WithBatchSize sets the number of scripts queried per full scan round trip.
func WithBatchSize(batchSize uint32) LoaderOption {
	return func(c *loaderConfig) {
		c.batchSize = batchSize
	}
}

// WithRescanHeight sets the first block walked by a full scan on sources
// without a script index.
func WithRescanHeight(height int32) LoaderOption {
	return func(c *loaderConfig) {
		c.rescanHeight = height
	}
}

// Load rebuilds the wallet persisted in db and returns a syncer driving it
// against client.
func Load(ctx context.Context, db DatabaseConnection, client chain.Interface,
	opts ...LoaderOption) (*Syncer, error) {

	cfg := defaultLoaderConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	chainParams, err := db.Network(ctx)
	if err != nil {
		return nil, err
	}
	params, err := netparams.ForChainParams(chainParams)
	if err != nil {
		return nil, err
	}

	desc, err := db.MainDescriptor(ctx)
	if err != nil {
		return nil, err
	}
	tip, err := db.ChainTip(ctx)
	if err != nil {
		return nil, err
	}
	coins, err := db.Coins(ctx)
	if err != nil {
		return nil, err
	}
	receive, err := db.ReceiveIndex(ctx)
	if err != nil {
		return nil, err
	}
	change, err := db.ChangeIndex(ctx)
	if err != nil {
		return nil, err
	}

	txids := coinTxids(coins)
	stored, err := db.ListWalletTransactions(ctx, txids)
	if err != nil {
		return nil, err
	}
	txs := make([]*wire.MsgTx, 0, len(stored))
	known := make(map[chainhash.Hash]struct{}, len(stored))
	for _, t := range stored {
		txs = append(txs, t.Tx)
		known[t.Tx.TxHash()] = struct{}{}
	}
	for op, coin := range coins {
		if _, ok := known[op.Hash]; !ok && !coin.IsConfirmed() {
			log.Warnf("Deposit tx of unconfirmed coin %v is not "+
				"stored, the coin will expire", op)
		}
	}

	w, err := New(&Config{
		Descriptor:   desc,
		Genesis:      params.ExpectedGenesis,
		Tip:          tip,
		Coins:        coins,
		Txs:          txs,
		ReceiveIndex: receive,
		ChangeIndex:  change,
		LookAhead:    cfg.lookAhead,
	})
	if err != nil {
		return nil, err
	}

	return NewSyncer(&SyncerConfig{
		Client:       client,
		Wallet:       w,
		Params:       params,
		StopGap:      cfg.stopGap,
		BatchSize:    cfg.batchSize,
		RescanHeight: cfg.rescanHeight,
	}), nil
}

// coinTxids returns the deposit and spend txids of the coins.
func coinTxids(coins map[wire.OutPoint]Coin) []chainhash.Hash {
	seen := make(map[chainhash.Hash]struct{})
	var txids []chainhash.Hash
	add := func(txid chainhash.Hash) {
		if _, ok := seen[txid]; ok {
			return
		}
		seen[txid] = struct{}{}
		txids = append(txids, txid)
	}
	for _, op := range sortedOutPoints(coins) {
		add(op.Hash)
		coins[op].SpendTxid.WhenSome(add)
	}

	return txids
}
