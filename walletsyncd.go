// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/coindb"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/wallet"
	"github.com/lightningnetwork/lnd/ticker"
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s on %s", version(), cfg.params.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Errorf("Unable to open coin database: %v", err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("Unable to close coin database: %v", err)
		}
	}()

	client, err := newChainClient(cfg)
	if err != nil {
		log.Errorf("Unable to create chain client: %v", err)
		return err
	}
	defer client.Stop()

	syncer, err := wallet.Load(
		ctx, db, client, wallet.WithLookAhead(cfg.LookAhead),
		wallet.WithStopGap(cfg.StopGap),
		wallet.WithRescanHeight(cfg.RescanHeight),
	)
	if err != nil {
		log.Errorf("Unable to load wallet: %v", err)
		return err
	}

	// Refuse to run against a chain source on another network than the
	// one the wallet was created for.
	if err := syncer.SanityCheck(ctx); err != nil {
		log.Errorf("Chain source sanity check failed: %v", err)
		return err
	}
	if cfg.Rescan {
		syncer.TriggerRescan()
	}

	poller := wallet.NewPoller(&wallet.PollerConfig{
		DB:      db,
		Syncer:  syncer,
		Ticker:  ticker.New(cfg.PollInterval),
		OnFatal: simulateInterrupt,
	})
	poller.Start()
	addInterruptHandler(poller.Stop)

	if cfg.Bitcoind.ZMQPubHashBlock != "" {
		notifier, err := chain.NewBlockNotifier(
			cfg.Bitcoind.ZMQPubHashBlock, 0,
		)
		if err != nil {
			log.Errorf("Unable to subscribe to block notifications: "+
				"%v", err)
			simulateInterrupt(err)
		} else {
			addInterruptHandler(notifier.Stop)
			go syncOnBlocks(ctx, poller, notifier)
		}
	}

	// Run a first cycle right away rather than waiting for the ticker.
	go func() {
		res, err := poller.SyncNow(ctx)
		switch {
		case err != nil:
			return

		case res.Err != nil:
			log.Warnf("Initial sync failed: %v", res.Err)

		default:
			n := res.Updated.Len()
			log.Infof("Initial sync done at %v with %d coin %s",
				res.Tip, n, pickNoun(n, "update", "updates"))
		}
	}()

	<-interruptHandlersDone
	log.Info("Shutdown complete")

	return nil
}

// syncOnBlocks runs a sync cycle whenever the node announces a block, ahead
// of the next tick.
func syncOnBlocks(ctx context.Context, poller *wallet.Poller,
	notifier *chain.BlockNotifier) {

	for {
		select {
		case hash := <-notifier.Notifications():
			log.Debugf("Syncing on new block %v", hash)

			res, err := poller.SyncNow(ctx)
			if err != nil {
				return
			}
			if res.Err != nil {
				log.Warnf("Sync on new block failed: %v", res.Err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// openDatabase opens the coin database of the configured network, creating
// the wallet from the configured descriptor on first run.
func openDatabase(ctx context.Context, cfg *config) (*coindb.Store, error) {
	dbPath := cfg.dbPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}

	db, err := coindb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	hasWallet, err := db.HasWallet(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	switch {
	case hasWallet:
		if cfg.Descriptor != "" {
			log.Warnf("Ignoring descriptor option, the database " +
				"already holds a wallet")
		}
		return db, nil

	case cfg.Descriptor == "":
		_ = db.Close()
		return nil, errors.New("no wallet in database -- set " +
			"descriptor to create one")
	}

	desc, err := keychain.ParseDescriptor(cfg.Descriptor, cfg.params.Params)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	if err := db.CreateWallet(ctx, cfg.params.Params, desc); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("Created wallet for %v in %v", desc, dbPath)

	return db, nil
}

// newChainClient connects to the configured chain source.
func newChainClient(cfg *config) (chain.Interface, error) {
	if cfg.Electrum.Addr != "" {
		log.Infof("Using Electrum server %v", cfg.Electrum.Addr)

		client, err := chain.NewElectrumClient(&chain.ElectrumConfig{
			Addr:           cfg.Electrum.Addr,
			ValidateDomain: cfg.Electrum.ValidateDomain,
			RetryLimit:     cfg.RetryLimit,
		}, cfg.params)
		if err != nil {
			return nil, err
		}

		return client, nil
	}

	log.Infof("Using bitcoind at %v", cfg.Bitcoind.RPCHost)

	client, err := chain.NewBitcoindClient(&chain.BitcoindConfig{
		Host:       cfg.Bitcoind.RPCHost,
		User:       cfg.Bitcoind.RPCUser,
		Pass:       cfg.Bitcoind.RPCPass,
		CookiePath: cfg.Bitcoind.RPCCookie,
		RetryLimit: cfg.RetryLimit,
	}, cfg.params)
	if err != nil {
		return nil, err
	}

	return client, nil
}
