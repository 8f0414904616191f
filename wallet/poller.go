package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

// ErrPollerShuttingDown is returned by the request methods of a Poller once
// it is stopped.
var ErrPollerShuttingDown = errors.New("poller shutting down")

// CycleResult describes a completed sync cycle.
type CycleResult struct {
	// Tip is the local chain tip at the end of the cycle.
	Tip localchain.BlockChainTip

	// Reorg is the common ancestor the database was rolled back to, if
	// the cycle detected a reorg.
	Reorg fn.Option[localchain.BlockChainTip]

	// Updated is the coin update persisted by the cycle.
	Updated *UpdatedCoins

	// Err is set if the cycle failed.
	Err error
}

// Status is a snapshot of the poller health.
type Status struct {
	// Cycles is the number of cycles run, failed ones included.
	Cycles uint64

	// LastTip is the tip of the last successful cycle.
	LastTip fn.Option[localchain.BlockChainTip]

	// LastSuccess is the time the last successful cycle ended.
	LastSuccess time.Time

	// LastErr is the error of the last cycle, nil if it succeeded.
	LastErr error

	// RescanProgress is zero while a full scan is pending and one once
	// it completed.
	RescanProgress float64
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// DB is where the coin updates are persisted.
	DB DatabaseConnection

	// Syncer is handed over to the poller, nothing else may use it once
	// the poller is started.
	Syncer *Syncer

	// Ticker paces the sync cycles.
	Ticker ticker.Ticker

	// OnFatal is called from the poller goroutine when a cycle fails with
	// an error that retrying can't fix, such as a genesis mismatch. The
	// poller stops polling afterwards.
	OnFatal func(error)
}

type coinsRequest struct {
	outpoints fn.Option[[]wire.OutPoint]
	resp      chan map[wire.OutPoint]Coin
}

type txRequest struct {
	txid chainhash.Hash
	resp chan fn.Option[TxWithBlock]
}

type mempoolRequest struct {
	ctx  context.Context
	txid chainhash.Hash
	resp chan fn.Result[fn.Option[chain.MempoolEntry]]
}

// Poller runs sync cycles on a timer and serves reads of the wallet state.
// A single goroutine owns the Syncer: every other component reaches it
// through the request methods, which are served between cycles.
type Poller struct {
	started sync.Once
	stopped sync.Once

	cfg PollerConfig

	coinsReqs   chan *coinsRequest
	tipReqs     chan chan localchain.BlockChainTip
	txReqs      chan *txRequest
	mempoolReqs chan *mempoolRequest
	rescanReqs  chan chan struct{}
	syncReqs    chan chan *CycleResult

	statusMtx sync.RWMutex
	status    Status

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check to ensure that Poller satisfies the Interface
// interface.
var _ Interface = (*Poller)(nil)

// NewPoller returns a poller, it must be started before use.
func NewPoller(cfg *PollerConfig) *Poller {
	return &Poller{
		cfg:         *cfg,
		coinsReqs:   make(chan *coinsRequest),
		tipReqs:     make(chan chan localchain.BlockChainTip),
		txReqs:      make(chan *txRequest),
		mempoolReqs: make(chan *mempoolRequest),
		rescanReqs:  make(chan chan struct{}),
		syncReqs:    make(chan chan *CycleResult),
		quit:        make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (p *Poller) Start() {
	p.started.Do(func() {
		log.Infof("Starting poller at tip %v", p.cfg.Syncer.WalletTip())

		p.statusMtx.Lock()
		p.status.RescanProgress = p.cfg.Syncer.RescanProgress()
		p.statusMtx.Unlock()

		p.cfg.Ticker.Resume()

		p.wg.Add(1)
		go p.pollLoop()
	})
}

// Stop signals the polling goroutine to exit and waits for it.
func (p *Poller) Stop() {
	p.stopped.Do(func() {
		log.Infof("Stopping poller")

		close(p.quit)
		p.wg.Wait()
		p.cfg.Ticker.Stop()
	})
}

// pollLoop is the goroutine owning the syncer.
//
// NOTE: This MUST be run as a goroutine.
func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	fatal := false
	for {
		select {
		case <-p.cfg.Ticker.Ticks():
			if fatal {
				continue
			}
			res := p.cycle(ctx)
			fatal = p.handleFatal(res.Err)

		case resp := <-p.syncReqs:
			res := p.cycle(ctx)
			fatal = p.handleFatal(res.Err) || fatal
			resp <- res

		case req := <-p.coinsReqs:
			req.resp <- p.cfg.Syncer.WalletCoins(
				req.outpoints, fn.Some(p.cfg.Syncer.SyncCount()),
			)

		case resp := <-p.tipReqs:
			resp <- p.cfg.Syncer.WalletTip()

		case req := <-p.txReqs:
			req.resp <- p.cfg.Syncer.GetTransaction(req.txid)

		case req := <-p.mempoolReqs:
			entry, err := p.cfg.Syncer.MempoolEntry(req.ctx, req.txid)
			if err != nil {
				req.resp <- fn.Err[fn.Option[chain.MempoolEntry]](err)
				continue
			}
			req.resp <- fn.Ok(entry)

		case resp := <-p.rescanReqs:
			p.cfg.Syncer.TriggerRescan()
			p.statusMtx.Lock()
			p.status.RescanProgress = p.cfg.Syncer.RescanProgress()
			p.statusMtx.Unlock()
			close(resp)

		case <-p.quit:
			return
		}
	}
}

// handleFatal reports errors no later cycle can recover from.
func (p *Poller) handleFatal(err error) bool {
	var mismatch *chain.GenesisMismatchError
	if !errors.As(err, &mismatch) {
		return false
	}

	log.Criticalf("Stopping sync: %v", err)
	if p.cfg.OnFatal != nil {
		p.cfg.OnFatal(err)
	}

	return true
}

// cycle runs a sync, persists its outcome and records it in the status.
func (p *Poller) cycle(ctx context.Context) *CycleResult {
	res, err := p.runCycle(ctx)
	if err != nil {
		log.Errorf("Sync cycle failed: %v", err)
		res = &CycleResult{Tip: p.cfg.Syncer.WalletTip(), Err: err}
	}

	p.statusMtx.Lock()
	p.status.Cycles++
	p.status.LastErr = err
	p.status.RescanProgress = p.cfg.Syncer.RescanProgress()
	if err == nil {
		p.status.LastTip = fn.Some(res.Tip)
		p.status.LastSuccess = time.Now()
	}
	p.statusMtx.Unlock()

	return res
}

func (p *Poller) runCycle(ctx context.Context) (*CycleResult, error) {
	db, s := p.cfg.DB, p.cfg.Syncer

	receive, err := db.ReceiveIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch receive index: %w", err)
	}
	change, err := db.ChangeIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch change index: %w", err)
	}

	ancestor, err := s.SyncWallet(ctx, receive, change)
	if err != nil {
		return nil, err
	}

	// Roll the persisted state back before diffing against it, so that
	// reorged confirmations and spends are reported again.
	var rollbackErr error
	ancestor.WhenSome(func(a localchain.BlockChainTip) {
		rollbackErr = db.RollbackTip(ctx, a)
	})
	if rollbackErr != nil {
		return nil, fmt.Errorf("unable to roll back to ancestor: %w",
			rollbackErr)
	}
	s.RollbackDone()

	updated, err := UpdateCoins(ctx, db, s)
	if err != nil {
		return nil, err
	}

	if txs := p.newTxs(updated); len(txs) > 0 {
		if err := db.StoreTransactions(ctx, txs); err != nil {
			return nil, fmt.Errorf("unable to store txs: %w", err)
		}
	}
	if err := db.UpdateCoins(ctx, updated); err != nil {
		return nil, fmt.Errorf("unable to store coins: %w", err)
	}

	tip := s.WalletTip()
	if err := db.UpdateTip(ctx, tip); err != nil {
		return nil, fmt.Errorf("unable to store tip: %w", err)
	}

	if !updated.IsEmpty() {
		log.Infof("Cycle at tip %v: %d received, %d confirmed, "+
			"%d expired, %d spending, %d spent", tip,
			len(updated.Received), len(updated.Confirmed),
			len(updated.Expired), len(updated.Spending),
			len(updated.Spent))
	}

	return &CycleResult{
		Tip:     tip,
		Reorg:   ancestor,
		Updated: updated,
	}, nil
}

// newTxs returns the deposit transactions of the received coins and the new
// spending transactions.
func (p *Poller) newTxs(updated *UpdatedCoins) []*wire.MsgTx {
	seen := make(map[chainhash.Hash]struct{})
	var txs []*wire.MsgTx
	add := func(txid chainhash.Hash) {
		if _, ok := seen[txid]; ok {
			return
		}
		seen[txid] = struct{}{}

		p.cfg.Syncer.GetTransaction(txid).WhenSome(func(t TxWithBlock) {
			txs = append(txs, t.Tx)
		})
	}
	for _, c := range updated.Received {
		add(c.OutPoint.Hash)
	}
	for _, c := range updated.Spending {
		add(c.SpendTxid)
	}

	return txs
}

// Status returns a snapshot of the poller health.
func (p *Poller) Status() Status {
	p.statusMtx.RLock()
	defer p.statusMtx.RUnlock()

	return p.status
}

// request hands req to the poller goroutine and waits for the response.
func request[T any, R any](ctx context.Context, p *Poller, reqs chan<- T,
	req T, resp <-chan R) (R, error) {

	var zero R
	select {
	case reqs <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.quit:
		return zero, ErrPollerShuttingDown
	}

	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.quit:
		return zero, ErrPollerShuttingDown
	}
}

// Coins returns the coins of the last sync, restricted to outpoints if
// given.
func (p *Poller) Coins(ctx context.Context,
	outpoints fn.Option[[]wire.OutPoint]) (map[wire.OutPoint]Coin, error) {

	req := &coinsRequest{
		outpoints: outpoints,
		resp:      make(chan map[wire.OutPoint]Coin, 1),
	}

	return request(ctx, p, p.coinsReqs, req, req.resp)
}

// Tip returns the tip of the local chain.
func (p *Poller) Tip(ctx context.Context) (localchain.BlockChainTip, error) {
	resp := make(chan localchain.BlockChainTip, 1)

	return request(ctx, p, p.tipReqs, resp, resp)
}

// Transaction returns a wallet transaction.
func (p *Poller) Transaction(ctx context.Context,
	txid chainhash.Hash) (fn.Option[TxWithBlock], error) {

	req := &txRequest{
		txid: txid,
		resp: make(chan fn.Option[TxWithBlock], 1),
	}

	return request(ctx, p, p.txReqs, req, req.resp)
}

// MempoolEntry returns the fee information of an unconfirmed transaction.
// The query runs on the poller goroutine and delays the next cycle.
func (p *Poller) MempoolEntry(ctx context.Context,
	txid chainhash.Hash) (fn.Option[chain.MempoolEntry], error) {

	req := &mempoolRequest{
		ctx:  ctx,
		txid: txid,
		resp: make(chan fn.Result[fn.Option[chain.MempoolEntry]], 1),
	}

	res, err := request(ctx, p, p.mempoolReqs, req, req.resp)
	if err != nil {
		return fn.None[chain.MempoolEntry](), err
	}

	return res.Unpack()
}

// TriggerRescan makes the next cycle a full scan.
func (p *Poller) TriggerRescan(ctx context.Context) error {
	resp := make(chan struct{})
	_, err := request(ctx, p, p.rescanReqs, resp, resp)

	return err
}

// SyncNow runs a cycle right away and returns its result.
func (p *Poller) SyncNow(ctx context.Context) (*CycleResult, error) {
	resp := make(chan *CycleResult, 1)

	return request(ctx, p, p.syncReqs, resp, resp)
}
