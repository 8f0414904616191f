package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/btcsuite/walletsync/txgraph"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// electrumConnectTimeout bounds the connectivity check done when the
	// client is created.
	electrumConnectTimeout = 3 * time.Second

	// historyConcurrency is the number of script histories requested in
	// parallel.
	historyConcurrency = 10
)

// ElectrumConfig contains all configurable options for the Electrum client.
type ElectrumConfig struct {
	// Addr is the server address, tcp://host:port or ssl://host:port.
	Addr string

	// ValidateDomain enables certificate validation of ssl:// servers.
	ValidateDomain bool

	// RetryLimit is the number of retries of a request failing at the
	// transport level. Zero means RetryLimit.
	RetryLimit int

	// BackoffBase is the first retry delay, doubled on every retry. Zero
	// means one second.
	BackoffBase time.Duration
}

// validate checks the config and fills in defaults.
func (c *ElectrumConfig) validate() error {
	if c == nil {
		return errors.New("missing electrum config")
	}
	if c.Addr == "" {
		return errors.New("missing electrum address")
	}
	if c.RetryLimit < 0 {
		return errors.New("retry limit must not be negative")
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = RetryLimit
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}

	return nil
}

// ElectrumClient is a chain source backed by an Electrum server.
type ElectrumClient struct {
	cfg    ElectrumConfig
	addr   ElectrumAddr
	params *netparams.Params
	dial   ElectrumDialer
	retry  retryPolicy

	connMtx sync.Mutex
	conn    ElectrumConn

	// headers caches block headers by height. It is flushed whenever the
	// tip hash changes since any of them may have been reorganized.
	cacheMtx sync.Mutex
	tip      localchain.BlockChainTip
	headers  map[int32]*wire.BlockHeader

	// txCache holds transactions that never need to be fetched again.
	txCacheMtx sync.RWMutex
	txCache    map[chainhash.Hash]*wire.MsgTx
}

// A compile-time check to ensure that ElectrumClient satisfies the
// chain.Interface interface.
var _ Interface = (*ElectrumClient)(nil)

// NewElectrumClient connects to the configured Electrum server. The server
// must answer a ping within a few seconds, without retries.
func NewElectrumClient(cfg *ElectrumConfig,
	params *netparams.Params) (*ElectrumClient, error) {

	return NewElectrumClientWithDialer(cfg, params, DialElectrum)
}

// NewElectrumClientWithDialer is NewElectrumClient with a custom way to open
// connections.
func NewElectrumClientWithDialer(cfg *ElectrumConfig, params *netparams.Params,
	dial ElectrumDialer) (*ElectrumClient, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	addr, err := ParseElectrumAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}

	c := &ElectrumClient{
		cfg:    *cfg,
		addr:   addr,
		params: params,
		dial:   dial,
		retry: retryPolicy{
			limit: cfg.RetryLimit,
			base:  cfg.BackoffBase,
		},
		headers: make(map[int32]*wire.BlockHeader),
		txCache: make(map[chainhash.Hash]*wire.MsgTx),
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), electrumConnectTimeout,
	)
	defer cancel()

	conn, err := dial(ctx, addr, cfg.ValidateDomain)
	if err != nil {
		return nil, &TransportError{Op: "connect " + addr.String(),
			Err: err}
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Shutdown()
		return nil, &TransportError{Op: "ping " + addr.String(),
			Err: err}
	}
	c.conn = conn

	log.Infof("Connected to electrum server %v", addr)

	return c, nil
}

// redial replaces the current connection with a fresh one.
func (c *ElectrumClient) redial(ctx context.Context) error {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.conn != nil {
		c.conn.Shutdown()
		c.conn = nil
	}

	conn, err := c.dial(ctx, c.addr, c.cfg.ValidateDomain)
	if err != nil {
		return err
	}
	c.conn = conn

	log.Debugf("Reconnected to electrum server %v", c.addr)

	return nil
}

func (c *ElectrumClient) currentConn() (ElectrumConn, error) {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected to %v: %w", c.addr,
			net.ErrClosed)
	}

	return c.conn, nil
}

// electrumCall runs f against the current connection under the retry policy.
func electrumCall[T any](ctx context.Context, c *ElectrumClient, op string,
	f func(context.Context, ElectrumConn) (T, error)) (T, error) {

	return withRetry(ctx, c.retry, op, c.redial,
		func(ctx context.Context) (T, error) {
			conn, err := c.currentConn()
			if err != nil {
				var zero T
				return zero, err
			}

			return f(ctx, conn)
		},
	)
}

// ChainTip returns the tip of the server. The header cache is flushed if
// the tip changed since the last call.
func (c *ElectrumClient) ChainTip(
	ctx context.Context) (localchain.BlockChainTip, error) {

	type tipHeader struct {
		height int32
		header *wire.BlockHeader
	}
	res, err := electrumCall(ctx, c, "tip",
		func(ctx context.Context, conn ElectrumConn) (tipHeader, error) {
			height, header, err := conn.TipHeader(ctx)
			return tipHeader{height, header}, err
		},
	)
	if err != nil {
		return localchain.BlockChainTip{}, err
	}

	tip := localchain.BlockChainTip{
		Height: res.height,
		Hash:   res.header.BlockHash(),
	}

	c.cacheMtx.Lock()
	if !c.tip.Equal(tip) {
		if c.tip.Height != 0 {
			log.Debugf("Electrum tip changed from %v to %v", c.tip,
				tip)
		}
		c.tip = tip
		c.headers = make(map[int32]*wire.BlockHeader)
	}
	c.headers[tip.Height] = res.header
	c.cacheMtx.Unlock()

	return tip, nil
}

// BlockHeader returns the header at height.
func (c *ElectrumClient) BlockHeader(ctx context.Context,
	height int32) (*wire.BlockHeader, error) {

	if height < 0 {
		return nil, fmt.Errorf("invalid height %d", height)
	}

	c.cacheMtx.Lock()
	header, ok := c.headers[height]
	c.cacheMtx.Unlock()
	if ok {
		return header, nil
	}

	header, err := electrumCall(ctx, c, "block header",
		func(ctx context.Context,
			conn ElectrumConn) (*wire.BlockHeader, error) {

			return conn.BlockHeader(ctx, uint32(height))
		},
	)
	if err != nil {
		return nil, err
	}

	c.cacheMtx.Lock()
	c.headers[height] = header
	c.cacheMtx.Unlock()

	return header, nil
}

// BlockHash returns the hash of the block at height, or None if height is
// above the current tip.
func (c *ElectrumClient) BlockHash(ctx context.Context,
	height int32) (fn.Option[chainhash.Hash], error) {

	tip, err := c.ChainTip(ctx)
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}
	if height > tip.Height {
		return fn.None[chainhash.Hash](), nil
	}

	header, err := c.BlockHeader(ctx, height)
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}

	return fn.Some(header.BlockHash()), nil
}

// GenesisBlock returns the block at height zero.
func (c *ElectrumClient) GenesisBlock(
	ctx context.Context) (localchain.BlockChainTip, error) {

	header, err := c.BlockHeader(ctx, 0)
	if err != nil {
		return localchain.BlockChainTip{}, err
	}

	return localchain.BlockChainTip{Hash: header.BlockHash()}, nil
}

// GenesisBlockTimestamp returns the timestamp of the genesis block.
func (c *ElectrumClient) GenesisBlockTimestamp(
	ctx context.Context) (uint32, error) {

	header, err := c.BlockHeader(ctx, 0)
	if err != nil {
		return 0, err
	}

	return uint32(header.Timestamp.Unix()), nil
}

// BroadcastTx sends the transaction to the server.
func (c *ElectrumClient) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) error {

	txid := tx.TxHash()
	_, err := electrumCall(ctx, c, "broadcast",
		func(ctx context.Context,
			conn ElectrumConn) (chainhash.Hash, error) {

			return conn.Broadcast(ctx, tx)
		},
	)

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		reason := mapBroadcastErr(serverErr.Err)
		log.Debugf("Broadcast of %v rejected (%v): %v", txid, reason,
			serverErr.Err)

		return &ServerError{
			Op:  "broadcast",
			Err: fmt.Errorf("%w: %v", reason, serverErr.Err),
		}
	}
	if err != nil {
		return err
	}

	log.Infof("Broadcast transaction %v", txid)

	return nil
}

// PopulateTxCache adds transactions the client does not need to fetch.
func (c *ElectrumClient) PopulateTxCache(txs []*wire.MsgTx) {
	c.txCacheMtx.Lock()
	defer c.txCacheMtx.Unlock()

	for _, tx := range txs {
		c.txCache[tx.TxHash()] = tx
	}
}

// fetchTx returns a transaction from the cache or the server.
func (c *ElectrumClient) fetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	c.txCacheMtx.RLock()
	tx, ok := c.txCache[txid]
	c.txCacheMtx.RUnlock()
	if ok {
		return tx, nil
	}

	tx, err := electrumCall(ctx, c, "get transaction",
		func(ctx context.Context, conn ElectrumConn) (*wire.MsgTx, error) {
			return conn.RawTransaction(ctx, txid)
		},
	)
	if err != nil {
		return nil, err
	}

	c.txCacheMtx.Lock()
	c.txCache[txid] = tx
	c.txCacheMtx.Unlock()

	return tx, nil
}

// history returns the history of a script.
func (c *ElectrumClient) history(ctx context.Context,
	spk []byte) ([]HistoryItem, error) {

	scriptHash := ScriptHash(spk)

	return electrumCall(ctx, c, "get history",
		func(ctx context.Context, conn ElectrumConn) ([]HistoryItem,
			error) {

			return conn.History(ctx, scriptHash)
		},
	)
}

// histories fetches the history of every script concurrently. The result is
// indexed like spks.
func (c *ElectrumClient) histories(ctx context.Context,
	spks [][]byte) ([][]HistoryItem, error) {

	res := make([][]HistoryItem, len(spks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(historyConcurrency)
	for i, spk := range spks {
		i, spk := i, spk
		g.Go(func() error {
			items, err := c.history(gctx, spk)
			if err != nil {
				return err
			}
			res[i] = items

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return res, nil
}

// updateBuilder accumulates the graph update of one Sync or FullScan call.
type updateBuilder struct {
	c      *ElectrumClient
	update *txgraph.Update

	txs       map[chainhash.Hash]struct{}
	confirmed map[chainhash.Hash]int32
}

func (c *ElectrumClient) newUpdateBuilder() *updateBuilder {
	return &updateBuilder{
		c:         c,
		update:    &txgraph.Update{},
		txs:       make(map[chainhash.Hash]struct{}),
		confirmed: make(map[chainhash.Hash]int32),
	}
}

// addTx records the tx along with its status in a script history.
func (b *updateBuilder) addTx(tx *wire.MsgTx, item HistoryItem) {
	if _, ok := b.txs[item.Txid]; !ok {
		b.txs[item.Txid] = struct{}{}
		b.update.Txs = append(b.update.Txs, tx)
	}
	if item.Confirmed() {
		b.confirmed[item.Txid] = item.Height
	}
}

// addHistory fetches every transaction of a script history.
func (b *updateBuilder) addHistory(ctx context.Context,
	items []HistoryItem) error {

	for _, item := range items {
		tx, err := b.c.fetchTx(ctx, item.Txid)
		if err != nil {
			return err
		}
		b.addTx(tx, item)
	}

	return nil
}

// addTxids looks up the status of transactions by the history of their
// first output script. Transactions the server does not know, or that are
// neither confirmed nor in its mempool, are left out.
func (b *updateBuilder) addTxids(ctx context.Context,
	txids []chainhash.Hash) error {

	for _, txid := range txids {
		if _, ok := b.txs[txid]; ok {
			continue
		}

		tx, err := b.c.fetchTx(ctx, txid)
		if isServerErr(err) {
			log.Debugf("Transaction %v unknown to server: %v", txid,
				err)
			continue
		}
		if err != nil {
			return err
		}
		if len(tx.TxOut) == 0 {
			continue
		}

		items, err := b.c.history(ctx, tx.TxOut[0].PkScript)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.Txid == txid {
				b.addTx(tx, item)
				break
			}
		}
	}

	return nil
}

// addOutPoints looks up the transaction creating each outpoint along with
// any transaction spending it, using the history of the output script.
func (b *updateBuilder) addOutPoints(ctx context.Context,
	ops []wire.OutPoint) error {

	for _, op := range ops {
		tx, err := b.c.fetchTx(ctx, op.Hash)
		if isServerErr(err) {
			log.Debugf("Outpoint %v unknown to server: %v", op, err)
			continue
		}
		if err != nil {
			return err
		}
		if op.Index >= uint32(len(tx.TxOut)) {
			continue
		}

		items, err := b.c.history(ctx, tx.TxOut[op.Index].PkScript)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.Txid == op.Hash {
				b.addTx(tx, item)
				continue
			}

			spender, err := b.c.fetchTx(ctx, item.Txid)
			if err != nil {
				return err
			}
			if spends(spender, op) {
				b.addTx(spender, item)
			}
		}
	}

	return nil
}

// addPrevTxOuts fetches the outputs spent by every transaction of the
// update that are not already part of it.
func (b *updateBuilder) addPrevTxOuts(ctx context.Context) error {
	for _, tx := range b.update.Txs {
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			prev := in.PreviousOutPoint
			if _, ok := b.txs[prev.Hash]; ok {
				continue
			}
			if _, ok := b.update.TxOuts[prev]; ok {
				continue
			}

			prevTx, err := b.c.fetchTx(ctx, prev.Hash)
			if err != nil {
				return err
			}
			if prev.Index >= uint32(len(prevTx.TxOut)) {
				return &ServerError{
					Op: "get transaction",
					Err: fmt.Errorf("tx %v has no output %d",
						prev.Hash, prev.Index),
				}
			}

			if b.update.TxOuts == nil {
				b.update.TxOuts = make(
					map[wire.OutPoint]*wire.TxOut,
				)
			}
			b.update.TxOuts[prev] = prevTx.TxOut[prev.Index]
		}
	}

	return nil
}

// finish anchors the confirmed transactions and builds the chain update
// connecting to local.
func (b *updateBuilder) finish(ctx context.Context, local *localchain.Chain,
	tip localchain.BlockChainTip) (*SyncResponse, error) {

	txids := make([]chainhash.Hash, 0, len(b.confirmed))
	for txid := range b.confirmed {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return b.confirmed[txids[i]] < b.confirmed[txids[j]]
	})

	var anchorBlocks []localchain.BlockChainTip
	for _, txid := range txids {
		height := b.confirmed[txid]
		if height > tip.Height {
			// Mined after the tip we read, picked up next time.
			continue
		}

		header, err := b.c.BlockHeader(ctx, height)
		if err != nil {
			return nil, err
		}
		block := localchain.BlockChainTip{
			Height: height,
			Hash:   header.BlockHash(),
		}
		anchorBlocks = append(anchorBlocks, block)
		b.update.Anchors = append(b.update.Anchors, txgraph.AnchoredTx{
			Txid: txid,
			Anchor: txgraph.Anchor{
				ConfirmationHeight: height,
				ConfirmationTime:   uint32(header.Timestamp.Unix()),
				AnchorBlock:        block,
			},
		})
	}

	chainUpdate, err := buildChainUpdate(
		ctx, b.c.BlockHash, local, tip, anchorBlocks,
	)
	if err != nil {
		return nil, err
	}

	return &SyncResponse{
		ChainUpdate: chainUpdate,
		GraphUpdate: b.update,
	}, nil
}

// Sync fetches the history of the requested scripts, txids and outpoints.
func (c *ElectrumClient) Sync(ctx context.Context, req *SyncRequest,
	fetchPrevTxOuts bool) (*SyncResponse, error) {

	tip, err := c.ChainTip(ctx)
	if err != nil {
		return nil, err
	}

	b := c.newUpdateBuilder()

	spks := make([][]byte, len(req.Spks))
	for i, spk := range req.Spks {
		spks[i] = spk.Script
	}
	histories, err := c.histories(ctx, spks)
	if err != nil {
		return nil, err
	}
	for _, items := range histories {
		if err := b.addHistory(ctx, items); err != nil {
			return nil, err
		}
	}

	if err := b.addTxids(ctx, req.Txids); err != nil {
		return nil, err
	}
	if err := b.addOutPoints(ctx, req.OutPoints); err != nil {
		return nil, err
	}
	if fetchPrevTxOuts {
		if err := b.addPrevTxOuts(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := b.finish(ctx, req.ChainTip, tip)
	if err != nil {
		return nil, err
	}

	log.Debugf("Synced %d spks, %d txids, %d outpoints at tip %v: %d "+
		"txs, %d anchors", len(req.Spks), len(req.Txids),
		len(req.OutPoints), tip, len(resp.GraphUpdate.Txs),
		len(resp.GraphUpdate.Anchors))

	return resp, nil
}

// FullScan walks each script iterator in batches until stopGap consecutive
// scripts without history are found.
func (c *ElectrumClient) FullScan(ctx context.Context, req *FullScanRequest,
	stopGap, batchSize uint32) (*FullScanResponse, error) {

	if stopGap == 0 {
		stopGap = 1
	}
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	tip, err := c.ChainTip(ctx)
	if err != nil {
		return nil, err
	}

	b := c.newUpdateBuilder()
	lastActive := make(map[keychain.Kind]uint32)

	for _, iter := range req.SpkIters {
		var unused uint32
		for unused < stopGap {
			batch := make([]keychain.IndexedSpk, 0, batchSize)
			for i := uint32(0); i < batchSize; i++ {
				spk, err := iter.Next()
				if err != nil {
					return nil, err
				}
				batch = append(batch, spk)
			}

			spks := make([][]byte, len(batch))
			for i, spk := range batch {
				spks[i] = spk.Script
			}
			histories, err := c.histories(ctx, spks)
			if err != nil {
				return nil, err
			}

			for i, items := range histories {
				if len(items) == 0 {
					unused++
					if unused >= stopGap {
						break
					}
					continue
				}

				unused = 0
				lastActive[iter.Kind()] = batch[i].Index
				if err := b.addHistory(ctx, items); err != nil {
					return nil, err
				}
			}
		}

		if idx, ok := lastActive[iter.Kind()]; ok {
			log.Debugf("Full scan of %v keychain done, last active "+
				"index %d", iter.Kind(), idx)
		} else {
			log.Debugf("Full scan of %v keychain done, no history",
				iter.Kind())
		}
	}

	resp, err := b.finish(ctx, req.ChainTip, tip)
	if err != nil {
		return nil, err
	}

	return &FullScanResponse{
		SyncResponse:      *resp,
		LastActiveIndices: lastActive,
	}, nil
}

// MempoolEntry returns the fee information of an unconfirmed transaction.
func (c *ElectrumClient) MempoolEntry(ctx context.Context,
	txid chainhash.Hash) (fn.Option[MempoolEntry], error) {

	return mempoolEntry(ctx, c, txid)
}

// MempoolSpenders returns the mempool entries of the transactions spending
// any of the outpoints.
func (c *ElectrumClient) MempoolSpenders(ctx context.Context,
	outpoints []wire.OutPoint) ([]MempoolEntry, error) {

	return mempoolSpenders(ctx, c, outpoints)
}

// Stop closes the connection.
func (c *ElectrumClient) Stop() {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.conn != nil {
		c.conn.Shutdown()
		c.conn = nil
	}
}

// spends returns true if tx has an input spending op.
func spends(tx *wire.MsgTx, op wire.OutPoint) bool {
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint == op {
			return true
		}
	}

	return false
}

func isServerErr(err error) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr)
}
