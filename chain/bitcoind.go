package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/btcsuite/walletsync/txgraph"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// RPCBackend is the subset of the bitcoind JSON-RPC interface the client
// uses. It is satisfied by *rpcclient.Client.
type RPCBackend interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader, error)
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawMempool() ([]*chainhash.Hash, error)
	GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error)
	GetMempoolEntry(txHash string) (*btcjson.GetMempoolEntryResult, error)
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)
	Shutdown()
}

// BitcoindConfig contains all configurable options for the bitcoind client.
type BitcoindConfig struct {
	// Host is the host:port of the RPC server.
	Host string

	// User and Pass authenticate against the RPC server unless
	// CookiePath is set.
	User string
	Pass string

	// CookiePath is the path of the node's .cookie file.
	CookiePath string

	// RetryLimit is the number of retries of a request failing at the
	// transport level. Zero means RetryLimit.
	RetryLimit int

	// BackoffBase is the first retry delay. Zero means one second.
	BackoffBase time.Duration
}

// validate checks the config and fills in defaults.
func (c *BitcoindConfig) validate() error {
	if c == nil {
		return errors.New("missing bitcoind config")
	}
	if c.Host == "" {
		return errors.New("missing bitcoind rpc host")
	}
	if c.CookiePath == "" && (c.User == "" || c.Pass == "") {
		return errors.New("bitcoind rpc needs a cookie file or " +
			"user and pass")
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

// BitcoindClient is a chain source backed by the JSON-RPC interface of a
// bitcoind node. The node has no script index, so wallet history is found
// by walking blocks and the mempool.
type BitcoindClient struct {
	cfg    BitcoindConfig
	rpc    RPCBackend
	params *netparams.Params
	retry  retryPolicy

	mempool *mempoolView

	// cached holds transactions handed over by the wallet. Their outputs
	// paying to requested scripts are watched for spends.
	cachedMtx sync.RWMutex
	cached    map[chainhash.Hash]*wire.MsgTx
}

// A compile-time check to ensure that BitcoindClient satisfies the
// chain.Interface interface.
var _ Interface = (*BitcoindClient)(nil)

// NewBitcoindClient creates a client talking to bitcoind over HTTP POST.
func NewBitcoindClient(cfg *BitcoindConfig,
	params *netparams.Params) (*BitcoindClient, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		CookiePath:   cfg.CookiePath,
		DisableTLS:   true,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return NewBitcoindClientWithRPC(cfg, params, rpc)
}

// NewBitcoindClientWithRPC is NewBitcoindClient over an existing RPC
// backend. Only the retry options of cfg are used.
func NewBitcoindClientWithRPC(cfg *BitcoindConfig, params *netparams.Params,
	rpc RPCBackend) (*BitcoindClient, error) {

	if cfg.RetryLimit < 0 {
		return nil, errors.New("retry limit must not be negative")
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = RetryLimit
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}

	return &BitcoindClient{
		cfg:    *cfg,
		rpc:    rpc,
		params: params,
		retry: retryPolicy{
			limit: cfg.RetryLimit,
			base:  cfg.BackoffBase,
		},
		mempool: newMempoolView(),
		cached:  make(map[chainhash.Hash]*wire.MsgTx),
	}, nil
}

// rpcCall runs f under the retry policy. The HTTP POST client opens a new
// connection per request, so there is nothing to redial.
func rpcCall[T any](ctx context.Context, c *BitcoindClient, op string,
	f func() (T, error)) (T, error) {

	return withRetry(ctx, c.retry, op, nil,
		func(context.Context) (T, error) {
			return f()
		},
	)
}

// ChainTip returns the best block of the node.
func (c *BitcoindClient) ChainTip(
	ctx context.Context) (localchain.BlockChainTip, error) {

	height, err := rpcCall(ctx, c, "getblockcount", c.rpc.GetBlockCount)
	if err != nil {
		return localchain.BlockChainTip{}, err
	}
	hash, err := rpcCall(ctx, c, "getblockhash",
		func() (*chainhash.Hash, error) {
			return c.rpc.GetBlockHash(height)
		},
	)
	if err != nil {
		return localchain.BlockChainTip{}, err
	}

	return localchain.BlockChainTip{Height: int32(height), Hash: *hash}, nil
}

// BlockHash returns the hash of the block at height, or None if height is
// above the tip.
func (c *BitcoindClient) BlockHash(ctx context.Context,
	height int32) (fn.Option[chainhash.Hash], error) {

	hash, err := rpcCall(ctx, c, "getblockhash",
		func() (*chainhash.Hash, error) {
			return c.rpc.GetBlockHash(int64(height))
		},
	)

	// bitcoind answers with an invalid parameter error above the tip, btcd
	// with an out of range one.
	var serverErr *ServerError
	if errors.As(err, &serverErr) &&
		(serverErr.Code == int(btcjson.ErrRPCInvalidParameter) ||
			serverErr.Code == int(btcjson.ErrRPCOutOfRange)) {

		return fn.None[chainhash.Hash](), nil
	}
	if err != nil {
		return fn.None[chainhash.Hash](), err
	}

	return fn.Some(*hash), nil
}

// BlockHeader returns the header of the block at height.
func (c *BitcoindClient) BlockHeader(ctx context.Context,
	height int32) (*wire.BlockHeader, error) {

	hash, err := rpcCall(ctx, c, "getblockhash",
		func() (*chainhash.Hash, error) {
			return c.rpc.GetBlockHash(int64(height))
		},
	)
	if err != nil {
		return nil, err
	}

	return rpcCall(ctx, c, "getblockheader",
		func() (*wire.BlockHeader, error) {
			return c.rpc.GetBlockHeader(hash)
		},
	)
}

// GenesisBlock returns the block at height zero.
func (c *BitcoindClient) GenesisBlock(
	ctx context.Context) (localchain.BlockChainTip, error) {

	hash, err := c.BlockHash(ctx, 0)
	if err != nil {
		return localchain.BlockChainTip{}, err
	}

	return localchain.BlockChainTip{
		Hash: hash.UnwrapOr(chainhash.Hash{}),
	}, nil
}

// GenesisBlockTimestamp returns the timestamp of the genesis block.
func (c *BitcoindClient) GenesisBlockTimestamp(
	ctx context.Context) (uint32, error) {

	header, err := c.BlockHeader(ctx, 0)
	if err != nil {
		return 0, err
	}

	return uint32(header.Timestamp.Unix()), nil
}

// BroadcastTx sends the transaction to the node.
func (c *BitcoindClient) BroadcastTx(ctx context.Context,
	tx *wire.MsgTx) error {

	_, err := rpcCall(ctx, c, "sendrawtransaction",
		func() (*chainhash.Hash, error) {
			return c.rpc.SendRawTransaction(tx, false)
		},
	)

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		reason := mapBroadcastErr(serverErr.Err)
		log.Debugf("Broadcast of %v rejected (%v): %v", tx.TxHash(),
			reason, serverErr.Err)

		return &ServerError{
			Op:   "sendrawtransaction",
			Code: serverErr.Code,
			Err:  fmt.Errorf("%w: %v", reason, serverErr.Err),
		}
	}
	if err != nil {
		return err
	}

	c.mempool.add(tx)
	log.Infof("Broadcast transaction %v", tx.TxHash())

	return nil
}

// PopulateTxCache hands the wallet's transactions to the client.
func (c *BitcoindClient) PopulateTxCache(txs []*wire.MsgTx) {
	c.cachedMtx.Lock()
	defer c.cachedMtx.Unlock()

	for _, tx := range txs {
		c.cached[tx.TxHash()] = tx
	}
}

// blockFilter matches transactions against the scripts, outpoints and txids
// of a request. Outputs paying to a watched script become watched
// outpoints, so later spends of them match too.
type blockFilter struct {
	spks      map[string]keychain.Indexed
	outPoints map[wire.OutPoint]struct{}
	txids     map[chainhash.Hash]struct{}

	// onSpkMatch is invoked for every output paying to a watched script.
	onSpkMatch func(keychain.Indexed)
}

func newBlockFilter() *blockFilter {
	return &blockFilter{
		spks:      make(map[string]keychain.Indexed),
		outPoints: make(map[wire.OutPoint]struct{}),
		txids:     make(map[chainhash.Hash]struct{}),
	}
}

func (f *blockFilter) addSpk(spk keychain.IndexedSpk) {
	f.spks[string(spk.Script)] = spk.Indexed
}

// watchOutputs starts watching the outputs of tx paying to a watched
// script.
func (f *blockFilter) watchOutputs(tx *wire.MsgTx) bool {
	var matched bool
	for i, out := range tx.TxOut {
		idx, ok := f.spks[string(out.PkScript)]
		if !ok {
			continue
		}
		matched = true
		f.outPoints[wire.OutPoint{Hash: tx.TxHash(), Index: uint32(i)}] =
			struct{}{}
		if f.onSpkMatch != nil {
			f.onSpkMatch(idx)
		}
	}

	return matched
}

// match returns true if the tx is relevant.
func (f *blockFilter) match(tx *wire.MsgTx) bool {
	matched := f.watchOutputs(tx)

	if _, ok := f.txids[tx.TxHash()]; ok {
		matched = true
	}
	if blockchain.IsCoinBaseTx(tx) {
		return matched
	}
	for _, in := range tx.TxIn {
		if _, ok := f.outPoints[in.PreviousOutPoint]; ok {
			matched = true
		}
	}

	return matched
}

// filterBlocks walks the blocks from start to tip and returns the update
// with every matching tx anchored in its block.
func (c *BitcoindClient) filterBlocks(ctx context.Context, f *blockFilter,
	start int32, tip localchain.BlockChainTip,
	update *txgraph.Update) ([]localchain.BlockChainTip, error) {

	var anchorBlocks []localchain.BlockChainTip
	for height := start; height <= tip.Height; height++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hash, err := rpcCall(ctx, c, "getblockhash",
			func() (*chainhash.Hash, error) {
				return c.rpc.GetBlockHash(int64(height))
			},
		)
		if err != nil {
			return nil, err
		}
		block, err := rpcCall(ctx, c, "getblock",
			func() (*wire.MsgBlock, error) {
				return c.rpc.GetBlock(hash)
			},
		)
		if err != nil {
			return nil, err
		}

		blockID := localchain.BlockChainTip{Height: height, Hash: *hash}
		var found bool
		for _, tx := range block.Transactions {
			if !f.match(tx) {
				continue
			}
			found = true
			update.Txs = append(update.Txs, tx)
			update.Anchors = append(update.Anchors, txgraph.AnchoredTx{
				Txid: tx.TxHash(),
				Anchor: txgraph.Anchor{
					ConfirmationHeight: height,
					ConfirmationTime: uint32(
						block.Header.Timestamp.Unix(),
					),
					AnchorBlock: blockID,
				},
			})
		}
		c.mempool.clean(block.Transactions)

		if found {
			log.Debugf("Block %v has wallet transactions", blockID)
			anchorBlocks = append(anchorBlocks, blockID)
		}
	}

	return anchorBlocks, nil
}

// refreshMempool brings the mempool view in line with the node's mempool.
func (c *BitcoindClient) refreshMempool(ctx context.Context) error {
	txids, err := rpcCall(ctx, c, "getrawmempool", c.rpc.GetRawMempool)
	if err != nil {
		return err
	}

	c.mempool.unmarkAll()
	for _, txid := range txids {
		if c.mempool.containsTx(*txid) {
			c.mempool.mark(*txid)
			continue
		}

		tx, err := rpcCall(ctx, c, "getrawtransaction",
			func() (*btcutil.Tx, error) {
				return c.rpc.GetRawTransaction(txid)
			},
		)

		// The tx may have left the mempool since the listing.
		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			continue
		}
		if err != nil {
			return err
		}
		c.mempool.add(tx.MsgTx())
	}
	c.mempool.deleteUnmarked()

	return nil
}

// filterMempool adds the relevant mempool txs to the update. Parents are
// matched before children so spends of fresh outputs are found.
func (c *BitcoindClient) filterMempool(f *blockFilter,
	update *txgraph.Update) {

	pool := make(map[chainhash.Hash]*wire.MsgTx)
	for _, tx := range c.mempool.snapshot() {
		pool[tx.TxHash()] = tx
	}
	for _, tx := range txgraph.DependencySort(pool) {
		if f.match(tx) {
			update.Txs = append(update.Txs, tx)
		}
	}
}

// agreement returns the height the block walk resumes from.
func (c *BitcoindClient) agreement(ctx context.Context,
	local *localchain.Chain,
	tip localchain.BlockChainTip) (localchain.BlockChainTip, error) {

	agreement, err := local.FindAgreement(
		func(height int32) (fn.Option[chainhash.Hash], error) {
			if height > tip.Height {
				return fn.None[chainhash.Hash](), nil
			}
			return c.BlockHash(ctx, height)
		},
	)
	if err != nil {
		return localchain.BlockChainTip{}, err
	}
	if agreement.IsNone() {
		remote, err := c.BlockHash(ctx, 0)
		if err != nil {
			return localchain.BlockChainTip{}, err
		}

		return localchain.BlockChainTip{}, &GenesisMismatchError{
			Expected: local.Genesis().Hash,
			Remote:   remote.UnwrapOr(chainhash.Hash{}),
			Local:    local.Genesis().Hash,
		}
	}

	return agreement.UnsafeFromSome(), nil
}

// watchCached watches the outputs of wallet transactions paying to the
// filter's scripts.
func (c *BitcoindClient) watchCached(f *blockFilter) {
	c.cachedMtx.RLock()
	defer c.cachedMtx.RUnlock()

	for _, tx := range c.cached {
		f.watchOutputs(tx)
	}
}

// addPrevTxOuts fetches the outputs spent by the update's txs.
func (c *BitcoindClient) addPrevTxOuts(ctx context.Context,
	update *txgraph.Update) error {

	known := make(map[chainhash.Hash]*wire.MsgTx, len(update.Txs))
	for _, tx := range update.Txs {
		known[tx.TxHash()] = tx
	}

	for _, tx := range update.Txs {
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			prev := in.PreviousOutPoint
			if _, ok := known[prev.Hash]; ok {
				continue
			}

			c.cachedMtx.RLock()
			prevTx, ok := c.cached[prev.Hash]
			c.cachedMtx.RUnlock()
			if !ok {
				res, err := rpcCall(ctx, c, "getrawtransaction",
					func() (*btcutil.Tx, error) {
						return c.rpc.GetRawTransaction(
							&prev.Hash,
						)
					},
				)
				if err != nil {
					return err
				}
				prevTx = res.MsgTx()
			}
			if prev.Index >= uint32(len(prevTx.TxOut)) {
				return &ServerError{
					Op: "getrawtransaction",
					Err: fmt.Errorf("tx %v has no output %d",
						prev.Hash, prev.Index),
				}
			}

			if update.TxOuts == nil {
				update.TxOuts = make(map[wire.OutPoint]*wire.TxOut)
			}
			update.TxOuts[prev] = prevTx.TxOut[prev.Index]
		}
	}

	return nil
}

// Sync walks the blocks above the point where the node agrees with the
// request's chain, then the mempool.
func (c *BitcoindClient) Sync(ctx context.Context, req *SyncRequest,
	fetchPrevTxOuts bool) (*SyncResponse, error) {

	tip, err := c.ChainTip(ctx)
	if err != nil {
		return nil, err
	}
	agreed, err := c.agreement(ctx, req.ChainTip, tip)
	if err != nil {
		return nil, err
	}

	f := newBlockFilter()
	for _, spk := range req.Spks {
		f.addSpk(spk)
	}
	for _, op := range req.OutPoints {
		f.outPoints[op] = struct{}{}
	}
	for _, txid := range req.Txids {
		f.txids[txid] = struct{}{}
	}
	c.watchCached(f)

	update := &txgraph.Update{}
	anchorBlocks, err := c.filterBlocks(
		ctx, f, agreed.Height+1, tip, update,
	)
	if err != nil {
		return nil, err
	}

	if err := c.refreshMempool(ctx); err != nil {
		return nil, err
	}
	c.filterMempool(f, update)

	if fetchPrevTxOuts {
		if err := c.addPrevTxOuts(ctx, update); err != nil {
			return nil, err
		}
	}

	chainUpdate, err := buildChainUpdate(
		ctx, c.BlockHash, req.ChainTip, tip, anchorBlocks,
	)
	if err != nil {
		return nil, err
	}

	log.Debugf("Synced blocks %d to %d and mempool: %d txs, %d anchors",
		agreed.Height+1, tip.Height, len(update.Txs),
		len(update.Anchors))

	return &SyncResponse{
		ChainUpdate: chainUpdate,
		GraphUpdate: update,
	}, nil
}

// spkWindow derives scripts from an iterator so that stopGap scripts past
// the last used one are always watched.
type spkWindow struct {
	iter    *keychain.SpkIter
	stopGap uint32

	derived    uint32
	lastActive fn.Option[uint32]
}

// extend derives scripts until the window covers stopGap scripts past the
// last active one.
func (w *spkWindow) extend(f *blockFilter) error {
	want := w.stopGap
	w.lastActive.WhenSome(func(i uint32) {
		want = i + 1 + w.stopGap
	})

	for w.derived < want {
		spk, err := w.iter.Next()
		if err != nil {
			return err
		}
		f.addSpk(spk)
		w.derived++
	}

	return nil
}

// FullScan walks every block from the request's start height. The watched
// scripts of each keychain grow as used ones are found.
func (c *BitcoindClient) FullScan(ctx context.Context, req *FullScanRequest,
	stopGap, _ uint32) (*FullScanResponse, error) {

	if stopGap == 0 {
		stopGap = 1
	}

	tip, err := c.ChainTip(ctx)
	if err != nil {
		return nil, err
	}

	f := newBlockFilter()
	windows := make(map[keychain.Kind]*spkWindow, len(req.SpkIters))
	for _, iter := range req.SpkIters {
		w := &spkWindow{iter: iter, stopGap: stopGap}
		if err := w.extend(f); err != nil {
			return nil, err
		}
		windows[iter.Kind()] = w
	}

	var extendErr error
	f.onSpkMatch = func(idx keychain.Indexed) {
		w, ok := windows[idx.Kind]
		if !ok {
			return
		}
		if w.lastActive.IsNone() || w.lastActive.UnsafeFromSome() < idx.Index {
			w.lastActive = fn.Some(idx.Index)
		}
		if err := w.extend(f); err != nil && extendErr == nil {
			extendErr = err
		}
	}
	c.watchCached(f)

	start := req.StartHeight
	if start < 1 {
		start = 1
	}

	update := &txgraph.Update{}
	anchorBlocks, err := c.filterBlocks(ctx, f, start, tip, update)
	if err != nil {
		return nil, err
	}
	if err := c.refreshMempool(ctx); err != nil {
		return nil, err
	}
	c.filterMempool(f, update)
	if extendErr != nil {
		return nil, extendErr
	}

	chainUpdate, err := buildChainUpdate(
		ctx, c.BlockHash, req.ChainTip, tip, anchorBlocks,
	)
	if err != nil {
		return nil, err
	}

	lastActive := make(map[keychain.Kind]uint32)
	for kind, w := range windows {
		w.lastActive.WhenSome(func(i uint32) {
			lastActive[kind] = i
		})
	}

	return &FullScanResponse{
		SyncResponse: SyncResponse{
			ChainUpdate: chainUpdate,
			GraphUpdate: update,
		},
		LastActiveIndices: lastActive,
	}, nil
}

// MempoolEntry returns the node's mempool entry for txid.
func (c *BitcoindClient) MempoolEntry(ctx context.Context,
	txid chainhash.Hash) (fn.Option[MempoolEntry], error) {

	res, err := rpcCall(ctx, c, "getmempoolentry",
		func() (*btcjson.GetMempoolEntryResult, error) {
			return c.rpc.GetMempoolEntry(txid.String())
		},
	)

	var serverErr *ServerError
	if errors.As(err, &serverErr) &&
		serverErr.Code == int(btcjson.ErrRPCInvalidAddressOrKey) {

		return fn.None[MempoolEntry](), nil
	}
	if err != nil {
		return fn.None[MempoolEntry](), err
	}

	entry, err := mempoolEntryFromResult(txid, res)
	if err != nil {
		return fn.None[MempoolEntry](), err
	}

	return fn.Some(entry), nil
}

func mempoolEntryFromResult(txid chainhash.Hash,
	res *btcjson.GetMempoolEntryResult) (MempoolEntry, error) {

	amount := func(btc float64) (btcutil.Amount, error) {
		a, err := btcutil.NewAmount(btc)
		if err != nil {
			return 0, &ServerError{Op: "getmempoolentry", Err: err}
		}
		return a, nil
	}

	base, err := amount(res.Fees.Base)
	if err != nil {
		return MempoolEntry{}, err
	}
	anc, err := amount(res.Fees.Ancestor)
	if err != nil {
		return MempoolEntry{}, err
	}
	desc, err := amount(res.Fees.Descendant)
	if err != nil {
		return MempoolEntry{}, err
	}

	return MempoolEntry{
		Txid:  txid,
		VSize: uint64(res.VSize),
		Fees: MempoolEntryFees{
			Base:       base,
			Ancestor:   anc,
			Descendant: desc,
		},
		AncestorVSize: uint64(res.AncestorSize),
	}, nil
}

// MempoolSpenders returns the mempool entries of the txs spending any of
// the outpoints.
func (c *BitcoindClient) MempoolSpenders(ctx context.Context,
	outpoints []wire.OutPoint) ([]MempoolEntry, error) {

	if err := c.refreshMempool(ctx); err != nil {
		return nil, err
	}

	seen := make(map[chainhash.Hash]struct{})
	var entries []MempoolEntry
	for _, op := range outpoints {
		txid, ok := c.mempool.containsInput(op)
		if !ok {
			continue
		}
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}

		entry, err := c.MempoolEntry(ctx, txid)
		if err != nil {
			return nil, err
		}
		entry.WhenSome(func(e MempoolEntry) {
			entries = append(entries, e)
		})
	}

	return entries, nil
}

// Stop shuts the RPC client down.
func (c *BitcoindClient) Stop() {
	c.rpc.Shutdown()
}
