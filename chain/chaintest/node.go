package chaintest

import (
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
)

// Node serves a Network over the bitcoind JSON-RPC calls used by
// chain.BitcoindClient.
type Node struct {
	net *Network

	mtx      sync.Mutex
	failNext int
	calls    map[string]int
	shutdown bool
}

// A compile-time check to ensure that Node satisfies the chain.RPCBackend
// interface.
var _ chain.RPCBackend = (*Node)(nil)

// NewNode returns a node backed by n.
func NewNode(n *Network) *Node {
	return &Node{
		net:   n,
		calls: make(map[string]int),
	}
}

// FailNext makes the next count calls fail at the transport level.
func (n *Node) FailNext(count int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.failNext = count
}

// Calls returns the number of calls of the named method.
func (n *Node) Calls(method string) int {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.calls[method]
}

// IsShutdown returns true once Shutdown was called.
func (n *Node) IsShutdown() bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	return n.shutdown
}

func (n *Node) call(method string) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.calls[method]++
	if n.failNext > 0 {
		n.failNext--
		return errConnRefused
	}

	return nil
}

// errConnRefused mimics the error of an HTTP POST to a node that is down.
var errConnRefused = &connError{}

type connError struct{}

func (*connError) Error() string {
	return "dial tcp 127.0.0.1:18443: connect: connection refused"
}

func rpcErr(code btcjson.RPCErrorCode, err error) error {
	return btcjson.NewRPCError(code, err.Error())
}

// GetBlockCount returns the tip height.
func (n *Node) GetBlockCount() (int64, error) {
	if err := n.call("getblockcount"); err != nil {
		return 0, err
	}

	return int64(n.net.Tip().Height), nil
}

// GetBlockHash returns the hash of the block at height.
func (n *Node) GetBlockHash(height int64) (*chainhash.Hash, error) {
	if err := n.call("getblockhash"); err != nil {
		return nil, err
	}

	block, ok := n.net.Block(int32(height))
	if !ok {
		return nil, rpcErr(
			btcjson.ErrRPCInvalidParameter, ErrHeightOutOfRange,
		)
	}
	hash := block.BlockHash()

	return &hash, nil
}

func (n *Node) blockByHash(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	tip := n.net.Tip()
	for height := tip.Height; height >= 0; height-- {
		block, ok := n.net.Block(height)
		if ok && block.BlockHash() == *hash {
			return block, nil
		}
	}

	return nil, btcjson.NewRPCError(
		btcjson.ErrRPCInvalidAddressOrKey, "Block not found",
	)
}

// GetBlockHeader returns the header of a block of the best chain.
func (n *Node) GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader,
	error) {

	if err := n.call("getblockheader"); err != nil {
		return nil, err
	}

	block, err := n.blockByHash(hash)
	if err != nil {
		return nil, err
	}
	header := block.Header

	return &header, nil
}

// GetBlock returns a block of the best chain.
func (n *Node) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	if err := n.call("getblock"); err != nil {
		return nil, err
	}

	return n.blockByHash(hash)
}

// GetRawMempool returns the txids of the mempool.
func (n *Node) GetRawMempool() ([]*chainhash.Hash, error) {
	if err := n.call("getrawmempool"); err != nil {
		return nil, err
	}

	txids := n.net.Mempool()
	res := make([]*chainhash.Hash, len(txids))
	for i := range txids {
		res[i] = &txids[i]
	}

	return res, nil
}

// GetRawTransaction returns a mined or mempool tx.
func (n *Node) GetRawTransaction(hash *chainhash.Hash) (*btcutil.Tx, error) {
	if err := n.call("getrawtransaction"); err != nil {
		return nil, err
	}

	tx, _, err := n.net.Tx(*hash)
	if err != nil {
		return nil, rpcErr(btcjson.ErrRPCInvalidAddressOrKey, err)
	}

	return btcutil.NewTx(tx), nil
}

// GetMempoolEntry returns the fee information of a mempool tx.
func (n *Node) GetMempoolEntry(txHash string) (*btcjson.GetMempoolEntryResult,
	error) {

	if err := n.call("getmempoolentry"); err != nil {
		return nil, err
	}

	txid, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, rpcErr(btcjson.ErrRPCDecodeHexString, err)
	}

	n.net.mtx.Lock()
	defer n.net.mtx.Unlock()

	tx, ok := n.net.mempool[*txid]
	if !ok {
		return nil, btcjson.NewRPCError(
			btcjson.ErrRPCInvalidAddressOrKey,
			"Transaction not in mempool",
		)
	}

	base, vsize, err := n.feeAndSize(tx)
	if err != nil {
		return nil, err
	}

	res := &btcjson.GetMempoolEntryResult{
		VSize: int32(vsize),
		Fees: btcjson.MempoolFees{
			Base:     base.ToBTC(),
			Modified: base.ToBTC(),
		},
	}

	ancFee, ancSize := base, vsize
	for _, anc := range n.net.mempoolRelatives(*txid, true) {
		fee, size, err := n.feeAndSize(anc)
		if err != nil {
			return nil, err
		}
		ancFee += fee
		ancSize += size
		res.AncestorCount++
	}
	res.AncestorCount++
	res.AncestorSize = ancSize
	res.Fees.Ancestor = ancFee.ToBTC()

	descFee, descSize := base, vsize
	for _, desc := range n.net.mempoolRelatives(*txid, false) {
		fee, size, err := n.feeAndSize(desc)
		if err != nil {
			return nil, err
		}
		descFee += fee
		descSize += size
		res.DescendantCount++
	}
	res.DescendantCount++
	res.DescendantSize = descSize
	res.Fees.Descendant = descFee.ToBTC()

	return res, nil
}

func (n *Node) feeAndSize(tx *wire.MsgTx) (btcutil.Amount, int64, error) {
	fee, err := n.net.fee(tx)
	if err != nil {
		return 0, 0, rpcErr(btcjson.ErrRPCMisc, err)
	}

	return fee, mempool.GetTxVirtualSize(btcutil.NewTx(tx)), nil
}

// SendRawTransaction adds the tx to the mempool.
func (n *Node) SendRawTransaction(tx *wire.MsgTx,
	_ bool) (*chainhash.Hash, error) {

	if err := n.call("sendrawtransaction"); err != nil {
		return nil, err
	}
	if err := n.net.AddToMempool(tx); err != nil {
		return nil, rpcErr(btcjson.ErrRPCVerify, err)
	}
	txid := tx.TxHash()

	return &txid, nil
}

// Shutdown marks the node as shut down.
func (n *Node) Shutdown() {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.shutdown = true
}
