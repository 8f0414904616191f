package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// memDB is an in-memory DatabaseConnection.
type memDB struct {
	mtx sync.Mutex

	params  *chaincfg.Params
	desc    keychain.Descriptor
	tip     fn.Option[localchain.BlockChainTip]
	coins   map[wire.OutPoint]Coin
	txs     map[chainhash.Hash]*wire.MsgTx
	receive uint32
	change  uint32

	rollbacks []localchain.BlockChainTip
}

var _ DatabaseConnection = (*memDB)(nil)

func newMemDB(desc keychain.Descriptor) *memDB {
	return &memDB{
		params: &chaincfg.RegressionNetParams,
		desc:   desc,
		coins:  make(map[wire.OutPoint]Coin),
		txs:    make(map[chainhash.Hash]*wire.MsgTx),
	}
}

func (m *memDB) Network(context.Context) (*chaincfg.Params, error) {
	return m.params, nil
}

func (m *memDB) ChainTip(context.Context) (
	fn.Option[localchain.BlockChainTip], error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.tip, nil
}

func (m *memDB) Coins(context.Context) (map[wire.OutPoint]Coin, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	coins := make(map[wire.OutPoint]Coin, len(m.coins))
	for op, c := range m.coins {
		coins[op] = c
	}

	return coins, nil
}

func (m *memDB) ReceiveIndex(context.Context) (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.receive, nil
}

func (m *memDB) ChangeIndex(context.Context) (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.change, nil
}

func (m *memDB) SetReceiveIndex(_ context.Context, index uint32) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.receive = index

	return nil
}

func (m *memDB) SetChangeIndex(_ context.Context, index uint32) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.change = index

	return nil
}

func (m *memDB) ListTxids(_ context.Context, _, _ time.Time,
	limit int) ([]chainhash.Hash, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	txids := make([]chainhash.Hash, 0, len(m.txs))
	for txid := range m.txs {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return txids[i].String() < txids[j].String()
	})
	if limit > 0 && len(txids) > limit {
		txids = txids[:limit]
	}

	return txids, nil
}

func (m *memDB) ListWalletTransactions(_ context.Context,
	txids []chainhash.Hash) ([]TxWithBlock, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	var res []TxWithBlock
	for _, txid := range txids {
		if tx, ok := m.txs[txid]; ok {
			res = append(res, TxWithBlock{Tx: tx})
		}
	}

	return res, nil
}

func (m *memDB) MainDescriptor(context.Context) (keychain.Descriptor, error) {
	return m.desc, nil
}

func (m *memDB) UpdateCoins(_ context.Context, u *UpdatedCoins) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, c := range u.Received {
		c.BlockInfo = fn.None[BlockInfo]()
		c.SpendTxid = fn.None[chainhash.Hash]()
		c.SpendBlock = fn.None[BlockInfo]()
		c.IsFromSelf = false
		m.coins[c.OutPoint] = c
	}
	for _, c := range u.Confirmed {
		coin := m.coins[c.OutPoint]
		coin.BlockInfo = fn.Some(c.Block)
		m.coins[c.OutPoint] = coin
	}
	for _, op := range u.Expired {
		delete(m.coins, op)
	}
	for _, op := range u.ExpiredSpending {
		coin := m.coins[op]
		coin.SpendTxid = fn.None[chainhash.Hash]()
		coin.SpendBlock = fn.None[BlockInfo]()
		m.coins[op] = coin
	}
	for _, c := range u.Spending {
		coin := m.coins[c.OutPoint]
		coin.SpendTxid = fn.Some(c.SpendTxid)
		m.coins[c.OutPoint] = coin
	}
	for _, c := range u.Spent {
		coin := m.coins[c.OutPoint]
		coin.SpendTxid = fn.Some(c.SpendTxid)
		coin.SpendBlock = fn.Some(c.Block)
		m.coins[c.OutPoint] = coin
	}
	for _, op := range u.FromSelf {
		coin := m.coins[op]
		coin.IsFromSelf = true
		m.coins[op] = coin
	}
	for _, op := range u.Matured {
		coin := m.coins[op]
		coin.IsImmature = false
		m.coins[op] = coin
	}
	for _, op := range u.Immature {
		coin := m.coins[op]
		coin.IsImmature = true
		m.coins[op] = coin
	}

	return nil
}

func (m *memDB) RollbackTip(_ context.Context,
	tip localchain.BlockChainTip) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.rollbacks = append(m.rollbacks, tip)
	m.tip = fn.Some(tip)
	for op, c := range m.coins {
		if fn.MapOptionZ(c.BlockInfo, func(b BlockInfo) bool {
			return b.Height > tip.Height
		}) {
			c.BlockInfo = fn.None[BlockInfo]()
		}
		if !c.IsConfirmed() {
			c.IsFromSelf = false
		}
		if fn.MapOptionZ(c.SpendBlock, func(b BlockInfo) bool {
			return b.Height > tip.Height
		}) {
			c.SpendBlock = fn.None[BlockInfo]()
		}
		m.coins[op] = c
	}

	return nil
}

func (m *memDB) UpdateTip(_ context.Context,
	tip localchain.BlockChainTip) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.tip = fn.Some(tip)

	return nil
}

func (m *memDB) StoreTransactions(_ context.Context,
	txs []*wire.MsgTx) error {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, tx := range txs {
		m.txs[tx.TxHash()] = tx
	}

	return nil
}

func (m *memDB) coin(op wire.OutPoint) (Coin, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	c, ok := m.coins[op]

	return c, ok
}
