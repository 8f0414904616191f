package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/chain/chaintest"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/keychain/keychaintest"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	testLookAhead = 10
	testStopGap   = 20
)

// harness wires a wallet to an in-memory network through the fake Electrum
// server.
type harness struct {
	t *testing.T

	net    *chaintest.Network
	srv    *chaintest.ElectrumServer
	desc   keychain.Descriptor
	db     *memDB
	syncer *Syncer
	poller *Poller
	ticker *ticker.Force
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	n := chaintest.NewNetwork()
	desc := keychaintest.Descriptor(t, 0x01)

	return newHarnessWith(t, n, newMemDB(desc))
}

func newHarnessWith(t *testing.T, n *chaintest.Network, db *memDB) *harness {
	t.Helper()

	srv := chaintest.NewElectrumServer(n)
	client, err := chain.NewElectrumClientWithDialer(&chain.ElectrumConfig{
		Addr:        "tcp://127.0.0.1:60401",
		RetryLimit:  3,
		BackoffBase: time.Millisecond,
	}, &netparams.RegTestParams, srv.Dialer())
	require.NoError(t, err)
	t.Cleanup(client.Stop)

	s, err := Load(
		context.Background(), db, client, WithLookAhead(testLookAhead),
		WithStopGap(testStopGap), WithBatchSize(5),
	)
	require.NoError(t, err)

	tk := ticker.NewForce(time.Hour)

	return &harness{
		t:      t,
		net:    n,
		srv:    srv,
		desc:   db.desc,
		db:     db,
		syncer: s,
		ticker: tk,
		poller: NewPoller(&PollerConfig{
			DB:     db,
			Syncer: s,
			Ticker: tk,
		}),
	}
}

// cycle runs a sync cycle on the test goroutine. The poller must not be
// started.
func (h *harness) cycle() *CycleResult {
	h.t.Helper()

	res := h.poller.cycle(context.Background())
	require.NoError(h.t, res.Err)

	return res
}

func (h *harness) spk(kind keychain.Kind, index uint32) []byte {
	return keychaintest.Spk(h.t, h.desc, kind, index)
}

// fund mines a block paying a spendable coinbase and returns its output.
func (h *harness) fund() wire.OutPoint {
	block := h.net.Mine(nil, false)
	return chaintest.OutPoint(block.Transactions[0], 0)
}

// send broadcasts a tx spending inputs into outputs.
func (h *harness) send(inputs []wire.OutPoint,
	outputs ...*wire.TxOut) *wire.MsgTx {

	h.t.Helper()

	tx := chaintest.NewTx(inputs, outputs...)
	require.NoError(h.t, h.net.AddToMempool(tx))

	return tx
}

// blockInfo returns the height and time of the network block at height.
func (h *harness) blockInfo(height int32) BlockInfo {
	h.t.Helper()

	block, ok := h.net.Block(height)
	require.True(h.t, ok)

	return BlockInfo{
		Height: height,
		Time:   uint32(block.Header.Timestamp.Unix()),
	}
}

// reload rebuilds the wallet from the database, as a restart would.
func (h *harness) reload() *harness {
	h.t.Helper()

	return newHarnessWith(h.t, h.net, h.db)
}

// indices returns the persisted receive and change indices.
func (h *harness) indices() (uint32, uint32) {
	h.t.Helper()

	receive, err := h.db.ReceiveIndex(context.Background())
	require.NoError(h.t, err)
	change, err := h.db.ChangeIndex(context.Background())
	require.NoError(h.t, err)

	return receive, change
}
