package chaintest

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/chain"
)

// ElectrumServer serves a Network over the chain.ElectrumConn interface.
type ElectrumServer struct {
	net *Network

	mtx      sync.Mutex
	failNext int
	dials    int
	calls    map[string]int
	down     bool
}

// A compile-time check to ensure that ElectrumServer satisfies the
// chain.ElectrumConn interface.
var _ chain.ElectrumConn = (*ElectrumServer)(nil)

// NewElectrumServer returns a server backed by n.
func NewElectrumServer(n *Network) *ElectrumServer {
	return &ElectrumServer{
		net:   n,
		calls: make(map[string]int),
	}
}

// Dialer returns a dialer connecting to the server. Dialing fails while the
// server is down.
func (s *ElectrumServer) Dialer() chain.ElectrumDialer {
	return func(context.Context, chain.ElectrumAddr,
		bool) (chain.ElectrumConn, error) {

		s.mtx.Lock()
		defer s.mtx.Unlock()

		s.dials++
		if s.down {
			return nil, &net.OpError{Op: "dial", Err: io.EOF}
		}

		return s, nil
	}
}

// FailNext makes the next count calls fail at the transport level.
func (s *ElectrumServer) FailNext(count int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.failNext = count
}

// SetDown makes every call and dial fail until called with false.
func (s *ElectrumServer) SetDown(down bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.down = down
}

// Dials returns the number of dial attempts.
func (s *ElectrumServer) Dials() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.dials
}

// Calls returns the number of calls of the named method, failed ones
// included.
func (s *ElectrumServer) Calls(method string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.calls[method]
}

func (s *ElectrumServer) call(method string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.calls[method]++
	if s.down {
		return io.EOF
	}
	if s.failNext > 0 {
		s.failNext--
		return io.ErrUnexpectedEOF
	}

	return nil
}

// Ping checks the server is responsive.
func (s *ElectrumServer) Ping(context.Context) error {
	return s.call("ping")
}

// TipHeader returns the tip height and header.
func (s *ElectrumServer) TipHeader(context.Context) (int32, *wire.BlockHeader,
	error) {

	if err := s.call("tip"); err != nil {
		return 0, nil, err
	}

	tip := s.net.Tip()
	block, _ := s.net.Block(tip.Height)
	header := block.Header

	return tip.Height, &header, nil
}

// BlockHeader returns the header at height.
func (s *ElectrumServer) BlockHeader(_ context.Context,
	height uint32) (*wire.BlockHeader, error) {

	if err := s.call("header"); err != nil {
		return nil, err
	}

	block, ok := s.net.Block(int32(height))
	if !ok {
		return nil, ErrHeightOutOfRange
	}
	header := block.Header

	return &header, nil
}

// History returns the history of a script, unconfirmed txs last.
func (s *ElectrumServer) History(_ context.Context,
	scriptHash string) ([]chain.HistoryItem, error) {

	if err := s.call("history"); err != nil {
		return nil, err
	}

	entries := s.net.history(scriptHash)
	items := make([]chain.HistoryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, chain.HistoryItem{
			Txid:   e.txid,
			Height: e.height,
		})
	}

	return items, nil
}

// RawTransaction returns a mined or mempool tx.
func (s *ElectrumServer) RawTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	if err := s.call("tx"); err != nil {
		return nil, err
	}

	tx, _, err := s.net.Tx(txid)

	return tx, err
}

// Broadcast adds the tx to the mempool.
func (s *ElectrumServer) Broadcast(_ context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	if err := s.call("broadcast"); err != nil {
		return chainhash.Hash{}, err
	}
	if err := s.net.AddToMempool(tx); err != nil {
		return chainhash.Hash{}, err
	}

	return tx.TxHash(), nil
}

// Shutdown is a no-op, the server outlives its connections.
func (s *ElectrumServer) Shutdown() {}
