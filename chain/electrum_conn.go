package chain

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
)

// HistoryItem is one entry of the history of a script as reported by an
// Electrum server. A height above zero is a confirmation height, zero and
// -1 mean the transaction is unconfirmed.
type HistoryItem struct {
	Txid   chainhash.Hash
	Height int32
}

// Confirmed returns true if the item refers to a mined transaction.
func (h HistoryItem) Confirmed() bool {
	return h.Height > 0
}

// ElectrumConn is a single connection to an Electrum server, reduced to the
// calls the client needs. Implementations must be safe for concurrent use.
type ElectrumConn interface {
	// Ping checks the server is responsive.
	Ping(ctx context.Context) error

	// TipHeader returns the height and header of the server's tip.
	TipHeader(ctx context.Context) (int32, *wire.BlockHeader, error)

	// BlockHeader returns the header at height.
	BlockHeader(ctx context.Context, height uint32) (*wire.BlockHeader,
		error)

	// History returns the confirmed and mempool history of a script.
	History(ctx context.Context, scriptHash string) ([]HistoryItem, error)

	// RawTransaction fetches a transaction.
	RawTransaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)

	// Broadcast sends the transaction to the server.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)

	// Shutdown closes the connection.
	Shutdown()
}

// ElectrumDialer opens a connection to the server at addr.
type ElectrumDialer func(ctx context.Context, addr ElectrumAddr,
	validateDomain bool) (ElectrumConn, error)

// ElectrumAddr is a parsed Electrum server address.
type ElectrumAddr struct {
	// TLS is set for ssl:// addresses.
	TLS bool

	// Host is the host:port pair.
	Host string
}

// String renders the address back to its scheme://host:port form.
func (a ElectrumAddr) String() string {
	if a.TLS {
		return "ssl://" + a.Host
	}

	return "tcp://" + a.Host
}

// ParseElectrumAddr parses a tcp://host:port or ssl://host:port address.
func ParseElectrumAddr(s string) (ElectrumAddr, error) {
	u, err := url.Parse(s)
	if err != nil {
		return ElectrumAddr{}, fmt.Errorf("invalid electrum address "+
			"%q: %w", s, err)
	}

	var addr ElectrumAddr
	switch u.Scheme {
	case "tcp":
	case "ssl":
		addr.TLS = true
	default:
		return ElectrumAddr{}, fmt.Errorf("invalid electrum address "+
			"%q: scheme must be tcp or ssl", s)
	}

	if u.Path != "" || u.RawQuery != "" {
		return ElectrumAddr{}, fmt.Errorf("invalid electrum address "+
			"%q: unexpected path", s)
	}
	if _, port, err := net.SplitHostPort(u.Host); err != nil || port == "" {
		return ElectrumAddr{}, fmt.Errorf("invalid electrum address "+
			"%q: missing port", s)
	}
	addr.Host = u.Host

	return addr, nil
}

// socketConn is an ElectrumConn backed by a go-electrum client.
type socketConn struct {
	client *electrum.Client

	tipMtx    sync.RWMutex
	tipHeight int32
	tipHeader *wire.BlockHeader

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// A compile-time check to ensure that socketConn satisfies the ElectrumConn
// interface.
var _ ElectrumConn = (*socketConn)(nil)

// DialElectrum connects to an Electrum server and subscribes to its headers
// so the tip is always known. Certificates of ssl:// servers are only
// checked when validateDomain is set.
func DialElectrum(ctx context.Context, addr ElectrumAddr,
	validateDomain bool) (ElectrumConn, error) {

	var (
		client *electrum.Client
		err    error
	)
	if addr.TLS {
		host, _, _ := net.SplitHostPort(addr.Host)
		client, err = electrum.NewClientSSL(ctx, addr.Host, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: !validateDomain, // nolint:gosec
		})
	} else {
		client, err = electrum.NewClientTCP(ctx, addr.Host)
	}
	if err != nil {
		return nil, err
	}

	c := &socketConn{
		client: client,
		quit:   make(chan struct{}),
	}

	headers, err := client.SubscribeHeaders(ctx)
	if err != nil {
		client.Shutdown()
		return nil, err
	}

	// The first notification carries the current tip.
	select {
	case first, ok := <-headers:
		if !ok {
			client.Shutdown()
			return nil, net.ErrClosed
		}
		if err := c.setTip(first); err != nil {
			client.Shutdown()
			return nil, err
		}

	case <-ctx.Done():
		client.Shutdown()
		return nil, ctx.Err()
	}

	c.wg.Add(1)
	go c.headerHandler(headers)

	return c, nil
}

// headerHandler keeps the tip up to date with the server's notifications.
//
// NOTE: This MUST be run as a goroutine.
func (c *socketConn) headerHandler(headers <-chan *electrum.SubscribeHeadersResult) {
	defer c.wg.Done()

	for {
		select {
		case h, ok := <-headers:
			if !ok {
				return
			}
			if err := c.setTip(h); err != nil {
				log.Warnf("Ignoring invalid header notification: %v",
					err)
			}

		case <-c.quit:
			return
		}
	}
}

func (c *socketConn) setTip(h *electrum.SubscribeHeadersResult) error {
	if h == nil {
		return errors.New("empty header notification")
	}

	header, err := decodeHeader(h.Hex)
	if err != nil {
		return err
	}

	c.tipMtx.Lock()
	c.tipHeight = h.Height
	c.tipHeader = header
	c.tipMtx.Unlock()

	return nil
}

// Ping checks the server is responsive.
func (c *socketConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// TipHeader returns the last tip the server notified.
func (c *socketConn) TipHeader(ctx context.Context) (int32, *wire.BlockHeader,
	error) {

	if c.client.IsShutdown() {
		return 0, nil, net.ErrClosed
	}

	c.tipMtx.RLock()
	defer c.tipMtx.RUnlock()

	return c.tipHeight, c.tipHeader, nil
}

// BlockHeader returns the header at height.
func (c *socketConn) BlockHeader(ctx context.Context,
	height uint32) (*wire.BlockHeader, error) {

	res, err := c.client.GetBlockHeader(ctx, height)
	if err != nil {
		return nil, err
	}

	return decodeHeader(res.Header)
}

// History returns the history of a script.
func (c *socketConn) History(ctx context.Context,
	scriptHash string) ([]HistoryItem, error) {

	res, err := c.client.GetHistory(ctx, scriptHash)
	if err != nil {
		return nil, err
	}

	items := make([]HistoryItem, 0, len(res))
	for _, r := range res {
		txid, err := chainhash.NewHashFromStr(r.Hash)
		if err != nil {
			return nil, fmt.Errorf("invalid txid in history: %w",
				err)
		}
		items = append(items, HistoryItem{
			Txid:   *txid,
			Height: r.Height,
		})
	}

	return items, nil
}

// RawTransaction fetches and decodes a transaction.
func (c *socketConn) RawTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	rawHex, err := c.client.GetRawTransaction(ctx, txid.String())
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	if tx.TxHash() != txid {
		return nil, fmt.Errorf("server returned tx %v for %v",
			tx.TxHash(), txid)
	}

	return tx, nil
}

// Broadcast sends the transaction to the server.
func (c *socketConn) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}

	res, err := c.client.BroadcastTransaction(
		ctx, hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := chainhash.NewHashFromStr(res)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid broadcast "+
			"response %q: %w", res, err)
	}

	return *txid, nil
}

// Shutdown closes the connection and waits for the header handler to exit.
func (c *socketConn) Shutdown() {
	c.quitOnce.Do(func() {
		close(c.quit)
		c.client.Shutdown()
	})
	c.wg.Wait()
}

func decodeHeader(s string) (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid header hex: %w", err)
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	return &header, nil
}
