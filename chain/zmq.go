package chain

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
)

const (
	// hashBlockZMQCommand is the command used to receive block hash
	// notifications from bitcoind through ZMQ.
	hashBlockZMQCommand = "hashblock"

	// seqNumLen is the length of the sequence number of a message sent from
	// bitcoind through ZMQ.
	seqNumLen = 4

	// defaultZMQReadDeadline is the read deadline applied to the ZMQ
	// subscription when none is configured.
	defaultZMQReadDeadline = 5 * time.Second
)

// zmqReceiver is the part of a ZMQ subscription the notifier reads from.
type zmqReceiver interface {
	Receive(bufs [][]byte) ([][]byte, error)
	Close() error
}

// BlockNotifier turns the hashblock ZMQ publications of a bitcoind node
// into a stream of block hashes. Notifications are a hint to sync early:
// they may be dropped when the reader lags behind, and nothing is lost since
// the next sync catches up anyway.
type BlockNotifier struct {
	conn zmqReceiver

	blocks chan chainhash.Hash

	quit chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// NewBlockNotifier subscribes to the hashblock publisher at addr, as set
// with bitcoind's -zmqpubhashblock option. A zero readDeadline means five
// seconds.
func NewBlockNotifier(addr string,
	readDeadline time.Duration) (*BlockNotifier, error) {

	if readDeadline == 0 {
		readDeadline = defaultZMQReadDeadline
	}

	conn, err := gozmq.Subscribe(
		addr, []string{hashBlockZMQCommand}, readDeadline,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe for zmq block "+
			"events: %w", err)
	}

	log.Infof("Listening for bitcoind block notifications via ZMQ on %v",
		conn.RemoteAddr())

	return newBlockNotifier(conn), nil
}

func newBlockNotifier(conn zmqReceiver) *BlockNotifier {
	n := &BlockNotifier{
		conn:   conn,
		blocks: make(chan chainhash.Hash, 1),
		quit:   make(chan struct{}),
	}

	n.wg.Add(1)
	go n.receiveLoop()

	return n
}

// Notifications delivers the hashes of newly connected blocks.
func (n *BlockNotifier) Notifications() <-chan chainhash.Hash {
	return n.blocks
}

// Stop closes the subscription and waits for the receive loop to exit.
func (n *BlockNotifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
		if err := n.conn.Close(); err != nil {
			log.Errorf("Unable to close zmq block conn: %v", err)
		}
		n.wg.Wait()
	})
}

// receiveLoop reads hashblock events until the subscription is closed.
//
// NOTE: This must be run as a goroutine.
func (n *BlockNotifier) receiveLoop() {
	defer n.wg.Done()

	var (
		command [len(hashBlockZMQCommand)]byte
		data    [chainhash.HashSize]byte
		seqNum  [seqNumLen]byte
	)

	for {
		select {
		case <-n.quit:
			return
		default:
		}

		bufs, err := n.conn.Receive(
			[][]byte{command[:], data[:], seqNum[:]},
		)
		if err != nil {
			// EOF is only returned once the connection was closed.
			if errors.Is(err, io.EOF) {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				hashBlockZMQCommand, err)

			// Back off a little so a broken socket doesn't spin.
			select {
			case <-time.After(time.Second):
			case <-n.quit:
				return
			}
			continue
		}

		if len(bufs) < 2 || string(bufs[0]) != hashBlockZMQCommand ||
			len(bufs[1]) != chainhash.HashSize {

			continue
		}

		// bitcoind publishes the hash in display order.
		var hash chainhash.Hash
		for i, b := range bufs[1] {
			hash[chainhash.HashSize-1-i] = b
		}
		log.Debugf("Block %v announced via ZMQ", hash)

		// Keep the latest announcement only, a single pending one is
		// enough to trigger a sync.
		select {
		case n.blocks <- hash:
		default:
			select {
			case <-n.blocks:
			default:
			}
			select {
			case n.blocks <- hash:
			default:
			}
		}
	}
}
