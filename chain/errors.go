package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrTipChanged is returned by a multi-step query when the chain tip
	// moved while it was running.
	ErrTipChanged = errors.New("chain tip changed during query")

	// ErrTxNotFound is returned when the chain source does not know a
	// requested transaction.
	ErrTxNotFound = errors.New("transaction not found")
)

// TransportError is returned when a request could not reach the chain
// source, after all retries were exhausted.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is returned when the chain source rejected a request or
// answered with a response that could not be decoded. These are never
// retried.
type ServerError struct {
	Op   string
	Code int
	Err  error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: server error %d: %v", e.Op, e.Code,
			e.Err)
	}

	return fmt.Sprintf("%s: server error: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}

// GenesisMismatchError is returned when the genesis block of the chain
// source or of the wallet does not match the one expected for the network.
// It is a configuration error that must not be retried.
type GenesisMismatchError struct {
	Expected chainhash.Hash
	Remote   chainhash.Hash
	Local    chainhash.Hash
}

// Error implements the error interface.
func (e *GenesisMismatchError) Error() string {
	return fmt.Sprintf("genesis block mismatch: expected %v, chain "+
		"source has %v, wallet has %v", e.Expected, e.Remote, e.Local)
}

// BroadcastErr describes why a chain source refused a transaction.
type BroadcastErr uint32

const (
	// ErrBroadcastUnknown is used when the rejection reason could not be
	// matched.
	ErrBroadcastUnknown BroadcastErr = iota

	// ErrMissingInputs is returned when an input is unknown or spent.
	ErrMissingInputs

	// ErrMempoolConflict is returned when the transaction conflicts with
	// another one in the mempool.
	ErrMempoolConflict

	// ErrInsufficientFee is returned when the fee is below the mempool
	// minimum or too low to replace a conflict.
	ErrInsufficientFee

	// ErrTxAlreadyKnown is returned when the transaction is already in
	// the mempool.
	ErrTxAlreadyKnown

	// ErrTxAlreadyConfirmed is returned when the transaction is already
	// in the chain.
	ErrTxAlreadyConfirmed

	// errSentinel is used to indicate the end of the error list.
	errSentinel
)

// Error returns a human readable string for the rejection reason.
func (r BroadcastErr) Error() string {
	switch r {
	case ErrBroadcastUnknown:
		return "broadcast rejected"
	case ErrMissingInputs:
		return "missing inputs"
	case ErrMempoolConflict:
		return "txn mempool conflict"
	case ErrInsufficientFee:
		return "insufficient fee"
	case ErrTxAlreadyKnown:
		return "txn already in mempool"
	case ErrTxAlreadyConfirmed:
		return "transaction already in block chain"
	}

	return "unknown error"
}

// broadcastErrPatterns maps the rejection strings used by bitcoind and
// Electrum servers to a rejection reason.
var broadcastErrPatterns = []struct {
	pattern string
	err     BroadcastErr
}{
	{"missing inputs", ErrMissingInputs},
	{"bad txns inputs missingorspent", ErrMissingInputs},
	{"txn mempool conflict", ErrMempoolConflict},
	{"insufficient fee", ErrInsufficientFee},
	{"min relay fee not met", ErrInsufficientFee},
	{"mempool min fee not met", ErrInsufficientFee},
	{"txn already in mempool", ErrTxAlreadyKnown},
	{"txn already known", ErrTxAlreadyKnown},
	{"transaction already in block chain", ErrTxAlreadyConfirmed},
	{"txn already confirmed", ErrTxAlreadyConfirmed},
}

// mapBroadcastErr matches a rejection message against the known patterns.
func mapBroadcastErr(err error) BroadcastErr {
	for _, p := range broadcastErrPatterns {
		if matchErrStr(err, p.pattern) {
			return p.err
		}
	}

	return ErrBroadcastUnknown
}

// matchErrStr takes an error returned from the chain source and matches it
// against the specified string. Dashes are replaced with spaces and both
// sides are lowercased before comparing.
func matchErrStr(err error, s string) bool {
	if err == nil {
		return false
	}

	normalize := func(str string) string {
		return strings.ToLower(strings.ReplaceAll(str, "-", " "))
	}

	return strings.Contains(normalize(err.Error()), normalize(s))
}

// isTransportErr reports whether err was caused by the connection rather
// than by the server's answer.
func isTransportErr(err error) bool {
	var (
		netErr net.Error
		rpcErr *btcjson.RPCError
	)
	switch {
	case errors.As(err, &rpcErr):
		return false

	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr):

		return true
	}

	// The electrum client reports a dropped socket with a plain error.
	return matchErrStr(err, "server has been shut down") ||
		matchErrStr(err, "connection refused") ||
		matchErrStr(err, "broken pipe")
}
