package coindb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// txTimeQuery selects each stored txid along with its confirmation time,
// taken from the coins it created or spent, falling back to the time it was
// stored.
const txTimeQuery = `
	SELECT t.txid, COALESCE(
		(SELECT MIN(c.blocktime) FROM coins c WHERE c.txid = t.txid),
		(SELECT MIN(c.spend_block_time) FROM coins c
			WHERE c.spend_txid = t.txid),
		t.added_at
	) AS tx_time
	FROM transactions t`

// StoreTransactions persists wallet transactions. Known ones are ignored.
func (s *Store) StoreTransactions(ctx context.Context,
	txs []*wire.MsgTx) error {

	now := s.clock().Unix()

	return s.executeTx(ctx, func(tx *sql.Tx) error {
		for _, msgTx := range txs {
			var buf bytes.Buffer
			if err := msgTx.Serialize(&buf); err != nil {
				return storeError(ErrData, "unable to serialize tx",
					err)
			}

			txid := msgTx.TxHash()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO transactions (txid, tx, added_at)
				VALUES (?, ?, ?)
				ON CONFLICT (txid) DO NOTHING`,
				txid[:], buf.Bytes(), now,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

// ListTxids returns the txids of the stored transactions confirmed, or
// stored if unconfirmed, within [from, to], most recent first. A zero limit
// means no limit.
func (s *Store) ListTxids(ctx context.Context, from, to time.Time,
	limit int) ([]chainhash.Hash, error) {

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT txid FROM (`+txTimeQuery+`)
		WHERE tx_time BETWEEN ? AND ?
		ORDER BY tx_time DESC, txid
		LIMIT ?`,
		from.Unix(), to.Unix(), int64(limit),
	)
	if err != nil {
		return nil, storeError(ErrDatabase, "unable to list txids", err)
	}
	defer rows.Close()

	var txids []chainhash.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, storeError(ErrDatabase, "unable to scan txid",
				err)
		}
		txid, err := chainhash.NewHash(raw)
		if err != nil {
			return nil, storeError(ErrData, "invalid txid", err)
		}
		txids = append(txids, *txid)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase, "unable to list txids", err)
	}

	return txids, nil
}

// ListWalletTransactions returns the stored transactions among txids along
// with the height and time of their block if a coin records it. Block hashes
// aren't stored and are left zero. Unknown txids are skipped.
func (s *Store) ListWalletTransactions(ctx context.Context,
	txids []chainhash.Hash) ([]wallet.TxWithBlock, error) {

	res := make([]wallet.TxWithBlock, 0, len(txids))
	for _, txid := range txids {
		var (
			raw       []byte
			height    sql.NullInt32
			blockTime sql.NullInt64
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT t.tx,
				COALESCE(
					(SELECT MIN(blockheight) FROM coins
						WHERE txid = t.txid),
					(SELECT MIN(spend_block_height) FROM coins
						WHERE spend_txid = t.txid)),
				COALESCE(
					(SELECT MIN(blocktime) FROM coins
						WHERE txid = t.txid),
					(SELECT MIN(spend_block_time) FROM coins
						WHERE spend_txid = t.txid))
			FROM transactions t WHERE t.txid = ?`, txid[:],
		).Scan(&raw, &height, &blockTime)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue

		case err != nil:
			return nil, storeError(ErrDatabase, "unable to read tx",
				err)
		}

		msgTx := wire.NewMsgTx(wire.TxVersion)
		if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, storeError(ErrData, "invalid stored tx", err)
		}

		t := wallet.TxWithBlock{Tx: msgTx}
		blockInfo(height, blockTime).WhenSome(func(b wallet.BlockInfo) {
			t.Block = fn.Some(wallet.Block{
				Height: b.Height,
				Time:   b.Time,
			})
		})
		res = append(res, t)
	}

	return res, nil
}
