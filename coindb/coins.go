package coindb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletsync/localchain"
	"github.com/btcsuite/walletsync/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const coinColumns = `txid, vout, amount_sat, derivation_index, is_change,
	is_immature, blockheight, blocktime, spend_txid, spend_block_height,
	spend_block_time, is_from_self`

// ChainTip returns the last block the coins were reconciled at.
func (s *Store) ChainTip(ctx context.Context) (
	fn.Option[localchain.BlockChainTip], error) {

	none := fn.None[localchain.BlockChainTip]()

	var (
		height sql.NullInt32
		hash   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tip_height, tip_hash FROM wallets WHERE id = 1`,
	).Scan(&height, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return none, storeError(ErrNoWallet, "no wallet in database", nil)

	case err != nil:
		return none, storeError(ErrDatabase, "unable to read tip", err)

	case !height.Valid:
		return none, nil
	}

	tipHash, err := chainhash.NewHash(hash)
	if err != nil {
		return none, storeError(ErrData, "invalid tip hash", err)
	}

	return fn.Some(localchain.BlockChainTip{
		Height: height.Int32,
		Hash:   *tipHash,
	}), nil
}

// UpdateTip stores the last reconciled block.
func (s *Store) UpdateTip(ctx context.Context,
	tip localchain.BlockChainTip) error {

	return s.executeTx(ctx, func(tx *sql.Tx) error {
		return updateWallet(
			ctx, tx, `tip_height = ?, tip_hash = ?`, int64(tip.Height),
			tip.Hash[:],
		)
	})
}

// Coins returns every persisted coin, spent ones included.
func (s *Store) Coins(ctx context.Context) (map[wire.OutPoint]wallet.Coin,
	error) {

	rows, err := s.db.QueryContext(ctx, `SELECT `+coinColumns+` FROM coins`)
	if err != nil {
		return nil, storeError(ErrDatabase, "unable to query coins", err)
	}
	defer rows.Close()

	coins := make(map[wire.OutPoint]wallet.Coin)
	for rows.Next() {
		coin, err := scanCoin(rows)
		if err != nil {
			return nil, err
		}
		coins[coin.OutPoint] = coin
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ErrDatabase, "unable to read coins", err)
	}

	return coins, nil
}

func scanCoin(rows *sql.Rows) (wallet.Coin, error) {
	var (
		coin                 wallet.Coin
		txid, spendTxid      []byte
		vout                 uint32
		amount               int64
		height, spendHeight  sql.NullInt32
		blockTime, spendTime sql.NullInt64
	)
	err := rows.Scan(
		&txid, &vout, &amount, &coin.DerivationIndex, &coin.IsChange,
		&coin.IsImmature, &height, &blockTime, &spendTxid,
		&spendHeight, &spendTime, &coin.IsFromSelf,
	)
	if err != nil {
		return coin, storeError(ErrDatabase, "unable to scan coin", err)
	}

	hash, err := chainhash.NewHash(txid)
	if err != nil {
		return coin, storeError(ErrData, "invalid coin txid", err)
	}
	coin.OutPoint = wire.OutPoint{Hash: *hash, Index: vout}
	coin.Amount = btcutil.Amount(amount)
	coin.BlockInfo = blockInfo(height, blockTime)
	coin.SpendBlock = blockInfo(spendHeight, spendTime)

	if spendTxid != nil {
		spend, err := chainhash.NewHash(spendTxid)
		if err != nil {
			return coin, storeError(ErrData, "invalid spend txid", err)
		}
		coin.SpendTxid = fn.Some(*spend)
	}

	return coin, nil
}

func blockInfo(height sql.NullInt32,
	blockTime sql.NullInt64) fn.Option[wallet.BlockInfo] {

	if !height.Valid || !blockTime.Valid {
		return fn.None[wallet.BlockInfo]()
	}

	return fn.Some(wallet.BlockInfo{
		Height: height.Int32,
		Time:   uint32(blockTime.Int64),
	})
}

// UpdateCoins persists a coin update in a single transaction.
func (s *Store) UpdateCoins(ctx context.Context,
	updated *wallet.UpdatedCoins) error {

	return s.executeTx(ctx, func(tx *sql.Tx) error {
		return updateCoins(ctx, tx, updated)
	})
}

func updateCoins(ctx context.Context, tx *sql.Tx,
	u *wallet.UpdatedCoins) error {

	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}

	// Received coins are inserted unconfirmed and unspent: the other
	// lists of the same update carry their state.
	for _, c := range u.Received {
		err := exec(`
			INSERT INTO coins (txid, vout, amount_sat,
				derivation_index, is_change, is_immature)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (txid, vout) DO NOTHING`,
			c.OutPoint.Hash[:], int64(c.OutPoint.Index), int64(c.Amount),
			int64(c.DerivationIndex), c.IsChange, c.IsImmature,
		)
		if err != nil {
			return err
		}
	}

	for _, c := range u.Confirmed {
		err := exec(`
			UPDATE coins SET blockheight = ?, blocktime = ?
			WHERE txid = ? AND vout = ?`,
			int64(c.Block.Height), int64(c.Block.Time),
			c.OutPoint.Hash[:], int64(c.OutPoint.Index),
		)
		if err != nil {
			return err
		}
	}

	for _, op := range u.Expired {
		err := exec(`DELETE FROM coins WHERE txid = ? AND vout = ?`,
			op.Hash[:], int64(op.Index))
		if err != nil {
			return err
		}
	}

	for _, op := range u.ExpiredSpending {
		err := exec(`
			UPDATE coins SET spend_txid = NULL,
				spend_block_height = NULL,
				spend_block_time = NULL
			WHERE txid = ? AND vout = ?`,
			op.Hash[:], int64(op.Index),
		)
		if err != nil {
			return err
		}
	}

	for _, c := range u.Spending {
		err := exec(`
			UPDATE coins SET spend_txid = ?
			WHERE txid = ? AND vout = ?`,
			c.SpendTxid[:], c.OutPoint.Hash[:], int64(c.OutPoint.Index),
		)
		if err != nil {
			return err
		}
	}

	for _, c := range u.Spent {
		err := exec(`
			UPDATE coins SET spend_txid = ?,
				spend_block_height = ?, spend_block_time = ?
			WHERE txid = ? AND vout = ?`,
			c.SpendTxid[:], int64(c.Block.Height), int64(c.Block.Time),
			c.OutPoint.Hash[:], int64(c.OutPoint.Index),
		)
		if err != nil {
			return err
		}
	}

	for _, op := range u.FromSelf {
		err := exec(`
			UPDATE coins SET is_from_self = 1
			WHERE txid = ? AND vout = ?`,
			op.Hash[:], int64(op.Index),
		)
		if err != nil {
			return err
		}
	}

	for _, op := range u.Matured {
		err := exec(`
			UPDATE coins SET is_immature = 0
			WHERE txid = ? AND vout = ?`,
			op.Hash[:], int64(op.Index),
		)
		if err != nil {
			return err
		}
	}

	for _, op := range u.Immature {
		err := exec(`
			UPDATE coins SET is_immature = 1
			WHERE txid = ? AND vout = ?`,
			op.Hash[:], int64(op.Index),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// RollbackTip makes tip the last reconciled block. Confirmations and spend
// confirmations above it are dropped. Unconfirmed coins lose their from-self
// flag until the next update settles it again. Spend txids are kept.
func (s *Store) RollbackTip(ctx context.Context,
	tip localchain.BlockChainTip) error {

	log.Infof("Rolling back coins to tip %v", tip)

	return s.executeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE coins SET blockheight = NULL, blocktime = NULL
			WHERE blockheight > ?`, int64(tip.Height),
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE coins SET is_from_self = 0
			WHERE blockheight IS NULL`,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE coins SET spend_block_height = NULL,
				spend_block_time = NULL
			WHERE spend_block_height > ?`, int64(tip.Height),
		)
		if err != nil {
			return err
		}

		return updateWallet(
			ctx, tx, `tip_height = ?, tip_hash = ?`, int64(tip.Height),
			tip.Hash[:],
		)
	})
}
