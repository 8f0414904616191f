package wallet

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// UpdateCoins compares the persisted coins with the ones the wallet derives
// from its last sync and returns the difference. Only unconfirmed
// transactions seen during the last sync are taken into account. The
// derivation indices of the database are moved past any newly received coin.
func UpdateCoins(ctx context.Context, db DatabaseConnection,
	s *Syncer) (*UpdatedCoins, error) {

	current, err := db.Coins(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch coins: %w", err)
	}
	coins := s.WalletCoins(
		fn.None[[]wire.OutPoint](), fn.Some(s.SyncCount()),
	)

	updated := diffCoins(current, coins)

	if err := bumpIndices(ctx, db, updated.Received); err != nil {
		return nil, err
	}

	log.Debugf("Coin update: %v", spewClosure(updated))

	return updated, nil
}

// diffCoins returns the changes turning the current coin set into the new
// one. Every list is sorted by outpoint.
func diffCoins(current, coins map[wire.OutPoint]Coin) *UpdatedCoins {
	updated := &UpdatedCoins{}

	for _, op := range sortedOutPoints(coins) {
		c := coins[op]

		prev, ok := current[op]
		if !ok {
			updated.Received = append(updated.Received, c)
			c.BlockInfo.WhenSome(func(b BlockInfo) {
				updated.Confirmed = append(updated.Confirmed,
					ConfirmedCoin{OutPoint: op, Block: b})
			})
			addSpend(updated, c)

			continue
		}

		// A confirmation or a spend block is never replaced here: a
		// reorg rolls the database back first.
		if prev.BlockInfo.IsNone() && c.BlockInfo.IsSome() {
			updated.Confirmed = append(updated.Confirmed,
				ConfirmedCoin{
					OutPoint: op,
					Block:    c.BlockInfo.UnsafeFromSome(),
				})
		}
		if prev.SpendTxid != c.SpendTxid {
			if prev.SpendTxid.IsSome() {
				updated.ExpiredSpending = append(
					updated.ExpiredSpending, op,
				)
			}
			c.SpendTxid.WhenSome(func(txid chainhash.Hash) {
				updated.Spending = append(updated.Spending,
					SpendingCoin{OutPoint: op, SpendTxid: txid})
			})
		}
		if prev.SpendBlock.IsNone() && c.SpendBlock.IsSome() {
			updated.Spent = append(updated.Spent, SpentCoin{
				OutPoint:  op,
				SpendTxid: c.SpendTxid.UnsafeFromSome(),
				Block:     c.SpendBlock.UnsafeFromSome(),
			})
		}
		if !prev.IsFromSelf && c.IsFromSelf {
			updated.FromSelf = append(updated.FromSelf, op)
		}
		switch {
		case prev.IsImmature && !c.IsImmature:
			updated.Matured = append(updated.Matured, op)

		case !prev.IsImmature && c.IsImmature:
			updated.Immature = append(updated.Immature, op)
		}
	}

	for _, op := range sortedOutPoints(current) {
		if _, ok := coins[op]; !ok {
			updated.Expired = append(updated.Expired, op)
		}
	}

	return updated
}

// addSpend records the spend state of a newly received coin.
func addSpend(updated *UpdatedCoins, c Coin) {
	c.SpendTxid.WhenSome(func(txid chainhash.Hash) {
		updated.Spending = append(updated.Spending, SpendingCoin{
			OutPoint: c.OutPoint, SpendTxid: txid,
		})
		c.SpendBlock.WhenSome(func(b BlockInfo) {
			updated.Spent = append(updated.Spent, SpentCoin{
				OutPoint:  c.OutPoint,
				SpendTxid: txid,
				Block:     b,
			})
		})
	})
	if c.IsFromSelf {
		updated.FromSelf = append(updated.FromSelf, c.OutPoint)
	}
}

// bumpIndices moves the next derivation index of each keychain past the
// highest index used by the received coins.
func bumpIndices(ctx context.Context, db DatabaseConnection,
	received []Coin) error {

	var maxReceive, maxChange fn.Option[uint32]
	for _, c := range received {
		target := &maxReceive
		if c.IsChange {
			target = &maxChange
		}
		if target.IsNone() ||
			target.UnsafeFromSome() < c.DerivationIndex {

			*target = fn.Some(c.DerivationIndex)
		}
	}

	var err error
	maxReceive.WhenSome(func(idx uint32) {
		err = bumpIndex(ctx, idx, db.ReceiveIndex, db.SetReceiveIndex)
	})
	if err != nil {
		return fmt.Errorf("unable to bump receive index: %w", err)
	}
	maxChange.WhenSome(func(idx uint32) {
		err = bumpIndex(ctx, idx, db.ChangeIndex, db.SetChangeIndex)
	})
	if err != nil {
		return fmt.Errorf("unable to bump change index: %w", err)
	}

	return nil
}

func bumpIndex(ctx context.Context, used uint32,
	get func(context.Context) (uint32, error),
	set func(context.Context, uint32) error) error {

	next, err := get(ctx)
	if err != nil {
		return err
	}
	if used < next {
		return nil
	}

	return set(ctx, used+1)
}

func sortedOutPoints(coins map[wire.OutPoint]Coin) []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(coins))
	for op := range coins {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return lessOutPoint(ops[i], ops[j])
	})

	return ops
}

func lessOutPoint(a, b wire.OutPoint) bool {
	for i := len(a.Hash) - 1; i >= 0; i-- {
		if a.Hash[i] != b.Hash[i] {
			return a.Hash[i] < b.Hash[i]
		}
	}

	return a.Index < b.Index
}
