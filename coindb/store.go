package coindb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/walletsync/keychain"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/btcsuite/walletsync/wallet"
	_ "modernc.org/sqlite" // Register the sqlite driver.
)

const (
	// sqliteOptionPrefix is the string prefix sqlite uses to set various
	// options. This is used in the following format:
	//   * sqliteOptionPrefix || option_name = option_value.
	sqliteOptionPrefix = "_pragma"

	// sqliteTxLockImmediate is a dsn option used to ensure that write
	// transactions are started immediately.
	sqliteTxLockImmediate = "_txlock=immediate"

	// DefaultNumTxRetries is the number of times a transaction failing
	// on a busy database is retried.
	DefaultNumTxRetries = 10

	// DefaultRetryDelay is the first delay between retries, doubled on
	// every attempt.
	DefaultRetryDelay = 50 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay between retries.
	DefaultMaxRetryDelay = time.Second
)

// pragmaOption holds a key-value pair for a SQLite pragma setting.
type pragmaOption struct {
	name  string
	value string
}

// Store is a sqlite backed wallet.DatabaseConnection holding a single
// wallet.
type Store struct {
	db     *sql.DB
	dbPath string

	// clock returns the time transactions are recorded at.
	clock func() time.Time
}

// A compile-time assertion to ensure Store meets the DatabaseConnection
// interface.
var _ wallet.DatabaseConnection = (*Store)(nil)

// Open opens the database at dbPath, creating the file if needed, and brings
// its schema up to date.
func Open(dbPath string) (*Store, error) {
	pragmaOptions := []pragmaOption{
		{
			name:  "foreign_keys",
			value: "on",
		},
		{
			name:  "journal_mode",
			value: "WAL",
		},
		{
			name:  "busy_timeout",
			value: "5000",
		},
		{
			// With the WAL mode, this ensures that we also do an
			// extra WAL sync after each transaction.
			name:  "synchronous",
			value: "full",
		},
	}
	sqliteOptions := make(url.Values)
	for _, option := range pragmaOptions {
		sqliteOptions.Add(
			sqliteOptionPrefix,
			fmt.Sprintf("%v=%v", option.name, option.value),
		)
	}

	dsn := fmt.Sprintf(
		"%v?%v&%v", dbPath, sqliteOptions.Encode(),
		sqliteTxLockImmediate,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeError(ErrDatabase, "unable to open database",
			err)
	}

	// A single writer at a time, sqlite serializes them anyway.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, storeError(ErrDatabase, "unable to migrate database",
			err)
	}

	log.Infof("Opened coin database %v", dbPath)

	return &Store{
		db:     db,
		dbPath: dbPath,
		clock:  time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateWallet records the network and descriptor of the wallet. It fails
// with ErrAlreadyExists if a wallet was already created.
func (s *Store) CreateWallet(ctx context.Context, params *chaincfg.Params,
	desc keychain.Descriptor) error {

	err := s.executeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (id, network, main_descriptor,
				created_at)
			VALUES (1, ?, ?, ?)`,
			params.Name, desc.String(), s.clock().Unix(),
		)

		return err
	})
	if isUniqueConstraintViolation(err) {
		return storeError(ErrAlreadyExists, "wallet already exists", nil)
	}

	return err
}

// HasWallet returns true if a wallet was created in the database.
func (s *Store) HasWallet(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(
		ctx, `SELECT COUNT(*) FROM wallets`,
	).Scan(&count)
	if err != nil {
		return false, storeError(ErrDatabase, "unable to count wallets",
			err)
	}

	return count > 0, nil
}

// Network returns the network the wallet was created for.
func (s *Store) Network(ctx context.Context) (*chaincfg.Params, error) {
	var name string
	if err := s.walletColumn(ctx, "network", &name); err != nil {
		return nil, err
	}

	params, err := netparams.ForName(name)
	if err != nil {
		return nil, storeError(ErrData, "unknown stored network", err)
	}

	return params.Params, nil
}

// MainDescriptor returns the descriptor the wallet derives its scripts from.
func (s *Store) MainDescriptor(ctx context.Context) (keychain.Descriptor,
	error) {

	params, err := s.Network(ctx)
	if err != nil {
		return nil, err
	}

	var encoded string
	if err := s.walletColumn(ctx, "main_descriptor", &encoded); err != nil {
		return nil, err
	}

	desc, err := keychain.ParseDescriptor(encoded, params)
	if err != nil {
		return nil, storeError(ErrData, "invalid stored descriptor", err)
	}

	return desc, nil
}

// ReceiveIndex returns the next derivation index to hand out on the receive
// keychain.
func (s *Store) ReceiveIndex(ctx context.Context) (uint32, error) {
	var index uint32
	err := s.walletColumn(ctx, "receive_index", &index)

	return index, err
}

// ChangeIndex returns the next derivation index to hand out on the change
// keychain.
func (s *Store) ChangeIndex(ctx context.Context) (uint32, error) {
	var index uint32
	err := s.walletColumn(ctx, "change_index", &index)

	return index, err
}

// SetReceiveIndex stores the next receive derivation index.
func (s *Store) SetReceiveIndex(ctx context.Context, index uint32) error {
	return s.setWalletColumn(ctx, "receive_index", int64(index))
}

// SetChangeIndex stores the next change derivation index.
func (s *Store) SetChangeIndex(ctx context.Context, index uint32) error {
	return s.setWalletColumn(ctx, "change_index", int64(index))
}

// walletColumn scans a column of the wallet row into dest. The column name
// is never user provided.
func (s *Store) walletColumn(ctx context.Context, column string,
	dest any) error {

	err := s.db.QueryRowContext(
		ctx, `SELECT `+column+` FROM wallets WHERE id = 1`,
	).Scan(dest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storeError(ErrNoWallet, "no wallet in database", nil)

	case err != nil:
		return storeError(ErrDatabase, "unable to read "+column, err)
	}

	return nil
}

func (s *Store) setWalletColumn(ctx context.Context, column string,
	value any) error {

	return s.executeTx(ctx, func(tx *sql.Tx) error {
		return updateWallet(ctx, tx, column+` = ?`, value)
	})
}

// updateWallet runs an UPDATE of the wallet row, failing if there is none.
func updateWallet(ctx context.Context, tx *sql.Tx, set string,
	args ...any) error {

	res, err := tx.ExecContext(
		ctx, `UPDATE wallets SET `+set+` WHERE id = 1`, args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeError(ErrNoWallet, "no wallet in database", nil)
	}

	return nil
}

// executeTx runs body in a write transaction, retrying it while the
// database is busy.
func (s *Store) executeTx(ctx context.Context, body func(*sql.Tx) error) error {
	for attempt := 0; attempt < DefaultNumTxRetries; attempt++ {
		err := s.tryTx(ctx, body)
		if err == nil {
			return nil
		}

		var coded Error
		if errors.As(err, &coded) {
			return err
		}

		dbErr := mapSQLError(err)
		if !isSerializationError(dbErr) {
			return storeError(ErrDatabase, "transaction failed",
				dbErr)
		}

		delay := retryDelay(attempt)
		log.Debugf("Database busy, retrying transaction in %v "+
			"(attempt %d)", delay, attempt+1)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return storeError(ErrDatabase, "transaction failed",
		ErrRetriesExceeded)
}

func (s *Store) tryTx(ctx context.Context, body func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := body(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// retryDelay returns a random delay between 50% and 150% of the base delay,
// doubled per attempt and capped at DefaultMaxRetryDelay.
func retryDelay(attempt int) time.Duration {
	half := DefaultRetryDelay / 2
	delay := half + time.Duration(rand.Int63n(int64(DefaultRetryDelay))) //nolint:gosec

	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	if delay*factor > DefaultMaxRetryDelay || delay*factor <= 0 {
		return DefaultMaxRetryDelay
	}

	return delay * factor
}

// DropHistory deletes every coin and stored transaction and forgets the
// reconciled tip. The wallet row, derivation indices included, is kept.
func (s *Store) DropHistory(ctx context.Context) error {
	log.Infof("Dropping coin history of %v", s.dbPath)

	return s.executeTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM coins`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM transactions`)
		if err != nil {
			return err
		}

		return updateWallet(
			ctx, tx, `tip_height = NULL, tip_hash = NULL`,
		)
	})
}
