// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletsync/coindb"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"
)

const defaultNet = "mainnet"

var datadir = btcutil.AppDataDir("walletsyncd", false)

// Flags.
var opts = struct {
	Force  bool   `short:"f" description:"Force removal without prompt"`
	DbPath string `long:"db" description:"Path to the coin database"`
}{
	Force:  false,
	DbPath: filepath.Join(datadir, defaultNet, "coins.db"),
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	fmt.Println("Database path:", opts.DbPath)
	_, err := os.Stat(opts.DbPath)
	if os.IsNotExist(err) {
		fmt.Println("Database file does not exist")
		return 1
	}

	if !opts.Force && !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("Standard input is not a terminal, use -f to " +
			"drop without prompt")
		return 1
	}

	for !opts.Force {
		fmt.Print("Drop all walletsyncd coin history? [y/N] ")

		scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
		if !scanner.Scan() {
			// Exit on EOF.
			return 0
		}
		err := scanner.Err()
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		resp := scanner.Text()
		if yes(resp) {
			break
		}
		if no(resp) || resp == "" {
			return 0
		}

		fmt.Println("Enter yes or no.")
	}

	db, err := coindb.Open(opts.DbPath)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	fmt.Println("Dropping coins, transactions and chain tip")
	if err := db.DropHistory(context.Background()); err != nil {
		fmt.Println("Failed to drop coin history:", err)
		return 1
	}

	fmt.Println("Start walletsyncd with --rescan to rebuild the history")
	return 0
}
