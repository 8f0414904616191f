// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletsync/chain"
	"github.com/btcsuite/walletsync/netparams"
	"github.com/btcsuite/walletsync/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "walletsyncd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "walletsyncd.log"
	defaultNetwork        = "mainnet"
	defaultPollInterval   = 30 * time.Second
	defaultLookAhead      = wallet.DefaultLookAhead
	defaultStopGap        = chain.DefaultStopGap
	defaultRetryLimit     = chain.RetryLimit

	walletDbName = "coins.db"
)

var (
	walletsyncdHomeDir = btcutil.AppDataDir("walletsyncd", false)
	defaultConfigFile  = filepath.Join(walletsyncdHomeDir, defaultConfigFilename)
	defaultDataDir     = walletsyncdHomeDir
	defaultLogDir      = filepath.Join(walletsyncdHomeDir, defaultLogDirname)
)

type bitcoindConfig struct {
	RPCHost   string `long:"rpchost" description:"host:port of the bitcoind JSON-RPC server"`
	RPCUser   string `long:"rpcuser" description:"Username for bitcoind RPC authentication"`
	RPCPass   string `long:"rpcpass" default-mask:"-" description:"Password for bitcoind RPC authentication"`
	RPCCookie string `long:"rpccookie" description:"Path of the bitcoind .cookie file, used instead of rpcuser and rpcpass"`

	ZMQPubHashBlock string `long:"zmqpubhashblock" description:"Address of bitcoind's hashblock ZMQ publisher, a sync is run as soon as a block is announced"`
}

type electrumConfig struct {
	Addr           string `long:"addr" description:"Electrum server address, tcp://host:port or ssl://host:port"`
	ValidateDomain bool   `long:"validatedomain" description:"Validate the certificate of ssl:// servers"`
}

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store the coin database"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Network     string `long:"network" description:"Bitcoin network {mainnet, testnet3, testnet4, signet, regtest}"`

	// Wallet options
	Descriptor   string        `long:"descriptor" description:"Extended public key or wpkh(<xpub>/<0;1>/*) descriptor to watch, only used when creating the wallet"`
	PollInterval time.Duration `long:"pollinterval" description:"Time between two sync cycles"`
	LookAhead    uint32        `long:"lookahead" description:"Number of scripts derived past the last used index of each keychain"`
	StopGap      uint32        `long:"stopgap" description:"Number of consecutive unused scripts ending a full scan"`
	RescanHeight int32         `long:"rescanheight" description:"Height a full scan of the wallet restarts from, 0 scans from genesis"`
	Rescan       bool          `long:"rescan" description:"Run a full scan of the wallet after startup"`

	// Chain source options
	RetryLimit int            `long:"retrylimit" description:"Number of retries of a chain request failing at the transport level"`
	Bitcoind   bitcoindConfig `group:"bitcoind" namespace:"bitcoind"`
	Electrum   electrumConfig `group:"electrum" namespace:"electrum"`

	params *netparams.Params
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(walletsyncdHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// normalizeAddress returns addr with defaultPort added if it has none.  An
// error is returned if the address, even without a port, is not valid.
func normalizeAddress(addr, defaultPort string) (string, error) {
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}

	addr = net.JoinHostPort(addr, defaultPort)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", origErr
	}

	return addr, nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// validate checks the chain source and wallet options once parsing is done.
func (c *config) validate() error {
	params, err := netparams.ForName(c.Network)
	if err != nil {
		return err
	}
	c.params = params

	hasBitcoind := c.Bitcoind.RPCHost != ""
	hasElectrum := c.Electrum.Addr != ""
	switch {
	case hasBitcoind && hasElectrum:
		return errors.New("bitcoind and electrum options can't be " +
			"used together -- choose one chain source")

	case hasElectrum && c.Bitcoind.ZMQPubHashBlock != "":
		return errors.New("bitcoind.zmqpubhashblock needs the " +
			"bitcoind chain source")

	case !hasBitcoind && !hasElectrum:
		return errors.New("a chain source is required -- set " +
			"bitcoind.rpchost or electrum.addr")

	case hasBitcoind && c.Bitcoind.RPCCookie == "" &&
		(c.Bitcoind.RPCUser == "" || c.Bitcoind.RPCPass == ""):

		return errors.New("bitcoind needs rpccookie or both rpcuser " +
			"and rpcpass")
	}

	if hasBitcoind {
		c.Bitcoind.RPCHost, err = normalizeAddress(
			c.Bitcoind.RPCHost, params.RPCClientPort,
		)
		if err != nil {
			return fmt.Errorf("invalid bitcoind.rpchost: %w", err)
		}
		if c.Bitcoind.RPCCookie != "" {
			c.Bitcoind.RPCCookie = cleanAndExpandPath(
				c.Bitcoind.RPCCookie,
			)
		}
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %v", c.PollInterval)
	}
	if c.LookAhead == 0 {
		return errors.New("lookahead must be positive")
	}
	if c.StopGap == 0 {
		return errors.New("stopgap must be positive")
	}
	if c.RescanHeight < 0 {
		return errors.New("rescanheight must not be negative")
	}
	if c.RetryLimit < 0 {
		return errors.New("retrylimit must not be negative")
	}

	return nil
}

// dbPath returns the path of the coin database of the selected network.
func (c *config) dbPath() string {
	return filepath.Join(c.DataDir, c.params.Name, walletDbName)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in walletsyncd functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:   defaultLogLevel,
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		Network:      defaultNetwork,
		PollInterval: defaultPollInterval,
		LookAhead:    defaultLookAhead,
		StopGap:      defaultStopGap,
		RetryLimit:   defaultRetryLimit,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(
		cleanAndExpandPath(preCfg.ConfigFile),
	)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	if err := cfg.validate(); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.params.Name)

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	if err := initLogRotator(logFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %w", err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
