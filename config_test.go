package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() config {
	return config{
		Network:      "regtest",
		PollInterval: time.Second,
		LookAhead:    10,
		StopGap:      10,
		Electrum: electrumConfig{
			Addr: "tcp://127.0.0.1:60401",
		},
	}
}

// TestConfigValidate checks the checks run on the parsed options.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(*config)
		valid  bool
	}{
		{
			name:   "electrum",
			modify: func(*config) {},
			valid:  true,
		},
		{
			name: "bitcoind with cookie",
			modify: func(c *config) {
				c.Electrum.Addr = ""
				c.Bitcoind.RPCHost = "127.0.0.1"
				c.Bitcoind.RPCCookie = "/tmp/.cookie"
			},
			valid: true,
		},
		{
			name: "bitcoind with user and pass",
			modify: func(c *config) {
				c.Electrum.Addr = ""
				c.Bitcoind.RPCHost = "127.0.0.1:18443"
				c.Bitcoind.RPCUser = "user"
				c.Bitcoind.RPCPass = "pass"
			},
			valid: true,
		},
		{
			name: "bitcoind without credentials",
			modify: func(c *config) {
				c.Electrum.Addr = ""
				c.Bitcoind.RPCHost = "127.0.0.1"
				c.Bitcoind.RPCUser = "user"
			},
		},
		{
			name: "two chain sources",
			modify: func(c *config) {
				c.Bitcoind.RPCHost = "127.0.0.1"
				c.Bitcoind.RPCCookie = "/tmp/.cookie"
			},
		},
		{
			name: "zmq without bitcoind",
			modify: func(c *config) {
				c.Bitcoind.ZMQPubHashBlock = "tcp://127.0.0.1:28332"
			},
		},
		{
			name: "no chain source",
			modify: func(c *config) {
				c.Electrum.Addr = ""
			},
		},
		{
			name: "unknown network",
			modify: func(c *config) {
				c.Network = "simnet"
			},
		},
		{
			name: "zero poll interval",
			modify: func(c *config) {
				c.PollInterval = 0
			},
		},
		{
			name: "zero stop gap",
			modify: func(c *config) {
				c.StopGap = 0
			},
		},
		{
			name: "negative rescan height",
			modify: func(c *config) {
				c.RescanHeight = -1
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.modify(&cfg)

			err := cfg.validate()
			if !tc.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "regtest", cfg.params.Name)
		})
	}
}

// TestConfigDefaultRPCPort checks that the bitcoind host gets the default
// port of the network.
func TestConfigDefaultRPCPort(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Electrum.Addr = ""
	cfg.Bitcoind.RPCHost = "localhost"
	cfg.Bitcoind.RPCCookie = "/tmp/.cookie"
	require.NoError(t, cfg.validate())
	require.Equal(t, "localhost:"+cfg.params.RPCClientPort,
		cfg.Bitcoind.RPCHost)
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		addr     string
		expected string
		valid    bool
	}{
		{addr: "127.0.0.1", expected: "127.0.0.1:8332", valid: true},
		{addr: "127.0.0.1:1234", expected: "127.0.0.1:1234", valid: true},
		{addr: "::1", expected: "[::1]:8332", valid: true},
		{addr: "[::1]:1234", expected: "[::1]:1234", valid: true},
		{addr: "a:b:c]"},
	}

	for _, tc := range testCases {
		addr, err := normalizeAddress(tc.addr, "8332")
		if !tc.valid {
			require.Error(t, err, tc.addr)
			continue
		}
		require.NoError(t, err, tc.addr)
		require.Equal(t, tc.expected, addr)
	}
}

func TestParseDebugLevels(t *testing.T) {
	testCases := []struct {
		level string
		valid bool
	}{
		{level: "debug", valid: true},
		{level: "WLLT=trace,CHIO=warn", valid: true},
		{level: "verbose"},
		{level: "WLLT"},
		{level: "NOPE=info"},
		{level: "WLLT=loud"},
	}

	for _, tc := range testCases {
		err := parseAndSetDebugLevels(tc.level)
		if tc.valid {
			require.NoError(t, err, tc.level)
		} else {
			require.Error(t, err, tc.level)
		}
	}

	setLogLevels(defaultLogLevel)
}
