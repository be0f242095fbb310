// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/coordinator"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosign"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/directory"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/negotiator"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "cosignsim.conf"
	defaultLogFilename    = "cosignsim.log"
	defaultDebugLevel     = "info"
	defaultPeers          = 3
	defaultNetwork        = "regtest"
	defaultAmount         = 100_000
	defaultFee            = 1_000
	defaultRunTimeout     = 30 * time.Second
)

var (
	defaultHomeDir = btcutil.AppDataDir("cosignsim", false)
	defaultDataDir = filepath.Join(defaultHomeDir, "data")
	defaultLogDir  = filepath.Join(defaultHomeDir, "logs")
)

// config defines the configuration options for cosignsim.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory holding the nonce ledgers of the simulated peers"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	Network string `long:"network" description:"Network the shared wallet address is encoded for {mainnet, testnet3, regtest, simnet}"`
	Peers   int    `short:"n" long:"peers" description:"Number of simulated peers sharing the wallet"`
	Amount  int64  `long:"amount" description:"Value in satoshis of the simulated wallet output"`
	Fee     int64  `long:"fee" description:"Fee in satoshis paid by the simulated spend"`
	Memo    string `long:"memo" description:"Memo attached to the signing request"`
	Reject  string `long:"reject" description:"Id of a peer that rejects the request instead of accepting it"`
	Tamper  string `long:"tamper" description:"Id of a peer whose partial signatures are corrupted in flight"`

	LivenessWindow    time.Duration `long:"livenesswindow" description:"How long a signer advertisement stays live"`
	RequestTimeout    time.Duration `long:"requesttimeout" description:"How long a signing request may stay pending"`
	SessionTimeout    time.Duration `long:"sessiontimeout" description:"Inactivity window of a signing session"`
	AdvertiseInterval time.Duration `long:"advertiseinterval" description:"Self-advertisement period of every peer"`
	RunTimeout        time.Duration `long:"timeout" description:"Give up if the simulation has not finished after this long"`

	params *chaincfg.Params
}

// peerID returns the id of the i-th simulated peer.
func peerID(i int) cosignwire.PeerID {
	return cosignwire.PeerID(fmt.Sprintf("peer%02d", i))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := config{
		ConfigFile:        filepath.Join(defaultHomeDir, defaultConfigFilename),
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		DebugLevel:        defaultDebugLevel,
		Network:           defaultNetwork,
		Peers:             defaultPeers,
		Amount:            defaultAmount,
		Fee:               defaultFee,
		LivenessWindow:    directory.DefaultLivenessWindow,
		RequestTimeout:    negotiator.DefaultRequestTimeout,
		SessionTimeout:    coordinator.DefaultSessionTimeout,
		AdvertiseInterval: cosign.DefaultAdvertiseInterval,
		RunTimeout:        defaultRunTimeout,
	}

	preCfg := cfg
	_, err := flags.NewParser(&preCfg, flags.Default).Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}

		return nil, err
	}

	parser := flags.NewParser(&cfg, flags.Default)

	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("unable to parse config file: %w",
				err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	switch cfg.Network {
	case "mainnet":
		cfg.params = &chaincfg.MainNetParams

	case "testnet", "testnet3":
		cfg.params = &chaincfg.TestNet3Params

	case "regtest":
		cfg.params = &chaincfg.RegressionNetParams

	case "simnet":
		cfg.params = &chaincfg.SimNetParams

	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	switch {
	case cfg.Peers < 2 || cfg.Peers > cosignwire.MaxParticipants:
		return nil, fmt.Errorf("peers must be between 2 and %d",
			cosignwire.MaxParticipants)

	case cfg.Fee <= 0 || cfg.Amount <= cfg.Fee:
		return nil, errors.New("amount must exceed a positive fee")
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return &cfg, nil
}

// cleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
