// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/coordinator"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosign"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/directory"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/negotiator"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/noncedb"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/transport"
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}

	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = backendLog.Logger("SIM")
	csgnLog = backendLog.Logger("CSGN")
	diryLog = backendLog.Logger("DIRY")
	negoLog = backendLog.Logger("NEGO")
	coorLog = backendLog.Logger("COOR")
	ndbLog  = backendLog.Logger("NDB")
	trnsLog = backendLog.Logger("TRNS")
)

// Initialize package-global logger variables.
func init() {
	cosign.UseLogger(csgnLog)
	directory.UseLogger(diryLog)
	negotiator.UseLogger(negoLog)
	coordinator.UseLogger(coorLog)
	noncedb.UseLogger(ndbLog)
	transport.UseLogger(trnsLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"SIM":  log,
	"CSGN": csgnLog,
	"DIRY": diryLog,
	"NEGO": negoLog,
	"COOR": coorLog,
	"NDB":  ndbLog,
	"TRNS": trnsLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r

	return nil
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level. Unknown levels fall back to info.
func setLogLevels(logLevel string) {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		level = btclog.LevelInfo
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
