// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package noncedb persists which signing sessions have already been handed
// nonce material.
//
// A MuSig2 secret nonce must never sign twice. The in-memory guard in the
// signing core covers a single process lifetime; the ledger extends it across
// restarts. Before a session generates its nonce it reserves the session id.
// A second reservation of the same id is refused, even after the first one
// was consumed, so a crashed and restarted node cannot be talked into
// producing a second nonce for a session it already took part in.
//
// Every reservation also receives a monotonically increasing counter which
// the caller mixes into the nonce derivation.
package noncedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
)

const (
	// DBName is the file name of the ledger inside its directory.
	DBName = "nonces.db"

	// dbDriver is the walletdb driver backing the ledger.
	dbDriver = "bdb"

	// DefaultDBTimeout is the time to wait for the database file lock.
	DefaultDBTimeout = 10 * time.Second

	// entrySize is the serialized size of one ledger entry:
	// counter (8) | state (1) | reserved at (8) | consumed at (8).
	entrySize = 8 + 1 + 8 + 8
)

var (
	// ledgerBucket is the top level bucket of the ledger. Its sequence
	// provides the nonce counter.
	ledgerBucket = []byte("nonce-ledger")

	// sessionsBucket maps session ids to ledger entries.
	sessionsBucket = []byte("sessions")
)

var (
	// ErrNonceReuse is returned when a session id already holds a
	// reservation.
	ErrNonceReuse = errors.New("nonce already reserved for session")

	// ErrUnknownSession is returned when no reservation exists for a
	// session id.
	ErrUnknownSession = errors.New("no nonce reservation for session")

	// ErrCorruptEntry is returned when a stored entry cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt ledger entry")
)

// State is the lifecycle state of a ledger entry.
type State uint8

const (
	// StateReserved means nonce material was generated and may still be
	// used for signing.
	StateReserved State = 1

	// StateConsumed means the secret nonce has been used or discarded.
	StateConsumed State = 2
)

// String returns a human readable state.
func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"

	case StateConsumed:
		return "consumed"

	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Entry is the ledger record of one session.
type Entry struct {
	// Counter is the value mixed into the session's nonce derivation.
	Counter uint64

	// State is the entry state.
	State State

	// ReservedAt is when the reservation was made.
	ReservedAt time.Time

	// ConsumedAt is when the nonce was consumed. It is the zero time for
	// reserved entries.
	ConsumedAt time.Time
}

// Ledger is a walletdb backed nonce-use ledger.
type Ledger struct {
	db walletdb.DB
}

// Open opens the ledger in dir, creating the database if needed.
func Open(dir string, timeout time.Duration) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, DBName)

	var (
		db  walletdb.DB
		err error
	)
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		db, err = walletdb.Create(dbDriver, dbPath, true, timeout, false)
	} else {
		db, err = walletdb.Open(dbDriver, dbPath, true, timeout, false)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open nonce ledger: %w", err)
	}

	l, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return l, nil
}

// New creates a ledger on an already opened database.
func New(db walletdb.DB) (*Ledger, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(ledgerBucket)
		if err != nil {
			return err
		}

		_, err = root.CreateBucketIfNotExists(sessionsBucket)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create ledger buckets: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Reserve records that sessionID is about to generate nonce material and
// returns the counter to mix into the derivation. ErrNonceReuse is returned
// if the session id was reserved before.
func (l *Ledger) Reserve(sessionID [32]byte, now time.Time) (uint64, error) {
	var counter uint64
	err := walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(ledgerBucket)
		sessions := root.NestedReadWriteBucket(sessionsBucket)

		if sessions.Get(sessionID[:]) != nil {
			return ErrNonceReuse
		}

		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		counter = seq

		entry := Entry{
			Counter:    seq,
			State:      StateReserved,
			ReservedAt: now,
		}

		return sessions.Put(sessionID[:], serializeEntry(&entry))
	})
	if err != nil {
		return 0, err
	}

	log.Debugf("Reserved nonce counter %d for session %x", counter,
		sessionID[:8])

	return counter, nil
}

// Consume marks the nonce of sessionID as used. Consuming an already
// consumed entry is a no-op.
func (l *Ledger) Consume(sessionID [32]byte, now time.Time) error {
	return walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		sessions := tx.ReadWriteBucket(ledgerBucket).
			NestedReadWriteBucket(sessionsBucket)

		entry, err := fetchEntry(sessions, sessionID)
		if err != nil {
			return err
		}

		if entry.State == StateConsumed {
			return nil
		}

		entry.State = StateConsumed
		entry.ConsumedAt = now

		return sessions.Put(sessionID[:], serializeEntry(entry))
	})
}

// Lookup returns the ledger entry of sessionID.
func (l *Ledger) Lookup(sessionID [32]byte) (*Entry, error) {
	var entry *Entry
	err := walletdb.View(l.db, func(tx walletdb.ReadTx) error {
		sessions := tx.ReadBucket(ledgerBucket).
			NestedReadBucket(sessionsBucket)

		var err error
		entry, err = fetchEntry(sessions, sessionID)

		return err
	})

	return entry, err
}

// ConsumeStale marks every reserved entry as consumed. It is run on start
// up: a reservation that survived a restart belongs to a session whose
// secret nonce only ever lived in memory and is gone.
func (l *Ledger) ConsumeStale(now time.Time) (int, error) {
	var n int
	err := walletdb.Update(l.db, func(tx walletdb.ReadWriteTx) error {
		sessions := tx.ReadWriteBucket(ledgerBucket).
			NestedReadWriteBucket(sessionsBucket)

		var stale [][]byte
		err := sessions.ForEach(func(k, v []byte) error {
			entry, err := deserializeEntry(v)
			if err != nil {
				return err
			}

			if entry.State == StateReserved {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			entry, err := deserializeEntry(sessions.Get(k))
			if err != nil {
				return err
			}

			entry.State = StateConsumed
			entry.ConsumedAt = now

			err = sessions.Put(k, serializeEntry(entry))
			if err != nil {
				return err
			}
		}
		n = len(stale)

		return nil
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		log.Infof("Marked %d stale nonce reservations consumed", n)
	}

	return n, nil
}

// fetchEntry reads and decodes the entry of sessionID.
func fetchEntry(sessions walletdb.ReadBucket, sessionID [32]byte) (*Entry,
	error) {

	v := sessions.Get(sessionID[:])
	if v == nil {
		return nil, fmt.Errorf("%w: %x", ErrUnknownSession, sessionID[:8])
	}

	return deserializeEntry(v)
}

// serializeEntry encodes e.
func serializeEntry(e *Entry) []byte {
	buf := make([]byte, entrySize)
	binary.BigEndian.PutUint64(buf[0:8], e.Counter)
	buf[8] = byte(e.State)
	binary.BigEndian.PutUint64(buf[9:17], timeToUint64(e.ReservedAt))
	binary.BigEndian.PutUint64(buf[17:25], timeToUint64(e.ConsumedAt))

	return buf
}

// deserializeEntry decodes a stored entry.
func deserializeEntry(v []byte) (*Entry, error) {
	if len(v) != entrySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptEntry, len(v))
	}

	e := &Entry{
		Counter:    binary.BigEndian.Uint64(v[0:8]),
		State:      State(v[8]),
		ReservedAt: uint64ToTime(binary.BigEndian.Uint64(v[9:17])),
		ConsumedAt: uint64ToTime(binary.BigEndian.Uint64(v[17:25])),
	}

	if e.State != StateReserved && e.State != StateConsumed {
		return nil, fmt.Errorf("%w: state %d", ErrCorruptEntry, v[8])
	}

	return e, nil
}

// timeToUint64 encodes t as unix seconds, zero for the zero time.
func timeToUint64(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.Unix())
}

// uint64ToTime is the inverse of timeToUint64.
func uint64ToTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(int64(v), 0)
}
