// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package directory keeps the table of co-signers currently advertising
// themselves on the overlay.
//
// Entries are keyed by peer id and replaced wholesale when a newer
// advertisement arrives, so readers never observe a half updated record.
// Liveness is measured on the local clock from the moment the latest
// advertisement was received; the advertised timestamp only orders
// advertisements of the same peer.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultLivenessWindow is how long an advertisement keeps its peer
	// active.
	DefaultLivenessWindow = 5 * time.Minute

	// DefaultSweepInterval is how often Run prunes expired entries.
	DefaultSweepInterval = 30 * time.Second

	// DefaultMaxClockSkew is how far in the future an advertisement's
	// timestamp may be.
	DefaultMaxClockSkew = 2 * time.Minute
)

var (
	// ErrSenderMismatch is returned when an advertisement arrives from a
	// peer other than the one it describes.
	ErrSenderMismatch = errors.New("advertisement sender does not match " +
		"advertised peer")

	// ErrInvalidAdvertisement is returned for advertisements with
	// missing keys or capabilities.
	ErrInvalidAdvertisement = errors.New("invalid advertisement")

	// ErrStaleAdvertisement is returned for advertisements already
	// outside the liveness window or too far in the future.
	ErrStaleAdvertisement = errors.New("advertisement timestamp out of " +
		"range")
)

// Config holds the directory parameters.
type Config struct {
	// LivenessWindow is how long a peer stays active after its latest
	// advertisement.
	LivenessWindow time.Duration

	// MaxClockSkew bounds advertisement timestamps in the future.
	MaxClockSkew time.Duration

	// Clock is the time source.
	Clock clock.Clock

	// Ticker drives Run. It defaults to a ticker firing every
	// DefaultSweepInterval.
	Ticker ticker.Ticker
}

// Entry is the record of one advertising peer.
type Entry struct {
	// PeerID is the advertising peer.
	PeerID cosignwire.PeerID

	// AdvertKey is the peer's advertising key.
	AdvertKey *btcec.PublicKey

	// KeyShare is the key the peer signs with.
	KeyShare *btcec.PublicKey

	// Capabilities is the advertised capability set.
	Capabilities cosignwire.Capability

	// Timestamp is the advertised creation time.
	Timestamp time.Time

	// LastSeen is when the latest advertisement was received.
	LastSeen time.Time
}

// Directory is the table of advertising co-signers.
type Directory struct {
	cfg Config

	mu      sync.RWMutex
	entries map[cosignwire.PeerID]*Entry

	cbMu     sync.Mutex
	onExpire []func(cosignwire.PeerID)
}

// New creates a directory. Zero config values take their defaults.
func New(cfg Config) *Directory {
	if cfg.LivenessWindow == 0 {
		cfg.LivenessWindow = DefaultLivenessWindow
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultSweepInterval)
	}

	return &Directory{
		cfg:     cfg,
		entries: make(map[cosignwire.PeerID]*Entry),
	}
}

// RecordAdvertisement stores ad received from sender. It returns whether
// the table changed. Advertisements not newer than the stored one are
// ignored.
func (d *Directory) RecordAdvertisement(from cosignwire.PeerID,
	ad *cosignwire.SignerAdvertisement) (bool, error) {

	if from != ad.PeerID {
		return false, fmt.Errorf("%w: from %v, advertised %v",
			ErrSenderMismatch, from, ad.PeerID)
	}

	if ad.AdvertKey == nil || ad.KeyShare == nil {
		return false, fmt.Errorf("%w: missing key", ErrInvalidAdvertisement)
	}

	if !ad.Capabilities.Has(cosignwire.CapCoSign) {
		return false, fmt.Errorf("%w: not a co-signer",
			ErrInvalidAdvertisement)
	}

	now := d.cfg.Clock.Now()
	if ad.Timestamp.Before(now.Add(-d.cfg.LivenessWindow)) ||
		ad.Timestamp.After(now.Add(d.cfg.MaxClockSkew)) {

		return false, fmt.Errorf("%w: %v", ErrStaleAdvertisement,
			ad.Timestamp)
	}

	entry := &Entry{
		PeerID:       ad.PeerID,
		AdvertKey:    ad.AdvertKey,
		KeyShare:     ad.KeyShare,
		Capabilities: ad.Capabilities,
		Timestamp:    ad.Timestamp,
		LastSeen:     now,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.entries[ad.PeerID]; ok &&
		!ad.Timestamp.After(cur.Timestamp) {

		log.Tracef("Ignoring advertisement from %v: not newer than %v",
			from, cur.Timestamp)

		return false, nil
	}

	d.entries[ad.PeerID] = entry

	log.Debugf("Recorded advertisement from %v", from)

	return true, nil
}

// ListActive returns the peers whose latest advertisement is younger than
// ttl, sorted by peer id. A zero ttl uses the liveness window. Entries past
// the liveness window are pruned.
func (d *Directory) ListActive(ttl time.Duration) []*Entry {
	if ttl == 0 {
		ttl = d.cfg.LivenessWindow
	}

	d.Sweep()

	now := d.cfg.Clock.Now()

	d.mu.RLock()
	active := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if now.Sub(e.LastSeen) < ttl {
			active = append(active, e)
		}
	}
	d.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].PeerID < active[j].PeerID
	})

	return active
}

// Lookup returns the entry of peer, if it is still active.
func (d *Directory) Lookup(peer cosignwire.PeerID) (*Entry, bool) {
	now := d.cfg.Clock.Now()

	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[peer]
	if !ok || now.Sub(e.LastSeen) >= d.cfg.LivenessWindow {
		return nil, false
	}

	return e, true
}

// IsActive returns whether peer has a live advertisement.
func (d *Directory) IsActive(peer cosignwire.PeerID) bool {
	_, ok := d.Lookup(peer)
	return ok
}

// OnExpire registers f to be called with every peer whose entry expires.
func (d *Directory) OnExpire(f func(cosignwire.PeerID)) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()

	d.onExpire = append(d.onExpire, f)
}

// Sweep prunes every entry past the liveness window and returns how many
// were removed.
func (d *Directory) Sweep() int {
	now := d.cfg.Clock.Now()

	var expired []cosignwire.PeerID

	d.mu.Lock()
	for id, e := range d.entries {
		if now.Sub(e.LastSeen) >= d.cfg.LivenessWindow {
			delete(d.entries, id)
			expired = append(expired, id)
		}
	}
	d.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i] < expired[j]
	})

	d.cbMu.Lock()
	callbacks := make([]func(cosignwire.PeerID), len(d.onExpire))
	copy(callbacks, d.onExpire)
	d.cbMu.Unlock()

	for _, id := range expired {
		log.Debugf("Signer %v expired", id)

		for _, f := range callbacks {
			f(id)
		}
	}

	return len(expired)
}

// Run sweeps on every tick until ctx is done.
func (d *Directory) Run(ctx context.Context) {
	d.cfg.Ticker.Resume()
	defer d.cfg.Ticker.Stop()

	for {
		select {
		case <-d.cfg.Ticker.Ticks():
			d.Sweep()

		case <-ctx.Done():
			return
		}
	}
}
