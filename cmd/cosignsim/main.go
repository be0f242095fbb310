// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// cosignsim runs a set of in-process peers sharing one MuSig2 wallet. The
// peers discover each other, negotiate a spend proposed by the first peer
// and sign it together, printing the resulting transaction.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosign"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/internal/wait"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/musigcore"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/noncedb"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/sharedwallet"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/spend"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/transport"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 5 * time.Second

// errSimulationFailed is returned when a clean run did not sign.
var errSimulationFailed = errors.New("not every peer completed the session")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run is the real main function. It allows deferred cleanups to run before
// the process exits.
func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		return err
	}
	defer logRotator.Close()

	setLogLevels(cfg.DebugLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancelTimeout()

	sim, err := newSimulation(cfg)
	if err != nil {
		return err
	}
	defer sim.close()

	return sim.run(ctx)
}

// simPeer is one simulated peer.
type simPeer struct {
	id      cosignwire.PeerID
	ledger  *noncedb.Ledger
	manager *cosign.Manager
}

// outcome is how a peer's participation ended.
type outcome struct {
	completed *cosign.SessionCompleted
	err       error
}

// simulation is a hub of peers sharing one wallet.
type simulation struct {
	cfg    *config
	hub    *transport.Hub
	wallet *sharedwallet.Wallet
	peers  []*simPeer

	mu       sync.Mutex
	outcomes map[cosignwire.PeerID]outcome
}

// newSimulation creates the peers, their ledgers and the shared wallet.
func newSimulation(cfg *config) (*simulation, error) {
	sim := &simulation{
		cfg:      cfg,
		hub:      transport.NewHub(),
		outcomes: make(map[cosignwire.PeerID]outcome),
	}

	keys := make([]*btcec.PrivateKey, cfg.Peers)
	participants := make([]sharedwallet.Participant, cfg.Peers)
	for i := range keys {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}

		keys[i] = key
		participants[i] = sharedwallet.Participant{
			PeerID: peerID(i),
			Key:    key.PubKey(),
		}
	}

	w, err := sharedwallet.New("cosignsim", participants)
	if err != nil {
		return nil, err
	}
	sim.wallet = w

	addr, err := w.Address(cfg.params)
	if err != nil {
		return nil, err
	}
	log.Infof("Shared wallet %x of %d peers, address %v", w.ID[:8],
		w.Quorum(), addr.EncodeAddress())
	for _, p := range w.Participants() {
		log.Debugf("Participant %v: key %x", p.PeerID,
			p.Key.SerializeCompressed())
	}

	store := sharedwallet.NewStore()
	store.Add(w)

	if cfg.Tamper != "" {
		sim.hub.SetInterceptor(tamperWith(cosignwire.PeerID(cfg.Tamper)))
	}

	for i, key := range keys {
		id := peerID(i)

		ledger, err := noncedb.Open(
			filepath.Join(cfg.DataDir, string(id)),
			noncedb.DefaultDBTimeout,
		)
		if err != nil {
			sim.close()
			return nil, err
		}

		m, err := cosign.New(cosign.Config{
			Self:              id,
			Key:               key,
			Wallets:           store,
			Ledger:            ledger,
			Dial:              sim.dialer(id),
			LivenessWindow:    cfg.LivenessWindow,
			RequestTimeout:    cfg.RequestTimeout,
			SessionTimeout:    cfg.SessionTimeout,
			AdvertiseInterval: cfg.AdvertiseInterval,
		})
		if err != nil {
			ledger.Close()
			sim.close()

			return nil, err
		}

		sim.peers = append(sim.peers, &simPeer{
			id: id, ledger: ledger, manager: m,
		})
	}

	return sim, nil
}

// dialer joins the hub as id.
func (s *simulation) dialer(id cosignwire.PeerID) cosign.Dialer {
	return func(h transport.Handler) (transport.Adapter, error) {
		ep, err := s.hub.Join(id, h)
		if err != nil {
			return nil, err
		}

		return ep, nil
	}
}

// run starts every peer, proposes one spend from the first peer and waits
// until every peer reached an outcome.
func (s *simulation) run(ctx context.Context) error {
	defer s.stop()

	for _, p := range s.peers {
		if err := p.manager.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.peers {
		p := p
		g.Go(func() error {
			return s.handleEvents(gctx, p)
		})
	}

	err := wait.Predicate(func() bool {
		for _, p := range s.peers {
			signers := p.manager.DiscoveredSigners()
			if len(signers) < len(s.peers)-1 {
				return false
			}
		}

		return true
	}, s.cfg.RunTimeout)
	if err != nil {
		return fmt.Errorf("peers did not discover each other: %w", err)
	}

	log.Infof("All %d peers discovered each other", len(s.peers))

	d, err := s.newSpend()
	if err != nil {
		return err
	}

	proposer := s.peers[0]
	id, err := proposer.manager.ProposeSpend(ctx, s.wallet.ID, d)
	if err != nil {
		return fmt.Errorf("unable to propose spend: %w", err)
	}

	log.Infof("Peer %v proposed request %v", proposer.id, id)

	if err := g.Wait(); err != nil {
		return err
	}

	return s.report()
}

// handleEvents answers requests on behalf of p and records its outcome.
func (s *simulation) handleEvents(ctx context.Context, p *simPeer) error {
	for {
		var ev cosign.Event
		select {
		case ev = <-p.manager.Events():
		case <-ctx.Done():
			return ctx.Err()
		}

		switch ev := ev.(type) {
		case cosign.RequestReceived:
			accept := string(p.id) != s.cfg.Reject

			summary, err := ev.Request.Spend.Summarize()
			if err != nil {
				return err
			}
			log.Infof("Peer %v %s request %v (%q): %v", p.id,
				decision(accept), ev.Request.ID, ev.Request.Memo,
				summary)

			err = p.manager.Respond(ctx, ev.Request.ID, accept)
			if err != nil {
				return err
			}

		case cosign.RequestResolved:
			if ev.Err != nil {
				s.record(p.id, outcome{err: ev.Err})
				return nil
			}

		case cosign.SessionCompleted:
			s.record(p.id, outcome{completed: &ev})
			return nil

		case cosign.SessionAborted:
			s.record(p.id, outcome{err: ev.Err})
			return nil

		case cosign.PeerUnreachable:
			log.Warnf("Peer %v cannot reach %v: %v", p.id, ev.Peer,
				ev.Err)
		}
	}
}

// record stores the outcome of a peer.
func (s *simulation) record(id cosignwire.PeerID, o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes[id] = o
}

// report logs every outcome and the signed transaction.
func (s *simulation) report() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		completed int
		tx        *wire.MsgTx
	)
	for _, p := range s.peers {
		o := s.outcomes[p.id]
		if o.completed == nil {
			log.Infof("Peer %v: %v", p.id, o.err)
			continue
		}

		completed++
		tx = o.completed.Tx
		log.Infof("Peer %v: signature %x", p.id,
			o.completed.Signature.Serialize())
	}

	if tx != nil {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return err
		}

		log.Infof("Signed transaction %v: %s", tx.TxHash(),
			hex.EncodeToString(buf.Bytes()))
	}

	expectFailure := s.cfg.Reject != "" || s.cfg.Tamper != ""
	if completed != len(s.peers) && !expectFailure {
		return errSimulationFailed
	}

	return nil
}

// newSpend spends a simulated wallet output back to the wallet.
func (s *simulation) newSpend() (*spend.Description, error) {
	script, err := s.wallet.PkScript()
	if err != nil {
		return nil, err
	}

	funding := wire.OutPoint{Hash: chainhash.DoubleHashH(s.wallet.ID[:])}

	packet, err := spend.NewPacket(
		[]spend.Input{{
			OutPoint: funding,
			Utxo:     wire.NewTxOut(s.cfg.Amount, script),
		}},
		[]*wire.TxOut{wire.NewTxOut(s.cfg.Amount-s.cfg.Fee, script)},
	)
	if err != nil {
		return nil, err
	}

	return &spend.Description{Packet: packet, Memo: s.cfg.Memo}, nil
}

// stop stops every started peer.
func (s *simulation) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for _, p := range s.peers {
		if err := p.manager.Stop(ctx); err != nil {
			log.Errorf("Unable to stop peer %v: %v", p.id, err)
		}
	}
}

// close releases the hub and the ledgers.
func (s *simulation) close() {
	s.hub.Stop()

	for _, p := range s.peers {
		if err := p.ledger.Close(); err != nil {
			log.Errorf("Unable to close ledger of %v: %v", p.id, err)
		}
	}
}

// decision names an accept flag.
func decision(accept bool) string {
	if accept {
		return "accepts"
	}

	return "rejects"
}

// tamperWith returns an interceptor corrupting every partial signature
// culprit sends.
func tamperWith(culprit cosignwire.PeerID) transport.Interceptor {
	return func(from, _ cosignwire.PeerID,
		msg cosignwire.Message) cosignwire.Message {

		partial, ok := msg.(*cosignwire.PartialSignature)
		if !ok || from != culprit {
			return msg
		}

		sig, err := musigcore.ParsePartialSignature(partial.Sig)
		if err != nil {
			return msg
		}

		var one btcec.ModNScalar
		one.SetInt(1)
		sig.S.Add(&one)

		log.Warnf("Corrupting partial signature of %v for session %v",
			from, partial.SessionID)

		return &cosignwire.PartialSignature{
			SessionID: partial.SessionID,
			Sig:       musigcore.EncodePartialSignature(sig),
		}
	}
}
