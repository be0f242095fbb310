// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cosign ties signer discovery, request negotiation and session
// coordination into one Manager per peer.
//
// The Manager owns one Directory, one Negotiator and one Coordinator. It is
// the transport Handler of the peer and routes every inbound message to the
// component owning its variant:
//
//	SignerAdvertisement          -> Directory
//	SigningRequest, Response     -> Negotiator
//	NonceCommitment, PartialSig  -> Coordinator
//	SessionAbort                 -> Negotiator, else Coordinator
//
// Accepted requests flow from the Negotiator straight into the Coordinator.
// Outcomes reach the application through Events.
package cosign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/coordinator"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignerr"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/cosignwire"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/directory"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/negotiator"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/sharedwallet"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/spend"
	"github.com/LotusiaStewardship/lotus-web-wallet-sub001/transport"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultAdvertiseInterval is how often the manager re-broadcasts its
	// own advertisement. It must stay well below the liveness window of
	// the other peers.
	DefaultAdvertiseInterval = time.Minute
)

var (
	// ErrMissingConfig is returned by New for incomplete configs.
	ErrMissingConfig = errors.New("missing manager config")
)

// Dialer attaches h to the overlay and returns the adapter the manager
// sends with.
type Dialer func(h transport.Handler) (transport.Adapter, error)

// subscriber is implemented by adapters with explicit topic membership.
type subscriber interface {
	Subscribe(topic string)
}

// leaver is implemented by adapters that can detach from the overlay.
type leaver interface {
	Leave()
}

// staleConsumer is implemented by nonce ledgers that can retire the
// reservations of a previous run.
type staleConsumer interface {
	ConsumeStale(now time.Time) (int, error)
}

// Config holds the manager's collaborators and parameters.
type Config struct {
	// Self is the local peer id.
	Self cosignwire.PeerID

	// Key is the local secret key share.
	Key *btcec.PrivateKey

	// AdvertKey is the public advertising key. It defaults to the public
	// key share.
	AdvertKey *btcec.PublicKey

	// Wallets resolves the shared wallets the peer belongs to.
	Wallets sharedwallet.Resolver

	// Ledger persists nonce use.
	Ledger coordinator.NonceLedger

	// Dial connects the manager to the overlay on Start.
	Dial Dialer

	// Clock is the time source of every component.
	Clock clock.Clock

	// LivenessWindow is the directory liveness window.
	LivenessWindow time.Duration

	// RequestTimeout is how long a request may stay pending.
	RequestTimeout time.Duration

	// SessionTimeout is the session inactivity window.
	SessionTimeout time.Duration

	// AdvertiseInterval is the self-advertisement period.
	AdvertiseInterval time.Duration
}

// Manager is one peer's co-signing subsystem.
type Manager struct {
	cfg Config

	state managerState

	out    *outbound
	sink   *eventSink
	events chan Event

	dir   *directory.Directory
	neg   *negotiator.Negotiator
	coord *coordinator.Coordinator

	advertTicker ticker.Ticker

	// lifetimeCtx governs the background goroutines and inbound
	// handling of one Start/Stop cycle.
	mu          sync.Mutex
	lifetimeCtx context.Context
	cancel      context.CancelFunc
	adapter     transport.Adapter

	wg sync.WaitGroup
}

// A compile time check to ensure Manager implements transport.Handler.
var _ transport.Handler = (*Manager)(nil)

// New creates a stopped manager.
func New(cfg Config) (*Manager, error) {
	switch {
	case cfg.Self == "":
		return nil, fmt.Errorf("%w: self", ErrMissingConfig)

	case cfg.Key == nil:
		return nil, fmt.Errorf("%w: key", ErrMissingConfig)

	case cfg.Wallets == nil:
		return nil, fmt.Errorf("%w: wallets", ErrMissingConfig)

	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingConfig)

	case cfg.Dial == nil:
		return nil, fmt.Errorf("%w: dialer", ErrMissingConfig)
	}

	if cfg.AdvertKey == nil {
		cfg.AdvertKey = cfg.Key.PubKey()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.AdvertiseInterval == 0 {
		cfg.AdvertiseInterval = DefaultAdvertiseInterval
	}

	m := &Manager{
		cfg:          cfg,
		out:          &outbound{},
		sink:         &eventSink{},
		events:       make(chan Event),
		advertTicker: ticker.New(cfg.AdvertiseInterval),
	}

	m.dir = directory.New(directory.Config{
		LivenessWindow: cfg.LivenessWindow,
		Clock:          cfg.Clock,
	})
	m.dir.OnExpire(func(p cosignwire.PeerID) {
		log.Infof("Signer %v went offline", p)
	})

	coord, err := coordinator.New(coordinator.Config{
		Self:           cfg.Self,
		Transport:      m.out,
		Keys:           NewSingleKey(cfg.Key),
		Ledger:         cfg.Ledger,
		Assembler:      spend.NewAssembler(),
		Sink:           m.sink,
		SessionTimeout: cfg.SessionTimeout,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	m.coord = coord

	neg, err := negotiator.New(negotiator.Config{
		Self:           cfg.Self,
		Wallets:        cfg.Wallets,
		Transport:      m.out,
		Liveness:       m.dir,
		Starter:        coord,
		Sink:           m.sink,
		RequestTimeout: cfg.RequestTimeout,
		Clock:          cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	m.neg = neg

	return m, nil
}

// Start connects to the overlay and starts the background loops.
func (m *Manager) Start(startCtx context.Context) error {
	err := m.state.toStarting()
	if err != nil {
		return err
	}

	// Nonces reserved by a previous run were never handed out by this
	// one, so they can only be retired.
	if l, ok := m.cfg.Ledger.(staleConsumer); ok {
		n, err := l.ConsumeStale(m.cfg.Clock.Now())
		if err != nil {
			m.state.toStopped()
			return fmt.Errorf("unable to retire stale nonces: %w", err)
		}

		if n > 0 {
			log.Infof("Retired %d nonce reservations of a previous "+
				"run", n)
		}
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())
	q := m.sink.start()

	m.mu.Lock()
	m.lifetimeCtx, m.cancel = lifetimeCtx, cancel
	m.mu.Unlock()

	adapter, err := m.cfg.Dial(m)
	if err != nil {
		cancel()
		m.sink.stop()
		m.state.toStopped()

		return fmt.Errorf("unable to dial overlay: %w", err)
	}

	m.mu.Lock()
	m.adapter = adapter
	m.mu.Unlock()
	m.out.set(adapter)

	if s, ok := adapter.(subscriber); ok {
		s.Subscribe(cosignwire.TopicSigners)
	}

	loops := []func(context.Context){
		m.dir.Run,
		m.neg.Run,
		m.coord.Run,
		m.advertiseLoop,
		func(ctx context.Context) { m.forwardEvents(ctx, q) },
	}
	for _, loop := range loops {
		m.wg.Add(1)

		go func(loop func(context.Context)) {
			defer m.wg.Done()
			loop(lifetimeCtx)
		}(loop)
	}

	m.state.toStarted()

	log.Infof("Co-signing manager %v started", m.cfg.Self)

	return nil
}

// Stop detaches from the overlay and waits for the background loops. It
// returns an error if stopCtx is done first.
func (m *Manager) Stop(stopCtx context.Context) error {
	err := m.state.toStopping()
	if err != nil {
		log.Warnf("Manager already stopped: %v", err)
		return nil
	}

	m.mu.Lock()
	m.cancel()
	adapter := m.adapter
	m.adapter = nil
	m.mu.Unlock()

	m.out.set(nil)
	if l, ok := adapter.(leaver); ok {
		l.Leave()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		return fmt.Errorf("stop request cancelled: %w", stopCtx.Err())
	}

	m.sink.stop()
	m.state.toStopped()

	log.Infof("Co-signing manager %v stopped", m.cfg.Self)

	return nil
}

// Events returns the channel application events are delivered on. It must
// be drained while the manager runs.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Self returns the local peer id.
func (m *Manager) Self() cosignwire.PeerID {
	return m.cfg.Self
}

// DiscoveredSigners returns the live signers, sorted by peer id.
func (m *Manager) DiscoveredSigners() []*directory.Entry {
	return m.dir.ListActive(0)
}

// PendingRequests returns the requests awaiting a decision, oldest first.
func (m *Manager) PendingRequests() []negotiator.RequestInfo {
	return m.neg.Pending()
}

// Sessions returns the live signing sessions, oldest first.
func (m *Manager) Sessions() []coordinator.SessionInfo {
	return m.coord.Sessions()
}

// ProposeSpend asks the other participants of the wallet to co-sign s.
func (m *Manager) ProposeSpend(ctx context.Context, walletID [32]byte,
	s *spend.Description) (cosignwire.RequestID, error) {

	if err := m.state.validateStarted(); err != nil {
		return cosignwire.RequestID{}, err
	}

	return m.neg.ProposeSpend(ctx, walletID, s)
}

// Respond accepts or rejects an incoming request.
func (m *Manager) Respond(ctx context.Context, id cosignwire.RequestID,
	accept bool) error {

	if err := m.state.validateStarted(); err != nil {
		return err
	}

	return m.neg.Respond(ctx, id, accept)
}

// CancelSession aborts a signing session locally.
func (m *Manager) CancelSession(ctx context.Context,
	id cosignwire.RequestID) error {

	if err := m.state.validateStarted(); err != nil {
		return err
	}

	return m.coord.Cancel(ctx, id)
}

// PeerConnected sends the local advertisement to the new peer so it does
// not wait for the next broadcast.
//
// This is part of the transport.Handler interface.
func (m *Manager) PeerConnected(peer cosignwire.PeerID) {
	log.Debugf("Peer %v connected", peer)

	ctx := m.ctx()
	if err := m.out.Send(ctx, peer, m.advertisement()); err != nil {
		log.Debugf("Unable to advertise to %v: %v", peer, err)
	}
}

// PeerDisconnected reports the peer as unreachable. Requests and sessions
// it takes part in keep waiting for their timeouts.
//
// This is part of the transport.Handler interface.
func (m *Manager) PeerDisconnected(peer cosignwire.PeerID) {
	log.Infof("Peer %v disconnected", peer)

	m.sink.PeerUnreachable(cosignwire.RequestID{}, peer, cosignerr.New(
		cosignerr.ErrPeerUnreachable, string(peer), "peer disconnected",
		nil,
	))
}

// MessageReceived routes an inbound message to its component.
//
// This is part of the transport.Handler interface.
func (m *Manager) MessageReceived(from cosignwire.PeerID,
	msg cosignwire.Message) {

	ctx := m.ctx()

	var err error
	switch msg := msg.(type) {
	case *cosignwire.SignerAdvertisement:
		_, err = m.dir.RecordAdvertisement(from, msg)

	case *cosignwire.SigningRequest:
		err = m.neg.HandleRequest(ctx, from, msg)

	case *cosignwire.SigningResponse:
		err = m.neg.HandleResponse(ctx, from, msg)

	case *cosignwire.NonceCommitment:
		err = m.coord.HandleNonce(ctx, from, msg)

	case *cosignwire.PartialSignature:
		err = m.coord.HandlePartialSig(ctx, from, msg)

	case *cosignwire.SessionAbort:
		if !m.neg.HandleAbort(ctx, from, msg) {
			err = m.coord.HandleAbort(ctx, from, msg)
		}

	default:
		err = fmt.Errorf("unhandled message %T", msg)
	}

	if err != nil {
		log.Debugf("Rejected %v from %v: %v", msg.MsgType(), from, err)
	}
}

// ctx returns the lifetime context, or a cancelled one while stopped.
func (m *Manager) ctx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifetimeCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		return ctx
	}

	return m.lifetimeCtx
}

// advertisement builds the current self-advertisement.
func (m *Manager) advertisement() *cosignwire.SignerAdvertisement {
	return &cosignwire.SignerAdvertisement{
		PeerID:       m.cfg.Self,
		AdvertKey:    m.cfg.AdvertKey,
		KeyShare:     m.cfg.Key.PubKey(),
		Capabilities: cosignwire.CapCoSign,
		Timestamp:    m.cfg.Clock.Now(),
	}
}

// advertiseLoop broadcasts the self-advertisement right away and on every
// tick until ctx is done.
func (m *Manager) advertiseLoop(ctx context.Context) {
	m.advertTicker.Resume()
	defer m.advertTicker.Stop()

	for {
		err := m.out.Broadcast(ctx, cosignwire.TopicSigners,
			m.advertisement())
		if err != nil {
			log.Warnf("Unable to broadcast advertisement: %v", err)
		}

		select {
		case <-m.advertTicker.Ticks():
		case <-ctx.Done():
			return
		}
	}
}

// forwardEvents moves queued events to the application channel.
func (m *Manager) forwardEvents(ctx context.Context,
	q *queue.ConcurrentQueue) {

	for {
		select {
		case item, ok := <-q.ChanOut():
			if !ok {
				return
			}

			select {
			case m.events <- item.(Event):
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// outbound forwards sends to the adapter of the current run.
type outbound struct {
	mu sync.RWMutex
	a  transport.Adapter
}

// A compile time check to ensure outbound implements transport.Adapter.
var _ transport.Adapter = (*outbound)(nil)

// set swaps the adapter. A nil adapter fails every send.
func (o *outbound) set(a transport.Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.a = a
}

// get returns the current adapter.
func (o *outbound) get() (transport.Adapter, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.a == nil {
		return nil, ErrNotStarted
	}

	return o.a, nil
}

// Send delivers msg through the current adapter.
func (o *outbound) Send(ctx context.Context, peer cosignwire.PeerID,
	msg cosignwire.Message) error {

	a, err := o.get()
	if err != nil {
		return err
	}

	return a.Send(ctx, peer, msg)
}

// Broadcast gossips msg through the current adapter.
func (o *outbound) Broadcast(ctx context.Context, topic string,
	msg cosignwire.Message) error {

	a, err := o.get()
	if err != nil {
		return err
	}

	return a.Broadcast(ctx, topic, msg)
}
