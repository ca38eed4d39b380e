// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/luxfi/assist/pkg/logger"
)

var errPeerLost = errors.New("transport: peer no longer advertised")

// Config holds session configuration
type Config struct {
	// ServiceType separates venues; only peers with the same value connect.
	ServiceType string

	// ListenAddr is where a staff device accepts invitations (e.g. ":0").
	ListenAddr string

	// AdvertiseAddr overrides the address published to discovery.
	AdvertiseAddr string

	// InviteTimeout bounds dial plus handshake of one invitation.
	InviteTimeout time.Duration

	Discovery Discovery
	Policy    InvitationPolicy

	// InvitationContext is sent with every invitation, e.g. a pairing code.
	InvitationContext []byte

	// StartAttempts bounds retries of advertise, browse and invite.
	StartAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// QueueDepth is the per-peer outbound queue length.
	QueueDepth  int
	EventBuffer int
	BufferSize  int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ServiceType:   "assistiveapp",
		ListenAddr:    ":0",
		InviteTimeout: 10 * time.Second,
		Policy:        AcceptAll{},
		StartAttempts: 3,
		RetryDelay:    250 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
		PingInterval:  15 * time.Second,
		ReadTimeout:   45 * time.Second,
		WriteTimeout:  10 * time.Second,
		QueueDepth:    64,
		EventBuffer:   256,
		BufferSize:    64 * 1024,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.ServiceType == "" {
		out.ServiceType = d.ServiceType
	}
	if out.ListenAddr == "" {
		out.ListenAddr = d.ListenAddr
	}
	if out.InviteTimeout <= 0 {
		out.InviteTimeout = d.InviteTimeout
	}
	if out.Policy == nil {
		out.Policy = d.Policy
	}
	if out.StartAttempts == 0 {
		out.StartAttempts = d.StartAttempts
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = d.RetryDelay
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = d.RetryMaxDelay
	}
	if out.PingInterval <= 0 {
		out.PingInterval = d.PingInterval
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = d.ReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = d.QueueDepth
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = d.EventBuffer
	}
	if out.BufferSize <= 0 {
		out.BufferSize = d.BufferSize
	}
	return &out
}

// generation is everything created by one Start and torn down by Stop.
type generation struct {
	ctx      context.Context
	cancel   context.CancelFunc
	identity PeerIdentity

	listener      net.Listener
	stopAdvertise func()

	wg      sync.WaitGroup
	pending atomic.Int32

	mu       sync.Mutex
	sighted  map[uuid.UUID]Advertisement
	inviting map[uuid.UUID]bool
}

func (g *generation) isSighted(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sighted[id]
	return ok
}

// Session is the single mesh session of a device. Start, Stop and Close
// are serialized; Send and the read side may run concurrently with them.
type Session struct {
	config *Config
	events chan Event

	mu      sync.Mutex
	current atomic.Pointer[generation]
	closed  atomic.Bool

	peersMu sync.RWMutex
	peers   map[uuid.UUID]*peerConn
}

// New creates a session. Discovery is required.
func New(config *Config) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Discovery == nil {
		return nil, errors.New("transport: discovery is required")
	}
	cfg := config.withDefaults()
	return &Session{
		config: cfg,
		events: make(chan Event, cfg.EventBuffer),
		peers:  make(map[uuid.UUID]*peerConn),
	}, nil
}

// Events is the single stream of peer state changes and received data.
// It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start resets the session and brings it up in role under a fresh
// identity: staff devices listen and advertise, user devices browse and
// invite every staff device they find.
func (s *Session) Start(role Role, localName string) error {
	if !role.Valid() {
		return fmt.Errorf("transport: invalid role %d", int(role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{
		ctx:      ctx,
		cancel:   cancel,
		identity: NewPeerIdentity(localName, role),
		sighted:  make(map[uuid.UUID]Advertisement),
		inviting: make(map[uuid.UUID]bool),
	}
	s.current.Store(g)

	var err error
	if role == RoleStaff {
		err = s.startAdvertising(g)
	} else {
		err = s.startBrowsing(g)
	}
	if err != nil {
		s.stopLocked()
		return err
	}

	logger.Info("Session started",
		"name", g.identity.DisplayName,
		"role", role.String(),
		"instance", g.identity.InstanceID.String(),
		"service", s.config.ServiceType,
	)
	return nil
}

// Stop stops advertising or browsing and disconnects every peer. A
// notConnected event is emitted for each peer that was connected.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Close stops the session for good and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	s.stopLocked()
	close(s.events)
	return nil
}

func (s *Session) stopLocked() {
	g := s.current.Load()
	if g == nil {
		return
	}
	g.cancel()
	if g.stopAdvertise != nil {
		g.stopAdvertise()
	}
	if g.listener != nil {
		g.listener.Close()
	}

	s.peersMu.Lock()
	dropped := lo.Values(s.peers)
	s.peers = make(map[uuid.UUID]*peerConn)
	s.peersMu.Unlock()
	for _, pc := range dropped {
		pc.close()
	}

	g.wg.Wait()
	s.current.Store(nil)

	for _, pc := range dropped {
		s.emitNow(Event{Kind: EventPeerState, Peer: pc.peer, State: StateNotConnected})
	}
	logger.Info("Session stopped", "name", g.identity.DisplayName, "peers", len(dropped))
}

// Send queues data for every connected peer and returns how many peers it
// was queued for. With no peers it is a logged no-op returning 0.
func (s *Session) Send(data []byte) int {
	if len(data) > MaxMessageSize-chacha20poly1305.Overhead {
		logger.Error("Message too large, not sent", nil, "bytes", len(data))
		return 0
	}

	s.peersMu.RLock()
	peers := lo.Values(s.peers)
	s.peersMu.RUnlock()

	if len(peers) == 0 {
		logger.Warn("No connected peers, message not sent", "bytes", len(data))
		return 0
	}

	queued := 0
	for _, pc := range peers {
		if pc.enqueue(data) {
			queued++
			continue
		}
		logger.Warn("Outbound queue full or closed, message dropped", "peer", pc.peer.DisplayName)
	}
	return queued
}

// HasConnectedPeers is a snapshot and may be stale on return.
func (s *Session) HasConnectedPeers() bool {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers) > 0
}

// ConnectedPeers returns the connected peers ordered by display name.
func (s *Session) ConnectedPeers() []Peer {
	s.peersMu.RLock()
	peers := lo.MapToSlice(s.peers, func(_ uuid.UUID, pc *peerConn) Peer { return pc.peer })
	s.peersMu.RUnlock()

	slices.SortFunc(peers, func(a, b Peer) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.InstanceID.String(), b.InstanceID.String())
	})
	return peers
}

// Identity returns the identity of the running session.
func (s *Session) Identity() (PeerIdentity, bool) {
	g := s.current.Load()
	if g == nil {
		return PeerIdentity{}, false
	}
	return g.identity, true
}

func (s *Session) State() SessionState {
	g := s.current.Load()
	if g == nil {
		return Idle
	}
	if s.HasConnectedPeers() {
		return Connected
	}
	if g.pending.Load() > 0 {
		return Connecting
	}
	if g.identity.Role == RoleStaff {
		return Advertising
	}
	return Browsing
}

// ServiceType returns the configured service type.
func (s *Session) ServiceType() string {
	return s.config.ServiceType
}

func (s *Session) emit(g *generation, ev Event) {
	select {
	case s.events <- ev:
	case <-g.ctx.Done():
	}
}

func (s *Session) emitNow(ev Event) {
	select {
	case s.events <- ev:
	default:
		logger.Warn("Event buffer full, dropping event", "peer", ev.Peer.DisplayName, "state", ev.State.String())
	}
}

func (s *Session) retryOptions(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Attempts(s.config.StartAttempts),
		retry.Delay(s.config.RetryDelay),
		retry.MaxDelay(s.config.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Retrying", "op", op, "attempt", n+1, "err", err)
		}),
	}
}

func (s *Session) startAdvertising(g *generation) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return &TransportError{Op: "listen", Err: err}
	}
	g.listener = ln

	ad := Advertisement{
		ServiceType: s.config.ServiceType,
		InstanceID:  g.identity.InstanceID,
		Name:        g.identity.DisplayName,
		Role:        g.identity.Role,
		Addr:        s.advertiseAddr(ln),
	}
	err = retry.Do(func() error {
		stop, err := s.config.Discovery.Advertise(g.ctx, ad)
		if err != nil {
			return err
		}
		g.stopAdvertise = stop
		return nil
	}, s.retryOptions(g.ctx, "advertise")...)
	if err != nil {
		return &TransportError{Op: "advertise", Err: err}
	}

	logger.Info("Advertising", "addr", ad.Addr, "name", ad.Name)
	g.wg.Add(1)
	go s.acceptLoop(g)
	return nil
}

func (s *Session) startBrowsing(g *generation) error {
	var sightings <-chan Sighting
	err := retry.Do(func() error {
		ch, err := s.config.Discovery.Browse(g.ctx, s.config.ServiceType)
		if err != nil {
			return err
		}
		sightings = ch
		return nil
	}, s.retryOptions(g.ctx, "browse")...)
	if err != nil {
		return &TransportError{Op: "browse", Err: err}
	}

	logger.Info("Browsing", "service", s.config.ServiceType)
	g.wg.Add(1)
	go s.browseLoop(g, sightings)
	return nil
}

func (s *Session) advertiseAddr(ln net.Listener) string {
	if s.config.AdvertiseAddr != "" {
		return s.config.AdvertiseAddr
	}
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return ln.Addr().String()
	}
	if !tcp.IP.IsUnspecified() {
		return tcp.String()
	}
	return net.JoinHostPort(localIP(), fmt.Sprint(tcp.Port))
}

// localIP picks the first non-loopback IPv4 address, falling back to
// loopback.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// acceptLoop accepts incoming invitations
func (s *Session) acceptLoop(g *generation) {
	defer g.wg.Done()

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if g.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("Accept error", err)
			continue
		}

		g.wg.Add(1)
		go s.handleIncoming(g, conn)
	}
}

// handleIncoming runs the responder handshake and then serves the link.
func (s *Session) handleIncoming(g *generation, conn net.Conn) {
	defer g.wg.Done()

	stopWatch := context.AfterFunc(g.ctx, func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(s.config.InviteTimeout))

	r := bufio.NewReaderSize(conn, s.config.BufferSize)
	w := bufio.NewWriterSize(conn, s.config.BufferSize)

	var invited *Peer
	hs, err := s.acceptHandshake(conn, r, w, g.identity, func(p Peer) {
		invited = &p
		g.pending.Add(1)
		s.emit(g, Event{Kind: EventPeerState, Peer: p, State: StateConnecting})
	})
	if invited != nil {
		g.pending.Add(-1)
	}
	if !stopWatch() || err != nil {
		if err != nil && g.ctx.Err() == nil {
			logger.Warn("Invitation failed", "remote", conn.RemoteAddr().String(), "err", err)
		}
		conn.Close()
		if invited != nil {
			s.emit(g, Event{Kind: EventPeerState, Peer: *invited, State: StateNotConnected})
		}
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.servePeer(g, newPeerConn(conn, r, w, hs, s.config.QueueDepth))
}

// browseLoop invites every counterpart advertised on the service type.
func (s *Session) browseLoop(g *generation, sightings <-chan Sighting) {
	defer g.wg.Done()

	want := g.identity.Role.Counterpart()
	for {
		select {
		case <-g.ctx.Done():
			return
		case sg, ok := <-sightings:
			if !ok {
				if g.ctx.Err() == nil {
					logger.Warn("Discovery stopped browsing", "service", s.config.ServiceType)
				}
				return
			}
			if sg.ServiceType != s.config.ServiceType || sg.Role != want || sg.InstanceID == g.identity.InstanceID {
				continue
			}

			g.mu.Lock()
			if sg.Lost {
				delete(g.sighted, sg.InstanceID)
				g.mu.Unlock()
				logger.Info("Lost peer", "peer", sg.Name)
				continue
			}
			g.sighted[sg.InstanceID] = sg.Advertisement
			if g.inviting[sg.InstanceID] {
				g.mu.Unlock()
				continue
			}
			g.inviting[sg.InstanceID] = true
			g.mu.Unlock()

			logger.Info("Found peer", "peer", sg.Name, "addr", sg.Addr)
			g.wg.Add(1)
			go s.inviteLoop(g, sg.Advertisement)
		}
	}
}

// inviteLoop invites ad with bounded retry, serves the link, and invites
// again after a drop while the peer is still advertised.
func (s *Session) inviteLoop(g *generation, ad Advertisement) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.inviting, ad.InstanceID)
		g.mu.Unlock()
	}()

	peer := Peer{InstanceID: ad.InstanceID, DisplayName: ad.Name, Role: ad.Role, Addr: ad.Addr}
	for {
		g.pending.Add(1)
		s.emit(g, Event{Kind: EventPeerState, Peer: peer, State: StateConnecting})

		var pc *peerConn
		err := retry.Do(func() error {
			if !g.isSighted(ad.InstanceID) {
				return retry.Unrecoverable(errPeerLost)
			}
			c, err := s.dialPeer(g, ad)
			if err != nil {
				if errors.Is(err, ErrRejected) || errors.Is(err, ErrRoleMismatch) || errors.Is(err, ErrServiceMismatch) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			pc = c
			return nil
		}, s.retryOptions(g.ctx, "invite")...)
		g.pending.Add(-1)

		if err != nil {
			if g.ctx.Err() == nil {
				logger.Error("Invitation failed", &TransportError{Op: "invite", Peer: ad.Name, Err: err})
			}
			s.emit(g, Event{Kind: EventPeerState, Peer: peer, State: StateNotConnected})
			return
		}

		s.servePeer(g, pc)

		if g.ctx.Err() != nil || !g.isSighted(ad.InstanceID) {
			return
		}
		logger.Info("Re-inviting peer", "peer", ad.Name)
	}
}

func (s *Session) dialPeer(g *generation, ad Advertisement) (*peerConn, error) {
	dialer := net.Dialer{Timeout: s.config.InviteTimeout}
	conn, err := dialer.DialContext(g.ctx, "tcp", ad.Addr)
	if err != nil {
		return nil, err
	}
	stopWatch := context.AfterFunc(g.ctx, func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(s.config.InviteTimeout))

	r := bufio.NewReaderSize(conn, s.config.BufferSize)
	w := bufio.NewWriterSize(conn, s.config.BufferSize)

	hs, err := s.inviteHandshake(conn, r, w, g.identity)
	if !stopWatch() {
		conn.Close()
		return nil, context.Canceled
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hs.peer.InstanceID != ad.InstanceID {
		conn.Close()
		return nil, fmt.Errorf("transport: %s answered as a different instance", ad.Addr)
	}
	_ = conn.SetDeadline(time.Time{})
	return newPeerConn(conn, r, w, hs, s.config.QueueDepth), nil
}
