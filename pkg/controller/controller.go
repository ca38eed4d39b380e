// Package controller binds a role to the transport session and runs the
// single loop that turns session events into callbacks and routed
// payloads.
package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/transport"
)

const DefaultConnectDeadline = 5 * time.Second

// Session is the part of transport.Session the controller drives.
type Session interface {
	Start(role transport.Role, localName string) error
	Stop()
	Send(data []byte) int
	HasConnectedPeers() bool
	Events() <-chan transport.Event
}

type Options struct {
	DeviceName string
	// ConnectDeadline is how long AwaitPeer waits before the caller should
	// offer a manual retry.
	ConnectDeadline time.Duration
}

type PeerCallback func(peer transport.Peer)

// Controller is the only writer of the session.
type Controller struct {
	session Session
	router  *router.Router
	opts    Options

	mu      sync.Mutex
	role    transport.Role
	started bool

	cbMu           sync.RWMutex
	onConnected    []PeerCallback
	onDisconnected []PeerCallback

	// connected is closed and replaced whenever a peer connects so
	// AwaitPeer can wait on it.
	connMu    sync.Mutex
	connected chan struct{}

	retryNeeded atomic.Bool
}

func New(session Session, r *router.Router, opts Options) *Controller {
	if opts.ConnectDeadline <= 0 {
		opts.ConnectDeadline = DefaultConnectDeadline
	}
	return &Controller{
		session:   session,
		router:    r,
		opts:      opts,
		connected: make(chan struct{}),
	}
}

// SetRole restarts the session in role: a full stop, then start.
func (c *Controller) SetRole(role transport.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retryNeeded.Store(false)
	c.session.Stop()
	if err := c.session.Start(role, c.opts.DeviceName); err != nil {
		c.started = false
		logger.Error("Failed to start session", err, "role", role.String())
		return err
	}
	c.role = role
	c.started = true
	logger.Info("Role set", "role", role.String(), "device", c.opts.DeviceName)
	return nil
}

// Retry starts the session again in the current role with a fresh
// identity. It is what the "no staff device found" prompt calls.
func (c *Controller) Retry() error {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()
	return c.SetRole(role)
}

func (c *Controller) Role() transport.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// RetryNeeded reports that the last AwaitPeer ran out its deadline with no
// peer. A connected peer, SetRole or Retry clears it.
func (c *Controller) RetryNeeded() bool {
	return c.retryNeeded.Load()
}

func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Send encodes model under t and hands it to the session. Encoding
// failures are logged and returned; having no peers is not an error.
func (c *Controller) Send(t payload.MessageType, model any) error {
	b, err := payload.Encode(t, model)
	if err != nil {
		logger.Error("Failed to encode payload", err, "type", t)
		return err
	}
	if n := c.session.Send(b); n == 0 {
		logger.Debug("Payload not delivered to any peer", "type", t)
	}
	return nil
}

func (c *Controller) HasConnectedPeers() bool {
	return c.session.HasConnectedPeers()
}

func (c *Controller) OnPeerConnected(cb PeerCallback) {
	c.cbMu.Lock()
	c.onConnected = append(c.onConnected, cb)
	c.cbMu.Unlock()
}

func (c *Controller) OnPeerDisconnected(cb PeerCallback) {
	c.cbMu.Lock()
	c.onDisconnected = append(c.onDisconnected, cb)
	c.cbMu.Unlock()
}

// Run consumes session events until ctx is done or the session closes its
// event channel. Callbacks and router handlers all run on this goroutine.
func (c *Controller) Run(ctx context.Context) error {
	events := c.session.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev transport.Event) {
	switch ev.Kind {
	case transport.EventData:
		c.router.HandleBytes(ev.Data)
	case transport.EventPeerState:
		switch ev.State {
		case transport.StateConnected:
			c.signalConnected()
			c.fire(c.connectedCallbacks(), ev.Peer)
		case transport.StateNotConnected:
			c.fire(c.disconnectedCallbacks(), ev.Peer)
		case transport.StateConnecting:
			logger.Debug("Peer connecting", "peer", ev.Peer.DisplayName)
		}
	}
}

func (c *Controller) connectedCallbacks() []PeerCallback {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return append([]PeerCallback(nil), c.onConnected...)
}

func (c *Controller) disconnectedCallbacks() []PeerCallback {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return append([]PeerCallback(nil), c.onDisconnected...)
}

func (c *Controller) fire(cbs []PeerCallback, peer transport.Peer) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Peer callback panicked", errors.New("panic in peer callback"), "peer", peer.DisplayName, "recovered", rec)
				}
			}()
			cb(peer)
		}()
	}
}

func (c *Controller) signalConnected() {
	c.retryNeeded.Store(false)
	c.connMu.Lock()
	close(c.connected)
	c.connected = make(chan struct{})
	c.connMu.Unlock()
}

// AwaitPeer waits up to the connect deadline for a connected peer. False
// means no counterpart was found and the caller should offer Retry; an
// expired deadline also sets RetryNeeded.
func (c *Controller) AwaitPeer(ctx context.Context) bool {
	timer := time.NewTimer(c.opts.ConnectDeadline)
	defer timer.Stop()

	for {
		c.connMu.Lock()
		ch := c.connected
		c.connMu.Unlock()
		if c.session.HasConnectedPeers() {
			return true
		}

		select {
		case <-ch:
		case <-timer.C:
			if c.session.HasConnectedPeers() {
				return true
			}
			c.retryNeeded.Store(true)
			return false
		case <-ctx.Done():
			return false
		}
	}
}
