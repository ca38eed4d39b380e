// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/assist/pkg/logger"
)

var (
	ErrClosed     = errors.New("transport: connection closed")
	ErrNotStarted = errors.New("transport: session not started")
)

// TransportError reports a failed advertise, browse, invite or send.
type TransportError struct {
	Op   string
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// peerConn is an established, encrypted link to one peer.
type peerConn struct {
	peer   Peer
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	send   *cipherState
	recv   *cipherState

	outbound chan []byte
	done     chan struct{}

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newPeerConn(conn net.Conn, r *bufio.Reader, w *bufio.Writer, hs *handshakeResult, queueDepth int) *peerConn {
	return &peerConn{
		peer:     hs.peer,
		conn:     conn,
		reader:   r,
		writer:   w,
		send:     hs.send,
		recv:     hs.recv,
		outbound: make(chan []byte, queueDepth),
		done:     make(chan struct{}),
	}
}

func (p *peerConn) writeFrame(frameType uint8, payload []byte, timeout time.Duration) error {
	if p.closed.Load() {
		return ErrClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	ct, err := p.send.seal(frameType, payload)
	if err != nil {
		return err
	}
	if timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := WriteFrame(p.writer, frameType, ct); err != nil {
		return err
	}
	return p.writer.Flush()
}

func (p *peerConn) readFrame(timeout time.Duration) (uint8, []byte, error) {
	if timeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	frameType, ct, err := ReadFrame(p.reader)
	if err != nil {
		return 0, nil, err
	}
	plain, err := p.recv.open(frameType, ct)
	if err != nil {
		return 0, nil, err
	}
	return frameType, plain, nil
}

// enqueue hands data to the writer goroutine without blocking.
func (p *peerConn) enqueue(data []byte) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.outbound <- data:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

func (p *peerConn) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.done)
	p.conn.Close()
}

// servePeer registers pc and runs its loops until the link drops.
func (s *Session) servePeer(g *generation, pc *peerConn) {
	if !s.addPeer(g, pc) {
		pc.close()
		return
	}
	logger.Info("Peer connected", "peer", pc.peer.DisplayName, "addr", pc.peer.Addr)
	s.emit(g, Event{Kind: EventPeerState, Peer: pc.peer, State: StateConnected})

	g.wg.Add(2)
	go s.writeLoop(g, pc)
	go s.pingLoop(g, pc)

	s.readLoop(g, pc)

	if s.removePeerConn(pc) {
		logger.Warn("Peer disconnected", "peer", pc.peer.DisplayName)
		s.emit(g, Event{Kind: EventPeerState, Peer: pc.peer, State: StateNotConnected})
	}
}

func (s *Session) readLoop(g *generation, pc *peerConn) {
	defer pc.close()

	for {
		frameType, payload, err := pc.readFrame(s.config.ReadTimeout)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) || pc.closed.Load() || g.ctx.Err() != nil {
				return
			}
			logger.Error("Read error", err, "peer", pc.peer.DisplayName)
			return
		}

		switch frameType {
		case FrameData:
			s.emit(g, Event{Kind: EventData, Peer: pc.peer, Data: payload})
		case FramePing:
			if err := pc.writeFrame(FramePong, nil, s.config.WriteTimeout); err != nil {
				return
			}
		case FramePong:
			logger.Debug("Received pong", "peer", pc.peer.DisplayName)
		default:
			logger.Warn("Unexpected frame on established link", "peer", pc.peer.DisplayName, "type", frameType)
			return
		}
	}
}

func (s *Session) writeLoop(g *generation, pc *peerConn) {
	defer g.wg.Done()

	for {
		select {
		case <-pc.done:
			return
		case <-g.ctx.Done():
			return
		case data := <-pc.outbound:
			if err := pc.writeFrame(FrameData, data, s.config.WriteTimeout); err != nil {
				if !pc.closed.Load() {
					logger.Error("Send failed", &TransportError{Op: "send", Peer: pc.peer.DisplayName, Err: err})
				}
				pc.close()
				return
			}
		}
	}
}

// pingLoop keeps idle links alive; the peer drops links silent for longer
// than ReadTimeout.
func (s *Session) pingLoop(g *generation, pc *peerConn) {
	defer g.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pc.done:
			return
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := pc.writeFrame(FramePing, nil, s.config.WriteTimeout); err != nil {
				return
			}
		}
	}
}

// addPeer registers pc unless its generation has been stopped. A second
// link from the same instance replaces the first.
func (s *Session) addPeer(g *generation, pc *peerConn) bool {
	s.peersMu.Lock()
	if g.ctx.Err() != nil {
		s.peersMu.Unlock()
		return false
	}
	existing, ok := s.peers[pc.peer.InstanceID]
	s.peers[pc.peer.InstanceID] = pc
	s.peersMu.Unlock()

	if ok {
		existing.close()
		s.emit(g, Event{Kind: EventPeerState, Peer: existing.peer, State: StateNotConnected})
	}
	return true
}

// removePeerConn removes pc only if it is still the registered link for
// its instance. It reports whether pc was removed.
func (s *Session) removePeerConn(pc *peerConn) bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if current, ok := s.peers[pc.peer.InstanceID]; ok && current == pc {
		pc.close()
		delete(s.peers, pc.peer.InstanceID)
		return true
	}
	return false
}
