// Package bridge mirrors routed payloads onto NATS so venue systems
// (kitchen screens, POS) can follow them, and relays payloads published by
// those systems to connected peers.
package bridge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
)

const (
	HeaderDevice = "Assist-Device"
	HeaderType   = "Assist-Type"
)

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Sender delivers a model to connected peers.
type Sender interface {
	Send(t payload.MessageType, model any) error
}

type Bridge struct {
	conn    Conn
	subject string
	device  string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New returns a bridge publishing under assist.<serviceType>.
func New(conn Conn, serviceType, device string) *Bridge {
	return &Bridge{
		conn:    conn,
		subject: "assist." + strings.ToLower(serviceType),
		device:  device,
	}
}

// OutboundSubject is where payloads of type t received by this device are
// mirrored for venue systems.
func (b *Bridge) OutboundSubject(t payload.MessageType) string {
	return fmt.Sprintf("%s.out.%s", b.subject, t)
}

// InboundSubject is where venue systems publish payloads of type t for the
// connected peers.
func (b *Bridge) InboundSubject(t payload.MessageType) string {
	return fmt.Sprintf("%s.in.%s", b.subject, t)
}

// Mirror publishes every envelope the router decodes.
func (b *Bridge) Mirror(r *router.Router) {
	r.Tap(func(env payload.Envelope) {
		msg := nats.NewMsg(b.OutboundSubject(env.Type))
		msg.Data = env.Data
		msg.Header.Set(HeaderDevice, b.device)
		msg.Header.Set(HeaderType, string(env.Type))
		if err := b.conn.PublishMsg(msg); err != nil {
			logger.Warn("Failed to mirror payload", "type", env.Type, "err", err)
		}
	})
}

// Relay subscribes to the inbound subjects and sends every valid model to
// the connected peers through s.
func (b *Bridge) Relay(s Sender) error {
	for _, t := range payload.AllTypes() {
		t := t
		sub, err := b.conn.Subscribe(b.InboundSubject(t), func(m *nats.Msg) {
			b.relay(s, t, m.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", b.InboundSubject(t), err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	logger.Info("NATS relay started", "subject", b.subject+".in.>")
	return nil
}

func (b *Bridge) relay(s Sender, t payload.MessageType, data []byte) {
	decode, ok := payload.Decoder(t)
	if !ok {
		return
	}
	model, err := decode(payload.Envelope{Type: t, Data: data})
	if err != nil {
		logger.Warn("Dropping invalid relayed payload", "type", t, "err", err)
		return
	}
	if err := s.Send(t, model); err != nil {
		logger.Error("Failed to relay payload", err, "type", t)
	}
}

// Close removes the relay subscriptions.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("Failed to unsubscribe", "subject", sub.Subject, "err", err)
		}
	}
}
