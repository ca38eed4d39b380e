// Package router dispatches decoded envelopes to the subscribers of their
// message type.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/types"
)

// Handler receives the decoded model of one envelope.
type Handler func(model any)

// TapFunc observes every envelope that decoded successfully, before
// subscribers run.
type TapFunc func(env payload.Envelope)

type subscription struct {
	id      uint64
	handler Handler
}

type Stats struct {
	Handled   uint64 `json:"handled"`
	Dropped   uint64 `json:"dropped"`
	Unhandled uint64 `json:"unhandled"`
}

// Router is safe for concurrent use. Handlers run on the goroutine that
// calls Handle.
type Router struct {
	mu     sync.RWMutex
	subs   map[payload.MessageType][]subscription
	taps   []TapFunc
	nextID uint64

	handled   atomic.Uint64
	dropped   atomic.Uint64
	unhandled atomic.Uint64
}

func New() *Router {
	return &Router{subs: make(map[payload.MessageType][]subscription)}
}

// Register makes h the only handler for t, replacing earlier ones.
func (r *Router) Register(t payload.MessageType, h Handler) {
	r.mu.Lock()
	r.nextID++
	r.subs[t] = []subscription{{id: r.nextID, handler: h}}
	r.mu.Unlock()
}

// Subscribe appends h to the handlers of t. Handlers run in subscription
// order. The returned func removes h.
func (r *Router) Subscribe(t payload.MessageType, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[t] = append(r.subs[t], subscription{id: id, handler: h})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.subs[t] = lo.Reject(r.subs[t], func(s subscription, _ int) bool {
			return s.id == id
		})
	}
}

// Tap registers an observer for all routed envelopes.
func (r *Router) Tap(fn TapFunc) {
	r.mu.Lock()
	r.taps = append(r.taps, fn)
	r.mu.Unlock()
}

// HandleBytes decodes wire bytes and routes the envelope. Framing errors
// are logged and dropped.
func (r *Router) HandleBytes(b []byte) {
	env, err := payload.Decode(b)
	if err != nil {
		r.dropped.Add(1)
		logger.Warn("Dropping undecodable envelope", "err", err, "bytes", len(b))
		return
	}
	r.Handle(env)
}

// Handle decodes env.Data for its type and invokes the subscribers. A
// payload that does not match the schema of its tag reaches no handler.
func (r *Router) Handle(env payload.Envelope) {
	decode, ok := payload.Decoder(env.Type)
	if !ok {
		r.dropped.Add(1)
		logger.Warn("Dropping envelope with unknown type", "type", env.Type)
		return
	}
	model, err := decode(env)
	if err != nil {
		r.dropped.Add(1)
		logger.Warn("Dropping envelope with invalid payload", "type", env.Type, "err", err)
		return
	}

	r.mu.RLock()
	subs := append([]subscription(nil), r.subs[env.Type]...)
	taps := append([]TapFunc(nil), r.taps...)
	r.mu.RUnlock()

	for _, tap := range taps {
		r.safeCall(env.Type, func() { tap(env) })
	}

	if len(subs) == 0 {
		r.unhandled.Add(1)
		logger.Debug("No handler registered", "type", env.Type)
		return
	}
	r.handled.Add(1)
	for _, s := range subs {
		h := s.handler
		r.safeCall(env.Type, func() { h(model) })
	}
}

func (r *Router) safeCall(t payload.MessageType, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Handler panicked", fmt.Errorf("%v", rec), "type", t)
		}
	}()
	fn()
}

func (r *Router) Stats() Stats {
	return Stats{
		Handled:   r.handled.Load(),
		Dropped:   r.dropped.Load(),
		Unhandled: r.unhandled.Load(),
	}
}

// Subscribers returns how many handlers are registered for t.
func (r *Router) Subscribers(t payload.MessageType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[t])
}

func typedHandler[T any](fn func(T)) Handler {
	return func(model any) {
		if v, ok := model.(T); ok {
			fn(v)
		}
	}
}

func (r *Router) OnMobilityProfile(fn func(types.MobilityProfile)) func() {
	return r.Subscribe(payload.TypeMobilityProfile, typedHandler(fn))
}

func (r *Router) OnMenuData(fn func(types.MenuData)) func() {
	return r.Subscribe(payload.TypeMenuData, typedHandler(fn))
}

func (r *Router) OnAlertMessage(fn func(types.AlertMessage)) func() {
	return r.Subscribe(payload.TypeAlertMessage, typedHandler(fn))
}

func (r *Router) OnNavigationRequest(fn func(types.NavigationHelpRequest)) func() {
	return r.Subscribe(payload.TypeNavigationRequest, typedHandler(fn))
}

func (r *Router) OnNavigationData(fn func(types.NavigationDataPayload)) func() {
	return r.Subscribe(payload.TypeNavigationData, typedHandler(fn))
}

func (r *Router) OnDrawPath(fn func(types.Path)) func() {
	return r.Subscribe(payload.TypeDrawPath, typedHandler(fn))
}

func (r *Router) OnOrder(fn func(types.Order)) func() {
	return r.Subscribe(payload.TypeOrder, typedHandler(fn))
}
