// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Advertisement announces a staff device on a service type.
type Advertisement struct {
	ServiceType string
	InstanceID  uuid.UUID
	Name        string
	Role        Role
	Addr        string
}

// Sighting reports an advertisement appearing or, with Lost set,
// disappearing.
type Sighting struct {
	Advertisement
	Lost bool
}

// Discovery publishes and finds advertisements. Browse only yields
// sightings for the requested service type and closes its channel when ctx
// is done.
type Discovery interface {
	Advertise(ctx context.Context, ad Advertisement) (stop func(), err error)
	Browse(ctx context.Context, serviceType string) (<-chan Sighting, error)
}

// MemoryDiscovery is an in-process Discovery for devices sharing one
// process, mainly tests and demos.
type MemoryDiscovery struct {
	mu       sync.Mutex
	ads      map[uuid.UUID]Advertisement
	watchers map[*watcher]struct{}
}

func NewMemoryDiscovery() *MemoryDiscovery {
	return &MemoryDiscovery{
		ads:      make(map[uuid.UUID]Advertisement),
		watchers: make(map[*watcher]struct{}),
	}
}

func (d *MemoryDiscovery) Advertise(ctx context.Context, ad Advertisement) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.ads[ad.InstanceID] = ad
	d.notifyLocked(Sighting{Advertisement: ad})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if _, ok := d.ads[ad.InstanceID]; ok {
				delete(d.ads, ad.InstanceID)
				d.notifyLocked(Sighting{Advertisement: ad, Lost: true})
			}
			d.mu.Unlock()
		})
	}, nil
}

func (d *MemoryDiscovery) Browse(ctx context.Context, serviceType string) (<-chan Sighting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher{
		service: serviceType,
		out:     make(chan Sighting),
		notify:  make(chan struct{}, 1),
	}

	d.mu.Lock()
	d.watchers[w] = struct{}{}
	for _, ad := range d.ads {
		w.push(Sighting{Advertisement: ad})
	}
	d.mu.Unlock()

	go func() {
		w.pump(ctx)
		d.mu.Lock()
		delete(d.watchers, w)
		d.mu.Unlock()
	}()
	return w.out, nil
}

// Advertised returns how many advertisements are live.
func (d *MemoryDiscovery) Advertised() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ads)
}

func (d *MemoryDiscovery) notifyLocked(s Sighting) {
	for w := range d.watchers {
		w.push(s)
	}
}

// watcher queues sightings without bound so a slow browser never blocks
// an advertiser.
type watcher struct {
	service string
	out     chan Sighting
	notify  chan struct{}

	mu    sync.Mutex
	queue []Sighting
}

func (w *watcher) push(s Sighting) {
	if s.ServiceType != w.service {
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, s)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) pump(ctx context.Context) {
	defer close(w.out)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, s := range batch {
			select {
			case w.out <- s:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-w.notify:
		case <-ctx.Done():
			return
		}
	}
}
