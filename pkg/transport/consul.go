// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"

	"github.com/luxfi/assist/pkg/logger"
)

const (
	metaName     = "display_name"
	metaRole     = "role"
	metaInstance = "instance_id"
)

type ConsulConfig struct {
	CheckInterval time.Duration
	WaitTime      time.Duration
}

// ConsulDiscovery advertises staff devices as Consul services named after
// the service type and browses them with blocking health queries.
type ConsulDiscovery struct {
	client *api.Client
	config ConsulConfig
}

func NewConsulDiscovery(client *api.Client, config ConsulConfig) *ConsulDiscovery {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 10 * time.Second
	}
	if config.WaitTime <= 0 {
		config.WaitTime = 30 * time.Second
	}
	return &ConsulDiscovery{client: client, config: config}
}

func (d *ConsulDiscovery) Advertise(ctx context.Context, ad Advertisement) (func(), error) {
	host, portStr, err := net.SplitHostPort(ad.Addr)
	if err != nil {
		return nil, fmt.Errorf("consul: advertise address %q: %w", ad.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("consul: advertise port %q: %w", portStr, err)
	}

	id := ad.InstanceID.String()
	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    ad.ServiceType,
		Tags:    []string{ad.Role.String()},
		Address: host,
		Port:    port,
		Meta: map[string]string{
			metaName:     ad.Name,
			metaRole:     ad.Role.String(),
			metaInstance: id,
		},
		// Start passing: browsers only see passing services, and the first
		// TCP check can run after the user's connect deadline.
		Check: &api.AgentServiceCheck{
			Status:                         api.HealthPassing,
			TCP:                            ad.Addr,
			Interval:                       d.config.CheckInterval.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	opts := api.ServiceRegisterOpts{}.WithContext(ctx)
	if err := d.client.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		return nil, fmt.Errorf("consul: register %s: %w", id, err)
	}
	logger.Info("Registered service in consul", "service", ad.ServiceType, "id", id, "addr", ad.Addr)

	return func() {
		if err := d.client.Agent().ServiceDeregister(id); err != nil {
			logger.Warn("Failed to deregister service", "id", id, "err", err)
		}
	}, nil
}

func (d *ConsulDiscovery) Browse(ctx context.Context, serviceType string) (<-chan Sighting, error) {
	out := make(chan Sighting)
	go d.browseLoop(ctx, serviceType, out)
	return out, nil
}

func (d *ConsulDiscovery) browseLoop(ctx context.Context, serviceType string, out chan<- Sighting) {
	defer close(out)

	known := make(map[uuid.UUID]Advertisement)
	var index uint64
	backoff := time.Second

	for {
		q := (&api.QueryOptions{WaitIndex: index, WaitTime: d.config.WaitTime}).WithContext(ctx)
		entries, meta, err := d.client.Health().Service(serviceType, "", true, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Consul browse failed", "service", serviceType, "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		if meta.LastIndex < index {
			index = 0
		} else {
			index = meta.LastIndex
		}

		current := make(map[uuid.UUID]Advertisement, len(entries))
		for _, e := range entries {
			ad, ok := advertisementFromEntry(serviceType, e)
			if ok {
				current[ad.InstanceID] = ad
			}
		}

		for id, ad := range current {
			if _, seen := known[id]; seen {
				continue
			}
			if !deliver(ctx, out, Sighting{Advertisement: ad}) {
				return
			}
		}
		for id, ad := range known {
			if _, still := current[id]; still {
				continue
			}
			if !deliver(ctx, out, Sighting{Advertisement: ad, Lost: true}) {
				return
			}
		}
		known = current
	}
}

func advertisementFromEntry(serviceType string, e *api.ServiceEntry) (Advertisement, bool) {
	if e == nil || e.Service == nil {
		return Advertisement{}, false
	}
	id, err := uuid.Parse(e.Service.ID)
	if err != nil {
		return Advertisement{}, false
	}
	role, err := ParseRole(e.Service.Meta[metaRole])
	if err != nil {
		return Advertisement{}, false
	}
	host := e.Service.Address
	if host == "" && e.Node != nil {
		host = e.Node.Address
	}
	return Advertisement{
		ServiceType: serviceType,
		InstanceID:  id,
		Name:        e.Service.Meta[metaName],
		Role:        role,
		Addr:        net.JoinHostPort(host, strconv.Itoa(e.Service.Port)),
	}, true
}

func deliver[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
