// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/libp2p/zeroconf/v2"

	"github.com/luxfi/assist/pkg/logger"
)

const (
	defaultMDNSDomain = "local."

	txtService  = "svc"
	txtInstance = "id"
	txtName     = "name"
	txtRole     = "role"
)

type MDNSConfig struct {
	Domain string
}

// MDNSDiscovery announces staff devices with DNS-SD over multicast DNS, so
// devices on one local network find each other without any server. The
// service type, instance id, display name and role travel in TXT records.
type MDNSDiscovery struct {
	config MDNSConfig
}

func NewMDNSDiscovery(config MDNSConfig) *MDNSDiscovery {
	if config.Domain == "" {
		config.Domain = defaultMDNSDomain
	}
	return &MDNSDiscovery{config: config}
}

// mdnsService maps a service type onto its DNS-SD name, e.g. "_assistiveapp._tcp".
func mdnsService(serviceType string) string {
	return "_" + strings.ToLower(serviceType) + "._tcp"
}

func advertisementTXT(ad Advertisement) []string {
	return []string{
		txtService + "=" + ad.ServiceType,
		txtInstance + "=" + ad.InstanceID.String(),
		txtName + "=" + ad.Name,
		txtRole + "=" + ad.Role.String(),
	}
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func (d *MDNSDiscovery) Advertise(ctx context.Context, ad Advertisement) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(ad.Addr)
	if err != nil {
		return nil, fmt.Errorf("mdns: advertise address %q: %w", ad.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("mdns: advertise port %q: %w", portStr, err)
	}

	instance := ad.InstanceID.String()
	service := mdnsService(ad.ServiceType)
	txt := advertisementTXT(ad)

	var server *zeroconf.Server
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		server, err = zeroconf.Register(instance, service, d.config.Domain, port, txt, nil)
	} else {
		hostName := "assist-" + instance[:8]
		server, err = zeroconf.RegisterProxy(instance, service, d.config.Domain, port, hostName, []string{host}, txt, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("mdns: register %s: %w", instance, err)
	}
	logger.Info("Announced service over mDNS", "service", service, "id", instance, "addr", ad.Addr)

	return server.Shutdown, nil
}

func (d *MDNSDiscovery) Browse(ctx context.Context, serviceType string) (<-chan Sighting, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	out := make(chan Sighting)
	service := mdnsService(serviceType)
	go func() {
		if err := zeroconf.Browse(ctx, service, d.config.Domain, entries); err != nil && ctx.Err() == nil {
			logger.Warn("mDNS browse failed", "service", service, "err", err)
		}
	}()
	go forwardEntries(ctx, serviceType, entries, out)
	return out, nil
}

// forwardEntries turns resolved DNS-SD entries into sightings. An entry is
// reported when first seen or when its address changes; a TTL of zero is
// the goodbye of a departing device.
func forwardEntries(ctx context.Context, serviceType string, in <-chan *zeroconf.ServiceEntry, out chan<- Sighting) {
	defer close(out)

	known := make(map[uuid.UUID]Advertisement)
	for {
		var e *zeroconf.ServiceEntry
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-in:
			if !ok {
				return
			}
			e = entry
		}

		ad, ok := entryAdvertisement(serviceType, e)
		if !ok {
			continue
		}
		if e.TTL == 0 {
			prev, seen := known[ad.InstanceID]
			if !seen {
				continue
			}
			delete(known, ad.InstanceID)
			if !deliver(ctx, out, Sighting{Advertisement: prev, Lost: true}) {
				return
			}
			continue
		}
		if prev, seen := known[ad.InstanceID]; seen && prev == ad {
			continue
		}
		known[ad.InstanceID] = ad
		if !deliver(ctx, out, Sighting{Advertisement: ad}) {
			return
		}
	}
}

func entryAdvertisement(serviceType string, e *zeroconf.ServiceEntry) (Advertisement, bool) {
	if e == nil {
		return Advertisement{}, false
	}
	txt := parseTXT(e.Text)
	if !strings.EqualFold(txt[txtService], serviceType) {
		return Advertisement{}, false
	}
	id, err := uuid.Parse(txt[txtInstance])
	if err != nil {
		return Advertisement{}, false
	}
	role, err := ParseRole(txt[txtRole])
	if err != nil {
		return Advertisement{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	case e.TTL != 0:
		return Advertisement{}, false
	}
	var addr string
	if ip != nil {
		addr = net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
	}
	return Advertisement{
		ServiceType: serviceType,
		InstanceID:  id,
		Name:        txt[txtName],
		Role:        role,
		Addr:        addr,
	}, true
}
