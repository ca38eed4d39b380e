// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/zeroconf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mdnsEntry(ad Advertisement, ip string, port int, ttl uint32) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{
		Port: port,
		Text: advertisementTXT(ad),
		TTL:  ttl,
	}
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

func TestMDNSServiceName(t *testing.T) {
	assert.Equal(t, "_assistiveapp._tcp", mdnsService("AssistiveApp"))
}

func TestMDNSEntryAdvertisement(t *testing.T) {
	ad := staffAd("192.168.1.20:7400")

	got, ok := entryAdvertisement("assistiveapp", mdnsEntry(ad, "192.168.1.20", 7400, 120))
	require.True(t, ok)
	assert.Equal(t, ad, got)

	t.Run("other service type", func(t *testing.T) {
		_, ok := entryAdvertisement("othervenue", mdnsEntry(ad, "192.168.1.20", 7400, 120))
		assert.False(t, ok)
	})

	t.Run("missing address", func(t *testing.T) {
		_, ok := entryAdvertisement("assistiveapp", mdnsEntry(ad, "", 7400, 120))
		assert.False(t, ok)
	})

	t.Run("bad records", func(t *testing.T) {
		e := mdnsEntry(ad, "192.168.1.20", 7400, 120)
		e.Text = []string{"svc=assistiveapp", "id=nope", "role=staff"}
		_, ok := entryAdvertisement("assistiveapp", e)
		assert.False(t, ok)

		e.Text = []string{"svc=assistiveapp", "id=" + uuid.NewString(), "role=chef"}
		_, ok = entryAdvertisement("assistiveapp", e)
		assert.False(t, ok)
	})

	t.Run("ipv6", func(t *testing.T) {
		e := mdnsEntry(ad, "", 7400, 120)
		e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
		got, ok := entryAdvertisement("assistiveapp", e)
		require.True(t, ok)
		assert.Equal(t, "[fe80::1]:7400", got.Addr)
	})
}

func TestMDNSForwardEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan *zeroconf.ServiceEntry, 16)
	out := make(chan Sighting, 16)
	go forwardEntries(ctx, "assistiveapp", in, out)

	kitchen := staffAd("192.168.1.20:7400")
	bar := staffAd("192.168.1.21:7400")
	other := staffAd("192.168.1.22:7400")
	other.ServiceType = "othervenue"

	in <- mdnsEntry(kitchen, "192.168.1.20", 7400, 120)
	in <- mdnsEntry(kitchen, "192.168.1.20", 7400, 120)
	in <- mdnsEntry(other, "192.168.1.22", 7400, 120)
	in <- mdnsEntry(bar, "", 7400, 0)
	in <- mdnsEntry(bar, "192.168.1.21", 7400, 120)

	first := nextSighting(t, out)
	assert.Equal(t, kitchen, first.Advertisement)
	assert.False(t, first.Lost)
	second := nextSighting(t, out)
	assert.Equal(t, bar.InstanceID, second.InstanceID, "repeats, other services and unknown goodbyes are dropped")

	in <- mdnsEntry(kitchen, "192.168.1.30", 7400, 120)
	moved := nextSighting(t, out)
	assert.Equal(t, "192.168.1.30:7400", moved.Addr)

	in <- mdnsEntry(kitchen, "", 7400, 0)
	lost := nextSighting(t, out)
	assert.True(t, lost.Lost)
	assert.Equal(t, "192.168.1.30:7400", lost.Addr)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-out
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

// TestMDNSLoopback announces and browses over the host's multicast network.
// Sandboxes often drop multicast, so it only runs when ASSIST_MDNS_TEST=1.
func TestMDNSLoopback(t *testing.T) {
	if os.Getenv("ASSIST_MDNS_TEST") != "1" {
		t.Skip("set ASSIST_MDNS_TEST=1 to exercise multicast DNS")
	}
	d := NewMDNSDiscovery(MDNSConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := "assist" + uuid.NewString()[:6]
	ad := staffAd("127.0.0.1:7400")
	ad.ServiceType = svc
	stop, err := d.Advertise(ctx, ad)
	require.NoError(t, err)
	defer stop()

	sightings, err := d.Browse(ctx, svc)
	require.NoError(t, err)
	got := nextSighting(t, sightings)
	assert.Equal(t, ad.InstanceID, got.InstanceID)
	assert.Equal(t, RoleStaff, got.Role)
}
