// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConsul serves the agent registration and blocking health endpoints
// the discovery uses. Like a real agent, a service whose check has no
// initial status is critical and hidden from passing-only queries.
type fakeConsul struct {
	mu       sync.Mutex
	services map[string]*api.AgentServiceRegistration
	index    uint64
	changed  chan struct{}
	indexes  []uint64
}

func newFakeConsul(t *testing.T) (*fakeConsul, *api.Client) {
	t.Helper()
	f := &fakeConsul{
		services: make(map[string]*api.AgentServiceRegistration),
		index:    10,
		changed:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/service/register", f.register)
	mux.HandleFunc("/v1/agent/service/deregister/", f.deregister)
	mux.HandleFunc("/v1/health/service/", f.health)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := api.DefaultConfig()
	cfg.Address = strings.TrimPrefix(srv.URL, "http://")
	cfg.Scheme = "http"
	cfg.Token = ""
	client, err := api.NewClient(cfg)
	require.NoError(t, err)
	return f, client
}

// bumpLocked moves the index to next and wakes blocked queries.
func (f *fakeConsul) bumpLocked(next uint64) {
	f.index = next
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeConsul) register(w http.ResponseWriter, r *http.Request) {
	var reg api.AgentServiceRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.services[reg.ID] = &reg
	f.bumpLocked(f.index + 1)
	f.mu.Unlock()
}

func (f *fakeConsul) deregister(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
	f.mu.Lock()
	delete(f.services, id)
	f.bumpLocked(f.index + 1)
	f.mu.Unlock()
}

// restart simulates an agent restart: the raft index goes backwards.
func (f *fakeConsul) restart() {
	f.mu.Lock()
	f.bumpLocked(1)
	f.mu.Unlock()
}

func (f *fakeConsul) seenIndexes() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.indexes...)
}

func (f *fakeConsul) health(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
	q := r.URL.Query()
	waitIndex, _ := strconv.ParseUint(q.Get("index"), 10, 64)
	passingOnly := q.Get("passing") != ""

	f.mu.Lock()
	f.indexes = append(f.indexes, waitIndex)
	if waitIndex != 0 && waitIndex == f.index {
		ch := f.changed
		f.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
		}
		f.mu.Lock()
	}
	entries := []*api.ServiceEntry{}
	for _, reg := range f.services {
		if reg.Name != name {
			continue
		}
		if passingOnly && (reg.Check == nil || reg.Check.Status != api.HealthPassing) {
			continue
		}
		entries = append(entries, &api.ServiceEntry{
			Node: &api.Node{Node: "venue", Address: "10.0.0.1"},
			Service: &api.AgentService{
				ID:      reg.ID,
				Service: reg.Name,
				Tags:    reg.Tags,
				Meta:    reg.Meta,
				Port:    reg.Port,
				Address: reg.Address,
			},
		})
	}
	index := f.index
	f.mu.Unlock()

	w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries) //nolint:errcheck
}

func nextSighting(t *testing.T, ch <-chan Sighting) Sighting {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "browse channel closed")
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a sighting")
		return Sighting{}
	}
}

func staffAd(addr string) Advertisement {
	return Advertisement{
		ServiceType: "assistiveapp",
		InstanceID:  uuid.New(),
		Name:        "Kitchen-Staff",
		Role:        RoleStaff,
		Addr:        addr,
	}
}

func TestConsulDiscovery_AdvertiseIsVisibleImmediately(t *testing.T) {
	fake, client := newFakeConsul(t)
	d := NewConsulDiscovery(client, ConsulConfig{CheckInterval: time.Hour, WaitTime: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sightings, err := d.Browse(ctx, "assistiveapp")
	require.NoError(t, err)

	ad := staffAd("192.168.1.20:7400")
	stop, err := d.Advertise(ctx, ad)
	require.NoError(t, err)

	fake.mu.Lock()
	reg := fake.services[ad.InstanceID.String()]
	fake.mu.Unlock()
	require.NotNil(t, reg)
	assert.Equal(t, api.HealthPassing, reg.Check.Status)
	assert.Equal(t, ad.Addr, reg.Check.TCP)

	got := nextSighting(t, sightings)
	assert.False(t, got.Lost)
	assert.Equal(t, ad, got.Advertisement)

	stop()
	lost := nextSighting(t, sightings)
	assert.True(t, lost.Lost)
	assert.Equal(t, ad.InstanceID, lost.InstanceID)
}

func TestConsulDiscovery_ReportsEachChangeOnce(t *testing.T) {
	_, client := newFakeConsul(t)
	d := NewConsulDiscovery(client, ConsulConfig{WaitTime: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := staffAd("192.168.1.20:7400")
	_, err := d.Advertise(ctx, first)
	require.NoError(t, err)

	sightings, err := d.Browse(ctx, "assistiveapp")
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, nextSighting(t, sightings).InstanceID)

	second := staffAd("192.168.1.21:7400")
	_, err = d.Advertise(ctx, second)
	require.NoError(t, err)
	got := nextSighting(t, sightings)
	assert.Equal(t, second.InstanceID, got.InstanceID, "a known advertisement is not reported again")
	assert.False(t, got.Lost)

	select {
	case s := <-sightings:
		t.Fatalf("unexpected sighting %+v", s)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConsulDiscovery_OtherServicesAndEntriesIgnored(t *testing.T) {
	fake, client := newFakeConsul(t)
	d := NewConsulDiscovery(client, ConsulConfig{WaitTime: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	other := staffAd("192.168.1.30:7400")
	other.ServiceType = "othervenue"
	_, err := d.Advertise(ctx, other)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.services["not-a-uuid"] = &api.AgentServiceRegistration{
		ID:    "not-a-uuid",
		Name:  "assistiveapp",
		Port:  7400,
		Meta:  map[string]string{metaRole: "staff"},
		Check: &api.AgentServiceCheck{Status: api.HealthPassing},
	}
	fake.mu.Unlock()

	sightings, err := d.Browse(ctx, "assistiveapp")
	require.NoError(t, err)

	mine := staffAd("192.168.1.31:7400")
	_, err = d.Advertise(ctx, mine)
	require.NoError(t, err)
	assert.Equal(t, mine.InstanceID, nextSighting(t, sightings).InstanceID)
}

func TestConsulDiscovery_IndexResetAfterRestart(t *testing.T) {
	fake, client := newFakeConsul(t)
	d := NewConsulDiscovery(client, ConsulConfig{WaitTime: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sightings, err := d.Browse(ctx, "assistiveapp")
	require.NoError(t, err)
	ad := staffAd("192.168.1.20:7400")
	_, err = d.Advertise(ctx, ad)
	require.NoError(t, err)
	nextSighting(t, sightings)

	fake.restart()
	require.Eventually(t, func() bool {
		idx := fake.seenIndexes()
		// After the index went backwards the next query starts over at 0.
		for i := 1; i < len(idx); i++ {
			if idx[i] == 0 && idx[i-1] > 1 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	late := staffAd("192.168.1.22:7400")
	_, err = d.Advertise(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, late.InstanceID, nextSighting(t, sightings).InstanceID)
}

func TestConsulDiscovery_BrowseClosesOnCancel(t *testing.T) {
	_, client := newFakeConsul(t)
	d := NewConsulDiscovery(client, ConsulConfig{WaitTime: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	sightings, err := d.Browse(ctx, "assistiveapp")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sightings:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("browse channel not closed")
	}
}
