package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/luxfi/assist/pkg/kvstore"
	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/types"
)

// ProfileDesk keeps the latest mobility profile of each customer.
type ProfileDesk struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]types.MobilityProfile
	stored   *collection[types.MobilityProfile]

	Updates Feed[types.MobilityProfile]
}

func NewProfileDesk(r *router.Router, kv kvstore.KVStore) (*ProfileDesk, error) {
	d := &ProfileDesk{
		profiles: make(map[uuid.UUID]types.MobilityProfile),
		stored:   newCollection[types.MobilityProfile](kv, "profile"),
	}
	loaded, err := d.stored.load()
	if err != nil {
		return nil, err
	}
	for _, p := range loaded {
		d.profiles[p.ID] = p
	}
	r.OnMobilityProfile(d.receive)
	return d, nil
}

func (d *ProfileDesk) receive(p types.MobilityProfile) {
	d.mu.Lock()
	if cur, ok := d.profiles[p.ID]; ok && p.LastUpdated.Before(cur.LastUpdated.Time) {
		d.mu.Unlock()
		logger.Debug("Ignoring stale mobility profile", "profile_id", p.ID)
		return
	}
	d.profiles[p.ID] = p
	d.mu.Unlock()

	if err := d.stored.put(p.ID.String(), p); err != nil {
		logger.Error("Failed to persist mobility profile", err, "profile_id", p.ID)
	}
	logger.Info("Mobility profile received", "profile_id", p.ID, "name", p.Name, "wheelchair", p.WheelchairUser)
	d.Updates.Publish(p)
}

func (d *ProfileDesk) Get(id uuid.UUID) (types.MobilityProfile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	return p, ok
}

// Profiles returns every known profile ordered by name.
func (d *ProfileDesk) Profiles() []types.MobilityProfile {
	d.mu.RLock()
	out := lo.Values(d.profiles)
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}
