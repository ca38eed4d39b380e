package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/luxfi/assist/pkg/kvstore"
	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/types"
)

var ErrUnknownRequest = errors.New("store: unknown navigation request type")

const floorPlanID = "floor-plan"

type floorPlan struct {
	Data []byte `json:"data"`
}

// NavigationDesk is the staff side of navigation help: the configured
// venue assets and the live requests customers send.
type NavigationDesk struct {
	mu        sync.RWMutex
	assets    []types.NavigationAssetDTO
	floorPlan []byte
	requests  []types.NavigationHelpRequest

	stored *collection[types.NavigationAssetDTO]
	plans  *collection[floorPlan]

	Requests Feed[types.NavigationHelpRequest]
}

func NewNavigationDesk(r *router.Router, kv kvstore.KVStore) (*NavigationDesk, error) {
	d := &NavigationDesk{
		stored: newCollection[types.NavigationAssetDTO](kv, "nav-asset"),
		plans:  newCollection[floorPlan](kv, "nav-floor"),
	}
	assets, err := d.stored.load()
	if err != nil {
		return nil, err
	}
	d.assets = assets
	plan, ok, err := d.plans.get(floorPlanID)
	if err != nil {
		return nil, err
	}
	if ok {
		d.floorPlan = plan.Data
	}
	r.OnNavigationRequest(d.receive)
	return d, nil
}

func (d *NavigationDesk) receive(req types.NavigationHelpRequest) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	logger.Info("Navigation request received", "type", req.RequestType, "target", req.TargetName)
	d.Requests.Publish(req)
}

// AddAsset stores a new asset or replaces the one with the same id.
func (d *NavigationDesk) AddAsset(a types.NavigationAssetDTO) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := d.stored.put(a.ID.String(), a); err != nil {
		return err
	}
	d.mu.Lock()
	d.assets = append(lo.Reject(d.assets, func(x types.NavigationAssetDTO, _ int) bool { return x.ID == a.ID }), a)
	d.mu.Unlock()
	return nil
}

func (d *NavigationDesk) RemoveAsset(id uuid.UUID) error {
	if err := d.stored.delete(id.String()); err != nil {
		return err
	}
	d.mu.Lock()
	d.assets = lo.Reject(d.assets, func(x types.NavigationAssetDTO, _ int) bool { return x.ID == id })
	d.mu.Unlock()
	return nil
}

func (d *NavigationDesk) Assets() []types.NavigationAssetDTO {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.assets)
}

func (d *NavigationDesk) SetFloorPlan(data []byte) error {
	if err := d.plans.put(floorPlanID, floorPlan{Data: data}); err != nil {
		return err
	}
	d.mu.Lock()
	d.floorPlan = slices.Clone(data)
	d.mu.Unlock()
	return nil
}

// PendingRequests returns the requests not yet answered, oldest first.
func (d *NavigationDesk) PendingRequests() []types.NavigationHelpRequest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.requests)
}

// Respond builds the navigation data answering req and removes it from
// the pending requests. Only assets of the requested category are sent.
func (d *NavigationDesk) Respond(req types.NavigationHelpRequest) (types.NavigationDataPayload, error) {
	category, ok := types.NavigationRequestType(req.RequestType).Category()
	if !ok {
		return types.NavigationDataPayload{}, fmt.Errorf("%w: %q", ErrUnknownRequest, req.RequestType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i := slices.Index(d.requests, req); i >= 0 {
		d.requests = slices.Delete(d.requests, i, i+1)
	}
	return types.NavigationDataPayload{
		Assets:        lo.Filter(d.assets, func(a types.NavigationAssetDTO, _ int) bool { return a.Category == category }),
		FloorPlanData: slices.Clone(d.floorPlan),
	}, nil
}

// NavigationAssetStore is the customer side: the assets and floor plan
// most recently received from staff.
type NavigationAssetStore struct {
	mu        sync.RWMutex
	assets    []types.NavigationAssetDTO
	floorPlan []byte

	Updates Feed[types.NavigationDataPayload]
}

func NewNavigationAssetStore(r *router.Router) *NavigationAssetStore {
	s := &NavigationAssetStore{}
	r.OnNavigationData(s.receive)
	return s
}

func (s *NavigationAssetStore) receive(p types.NavigationDataPayload) {
	s.mu.Lock()
	s.assets = p.Assets
	if len(p.FloorPlanData) > 0 {
		s.floorPlan = p.FloorPlanData
	} else {
		logger.Warn("Navigation data without floor plan")
	}
	s.mu.Unlock()

	logger.Info("Navigation data received", "assets", len(p.Assets))
	s.Updates.Publish(p)
}

func (s *NavigationAssetStore) Assets() []types.NavigationAssetDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.assets)
}

func (s *NavigationAssetStore) AssetsFor(category types.LocationCategory) []types.NavigationAssetDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Filter(s.assets, func(a types.NavigationAssetDTO, _ int) bool { return a.Category == category })
}

func (s *NavigationAssetStore) GroupedByCategory() map[types.LocationCategory][]types.NavigationAssetDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.GroupBy(s.assets, func(a types.NavigationAssetDTO) types.LocationCategory { return a.Category })
}

func (s *NavigationAssetStore) FloorPlan() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.floorPlan)
}
