package store

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/types"
)

// AllergenFilter selects the menu items a customer can be offered.
type AllergenFilter interface {
	Filter(items []types.FoodItem, allergens []string) []types.FoodItem
}

// DefaultAllergenFilter excludes items listing any of the allergens.
type DefaultAllergenFilter struct{}

func (DefaultAllergenFilter) Filter(items []types.FoodItem, allergens []string) []types.FoodItem {
	if len(allergens) == 0 {
		return items
	}
	return lo.Filter(items, func(it types.FoodItem, _ int) bool {
		return !lo.SomeBy(it.Allergens, func(a string) bool { return slices.Contains(allergens, a) })
	})
}

// NoFilter passes every item through.
type NoFilter struct{}

func (NoFilter) Filter(items []types.FoodItem, _ []string) []types.FoodItem { return items }

// LocationData holds the menu of the venue the customer is connected to.
type LocationData struct {
	mu   sync.RWMutex
	menu *types.MenuData

	Updates Feed[types.MenuData]
}

func NewLocationData(r *router.Router) *LocationData {
	l := &LocationData{}
	r.OnMenuData(l.receive)
	return l
}

func (l *LocationData) receive(m types.MenuData) {
	l.mu.Lock()
	l.menu = &m
	l.mu.Unlock()

	logger.Info("Menu received", "location", m.LocationName, "items", len(m.Items()))
	l.Updates.Publish(m)
}

func (l *LocationData) Menu() (types.MenuData, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.menu == nil {
		return types.MenuData{}, false
	}
	return *l.menu, true
}

// FilteredMenu returns the menu items suitable for profile. A nil filter
// applies DefaultAllergenFilter.
func (l *LocationData) FilteredMenu(profile types.MobilityProfile, filter AllergenFilter) []types.FoodItem {
	menu, ok := l.Menu()
	if !ok {
		return nil
	}
	if filter == nil {
		filter = DefaultAllergenFilter{}
	}
	return filter.Filter(menu.Items(), profile.Allergens)
}

// PathStore holds the latest route drawn by staff.
type PathStore struct {
	mu   sync.RWMutex
	path types.Path

	Updates Feed[types.Path]
}

func NewPathStore(r *router.Router) *PathStore {
	p := &PathStore{}
	r.OnDrawPath(p.receive)
	return p
}

func (p *PathStore) receive(path types.Path) {
	p.mu.Lock()
	p.path = path
	p.mu.Unlock()

	logger.Debug("Draw path received", "points", len(path))
	p.Updates.Publish(path)
}

func (p *PathStore) Latest() types.Path {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.path)
}
