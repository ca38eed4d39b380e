package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/assist/pkg/kvstore"
	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/types"
)

func newKV(t *testing.T) *kvstore.Store {
	t.Helper()
	kv, err := kvstore.New(kvstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func deliver(t *testing.T, r *router.Router, typ payload.MessageType, model any) {
	t.Helper()
	b, err := payload.Encode(typ, model)
	require.NoError(t, err)
	r.HandleBytes(b)
}

func food(name string, allergens ...string) types.FoodItem {
	if allergens == nil {
		allergens = []string{}
	}
	return types.FoodItem{Name: name, Price: 4.5, Allergens: allergens, Ingredients: []string{"bun", "patty", "pickle"}}
}

func ptr(s string) *string { return &s }

func TestOrderManager_ReceivePersistAndReload(t *testing.T) {
	kv := newKV(t)
	r := router.New()
	m, err := NewOrderManager(r, kv)
	require.NoError(t, err)

	updates, cancel := m.Updates.Subscribe(4)
	defer cancel()

	order := types.Order{
		ID:           uuid.New(),
		Items:        []types.OrderItem{{ID: uuid.New(), MenuItem: food("Burger"), Quantity: 2, SelectedIngredients: []string{"bun"}}},
		Timestamp:    types.Now(),
		CustomerName: ptr("Ada"),
	}
	deliver(t, r, payload.TypeOrder, order)

	require.Len(t, m.Orders(), 1)
	assert.Equal(t, order.ID, m.Orders()[0].ID)
	select {
	case got := <-updates:
		assert.Len(t, got, 1)
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}

	reloaded, err := NewOrderManager(router.New(), kv)
	require.NoError(t, err)
	require.Len(t, reloaded.Orders(), 1)
	assert.Equal(t, "Ada", *reloaded.Orders()[0].CustomerName)
	assert.True(t, reloaded.Orders()[0].Timestamp.Equal(order.Timestamp.Time))

	assert.True(t, reloaded.Remove(order.ID))
	assert.False(t, reloaded.Remove(order.ID))

	again, err := NewOrderManager(router.New(), kv)
	require.NoError(t, err)
	assert.Empty(t, again.Orders())
}

func TestOrderManager_DuplicateOrderReplaces(t *testing.T) {
	r := router.New()
	m, err := NewOrderManager(r, nil)
	require.NoError(t, err)

	order := types.Order{ID: uuid.New(), Items: []types.OrderItem{}, Timestamp: types.Now()}
	deliver(t, r, payload.TypeOrder, order)
	deliver(t, r, payload.TypeOrder, order)
	assert.Len(t, m.Orders(), 1)
}

func TestOrderManager_CartStacking(t *testing.T) {
	m, err := NewOrderManager(router.New(), nil)
	require.NoError(t, err)

	burger := food("Burger")
	m.AddOrStack(types.OrderItem{MenuItem: burger, SelectedIngredients: []string{"patty", "bun"}}, 1)
	m.AddOrStack(types.OrderItem{MenuItem: burger, SelectedIngredients: []string{"bun", "patty"}}, 2)
	m.AddOrStack(types.OrderItem{MenuItem: burger, SelectedIngredients: []string{"bun"}}, 1)
	m.AddOrStack(types.OrderItem{MenuItem: burger}, 0)

	cart := m.Cart()
	require.Len(t, cart, 2)
	assert.Equal(t, 3, cart[0].Quantity)
	assert.Equal(t, 1, cart[1].Quantity)
	assert.Equal(t, []string{"patty", "pickle"}, cart[1].RemovedIngredients())

	order, err := m.Checkout(ptr("Ada"), ptr("Table 4"))
	require.NoError(t, err)
	require.NoError(t, order.Validate())
	assert.Len(t, order.Items, 2)
	assert.InDelta(t, 18.0, order.Total(), 0.001)
	assert.Empty(t, m.Cart())

	_, err = m.Checkout(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestAlertInbox(t *testing.T) {
	kv := newKV(t)
	r := router.New()
	inbox, err := NewAlertInbox(r, kv)
	require.NoError(t, err)

	first := types.NewAlert("Need help at table 5", ptr("Ada"))
	second := types.NewAlert("Spilled drink", nil)
	deliver(t, r, payload.TypeAlertMessage, first)
	deliver(t, r, payload.TypeAlertMessage, second)

	alerts := inbox.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, first.ID, alerts[0].ID)
	assert.Equal(t, second.ID, alerts[1].ID)

	reloaded, err := NewAlertInbox(router.New(), kv)
	require.NoError(t, err)
	assert.Len(t, reloaded.Alerts(), 2)

	require.NoError(t, reloaded.Clear())
	assert.Empty(t, reloaded.Alerts())
	again, err := NewAlertInbox(router.New(), kv)
	require.NoError(t, err)
	assert.Empty(t, again.Alerts())
}

func TestProfileDesk_KeepsLatest(t *testing.T) {
	r := router.New()
	desk, err := NewProfileDesk(r, newKV(t))
	require.NoError(t, err)

	p := types.NewMobilityProfile("Zed")
	deliver(t, r, payload.TypeMobilityProfile, p)

	older := p
	older.WheelchairUser = true
	older.LastUpdated = types.At(p.LastUpdated.Add(-time.Hour))
	deliver(t, r, payload.TypeMobilityProfile, older)

	got, ok := desk.Get(p.ID)
	require.True(t, ok)
	assert.False(t, got.WheelchairUser)

	newer := p
	newer.ReachLevel = types.ReachNone
	newer.LastUpdated = types.At(p.LastUpdated.Add(time.Minute))
	deliver(t, r, payload.TypeMobilityProfile, newer)
	got, _ = desk.Get(p.ID)
	assert.Equal(t, types.ReachNone, got.ReachLevel)

	deliver(t, r, payload.TypeMobilityProfile, types.NewMobilityProfile("amy"))
	profiles := desk.Profiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, "amy", profiles[0].Name)
}

func TestNavigationDesk_Respond(t *testing.T) {
	kv := newKV(t)
	r := router.New()
	desk, err := NewNavigationDesk(r, kv)
	require.NoError(t, err)

	restroom := types.NewNavigationAsset("Restroom A", types.CategoryRestroom, []byte{1})
	table := types.NewNavigationAsset("Table 4", types.CategoryTable, []byte{2})
	require.NoError(t, desk.AddAsset(restroom))
	require.NoError(t, desk.AddAsset(table))
	require.NoError(t, desk.SetFloorPlan([]byte{9, 9}))
	assert.Error(t, desk.AddAsset(types.NavigationAssetDTO{ID: uuid.New(), Category: "kitchen"}))

	req := types.NavigationHelpRequest{RequestType: string(types.RequestRestroom), TargetName: "nearest"}
	deliver(t, r, payload.TypeNavigationRequest, req)
	require.Len(t, desk.PendingRequests(), 1)

	resp, err := desk.Respond(req)
	require.NoError(t, err)
	require.Len(t, resp.Assets, 1)
	assert.Equal(t, restroom.ID, resp.Assets[0].ID)
	assert.Equal(t, []byte{9, 9}, resp.FloorPlanData)
	assert.Empty(t, desk.PendingRequests())

	_, err = desk.Respond(types.NavigationHelpRequest{RequestType: "kitchen"})
	assert.ErrorIs(t, err, ErrUnknownRequest)

	reloaded, err := NewNavigationDesk(router.New(), kv)
	require.NoError(t, err)
	assert.Len(t, reloaded.Assets(), 2)
	require.NoError(t, reloaded.RemoveAsset(table.ID))
	assert.Len(t, reloaded.Assets(), 1)
}

func TestNavigationAssetStore(t *testing.T) {
	r := router.New()
	s := NewNavigationAssetStore(r)

	deliver(t, r, payload.TypeNavigationData, types.NavigationDataPayload{
		Assets: []types.NavigationAssetDTO{
			types.NewNavigationAsset("R1", types.CategoryRestroom, nil),
			types.NewNavigationAsset("R2", types.CategoryRestroom, nil),
			types.NewNavigationAsset("T1", types.CategoryTable, nil),
		},
		FloorPlanData: []byte{7},
	})

	assert.Len(t, s.Assets(), 3)
	assert.Len(t, s.AssetsFor(types.CategoryRestroom), 2)
	assert.Empty(t, s.AssetsFor(types.CategoryOther))
	grouped := s.GroupedByCategory()
	assert.Len(t, grouped[types.CategoryTable], 1)
	assert.Equal(t, []byte{7}, s.FloorPlan())

	deliver(t, r, payload.TypeNavigationData, types.NavigationDataPayload{Assets: []types.NavigationAssetDTO{}})
	assert.Empty(t, s.Assets())
	assert.Equal(t, []byte{7}, s.FloorPlan())
}

func TestLocationData_FilteredMenu(t *testing.T) {
	r := router.New()
	l := NewLocationData(r)

	profile := types.NewMobilityProfile("Ada")
	profile.Allergens = []string{"peanuts"}
	assert.Nil(t, l.FilteredMenu(profile, nil))

	deliver(t, r, payload.TypeMenuData, types.MenuData{
		LocationID:   "loc-1",
		LocationName: "Diner",
		Categories: []types.MenuCategory{
			{Name: "Mains", Items: []types.FoodItem{food("Burger"), food("Satay", "peanuts")}},
			{Name: "Sides", Items: []types.FoodItem{food("Fries")}},
		},
	})

	menu, ok := l.Menu()
	require.True(t, ok)
	assert.Equal(t, "Diner", menu.LocationName)

	names := func(items []types.FoodItem) []string {
		out := []string{}
		for _, it := range items {
			out = append(out, it.Name)
		}
		return out
	}
	assert.Equal(t, []string{"Burger", "Fries"}, names(l.FilteredMenu(profile, DefaultAllergenFilter{})))
	assert.Equal(t, []string{"Burger", "Fries"}, names(l.FilteredMenu(profile, nil)))
	assert.Equal(t, []string{"Burger", "Satay", "Fries"}, names(l.FilteredMenu(profile, NoFilter{})))

	profile.Allergens = []string{}
	assert.Len(t, l.FilteredMenu(profile, DefaultAllergenFilter{}), 3)
}

func TestPathStore(t *testing.T) {
	r := router.New()
	p := NewPathStore(r)
	updates, cancel := p.Updates.Subscribe(1)

	path := types.Path{{X: 0, Y: 0}, {X: 1.5, Y: 2}}
	deliver(t, r, payload.TypeDrawPath, path)
	assert.Equal(t, path, p.Latest())
	assert.Equal(t, path, <-updates)

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
}

func TestFeed_SlowSubscriberDoesNotBlock(t *testing.T) {
	var f Feed[int]
	ch, cancel := f.Subscribe(1)
	defer cancel()

	f.Publish(1)
	f.Publish(2)
	assert.Equal(t, 1, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestCollection_KindMismatch(t *testing.T) {
	kv := newKV(t)
	orders := newCollection[types.Order](kv, "order")
	require.NoError(t, orders.put("x", types.Order{ID: uuid.New(), Items: []types.OrderItem{}}))

	require.NoError(t, kv.Put("assist/alert/x", mustGet(t, kv, "assist/order/x")))
	alerts := newCollection[types.AlertMessage](kv, "alert")
	_, err := alerts.load()
	assert.Error(t, err)
}

func mustGet(t *testing.T, kv kvstore.KVStore, key string) []byte {
	t.Helper()
	v, err := kv.Get(key)
	require.NoError(t, err)
	return v
}
