package store

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/luxfi/assist/pkg/kvstore"
	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/types"
)

var ErrEmptyCart = errors.New("store: cart is empty")

// OrderManager keeps the orders staff received and the cart a customer is
// building.
type OrderManager struct {
	mu       sync.RWMutex
	received []types.Order
	cart     []types.OrderItem
	orders   *collection[types.Order]

	Updates Feed[[]types.Order]
}

// NewOrderManager loads persisted orders and subscribes to incoming ones.
func NewOrderManager(r *router.Router, kv kvstore.KVStore) (*OrderManager, error) {
	m := &OrderManager{orders: newCollection[types.Order](kv, "order")}
	received, err := m.orders.load()
	if err != nil {
		return nil, err
	}
	m.received = received
	r.OnOrder(m.receive)
	return m, nil
}

func (m *OrderManager) receive(o types.Order) {
	if err := m.orders.put(o.ID.String(), o); err != nil {
		logger.Error("Failed to persist order", err, "order_id", o.ID)
	}

	m.mu.Lock()
	m.received = append(lo.Reject(m.received, func(x types.Order, _ int) bool { return x.ID == o.ID }), o)
	snapshot := slices.Clone(m.received)
	m.mu.Unlock()

	logger.Info("Order received", "order_id", o.ID, "items", len(o.Items), "total", o.Total())
	m.Updates.Publish(snapshot)
}

// Orders returns received orders, oldest first.
func (m *OrderManager) Orders() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.received)
}

// Remove drops a received order, typically once it has been served.
func (m *OrderManager) Remove(id uuid.UUID) bool {
	m.mu.Lock()
	n := len(m.received)
	m.received = lo.Reject(m.received, func(x types.Order, _ int) bool { return x.ID == id })
	removed := len(m.received) != n
	snapshot := slices.Clone(m.received)
	m.mu.Unlock()

	if !removed {
		return false
	}
	if err := m.orders.delete(id.String()); err != nil {
		logger.Error("Failed to delete order", err, "order_id", id)
	}
	m.Updates.Publish(snapshot)
	return true
}

// AddOrStack adds item to the cart. An item with the same menu item and the
// same ingredient selection is stacked by raising its quantity.
func (m *OrderManager) AddOrStack(item types.OrderItem, quantity int) {
	if quantity <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.cart {
		if m.cart[i].MenuItem.Name == item.MenuItem.Name && sameIngredients(m.cart[i].SelectedIngredients, item.SelectedIngredients) {
			m.cart[i].Quantity += quantity
			return
		}
	}
	selected := item.SelectedIngredients
	if selected == nil {
		selected = []string{}
	}
	m.cart = append(m.cart, types.OrderItem{
		ID:                  uuid.New(),
		MenuItem:            item.MenuItem,
		Quantity:            quantity,
		SelectedIngredients: selected,
	})
}

func sameIngredients(a, b []string) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

func (m *OrderManager) Cart() []types.OrderItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.cart)
}

func (m *OrderManager) ClearCart() {
	m.mu.Lock()
	m.cart = nil
	m.mu.Unlock()
}

// Checkout turns the cart into an order and empties it.
func (m *OrderManager) Checkout(customerName, tableName *string) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cart) == 0 {
		return types.Order{}, ErrEmptyCart
	}
	o := types.Order{
		ID:           uuid.New(),
		Items:        m.cart,
		Timestamp:    types.Now(),
		CustomerName: customerName,
		TableName:    tableName,
	}
	m.cart = nil
	return o, nil
}
