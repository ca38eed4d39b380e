package types

import (
	"encoding/json"

	"github.com/google/uuid"
)

type OrderItem struct {
	ID                  uuid.UUID `json:"id"`
	MenuItem            FoodItem  `json:"menuItem"`
	Quantity            int       `json:"quantity"`
	SelectedIngredients []string  `json:"selectedIngredients"`
}

func (i OrderItem) MarshalJSON() ([]byte, error) {
	type plain OrderItem
	p := plain(i)
	p.SelectedIngredients = orEmpty(p.SelectedIngredients)
	return json.Marshal(p)
}

// RemovedIngredients lists ingredients of the menu item the customer left out.
func (i OrderItem) RemovedIngredients() []string {
	var removed []string
	for _, ing := range i.MenuItem.Ingredients {
		keep := false
		for _, sel := range i.SelectedIngredients {
			if sel == ing {
				keep = true
				break
			}
		}
		if !keep {
			removed = append(removed, ing)
		}
	}
	return removed
}

type Order struct {
	ID           uuid.UUID   `json:"id"`
	Items        []OrderItem `json:"items"`
	Timestamp    Timestamp   `json:"timestamp"`
	CustomerName *string     `json:"customerName,omitempty"`
	TableName    *string     `json:"tableName,omitempty"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	p := plain(o)
	p.Items = orEmpty(p.Items)
	return json.Marshal(p)
}

func (o Order) Validate() error {
	if o.ID == uuid.Nil {
		return invalid("order without id")
	}
	if o.Items == nil {
		return invalid("order items missing")
	}
	for _, it := range o.Items {
		if it.Quantity <= 0 {
			return invalid("order item %q has quantity %d", it.MenuItem.Name, it.Quantity)
		}
	}
	return nil
}

// Total is the summed price of all items.
func (o Order) Total() float64 {
	var total float64
	for _, it := range o.Items {
		total += it.MenuItem.Price * float64(it.Quantity)
	}
	return total
}
