package types

import (
	"encoding/json"
	"strings"
)

type MenuData struct {
	LocationID   string         `json:"locationID"`
	LocationName string         `json:"locationName"`
	Categories   []MenuCategory `json:"categories"`
}

type MenuCategory struct {
	Name  string     `json:"name"`
	Items []FoodItem `json:"items"`
}

type FoodItem struct {
	Name              string   `json:"name"`
	Description       *string  `json:"description,omitempty"`
	Price             float64  `json:"price"`
	Allergens         []string `json:"allergens"`
	ImageURL          *string  `json:"imageURL,omitempty"`
	Ingredients       []string `json:"ingredients"`
	AccessibilityInfo *string  `json:"accessibilityInfo,omitempty"`
}

func (m MenuData) MarshalJSON() ([]byte, error) {
	type plain MenuData
	p := plain(m)
	p.Categories = orEmpty(p.Categories)
	return json.Marshal(p)
}

func (c MenuCategory) MarshalJSON() ([]byte, error) {
	type plain MenuCategory
	p := plain(c)
	p.Items = orEmpty(p.Items)
	return json.Marshal(p)
}

func (f FoodItem) MarshalJSON() ([]byte, error) {
	type plain FoodItem
	p := plain(f)
	p.Allergens = orEmpty(p.Allergens)
	p.Ingredients = orEmpty(p.Ingredients)
	return json.Marshal(p)
}

// ID is the item name; menus do not carry separate item ids.
func (f FoodItem) ID() string { return f.Name }

// ContainsAllergen reports whether the item lists allergen, ignoring case.
func (f FoodItem) ContainsAllergen(allergen string) bool {
	for _, a := range f.Allergens {
		if strings.EqualFold(a, allergen) {
			return true
		}
	}
	return false
}

func (m MenuData) Validate() error {
	if m.LocationID == "" {
		return invalid("menu without location id")
	}
	if m.Categories == nil {
		return invalid("menu categories missing")
	}
	for _, c := range m.Categories {
		if c.Items == nil {
			return invalid("menu category %q without items", c.Name)
		}
		for _, it := range c.Items {
			if it.Name == "" {
				return invalid("menu category %q has an unnamed item", c.Name)
			}
			if it.Price < 0 {
				return invalid("item %q has a negative price", it.Name)
			}
		}
	}
	return nil
}

// Items flattens every category into one list.
func (m MenuData) Items() []FoodItem {
	var out []FoodItem
	for _, c := range m.Categories {
		out = append(out, c.Items...)
	}
	return out
}
