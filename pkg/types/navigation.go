package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type LocationCategory string

const (
	CategoryRestroom        LocationCategory = "restroom"
	CategoryTable           LocationCategory = "table"
	CategoryCustomerStation LocationCategory = "customerStation"
	CategoryOther           LocationCategory = "other"
)

var categoryNames = map[LocationCategory]string{
	CategoryRestroom:        "Restrooms",
	CategoryTable:           "Tables",
	CategoryCustomerStation: "Customer Stations",
	CategoryOther:           "Other",
}

func (c LocationCategory) DisplayName() string { return categoryNames[c] }

func (c LocationCategory) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

func (c *LocationCategory) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !LocationCategory(s).Valid() {
		return fmt.Errorf("%w: unknown location category %q", ErrInvalidModel, s)
	}
	*c = LocationCategory(s)
	return nil
}

// NavigationRequestType is what a customer asks staff to show them.
type NavigationRequestType string

const (
	RequestTable           NavigationRequestType = "table"
	RequestRestroom        NavigationRequestType = "restroom"
	RequestCustomerStation NavigationRequestType = "customerStation"
)

func (r NavigationRequestType) Label() string {
	switch r {
	case RequestTable:
		return "Display Table Location"
	case RequestRestroom:
		return "Display Restroom Location"
	case RequestCustomerStation:
		return "Customer Station"
	}
	return string(r)
}

// Category maps a request onto the asset category that answers it.
func (r NavigationRequestType) Category() (LocationCategory, bool) {
	switch r {
	case RequestTable:
		return CategoryTable, true
	case RequestRestroom:
		return CategoryRestroom, true
	case RequestCustomerStation:
		return CategoryCustomerStation, true
	}
	return "", false
}

type NavigationHelpRequest struct {
	RequestType string `json:"requestType"`
	TargetName  string `json:"targetName"`
}

func (r NavigationHelpRequest) Validate() error {
	if r.RequestType == "" {
		return invalid("navigation request without type")
	}
	return nil
}

type NavigationAssetDTO struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	Category  LocationCategory `json:"category"`
	ImageData []byte           `json:"imageData"`
}

func NewNavigationAsset(name string, category LocationCategory, image []byte) NavigationAssetDTO {
	return NavigationAssetDTO{ID: uuid.New(), Name: name, Category: category, ImageData: image}
}

func (a NavigationAssetDTO) Validate() error {
	if a.ID == uuid.Nil {
		return invalid("navigation asset without id")
	}
	if !a.Category.Valid() {
		return invalid("navigation asset category %q", a.Category)
	}
	return nil
}

type NavigationDataPayload struct {
	Assets        []NavigationAssetDTO `json:"assets"`
	FloorPlanData []byte               `json:"floorPlanData"`
}

func (p NavigationDataPayload) MarshalJSON() ([]byte, error) {
	type plain NavigationDataPayload
	v := plain(p)
	v.Assets = orEmpty(v.Assets)
	return json.Marshal(v)
}

func (p NavigationDataPayload) Validate() error {
	if p.Assets == nil {
		return invalid("navigation payload assets missing")
	}
	for _, a := range p.Assets {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}
