package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ReachLevel is how far the customer can reach from a seated position.
type ReachLevel string

const (
	ReachNone     ReachLevel = "No Reach"
	ReachLimited  ReachLevel = "Less than 1 foot"
	ReachModerate ReachLevel = "Up to 2 feet"
	ReachExtended ReachLevel = "Up to 1 meter"
)

var reachLevels = map[ReachLevel]float64{
	ReachNone:     0.0,
	ReachLimited:  0.3,
	ReachModerate: 0.6,
	ReachExtended: 1.0,
}

// ApproxDistanceMeters returns the reach in meters, 0 for unknown levels.
func (r ReachLevel) ApproxDistanceMeters() float64 {
	return reachLevels[r]
}

func (r ReachLevel) Valid() bool {
	_, ok := reachLevels[r]
	return ok
}

func (r *ReachLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !ReachLevel(s).Valid() {
		return fmt.Errorf("%w: unknown reach level %q", ErrInvalidModel, s)
	}
	*r = ReachLevel(s)
	return nil
}

type MobilityProfile struct {
	ID                      uuid.UUID  `json:"id"`
	Name                    string     `json:"name"`
	ProfileImage            []byte     `json:"profileImage"`
	WheelchairUser          bool       `json:"wheelchairUser"`
	MaxTravelDistanceMeters float64    `json:"maxTravelDistanceMeters"`
	ReachLevel              ReachLevel `json:"reachLevel"`
	RequiresAssistance      bool       `json:"requiresAssistance"`
	Allergens               []string   `json:"allergens"`
	Notes                   *string    `json:"notes,omitempty"`
	LastUpdated             Timestamp  `json:"lastUpdated"`
}

// NewMobilityProfile returns a profile with the app defaults.
func NewMobilityProfile(name string) MobilityProfile {
	return MobilityProfile{
		ID:                      uuid.New(),
		Name:                    name,
		MaxTravelDistanceMeters: 15.0,
		ReachLevel:              ReachModerate,
		Allergens:               []string{},
		LastUpdated:             Now(),
	}
}

func (p MobilityProfile) MarshalJSON() ([]byte, error) {
	type plain MobilityProfile
	v := plain(p)
	v.Allergens = orEmpty(v.Allergens)
	return json.Marshal(v)
}

func (p MobilityProfile) Validate() error {
	if p.ID == uuid.Nil {
		return invalid("mobility profile without id")
	}
	if !p.ReachLevel.Valid() {
		return invalid("mobility profile reach level %q", p.ReachLevel)
	}
	if p.MaxTravelDistanceMeters < 0 {
		return invalid("negative travel distance")
	}
	if p.Allergens == nil {
		return invalid("mobility profile allergens missing")
	}
	return nil
}
