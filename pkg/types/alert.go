package types

import "github.com/google/uuid"

// AlertMessage is a help request raised by a customer for staff.
type AlertMessage struct {
	ID           uuid.UUID           `json:"id"`
	Content      string              `json:"content"`
	Location     *NavigationAssetDTO `json:"location,omitempty"`
	CustomerName *string             `json:"customerName,omitempty"`
	Timestamp    Timestamp           `json:"timestamp"`
}

func NewAlert(content string, customer *string) AlertMessage {
	return AlertMessage{ID: uuid.New(), Content: content, CustomerName: customer, Timestamp: Now()}
}

func (a AlertMessage) Validate() error {
	if a.ID == uuid.Nil {
		return invalid("alert without id")
	}
	if a.Location != nil {
		return a.Location.Validate()
	}
	return nil
}
