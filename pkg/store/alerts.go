package store

import (
	"slices"
	"sync"

	"github.com/luxfi/assist/pkg/kvstore"
	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/types"
)

// AlertInbox collects help alerts sent by customers, newest last.
type AlertInbox struct {
	mu     sync.RWMutex
	alerts []types.AlertMessage
	stored *collection[types.AlertMessage]

	Updates Feed[types.AlertMessage]
}

func NewAlertInbox(r *router.Router, kv kvstore.KVStore) (*AlertInbox, error) {
	a := &AlertInbox{stored: newCollection[types.AlertMessage](kv, "alert")}
	alerts, err := a.stored.load()
	if err != nil {
		return nil, err
	}
	a.alerts = alerts
	r.OnAlertMessage(a.receive)
	return a, nil
}

func (a *AlertInbox) receive(msg types.AlertMessage) {
	if err := a.stored.put(msg.ID.String(), msg); err != nil {
		logger.Error("Failed to persist alert", err, "alert_id", msg.ID)
	}
	a.mu.Lock()
	a.alerts = append(a.alerts, msg)
	a.mu.Unlock()

	logger.Info("Alert received", "alert_id", msg.ID, "content", msg.Content)
	a.Updates.Publish(msg)
}

func (a *AlertInbox) Alerts() []types.AlertMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.alerts)
}

func (a *AlertInbox) Clear() error {
	a.mu.Lock()
	a.alerts = nil
	a.mu.Unlock()
	return a.stored.clear()
}
