package bridge

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/types"
)

type fakeConn struct {
	published []*nats.Msg
	handlers  map[string]nats.MsgHandler
	pubErr    error
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	c.published = append(c.published, m)
	return c.pubErr
}

func (c *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if c.handlers == nil {
		c.handlers = make(map[string]nats.MsgHandler)
	}
	c.handlers[subj] = cb
	return nil, nil
}

type sent struct {
	t     payload.MessageType
	model any
}

type fakeSender struct {
	sent []sent
	err  error
}

func (s *fakeSender) Send(t payload.MessageType, model any) error {
	s.sent = append(s.sent, sent{t, model})
	return s.err
}

func TestMirrorPublishesDecodedPayloads(t *testing.T) {
	conn := &fakeConn{}
	b := New(conn, "AssistiveApp", "Kitchen")
	r := router.New()
	b.Mirror(r)

	alert := types.NewAlert("Table 3 needs help", nil)
	data, err := payload.Encode(payload.TypeAlertMessage, alert)
	require.NoError(t, err)
	r.HandleBytes(data)
	r.HandleBytes([]byte("not an envelope"))

	require.Len(t, conn.published, 1)
	msg := conn.published[0]
	assert.Equal(t, "assist.assistiveapp.out.alertMessage", msg.Subject)
	assert.Equal(t, "Kitchen", msg.Header.Get(HeaderDevice))
	assert.Equal(t, "alertMessage", msg.Header.Get(HeaderType))

	var got types.AlertMessage
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, alert.ID, got.ID)
}

func TestMirrorPublishErrorDoesNotStopRouting(t *testing.T) {
	conn := &fakeConn{pubErr: errors.New("disconnected")}
	b := New(conn, "assistiveapp", "Kitchen")
	r := router.New()
	b.Mirror(r)

	var calls int
	r.OnDrawPath(func(types.Path) { calls++ })
	data, err := payload.Encode(payload.TypeDrawPath, types.Path{{X: 1, Y: 1}})
	require.NoError(t, err)
	r.HandleBytes(data)

	assert.Equal(t, 1, calls)
}

func TestRelaySendsValidModels(t *testing.T) {
	conn := &fakeConn{}
	b := New(conn, "assistiveapp", "Host")
	s := &fakeSender{}
	require.NoError(t, b.Relay(s))
	defer b.Close()

	require.Len(t, conn.handlers, len(payload.AllTypes()))
	assert.Contains(t, conn.handlers, "assist.assistiveapp.in.menuData")
	assert.NotContains(t, conn.handlers, "assist.assistiveapp.out.menuData")
	handler := conn.handlers[b.InboundSubject(payload.TypeMenuData)]
	require.NotNil(t, handler)

	menu := types.MenuData{LocationID: "l1", LocationName: "Diner", Categories: []types.MenuCategory{}}
	body, err := json.Marshal(menu)
	require.NoError(t, err)
	handler(&nats.Msg{Data: body})
	handler(&nats.Msg{Data: []byte(`{"locationName":"missing id"}`)})

	require.Len(t, s.sent, 1)
	assert.Equal(t, payload.TypeMenuData, s.sent[0].t)
	assert.Equal(t, "Diner", s.sent[0].model.(types.MenuData).LocationName)
}

func TestSubjects(t *testing.T) {
	b := New(&fakeConn{}, "svc", "d")
	assert.Equal(t, "assist.svc.out.order", b.OutboundSubject(payload.TypeOrder))
	assert.Equal(t, "assist.svc.in.navigationData", b.InboundSubject(payload.TypeNavigationData))
}
