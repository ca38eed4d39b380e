package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/store"
	"github.com/luxfi/assist/pkg/transport"
	"github.com/luxfi/assist/pkg/types"
)

type fakeController struct {
	role        transport.Role
	started     bool
	retries     int
	retryNeeded bool
	sent        []payload.MessageType
	err         error
}

func (c *fakeController) Role() transport.Role { return c.role }
func (c *fakeController) Started() bool        { return c.started }
func (c *fakeController) SetRole(r transport.Role) error {
	c.role = r
	c.started = c.err == nil
	return c.err
}
func (c *fakeController) Retry() error {
	c.retries++
	if c.err == nil {
		c.retryNeeded = false
	}
	return c.err
}
func (c *fakeController) RetryNeeded() bool { return c.retryNeeded }
func (c *fakeController) Send(t payload.MessageType, _ any) error {
	c.sent = append(c.sent, t)
	return c.err
}

type fakePeers struct {
	peers []transport.Peer
}

func (p *fakePeers) ConnectedPeers() []transport.Peer { return p.peers }
func (p *fakePeers) State() transport.SessionState {
	if len(p.peers) > 0 {
		return transport.Connected
	}
	return transport.Browsing
}

type testEnv struct {
	srv    *Server
	ctrl   *fakeController
	router *router.Router
	orders *store.OrderManager
	desk   *store.NavigationDesk
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	r := router.New()
	orders, err := store.NewOrderManager(r, nil)
	if err != nil {
		t.Fatalf("NewOrderManager: %v", err)
	}
	alerts, err := store.NewAlertInbox(r, nil)
	if err != nil {
		t.Fatalf("NewAlertInbox: %v", err)
	}
	desk, err := store.NewNavigationDesk(r, nil)
	if err != nil {
		t.Fatalf("NewNavigationDesk: %v", err)
	}
	ctrl := &fakeController{role: transport.RoleStaff, started: true}
	peers := &fakePeers{peers: []transport.Peer{{InstanceID: uuid.New(), DisplayName: "Ada-User", Role: transport.RoleUser}}}

	srv := NewServer(Options{
		Secret:     secret,
		Controller: ctrl,
		Peers:      peers,
		Router:     r,
		Orders:     orders,
		Alerts:     alerts,
		Navigation: desk,
	})
	return &testEnv{srv: srv, ctrl: ctrl, router: r, orders: orders, desk: desk}
}

func (e *testEnv) do(method, path string, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestStatusAndPeers(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodGet, "/api/v1/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["role"] != "staff" || status["state"] != "connected" || status["peers"] != float64(1) {
		t.Errorf("unexpected status %v", status)
	}

	if status["retry_needed"] != false {
		t.Errorf("retry_needed = %v, want false", status["retry_needed"])
	}

	rec = env.do(http.MethodGet, "/api/v1/peers", nil, "")
	var peers []transport.Peer
	if err := json.NewDecoder(rec.Body).Decode(&peers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(peers) != 1 || peers[0].Role != transport.RoleUser {
		t.Errorf("peers = %v", peers)
	}
}

func TestOrdersListAndDelete(t *testing.T) {
	env := newTestEnv(t, "")
	order := types.Order{ID: uuid.New(), Items: []types.OrderItem{}, Timestamp: types.Now()}
	data, err := payload.Encode(payload.TypeOrder, order)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env.router.HandleBytes(data)

	rec := env.do(http.MethodGet, "/api/v1/orders", nil, "")
	var orders []types.Order
	if err := json.NewDecoder(rec.Body).Decode(&orders); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != order.ID {
		t.Fatalf("orders = %v", orders)
	}

	if rec := env.do(http.MethodDelete, "/api/v1/orders/"+order.ID.String(), nil, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/orders/"+order.ID.String(), nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/orders/not-a-uuid", nil, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
}

func TestStatusReportsRetryNeeded(t *testing.T) {
	env := newTestEnv(t, "")
	env.ctrl.retryNeeded = true

	retryNeeded := func() any {
		rec := env.do(http.MethodGet, "/api/v1/status", nil, "")
		var status map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return status["retry_needed"]
	}
	if got := retryNeeded(); got != true {
		t.Fatalf("retry_needed = %v, want true", got)
	}
	if rec := env.do(http.MethodPost, "/api/v1/retry", nil, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d", rec.Code)
	}
	if got := retryNeeded(); got != false {
		t.Errorf("retry_needed after retry = %v, want false", got)
	}
}

func TestSetRoleAndRetry(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/api/v1/role", []byte(`{"role":"user"}`), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if env.ctrl.role != transport.RoleUser {
		t.Errorf("role = %v", env.ctrl.role)
	}

	if rec := env.do(http.MethodPost, "/api/v1/role", []byte(`{"role":"chef"}`), ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown role status = %d", rec.Code)
	}

	if rec := env.do(http.MethodPost, "/api/v1/retry", nil, ""); rec.Code != http.StatusAccepted {
		t.Errorf("retry status = %d", rec.Code)
	}
	if env.ctrl.retries != 1 {
		t.Errorf("retries = %d", env.ctrl.retries)
	}
}

func TestSendValidatesModel(t *testing.T) {
	env := newTestEnv(t, "")

	alert, _ := json.Marshal(types.NewAlert("Need help", nil))
	if rec := env.do(http.MethodPost, "/api/v1/send/alertMessage", alert, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(env.ctrl.sent) != 1 || env.ctrl.sent[0] != payload.TypeAlertMessage {
		t.Errorf("sent = %v", env.ctrl.sent)
	}

	if rec := env.do(http.MethodPost, "/api/v1/send/alertMessage", []byte(`{"content":1}`), ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/v1/send/telepathy", alert, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown type status = %d", rec.Code)
	}
}

func TestNavigationRespondSendsAssets(t *testing.T) {
	env := newTestEnv(t, "")
	if err := env.desk.AddAsset(types.NewNavigationAsset("Restroom", types.CategoryRestroom, nil)); err != nil {
		t.Fatalf("AddAsset: %v", err)
	}

	body := []byte(`{"requestType":"restroom","targetName":""}`)
	rec := env.do(http.MethodPost, "/api/v1/navigation/respond", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(env.ctrl.sent) != 1 || env.ctrl.sent[0] != payload.TypeNavigationData {
		t.Errorf("sent = %v", env.ctrl.sent)
	}

	body = []byte(`{"requestType":"kitchen","targetName":""}`)
	if rec := env.do(http.MethodPost, "/api/v1/navigation/respond", body, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown request status = %d", rec.Code)
	}
}

func TestAuthRequiredWithSecret(t *testing.T) {
	env := newTestEnv(t, "console-secret")

	if rec := env.do(http.MethodGet, "/api/v1/status", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("read status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/v1/retry", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d", rec.Code)
	}

	bad, err := GenerateToken("other-secret", "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if rec := env.do(http.MethodPost, "/api/v1/retry", nil, bad); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", rec.Code)
	}

	expired, err := GenerateToken("console-secret", "ops", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if rec := env.do(http.MethodPost, "/api/v1/retry", nil, expired); rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token status = %d", rec.Code)
	}

	good, err := GenerateToken("console-secret", "ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if rec := env.do(http.MethodPost, "/api/v1/retry", nil, good); rec.Code != http.StatusAccepted {
		t.Errorf("good token status = %d", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.allow("b") {
		t.Error("other clients are independent")
	}
	now = now.Add(time.Minute)
	if !rl.allow("a") {
		t.Error("window should reset")
	}
}
