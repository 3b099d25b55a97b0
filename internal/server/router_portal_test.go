package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cybershield/portal/internal/auth"
	"github.com/cybershield/portal/internal/database"
	"github.com/cybershield/portal/internal/metrics"
	"github.com/cybershield/portal/internal/orders"
	"github.com/cybershield/portal/internal/otp"
	"github.com/cybershield/portal/internal/realtime"
	"github.com/cybershield/portal/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type portalFixture struct {
	server  *httptest.Server
	db      *gorm.DB
	issuer  *auth.TokenIssuer
	users   *users.Service
	gateway *realtime.Gateway
}

func newPortalFixture(t *testing.T) *portalFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "portal.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "cybershield-auth",
		Audience:      "cybershield-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{Validator: issuer, Metrics: recorder})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	orderService, err := orders.NewService(orders.ServiceConfig{Database: db, Notifier: gateway})
	if err != nil {
		t.Fatalf("failed to create order service: %v", err)
	}
	engine, err := otp.NewEngine(otp.EngineConfig{
		Store:     otp.NewMemoryStore(),
		Generator: func() (string, error) { return "482913", nil },
		Metrics:   recorder,
	})
	if err != nil {
		t.Fatalf("failed to create otp engine: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   issuer,
		OTP:      engine,
		Users:    userService,
		Orders:   orderService,
		Realtime: gateway,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gateway.Shutdown(ctx)
		server.Close()
	})
	return &portalFixture{server: server, db: db, issuer: issuer, users: userService, gateway: gateway}
}

func (fx *portalFixture) createUser(t *testing.T, name, role string) users.User {
	t.Helper()
	user, err := fx.users.Create(context.Background(), users.User{Name: name, Role: role})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func (fx *portalFixture) token(t *testing.T, userID int64, role string) string {
	t.Helper()
	token, _, err := fx.issuer.IssueToken(context.Background(), auth.Principal{UserID: userID, Role: role})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (fx *portalFixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, fx.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()

	decoded := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return response.StatusCode, decoded
}

func (fx *portalFixture) dialAs(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+fx.token(t, userID, auth.RoleUser))
	client, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if message := readFrame(t, client, 2*time.Second); message == nil || message.Type() != realtime.TypeNotification {
		t.Fatalf("expected welcome notification, got %#v", message)
	}
	return client
}

func readFrame(t *testing.T, client *websocket.Conn, wait time.Duration) realtime.Outbound {
	t.Helper()
	if err := client.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}
	_, frame, err := client.ReadMessage()
	if err != nil {
		return nil
	}
	message, ok, err := realtime.DecodeOutbound(frame)
	if err != nil || !ok {
		t.Fatalf("unexpected frame %s: %v", frame, err)
	}
	return message
}

func TestRequestOTPRequiresSession(t *testing.T) {
	fx := newPortalFixture(t)
	status, body := fx.do(t, http.MethodPost, "/api/request-otp", "", map[string]string{"phone": "+15551234567"})
	if status != http.StatusUnauthorized || body["message"] != "Unauthorized" {
		t.Fatalf("expected 401, got %d %v", status, body)
	}
}

func TestRequestOTPRequiresPhone(t *testing.T) {
	fx := newPortalFixture(t)
	user := fx.createUser(t, "Dana", "")
	status, body := fx.do(t, http.MethodPost, "/api/request-otp", fx.token(t, user.ID, auth.RoleUser), map[string]string{"phone": " "})
	if status != http.StatusBadRequest || body["message"] != "Phone number is required" {
		t.Fatalf("expected phone required, got %d %v", status, body)
	}
}

func TestOTPVerificationFlow(t *testing.T) {
	fx := newPortalFixture(t)
	user := fx.createUser(t, "Dana", "")
	token := fx.token(t, user.ID, auth.RoleUser)

	status, body := fx.do(t, http.MethodPost, "/api/request-otp", token, map[string]string{"phone": "+15551234567"})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", status, body)
	}
	if body["message"] != "OTP sent to your phone (development mode)" || body["code"] != "482913" {
		t.Fatalf("expected fallback disclosure, got %v", body)
	}
	if _, ok := body["expiresAt"].(string); !ok {
		t.Fatalf("expected expiresAt timestamp, got %v", body["expiresAt"])
	}

	status, body = fx.do(t, http.MethodPost, "/api/verify-otp", token, map[string]string{"phone": "+15551234567", "code": "000000"})
	if status != http.StatusBadRequest || body["message"] != "Invalid or expired OTP code" {
		t.Fatalf("expected mismatch rejection, got %d %v", status, body)
	}

	status, body = fx.do(t, http.MethodPost, "/api/verify-otp", token, map[string]string{"phone": "+15551234567", "code": "482913"})
	if status != http.StatusOK || body["message"] != "Phone verified successfully" || body["verified"] != true {
		t.Fatalf("expected verification success, got %d %v", status, body)
	}

	reloaded, err := fx.users.Get(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if !reloaded.Verified || reloaded.Phone != "+15551234567" {
		t.Fatalf("expected verified user, got %#v", reloaded)
	}
}

func TestVerifyOTPValidatesInput(t *testing.T) {
	fx := newPortalFixture(t)
	token := fx.token(t, 1, auth.RoleUser)

	cases := []struct {
		payload map[string]string
		message string
	}{
		{payload: map[string]string{"phone": "call me", "code": "123456"}, message: "Invalid phone number format"},
		{payload: map[string]string{"phone": "+1 (555) 123-4567", "code": "12345"}, message: "OTP code must be 6 characters"},
	}
	for _, testCase := range cases {
		status, body := fx.do(t, http.MethodPost, "/api/verify-otp", token, testCase.payload)
		if status != http.StatusBadRequest || body["message"] != testCase.message {
			t.Fatalf("expected %q, got %d %v", testCase.message, status, body)
		}
	}
}

func TestVerifyOTPUnknownUserKeepsCode(t *testing.T) {
	fx := newPortalFixture(t)
	token := fx.token(t, 999, auth.RoleUser)

	if status, body := fx.do(t, http.MethodPost, "/api/request-otp", token, map[string]string{"phone": "+15551234567"}); status != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", status, body)
	}
	status, body := fx.do(t, http.MethodPost, "/api/verify-otp", token, map[string]string{"phone": "+15551234567", "code": "482913"})
	if status != http.StatusNotFound || body["message"] != "User not found" {
		t.Fatalf("expected 404, got %d %v", status, body)
	}

	if err := fx.db.Create(&users.User{ID: 999, Name: "Late Signup", Role: auth.RoleUser}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	status, body = fx.do(t, http.MethodPost, "/api/verify-otp", token, map[string]string{"phone": "+15551234567", "code": "482913"})
	if status != http.StatusOK || body["verified"] != true {
		t.Fatalf("expected the code to survive the failed verification, got %d %v", status, body)
	}
}

func TestAPIRejectsQueryToken(t *testing.T) {
	fx := newPortalFixture(t)
	user := fx.createUser(t, "Dana", "")
	path := "/api/request-otp?access_token=" + fx.token(t, user.ID, auth.RoleUser)

	status, body := fx.do(t, http.MethodPost, path, "", map[string]string{"phone": "+15551234567"})
	if status != http.StatusUnauthorized || body["message"] != "Unauthorized" {
		t.Fatalf("expected query tokens to be refused on the api, got %d %v", status, body)
	}
}

func TestAdminOrderStatusPushesToOwner(t *testing.T) {
	fx := newPortalFixture(t)
	owner := fx.createUser(t, "Owner", "")
	other := fx.createUser(t, "Other", "")
	admin := fx.createUser(t, "Admin", auth.RoleAdmin)

	order := orders.Order{ID: 42, UserID: owner.ID, ServiceName: "Penetration Test", Status: orders.StatusPending}
	if err := fx.db.Create(&order).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}

	ownerSocket := fx.dialAs(t, owner.ID)
	otherSocket := fx.dialAs(t, other.ID)

	status, body := fx.do(t, http.MethodPatch, "/api/admin/orders/42/status", fx.token(t, admin.ID, auth.RoleAdmin), map[string]string{"status": "In Progress"})
	if status != http.StatusOK || body["status"] != "In Progress" {
		t.Fatalf("expected updated order, got %d %v", status, body)
	}

	message := readFrame(t, ownerSocket, 2*time.Second)
	update, ok := message.(realtime.OrderUpdate)
	if !ok || update.OrderID != 42 || update.Status != "In Progress" {
		t.Fatalf("expected order update for #42, got %#v", message)
	}
	if extra := readFrame(t, ownerSocket, 150*time.Millisecond); extra != nil {
		t.Fatalf("expected exactly one message for the owner, got extra %#v", extra)
	}
	if leaked := readFrame(t, otherSocket, 150*time.Millisecond); leaked != nil {
		t.Fatalf("expected other user to receive nothing, got %#v", leaked)
	}
}

func TestAdminOrderStatusValidation(t *testing.T) {
	fx := newPortalFixture(t)
	owner := fx.createUser(t, "Owner", "")
	adminToken := fx.token(t, 100, auth.RoleAdmin)

	if status, _ := fx.do(t, http.MethodPatch, "/api/admin/orders/1/status", fx.token(t, owner.ID, auth.RoleUser), map[string]string{"status": "Completed"}); status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", status)
	}
	if status, _ := fx.do(t, http.MethodPatch, "/api/admin/orders/abc/status", adminToken, map[string]string{"status": "Completed"}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid id, got %d", status)
	}
	if status, _ := fx.do(t, http.MethodPatch, "/api/admin/orders/1/status", adminToken, map[string]string{"status": "Shipped"}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", status)
	}
	if status, _ := fx.do(t, http.MethodPatch, "/api/admin/orders/77/status", adminToken, map[string]string{"status": "Completed"}); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", status)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	fx := newPortalFixture(t)

	status, body := fx.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", status, body)
	}

	fx.dialAs(t, 5)
	response, err := http.Get(fx.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer response.Body.Close()
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(buffer.String(), "realtime_connections 1") {
		t.Fatalf("expected realtime connection gauge, got %s", buffer.String())
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatal("expected missing dependencies to be rejected")
	}
}
