package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malwarebo/mentorpay/middleware"
	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/security"
	"github.com/malwarebo/mentorpay/services"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

type fakePayments struct {
	result    *services.PaymentWebhookResult
	err       error
	signature string
	payload   string
}

func (f *fakePayments) HandleEvent(_ context.Context, payload []byte, signature string) (*services.PaymentWebhookResult, error) {
	f.payload = string(payload)
	f.signature = signature
	return f.result, f.err
}

type fakeScheduling struct {
	result *services.SchedulingWebhookResult
	err    error
}

func (f *fakeScheduling) HandleEvent(context.Context, []byte, string) (*services.SchedulingWebhookResult, error) {
	return f.result, f.err
}

type fakeSagas struct {
	stuck      []*models.StuckSaga
	resumeErr  error
	lastAction services.ResumeAction
	lastLimit  int
}

func (f *fakeSagas) ListStuck(_ context.Context, limit int) ([]*models.StuckSaga, error) {
	f.lastLimit = limit
	return f.stuck, nil
}

func (f *fakeSagas) Resume(_ context.Context, _ string, action services.ResumeAction) error {
	f.lastAction = action
	return f.resumeErr
}

type fakeIntegrations struct {
	summary *models.IntegrationSummary
	err     error
}

func (f *fakeIntegrations) GetIntegration(context.Context, string) (*models.IntegrationSummary, error) {
	return f.summary, f.err
}

type pingFunc func(ctx context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

type testServer struct {
	payments     *fakePayments
	scheduling   *fakeScheduling
	sagas        *fakeSagas
	integrations *fakeIntegrations
	jwt          *security.JWTManager
	router       http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		payments:     &fakePayments{},
		scheduling:   &fakeScheduling{},
		sagas:        &fakeSagas{},
		integrations: &fakeIntegrations{},
		jwt:          security.CreateJWTManager("router-test-secret", "mentorpay", "mentorpay-admin"),
	}
	s.router = NewRouter(RouterConfig{
		Webhooks: CreateWebhookHandler(s.payments, s.scheduling),
		Admin:    CreateAdminHandler(s.sagas, s.integrations),
		Health: CreateHealthHandler(map[string]Pinger{
			"database": pingFunc(func(context.Context) error { return nil }),
		}),
		Auth:         middleware.CreateAuthMiddleware(s.jwt, security.RoleAdmin),
		MaxBodyBytes: 1024,
	})
	return s
}

func (s *testServer) adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	token, err := s.jwt.GenerateToken("ops@example.com", roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestStripeWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "processed", status: http.StatusOK},
		{name: "bad signature", err: utils.AuthenticationFailure("stripe.verify", errors.New("mismatch")), status: http.StatusUnauthorized},
		{name: "bad metadata", err: utils.ValidationFailure("stripe.checkout", "metadata.mentor_id is required"), status: http.StatusBadRequest},
		{name: "store down", err: utils.TransientFailure("payments.insert", errors.New("connection reset")), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.payments.result = &services.PaymentWebhookResult{EventID: "evt_1", EventType: "checkout.session.completed", Dispatched: true}
			s.payments.err = tt.err

			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			w := s.do(req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "t=1,v1=abc", s.payments.signature)
			assert.Equal(t, `{"id":"evt_1"}`, s.payments.payload)
			assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
			if tt.status == http.StatusOK {
				assert.Equal(t, true, decodeBody(t, w)["received"])
			}
		})
	}
}

func TestStripeWebhook_TransientDetailsAreNotEchoed(t *testing.T) {
	s := newTestServer(t)
	s.payments.err = utils.TransientFailure("payments.insert", errors.New("password authentication failed for user mentorpay"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "sig")
	w := s.do(req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, s.payments.payload)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(strings.Repeat("x", 2048)))
	req.Header.Set("Stripe-Signature", "sig")

	w := s.do(req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSchedulingWebhook_CreatedVersusReplay(t *testing.T) {
	s := newTestServer(t)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/scheduling", strings.NewReader(`{}`))
		req.Header.Set("X-Cal-Signature-256", "deadbeef")
		return s.do(req)
	}

	s.scheduling.result = &services.SchedulingWebhookResult{TriggerEvent: "BOOKING_CREATED", Created: true, Status: models.BookingStatusConfirmed}
	assert.Equal(t, http.StatusCreated, send().Code)

	s.scheduling.result = &services.SchedulingWebhookResult{TriggerEvent: "BOOKING_CREATED", Status: models.BookingStatusConfirmed}
	assert.Equal(t, http.StatusOK, send().Code)

	s.scheduling.err = utils.InvariantViolation("booking.transition", "cannot move CANCELLED to REJECTED")
	w := send()
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invariant_violation", decodeBody(t, w)["kind"])
}

func TestAdmin_RequiresAdminToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/sagas/stuck", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sagas/stuck", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, s.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/sagas/stuck", nil)
	req.Header.Set("Authorization", s.adminToken(t, "support"))
	assert.Equal(t, http.StatusForbidden, s.do(req).Code)
}

func TestAdmin_ListStuckSagas(t *testing.T) {
	s := newTestServer(t)
	s.sagas.stuck = []*models.StuckSaga{{PaymentID: "pay_1", MentorID: "mentor_1", LastStep: "BOOKING_ATTEMPTED"}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/sagas/stuck?limit=5000", nil)
	req.Header.Set("Authorization", s.adminToken(t, security.RoleAdmin))
	w := s.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp StuckSagasResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "pay_1", resp.Sagas[0].PaymentID)
	assert.Equal(t, maxPageLimit, s.sagas.lastLimit)
}

func TestAdmin_ResumeOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		outcome string
	}{
		{name: "booked", status: http.StatusOK, outcome: "booked"},
		{name: "refunded", err: services.ErrBookingRefunded, status: http.StatusOK, outcome: "refunded"},
		{name: "unknown payment", err: utils.TransientFailure("reconcile.load", stores.ErrNotFound), status: http.StatusNotFound},
		{name: "in flight", err: utils.TransientFailure("reconcile.resume", services.ErrBookingInFlight), status: http.StatusConflict},
		{name: "nothing to do", err: utils.InvariantViolation("reconcile.resume", "payment needs no reconciliation"), status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.sagas.resumeErr = tt.err

			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sagas/pay_1/resume", strings.NewReader(`{"action":"refund"}`))
			req.Header.Set("Authorization", s.adminToken(t, security.RoleAdmin))
			w := s.do(req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, services.ResumeRefund, s.sagas.lastAction)
			if tt.outcome != "" {
				assert.Equal(t, tt.outcome, decodeBody(t, w)["outcome"])
			}
		})
	}
}

func TestAdmin_ResumeRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sagas/pay_1/resume", strings.NewReader(`{`))
	req.Header.Set("Authorization", s.adminToken(t, security.RoleAdmin))

	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

func TestAdmin_GetIntegration(t *testing.T) {
	s := newTestServer(t)
	s.integrations.summary = &models.IntegrationSummary{
		MentorID:   "mentor_1",
		Status:     models.IntegrationStatusNeedsReauth,
		TokenState: models.TokenStateRefreshExpired,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrations/mentor_1", nil)
	req.Header.Set("Authorization", s.adminToken(t, security.RoleAdmin))
	w := s.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.IntegrationStatusNeedsReauth), decodeBody(t, w)["status"])

	s.integrations.err = utils.TerminalIntegrationFailure("token.load", fmt.Errorf("no integration: %w", stores.ErrNotFound))
	req = httptest.NewRequest(http.MethodGet, "/api/v1/integrations/nobody", nil)
	req.Header.Set("Authorization", s.adminToken(t, security.RoleAdmin))
	assert.Equal(t, http.StatusNotFound, s.do(req).Code)
}

func TestHealth(t *testing.T) {
	healthy := CreateHealthHandler(map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return nil }),
	})
	w := httptest.NewRecorder()
	healthy.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	degraded := CreateHealthHandler(map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return errors.New("dial tcp: refused") }),
	})
	w = httptest.NewRecorder()
	degraded.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Contains(t, resp.Checks["redis"], "refused")
}

func TestMetrics_CountsRequestsByRouteTemplate(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrations/mentor-42", nil)
	req.Header.Set("Authorization", s.adminToken(t, security.RoleAdmin))
	s.do(req)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp MetricsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	var routes []string
	for _, m := range resp.Counters {
		if m.Name == "http_requests_total" {
			routes = append(routes, m.Labels["route"])
		}
	}
	assert.Contains(t, routes, "/api/v1/integrations/{mentorId}")
	assert.NotContains(t, routes, "/api/v1/integrations/mentor-42")
}
