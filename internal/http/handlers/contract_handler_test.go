package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/milestone-escrow/backend/internal/amount"
	"github.com/milestone-escrow/backend/internal/auth"
	"github.com/milestone-escrow/backend/internal/chain"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/events"
	"github.com/milestone-escrow/backend/internal/metrics"
	"github.com/milestone-escrow/backend/internal/middleware"
	"github.com/milestone-escrow/backend/internal/models"
	"github.com/milestone-escrow/backend/internal/repositories"
	"github.com/milestone-escrow/backend/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "handler-test-secret"

// stubVerifier answers every deposit with the status keyed by transfer id.
type stubVerifier struct {
	deposits map[string]chain.VerificationResult
}

func (v *stubVerifier) VerifyDeposit(_ context.Context, id, _ string, _ int64, _ string) chain.VerificationResult {
	if res, ok := v.deposits[id]; ok {
		res.TransferID = id
		return res
	}
	return chain.VerificationResult{Status: chain.StatusPending, TransferID: id, Reason: chain.ReasonNotFound}
}

func (v *stubVerifier) VerifyRelease(_ context.Context, id, _ string, _ int64, _ string, _ int64) chain.VerificationResult {
	return chain.VerificationResult{Status: chain.StatusPending, TransferID: id, Reason: chain.ReasonNotFound}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, events.Event) error { return nil }

type testEnv struct {
	app        *fiber.App
	client     uuid.UUID
	freelancer uuid.UUID
	verifier   *stubVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repositories.NewMemoryStore()
	env := &testEnv{
		client:     uuid.New(),
		freelancer: uuid.New(),
		verifier:   &stubVerifier{deposits: map[string]chain.VerificationResult{}},
	}
	clientAddr, freelancerAddr := "addr_client", "addr_freelancer"
	store.PutUser(models.User{ID: env.client, Role: models.UserRoleClient, WalletAddress: &clientAddr})
	store.PutUser(models.User{ID: env.freelancer, Role: models.UserRoleFreelancer, WalletAddress: &freelancerAddr})

	cfg := &config.Config{
		JWTSecret:          testSecret,
		EscrowAddress:      "addr_escrow",
		PlatformFeeAddress: "addr_fee",
		PlatformFeeBPS:     100,
		RateLimitPerMinute: 100,
	}
	log := zap.NewNop()
	svc := services.NewEscrowService(store, store, store, store, env.verifier,
		amount.NewNormalizer(1_000_000, log), nopPublisher{}, metrics.New(), cfg, log)
	h := NewContractHandler(svc, log)
	uh := NewUserHandler(store, log)

	app := fiber.New()
	app.Use(middleware.RequestIDMiddleware())
	protected := app.Group("/api/v1", middleware.AuthMiddleware(cfg, log))
	protected.Get("/me", uh.GetMe)
	protected.Post("/contracts", h.CreateContract)
	protected.Get("/contracts", h.ListContracts)
	protected.Get("/contracts/:id", h.GetContract)
	protected.Post("/contracts/:id/deposit", h.RecordDeposit)
	protected.Post("/contracts/:id/milestones/:milestoneId/submit", h.SubmitMilestone)
	protected.Post("/contracts/:id/milestones/:milestoneId/approve", h.ApproveMilestone)
	protected.Post("/contracts/:id/cancel", h.CancelContract)
	env.app = app
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, userID uuid.UUID, role, body string) (int, map[string]any, http.Header) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	token, err := auth.GenerateJWT(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out, resp.Header
}

func (e *testEnv) createContract(t *testing.T) string {
	t.Helper()
	body := `{"freelancer_id":"` + e.freelancer.String() + `","total_amount":10,
		"milestones":[{"id":"m1","title":"design","amount":"4"},{"id":"m2","title":"build","amount":6}]}`
	status, out, _ := e.do(t, http.MethodPost, "/api/v1/contracts", e.client, models.UserRoleClient, body)
	require.Equal(t, fiber.StatusCreated, status, out)
	data := out["data"].(map[string]any)
	return data["id"].(string)
}

func TestCreateAndGetContract(t *testing.T) {
	env := newTestEnv(t)
	id := env.createContract(t)

	status, out, _ := env.do(t, http.MethodGet, "/api/v1/contracts/"+id, env.freelancer, models.UserRoleFreelancer, "")
	require.Equal(t, fiber.StatusOK, status)
	data := out["data"].(map[string]any)
	assert.Equal(t, models.ContractStatePending, data["state"])
	assert.EqualValues(t, 10_000_000, data["total_amount"])

	status, out, _ = env.do(t, http.MethodGet, "/api/v1/contracts/"+id, uuid.New(), models.UserRoleClient, "")
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, string(services.KindAuthorization), out["code"])
}

func TestCreateContractValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{`, fiber.StatusBadRequest},
		{"bad freelancer id", `{"freelancer_id":"nope","total_amount":"1","milestones":[]}`, fiber.StatusBadRequest},
		{"boolean amount", `{"freelancer_id":"` + env.freelancer.String() + `","total_amount":true}`, fiber.StatusBadRequest},
		{"sum mismatch", `{"freelancer_id":"` + env.freelancer.String() + `","total_amount":"10",
			"milestones":[{"id":"m1","title":"x","amount":"3"}]}`, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _, _ := env.do(t, http.MethodPost, "/api/v1/contracts", env.client, models.UserRoleClient, tt.body)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestRecordDepositStatuses(t *testing.T) {
	env := newTestEnv(t)
	id := env.createContract(t)
	env.verifier.deposits["tx-ok"] = chain.VerificationResult{Status: chain.StatusConfirmed, Found: true, Amount: 10_000_000}
	env.verifier.deposits["tx-bad"] = chain.VerificationResult{Status: chain.StatusInvalid, Found: true, Reason: chain.ReasonAmountMismatch}
	env.verifier.deposits["tx-down"] = chain.VerificationResult{Status: chain.StatusRetryable, Reason: chain.ReasonIndexerUnavailable}
	path := "/api/v1/contracts/" + id + "/deposit"

	status, out, _ := env.do(t, http.MethodPost, path, env.client, models.UserRoleClient, `{"transfer_id":"tx-bad","amount":"10"}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, string(services.KindVerificationFailed), out["code"])
	assert.NotNil(t, out["detail"])

	status, _, hdr := env.do(t, http.MethodPost, path, env.client, models.UserRoleClient, `{"transfer_id":"tx-down","amount":"10"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.NotEmpty(t, hdr.Get(fiber.HeaderRetryAfter))

	status, out, _ = env.do(t, http.MethodPost, path, env.freelancer, models.UserRoleFreelancer, `{"transfer_id":"tx-ok","amount":"10"}`)
	assert.Equal(t, fiber.StatusForbidden, status, out)

	status, out, _ = env.do(t, http.MethodPost, path, env.client, models.UserRoleClient, `{"transfer_id":"tx-ok","amount":"10"}`)
	require.Equal(t, fiber.StatusCreated, status, out)
	data := out["data"].(map[string]any)
	assert.Equal(t, models.PaymentStatusConfirmed, data["status"])
	assert.Equal(t, false, data["duplicate"])
	assert.Equal(t, models.ContractStateFunded, data["contract_state"])

	status, out, _ = env.do(t, http.MethodPost, path, env.client, models.UserRoleClient, `{"transfer_id":"tx-ok","amount":"10"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, out["data"].(map[string]any)["duplicate"])

	status, _, _ = env.do(t, http.MethodPost, path, env.client, models.UserRoleClient, `{"amount":"10"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestMilestoneLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	id := env.createContract(t)
	env.verifier.deposits["tx-fund"] = chain.VerificationResult{Status: chain.StatusConfirmed, Found: true, Amount: 10_000_000}
	status, _, _ := env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/deposit", env.client, models.UserRoleClient, `{"transfer_id":"tx-fund","amount":10}`)
	require.Equal(t, fiber.StatusCreated, status)

	status, out, _ := env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/milestones/m1/approve", env.client, models.UserRoleClient, "")
	assert.Equal(t, fiber.StatusConflict, status, out)

	status, out, _ = env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/milestones/m1/submit", env.freelancer, models.UserRoleFreelancer, `{"note":"done"}`)
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, models.MilestoneStatusSubmitted, out["data"].(map[string]any)["status"])

	status, _, _ = env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/milestones/nope/submit", env.freelancer, models.UserRoleFreelancer, "")
	assert.Equal(t, fiber.StatusNotFound, status)

	// release not yet indexed
	status, out, _ = env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/milestones/m1/approve", env.client, models.UserRoleClient, `{"transfer_id":"tx-release"}`)
	require.Equal(t, fiber.StatusAccepted, status, out)
	assert.Equal(t, true, out["ok"])
	pending := out["data"].(map[string]any)
	assert.Equal(t, true, pending["pending"])
	assert.Equal(t, models.MilestoneStatusSubmitted, pending["status"])
	assert.Equal(t, string(chain.StatusPending), pending["verification"].(map[string]any)["status"])

	status, out, _ = env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/milestones/m1/approve", env.client, models.UserRoleClient, "")
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, models.MilestoneStatusApproved, out["data"].(map[string]any)["status"])
	assert.Equal(t, false, out["data"].(map[string]any)["pending"])
}

func TestCancelAndList(t *testing.T) {
	env := newTestEnv(t)
	id := env.createContract(t)

	status, out, _ := env.do(t, http.MethodGet, "/api/v1/contracts?state=PENDING", env.client, models.UserRoleClient, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, out["data"], 1)

	status, out, _ = env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/cancel", env.client, models.UserRoleClient, `{"reason":"changed plans"}`)
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, models.ContractStateCancelled, out["data"].(map[string]any)["state"])

	status, _, _ = env.do(t, http.MethodPost, "/api/v1/contracts/"+id+"/cancel", env.client, models.UserRoleClient, "")
	assert.Equal(t, fiber.StatusConflict, status)

	status, _, _ = env.do(t, http.MethodPost, "/api/v1/contracts/not-a-uuid/cancel", env.client, models.UserRoleClient, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestListReportsLimitUsed(t *testing.T) {
	env := newTestEnv(t)
	env.createContract(t)

	status, out, _ := env.do(t, http.MethodGet, "/api/v1/contracts?limit=500", env.client, models.UserRoleClient, "")
	require.Equal(t, fiber.StatusOK, status, out)
	assert.EqualValues(t, models.MaxContractPage, out["limit"])

	status, out, _ = env.do(t, http.MethodGet, "/api/v1/contracts?limit=0&offset=-2", env.client, models.UserRoleClient, "")
	require.Equal(t, fiber.StatusOK, status, out)
	assert.EqualValues(t, 20, out["limit"])
	assert.EqualValues(t, 0, out["offset"])
}

func TestUnauthenticatedRequest(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/contracts", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestGetMe(t *testing.T) {
	env := newTestEnv(t)

	status, out, _ := env.do(t, http.MethodGet, "/api/v1/me", env.freelancer, models.UserRoleFreelancer, "")
	require.Equal(t, fiber.StatusOK, status)
	data := out["data"].(map[string]any)
	assert.Equal(t, env.freelancer.String(), data["id"])
	assert.Equal(t, "addr_freelancer", data["wallet_address"])

	status, _, _ = env.do(t, http.MethodGet, "/api/v1/me", uuid.New(), models.UserRoleClient, "")
	assert.Equal(t, fiber.StatusNotFound, status)
}
