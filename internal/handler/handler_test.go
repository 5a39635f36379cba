package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/errs"
	"github.com/mmeshcher/settlement-system/internal/middleware"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/service"
)

type stubPaymentService struct {
	topupResp *service.TopupIntent
	topupErr  error

	webhookErr error

	chargeResp *service.SessionCharge
	chargeErr  error

	refundErr error

	balanceResp *service.WalletBalance
	balanceErr  error
}

func (s *stubPaymentService) CreateTopupIntent(ctx context.Context, userID string, amountKRW int64, idempotencyKey string) (*service.TopupIntent, error) {
	return s.topupResp, s.topupErr
}

func (s *stubPaymentService) HandleProviderWebhook(ctx context.Context, paymentKey, orderID string, amountKRW int64) error {
	return s.webhookErr
}

func (s *stubPaymentService) CompleteSession(ctx context.Context, in service.CompleteSessionInput) (*service.SessionCharge, error) {
	return s.chargeResp, s.chargeErr
}

func (s *stubPaymentService) ProcessRefund(ctx context.Context, paymentID, reason string) error {
	return s.refundErr
}

func (s *stubPaymentService) GetWalletBalance(ctx context.Context, userID string) (*service.WalletBalance, error) {
	return s.balanceResp, s.balanceErr
}

type stubSettlementService struct {
	runResp *service.SettlementResult
	runErr  error

	confirmErr error

	statsResp *service.MonthlyStats
	statsErr  error

	earningsResp *service.ExpertEarnings
	earningsErr  error
}

func (s *stubSettlementService) RunMonthlySettlement(ctx context.Context, month string, dryRun bool) (*service.SettlementResult, error) {
	return s.runResp, s.runErr
}

func (s *stubSettlementService) ConfirmSettlement(ctx context.Context, batchID string, payouts []service.PayoutUpdate) error {
	return s.confirmErr
}

func (s *stubSettlementService) GetMonthlyStats(ctx context.Context, month string) (*service.MonthlyStats, error) {
	return s.statsResp, s.statsErr
}

func (s *stubSettlementService) GetExpertEarnings(ctx context.Context, expertID, month string) (*service.ExpertEarnings, error) {
	return s.earningsResp, s.earningsErr
}

const testWebhookSecret = "test-secret"

func newTestServer(t *testing.T, p PaymentService, s SettlementService) (*httptest.Server, *middleware.WebhookMiddleware) {
	t.Helper()

	cfg := &model.RuntimeConfig{
		Withhold33:      true,
		PlatformFeeBp:   1200,
		PGFeeBp:         290,
		SettlementDay:   10,
		InfraCostPerMin: 5,
		Timezone:        "Asia/Seoul",
	}

	webhook := middleware.NewWebhookMiddleware(testWebhookSecret)
	h := NewHandler(p, s, cfg, zap.NewNop(), webhook)

	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)

	return srv, webhook
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Code
}

func TestCreateTopup(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		p := &stubPaymentService{topupResp: &service.TopupIntent{
			PaymentID:      "pay-1",
			TossPaymentKey: "tk-1",
			TossOrderID:    "order-1",
			AmountKRW:      10000,
			CreditsToIssue: 1000,
		}}
		srv, _ := newTestServer(t, p, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/topup",
			map[string]any{"userId": "client-1", "amountKrw": 10000}, nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var intent service.TopupIntent
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&intent))
		assert.Equal(t, "pay-1", intent.PaymentID)
		assert.Equal(t, int64(1000), intent.CreditsToIssue)
	})

	t.Run("invalid body", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

		resp, err := http.Post(srv.URL+"/api/payments/topup", "application/json", bytes.NewBufferString("not json"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("domain error mapped", func(t *testing.T) {
		p := &stubPaymentService{topupErr: errs.New(errs.CodeInvalidSession, "amount must be positive")}
		srv, _ := newTestServer(t, p, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/topup",
			map[string]any{"userId": "client-1", "amountKrw": -1}, nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "INVALID_SESSION", decodeErrorCode(t, resp))
	})
}

func TestProviderWebhook(t *testing.T) {
	payload, err := json.Marshal(map[string]any{
		"paymentKey": "tk-1",
		"orderId":    "order-1",
		"amountKrw":  10000,
	})
	require.NoError(t, err)

	send := func(t *testing.T, srv *httptest.Server, body []byte, signature string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/payments/webhook", bytes.NewReader(body))
		require.NoError(t, err)
		if signature != "" {
			req.Header.Set("X-Webhook-Signature", signature)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("confirmed", func(t *testing.T) {
		srv, webhook := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

		resp := send(t, srv, payload, webhook.Sign(payload))
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unsigned rejected", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

		resp := send(t, srv, payload, "")
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("payload mismatch stops retries", func(t *testing.T) {
		p := &stubPaymentService{webhookErr: errs.Wrap(errs.CodeTransactionFailed, "amount mismatch", service.ErrWebhookMismatch)}
		srv, webhook := newTestServer(t, p, &stubSettlementService{})

		resp := send(t, srv, payload, webhook.Sign(payload))
		defer resp.Body.Close()

		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "TRANSACTION_FAILED", decodeErrorCode(t, resp))
	})

	t.Run("store failure keeps retries", func(t *testing.T) {
		// Инфраструктурный сбой отвечает 5xx: провайдер доставит вебхук
		// снова, и ожидающий платёж будет зачислен.
		p := &stubPaymentService{webhookErr: errs.Wrap(errs.CodeTransactionFailed, "confirm topup", errors.New("connection refused"))}
		srv, webhook := newTestServer(t, p, &stubSettlementService{})

		resp := send(t, srv, payload, webhook.Sign(payload))
		defer resp.Body.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestCompleteSession(t *testing.T) {
	t.Run("charged", func(t *testing.T) {
		p := &stubPaymentService{chargeResp: &service.SessionCharge{
			SessionID:      "sess-1",
			TotalKRW:       30000,
			PlatformFeeKRW: 3600,
			ExpertGrossKRW: 26400,
			CreditsCharged: 3000,
		}}
		srv, _ := newTestServer(t, p, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/complete", map[string]any{
			"sessionId":     "sess-1",
			"clientId":      "client-1",
			"expertId":      "expert-1",
			"startedAt":     1756600000000,
			"endedAt":       1756601800000,
			"durationMin":   30,
			"ratePerMinKrw": 1000,
		}, nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var charge service.SessionCharge
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&charge))
		assert.Equal(t, int64(3000), charge.CreditsCharged)
	})

	t.Run("insufficient credits", func(t *testing.T) {
		p := &stubPaymentService{chargeErr: errs.New(errs.CodeInsufficientCredits, "balance too low")}
		srv, _ := newTestServer(t, p, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/complete",
			map[string]any{"sessionId": "sess-1"}, nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		assert.Equal(t, "INSUFFICIENT_CREDITS", decodeErrorCode(t, resp))
	})
}

func TestRefund(t *testing.T) {
	t.Run("refunded", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/pay-1/refund",
			map[string]any{"reason": "client request"}, nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("spent credits", func(t *testing.T) {
		p := &stubPaymentService{refundErr: errs.New(errs.CodeInsufficientCredits, "credits already spent")}
		srv, _ := newTestServer(t, p, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/payments/pay-1/refund",
			map[string]any{"reason": "client request"}, nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	})
}

func TestGetWallet(t *testing.T) {
	p := &stubPaymentService{balanceResp: &service.WalletBalance{Credits: 2500, KRWValue: 25000}}
	srv, _ := newTestServer(t, p, &stubSettlementService{})

	resp, err := http.Get(srv.URL + "/api/wallets/client-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var balance service.WalletBalance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	assert.Equal(t, int64(2500), balance.Credits)
	assert.Equal(t, int64(25000), balance.KRWValue)
}

func TestRunSettlement(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		s := &stubSettlementService{runResp: &service.SettlementResult{
			BatchID:    "batch-1",
			Month:      "2025-08",
			ItemsCount: 2,
			Totals:     model.PayoutTotals{ExpertCount: 2, GrossKRW: 72000, WithheldKRW: 2376, NetKRW: 69624},
		}}
		srv, _ := newTestServer(t, &stubPaymentService{}, s)

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/run",
			map[string]any{"month": "2025-08"}, nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var result service.SettlementResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.Equal(t, "batch-1", result.BatchID)
		assert.Equal(t, int64(69624), result.Totals.NetKRW)
	})

	t.Run("dry run returns ok", func(t *testing.T) {
		s := &stubSettlementService{runResp: &service.SettlementResult{Month: "2025-08", DryRun: true}}
		srv, _ := newTestServer(t, &stubPaymentService{}, s)

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/run",
			map[string]any{"month": "2025-08", "dryRun": true}, nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("duplicate month", func(t *testing.T) {
		s := &stubSettlementService{runErr: errs.New(errs.CodeBatchAlreadyExists, "batch exists")}
		srv, _ := newTestServer(t, &stubPaymentService{}, s)

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/run",
			map[string]any{"month": "2025-08"}, nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "BATCH_ALREADY_EXISTS", decodeErrorCode(t, resp))
	})

	t.Run("invalid month", func(t *testing.T) {
		s := &stubSettlementService{runErr: errs.New(errs.CodeInvalidPeriod, "month must be YYYY-MM")}
		srv, _ := newTestServer(t, &stubPaymentService{}, s)

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/run",
			map[string]any{"month": "августа"}, nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestConfirmSettlement(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/batch-1/confirm",
			map[string]any{"payouts": []map[string]any{{"expertId": "expert-1", "status": "paid"}}}, nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("empty payouts", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/batch-1/confirm",
			map[string]any{"payouts": []map[string]any{}}, nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("already processed", func(t *testing.T) {
		s := &stubSettlementService{confirmErr: errs.New(errs.CodePayoutAlreadyProcessed, "batch already paid")}
		srv, _ := newTestServer(t, &stubPaymentService{}, s)

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/batch-1/confirm",
			map[string]any{"payouts": []map[string]any{{"expertId": "expert-1", "status": "paid"}}}, nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "PAYOUT_ALREADY_PROCESSED", decodeErrorCode(t, resp))
	})

	t.Run("unknown batch", func(t *testing.T) {
		s := &stubSettlementService{confirmErr: errs.New(errs.CodeBatchNotFound, "batch not found")}
		srv, _ := newTestServer(t, &stubPaymentService{}, s)

		resp := doJSON(t, http.MethodPost, srv.URL+"/api/settlements/ghost/confirm",
			map[string]any{"payouts": []map[string]any{{"expertId": "expert-1", "status": "paid"}}}, nil)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGetMonthlyStats(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := &stubSettlementService{statsResp: &service.MonthlyStats{
			Month:         "2025-08",
			SessionsCount: 3,
			ExpertCount:   2,
			TotalKRW:      90000,
		}}
		srv, _ := newTestServer(t, &stubPaymentService{}, s)

		resp, err := http.Get(srv.URL + "/api/settlements/stats?month=2025-08")
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stats service.MonthlyStats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
		assert.Equal(t, 3, stats.SessionsCount)
	})

	t.Run("missing month", func(t *testing.T) {
		srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

		resp, err := http.Get(srv.URL + "/api/settlements/stats")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetExpertEarnings(t *testing.T) {
	s := &stubSettlementService{earningsResp: &service.ExpertEarnings{
		ExpertID:       "expert-1",
		Month:          "2025-08",
		SessionsCount:  2,
		GrossKRW:       72000,
		TaxWithheldKRW: 2376,
		NetKRW:         69624,
	}}
	srv, _ := newTestServer(t, &stubPaymentService{}, s)

	resp, err := http.Get(srv.URL + "/api/experts/expert-1/earnings?month=2025-08")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var earnings service.ExpertEarnings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&earnings))
	assert.Equal(t, int64(69624), earnings.NetKRW)
}

func TestGetNextSettlementDate(t *testing.T) {
	srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

	resp, err := http.Get(srv.URL + "/api/settlements/next")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		NextSettlementDate string `json:"nextSettlementDate"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}$`, body.NextSettlementDate)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubPaymentService{}, &stubSettlementService{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
