// Package handler содержит HTTP-обработчики API движка расчётов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/errs"
	"github.com/mmeshcher/settlement-system/internal/middleware"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/service"
)

// PaymentService определяет контракт платёжной бизнес-логики, используемой
// HTTP-обработчиками.
type PaymentService interface {
	CreateTopupIntent(ctx context.Context, userID string, amountKRW int64, idempotencyKey string) (*service.TopupIntent, error)
	HandleProviderWebhook(ctx context.Context, paymentKey, orderID string, amountKRW int64) error
	CompleteSession(ctx context.Context, in service.CompleteSessionInput) (*service.SessionCharge, error)
	ProcessRefund(ctx context.Context, paymentID, reason string) error
	GetWalletBalance(ctx context.Context, userID string) (*service.WalletBalance, error)
}

// SettlementService определяет контракт расчётной бизнес-логики, используемой
// HTTP-обработчиками.
type SettlementService interface {
	RunMonthlySettlement(ctx context.Context, month string, dryRun bool) (*service.SettlementResult, error)
	ConfirmSettlement(ctx context.Context, batchID string, payouts []service.PayoutUpdate) error
	GetMonthlyStats(ctx context.Context, month string) (*service.MonthlyStats, error)
	GetExpertEarnings(ctx context.Context, expertID, month string) (*service.ExpertEarnings, error)
}

// Handler реализует HTTP-обработчики API движка расчётов.
type Handler struct {
	payments          PaymentService
	settlements       SettlementService
	cfg               *model.RuntimeConfig
	logger            *zap.Logger
	webhookMiddleware *middleware.WebhookMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(p PaymentService, s SettlementService, cfg *model.RuntimeConfig, logger *zap.Logger, webhook *middleware.WebhookMiddleware) *Handler {
	return &Handler{
		payments:          p,
		settlements:       s,
		cfg:               cfg,
		logger:            logger,
		webhookMiddleware: webhook,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case errs.CodeInvalidSession, errs.CodeBankInfoMissing:
		return http.StatusUnprocessableEntity
	case errs.CodeBatchAlreadyExists, errs.CodePayoutAlreadyProcessed:
		return http.StatusConflict
	case errs.CodeBatchNotFound:
		return http.StatusNotFound
	case errs.CodeInvalidPeriod:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var se *errs.SettlementError
	if !errors.As(err, &se) {
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	status := statusForCode(se.Code)
	if status == http.StatusInternalServerError {
		h.logger.Error("internal error", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Code: string(se.Code), Message: se.Message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type topupRequest struct {
	UserID         string `json:"userId"`
	AmountKRW      int64  `json:"amountKrw"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// CreateTopup создаёт намерение пополнения кошелька.
func (h *Handler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	intent, err := h.payments.CreateTopupIntent(r.Context(), req.UserID, req.AmountKRW, req.IdempotencyKey)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, intent)
}

type webhookRequest struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	AmountKRW  int64  `json:"amountKrw"`
}

// ProviderWebhook подтверждает пополнение по вебхуку платёжного провайдера.
// Подпись запроса проверяется в middleware до обработчика.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.payments.HandleProviderWebhook(r.Context(), req.PaymentKey, req.OrderID, req.AmountKRW); err != nil {
		// Провайдер ретраит всё, кроме 2xx и 400. Расхождение данных
		// вебхука должно остановить ретраи; сбой хранилища — нет, иначе
		// ожидающий платёж никогда не будет зачислен.
		if errors.Is(err, service.ErrWebhookMismatch) {
			h.logger.Warn("webhook rejected", zap.Error(err))
			h.writeJSON(w, http.StatusBadRequest, errorResponse{
				Code:    string(errs.CodeTransactionFailed),
				Message: "webhook payload mismatch",
			})
			return
		}
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// Refund выполняет возврат пополнения.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.payments.ProcessRefund(r.Context(), paymentID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetWallet возвращает баланс кошелька пользователя.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := h.payments.GetWalletBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type completeSessionRequest struct {
	SessionID     string `json:"sessionId"`
	ClientID      string `json:"clientId"`
	ExpertID      string `json:"expertId"`
	StartedAt     int64  `json:"startedAt"`
	EndedAt       int64  `json:"endedAt"`
	DurationMin   int64  `json:"durationMin"`
	RatePerMinKRW int64  `json:"ratePerMinKrw"`
}

// CompleteSession списывает кредиты клиента за завершённую сессию.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req completeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	charge, err := h.payments.CompleteSession(r.Context(), service.CompleteSessionInput{
		SessionID:     req.SessionID,
		ClientID:      req.ClientID,
		ExpertID:      req.ExpertID,
		StartedAt:     req.StartedAt,
		EndedAt:       req.EndedAt,
		DurationMin:   req.DurationMin,
		RatePerMinKRW: req.RatePerMinKRW,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, charge)
}

type runSettlementRequest struct {
	Month  string `json:"month"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// RunSettlement запускает месячный расчёт выплат.
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	var req runSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.settlements.RunMonthlySettlement(r.Context(), req.Month, req.DryRun)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if req.DryRun {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

type confirmSettlementRequest struct {
	Payouts []service.PayoutUpdate `json:"payouts"`
}

// ConfirmSettlement применяет исходы банковских переводов к пакету выплат.
func (h *Handler) ConfirmSettlement(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	var req confirmSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if len(req.Payouts) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.settlements.ConfirmSettlement(r.Context(), batchID, req.Payouts); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetMonthlyStats возвращает сводку по сессиям месяца.
func (h *Handler) GetMonthlyStats(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	stats, err := h.settlements.GetMonthlyStats(r.Context(), month)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// GetExpertEarnings возвращает заработок эксперта за месяц.
func (h *Handler) GetExpertEarnings(w http.ResponseWriter, r *http.Request) {
	expertID := chi.URLParam(r, "expertID")
	month := r.URL.Query().Get("month")
	if month == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	earnings, err := h.settlements.GetExpertEarnings(r.Context(), expertID, month)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, earnings)
}

type nextSettlementResponse struct {
	NextSettlementDate string `json:"nextSettlementDate"`
}

// GetNextSettlementDate возвращает дату ближайшего расчёта.
func (h *Handler) GetNextSettlementDate(w http.ResponseWriter, r *http.Request) {
	next := service.NextSettlementDate(h.cfg, time.Now())
	h.writeJSON(w, http.StatusOK, nextSettlementResponse{
		NextSettlementDate: next.Format("2006-01-02"),
	})
}
