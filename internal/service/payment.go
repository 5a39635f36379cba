// Package service реализует бизнес-логику движка расчётов: пополнения,
// списания за сессии, возвраты и месячные выплаты экспертам.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/errs"
	"github.com/mmeshcher/settlement-system/internal/ledger"
	"github.com/mmeshcher/settlement-system/internal/metrics"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/repository"
)

// ErrWebhookMismatch помечает вебхук, не сопоставимый ни с одним ожидающим
// платежом: данные подделаны или битые, повторные доставки бесполезны.
// Граница HTTP отличает его от инфраструктурных сбоев, после которых
// провайдер должен доставить вебхук заново.
var ErrWebhookMismatch = errors.New("webhook does not match a pending payment")

// PaymentService оркестрирует движение кредитов: пополнение через платёжного
// провайдера, списание за сессии и возвраты. Каждая операция, затрагивающая
// несколько агрегатов, выполняется одной единицей работы.
type PaymentService struct {
	store  repository.Store
	logger *zap.Logger
}

// NewPaymentService создаёт сервис платежей поверх указанного хранилища.
func NewPaymentService(store repository.Store, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		store:  store,
		logger: logger,
	}
}

func newID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// Фолбэк на время: недостижимо на работающей системе.
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + hex.EncodeToString(buf)
}

func deriveIdempotencyKey(userID string, amountKRW int64, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", userID, amountKRW, now.UnixMilli())))
	return hex.EncodeToString(sum[:16])
}

// TopupIntent — результат создания намерения пополнения.
type TopupIntent struct {
	PaymentID      string `json:"paymentId"`
	TossPaymentKey string `json:"tossPaymentKey"`
	TossOrderID    string `json:"tossOrderId"`
	AmountKRW      int64  `json:"amountKrw"`
	CreditsToIssue int64  `json:"creditsToIssue"`
}

// CreateTopupIntent создаёт платёж в статусе pending и возвращает реквизиты
// для оплаты у провайдера. Кошелёк на этом шаге не меняется. Повторный вызов
// с тем же ключом идемпотентности возвращает уже созданное намерение.
func (s *PaymentService) CreateTopupIntent(ctx context.Context, userID string, amountKRW int64, idempotencyKey string) (*TopupIntent, error) {
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.Observe("create_topup_intent", result, time.Since(start))
	}()

	if amountKRW <= 0 {
		return nil, errs.Newf(errs.CodeInvalidSession, "topup amount must be positive, got %d", amountKRW).
			WithContext(map[string]any{"userId": userID, "amountKrw": amountKRW})
	}

	creditsToIssue := amountKRW / model.CreditRateKRW
	if creditsToIssue == 0 {
		return nil, errs.Newf(errs.CodeInvalidSession, "topup amount %d converts to zero credits", amountKRW).
			WithContext(map[string]any{"userId": userID, "amountKrw": amountKRW})
	}

	if _, err := s.store.Users().GetUser(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errs.Newf(errs.CodeInvalidSession, "user %s not found", userID)
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "load user", err)
	}

	cfg, err := s.store.Config().GetRuntimeConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfigNotFound, "load runtime config", err)
	}

	if idempotencyKey == "" {
		idempotencyKey = deriveIdempotencyKey(userID, amountKRW, time.Now())
	} else {
		existing, err := s.store.Payments().GetPaymentByIdempotencyKey(ctx, idempotencyKey)
		switch {
		case err == nil:
			result = metrics.ResultSuccess
			return &TopupIntent{
				PaymentID:      existing.ID,
				TossPaymentKey: existing.TossPaymentKey,
				TossOrderID:    existing.TossOrderID,
				AmountKRW:      existing.AmountKRW,
				CreditsToIssue: existing.CreditsIssued,
			}, nil
		case !errors.Is(err, repository.ErrPaymentNotFound):
			return nil, errs.Wrap(errs.CodeTransactionFailed, "load payment by idempotency key", err)
		}
	}

	now := time.Now()
	p := &model.Payment{
		ID:             newID("pay"),
		UserID:         userID,
		AmountKRW:      amountKRW,
		CreditsIssued:  creditsToIssue,
		PGFeeKRW:       amountKRW * cfg.PGFeeBp / 10000,
		Status:         model.PaymentStatusPending,
		IdempotencyKey: idempotencyKey,
		TossPaymentKey: newID("tosskey"),
		TossOrderID:    newID("order"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Payments().CreatePayment(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			existing, getErr := s.store.Payments().GetPaymentByIdempotencyKey(ctx, idempotencyKey)
			if getErr != nil {
				return nil, errs.Wrap(errs.CodeTransactionFailed, "load payment by idempotency key", getErr)
			}
			result = metrics.ResultSuccess
			return &TopupIntent{
				PaymentID:      existing.ID,
				TossPaymentKey: existing.TossPaymentKey,
				TossOrderID:    existing.TossOrderID,
				AmountKRW:      existing.AmountKRW,
				CreditsToIssue: existing.CreditsIssued,
			}, nil
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "create payment", err)
	}

	s.logger.Info("topup intent created",
		zap.String("paymentId", p.ID),
		zap.String("userId", userID),
		zap.Int64("amountKrw", amountKRW),
		zap.Int64("credits", creditsToIssue),
	)

	result = metrics.ResultSuccess
	return &TopupIntent{
		PaymentID:      p.ID,
		TossPaymentKey: p.TossPaymentKey,
		TossOrderID:    p.TossOrderID,
		AmountKRW:      p.AmountKRW,
		CreditsToIssue: p.CreditsIssued,
	}, nil
}

// HandleProviderWebhook подтверждает пополнение по вебхуку провайдера.
// Платёж ищется по паре (paymentKey, orderId) со сверкой суммы; расхождение
// любого поля — ошибка. Зачисление кредитов, перевод платежа в succeeded и
// запись в леджер выполняются одной транзакцией. Повторная доставка после
// выхода платежа из pending подтверждается без каких-либо изменений.
func (s *PaymentService) HandleProviderWebhook(ctx context.Context, paymentKey, orderID string, amountKRW int64) error {
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.Observe("provider_webhook", result, time.Since(start))
	}()

	p, err := s.store.Payments().GetPaymentByProviderRef(ctx, paymentKey, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return errs.Wrap(errs.CodeTransactionFailed, "no payment matches provider references", ErrWebhookMismatch).
				WithContext(map[string]any{"paymentKey": paymentKey, "orderId": orderID})
		}
		return errs.Wrap(errs.CodeTransactionFailed, "load payment", err)
	}

	if p.AmountKRW != amountKRW {
		return errs.Wrap(errs.CodeTransactionFailed,
			fmt.Sprintf("webhook amount %d does not match payment amount %d", amountKRW, p.AmountKRW), ErrWebhookMismatch).
			WithContext(map[string]any{"paymentId": p.ID})
	}

	if p.Status != model.PaymentStatusPending {
		// Повторная доставка уже обработанного вебхука.
		s.logger.Info("webhook redelivery acknowledged", zap.String("paymentId", p.ID), zap.String("status", string(p.Status)))
		result = metrics.ResultSuccess
		return nil
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		cur, err := r.Payments().GetPayment(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("reload payment: %w", err)
		}
		if cur.Status != model.PaymentStatusPending {
			return nil
		}

		if err := r.Payments().UpdatePaymentStatus(ctx, cur.ID, model.PaymentStatusSucceeded); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		if err := r.Wallets().AddCredits(ctx, cur.UserID, cur.CreditsIssued); err != nil {
			return fmt.Errorf("add credits: %w", err)
		}
		entry := ledger.Topup(cur.ID, cur.AmountKRW, cur.PGFeeKRW, time.Now())
		return appendBalanced(ctx, r, entry)
	})
	if err != nil {
		return errs.Wrap(errs.CodeTransactionFailed, "confirm topup", err).
			WithContext(map[string]any{"paymentId": p.ID})
	}

	s.logger.Info("topup confirmed",
		zap.String("paymentId", p.ID),
		zap.String("userId", p.UserID),
		zap.Int64("credits", p.CreditsIssued),
	)
	result = metrics.ResultSuccess
	return nil
}

// CompleteSessionInput — параметры завершения сессии.
type CompleteSessionInput struct {
	SessionID     string
	ClientID      string
	ExpertID      string
	StartedAt     int64 // epoch ms
	EndedAt       int64 // epoch ms
	DurationMin   int64
	RatePerMinKRW int64
}

// SessionCharge — результат списания за завершённую сессию.
type SessionCharge struct {
	SessionID      string `json:"sessionId"`
	TotalKRW       int64  `json:"totalKrw"`
	PlatformFeeKRW int64  `json:"platformFeeKrw"`
	ExpertGrossKRW int64  `json:"expertGrossKrw"`
	CreditsCharged int64  `json:"creditsCharged"`
}

// CompleteSession списывает кредиты клиента за сессию, создаёт запись сессии
// в статусе completed и проводит списание по леджеру — всё одной транзакцией.
// При нехватке кредитов операция целиком отменяется.
func (s *PaymentService) CompleteSession(ctx context.Context, in CompleteSessionInput) (*SessionCharge, error) {
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.Observe("complete_session", result, time.Since(start))
	}()

	if in.SessionID == "" || in.DurationMin <= 0 || in.RatePerMinKRW <= 0 || in.EndedAt <= in.StartedAt {
		return nil, errs.New(errs.CodeInvalidSession, "invalid session parameters").
			WithContext(map[string]any{"sessionId": in.SessionID, "durationMin": in.DurationMin})
	}

	client, err := s.store.Users().GetUser(ctx, in.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errs.Newf(errs.CodeInvalidSession, "client %s not found", in.ClientID)
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "load client", err)
	}
	if client.Role != model.RoleClient {
		return nil, errs.Newf(errs.CodeInvalidSession, "user %s is not a client", in.ClientID)
	}

	expert, err := s.store.Users().GetUser(ctx, in.ExpertID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errs.Newf(errs.CodeInvalidSession, "expert %s not found", in.ExpertID)
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "load expert", err)
	}
	if expert.Role != model.RoleExpert {
		return nil, errs.Newf(errs.CodeInvalidSession, "user %s is not an expert", in.ExpertID)
	}

	cfg, err := s.store.Config().GetRuntimeConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfigNotFound, "load runtime config", err)
	}

	totalKRW := in.DurationMin * in.RatePerMinKRW
	platformFeeKRW := totalKRW * cfg.PlatformFeeBp / 10000
	expertGrossKRW := totalKRW - platformFeeKRW
	infraCostKRW := in.DurationMin * cfg.InfraCostPerMin
	creditsNeeded := totalKRW / model.CreditRateKRW

	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		if err := r.Wallets().DeductCredits(ctx, in.ClientID, creditsNeeded); err != nil {
			return fmt.Errorf("deduct credits: %w", err)
		}

		sess := &model.Session{
			ID:             in.SessionID,
			ClientID:       in.ClientID,
			ExpertID:       in.ExpertID,
			StartedAt:      in.StartedAt,
			EndedAt:        in.EndedAt,
			DurationMin:    in.DurationMin,
			RatePerMinKRW:  in.RatePerMinKRW,
			TotalKRW:       totalKRW,
			PlatformFeeKRW: platformFeeKRW,
			ExpertGrossKRW: expertGrossKRW,
			InfraCostKRW:   infraCostKRW,
			Status:         model.SessionStatusCompleted,
			CreatedAt:      time.Now(),
		}
		if err := r.Sessions().CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		entry := ledger.SessionCharge(in.SessionID, totalKRW, platformFeeKRW, infraCostKRW, time.Now())
		return appendBalanced(ctx, r, entry)
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			return nil, errs.Newf(errs.CodeInsufficientCredits, "client %s needs %d credits", in.ClientID, creditsNeeded).
				WithContext(map[string]any{"sessionId": in.SessionID, "creditsNeeded": creditsNeeded})
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "charge session", err).
			WithContext(map[string]any{"sessionId": in.SessionID})
	}

	s.logger.Info("session charged",
		zap.String("sessionId", in.SessionID),
		zap.String("clientId", in.ClientID),
		zap.String("expertId", in.ExpertID),
		zap.Int64("totalKrw", totalKRW),
		zap.Int64("credits", creditsNeeded),
	)
	result = metrics.ResultSuccess
	return &SessionCharge{
		SessionID:      in.SessionID,
		TotalKRW:       totalKRW,
		PlatformFeeKRW: platformFeeKRW,
		ExpertGrossKRW: expertGrossKRW,
		CreditsCharged: creditsNeeded,
	}, nil
}

// ProcessRefund возвращает пополнение: списывает выданные кредиты с кошелька
// и проводит возврат по леджеру. Возврат возможен только для succeeded
// платежа и только пока на кошельке остаётся не меньше кредитов, чем было
// выдано. Статус самого платежа не меняется: возврат живёт в леджере.
func (s *PaymentService) ProcessRefund(ctx context.Context, paymentID, reason string) error {
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.Observe("process_refund", result, time.Since(start))
	}()

	p, err := s.store.Payments().GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return errs.Newf(errs.CodeTransactionFailed, "payment %s not found", paymentID)
		}
		return errs.Wrap(errs.CodeTransactionFailed, "load payment", err)
	}
	if p.Status != model.PaymentStatusSucceeded {
		return errs.Newf(errs.CodeTransactionFailed, "payment %s is %s, only succeeded payments are refundable", paymentID, p.Status)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		if err := r.Wallets().DeductCredits(ctx, p.UserID, p.CreditsIssued); err != nil {
			return fmt.Errorf("deduct credits: %w", err)
		}
		entry := ledger.Refund(p.ID, p.AmountKRW, p.PGFeeKRW, time.Now())
		if reason != "" {
			entry.Description = fmt.Sprintf("refund %s: %s", p.ID, reason)
		}
		return appendBalanced(ctx, r, entry)
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			return errs.Newf(errs.CodeInsufficientCredits, "user %s holds fewer credits than the %d issued by payment %s", p.UserID, p.CreditsIssued, paymentID)
		}
		return errs.Wrap(errs.CodeTransactionFailed, "process refund", err).
			WithContext(map[string]any{"paymentId": paymentID})
	}

	s.logger.Info("payment refunded",
		zap.String("paymentId", paymentID),
		zap.String("userId", p.UserID),
		zap.String("reason", reason),
	)
	result = metrics.ResultSuccess
	return nil
}

// WalletBalance — баланс кошелька с пересчётом в KRW.
type WalletBalance struct {
	Credits  int64 `json:"credits"`
	KRWValue int64 `json:"krwValue"`
}

// GetWalletBalance возвращает баланс пользователя. Отсутствие кошелька
// равносильно нулевому балансу: кошельки создаются лениво.
func (s *PaymentService) GetWalletBalance(ctx context.Context, userID string) (*WalletBalance, error) {
	if _, err := s.store.Users().GetUser(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errs.Newf(errs.CodeInvalidSession, "user %s not found", userID)
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "load user", err)
	}

	w, err := s.store.Wallets().GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return &WalletBalance{}, nil
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "load wallet", err)
	}

	return &WalletBalance{
		Credits:  w.Credits,
		KRWValue: w.Credits * model.CreditRateKRW,
	}, nil
}

// appendBalanced проверяет баланс записи и добавляет её в леджер.
// Несбалансированная запись — программная ошибка, такую транзакцию
// откатываем целиком.
func appendBalanced(ctx context.Context, r repository.Repos, entry model.LedgerEntry) error {
	if !ledger.Balanced(entry) {
		return fmt.Errorf("unbalanced ledger entry %s for %s", entry.Type, entry.RefID)
	}
	if err := r.Ledger().AppendEntry(ctx, &entry); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	metrics.CountLedgerEntry(string(entry.Type))
	return nil
}
