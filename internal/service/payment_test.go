package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/errs"
	"github.com/mmeshcher/settlement-system/internal/ledger"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/repository"
	"github.com/mmeshcher/settlement-system/internal/repository/memory"
)

func testConfig() *model.RuntimeConfig {
	return &model.RuntimeConfig{
		Withhold33:      true,
		PlatformFeeBp:   1200,
		PGFeeBp:         290,
		SettlementDay:   10,
		InfraCostPerMin: 5,
		Timezone:        "Asia/Seoul",
	}
}

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()

	s := memory.NewStore(testConfig())
	s.PutUser(model.User{ID: "client-1", Role: model.RoleClient})
	s.PutUser(model.User{ID: "client-2", Role: model.RoleClient})
	s.PutUser(model.User{
		ID:      "expert-1",
		Role:    model.RoleExpert,
		TaxMode: model.TaxModeWithhold,
		BankAccount: &model.BankAccount{
			Holder:        "Kim Minsoo",
			BankCode:      "088",
			AccountNumber: "110-123-456789",
		},
	})
	s.PutUser(model.User{
		ID:      "expert-nobank",
		Role:    model.RoleExpert,
		TaxMode: model.TaxModeWithhold,
	})
	s.PutUser(model.User{
		ID:      "expert-selftax",
		Role:    model.RoleExpert,
		TaxMode: model.TaxModeSelf,
		BankAccount: &model.BankAccount{
			Holder:        "Lee Jiyeon",
			BankCode:      "004",
			AccountNumber: "333-22-111111",
		},
	})
	return s
}

func newPaymentService(t *testing.T) (*PaymentService, *memory.Store) {
	t.Helper()
	s := newTestStore(t)
	return NewPaymentService(s, zap.NewNop()), s
}

// topupAndConfirm проводит полный цикл пополнения: намерение + вебхук.
func topupAndConfirm(t *testing.T, svc *PaymentService, userID string, amountKRW int64) *TopupIntent {
	t.Helper()

	intent, err := svc.CreateTopupIntent(context.Background(), userID, amountKRW, "")
	require.NoError(t, err)
	require.NoError(t, svc.HandleProviderWebhook(context.Background(), intent.TossPaymentKey, intent.TossOrderID, amountKRW))
	return intent
}

func TestCreateTopupIntent_Validation(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		amount int64
	}{
		{"zero amount", "client-1", 0},
		{"negative amount", "client-1", -500},
		{"amount below one credit", "client-1", 9},
		{"unknown user", "ghost", 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTopupIntent(ctx, tt.userID, tt.amount, "")
			require.ErrorIs(t, err, errs.New(errs.CodeInvalidSession, ""))
		})
	}
}

func TestCreateTopupIntent_PendingNoWalletChange(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	intent, err := svc.CreateTopupIntent(ctx, "client-1", 100000, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), intent.AmountKRW)
	assert.Equal(t, int64(10000), intent.CreditsToIssue)
	assert.NotEmpty(t, intent.PaymentID)
	assert.NotEmpty(t, intent.TossPaymentKey)
	assert.NotEmpty(t, intent.TossOrderID)

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits, "intent must not touch the wallet")
}

func TestCreateTopupIntent_IdempotencyKeyReturnsSameIntent(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	first, err := svc.CreateTopupIntent(ctx, "client-1", 50000, "req-42")
	require.NoError(t, err)

	second, err := svc.CreateTopupIntent(ctx, "client-1", 50000, "req-42")
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.TossOrderID, second.TossOrderID)
}

// failingPaymentRepo подменяет чтение по ключу идемпотентности сбоем хранилища.
type failingPaymentRepo struct {
	repository.PaymentRepository
	err error
}

func (f failingPaymentRepo) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	return nil, f.err
}

type failingPaymentStore struct {
	repository.Store
	err error
}

func (f failingPaymentStore) Payments() repository.PaymentRepository {
	return failingPaymentRepo{PaymentRepository: f.Store.Payments(), err: f.err}
}

func TestCreateTopupIntent_IdempotencyLookupFailure(t *testing.T) {
	base := newTestStore(t)
	storeErr := errors.New("connection reset by peer")
	svc := NewPaymentService(failingPaymentStore{Store: base, err: storeErr}, zap.NewNop())

	_, err := svc.CreateTopupIntent(context.Background(), "client-1", 50000, "req-77")
	require.ErrorIs(t, err, errs.New(errs.CodeTransactionFailed, ""))
	require.ErrorIs(t, err, storeErr)

	// Сбой чтения не маскируется попыткой записи.
	_, err = base.Payments().GetPaymentByIdempotencyKey(context.Background(), "req-77")
	require.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestHandleProviderWebhook_CreditsWalletOnce(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	intent, err := svc.CreateTopupIntent(ctx, "client-1", 100000, "")
	require.NoError(t, err)

	require.NoError(t, svc.HandleProviderWebhook(ctx, intent.TossPaymentKey, intent.TossOrderID, 100000))

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Credits)
	assert.Equal(t, int64(100000), bal.KRWValue)

	p, err := store.Payments().GetPayment(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, p.Status)

	entries, err := store.Ledger().ListEntriesByRef(ctx, intent.PaymentID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.LedgerTypeCreditTopup, entries[0].Type)
	assert.True(t, ledger.Balanced(entries[0]))

	// Повторная доставка того же вебхука — no-op ack, баланс не меняется.
	require.NoError(t, svc.HandleProviderWebhook(ctx, intent.TossPaymentKey, intent.TossOrderID, 100000))

	bal, err = svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Credits)

	entries, err = store.Ledger().ListEntriesByRef(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "redelivery must not append a second topup entry")
}

func TestHandleProviderWebhook_Mismatch(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	intent, err := svc.CreateTopupIntent(ctx, "client-1", 100000, "")
	require.NoError(t, err)

	tests := []struct {
		name       string
		paymentKey string
		orderID    string
		amount     int64
	}{
		{"wrong payment key", "tampered", intent.TossOrderID, 100000},
		{"wrong order id", intent.TossPaymentKey, "tampered", 100000},
		{"wrong amount", intent.TossPaymentKey, intent.TossOrderID, 99999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.HandleProviderWebhook(ctx, tt.paymentKey, tt.orderID, tt.amount)
			require.ErrorIs(t, err, errs.New(errs.CodeTransactionFailed, ""))
			// Расхождение помечено: граница HTTP остановит ретраи провайдера.
			require.ErrorIs(t, err, ErrWebhookMismatch)
		})
	}

	// Платёж остался pending, кошелёк не тронут.
	p, err := store.Payments().GetPayment(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, p.Status)

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits)
}

func TestCompleteSession_ChargesAndRecords(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	topupAndConfirm(t, svc, "client-1", 100000)

	res, err := svc.CompleteSession(ctx, CompleteSessionInput{
		SessionID:     "sess-1",
		ClientID:      "client-1",
		ExpertID:      "expert-1",
		StartedAt:     1_700_000_000_000,
		EndedAt:       1_700_000_000_000 + 30*60*1000,
		DurationMin:   30,
		RatePerMinKRW: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30000), res.TotalKRW)
	assert.Equal(t, int64(3600), res.PlatformFeeKRW)
	assert.Equal(t, int64(26400), res.ExpertGrossKRW)
	assert.Equal(t, int64(3000), res.CreditsCharged)

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), bal.Credits)

	sess, err := store.Sessions().GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, int64(150), sess.InfraCostKRW)

	entries, err := store.Ledger().ListEntriesByRef(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.LedgerTypeSessionCharge, entries[0].Type)
	assert.True(t, ledger.Balanced(entries[0]))
}

func TestCompleteSession_InsufficientCreditsAllOrNothing(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	topupAndConfirm(t, svc, "client-1", 100000) // 10000 кредитов

	charge := func(id string, minutes int64) (*SessionCharge, error) {
		return svc.CompleteSession(ctx, CompleteSessionInput{
			SessionID:     id,
			ClientID:      "client-1",
			ExpertID:      "expert-1",
			StartedAt:     1_700_000_000_000,
			EndedAt:       1_700_000_000_000 + minutes*60*1000,
			DurationMin:   minutes,
			RatePerMinKRW: 1000,
		})
	}

	_, err := charge("sess-30", 30) // -3000
	require.NoError(t, err)
	_, err = charge("sess-45", 45) // -4500
	require.NoError(t, err)

	// Осталось 2500 кредитов, на часовую сессию нужно 6000.
	_, err = charge("sess-60", 60)
	require.ErrorIs(t, err, errs.New(errs.CodeInsufficientCredits, ""))

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), bal.Credits, "failed charge must leave the wallet untouched")

	_, err = store.Sessions().GetSession(ctx, "sess-60")
	require.Error(t, err, "failed charge must not create a session")

	entries, err := store.Ledger().ListEntriesByType(ctx, model.LedgerTypeSessionCharge)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "failed charge must not append a ledger entry")
}

func TestCompleteSession_Validation(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	base := CompleteSessionInput{
		SessionID:     "sess-1",
		ClientID:      "client-1",
		ExpertID:      "expert-1",
		StartedAt:     1000,
		EndedAt:       2000,
		DurationMin:   10,
		RatePerMinKRW: 1000,
	}

	tests := []struct {
		name   string
		mutate func(in *CompleteSessionInput)
	}{
		{"empty session id", func(in *CompleteSessionInput) { in.SessionID = "" }},
		{"zero duration", func(in *CompleteSessionInput) { in.DurationMin = 0 }},
		{"zero rate", func(in *CompleteSessionInput) { in.RatePerMinKRW = 0 }},
		{"ended before started", func(in *CompleteSessionInput) { in.EndedAt = 500 }},
		{"unknown client", func(in *CompleteSessionInput) { in.ClientID = "ghost" }},
		{"unknown expert", func(in *CompleteSessionInput) { in.ExpertID = "ghost" }},
		{"expert as client", func(in *CompleteSessionInput) { in.ClientID = "expert-1" }},
		{"client as expert", func(in *CompleteSessionInput) { in.ExpertID = "client-2" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := svc.CompleteSession(ctx, in)
			require.ErrorIs(t, err, errs.New(errs.CodeInvalidSession, ""))
		})
	}
}

func TestProcessRefund(t *testing.T) {
	svc, store := newPaymentService(t)
	ctx := context.Background()

	intent := topupAndConfirm(t, svc, "client-1", 100000)

	require.NoError(t, svc.ProcessRefund(ctx, intent.PaymentID, "customer request"))

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits)

	// Статус платежа намеренно остаётся succeeded: возврат живёт в леджере.
	p, err := store.Payments().GetPayment(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, p.Status)

	entries, err := store.Ledger().ListEntriesByRef(ctx, intent.PaymentID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.LedgerTypeRefund, entries[1].Type)
	assert.True(t, ledger.Balanced(entries[1]))
}

func TestProcessRefund_SpentCreditsRejected(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	intent := topupAndConfirm(t, svc, "client-1", 100000)

	_, err := svc.CompleteSession(ctx, CompleteSessionInput{
		SessionID:     "sess-1",
		ClientID:      "client-1",
		ExpertID:      "expert-1",
		StartedAt:     1000,
		EndedAt:       2000,
		DurationMin:   30,
		RatePerMinKRW: 1000,
	})
	require.NoError(t, err)

	err = svc.ProcessRefund(ctx, intent.PaymentID, "too late")
	require.ErrorIs(t, err, errs.New(errs.CodeInsufficientCredits, ""))

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), bal.Credits, "rejected refund must not change the balance")
}

func TestProcessRefund_OnlySucceeded(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	intent, err := svc.CreateTopupIntent(ctx, "client-1", 50000, "")
	require.NoError(t, err)

	err = svc.ProcessRefund(ctx, intent.PaymentID, "not confirmed yet")
	require.ErrorIs(t, err, errs.New(errs.CodeTransactionFailed, ""))

	err = svc.ProcessRefund(ctx, "pay-nope", "missing")
	require.ErrorIs(t, err, errs.New(errs.CodeTransactionFailed, ""))
}

func TestWalletConservation(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	first := topupAndConfirm(t, svc, "client-1", 100000) // +10000
	topupAndConfirm(t, svc, "client-1", 30000)           // +3000

	_, err := svc.CompleteSession(ctx, CompleteSessionInput{
		SessionID:     "sess-1",
		ClientID:      "client-1",
		ExpertID:      "expert-1",
		StartedAt:     1000,
		EndedAt:       2000,
		DurationMin:   20,
		RatePerMinKRW: 1000,
	})
	require.NoError(t, err) // -2000

	require.NoError(t, svc.ProcessRefund(ctx, first.PaymentID, "")) // -10000

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000+3000-2000-10000), bal.Credits)
}

func TestGetWalletBalance(t *testing.T) {
	svc, _ := newPaymentService(t)
	ctx := context.Background()

	bal, err := svc.GetWalletBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits, "missing wallet reads as zero balance")

	_, err = svc.GetWalletBalance(ctx, "ghost")
	require.ErrorIs(t, err, errs.New(errs.CodeInvalidSession, ""))
}

func TestDeriveIdempotencyKeyDeterministic(t *testing.T) {
	now := time.Now()
	a := deriveIdempotencyKey("u1", 1000, now)
	b := deriveIdempotencyKey("u1", 1000, now)
	c := deriveIdempotencyKey("u1", 2000, now)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
