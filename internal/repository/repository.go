// Package repository определяет порты доступа к данным движка расчётов.
// Сервисы зависят только от этих контрактов; конкретные реализации живут
// в подпакетах memory и postgres.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Контрактные ошибки хранилища. Реализации обязаны возвращать именно их,
// чтобы сервисы могли транслировать их в доменные коды.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrSessionNotFound = errors.New("session not found")
	// ErrInsufficientCredits возвращается при попытке списать больше кредитов,
	// чем есть на кошельке. Списание обязано быть атомарным: частичных списаний
	// не бывает.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrDuplicateIdempotencyKey возвращается при создании платежа с уже
	// использованным ключом идемпотентности.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrBatchExists возвращается при попытке создать второй пакет выплат
	// за тот же месяц.
	ErrBatchExists     = errors.New("payout batch already exists for month")
	ErrBatchNotFound   = errors.New("payout batch not found")
	ErrItemNotFound    = errors.New("payout item not found")
	ErrConfigNotFound  = errors.New("runtime config not found")
)

// UserRepository читает пользователей. Движок расчётов их не изменяет.
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// WalletRepository управляет балансами кредитов.
type WalletRepository interface {
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	// AddCredits зачисляет кредиты, лениво создавая кошелёк.
	AddCredits(ctx context.Context, userID string, credits int64) error
	// DeductCredits списывает кредиты условным декрементом: либо баланса
	// хватает и списывается вся сумма, либо ErrInsufficientCredits.
	DeductCredits(ctx context.Context, userID string, credits int64) error
}

// PaymentRepository управляет попытками пополнения.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error)
	GetPaymentByProviderRef(ctx context.Context, paymentKey, orderID string) (*model.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id string, status model.PaymentStatus) error
}

// SessionRepository управляет записями сессий.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// ListCompletedSessions возвращает завершённые сессии, закончившиеся
	// в полуинтервале [fromMs, toMs) по epoch ms.
	ListCompletedSessions(ctx context.Context, fromMs, toMs int64) ([]model.Session, error)
	ListCompletedSessionsByExpert(ctx context.Context, expertID string, fromMs, toMs int64) ([]model.Session, error)
}

// LedgerRepository хранит записи двойной бухгалтерии. Только добавление:
// записи никогда не обновляются и не удаляются.
type LedgerRepository interface {
	// AppendEntry сохраняет запись и присваивает ей идентификатор.
	AppendEntry(ctx context.Context, e *model.LedgerEntry) error
	ListEntriesByRef(ctx context.Context, refID string) ([]model.LedgerEntry, error)
	ListEntriesByType(ctx context.Context, t model.LedgerType) ([]model.LedgerEntry, error)
}

// PayoutBatchRepository управляет месячными пакетами выплат.
type PayoutBatchRepository interface {
	// CreateBatch сохраняет пакет; второй пакет за тот же месяц — ErrBatchExists.
	CreateBatch(ctx context.Context, b *model.PayoutBatch) error
	GetBatch(ctx context.Context, id string) (*model.PayoutBatch, error)
	GetBatchByMonth(ctx context.Context, month string) (*model.PayoutBatch, error)
	UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus, executedAt *time.Time) error
}

// PayoutItemRepository управляет выплатами отдельным экспертам.
type PayoutItemRepository interface {
	CreateItem(ctx context.Context, it *model.PayoutItem) error
	ListItemsByBatch(ctx context.Context, batchID string) ([]model.PayoutItem, error)
	UpdateItemStatus(ctx context.Context, batchID, expertID string, status model.ItemStatus, paidAt *time.Time, failureReason string) error
}

// ConfigRepository отдаёт финансовые константы рантайма.
type ConfigRepository interface {
	GetRuntimeConfig(ctx context.Context) (*model.RuntimeConfig, error)
}

// Repos — набор портов, доступных внутри одной единицы работы и вне её.
type Repos interface {
	Users() UserRepository
	Wallets() WalletRepository
	Payments() PaymentRepository
	Sessions() SessionRepository
	Ledger() LedgerRepository
	Batches() PayoutBatchRepository
	Items() PayoutItemRepository
	Config() ConfigRepository
}

// TxManager выполняет единицу работы атомарно: либо применяются все записи,
// сделанные внутри fn, либо ни одна. Репозитории, полученные из переданного
// Repos, привязаны к одной транзакции хранилища.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}

// Store объединяет порты и менеджер транзакций; это полная зависимость
// сервисов от слоя хранения.
type Store interface {
	Repos
	TxManager
	Close() error
}

// StaticConfig — реализация ConfigRepository поверх значения, собранного
// загрузчиком конфигурации при старте процесса.
type StaticConfig struct {
	Cfg *model.RuntimeConfig
}

// GetRuntimeConfig возвращает статическую конфигурацию рантайма.
func (c StaticConfig) GetRuntimeConfig(ctx context.Context) (*model.RuntimeConfig, error) {
	if c.Cfg == nil {
		return nil, ErrConfigNotFound
	}
	cp := *c.Cfg
	return &cp, nil
}
