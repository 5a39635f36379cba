// Package model содержит доменные сущности движка расчётов и леджера.
package model

import "time"

// CreditRateKRW — фиксированный курс обмена: 1 кредит = 10 KRW.
const CreditRateKRW int64 = 10

// Role описывает роль пользователя на площадке.
type Role string

const (
	RoleClient Role = "client"
	RoleExpert Role = "expert"
	RoleAdmin  Role = "admin"
)

// TaxMode описывает способ уплаты налога экспертом.
type TaxMode string

const (
	// TaxModeWithhold — площадка удерживает налог 3.3% при выплате.
	TaxModeWithhold TaxMode = "withhold"
	// TaxModeSelf — эксперт платит налог самостоятельно, удержания нет.
	TaxModeSelf TaxMode = "self"
)

// BankAccount содержит банковские реквизиты эксперта для выплат.
type BankAccount struct {
	Holder        string
	BankCode      string
	AccountNumber string
}

// ExpertInfo содержит параметры эксперта, влияющие на тарификацию.
type ExpertInfo struct {
	Level         string
	Tier          string
	RatePerMinKRW int64
}

// User представляет пользователя площадки. Создаётся и изменяется внешними
// потоками; движок расчётов читает его только для проверок.
type User struct {
	ID          string
	Role        Role
	TaxMode     TaxMode
	BankAccount *BankAccount
	ExpertInfo  *ExpertInfo
	CreatedAt   time.Time
}

// Wallet содержит баланс кредитов пользователя. Создаётся лениво при первом
// зачислении; изменяется только атомарно вместе с записью в леджер.
type Wallet struct {
	UserID    string
	Credits   int64
	UpdatedAt time.Time
}

// PaymentStatus описывает статус попытки пополнения.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment описывает попытку пополнения кредитов. Из терминального статуса
// платёж не выходит.
type Payment struct {
	ID             string
	UserID         string
	AmountKRW      int64
	CreditsIssued  int64
	PGFeeKRW       int64
	Status         PaymentStatus
	IdempotencyKey string
	TossPaymentKey string
	TossOrderID    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionStatus описывает статус консультационной сессии.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in-progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// Session описывает оплачиваемую консультацию. После перехода в completed
// запись неизменна: корректировки оформляются возвратами, не правками.
type Session struct {
	ID             string
	ClientID       string
	ExpertID       string
	StartedAt      int64 // epoch ms
	EndedAt        int64 // epoch ms
	DurationMin    int64
	RatePerMinKRW  int64
	TotalKRW       int64
	PlatformFeeKRW int64
	ExpertGrossKRW int64
	InfraCostKRW   int64
	Status         SessionStatus
	CreatedAt      time.Time
}

// LedgerType описывает тип проводки в леджере.
type LedgerType string

const (
	LedgerTypeCreditTopup   LedgerType = "CREDIT_TOPUP"
	LedgerTypeSessionCharge LedgerType = "SESSION_CHARGE"
	LedgerTypeRefund        LedgerType = "REFUND"
	LedgerTypeAdjust        LedgerType = "ADJUST"
	LedgerTypePayout        LedgerType = "PAYOUT"
)

// Account — именованный счёт двойной записи.
type Account string

const (
	AccountCash            Account = "cash"
	AccountCreditsLiab     Account = "credits_liab"
	AccountRevenuePlatform Account = "revenue_platform"
	AccountPayableExpert   Account = "payable_expert"
	AccountPGFeeExp        Account = "pg_fee_exp"
	AccountInfraExp        Account = "infra_exp"
	AccountTaxWithheld     Account = "tax_withheld"
)

// PostingSide различает дебетовую и кредитовую стороны проводки.
type PostingSide string

const (
	SideDebit  PostingSide = "debit"
	SideCredit PostingSide = "credit"
)

// Posting — одна дополнительная строка проводки внутри записи леджера.
type Posting struct {
	Account   Account
	Side      PostingSide
	AmountKRW int64
}

// LedgerEntry — неизменяемая запись двойной бухгалтерии. Основная пара
// дебет/кредит проводится на сумму AmountKRW; Splits — дополнительные строки,
// которые обязаны балансироваться между собой внутри записи.
type LedgerEntry struct {
	ID            string
	TS            time.Time
	Type          LedgerType
	DebitAccount  Account
	CreditAccount Account
	AmountKRW     int64
	RefID         string
	Splits        []Posting
	Description   string
}

// BatchStatus описывает статус месячного пакета выплат.
type BatchStatus string

const (
	BatchStatusDraft  BatchStatus = "draft"
	BatchStatusFrozen BatchStatus = "frozen"
	BatchStatusPaid   BatchStatus = "paid"
	BatchStatusFailed BatchStatus = "failed"
)

// PayoutTotals содержит агрегаты пакета по всем включённым экспертам.
type PayoutTotals struct {
	ExpertCount int
	GrossKRW    int64
	WithheldKRW int64
	NetKRW      int64
}

// PayoutBatch — пакет выплат за один календарный месяц ("YYYY-MM").
// Статус движется только вперёд: draft/frozen -> paid|failed.
type PayoutBatch struct {
	ID          string
	Month       string
	ScheduledAt time.Time
	ExecutedAt  *time.Time
	Status      BatchStatus
	Totals      PayoutTotals
	CreatedAt   time.Time
}

// ItemStatus описывает статус выплаты одному эксперту.
type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusPaid    ItemStatus = "paid"
	ItemStatusFailed  ItemStatus = "failed"
)

// BreakdownLine — вклад одной сессии в выплату эксперту.
type BreakdownLine struct {
	SessionID string
	AmountKRW int64
}

// PayoutItem — выплата одному эксперту внутри пакета. Банковские реквизиты
// снимаются слепком на момент формирования пакета.
type PayoutItem struct {
	BatchID        string
	ExpertID       string
	PeriodFrom     string
	PeriodTo       string
	GrossKRW       int64
	TaxWithheldKRW int64
	NetKRW         int64
	BankAccount    BankAccount
	Status         ItemStatus
	Breakdown      []BreakdownLine
	CreatedAt      time.Time
	PaidAt         *time.Time
	FailureReason  string
}

// RuntimeConfig содержит финансовые константы рантайма. Принадлежит загрузчику
// конфигурации; движок читает её и не изменяет.
type RuntimeConfig struct {
	Withhold33      bool
	PlatformFeeBp   int64
	PGFeeBp         int64
	SettlementDay   int
	InfraCostPerMin int64
	Timezone        string
}
