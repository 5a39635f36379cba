package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/errs"
	"github.com/mmeshcher/settlement-system/internal/ledger"
	"github.com/mmeshcher/settlement-system/internal/metrics"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/repository"
)

// withholdingRateMille — ставка удержания налога 3.3% в промилле.
const withholdingRateMille = 33

// SettlementService агрегирует завершённые сессии месяца в пакеты выплат
// экспертам с удержанием налога и подтверждает исходы банковских переводов.
type SettlementService struct {
	store  repository.Store
	logger *zap.Logger
}

// NewSettlementService создаёт сервис расчётов поверх указанного хранилища.
func NewSettlementService(store repository.Store, logger *zap.Logger) *SettlementService {
	return &SettlementService{
		store:  store,
		logger: logger,
	}
}

// parseMonth разбирает месяц "YYYY-MM" и возвращает границы [from, to)
// в указанной таймзоне.
func parseMonth(month, timezone string) (time.Time, time.Time, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("month must be YYYY-MM: %w", err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 1, 0), nil
}

// SettlementResult — итог расчёта месяца.
type SettlementResult struct {
	BatchID    string             `json:"batchId,omitempty"`
	Month      string             `json:"month"`
	ItemsCount int                `json:"itemsCount"`
	Totals     model.PayoutTotals `json:"totals"`
	DryRun     bool               `json:"dryRun"`
}

type expertGroup struct {
	expertID  string
	grossKRW  int64
	breakdown []model.BreakdownLine
}

// RunMonthlySettlement агрегирует завершённые сессии месяца в пакет выплат.
// Эксперты без банковских реквизитов пропускаются с предупреждением: лучше
// рассчитать всех доступных, чем провалить пакет целиком. При dryRun
// возвращаются только вычисленные агрегаты, хранилище не меняется. Иначе
// пакет, все его выплаты и проводки переноса обязательств записываются
// одной транзакцией.
func (s *SettlementService) RunMonthlySettlement(ctx context.Context, month string, dryRun bool) (*SettlementResult, error) {
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.Observe("run_monthly_settlement", result, time.Since(start))
	}()

	cfg, err := s.store.Config().GetRuntimeConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfigNotFound, "load runtime config", err)
	}

	from, to, err := parseMonth(month, cfg.Timezone)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPeriod, "parse month", err).
			WithContext(map[string]any{"month": month})
	}

	if !dryRun {
		existing, err := s.store.Batches().GetBatchByMonth(ctx, month)
		if err != nil && !errors.Is(err, repository.ErrBatchNotFound) {
			return nil, errs.Wrap(errs.CodeTransactionFailed, "check existing batch", err)
		}
		if existing != nil && existing.Status != model.BatchStatusDraft {
			return nil, errs.Newf(errs.CodeBatchAlreadyExists, "settlement batch for %s already exists", month).
				WithContext(map[string]any{"batchId": existing.ID, "status": string(existing.Status)})
		}
	}

	sessions, err := s.store.Sessions().ListCompletedSessions(ctx, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransactionFailed, "list completed sessions", err)
	}
	if len(sessions) == 0 {
		return nil, errs.Newf(errs.CodeInvalidPeriod, "no completed sessions in %s", month)
	}

	groups := groupByExpert(sessions)

	batchID := newID("batch")
	now := time.Now()
	periodFrom := from.Format("2006-01-02")
	periodTo := to.AddDate(0, 0, -1).Format("2006-01-02")

	var items []model.PayoutItem
	totals := model.PayoutTotals{}
	for _, g := range groups {
		expert, err := s.store.Users().GetUser(ctx, g.expertID)
		if err != nil {
			s.logger.Warn("skipping expert without user record",
				zap.String("expertId", g.expertID),
				zap.String("month", month),
				zap.Error(err),
			)
			continue
		}
		if expert.BankAccount == nil {
			s.logger.Warn("skipping expert without bank account",
				zap.String("expertId", g.expertID),
				zap.String("month", month),
				zap.Int64("grossKrw", g.grossKRW),
			)
			continue
		}

		var withheld int64
		if cfg.Withhold33 && expert.TaxMode == model.TaxModeWithhold {
			withheld = g.grossKRW * withholdingRateMille / 1000
		}

		items = append(items, model.PayoutItem{
			BatchID:        batchID,
			ExpertID:       g.expertID,
			PeriodFrom:     periodFrom,
			PeriodTo:       periodTo,
			GrossKRW:       g.grossKRW,
			TaxWithheldKRW: withheld,
			NetKRW:         g.grossKRW - withheld,
			BankAccount:    *expert.BankAccount,
			Status:         model.ItemStatusPending,
			Breakdown:      g.breakdown,
			CreatedAt:      now,
		})
		totals.ExpertCount++
		totals.GrossKRW += g.grossKRW
		totals.WithheldKRW += withheld
		totals.NetKRW += g.grossKRW - withheld
	}

	if len(items) == 0 {
		return nil, errs.Newf(errs.CodeBankInfoMissing, "no settleable experts in %s", month)
	}

	if dryRun {
		result = metrics.ResultSuccess
		return &SettlementResult{
			Month:      month,
			ItemsCount: len(items),
			Totals:     totals,
			DryRun:     true,
		}, nil
	}

	batch := &model.PayoutBatch{
		ID:          batchID,
		Month:       month,
		ScheduledAt: now,
		Status:      model.BatchStatusFrozen,
		Totals:      totals,
		CreatedAt:   now,
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		if err := r.Batches().CreateBatch(ctx, batch); err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		for i := range items {
			if err := r.Items().CreateItem(ctx, &items[i]); err != nil {
				return fmt.Errorf("create payout item for %s: %w", items[i].ExpertID, err)
			}
			entry := ledger.Payout(batchID+"/"+items[i].ExpertID, items[i].GrossKRW, items[i].TaxWithheldKRW, now)
			if err := appendBalanced(ctx, r, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrBatchExists) {
			return nil, errs.Newf(errs.CodeBatchAlreadyExists, "settlement batch for %s already exists", month)
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "persist settlement batch", err).
			WithContext(map[string]any{"month": month})
	}

	s.logger.Info("monthly settlement created",
		zap.String("batchId", batchID),
		zap.String("month", month),
		zap.Int("items", len(items)),
		zap.Int64("grossKrw", totals.GrossKRW),
		zap.Int64("netKrw", totals.NetKRW),
	)
	result = metrics.ResultSuccess
	return &SettlementResult{
		BatchID:    batchID,
		Month:      month,
		ItemsCount: len(items),
		Totals:     totals,
	}, nil
}

func groupByExpert(sessions []model.Session) []expertGroup {
	byExpert := make(map[string]*expertGroup)
	for _, sess := range sessions {
		g, ok := byExpert[sess.ExpertID]
		if !ok {
			g = &expertGroup{expertID: sess.ExpertID}
			byExpert[sess.ExpertID] = g
		}
		g.grossKRW += sess.ExpertGrossKRW
		g.breakdown = append(g.breakdown, model.BreakdownLine{
			SessionID: sess.ID,
			AmountKRW: sess.ExpertGrossKRW,
		})
	}

	groups := make([]expertGroup, 0, len(byExpert))
	for _, g := range byExpert {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].expertID < groups[j].expertID })
	return groups
}

// PayoutUpdate — исход банковского перевода по одному эксперту.
type PayoutUpdate struct {
	ExpertID      string           `json:"expertId"`
	Status        model.ItemStatus `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
}

// ConfirmSettlement применяет исходы переводов к выплатам пакета и выводит
// статус пакета из статусов его выплат: все paid — пакет paid, есть failed —
// пакет failed, иначе остаётся frozen. Обновления выплат и переход пакета
// выполняются одной транзакцией, чтобы статус пакета никогда не противоречил
// его выплатам.
func (s *SettlementService) ConfirmSettlement(ctx context.Context, batchID string, payouts []PayoutUpdate) error {
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.Observe("confirm_settlement", result, time.Since(start))
	}()

	batch, err := s.store.Batches().GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, repository.ErrBatchNotFound) {
			return errs.Newf(errs.CodeBatchNotFound, "batch %s not found", batchID)
		}
		return errs.Wrap(errs.CodeTransactionFailed, "load batch", err)
	}
	if batch.Status == model.BatchStatusPaid || batch.Status == model.BatchStatusFailed {
		return errs.Newf(errs.CodePayoutAlreadyProcessed, "batch %s already %s", batchID, batch.Status)
	}

	// Каждая выплата обновляется не более одного раза за вызов.
	seen := make(map[string]struct{}, len(payouts))
	for _, pu := range payouts {
		if _, dup := seen[pu.ExpertID]; dup {
			return errs.Newf(errs.CodePayoutAlreadyProcessed, "duplicate payout update for expert %s", pu.ExpertID)
		}
		seen[pu.ExpertID] = struct{}{}
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, r repository.Repos) error {
		now := time.Now()

		current, err := r.Items().ListItemsByBatch(ctx, batchID)
		if err != nil {
			return fmt.Errorf("list payout items: %w", err)
		}
		byExpert := make(map[string]model.PayoutItem, len(current))
		for _, it := range current {
			byExpert[it.ExpertID] = it
		}

		for _, pu := range payouts {
			it, ok := byExpert[pu.ExpertID]
			if !ok {
				return fmt.Errorf("update payout for %s: %w", pu.ExpertID, repository.ErrItemNotFound)
			}
			// paid и failed терминальны: исход перевода не переписывается.
			if it.Status != model.ItemStatusPending {
				return errs.Newf(errs.CodePayoutAlreadyProcessed, "payout for expert %s already %s", pu.ExpertID, it.Status)
			}

			var paidAt *time.Time
			switch pu.Status {
			case model.ItemStatusPaid:
				paidAt = &now
			case model.ItemStatusFailed:
			default:
				return fmt.Errorf("unsupported payout status %q for expert %s", pu.Status, pu.ExpertID)
			}
			if err := r.Items().UpdateItemStatus(ctx, batchID, pu.ExpertID, pu.Status, paidAt, pu.FailureReason); err != nil {
				return fmt.Errorf("update payout for %s: %w", pu.ExpertID, err)
			}
		}

		items, err := r.Items().ListItemsByBatch(ctx, batchID)
		if err != nil {
			return fmt.Errorf("list payout items: %w", err)
		}

		allPaid := true
		anyFailed := false
		for _, it := range items {
			if it.Status != model.ItemStatusPaid {
				allPaid = false
			}
			if it.Status == model.ItemStatusFailed {
				anyFailed = true
			}
		}

		next := model.BatchStatusFrozen
		var executedAt *time.Time
		switch {
		case anyFailed:
			next = model.BatchStatusFailed
			executedAt = &now
		case allPaid:
			next = model.BatchStatusPaid
			executedAt = &now
		}

		if err := r.Batches().UpdateBatchStatus(ctx, batchID, next, executedAt); err != nil {
			return fmt.Errorf("update batch status: %w", err)
		}
		return nil
	})
	if err != nil {
		var se *errs.SettlementError
		if errors.As(err, &se) {
			return se
		}
		return errs.Wrap(errs.CodeTransactionFailed, "confirm settlement", err).
			WithContext(map[string]any{"batchId": batchID})
	}

	s.logger.Info("settlement confirmed",
		zap.String("batchId", batchID),
		zap.Int("payouts", len(payouts)),
	)
	result = metrics.ResultSuccess
	return nil
}

// MonthlyStats — сводка по сессиям месяца.
type MonthlyStats struct {
	Month          string            `json:"month"`
	SessionsCount  int               `json:"sessionsCount"`
	ExpertCount    int               `json:"expertCount"`
	TotalKRW       int64             `json:"totalKrw"`
	PlatformFeeKRW int64             `json:"platformFeeKrw"`
	ExpertGrossKRW int64             `json:"expertGrossKrw"`
	BatchID        string            `json:"batchId,omitempty"`
	BatchStatus    model.BatchStatus `json:"batchStatus,omitempty"`
}

// GetMonthlyStats возвращает сводку месяца без каких-либо изменений состояния.
// Период разрешается той же логикой, что и в расчёте.
func (s *SettlementService) GetMonthlyStats(ctx context.Context, month string) (*MonthlyStats, error) {
	cfg, err := s.store.Config().GetRuntimeConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfigNotFound, "load runtime config", err)
	}

	from, to, err := parseMonth(month, cfg.Timezone)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPeriod, "parse month", err)
	}

	sessions, err := s.store.Sessions().ListCompletedSessions(ctx, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransactionFailed, "list completed sessions", err)
	}

	stats := &MonthlyStats{Month: month, SessionsCount: len(sessions)}
	experts := make(map[string]struct{})
	for _, sess := range sessions {
		stats.TotalKRW += sess.TotalKRW
		stats.PlatformFeeKRW += sess.PlatformFeeKRW
		stats.ExpertGrossKRW += sess.ExpertGrossKRW
		experts[sess.ExpertID] = struct{}{}
	}
	stats.ExpertCount = len(experts)

	batch, err := s.store.Batches().GetBatchByMonth(ctx, month)
	if err == nil {
		stats.BatchID = batch.ID
		stats.BatchStatus = batch.Status
	} else if !errors.Is(err, repository.ErrBatchNotFound) {
		return nil, errs.Wrap(errs.CodeTransactionFailed, "load batch", err)
	}

	return stats, nil
}

// ExpertEarnings — заработок эксперта за месяц с оценкой удержания.
type ExpertEarnings struct {
	ExpertID       string                `json:"expertId"`
	Month          string                `json:"month"`
	SessionsCount  int                   `json:"sessionsCount"`
	GrossKRW       int64                 `json:"grossKrw"`
	TaxWithheldKRW int64                 `json:"taxWithheldKrw"`
	NetKRW         int64                 `json:"netKrw"`
	Breakdown      []model.BreakdownLine `json:"breakdown"`
}

// GetExpertEarnings возвращает заработок эксперта за месяц. Чистое чтение.
func (s *SettlementService) GetExpertEarnings(ctx context.Context, expertID, month string) (*ExpertEarnings, error) {
	expert, err := s.store.Users().GetUser(ctx, expertID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, errs.Newf(errs.CodeInvalidSession, "expert %s not found", expertID)
		}
		return nil, errs.Wrap(errs.CodeTransactionFailed, "load expert", err)
	}

	cfg, err := s.store.Config().GetRuntimeConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfigNotFound, "load runtime config", err)
	}

	from, to, err := parseMonth(month, cfg.Timezone)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPeriod, "parse month", err)
	}

	sessions, err := s.store.Sessions().ListCompletedSessionsByExpert(ctx, expertID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransactionFailed, "list expert sessions", err)
	}

	earnings := &ExpertEarnings{
		ExpertID:      expertID,
		Month:         month,
		SessionsCount: len(sessions),
	}
	for _, sess := range sessions {
		earnings.GrossKRW += sess.ExpertGrossKRW
		earnings.Breakdown = append(earnings.Breakdown, model.BreakdownLine{
			SessionID: sess.ID,
			AmountKRW: sess.ExpertGrossKRW,
		})
	}
	if cfg.Withhold33 && expert.TaxMode == model.TaxModeWithhold {
		earnings.TaxWithheldKRW = earnings.GrossKRW * withholdingRateMille / 1000
	}
	earnings.NetKRW = earnings.GrossKRW - earnings.TaxWithheldKRW

	return earnings, nil
}

// NextSettlementDate возвращает ближайшую дату расчёта: день
// cfg.SettlementDay текущего месяца, либо следующего, если он уже прошёл.
// День прижимается к последнему дню короткого месяца.
func NextSettlementDate(cfg *model.RuntimeConfig, now time.Time) time.Time {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	now = now.In(loc)

	candidate := settlementDayInMonth(now.Year(), now.Month(), cfg.SettlementDay, loc)
	if !candidate.After(now) {
		next := now.AddDate(0, 1, 0)
		candidate = settlementDayInMonth(next.Year(), next.Month(), cfg.SettlementDay, loc)
	}
	return candidate
}

func settlementDayInMonth(year int, month time.Month, day int, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}
