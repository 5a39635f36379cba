// Package postgres содержит реализацию портов хранилища в PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store предоставляет доступ к хранилищу данных движка расчётов в PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	cfg  repository.StaticConfig
}

// queryer объединяет пул и транзакцию: репозитории работают одинаково
// поверх того и другого.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore создаёт хранилище и инициализирует схему БД через миграции.
func NewStore(dsn string, cfg *model.RuntimeConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, cfg: repository.StaticConfig{Cfg: cfg}}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// WithinTx выполняет fn в одной транзакции БД: все репозитории, полученные
// из переданного Repos, работают через неё. Конфликты сериализации и
// дедлоки перезапускают единицу работы целиком.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r repository.Repos) error) error {
	return withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &repoSet{q: tx, cfg: s.cfg}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// repoSet реализует все порты поверх пула или транзакции.
type repoSet struct {
	q   queryer
	cfg repository.StaticConfig
}

func (s *Store) repos() *repoSet { return &repoSet{q: s.pool, cfg: s.cfg} }

func (s *Store) Users() repository.UserRepository          { return s.repos() }
func (s *Store) Wallets() repository.WalletRepository      { return s.repos() }
func (s *Store) Payments() repository.PaymentRepository    { return s.repos() }
func (s *Store) Sessions() repository.SessionRepository    { return s.repos() }
func (s *Store) Ledger() repository.LedgerRepository       { return s.repos() }
func (s *Store) Batches() repository.PayoutBatchRepository { return s.repos() }
func (s *Store) Items() repository.PayoutItemRepository    { return s.repos() }
func (s *Store) Config() repository.ConfigRepository       { return s.cfg }

func (r *repoSet) Users() repository.UserRepository          { return r }
func (r *repoSet) Wallets() repository.WalletRepository      { return r }
func (r *repoSet) Payments() repository.PaymentRepository    { return r }
func (r *repoSet) Sessions() repository.SessionRepository    { return r }
func (r *repoSet) Ledger() repository.LedgerRepository       { return r }
func (r *repoSet) Batches() repository.PayoutBatchRepository { return r }
func (r *repoSet) Items() repository.PayoutItemRepository    { return r }
func (r *repoSet) Config() repository.ConfigRepository       { return r.cfg }

// GetUser возвращает пользователя по идентификатору.
func (r *repoSet) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := r.q.QueryRow(ctx,
		`SELECT id, role, tax_mode,
		        bank_holder, bank_code, bank_account_number,
		        expert_level, expert_tier, expert_rate_per_min,
		        created_at
		 FROM users WHERE id = $1`,
		id,
	)

	var (
		u          model.User
		holder     *string
		bankCode   *string
		accountNum *string
		level      *string
		tier       *string
		ratePerMin *int64
	)
	err := row.Scan(&u.ID, &u.Role, &u.TaxMode, &holder, &bankCode, &accountNum, &level, &tier, &ratePerMin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if holder != nil && bankCode != nil && accountNum != nil {
		u.BankAccount = &model.BankAccount{
			Holder:        *holder,
			BankCode:      *bankCode,
			AccountNumber: *accountNum,
		}
	}
	if level != nil || tier != nil || ratePerMin != nil {
		info := &model.ExpertInfo{}
		if level != nil {
			info.Level = *level
		}
		if tier != nil {
			info.Tier = *tier
		}
		if ratePerMin != nil {
			info.RatePerMinKRW = *ratePerMin
		}
		u.ExpertInfo = info
	}

	return &u, nil
}

// GetWallet возвращает кошелёк пользователя.
func (r *repoSet) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	row := r.q.QueryRow(ctx,
		`SELECT user_id, credits, updated_at FROM wallets WHERE user_id = $1`,
		userID,
	)

	var w model.Wallet
	if err := row.Scan(&w.UserID, &w.Credits, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	return &w, nil
}

// AddCredits зачисляет кредиты, лениво создавая кошелёк.
func (r *repoSet) AddCredits(ctx context.Context, userID string, credits int64) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO wallets (user_id, credits, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET credits = wallets.credits + EXCLUDED.credits, updated_at = now()`,
		userID, credits,
	)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// DeductCredits списывает кредиты атомарным условным декрементом: условие
// credits >= $2 в самом UPDATE закрывает гонку check-then-act между
// конкурентными списаниями.
func (r *repoSet) DeductCredits(ctx context.Context, userID string, credits int64) error {
	cmdTag, err := r.q.Exec(ctx,
		`UPDATE wallets SET credits = credits - $2, updated_at = now()
		 WHERE user_id = $1 AND credits >= $2`,
		userID, credits,
	)
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrInsufficientCredits
	}
	return nil
}

// CreatePayment сохраняет платёж; уникальность ключа идемпотентности
// обеспечивается ограничением БД.
func (r *repoSet) CreatePayment(ctx context.Context, p *model.Payment) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO payments (id, user_id, amount_krw, credits_issued, pg_fee_krw, status, idempotency_key, toss_payment_key, toss_order_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.UserID, p.AmountKRW, p.CreditsIssued, p.PGFeeKRW, string(p.Status), p.IdempotencyKey, p.TossPaymentKey, p.TossOrderID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return repository.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.AmountKRW, &p.CreditsIssued, &p.PGFeeKRW, &status, &p.IdempotencyKey, &p.TossPaymentKey, &p.TossOrderID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

const paymentColumns = `id, user_id, amount_krw, credits_issued, pg_fee_krw, status, idempotency_key, toss_payment_key, toss_order_id, created_at, updated_at`

// GetPayment возвращает платёж по идентификатору.
func (r *repoSet) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return scanPayment(r.q.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetPaymentByIdempotencyKey возвращает платёж по ключу идемпотентности.
func (r *repoSet) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	return scanPayment(r.q.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
}

// GetPaymentByProviderRef возвращает платёж по ссылкам платёжного провайдера.
func (r *repoSet) GetPaymentByProviderRef(ctx context.Context, paymentKey, orderID string) (*model.Payment, error) {
	return scanPayment(r.q.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE toss_payment_key = $1 AND toss_order_id = $2`,
		paymentKey, orderID))
}

// UpdatePaymentStatus переводит платёж в новый статус.
func (r *repoSet) UpdatePaymentStatus(ctx context.Context, id string, status model.PaymentStatus) error {
	cmdTag, err := r.q.Exec(ctx,
		`UPDATE payments SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrPaymentNotFound
	}
	return nil
}

// CreateSession сохраняет запись сессии.
func (r *repoSet) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO sessions (id, client_id, expert_id, started_at_ms, ended_at_ms, duration_min, rate_per_min_krw, total_krw, platform_fee_krw, expert_gross_krw, infra_cost_krw, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.ClientID, s.ExpertID, s.StartedAt, s.EndedAt, s.DurationMin, s.RatePerMinKRW, s.TotalKRW, s.PlatformFeeKRW, s.ExpertGrossKRW, s.InfraCostKRW, string(s.Status), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, client_id, expert_id, started_at_ms, ended_at_ms, duration_min, rate_per_min_krw, total_krw, platform_fee_krw, expert_gross_krw, infra_cost_krw, status, created_at`

func scanSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()

	var res []model.Session
	for rows.Next() {
		var s model.Session
		var status string
		if err := rows.Scan(&s.ID, &s.ClientID, &s.ExpertID, &s.StartedAt, &s.EndedAt, &s.DurationMin, &s.RatePerMinKRW, &s.TotalKRW, &s.PlatformFeeKRW, &s.ExpertGrossKRW, &s.InfraCostKRW, &status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Status = model.SessionStatus(status)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetSession возвращает сессию по идентификатору.
func (r *repoSet) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	var status string
	err := r.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.ClientID, &s.ExpertID, &s.StartedAt, &s.EndedAt, &s.DurationMin, &s.RatePerMinKRW, &s.TotalKRW, &s.PlatformFeeKRW, &s.ExpertGrossKRW, &s.InfraCostKRW, &status, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}

// ListCompletedSessions возвращает завершённые сессии за период [fromMs, toMs).
func (r *repoSet) ListCompletedSessions(ctx context.Context, fromMs, toMs int64) ([]model.Session, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE status = $1 AND ended_at_ms >= $2 AND ended_at_ms < $3
		 ORDER BY ended_at_ms`,
		string(model.SessionStatusCompleted), fromMs, toMs,
	)
	if err != nil {
		return nil, fmt.Errorf("select completed sessions: %w", err)
	}
	return scanSessions(rows)
}

// ListCompletedSessionsByExpert возвращает завершённые сессии эксперта за период.
func (r *repoSet) ListCompletedSessionsByExpert(ctx context.Context, expertID string, fromMs, toMs int64) ([]model.Session, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE status = $1 AND expert_id = $2 AND ended_at_ms >= $3 AND ended_at_ms < $4
		 ORDER BY ended_at_ms`,
		string(model.SessionStatusCompleted), expertID, fromMs, toMs,
	)
	if err != nil {
		return nil, fmt.Errorf("select expert sessions: %w", err)
	}
	return scanSessions(rows)
}

// AppendEntry сохраняет запись леджера вместе со сплитами.
func (r *repoSet) AppendEntry(ctx context.Context, e *model.LedgerEntry) error {
	var seq int64
	err := r.q.QueryRow(ctx,
		`INSERT INTO ledger_entries (ts, type, debit_account, credit_account, amount_krw, ref_id, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		e.TS, string(e.Type), string(e.DebitAccount), string(e.CreditAccount), e.AmountKRW, e.RefID, e.Description,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	e.ID = fmt.Sprintf("le-%06d", seq)

	for i, p := range e.Splits {
		_, err := r.q.Exec(ctx,
			`INSERT INTO ledger_splits (entry_seq, pos, account, side, amount_krw) VALUES ($1, $2, $3, $4, $5)`,
			seq, i, string(p.Account), string(p.Side), p.AmountKRW,
		)
		if err != nil {
			return fmt.Errorf("insert ledger split: %w", err)
		}
	}

	return nil
}

func (r *repoSet) listEntries(ctx context.Context, where string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT seq, ts, type, debit_account, credit_account, amount_krw, ref_id, description
		 FROM ledger_entries WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	var seqs []int64
	for rows.Next() {
		var (
			e   model.LedgerEntry
			seq int64
			typ string
			deb string
			cre string
		)
		if err := rows.Scan(&seq, &e.TS, &typ, &deb, &cre, &e.AmountKRW, &e.RefID, &e.Description); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.ID = fmt.Sprintf("le-%06d", seq)
		e.Type = model.LedgerType(typ)
		e.DebitAccount = model.Account(deb)
		e.CreditAccount = model.Account(cre)
		res = append(res, e)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i, seq := range seqs {
		splits, err := r.listSplits(ctx, seq)
		if err != nil {
			return nil, err
		}
		res[i].Splits = splits
	}

	return res, nil
}

func (r *repoSet) listSplits(ctx context.Context, entrySeq int64) ([]model.Posting, error) {
	rows, err := r.q.Query(ctx,
		`SELECT account, side, amount_krw FROM ledger_splits WHERE entry_seq = $1 ORDER BY pos`,
		entrySeq,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger splits: %w", err)
	}
	defer rows.Close()

	var res []model.Posting
	for rows.Next() {
		var p model.Posting
		var account, side string
		if err := rows.Scan(&account, &side, &p.AmountKRW); err != nil {
			return nil, fmt.Errorf("scan ledger split: %w", err)
		}
		p.Account = model.Account(account)
		p.Side = model.PostingSide(side)
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListEntriesByRef возвращает записи леджера, ссылающиеся на refID.
func (r *repoSet) ListEntriesByRef(ctx context.Context, refID string) ([]model.LedgerEntry, error) {
	return r.listEntries(ctx, `ref_id = $1 OR ref_id LIKE $1 || '/%'`, refID)
}

// ListEntriesByType возвращает записи леджера указанного типа.
func (r *repoSet) ListEntriesByType(ctx context.Context, t model.LedgerType) ([]model.LedgerEntry, error) {
	return r.listEntries(ctx, `type = $1`, string(t))
}

// CreateBatch сохраняет пакет выплат; единственность за месяц обеспечивается
// уникальным ограничением БД.
func (r *repoSet) CreateBatch(ctx context.Context, b *model.PayoutBatch) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO payout_batches (id, month, scheduled_at, executed_at, status, expert_count, gross_krw, withheld_krw, net_krw, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.Month, b.ScheduledAt, b.ExecutedAt, string(b.Status), b.Totals.ExpertCount, b.Totals.GrossKRW, b.Totals.WithheldKRW, b.Totals.NetKRW, b.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return repository.ErrBatchExists
		}
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func scanBatch(row pgx.Row) (*model.PayoutBatch, error) {
	var b model.PayoutBatch
	var status string
	err := row.Scan(&b.ID, &b.Month, &b.ScheduledAt, &b.ExecutedAt, &status, &b.Totals.ExpertCount, &b.Totals.GrossKRW, &b.Totals.WithheldKRW, &b.Totals.NetKRW, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrBatchNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

const batchColumns = `id, month, scheduled_at, executed_at, status, expert_count, gross_krw, withheld_krw, net_krw, created_at`

// GetBatch возвращает пакет по идентификатору.
func (r *repoSet) GetBatch(ctx context.Context, id string) (*model.PayoutBatch, error) {
	return scanBatch(r.q.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, id))
}

// GetBatchByMonth возвращает пакет за указанный месяц.
func (r *repoSet) GetBatchByMonth(ctx context.Context, month string) (*model.PayoutBatch, error) {
	return scanBatch(r.q.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM payout_batches WHERE month = $1`, month))
}

// UpdateBatchStatus переводит пакет в новый статус.
func (r *repoSet) UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus, executedAt *time.Time) error {
	cmdTag, err := r.q.Exec(ctx,
		`UPDATE payout_batches SET status = $2, executed_at = COALESCE($3, executed_at) WHERE id = $1`,
		id, string(status), executedAt,
	)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrBatchNotFound
	}
	return nil
}

// CreateItem сохраняет выплату эксперту вместе с разбивкой по сессиям.
func (r *repoSet) CreateItem(ctx context.Context, it *model.PayoutItem) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO payout_items (batch_id, expert_id, period_from, period_to, gross_krw, tax_withheld_krw, net_krw, bank_holder, bank_code, bank_account_number, status, created_at, paid_at, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		it.BatchID, it.ExpertID, it.PeriodFrom, it.PeriodTo, it.GrossKRW, it.TaxWithheldKRW, it.NetKRW,
		it.BankAccount.Holder, it.BankAccount.BankCode, it.BankAccount.AccountNumber,
		string(it.Status), it.CreatedAt, it.PaidAt, it.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("create payout item: %w", err)
	}

	for _, line := range it.Breakdown {
		_, err := r.q.Exec(ctx,
			`INSERT INTO payout_breakdown (batch_id, expert_id, session_id, amount_krw) VALUES ($1, $2, $3, $4)`,
			it.BatchID, it.ExpertID, line.SessionID, line.AmountKRW,
		)
		if err != nil {
			return fmt.Errorf("insert payout breakdown: %w", err)
		}
	}

	return nil
}

// ListItemsByBatch возвращает выплаты пакета с разбивкой по сессиям.
func (r *repoSet) ListItemsByBatch(ctx context.Context, batchID string) ([]model.PayoutItem, error) {
	rows, err := r.q.Query(ctx,
		`SELECT batch_id, expert_id, period_from, period_to, gross_krw, tax_withheld_krw, net_krw,
		        bank_holder, bank_code, bank_account_number, status, created_at, paid_at, failure_reason
		 FROM payout_items WHERE batch_id = $1 ORDER BY expert_id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payout items: %w", err)
	}
	defer rows.Close()

	var res []model.PayoutItem
	for rows.Next() {
		var it model.PayoutItem
		var status string
		if err := rows.Scan(&it.BatchID, &it.ExpertID, &it.PeriodFrom, &it.PeriodTo, &it.GrossKRW, &it.TaxWithheldKRW, &it.NetKRW,
			&it.BankAccount.Holder, &it.BankAccount.BankCode, &it.BankAccount.AccountNumber, &status, &it.CreatedAt, &it.PaidAt, &it.FailureReason); err != nil {
			return nil, fmt.Errorf("scan payout item: %w", err)
		}
		it.Status = model.ItemStatus(status)
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range res {
		lines, err := r.listBreakdown(ctx, batchID, res[i].ExpertID)
		if err != nil {
			return nil, err
		}
		res[i].Breakdown = lines
	}

	return res, nil
}

func (r *repoSet) listBreakdown(ctx context.Context, batchID, expertID string) ([]model.BreakdownLine, error) {
	rows, err := r.q.Query(ctx,
		`SELECT session_id, amount_krw FROM payout_breakdown WHERE batch_id = $1 AND expert_id = $2 ORDER BY session_id`,
		batchID, expertID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payout breakdown: %w", err)
	}
	defer rows.Close()

	var res []model.BreakdownLine
	for rows.Next() {
		var line model.BreakdownLine
		if err := rows.Scan(&line.SessionID, &line.AmountKRW); err != nil {
			return nil, fmt.Errorf("scan payout breakdown: %w", err)
		}
		res = append(res, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateItemStatus переводит выплату эксперта в новый статус.
func (r *repoSet) UpdateItemStatus(ctx context.Context, batchID, expertID string, status model.ItemStatus, paidAt *time.Time, failureReason string) error {
	cmdTag, err := r.q.Exec(ctx,
		`UPDATE payout_items SET status = $3, paid_at = $4, failure_reason = $5
		 WHERE batch_id = $1 AND expert_id = $2`,
		batchID, expertID, string(status), paidAt, failureReason,
	)
	if err != nil {
		return fmt.Errorf("update payout item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrItemNotFound
	}
	return nil
}
