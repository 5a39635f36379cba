// Package memory содержит эталонную реализацию портов хранилища в памяти.
// Она определяет контракт, которому обязана удовлетворять любая реальная
// реализация: атомарность единицы работы, условное списание кредитов и
// уникальность пакета выплат за месяц.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/repository"
)

// Store — хранилище в памяти под одним мьютексом. Единица работы выполняется
// целиком под блокировкой со снимком состояния: при ошибке снимок
// восстанавливается, и никакие записи не переживают неудачную транзакцию.
type Store struct {
	mu  sync.Mutex
	d   *data
	cfg repository.StaticConfig
}

type data struct {
	users        map[string]model.User
	wallets      map[string]model.Wallet
	payments     map[string]model.Payment
	byIdemKey    map[string]string
	sessions     map[string]model.Session
	entries      []model.LedgerEntry
	nextEntryID  int64
	batches      map[string]model.PayoutBatch
	batchByMonth map[string]string
	items        map[string][]model.PayoutItem
}

func newData() *data {
	return &data{
		users:        make(map[string]model.User),
		wallets:      make(map[string]model.Wallet),
		payments:     make(map[string]model.Payment),
		byIdemKey:    make(map[string]string),
		sessions:     make(map[string]model.Session),
		batches:      make(map[string]model.PayoutBatch),
		batchByMonth: make(map[string]string),
		items:        make(map[string][]model.PayoutItem),
	}
}

func (d *data) clone() *data {
	cp := &data{
		users:        make(map[string]model.User, len(d.users)),
		wallets:      make(map[string]model.Wallet, len(d.wallets)),
		payments:     make(map[string]model.Payment, len(d.payments)),
		byIdemKey:    make(map[string]string, len(d.byIdemKey)),
		sessions:     make(map[string]model.Session, len(d.sessions)),
		entries:      make([]model.LedgerEntry, len(d.entries)),
		nextEntryID:  d.nextEntryID,
		batches:      make(map[string]model.PayoutBatch, len(d.batches)),
		batchByMonth: make(map[string]string, len(d.batchByMonth)),
		items:        make(map[string][]model.PayoutItem, len(d.items)),
	}
	for k, v := range d.users {
		cp.users[k] = v
	}
	for k, v := range d.wallets {
		cp.wallets[k] = v
	}
	for k, v := range d.payments {
		cp.payments[k] = v
	}
	for k, v := range d.byIdemKey {
		cp.byIdemKey[k] = v
	}
	for k, v := range d.sessions {
		cp.sessions[k] = v
	}
	copy(cp.entries, d.entries)
	for k, v := range d.batches {
		cp.batches[k] = v
	}
	for k, v := range d.batchByMonth {
		cp.batchByMonth[k] = v
	}
	for k, v := range d.items {
		items := make([]model.PayoutItem, len(v))
		copy(items, v)
		cp.items[k] = items
	}
	return cp
}

// NewStore создаёт пустое хранилище с указанной конфигурацией рантайма.
func NewStore(cfg *model.RuntimeConfig) *Store {
	return &Store{
		d:   newData(),
		cfg: repository.StaticConfig{Cfg: cfg},
	}
}

// Close реализует repository.Store; хранилищу в памяти закрывать нечего.
func (s *Store) Close() error { return nil }

// PutUser добавляет пользователя. Пользователи принадлежат внешнему
// провижинингу, поэтому это не часть порта, а вспомогательный метод.
func (s *Store) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.users[u.ID] = u
}

// repoSet реализует все порты поверх общего состояния. Вне транзакции каждый
// вызов берёт мьютекс; внутри транзакции мьютекс уже удержан WithinTx.
type repoSet struct {
	s    *Store
	inTx bool
}

func (r *repoSet) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.s.mu.Lock()
	return r.s.mu.Unlock
}

// WithinTx выполняет fn атомарно: снимок состояния восстанавливается при
// любой ошибке.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r repository.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.d.clone()
	if err := fn(ctx, &repoSet{s: s, inTx: true}); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

func (s *Store) Users() repository.UserRepository         { return &repoSet{s: s} }
func (s *Store) Wallets() repository.WalletRepository     { return &repoSet{s: s} }
func (s *Store) Payments() repository.PaymentRepository   { return &repoSet{s: s} }
func (s *Store) Sessions() repository.SessionRepository   { return &repoSet{s: s} }
func (s *Store) Ledger() repository.LedgerRepository      { return &repoSet{s: s} }
func (s *Store) Batches() repository.PayoutBatchRepository { return &repoSet{s: s} }
func (s *Store) Items() repository.PayoutItemRepository   { return &repoSet{s: s} }
func (s *Store) Config() repository.ConfigRepository      { return s.cfg }

func (r *repoSet) Users() repository.UserRepository          { return r }
func (r *repoSet) Wallets() repository.WalletRepository      { return r }
func (r *repoSet) Payments() repository.PaymentRepository    { return r }
func (r *repoSet) Sessions() repository.SessionRepository    { return r }
func (r *repoSet) Ledger() repository.LedgerRepository       { return r }
func (r *repoSet) Batches() repository.PayoutBatchRepository { return r }
func (r *repoSet) Items() repository.PayoutItemRepository    { return r }
func (r *repoSet) Config() repository.ConfigRepository       { return r.s.cfg }

// GetUser возвращает пользователя по идентификатору.
func (r *repoSet) GetUser(ctx context.Context, id string) (*model.User, error) {
	defer r.lock()()

	u, ok := r.s.d.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

// GetWallet возвращает кошелёк пользователя.
func (r *repoSet) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	defer r.lock()()

	w, ok := r.s.d.wallets[userID]
	if !ok {
		return nil, repository.ErrWalletNotFound
	}
	return &w, nil
}

// AddCredits зачисляет кредиты, лениво создавая кошелёк.
func (r *repoSet) AddCredits(ctx context.Context, userID string, credits int64) error {
	defer r.lock()()

	w := r.s.d.wallets[userID]
	w.UserID = userID
	w.Credits += credits
	w.UpdatedAt = time.Now()
	r.s.d.wallets[userID] = w
	return nil
}

// DeductCredits списывает кредиты условно: вся сумма или ничего.
func (r *repoSet) DeductCredits(ctx context.Context, userID string, credits int64) error {
	defer r.lock()()

	w, ok := r.s.d.wallets[userID]
	if !ok || w.Credits < credits {
		return repository.ErrInsufficientCredits
	}
	w.Credits -= credits
	w.UpdatedAt = time.Now()
	r.s.d.wallets[userID] = w
	return nil
}

// CreatePayment сохраняет платёж, проверяя уникальность ключа идемпотентности.
func (r *repoSet) CreatePayment(ctx context.Context, p *model.Payment) error {
	defer r.lock()()

	if p.IdempotencyKey != "" {
		if _, ok := r.s.d.byIdemKey[p.IdempotencyKey]; ok {
			return repository.ErrDuplicateIdempotencyKey
		}
		r.s.d.byIdemKey[p.IdempotencyKey] = p.ID
	}
	r.s.d.payments[p.ID] = *p
	return nil
}

// GetPayment возвращает платёж по идентификатору.
func (r *repoSet) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	defer r.lock()()

	p, ok := r.s.d.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return &p, nil
}

// GetPaymentByIdempotencyKey возвращает платёж по ключу идемпотентности.
func (r *repoSet) GetPaymentByIdempotencyKey(ctx context.Context, key string) (*model.Payment, error) {
	defer r.lock()()

	id, ok := r.s.d.byIdemKey[key]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	p := r.s.d.payments[id]
	return &p, nil
}

// GetPaymentByProviderRef возвращает платёж по ссылкам платёжного провайдера.
func (r *repoSet) GetPaymentByProviderRef(ctx context.Context, paymentKey, orderID string) (*model.Payment, error) {
	defer r.lock()()

	for _, p := range r.s.d.payments {
		if p.TossPaymentKey == paymentKey && p.TossOrderID == orderID {
			cp := p
			return &cp, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

// UpdatePaymentStatus переводит платёж в новый статус.
func (r *repoSet) UpdatePaymentStatus(ctx context.Context, id string, status model.PaymentStatus) error {
	defer r.lock()()

	p, ok := r.s.d.payments[id]
	if !ok {
		return repository.ErrPaymentNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	r.s.d.payments[id] = p
	return nil
}

// CreateSession сохраняет сессию.
func (r *repoSet) CreateSession(ctx context.Context, sess *model.Session) error {
	defer r.lock()()

	r.s.d.sessions[sess.ID] = *sess
	return nil
}

// GetSession возвращает сессию по идентификатору.
func (r *repoSet) GetSession(ctx context.Context, id string) (*model.Session, error) {
	defer r.lock()()

	sess, ok := r.s.d.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return &sess, nil
}

// ListCompletedSessions возвращает завершённые сессии за период [fromMs, toMs).
func (r *repoSet) ListCompletedSessions(ctx context.Context, fromMs, toMs int64) ([]model.Session, error) {
	defer r.lock()()

	var res []model.Session
	for _, sess := range r.s.d.sessions {
		if sess.Status == model.SessionStatusCompleted && sess.EndedAt >= fromMs && sess.EndedAt < toMs {
			res = append(res, sess)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].EndedAt < res[j].EndedAt })
	return res, nil
}

// ListCompletedSessionsByExpert возвращает завершённые сессии эксперта за период.
func (r *repoSet) ListCompletedSessionsByExpert(ctx context.Context, expertID string, fromMs, toMs int64) ([]model.Session, error) {
	all, err := r.ListCompletedSessions(ctx, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	var res []model.Session
	for _, sess := range all {
		if sess.ExpertID == expertID {
			res = append(res, sess)
		}
	}
	return res, nil
}

// AppendEntry сохраняет запись леджера и присваивает ей идентификатор.
func (r *repoSet) AppendEntry(ctx context.Context, e *model.LedgerEntry) error {
	defer r.lock()()

	r.s.d.nextEntryID++
	e.ID = fmt.Sprintf("le-%06d", r.s.d.nextEntryID)
	r.s.d.entries = append(r.s.d.entries, *e)
	return nil
}

// ListEntriesByRef возвращает записи леджера, ссылающиеся на refID.
func (r *repoSet) ListEntriesByRef(ctx context.Context, refID string) ([]model.LedgerEntry, error) {
	defer r.lock()()

	var res []model.LedgerEntry
	for _, e := range r.s.d.entries {
		if e.RefID == refID || strings.HasPrefix(e.RefID, refID+"/") {
			res = append(res, e)
		}
	}
	return res, nil
}

// ListEntriesByType возвращает записи леджера указанного типа.
func (r *repoSet) ListEntriesByType(ctx context.Context, t model.LedgerType) ([]model.LedgerEntry, error) {
	defer r.lock()()

	var res []model.LedgerEntry
	for _, e := range r.s.d.entries {
		if e.Type == t {
			res = append(res, e)
		}
	}
	return res, nil
}

// CreateBatch сохраняет пакет выплат, обеспечивая единственность за месяц.
func (r *repoSet) CreateBatch(ctx context.Context, b *model.PayoutBatch) error {
	defer r.lock()()

	if _, ok := r.s.d.batchByMonth[b.Month]; ok {
		return repository.ErrBatchExists
	}
	r.s.d.batchByMonth[b.Month] = b.ID
	r.s.d.batches[b.ID] = *b
	return nil
}

// GetBatch возвращает пакет по идентификатору.
func (r *repoSet) GetBatch(ctx context.Context, id string) (*model.PayoutBatch, error) {
	defer r.lock()()

	b, ok := r.s.d.batches[id]
	if !ok {
		return nil, repository.ErrBatchNotFound
	}
	return &b, nil
}

// GetBatchByMonth возвращает пакет за указанный месяц.
func (r *repoSet) GetBatchByMonth(ctx context.Context, month string) (*model.PayoutBatch, error) {
	defer r.lock()()

	id, ok := r.s.d.batchByMonth[month]
	if !ok {
		return nil, repository.ErrBatchNotFound
	}
	b := r.s.d.batches[id]
	return &b, nil
}

// UpdateBatchStatus переводит пакет в новый статус.
func (r *repoSet) UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus, executedAt *time.Time) error {
	defer r.lock()()

	b, ok := r.s.d.batches[id]
	if !ok {
		return repository.ErrBatchNotFound
	}
	b.Status = status
	if executedAt != nil {
		t := *executedAt
		b.ExecutedAt = &t
	}
	r.s.d.batches[id] = b
	return nil
}

// CreateItem сохраняет выплату эксперту.
func (r *repoSet) CreateItem(ctx context.Context, it *model.PayoutItem) error {
	defer r.lock()()

	r.s.d.items[it.BatchID] = append(r.s.d.items[it.BatchID], *it)
	return nil
}

// ListItemsByBatch возвращает выплаты пакета.
func (r *repoSet) ListItemsByBatch(ctx context.Context, batchID string) ([]model.PayoutItem, error) {
	defer r.lock()()

	items := r.s.d.items[batchID]
	res := make([]model.PayoutItem, len(items))
	copy(res, items)
	return res, nil
}

// UpdateItemStatus переводит выплату эксперта в новый статус.
func (r *repoSet) UpdateItemStatus(ctx context.Context, batchID, expertID string, status model.ItemStatus, paidAt *time.Time, failureReason string) error {
	defer r.lock()()

	items := r.s.d.items[batchID]
	for i := range items {
		if items[i].ExpertID != expertID {
			continue
		}
		items[i].Status = status
		items[i].FailureReason = failureReason
		if paidAt != nil {
			t := *paidAt
			items[i].PaidAt = &t
		}
		return nil
	}
	return repository.ErrItemNotFound
}
