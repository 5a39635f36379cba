// Package ledger содержит чистые правила двойной записи: разложение
// бизнес-события в сбалансированный набор проводок. Никакого I/O.
package ledger

import (
	"fmt"
	"time"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Topup строит проводку зачисления кредитов по успешному платежу:
// дебет cash / кредит credits_liab на сумму пополнения, плюс признание
// комиссии платёжного провайдера расходом.
func Topup(paymentID string, amountKRW, pgFeeKRW int64, now time.Time) model.LedgerEntry {
	e := model.LedgerEntry{
		TS:            now,
		Type:          model.LedgerTypeCreditTopup,
		DebitAccount:  model.AccountCash,
		CreditAccount: model.AccountCreditsLiab,
		AmountKRW:     amountKRW,
		RefID:         paymentID,
		Description:   fmt.Sprintf("credit topup %s", paymentID),
	}
	if pgFeeKRW > 0 {
		e.Splits = []model.Posting{
			{Account: model.AccountPGFeeExp, Side: model.SideDebit, AmountKRW: pgFeeKRW},
			{Account: model.AccountCash, Side: model.SideCredit, AmountKRW: pgFeeKRW},
		}
	}
	return e
}

// SessionCharge строит проводку списания за сессию. Основная пара переносит
// всю сумму с обязательства по кредитам на счёт к выплате эксперту; сплиты
// переклассифицируют комиссию площадки в выручку и признают инфраструктурные
// расходы. Нетто по счетам: credits_liab -total, payable_expert +expertGross,
// revenue_platform +platformFee.
func SessionCharge(sessionID string, totalKRW, platformFeeKRW, infraCostKRW int64, now time.Time) model.LedgerEntry {
	e := model.LedgerEntry{
		TS:            now,
		Type:          model.LedgerTypeSessionCharge,
		DebitAccount:  model.AccountCreditsLiab,
		CreditAccount: model.AccountPayableExpert,
		AmountKRW:     totalKRW,
		RefID:         sessionID,
		Description:   fmt.Sprintf("session charge %s", sessionID),
	}
	if platformFeeKRW > 0 {
		e.Splits = append(e.Splits,
			model.Posting{Account: model.AccountPayableExpert, Side: model.SideDebit, AmountKRW: platformFeeKRW},
			model.Posting{Account: model.AccountRevenuePlatform, Side: model.SideCredit, AmountKRW: platformFeeKRW},
		)
	}
	if infraCostKRW > 0 {
		e.Splits = append(e.Splits,
			model.Posting{Account: model.AccountInfraExp, Side: model.SideDebit, AmountKRW: infraCostKRW},
			model.Posting{Account: model.AccountCash, Side: model.SideCredit, AmountKRW: infraCostKRW},
		)
	}
	return e
}

// Refund строит проводку возврата пополнения: снятие обязательства по кредитам
// против возврата денег, при этом комиссия провайдера не возвращается и
// остаётся признанной через обратный сплит по cash.
func Refund(paymentID string, amountKRW, pgFeeKRW int64, now time.Time) model.LedgerEntry {
	e := model.LedgerEntry{
		TS:            now,
		Type:          model.LedgerTypeRefund,
		DebitAccount:  model.AccountCreditsLiab,
		CreditAccount: model.AccountCash,
		AmountKRW:     amountKRW,
		RefID:         paymentID,
		Description:   fmt.Sprintf("refund %s", paymentID),
	}
	if pgFeeKRW > 0 {
		e.Splits = []model.Posting{
			{Account: model.AccountCash, Side: model.SideDebit, AmountKRW: pgFeeKRW},
			{Account: model.AccountPGFeeExp, Side: model.SideCredit, AmountKRW: pgFeeKRW},
		}
	}
	return e
}

// Payout строит проводку выплаты эксперту: перенос обязательства payable_expert
// в деньги, с удержанием налога отдельным сплитом, когда оно применяется.
// Нетто по cash — ровно netKRW = grossKRW - withheldKRW.
func Payout(refID string, grossKRW, withheldKRW int64, now time.Time) model.LedgerEntry {
	e := model.LedgerEntry{
		TS:            now,
		Type:          model.LedgerTypePayout,
		DebitAccount:  model.AccountPayableExpert,
		CreditAccount: model.AccountCash,
		AmountKRW:     grossKRW,
		RefID:         refID,
		Description:   fmt.Sprintf("payout %s", refID),
	}
	if withheldKRW > 0 {
		e.Splits = []model.Posting{
			{Account: model.AccountCash, Side: model.SideDebit, AmountKRW: withheldKRW},
			{Account: model.AccountTaxWithheld, Side: model.SideCredit, AmountKRW: withheldKRW},
		}
	}
	return e
}

// Balanced проверяет инвариант двойной записи: сумма дебетов равна сумме
// кредитов с учётом основной пары и всех сплитов, и все суммы положительны.
func Balanced(e model.LedgerEntry) bool {
	if e.AmountKRW <= 0 {
		return false
	}
	debits := e.AmountKRW
	credits := e.AmountKRW
	for _, p := range e.Splits {
		if p.AmountKRW <= 0 {
			return false
		}
		switch p.Side {
		case model.SideDebit:
			debits += p.AmountKRW
		case model.SideCredit:
			credits += p.AmountKRW
		default:
			return false
		}
	}
	return debits == credits
}

// NetAmount возвращает нетто-движение по счёту внутри записи: дебеты со знаком
// плюс, кредиты со знаком минус. Используется отчётами и тестами.
func NetAmount(e model.LedgerEntry, account model.Account) int64 {
	var net int64
	if e.DebitAccount == account {
		net += e.AmountKRW
	}
	if e.CreditAccount == account {
		net -= e.AmountKRW
	}
	for _, p := range e.Splits {
		if p.Account != account {
			continue
		}
		if p.Side == model.SideDebit {
			net += p.AmountKRW
		} else {
			net -= p.AmountKRW
		}
	}
	return net
}
