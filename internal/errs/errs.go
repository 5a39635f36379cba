// Package errs содержит единую таксономию доменных ошибок движка расчётов.
package errs

import (
	"errors"
	"fmt"
)

// Code — машиночитаемый код доменной ошибки.
type Code string

const (
	CodeInsufficientCredits    Code = "INSUFFICIENT_CREDITS"
	CodeInvalidSession         Code = "INVALID_SESSION"
	CodeBatchAlreadyExists     Code = "BATCH_ALREADY_EXISTS"
	CodeBatchNotFound          Code = "BATCH_NOT_FOUND"
	CodePayoutAlreadyProcessed Code = "PAYOUT_ALREADY_PROCESSED"
	CodeInvalidPeriod          Code = "INVALID_PERIOD"
	CodeConfigNotFound         Code = "CONFIG_NOT_FOUND"
	CodeBankInfoMissing        Code = "BANK_INFO_MISSING"
	CodeTransactionFailed      Code = "TRANSACTION_FAILED"
)

// SettlementError — доменная ошибка с кодом и структурированным контекстом.
// Ошибки слоя хранения не выходят наружу напрямую: они заворачиваются сюда
// с сохранением цепочки через Unwrap.
type SettlementError struct {
	Code    Code
	Message string
	Context map[string]any
	Err     error
}

func (e *SettlementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap возвращает исходную ошибку для errors.Is/errors.As.
func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал с шаблонами New(code).
func (e *SettlementError) Is(target error) bool {
	var se *SettlementError
	if !errors.As(target, &se) {
		return false
	}
	return e.Code == se.Code
}

// New создаёт доменную ошибку с указанным кодом и сообщением.
func New(code Code, message string) *SettlementError {
	return &SettlementError{Code: code, Message: message}
}

// Newf создаёт доменную ошибку с форматированным сообщением.
func Newf(code Code, format string, args ...any) *SettlementError {
	return &SettlementError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap заворачивает исходную ошибку в доменную с указанным кодом.
func Wrap(code Code, message string, err error) *SettlementError {
	return &SettlementError{Code: code, Message: message, Err: err}
}

// WithContext добавляет пары ключ-значение к контексту ошибки.
func (e *SettlementError) WithContext(kv map[string]any) *SettlementError {
	if e.Context == nil {
		e.Context = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		e.Context[k] = v
	}
	return e
}

// CodeOf возвращает код доменной ошибки или пустую строку, если ошибка
// не принадлежит таксономии.
func CodeOf(err error) Code {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
