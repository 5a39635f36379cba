// Package metrics содержит метрики операций движка расчётов.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "settlement_"

// Result помечает исход операции в метриках.
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

var (
	operationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "operation_total",
			Help: "Количество операций движка расчётов по исходам",
		},
		[]string{"operation", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "operation_duration_seconds",
			Help:    "Длительность операций движка расчётов",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ledgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "ledger_entries_total",
			Help: "Количество записей леджера по типам",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(operationTotal, operationDuration, ledgerEntriesTotal)
}

// Observe фиксирует исход и длительность одной операции.
func Observe(operation string, result Result, d time.Duration) {
	operationTotal.WithLabelValues(operation, string(result)).Inc()
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// CountLedgerEntry фиксирует появление записи леджера указанного типа.
func CountLedgerEntry(entryType string) {
	ledgerEntriesTotal.WithLabelValues(entryType).Inc()
}

// Handler возвращает HTTP-обработчик экспорта метрик.
func Handler() http.Handler {
	return promhttp.Handler()
}
