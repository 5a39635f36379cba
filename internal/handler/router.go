package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/settlement-system/internal/middleware"
	"github.com/mmeshcher/settlement-system/internal/metrics"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка расчётов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/topup", h.CreateTopup)
			r.Post("/{paymentID}/refund", h.Refund)

			r.Group(func(r chi.Router) {
				r.Use(h.webhookMiddleware.Middleware)
				r.Post("/webhook", h.ProviderWebhook)
			})
		})

		r.Get("/wallets/{userID}", h.GetWallet)

		r.Post("/sessions/complete", h.CompleteSession)

		r.Route("/settlements", func(r chi.Router) {
			r.Post("/run", h.RunSettlement)
			r.Post("/{batchID}/confirm", h.ConfirmSettlement)
			r.Get("/stats", h.GetMonthlyStats)
			r.Get("/next", h.GetNextSettlementDate)
		})

		r.Get("/experts/{expertID}/earnings", h.GetExpertEarnings)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
