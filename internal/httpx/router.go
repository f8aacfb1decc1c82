package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/inventory-saga/internal/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/purchases", handler.CreatePurchase)

	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", handler.CreateReservation)
		r.Get("/{id}", handler.GetReservation)
		r.Post("/{id}/cancel", handler.CancelReservation)
	})

	r.Put("/inventory/{productID}", handler.PutInventory)
	r.Get("/inventory/{productID}", handler.GetInventory)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/recovery", handler.TriggerRecovery)
		r.Get("/wal/{txID}", handler.GetTransactionLog)
	})
	return r
}
