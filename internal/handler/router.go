package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/starcall-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка исполнения заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)

			r.Route("/{number}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Post("/transition", h.Transition)

				r.Post("/tips", h.RecordTip)
				r.Get("/tips", h.GetTips)

				r.Get("/transfers", h.GetTransfers)
			})
		})

		r.Post("/tips/{tipID}/settle", h.SettleTip)
		r.Post("/transfers/{transferID}/retry", h.RetryTransfer)

		r.Get("/balance", h.GetBalance)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func pathValue(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
