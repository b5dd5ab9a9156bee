package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/cryptopay-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса криптоплатежей.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)

			r.Post("/session", h.CreateSession)
			r.Post("/admin/subscriptions", h.GrantSubscription)
			r.Delete("/admin/subscriptions/{userID}", h.RevokeSubscription)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/payments", h.CreatePayment)
			r.Delete("/payments", h.CancelPayment)
			r.Post("/payments/confirm", h.ConfirmPayment)

			r.Get("/subscription", h.GetSubscription)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func userIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
}
