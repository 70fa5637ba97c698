// Package httpserver receives the commerce platform webhooks.
package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/and161185/memsync/internal/model"
	"github.com/and161185/memsync/internal/service"
)

// Events handles the inbound business events.
type Events interface {
	OrderCompleted(ctx context.Context, ev model.OrderCompleted) (*service.Outcome, error)
	RegistrationSubmitted(ctx context.Context, reg model.Registration) (*service.Outcome, error)
	StatusChanged(ctx context.Context, ev model.StatusChanged) (*service.Outcome, error)
}

// TokenVerifier checks webhook bearer tokens.
type TokenVerifier interface {
	Verify(token, audience string) (string, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig groups router dependencies. Health may be nil.
type RouterConfig struct {
	Events Events
	Tokens TokenVerifier
	Health Pinger
	Log    *zap.Logger
}

// NewRouter builds the webhook router.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &handler{events: cfg.Events, log: log.With(zap.String("component", "webhooks"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(RequireToken(cfg.Tokens, service.AudienceWebhook))
		r.Post("/orders", h.orders)
		r.Post("/registrations", h.registrations)
		r.Post("/subscriptions", h.subscriptions)
	})
	return r
}
