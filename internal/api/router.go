// Package api exposes the handoff workflow over HTTP.
package api

import (
	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Mount registers the REST routes on r. Routes under /api/v1 require a verified token; /internal is
// reachable only from the private network and carries no auth.
func Mount(r chi.Router, svc *handoff.Service, verifier *auth.Verifier, sentiment SentimentPublisher, logger zerolog.Logger) {
	handoffs := NewHandoffHandler(svc, logger)
	presence := NewPresenceHandler(svc, logger)
	admin := NewAdminHandler(svc, logger)
	internal := NewInternalHandler(sentiment, logger)

	r.Route("/internal", func(r chi.Router) {
		r.Post("/events/negative-sentiment", internal.NegativeSentiment)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(verifier.Middleware)

		r.Route("/handoffs", func(r chi.Router) {
			r.With(auth.RequireRole(types.RoleCustomer)).Post("/", handoffs.Create)
			r.Get("/{id}", handoffs.Status)
			r.Get("/{id}/events", handoffs.Events)
			r.Post("/{id}/cancel", handoffs.Cancel)
			r.Post("/{id}/close", handoffs.Close)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(types.RoleAgent))
				r.Post("/{id}/accept", handoffs.Accept)
				r.Post("/{id}/decline", handoffs.Decline)
				r.Post("/{id}/start", handoffs.Start)
				r.Post("/{id}/complete", handoffs.Complete)
			})
		})

		r.Route("/agent", func(r chi.Router) {
			r.Use(auth.RequireRole(types.RoleAgent))
			r.Get("/pending", handoffs.Pending)
			r.Put("/presence", presence.Set)
			r.Post("/heartbeat", presence.Heartbeat)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(types.RoleAdmin))
			r.Get("/presence", admin.Presence)
			r.Put("/presence/{agentId}", admin.ForcePresence)
			r.Post("/broadcast", admin.Broadcast)
			r.Get("/queue", admin.Queue)
			r.Get("/handoffs", admin.Handoffs)
		})
	})
}
