package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Tracking routes
			r.Put("/profile", apiHandler.UpsertProfileHandler)
			r.Post("/goals", apiHandler.CreateGoalHandler)
			r.Post("/activities", apiHandler.LogActivityHandler)

			// Coaching routes
			r.Post("/coach/ask", apiHandler.AskCoachHandler)
			r.Post("/coach/ask/stream", apiHandler.CreateStreamHandler)
			r.Get("/coach/streams/{streamID}", apiHandler.GetStreamHandler)
			r.Get("/coach/events", apiHandler.EventsHandler)
			r.Post("/coach/plan", apiHandler.GeneratePlanHandler)

			// Session routes
			r.Get("/coach/sessions/{sessionID}", apiHandler.GetSessionHandler)
		})
	})

	return r
}
