package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter mounts the HTTP surface. Everything under /api except the
// health probe is rate limited per client IP.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.CleanPath)
	r.Use(middleware.StripSlashes)
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(newCORSPolicy(s.cfg.CORS).middleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethod, "method not allowed")
	})

	r.Get("/", s.handleHome)
	r.Get(s.wsPath(), s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware)

			r.Get("/commands", s.handleListCommands)
			r.Get("/system/metrics", s.handleMetrics)

			r.Get("/status/operational", s.handleOperationalStatuses)
			r.Get("/status/obstacle", s.handleObstacleStatuses)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/online", s.handleListOnlineDevices)
				r.Post("/register", s.handleRegisterDevice)
				r.Get("/{id}", s.handleGetDevice)
				r.Get("/{id}/status", s.handleGetDeviceStatus)
				r.Delete("/{id}/status", s.handleClearDeviceStatus)
			})

			r.Post("/movements/send", s.handleSendMovement)
			r.Post("/movements/sequence", s.handleSendSequence)
			r.Post("/simulate/obstacle", s.handleSimulateObstacle)

			r.Route("/events/{id}", func(r chi.Router) {
				r.Get("/", s.handleListEvents)
				r.Get("/last", s.handleLastEvent)
				r.Get("/recent", s.handleRecentEvents)
				r.Get("/stats", s.handleEventStats)
			})

			r.Get("/demos/{id}", s.handleListDemos)
			r.Post("/demos/{id}/repeat", s.handleRepeatDemo)
		})
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return defaultWSPath
	}
	return s.wsCfg.Path
}
