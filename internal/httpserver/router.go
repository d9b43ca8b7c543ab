package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"textpilot/internal/middleware"
)

type RouterDeps struct {
	Logger     *slog.Logger
	Controller Controller
	// Bridge принимает WebSocket от расширения браузера; nil отключает /bridge.
	Bridge http.Handler
}

// NewRouter собирает chi-роутер с общими middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(deps.Logger))
	r.Use(middleware.Logging(deps.Logger, "/ping", "/state"))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	api := &handlers{ctrl: deps.Controller, logger: deps.Logger}

	r.Get("/state", api.state)
	r.Get("/operations", api.operations)
	r.Post("/operations/{op}", api.runOperation)
	r.Post("/copy", api.copy)

	r.Route("/contexts", func(r chi.Router) {
		r.Get("/", api.listContexts)
		r.Post("/", api.submitContext)
		r.Delete("/", api.clearContexts)

		r.Post("/creation", api.beginCreation)
		r.Delete("/creation", api.cancelCreation)

		r.Put("/active", api.selectContext)
		r.Delete("/active", api.deselectContext)
		r.Post("/active/messages", api.addToContext)
	})

	if deps.Bridge != nil {
		r.Get("/bridge", deps.Bridge.ServeHTTP)
	}

	return r
}
