package server

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/metrics"
	"github.com/watzon/fngate/internal/server/handlers"
	"github.com/watzon/fngate/internal/server/requestlog"
)

// adminPrefix holds the gateway's own endpoints. The loader never serves
// function routes below it.
const adminPrefix = "/_/"

type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
	handler     http.Handler
}

type Middleware func(http.Handler) http.Handler

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()
	r.build()

	return r
}

func (r *Router) setupMiddleware() {
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(requestlog.Middleware(r.server.requestLogs, requestlog.Options{
		Subject:      r.server.subject,
		SkipPrefixes: []string{adminPrefix},
	}))

	if r.server.cfg.Server.Compression {
		mw, err := CompressionMiddleware()
		if err != nil {
			log.Warn().Err(err).Msg("Compression disabled")
		} else {
			r.Use(mw)
		}
	}
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

func (r *Router) setupRoutes() {
	if r.server.cfg.Server.Admin {
		health := handlers.NewHealthHandlers(r.server.registry, r.server.scheduler, r.server, r.server.version)
		r.mux.HandleFunc("GET /_/health", health.Health)
		r.mux.HandleFunc("GET /_/live", health.Liveness)
		r.mux.HandleFunc("GET /_/stats", health.Stats)
		r.mux.Handle("GET /_/metrics", metrics.Handler())

		fns := handlers.NewFunctionHandlers(r.server.registry)
		r.mux.HandleFunc("GET /_/functions", fns.List)
		r.mux.HandleFunc("GET /_/functions/{route...}", fns.Get)
		r.mux.HandleFunc("POST /_/reload", fns.Reload)

		schedules := handlers.NewScheduleHandlers(r.server.scheduler)
		r.mux.HandleFunc("GET /_/schedules", schedules.List)
		r.mux.HandleFunc("POST /_/schedules/{id}/run", schedules.Trigger)

		requests := handlers.NewRequestHandlers(r.server.requestLogs)
		r.mux.HandleFunc("GET /_/requests", requests.List)
		r.mux.HandleFunc("GET /_/requests/stats", requests.Stats)
		r.mux.HandleFunc("POST /_/requests/clear", requests.Clear)

		r.mux.HandleFunc("GET /_/config", handlers.NewConfigHandler(r.server.cfg).Get)

		maintenance := handlers.NewMaintenanceHandler(r.server)
		r.mux.HandleFunc("GET /_/maintenance", maintenance.Get)
		r.mux.HandleFunc("POST /_/maintenance", maintenance.Set)
	}

	r.mux.Handle("/", r.server.dispatcher)
}

func (r *Router) build() {
	handler := http.Handler(r.mux)
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}
	r.handler = handler
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
