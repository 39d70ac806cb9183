package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caseline/relay/internal/handler/socket"
	"github.com/caseline/relay/internal/handler/status"
	middlewarePkg "github.com/caseline/relay/internal/middleware"
	"github.com/caseline/relay/internal/service/dispatch"
	"github.com/caseline/relay/pkg/utils"
)

// Options carries the optional collaborators of the HTTP surface.
type Options struct {
	Socket  socket.Config
	Monitor *dispatch.Monitor
	// Gatherer backs /metrics; nil leaves the endpoint unmounted.
	Gatherer prometheus.Gatherer
}

// NewRouter wires HTTP routes to the relay service.
func NewRouter(svc *dispatch.Service, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"online": svc.Online(),
		})
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// Websocket transport
	socket.New(svc, opts.Socket).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		status.New(svc, opts.Monitor).RegisterRoutes(api)
	})

	return r
}
