package status

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/caseline/relay/internal/service/dispatch"
	"github.com/caseline/relay/pkg/utils"
)

const heartbeatInterval = 15 * time.Second

// Handler serves read-only views of the relay.
type Handler struct {
	svc     *dispatch.Service
	monitor *dispatch.Monitor
}

// New creates a status handler. monitor may be nil, in which case the event
// stream is unavailable.
func New(svc *dispatch.Service, monitor *dispatch.Monitor) *Handler {
	return &Handler{svc: svc, monitor: monitor}
}

// RegisterRoutes mounts the status endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/clients", h.handleClients)
	r.Get("/queue", h.handleQueue)
	r.Get("/monitor", h.handleMonitor)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.svc.Status())
}

func (h *Handler) handleClients(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.svc.Clients())
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"pending": h.svc.Pending(),
		"depth":   h.svc.Status().Queue.Depth,
	})
}

// handleMonitor streams relay events as SSE until the client leaves or the
// monitor shuts down.
func (h *Handler) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "monitor unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := h.monitor.Subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] monitor stream opened remote=%s", r.RemoteAddr)
	defer log.Printf("[sse] monitor stream closed remote=%s", r.RemoteAddr)

	if err := utils.SendSSEEvent(w, flusher, "ready", map[string]any{
		"online": h.svc.Online(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, ev.Kind, ev); err != nil {
				log.Printf("[sse] monitor write failed: %v", err)
				return
			}
		case t := <-ticker.C:
			if err := utils.SendSSEChunk(w, flusher, map[string]any{
				"event": "heartbeat",
				"time":  t.UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}
