package health

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tabletide/relay/internal/breaker"
	"github.com/tabletide/relay/internal/httputil"
	"github.com/tabletide/relay/internal/webhook"
)

// BrokerStatus is the slice of the relay the health surface needs.
type BrokerStatus interface {
	Connected() bool
}

// QueueStatus reports retry-queue counts.
type QueueStatus interface {
	GetStats(ctx context.Context) (webhook.Stats, error)
}

// ConnectionCounter reports live connection count.
type ConnectionCounter interface {
	Len() int
}

// Handler aggregates broker connectivity, breaker snapshots, and
// retry-queue stats into one health report. Unhealthy dependencies
// degrade the reported status; the process itself stays up.
type Handler struct {
	relay    BrokerStatus
	breakers []*breaker.Breaker
	queue    QueueStatus
	hub      ConnectionCounter
}

func NewHandler(relay BrokerStatus, breakers []*breaker.Breaker, queue QueueStatus, hub ConnectionCounter) *Handler {
	return &Handler{relay: relay, breakers: breakers, queue: queue, hub: hub}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/api/health/details", h.Details).Methods(http.MethodGet)
}

// Liveness is the cheap probe: the process is serving.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type detailsResponse struct {
	Status      string                   `json:"status"` // "ok" | "degraded"
	Broker      brokerReport             `json:"broker"`
	Breakers    map[string]breaker.Stats `json:"breakers"`
	Queue       *webhook.Stats           `json:"webhook_queue,omitempty"`
	Connections int                      `json:"connections"`
	CheckedAt   time.Time                `json:"checked_at"`
}

type brokerReport struct {
	Connected bool `json:"connected"`
}

// Details reports per-dependency state. The status is degraded when the
// broker session is down or any breaker is open.
func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	resp := detailsResponse{
		Status:    "ok",
		Breakers:  make(map[string]breaker.Stats, len(h.breakers)),
		CheckedAt: time.Now().UTC(),
	}

	if h.relay != nil {
		resp.Broker.Connected = h.relay.Connected()
		if !resp.Broker.Connected {
			resp.Status = "degraded"
		}
	}

	for _, b := range h.breakers {
		stats := b.Stats()
		resp.Breakers[stats.Name] = stats
		if stats.State == breaker.StateOpen {
			resp.Status = "degraded"
		}
	}

	if h.queue != nil {
		stats, err := h.queue.GetStats(r.Context())
		if err != nil {
			log.Printf("health: queue stats: %v", err)
			resp.Status = "degraded"
		} else {
			resp.Queue = &stats
		}
	}

	if h.hub != nil {
		resp.Connections = h.hub.Len()
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
