package events

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tabletide/relay/internal/auth"
	"github.com/tabletide/relay/internal/httputil"
	"github.com/tabletide/relay/internal/ratelimit"
)

// ActionLimits configures the per-user rate limit on event publication.
type ActionLimits struct {
	Limit  int
	Window time.Duration
}

// Handlers exposes the HTTP publish surface. Backend services that cannot
// reach the broker directly POST envelopes here; the tenant and actor are
// taken from the caller's JWT, never from the body.
type Handlers struct {
	publisher *Publisher
	limiter   *ratelimit.Limiter
	limits    ActionLimits
}

func NewHandlers(publisher *Publisher, limiter *ratelimit.Limiter, limits ActionLimits) *Handlers {
	return &Handlers{publisher: publisher, limiter: limiter, limits: limits}
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/events", h.PublishEvent).Methods(http.MethodPost)
}

type publishRequest struct {
	EventType        string           `json:"event_type"`
	BranchID         string           `json:"branch_id,omitempty"`
	EntityType       string           `json:"entity_type"`
	EntityID         string           `json:"entity_id"`
	EntityName       string           `json:"entity_name,omitempty"`
	AffectedEntities []AffectedEntity `json:"affected_entities,omitempty"`
}

func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if h.limiter != nil {
		decision := h.limiter.Check(r.Context(), "action:"+claims.UserID, h.limits.Limit, h.limits.Window)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			httputil.WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !knownTypes[req.EventType] {
		httputil.WriteError(w, http.StatusBadRequest, "Unknown event type")
		return
	}

	env := NewEnvelope(req.EventType, claims.TenantID, req.BranchID, req.EntityType, req.EntityID)
	env.EntityName = req.EntityName
	env.AffectedEntities = req.AffectedEntities
	env.ActorUserID = claims.UserID

	if err := h.publisher.Publish(r.Context(), env); err != nil {
		httputil.WriteError(w, http.StatusBadGateway, "Failed to publish event")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"correlation_id": env.CorrelationID,
	})
}
