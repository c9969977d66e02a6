package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tabletide/relay/internal/auth"
	"github.com/tabletide/relay/internal/events"
	"github.com/tabletide/relay/internal/httputil"
	"github.com/tabletide/relay/internal/ratelimit"
)

// HandshakeLimits configures the rate limit applied to connection
// establishment, keyed by client IP.
type HandshakeLimits struct {
	Limit  int
	Window time.Duration
}

// WSHandler upgrades HTTP connections to WebSocket and spawns the read and
// write pumps for the new client. The handshake consumes an already-issued
// identity token; its claims carry tenant, branch, and role.
type WSHandler struct {
	hub        *Hub
	jwtService *auth.JWTService
	limiter    *ratelimit.Limiter
	limits     HandshakeLimits
	upgrader   websocket.Upgrader
}

func NewWSHandler(hub *Hub, jwtService *auth.JWTService, limiter *ratelimit.Limiter, limits HandshakeLimits, allowedOrigins string) *WSHandler {
	return &WSHandler{
		hub:        hub,
		jwtService: jwtService,
		limiter:    limiter,
		limits:     limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes wires the WebSocket endpoint.
func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
}

// ServeWS upgrades a GET /ws request to a WebSocket connection. The JWT is
// read from the `token` query parameter or the Authorization header. The
// rate limit and capacity checks run before the upgrade so rejections are
// plain HTTP responses the client can interpret.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	role, ok := events.ParseRole(claims.Role)
	if !ok {
		httputil.WriteError(w, http.StatusForbidden, "unknown role")
		return
	}

	if h.limiter != nil {
		subject := "conn:" + httputil.ClientIP(r)
		if d := h.limiter.Check(r.Context(), subject, h.limits.Limit, h.limits.Window); !d.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter/time.Second)))
			httputil.WriteError(w, http.StatusTooManyRequests, "connection rate limit exceeded")
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	client := NewClient(h.hub, conn, claims.TenantID, claims.BranchID, role, claims.UserID, claims.SessionID)
	if err := h.hub.Register(client); err != nil {
		code := websocket.ClosePolicyViolation
		msg := "registration failed"
		if errors.Is(err, ErrCapacityExceeded) {
			code = websocket.CloseTryAgainLater
			msg = "capacity exceeded"
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg)) //nolint:errcheck
		conn.Close()                                                                       //nolint:errcheck
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
