/*
Package admin serves the chat server's HTTP side: health and metrics for
operators, a read-only view of online users, and a WebSocket endpoint that
carries the same framed protocol as the TCP listener.
*/
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andy6609/presence-chat/internal/chat"
	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/transport"
)

// Deps is what the admin router needs from the rest of the process.
type Deps struct {
	Server      *chat.Server
	Environment string
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	// Leave it off unless a trusted proxy sets those headers, since the
	// WebSocket rate limit keys on that address.
	TrustProxy bool
}

type userView struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// Router builds the HTTP routing table.
func Router(deps *Deps) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if deps.Environment == "development" {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if deps.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/users", handleUsers(deps))
	r.Get("/ws", handleWebSocket(deps, upgrader))

	return r
}

func handleHealth(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registered, online := deps.Server.Registry().Counts()
		respondJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"sessions":   deps.Server.SessionCount(),
			"registered": registered,
			"online":     online,
		})
	}
}

func handleUsers(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users := deps.Server.Registry().SnapshotOnline()
		out := make([]userView, 0, len(users))
		for _, u := range users {
			out = append(out, userView{Username: u.Username, Status: u.Status.String()})
		}
		respondJSON(w, http.StatusOK, map[string]any{"users": out})
	}
}

func handleWebSocket(deps *Deps, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Server.Admit(r.RemoteAddr) {
			respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many connections"})
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an HTTP error.
			logx.Warn("websocket upgrade failed", "error", err.Error())
			return
		}

		deps.Server.ServeConn(transport.NewWSConn(conn))
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logx.Error(err, "encoding JSON response", "http_status", status)
		http.Error(w, "error encoding JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
