package api

import (
	"net/http"

	"github.com/pickuplab/pickupd/internal/auth"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/game"
	"github.com/pickuplab/pickupd/internal/queue"
	"github.com/pickuplab/pickupd/internal/registry"
	"github.com/pickuplab/pickupd/internal/storage"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux          *http.ServeMux
	store        *storage.Store
	queue        *queue.Queue
	registry     *registry.Registry
	diagnostics  *registry.Diagnostics
	lifecycle    *game.Lifecycle
	runtime      *game.Runtime
	substitution *game.Substitution
	wsHub        *WebSocketHub
	auth         *auth.Service
	bus          *events.Bus
}

// NewRouter creates a new HTTP router
func NewRouter(store *storage.Store, q *queue.Queue, reg *registry.Registry,
	diagnostics *registry.Diagnostics, lifecycle *game.Lifecycle, runtime *game.Runtime,
	substitution *game.Substitution, authService *auth.Service, bus *events.Bus) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		store:        store,
		queue:        q,
		registry:     reg,
		diagnostics:  diagnostics,
		lifecycle:    lifecycle,
		runtime:      runtime,
		substitution: substitution,
		wsHub:        NewWebSocketHub(),
		auth:         authService,
		bus:          bus,
	}

	// Queue
	r.mux.HandleFunc("GET /api/queue", r.handleGetQueue)
	r.mux.HandleFunc("POST /api/queue/join", r.handleQueueJoin)
	r.mux.HandleFunc("POST /api/queue/leave", r.handleQueueLeave)
	r.mux.HandleFunc("POST /api/queue/ready", r.handleQueueReady)

	// Players
	r.mux.HandleFunc("GET /api/players", r.handleGetPlayers)
	r.mux.HandleFunc("GET /api/players/{id}", r.handleGetPlayer)
	r.mux.HandleFunc("POST /api/players", r.handleRegisterPlayer)
	r.mux.HandleFunc("POST /api/players/{id}/bans", r.requireAdmin(r.handleAddBan))
	r.mux.HandleFunc("POST /api/bans/{id}/revoke", r.requireAdmin(r.handleRevokeBan))

	// Games
	r.mux.HandleFunc("GET /api/games", r.handleGetGames)
	r.mux.HandleFunc("GET /api/games/substitute-requests", r.handleGetSubstituteRequests)
	r.mux.HandleFunc("GET /api/games/{id}", r.handleGetGame)
	r.mux.HandleFunc("POST /api/games/{id}/substitutes", r.handleRequestSubstitute)
	r.mux.HandleFunc("POST /api/games/{id}/substitutes/cancel", r.handleCancelSubstitute)
	r.mux.HandleFunc("POST /api/games/{id}/substitutes/fulfil", r.handleFulfilSubstitute)
	r.mux.HandleFunc("POST /api/games/{id}/force-end", r.requireAdmin(r.handleForceEnd))
	r.mux.HandleFunc("POST /api/games/{id}/reconfigure", r.requireAdmin(r.handleReconfigure))

	// Game servers
	r.mux.HandleFunc("GET /api/servers", r.handleGetServers)
	r.mux.HandleFunc("GET /api/servers/{id}", r.handleGetServer)
	r.mux.HandleFunc("POST /api/servers/heartbeat", r.handleHeartbeat)
	r.mux.HandleFunc("POST /api/servers/{id}/diagnostics", r.requireAdmin(r.handleRunDiagnostics))
	r.mux.HandleFunc("GET /api/diagnostics/{id}", r.requireAdmin(r.handleGetDiagnosticRun))
	r.mux.HandleFunc("POST /api/servers/{id}/say", r.requireAdmin(r.handleSay))

	// Map pool
	r.mux.HandleFunc("GET /api/maps", r.handleGetMaps)
	r.mux.HandleFunc("POST /api/maps", r.requireAdmin(r.handleAddMap))
	r.mux.HandleFunc("DELETE /api/maps/{name}", r.requireAdmin(r.handleRemoveMap))

	// Auth
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)

	// WebSocket realtime push
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartWebSocketHub starts broadcasting bus events to connected clients
func (r *Router) StartWebSocketHub() {
	go r.wsHub.Run()

	ch, _ := r.bus.Subscribe()
	go func() {
		for event := range ch {
			r.wsHub.Broadcast(event)
		}
	}()
}
