package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/leighmacdonald/steamid/v2/steamid"

	"github.com/pickuplab/pickupd/internal/domain"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the domain error kinds to HTTP statuses
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsPolicyViolation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseID parses an ID from the URL path
func parseID(req *http.Request, param string) (int64, error) {
	idStr := req.PathValue(param)
	return strconv.ParseInt(idStr, 10, 64)
}

// --- Queue ---

func (r *Router) handleGetQueue(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": r.queue.State(),
		"slots": r.queue.Slots(),
	})
}

func (r *Router) handleQueueJoin(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SlotID   int   `json:"slot_id"`
		PlayerID int64 `json:"player_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := r.store.GetPlayerByID(req.Context(), body.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	bans, err := r.store.GetActiveBans(req.Context(), body.PlayerID, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(bans) > 0 {
		writeDomainError(w, domain.ErrPlayerBanned)
		return
	}
	if _, err := r.store.GetPlayerActiveGame(req.Context(), body.PlayerID); err == nil {
		writeDomainError(w, domain.ErrPlayerBusy)
		return
	} else if !errors.Is(err, domain.ErrGameNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := r.queue.Join(body.SlotID, body.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.queue.Slots())
}

func (r *Router) handleQueueLeave(w http.ResponseWriter, req *http.Request) {
	var body struct {
		PlayerID int64 `json:"player_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := r.queue.Leave(body.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.queue.Slots())
}

func (r *Router) handleQueueReady(w http.ResponseWriter, req *http.Request) {
	var body struct {
		PlayerID int64 `json:"player_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := r.queue.Ready(body.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.queue.Slots())
}

// --- Players ---

func (r *Router) handleGetPlayers(w http.ResponseWriter, req *http.Request) {
	players, err := r.store.GetPlayers(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, players)
}

func (r *Router) handleGetPlayer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player id")
		return
	}
	player, err := r.store.GetPlayerByID(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (r *Router) handleRegisterPlayer(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SteamID string `json:"steam_id"`
		Name    string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	sid, err := steamid.SID64FromString(body.SteamID)
	if err != nil || !sid.Valid() {
		writeError(w, http.StatusBadRequest, "invalid steam id")
		return
	}

	player, err := r.store.UpsertPlayer(req.Context(), sid.String(), body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.bus.Publish(domain.EventPlayerRegistered, player)
	writeJSON(w, http.StatusOK, player)
}

func (r *Router) handleAddBan(w http.ResponseWriter, req *http.Request) {
	playerID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid player id")
		return
	}
	var body struct {
		Reason string    `json:"reason"`
		End    time.Time `json:"end"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.End.IsZero() {
		writeError(w, http.StatusBadRequest, "end is required")
		return
	}
	if _, err := r.store.GetPlayerByID(req.Context(), playerID); err != nil {
		writeDomainError(w, err)
		return
	}

	claims := r.getAuthClaims(req)
	ban := &domain.PlayerBan{
		PlayerID: playerID,
		AdminID:  claims.UserID,
		Reason:   body.Reason,
		Start:    time.Now().UTC(),
		End:      body.End,
	}
	if err := r.store.AddBan(req.Context(), ban); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.bus.Publish(domain.EventPlayerBanAdded, domain.BanEvent{Ban: *ban})
	writeJSON(w, http.StatusOK, ban)
}

func (r *Router) handleRevokeBan(w http.ResponseWriter, req *http.Request) {
	banID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ban id")
		return
	}
	if err := r.store.RevokeBan(req.Context(), banID, time.Now().UTC()); err != nil {
		writeDomainError(w, err)
		return
	}
	r.bus.Publish(domain.EventPlayerBanRevoked, map[string]int64{"ban_id": banID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Games ---

func (r *Router) handleGetGames(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	games, err := r.store.GetGames(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, games)
}

func (r *Router) handleGetGame(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	g, err := r.store.GetGameByID(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (r *Router) handleGetSubstituteRequests(w http.ResponseWriter, req *http.Request) {
	requests, err := r.substitution.ListRequests(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (r *Router) handleRequestSubstitute(w http.ResponseWriter, req *http.Request) {
	gameID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	var body struct {
		PlayerID    int64  `json:"player_id"`
		RequestedBy *int64 `json:"requested_by,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g, err := r.substitution.Request(req.Context(), gameID, body.PlayerID, body.RequestedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (r *Router) handleCancelSubstitute(w http.ResponseWriter, req *http.Request) {
	gameID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	var body struct {
		PlayerID int64 `json:"player_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g, err := r.substitution.Cancel(req.Context(), gameID, body.PlayerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (r *Router) handleFulfilSubstitute(w http.ResponseWriter, req *http.Request) {
	gameID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	var body struct {
		ReplaceeID    int64 `json:"replacee_id"`
		ReplacementID int64 `json:"replacement_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g, err := r.substitution.Fulfil(req.Context(), gameID, body.ReplaceeID, body.ReplacementID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (r *Router) handleForceEnd(w http.ResponseWriter, req *http.Request) {
	gameID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	claims := r.getAuthClaims(req)
	g, err := r.lifecycle.ForceEnd(req.Context(), gameID, &claims.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (r *Router) handleReconfigure(w http.ResponseWriter, req *http.Request) {
	gameID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return
	}
	g, err := r.runtime.Reconfigure(req.Context(), gameID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// --- Game servers ---

func (r *Router) handleGetServers(w http.ResponseWriter, req *http.Request) {
	servers, err := r.registry.Servers(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (r *Router) handleGetServer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}
	srv, err := r.registry.Server(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// handleHeartbeat accepts a server's identity report. The internal
// address defaults to the address the request came from.
func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	var hb domain.Heartbeat
	if err := json.NewDecoder(req.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if hb.Name == "" || hb.Address == "" || hb.Port == 0 || hb.RconPassword == "" {
		writeError(w, http.StatusBadRequest, "name, address, port and rcon_password are required")
		return
	}
	if hb.InternalAddress == "" {
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			hb.InternalAddress = host
		}
	}

	srv, err := r.registry.Heartbeat(req.Context(), &hb)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (r *Router) handleRunDiagnostics(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}
	run, err := r.diagnostics.Run(req.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (r *Router) handleGetDiagnosticRun(w http.ResponseWriter, req *http.Request) {
	run, err := r.diagnostics.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Router) handleSay(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := r.runtime.SayChat(req.Context(), id, body.Message); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Map pool ---

func (r *Router) handleGetMaps(w http.ResponseWriter, req *http.Request) {
	maps, err := r.store.GetMaps(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, maps)
}

func (r *Router) handleAddMap(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := r.store.AddMap(req.Context(), body.Name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleRemoveMap(w http.ResponseWriter, req *http.Request) {
	if err := r.store.RemoveMap(req.Context(), req.PathValue("name")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
