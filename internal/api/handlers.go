package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/relay"
	"github.com/driftdoc/relay/protocol"
)

// API serves the read-only introspection surface. Every response is a
// point-in-time snapshot of the live registry; nothing is cached.
type API struct {
	hub *relay.Hub
	log *zap.Logger
}

func New(hub *relay.Hub, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{hub: hub, log: log}
}

// Register mounts the introspection routes on the router.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("encoding JSON response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	snap := a.hub.Snapshot()
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"active_rooms":      snap.Rooms,
		"active_sessions":   snap.Sessions,
		"total_connections": snap.Connections,
		"total_messages":    snap.Messages,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

type RoomSummary struct {
	ID          string `json:"id"`
	ActiveUsers int    `json:"active_users"`
}

type RoomResponse struct {
	ID          string          `json:"id"`
	ActiveUsers int             `json:"active_users"`
	Users       []protocol.User `json:"users"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	active := a.hub.ActiveRooms()

	rooms := make([]RoomSummary, 0, len(active))
	for id, n := range active {
		rooms = append(rooms, RoomSummary{ID: id, ActiveUsers: n})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms": rooms,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	info, ok := a.hub.RoomDetail(roomID)
	if !ok {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:          info.ID,
		ActiveUsers: info.Sessions,
		Users:       info.Participants,
	})
}
