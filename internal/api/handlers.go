package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/db"
	"github.com/manpreetbhatti/synccode/backend/internal/room"
)

type API struct {
	registry *room.Registry
	database *db.Database
	log      *zap.Logger
}

// database may be nil when the journal is disabled.
func New(registry *room.Registry, database *db.Database, log *zap.Logger) *API {
	return &API{
		registry: registry,
		database: database,
		log:      log,
	}
}

// Routes mounts the /api handlers.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/stats", a.StatsHandler)
	r.Get("/rooms", a.ListRoomsHandler)
	r.Get("/rooms/{roomId}", a.GetRoomHandler)
	return r
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("error encoding JSON response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	members, peers := a.registry.ConnectionCount()
	stats := map[string]interface{}{
		"active_rooms": a.registry.RoomCount(),
		"connections": map[string]int{
			"events":   members,
			"document": peers,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		journal, err := a.database.GetStats()
		if err != nil {
			a.log.Warn("failed to read journal stats", zap.Error(err))
		} else {
			stats["journal"] = journal
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type MemberResponse struct {
	ConnectionID string `json:"connection_id"`
	Name         string `json:"name"`
	Color        string `json:"color"`
	IsHost       bool   `json:"is_host"`
}

type RoomResponse struct {
	ID           string           `json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	HostID       string           `json:"host_id,omitempty"`
	Locked       bool             `json:"locked"`
	Language     string           `json:"language"`
	Members      []MemberResponse `json:"members"`
	Peers        int              `json:"peers"`
	MessageCount int              `json:"message_count"`
	UpdateCount  int64            `json:"update_count"`
	PurgePending bool             `json:"purge_pending"`
}

type RoomDetailResponse struct {
	RoomResponse
	History []db.RoomSession `json:"history,omitempty"`
	Events  []db.RoomEvent   `json:"events,omitempty"`
}

func (a *API) toRoomResponse(s room.Snapshot) RoomResponse {
	members := make([]MemberResponse, len(s.Members))
	for i, m := range s.Members {
		members[i] = MemberResponse{
			ConnectionID: m.ConnectionID,
			Name:         m.Name,
			Color:        m.Color,
			IsHost:       m.IsHost,
		}
	}
	return RoomResponse{
		ID:           s.RoomID,
		CreatedAt:    s.CreatedAt,
		HostID:       s.HostID,
		Locked:       s.Locked,
		Language:     s.Language,
		Members:      members,
		Peers:        s.Peers,
		MessageCount: len(s.Chat),
		UpdateCount:  s.Updates,
		PurgePending: a.registry.PurgePending(s.RoomID),
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	live := a.registry.Rooms()
	rooms := make([]RoomResponse, len(live))
	for i, s := range live {
		rooms[i] = a.toRoomResponse(s)
	}

	response := map[string]interface{}{
		"rooms":  rooms,
		"limit":  limit,
		"offset": offset,
	}

	if a.database != nil {
		sessions, err := a.database.ListSessions(limit, offset)
		if err != nil {
			a.log.Error("failed to list room sessions", zap.Error(err))
			a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}
		response["history"] = sessions
	}

	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	snap, err := a.registry.Snapshot(roomID)
	if err != nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	response := RoomDetailResponse{RoomResponse: a.toRoomResponse(snap)}
	if a.database != nil {
		if response.History, err = a.database.RoomHistory(roomID); err != nil {
			a.log.Warn("failed to read room history", zap.String("room", roomID), zap.Error(err))
		}
		if response.Events, err = a.database.ListEvents(roomID, 50); err != nil {
			a.log.Warn("failed to read room events", zap.String("room", roomID), zap.Error(err))
		}
	}

	a.jsonResponse(w, http.StatusOK, response)
}
