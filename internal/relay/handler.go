package relay

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/room"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

const defaultRoom = "default"

// Handler serves GET /yjs/{roomId} and GET /yjs?room=.
func Handler(registry *room.Registry, upgrader *ws.Upgrader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := roomFromRequest(r)

		conn, err := upgrader.Upgrade(w, r, ws.ChannelDocument)
		if err != nil {
			log.Info("document channel upgrade failed", zap.Error(err))
			return
		}

		s := NewSession(registry, roomID, conn, conn.Logger())
		if err := s.Start(); err != nil {
			conn.Logger().Warn("could not start session", zap.Error(err))
			conn.Close()
		}
		conn.Run(s)
	}
}

func roomFromRequest(r *http.Request) string {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" {
		roomID = r.URL.Query().Get("room")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return defaultRoom
	}
	return roomID
}
