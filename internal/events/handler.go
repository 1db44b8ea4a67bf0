package events

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/synccode/backend/internal/room"
	"github.com/manpreetbhatti/synccode/backend/internal/ws"
)

// Handler serves GET /ws. The room is chosen by the first join event.
func Handler(registry *room.Registry, upgrader *ws.Upgrader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, ws.ChannelEvents)
		if err != nil {
			log.Info("event channel upgrade failed", zap.Error(err))
			return
		}
		conn.Run(NewSession(registry, conn, conn.Logger()))
	}
}
