package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"visionsurvey/internal/config"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/service"
	"visionsurvey/internal/service/query"
	"visionsurvey/internal/service/stream"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler serves the live feed as server-sent events.
// The starting watermark is last_id (or after_id), else the Last-Event-ID header, else 0.
func StreamHandler(manager *service.Manager, cfg *config.Config, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sink, err := stream.NewSSEWriter(w, cfg.StreamRetryHint)
		if err != nil {
			logger.Error("SSE setup failed: %v", err)
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		err = manager.GetDispatcher().Serve(r.Context(), sink, query.Filter(parseFilters(r)), startID(r), r.RemoteAddr)
		if err != nil {
			logger.Info("Stream to %s ended: %v", r.RemoteAddr, err)
		}
	}
}

// ViewWebsocketHandler serves the same live feed over WebSocket.
func ViewWebsocketHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := query.Filter(parseFilters(r))
		after := startID(r)

		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}
		defer connection.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Odczyt wykrywa rozłączenie klienta
		go func() {
			defer cancel()
			for {
				if _, _, err := connection.ReadMessage(); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						logger.Info("Viewer disconnected normally")
					} else {
						logger.Warning("Viewer disconnected with error: %v", err)
					}
					return
				}
			}
		}()

		if err := manager.GetDispatcher().Serve(ctx, stream.NewWebsocketSink(connection), filter, after, r.RemoteAddr); err != nil {
			logger.Info("WebSocket feed to %s ended: %v", r.RemoteAddr, err)
		}
	}
}

func startID(r *http.Request) int64 {
	q := r.URL.Query()
	for _, v := range []string{q.Get("last_id"), q.Get("after_id"), r.Header.Get("Last-Event-ID")} {
		if id, ok := parseID(v); ok {
			return id
		}
	}
	return 0
}
