package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type websocketUpgrader struct {
	upgrader websocket.Upgrader
}

func newUpgrader(allowedOrigins []string) websocketUpgrader {
	return websocketUpgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker allows same-host requests, localhost, and configured origins.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1") {
			return true
		}
		for _, a := range allowed {
			if origin == a {
				return true
			}
		}
		return false
	}
}

// handleWatch streams a session's step results over a websocket. The feed is
// observational: slow consumers miss intermediate results, they never stall
// the game.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		s.writeManagerError(w, err)
		return
	}

	conn, err := s.upgrader.upgrader.Upgrade(w, r, nil)
	if err != nil {
		recordRejected("ws_upgrade")
		return
	}
	defer conn.Close()

	results, cancel := s.manager.Watch(id)
	defer cancel()

	watchersActive.Inc()
	defer watchersActive.Dec()
	if s.logger != nil {
		s.logger.Info("watcher connected", zap.String("session_id", id))
	}

	// Reader goroutine: drain client frames so pongs and close frames are
	// processed, and signal when the client goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
