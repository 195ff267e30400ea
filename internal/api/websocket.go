package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"strategy-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// websocket streams signals, status updates and lifecycle events to
// one client until it disconnects or the bus shuts down.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	signals, unsubSignals := s.bus.Subscribe(events.EventSignal, 100)
	defer unsubSignals()
	statuses, unsubStatus := s.bus.Subscribe(events.EventStatus, 100)
	defer unsubStatus()
	lifecycle, unsubLifecycle := s.bus.Subscribe(events.EventLifecycle, 100)
	defer unsubLifecycle()

	write := func(kind string, v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(wsEnvelope{Type: kind, Data: v}); err != nil {
			s.log.Debug("websocket client gone", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case v, ok := <-signals:
			if !ok || !write("signal", v) {
				return
			}
		case v, ok := <-statuses:
			if !ok || !write("status", v) {
				return
			}
		case v, ok := <-lifecycle:
			if !ok || !write("lifecycle", v) {
				return
			}
		}
	}
}
