package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const monitorWriteTimeout = 5 * time.Second

// monitorHandler upgrades /monitor/ws and streams Hub snapshots to the
// connected admin client until it disconnects.
type monitorHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func newMonitorHandler(hub *Hub) *monitorHandler {
	return &monitorHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (h *monitorHandler) Register(e *echo.Echo) {
	e.GET("/monitor/ws", h.handle)
}

func (h *monitorHandler) handle(c echo.Context) error {
	remote := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("monitor ws upgrade failed", "remote", remote, "err", err)
		return err
	}
	defer conn.Close()

	ch, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()
	slog.Info("monitor ws connected", "remote", remote)
	defer slog.Info("monitor ws disconnected", "remote", remote)

	// The feed is one-directional; a background reader drains and
	// discards client frames so pings/closes are still observed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(monitorWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return nil
			}
		}
	}
}
