package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sstent/pacetrack-go/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// TrackingStream pushes a snapshot view over a websocket every time the
// tracker publishes. Slow clients only see the latest snapshot.
func (h *WebHandler) TrackingStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	snaps, cancel := h.tracker.Subscribe()
	defer cancel()

	// Reads only serve control frames; any error ends the stream.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case s, ok := <-snaps:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "tracker closed"))
				return
			}
			if err := conn.WriteJSON(newSnapshotView(s, false)); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// decodeFixes accepts either one fix object or an array of them.
func decodeFixes(body []byte) ([]models.GeoFix, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty fix payload")
	}
	if body[0] == '[' {
		var fixes []models.GeoFix
		if err := json.Unmarshal(body, &fixes); err != nil {
			return nil, fmt.Errorf("invalid fixes: %w", err)
		}
		return fixes, nil
	}
	var fix models.GeoFix
	if err := json.Unmarshal(body, &fix); err != nil {
		return nil, fmt.Errorf("invalid fix: %w", err)
	}
	return []models.GeoFix{fix}, nil
}
