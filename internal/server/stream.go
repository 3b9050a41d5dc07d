package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	streamWriteTimeout       = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream upgrades to a websocket, sends the cached view of the lot named
// by the lotId query parameter and then forwards its change messages until the
// client disconnects.
func (h *agentHandler) handleStream(c *gin.Context) {
	rawLotID := strings.TrimSpace(c.Query("lotId"))
	if rawLotID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_lot_id"})
		return
	}
	lot, err := vehicles.NewLotID(rawLotID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lot_id"})
		return
	}
	lotID := lot.String()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.dispatcher.Subscribe(ctx, lotID)
	defer cleanup()

	// Subscribed first, so no change can fall between the snapshot and the feed.
	records := h.cache.Snapshot(lot)
	initial := RealtimeMessage{
		LotID:     lotID,
		EventType: RealtimeEventVehiclesSnapshot,
		Vehicles:  make([]vehiclePayload, 0, len(records)),
		Source:    realtimeSourceAgent,
		Timestamp: time.Now().UTC(),
	}
	for _, record := range records {
		initial.Vehicles = append(initial.Vehicles, toVehiclePayload(record))
	}
	if err := writeMessage(conn, initial); err != nil {
		h.logger.Debug("websocket write failed", zap.String("lot_id", lotID), zap.Error(err))
		return
	}

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			if err := writeMessage(conn, message); err != nil {
				h.logger.Debug("websocket write failed", zap.String("lot_id", lotID), zap.Error(err))
				return
			}
		case <-ticker.C:
			heartbeat := RealtimeMessage{
				LotID:     lotID,
				EventType: realtimeEventHeartbeat,
				Source:    realtimeSourceAgent,
				Timestamp: time.Now().UTC(),
			}
			if err := writeMessage(conn, heartbeat); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, message RealtimeMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(message)
}
