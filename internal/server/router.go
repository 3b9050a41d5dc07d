package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/ledger"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
)

const reasonInvalidEvent = "invalid_event"

var errMissingLedger = errors.New("ledger service dependency required")

// Ledger is the authoritative store the backend API serves.
type Ledger interface {
	ApplyEvent(ctx context.Context, lotID string, event vehicles.Event) (ledger.Outcome, error)
	Snapshot(ctx context.Context, lotID string) (ledger.Snapshot, error)
}

type BackendDependencies struct {
	Ledger Ledger
	Logger *zap.Logger
}

// NewBackendHandler builds the authoritative backend API consumed by agents.
func NewBackendHandler(deps BackendDependencies) (http.Handler, error) {
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &backendHandler{
		ledger: deps.Ledger,
		logger: logger,
	}

	router.GET("/healthz", handleHealth)
	router.GET("/lots/:lotId/active-vehicles", handler.handleSnapshot)
	router.POST("/lots/:lotId/vehicle-events", handler.handleVehicleEvent)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-Device-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type backendHandler struct {
	ledger Ledger
	logger *zap.Logger
}

type snapshotResponsePayload struct {
	LotID    string            `json:"lotId"`
	AsOf     time.Time         `json:"asOf"`
	Vehicles []vehicles.Record `json:"vehicles"`
}

type eventResponsePayload struct {
	Record    vehicles.Record `json:"record"`
	Duplicate bool            `json:"duplicate"`
	NoOp      bool            `json:"noop"`
}

type rejectionPayload struct {
	Reason            string           `json:"reason"`
	ConflictingRecord *vehicles.Record `json:"conflictingRecord,omitempty"`
}

func (h *backendHandler) handleSnapshot(c *gin.Context) {
	snapshot, err := h.ledger.Snapshot(c.Request.Context(), c.Param("lotId"))
	if err != nil {
		if errors.Is(err, vehicles.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lot", "reason": "invalid_lot"})
			return
		}
		h.logger.Error("failed to load lot snapshot", zap.String("lot_id", c.Param("lotId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed", "code": serviceErrorCode(err)})
		return
	}

	c.JSON(http.StatusOK, snapshotResponsePayload{
		LotID:    snapshot.LotID,
		AsOf:     snapshot.AsOf,
		Vehicles: snapshot.Vehicles,
	})
}

func (h *backendHandler) handleVehicleEvent(c *gin.Context) {
	var event vehicles.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": reasonInvalidEvent, "reason": reasonInvalidEvent})
		return
	}

	outcome, err := h.ledger.ApplyEvent(c.Request.Context(), c.Param("lotId"), event)
	if err != nil {
		if errors.Is(err, vehicles.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": reasonInvalidEvent, "reason": reasonInvalidEvent})
			return
		}
		h.logger.Error("failed to apply vehicle event", zap.String("op_id", event.OpID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "apply_failed", "code": serviceErrorCode(err)})
		return
	}

	if outcome.Rejected {
		c.JSON(http.StatusConflict, rejectionPayload{
			Reason:            outcome.Reason,
			ConflictingRecord: outcome.Record,
		})
		return
	}

	c.JSON(http.StatusOK, eventResponsePayload{
		Record:    *outcome.Record,
		Duplicate: outcome.Duplicate,
		NoOp:      outcome.NoOp,
	})
}

func serviceErrorCode(err error) string {
	var serviceErr *ledger.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
