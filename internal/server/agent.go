package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/cache"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/queue"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/syncer"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"
)

var (
	errMissingCache      = errors.New("active vehicle cache dependency required")
	errMissingSyncer     = errors.New("sync engine dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")
)

// VehicleCache is the attendant-facing surface of the active vehicle cache.
type VehicleCache interface {
	RegisterEntry(ctx context.Context, request cache.EntryRequest) (vehicles.ActiveVehicle, error)
	RegisterExit(ctx context.Context, plate, lotID string) (vehicles.ActiveVehicle, error)
	ListActive(ctx context.Context, lotID string) ([]vehicles.ActiveVehicle, error)
	Pending(ctx context.Context) ([]vehicles.PendingOperation, error)
	ResolveConflict(ctx context.Context, lotID, plate string) (vehicles.ActiveVehicle, error)
	RetryOperation(ctx context.Context, opID string) (vehicles.PendingOperation, error)
	Snapshot(lotID vehicles.LotID) []vehicles.ActiveVehicle
}

// SyncRunner runs an on-demand sync cycle.
type SyncRunner interface {
	RunCycle(ctx context.Context) (syncer.CycleReport, error)
	Online() bool
}

type AgentDependencies struct {
	Cache      VehicleCache
	Syncer     SyncRunner
	Dispatcher *RealtimeDispatcher
	Logger     *zap.Logger
	Heartbeat  time.Duration
}

// NewAgentHandler builds the local attendant API served by the device agent.
func NewAgentHandler(deps AgentDependencies) (http.Handler, error) {
	if deps.Cache == nil {
		return nil, errMissingCache
	}
	if deps.Syncer == nil {
		return nil, errMissingSyncer
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &agentHandler{
		cache:      deps.Cache,
		syncer:     deps.Syncer,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		heartbeat:  heartbeat,
	}

	router.GET("/healthz", handleHealth)
	router.POST("/lots/:lotId/entries", handler.handleEntry)
	router.POST("/lots/:lotId/exits", handler.handleExit)
	router.GET("/lots/:lotId/active", handler.handleListActive)
	router.POST("/lots/:lotId/conflicts/:plate/resolve", handler.handleResolveConflict)
	router.GET("/pending", handler.handlePending)
	router.POST("/operations/:opId/retry", handler.handleRetry)
	router.POST("/sync", handler.handleSync)
	router.GET("/stream", handler.handleStream)

	return router, nil
}

type agentHandler struct {
	cache      VehicleCache
	syncer     SyncRunner
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger
	heartbeat  time.Duration
}

type entryRequestPayload struct {
	Plate    string `json:"plate"`
	SpotID   string `json:"spotId"`
	Override bool   `json:"override"`
}

type exitRequestPayload struct {
	Plate string `json:"plate"`
}

type vehiclePayload struct {
	Plate         string                 `json:"plate"`
	LotID         string                 `json:"lotId"`
	SpotID        null.String            `json:"spotId"`
	EntryTime     time.Time              `json:"entryTime"`
	ExitTime      null.Time              `json:"exitTime"`
	Status        vehicles.VehicleStatus `json:"status"`
	LocalRevision int64                  `json:"localRevision"`
	ServerVersion int64                  `json:"serverVersion"`
	SyncState     vehicles.SyncState     `json:"syncState"`
}

type pendingPayload struct {
	OpID          string                  `json:"opId"`
	Kind          vehicles.OperationKind  `json:"kind"`
	LotID         string                  `json:"lotId"`
	Plate         string                  `json:"plate"`
	SpotID        null.String             `json:"spotId"`
	EventTime     time.Time               `json:"timestamp"`
	CreatedAt     time.Time               `json:"createdAt"`
	Attempts      int                     `json:"attempts"`
	State         vehicles.OperationState `json:"state"`
	LastError     null.String             `json:"lastError"`
	NextAttemptAt null.Time               `json:"nextAttemptAt"`
}

type cycleReportPayload struct {
	Lots         int `json:"lots"`
	FailedPulls  int `json:"failedPulls"`
	Overwritten  int `json:"overwritten"`
	Acknowledged int `json:"acknowledged"`
	NoOps        int `json:"noops"`
	Conflicts    int `json:"conflicts"`
	Transient    int `json:"transient"`
	Attention    int `json:"attention"`
	Held         int `json:"held"`
}

func (h *agentHandler) handleEntry(c *gin.Context) {
	var request entryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.cache.RegisterEntry(c.Request.Context(), cache.EntryRequest{
		Plate:    request.Plate,
		LotID:    c.Param("lotId"),
		SpotID:   request.SpotID,
		Override: request.Override,
	})
	if err != nil {
		h.respondError(c, "register entry failed", err)
		return
	}
	c.JSON(http.StatusCreated, toVehiclePayload(record))
}

func (h *agentHandler) handleExit(c *gin.Context) {
	var request exitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.cache.RegisterExit(c.Request.Context(), request.Plate, c.Param("lotId"))
	if err != nil {
		h.respondError(c, "register exit failed", err)
		return
	}
	c.JSON(http.StatusOK, toVehiclePayload(record))
}

func (h *agentHandler) handleListActive(c *gin.Context) {
	records, err := h.cache.ListActive(c.Request.Context(), c.Param("lotId"))
	if err != nil {
		h.respondError(c, "list active failed", err)
		return
	}
	response := make([]vehiclePayload, 0, len(records))
	for _, record := range records {
		response = append(response, toVehiclePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"lotId": c.Param("lotId"), "vehicles": response})
}

func (h *agentHandler) handleResolveConflict(c *gin.Context) {
	record, err := h.cache.ResolveConflict(c.Request.Context(), c.Param("lotId"), c.Param("plate"))
	if err != nil {
		h.respondError(c, "resolve conflict failed", err)
		return
	}
	c.JSON(http.StatusOK, toVehiclePayload(record))
}

func (h *agentHandler) handlePending(c *gin.Context) {
	ops, err := h.cache.Pending(c.Request.Context())
	if err != nil {
		h.respondError(c, "list pending failed", err)
		return
	}
	response := make([]pendingPayload, 0, len(ops))
	for _, op := range ops {
		response = append(response, toPendingPayload(op))
	}
	c.JSON(http.StatusOK, gin.H{"operations": response})
}

func (h *agentHandler) handleRetry(c *gin.Context) {
	op, err := h.cache.RetryOperation(c.Request.Context(), c.Param("opId"))
	if err != nil {
		h.respondError(c, "retry operation failed", err)
		return
	}
	c.JSON(http.StatusOK, toPendingPayload(op))
}

func (h *agentHandler) handleSync(c *gin.Context) {
	if !h.syncer.Online() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
		return
	}
	report, err := h.syncer.RunCycle(c.Request.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrCycleCancelled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cycle_cancelled"})
			return
		}
		h.respondError(c, "sync cycle failed", err)
		return
	}
	c.JSON(http.StatusOK, cycleReportPayload{
		Lots:         report.Lots,
		FailedPulls:  report.FailedPulls,
		Overwritten:  report.Overwritten,
		Acknowledged: report.Acknowledged,
		NoOps:        report.NoOps,
		Conflicts:    report.Conflicts,
		Transient:    report.Transient,
		Attention:    report.Attention,
		Held:         report.Held,
	})
}

func (h *agentHandler) respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, vehicles.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, vehicles.ErrDuplicateActiveEntry):
		c.JSON(http.StatusConflict, gin.H{"error": vehicles.ReasonDuplicateActiveEntry})
	case errors.Is(err, vehicles.ErrNoActiveEntry):
		c.JSON(http.StatusConflict, gin.H{"error": vehicles.ReasonNoActiveEntry})
	case errors.Is(err, vehicles.ErrSyncConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "sync_conflict"})
	case errors.Is(err, cache.ErrNoConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "no_conflict"})
	case errors.Is(err, queue.ErrUnknownOperation):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_operation"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
	}
}

func toVehiclePayload(record vehicles.ActiveVehicle) vehiclePayload {
	return vehiclePayload{
		Plate:         record.Plate,
		LotID:         record.LotID,
		SpotID:        record.SpotID,
		EntryTime:     record.EntryTime,
		ExitTime:      record.ExitTime,
		Status:        record.Status,
		LocalRevision: record.LocalRevision,
		ServerVersion: record.ServerVersion,
		SyncState:     record.SyncState,
	}
}

func toPendingPayload(op vehicles.PendingOperation) pendingPayload {
	return pendingPayload{
		OpID:          op.OpID,
		Kind:          op.Kind,
		LotID:         op.LotID,
		Plate:         op.Plate,
		SpotID:        op.SpotID,
		EventTime:     op.EventTime,
		CreatedAt:     op.CreatedAt,
		Attempts:      op.Attempts,
		State:         op.State,
		LastError:     op.LastError,
		NextAttemptAt: op.NextAttemptAt,
	}
}
