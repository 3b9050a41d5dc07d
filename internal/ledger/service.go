package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errLotMismatch     = errors.New("event lot does not match the addressed lot")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "ledger.service.new"
	opApplyEvent = "ledger.apply_event"
	opSnapshot   = "ledger.snapshot"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the authoritative backend: it applies vehicle events with the
// shared precedence rules and serves lot snapshots.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Outcome is the result of ApplyEvent. Rejected outcomes carry the
// conflicting record (nil when the plate was never seen in the lot).
type Outcome struct {
	Record    *vehicles.Record
	Duplicate bool
	NoOp      bool
	Rejected  bool
	Reason    string
}

// Snapshot lists every record of a lot as of AsOf.
type Snapshot struct {
	LotID    string
	AsOf     time.Time
	Vehicles []vehicles.Record
}

// ApplyEvent applies a single event to the lot addressed by lotID. Replays of
// an opId already applied return the stored outcome with Duplicate set.
func (s *Service) ApplyEvent(ctx context.Context, rawLotID string, event vehicles.Event) (Outcome, error) {
	lotID, err := vehicles.NewLotID(rawLotID)
	if err != nil {
		return Outcome{}, newServiceError(opApplyEvent, "invalid_event", err)
	}
	if event.LotID == "" {
		event.LotID = lotID.String()
	}
	if err := event.Validate(); err != nil {
		return Outcome{}, newServiceError(opApplyEvent, "invalid_event", err)
	}
	if event.LotID != lotID.String() {
		return Outcome{}, newServiceError(opApplyEvent, "invalid_event",
			fmt.Errorf("%w: %v", vehicles.ErrValidation, errLotMismatch))
	}

	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var applied AppliedEvent
		err := tx.Where("op_id = ?", event.OpID).Take(&applied).Error
		switch {
		case err == nil:
			var record vehicles.Record
			if err := json.Unmarshal([]byte(applied.RecordJSON), &record); err != nil {
				s.logError(opApplyEvent, "applied_decode_failed", err, zap.String("op_id", event.OpID))
				return newServiceError(opApplyEvent, "applied_decode_failed", err)
			}
			outcome = Outcome{Record: &record, Duplicate: true, NoOp: applied.Verdict == vehicles.VerdictNoOp}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opApplyEvent, "applied_select_failed", err, zap.String("op_id", event.OpID))
			return newServiceError(opApplyEvent, "applied_select_failed", err)
		}

		var existing Vehicle
		var current *vehicles.Record
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("lot_id = ? AND plate = ?", event.LotID, event.Plate).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			current = nil
		} else if err != nil {
			s.logError(opApplyEvent, "vehicle_select_failed", err,
				zap.String("lot_id", event.LotID),
				zap.String("plate", event.Plate))
			return newServiceError(opApplyEvent, "vehicle_select_failed", err)
		} else {
			record := existing.Record()
			current = &record
		}

		resolution := vehicles.Resolve(current, event)
		if resolution.Verdict == vehicles.VerdictReject {
			outcome = Outcome{Record: resolution.Record, Rejected: true, Reason: resolution.Reason}
			return nil
		}

		appliedAt := s.clock().UTC()
		if resolution.Verdict == vehicles.VerdictApply {
			row := fromRecord(*resolution.Record, appliedAt)
			if err := tx.Save(&row).Error; err != nil {
				s.logError(opApplyEvent, "vehicle_save_failed", err,
					zap.String("lot_id", event.LotID),
					zap.String("plate", event.Plate))
				return newServiceError(opApplyEvent, "vehicle_save_failed", err)
			}
		}

		payload, err := json.Marshal(resolution.Record)
		if err != nil {
			return newServiceError(opApplyEvent, "record_encode_failed", err)
		}
		audit := AppliedEvent{
			OpID:       event.OpID,
			LotID:      event.LotID,
			Plate:      event.Plate,
			Kind:       event.Kind,
			Verdict:    resolution.Verdict,
			EventTime:  event.Timestamp,
			NewVersion: resolution.Record.Version,
			RecordJSON: string(payload),
			AppliedAt:  appliedAt,
		}
		if current != nil {
			previous := current.Version
			audit.PreviousVersion = &previous
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opApplyEvent, "audit_insert_failed", err, zap.String("op_id", event.OpID))
			return newServiceError(opApplyEvent, "audit_insert_failed", err)
		}

		outcome = Outcome{Record: resolution.Record, NoOp: resolution.Verdict == vehicles.VerdictNoOp}
		return nil
	})
	if txErr != nil {
		return Outcome{}, txErr
	}

	if outcome.Rejected {
		s.logger.Info("event rejected",
			zap.String("op_id", event.OpID),
			zap.String("kind", string(event.Kind)),
			zap.String("lot_id", event.LotID),
			zap.String("plate", event.Plate),
			zap.String("reason", outcome.Reason))
	}
	return outcome, nil
}

// Snapshot returns every record the lot holds, ACTIVE and EXITED, ordered by plate.
func (s *Service) Snapshot(ctx context.Context, rawLotID string) (Snapshot, error) {
	lotID, err := vehicles.NewLotID(rawLotID)
	if err != nil {
		return Snapshot{}, newServiceError(opSnapshot, "invalid_lot", err)
	}

	asOf := s.clock().UTC()
	var rows []Vehicle
	if err := s.db.WithContext(ctx).
		Where("lot_id = ?", lotID.String()).
		Order("plate ASC").
		Find(&rows).Error; err != nil {
		s.logError(opSnapshot, "query_failed", err, zap.String("lot_id", lotID.String()))
		return Snapshot{}, newServiceError(opSnapshot, "query_failed", err)
	}

	snapshot := Snapshot{LotID: lotID.String(), AsOf: asOf, Vehicles: make([]vehicles.Record, 0, len(rows))}
	for _, row := range rows {
		snapshot.Vehicles = append(snapshot.Vehicles, row.Record())
	}
	return snapshot, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ledger service error", attrs...)
}
