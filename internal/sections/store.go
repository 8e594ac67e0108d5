package sections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOrderID    = errors.New("order identifier is required")
	noOpLogger           = zap.NewNop()
)

// StoreError carries an operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew    = "sections.store.new"
	opApplyWrite  = "sections.apply_write"
	opCurrent     = "sections.current"
	opListChanges = "sections.list_changes"

	queryOrderSection = "order_id = ? AND section = ?"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig wires a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists section versions and applies versioned writes.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Apply runs one versioned write inside a transaction. A stale client version
// is not an error: the outcome reports Accepted=false with the server version.
func (s *Store) Apply(ctx context.Context, request WriteRequest) (WriteOutcome, error) {
	if request.OrderID == "" {
		return WriteOutcome{}, newStoreError(opApplyWrite, "missing_order_id", errMissingOrderID)
	}
	if request.ClientVersion < 0 {
		return WriteOutcome{}, newStoreError(opApplyWrite, "invalid_version", ErrInvalidVersion)
	}

	var outcome WriteOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		var existingPtr *Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryOrderSection, request.OrderID, request.Section.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			s.logError(opApplyWrite, "section_select_failed", err,
				zap.String("order_id", request.OrderID),
				zap.String("section", request.Section.String()))
			return newStoreError(opApplyWrite, "section_select_failed", err)
		} else {
			existingPtr = &existing
		}

		resolved, err := resolveWrite(existingPtr, request, s.clock().UTC())
		if err != nil {
			return newStoreError(opApplyWrite, "resolve_write_failed", err)
		}
		if !resolved.Accepted {
			outcome = resolved
			return nil
		}

		if err := tx.Save(resolved.Updated).Error; err != nil {
			s.logError(opApplyWrite, "section_save_failed", err,
				zap.String("order_id", request.OrderID),
				zap.String("section", request.Section.String()))
			return newStoreError(opApplyWrite, "section_save_failed", err)
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			return newStoreError(opApplyWrite, "id_generation_failed", err)
		}
		resolved.AuditRecord.ChangeID = changeID
		if err := tx.Create(resolved.AuditRecord).Error; err != nil {
			s.logError(opApplyWrite, "audit_insert_failed", err,
				zap.String("order_id", request.OrderID),
				zap.String("section", request.Section.String()))
			return newStoreError(opApplyWrite, "audit_insert_failed", err)
		}

		outcome = resolved
		return nil
	})
	if txErr != nil {
		return WriteOutcome{}, txErr
	}
	return outcome, nil
}

// Current returns the stored section, or a version-0 record when it was
// never written.
func (s *Store) Current(ctx context.Context, orderID string, section Name) (Record, error) {
	if orderID == "" {
		return Record{}, newStoreError(opCurrent, "missing_order_id", errMissingOrderID)
	}
	var record Record
	err := s.db.WithContext(ctx).
		Where(queryOrderSection, orderID, section.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{OrderID: orderID, Section: section.String()}, nil
	}
	if err != nil {
		s.logError(opCurrent, "query_failed", err, zap.String("order_id", orderID))
		return Record{}, newStoreError(opCurrent, "query_failed", err)
	}
	return record, nil
}

// ListChanges returns the audit trail for a section, oldest first.
func (s *Store) ListChanges(ctx context.Context, orderID string, section Name) ([]Change, error) {
	var changes []Change
	if err := s.db.WithContext(ctx).
		Where(queryOrderSection, orderID, section.String()).
		Order("new_version ASC").
		Find(&changes).Error; err != nil {
		s.logError(opListChanges, "query_failed", err, zap.String("order_id", orderID))
		return nil, newStoreError(opListChanges, "query_failed", err)
	}
	return changes, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("section store error", attrs...)
}
