package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	EnsureMachine(ctx context.Context, name, ipAddress string) (*model.Machine, error)
	FindMachineByName(ctx context.Context, name string) (*model.Machine, error)
	ListMachines(ctx context.Context) ([]model.Machine, error)
	SetMachineVariant(ctx context.Context, name string, variant model.ControllerVariant) (*model.Machine, error)

	JobMeta(ctx context.Context, assignmentID *int64) model.JobMeta
	CreateJobAssignment(ctx context.Context, a *model.JobAssignment) error
	MarkAssignmentPending(ctx context.Context, id int64) error
	QueueAssignment(ctx context.Context, a *model.JobAssignment) error

	CommitTransition(ctx context.Context, rec *model.Transition, manualWindow time.Duration) error
	LatestTransitions(ctx context.Context) (map[int64]model.Transition, error)
	StatusesAt(ctx context.Context, at time.Time) (map[int64]model.Transition, error)
	ListTransitions(ctx context.Context, f TransitionFilter) ([]model.Transition, error)
	SetTransitionNote(ctx context.Context, id int64, note string) (*model.Transition, error)

	SubscriptionsForMachine(ctx context.Context, machineID int64) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// EnsureMachine returns the machine with the given name, creating it on its
// first sighting. A changed IP address is written back.
func (s *gormStore) EnsureMachine(ctx context.Context, name, ipAddress string) (*model.Machine, error) {
	var machine model.Machine
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&machine).Error
	switch {
	case err == nil:
		if ipAddress != "" && machine.IPAddress != ipAddress {
			if err := s.db.WithContext(ctx).Model(&machine).Update("ip_address", ipAddress).Error; err != nil {
				return nil, fmt.Errorf("failed to update ip address for machine %s: %w", name, err)
			}
			machine.IPAddress = ipAddress
		}
		return &machine, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to look up machine %s: %w", name, err)
	}

	machine = model.Machine{Name: name, IPAddress: ipAddress, Variant: model.VariantStandard}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&machine).Error; err != nil {
		return nil, fmt.Errorf("failed to create machine %s: %w", name, err)
	}
	if machine.ID == 0 {
		// Lost a creation race with another writer; read the winner back.
		if err := s.db.WithContext(ctx).Where("name = ?", name).First(&machine).Error; err != nil {
			return nil, fmt.Errorf("failed to reload machine %s: %w", name, err)
		}
	}
	logger.Info("registered new machine", "machine", name, "ip", ipAddress)
	return &machine, nil
}

func (s *gormStore) FindMachineByName(ctx context.Context, name string) (*model.Machine, error) {
	var machine model.Machine
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&machine).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMachineNotFound
		}
		return nil, fmt.Errorf("failed to look up machine %s: %w", name, err)
	}
	return &machine, nil
}

func (s *gormStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	var machines []model.Machine
	if err := s.db.WithContext(ctx).Order("name").Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	return machines, nil
}

// SetMachineVariant records which transfer implementation the machine's
// controller needs.
func (s *gormStore) SetMachineVariant(ctx context.Context, name string, variant model.ControllerVariant) (*model.Machine, error) {
	res := s.db.WithContext(ctx).Model(&model.Machine{}).Where("name = ?", name).Update("variant", variant)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to set variant for machine %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrMachineNotFound
	}
	return s.FindMachineByName(ctx, name)
}

// JobMeta resolves a job assignment to its snapshot. It never fails: an
// absent id, a missing row or a database error all yield empty metadata.
func (s *gormStore) JobMeta(ctx context.Context, assignmentID *int64) model.JobMeta {
	if assignmentID == nil {
		return model.JobMeta{}
	}
	var a model.JobAssignment
	err := s.db.WithContext(ctx).First(&a, *assignmentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Debug("job assignment not found", "assignment", *assignmentID)
		} else {
			logger.Warn("job assignment lookup failed", "assignment", *assignmentID, "error", err)
		}
		return model.JobMeta{}
	}
	return a.Meta()
}

func (s *gormStore) CreateJobAssignment(ctx context.Context, a *model.JobAssignment) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create job assignment for machine %d: %w", a.MachineID, err)
	}
	return nil
}

// MarkAssignmentPending clears the consumed flag of an assignment.
func (s *gormStore) MarkAssignmentPending(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&model.JobAssignment{}).Where("id = ?", id).Update("consumed", false)
	if res.Error != nil {
		return fmt.Errorf("failed to clear consumed flag on assignment %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// QueueAssignment records a dispatched assignment and marks it pending in a
// single database transaction, so a failed clear leaves no row behind.
func (s *gormStore) QueueAssignment(ctx context.Context, a *model.JobAssignment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &gormStore{db: tx}
		a.Consumed = true
		if err := txStore.CreateJobAssignment(ctx, a); err != nil {
			return err
		}
		if err := txStore.MarkAssignmentPending(ctx, a.ID); err != nil {
			return err
		}
		a.Consumed = false
		return nil
	})
}

// CommitTransition inserts rec. In the same database transaction the
// machine's previous record is flagged as a manual operation when it is a
// stop that began less than manualWindow before rec.
func (s *gormStore) CommitTransition(ctx context.Context, rec *model.Transition, manualWindow time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev model.Transition
		if err := tx.Where("machine_id = ?", rec.MachineID).
			Order("created_at DESC").Order("id DESC").
			Limit(1).
			Find(&prev).Error; err != nil {
			return fmt.Errorf("failed to fetch previous transition for machine %d: %w", rec.MachineID, err)
		}

		if prev.ID != 0 && prev.CurrentStatus == model.StatusStopped && rec.CreatedAt.Sub(prev.CreatedAt) < manualWindow {
			if err := tx.Model(&model.Transition{}).Where("id = ?", prev.ID).Update("manual_operation", true).Error; err != nil {
				return fmt.Errorf("failed to mark transition %d as manual: %w", prev.ID, err)
			}
		}

		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to insert transition for machine %d: %w", rec.MachineID, err)
		}
		return nil
	})
}

// LatestTransitions returns the most recent transition of every machine, keyed by machine id.
func (s *gormStore) LatestTransitions(ctx context.Context) (map[int64]model.Transition, error) {
	return s.latestPerMachine(ctx, nil)
}

// StatusesAt returns, per machine, the last transition strictly before at.
func (s *gormStore) StatusesAt(ctx context.Context, at time.Time) (map[int64]model.Transition, error) {
	return s.latestPerMachine(ctx, &at)
}

// latestPerMachine relies on ids growing with insertion order, which holds
// because a machine's inserts are serialized by the engine.
func (s *gormStore) latestPerMachine(ctx context.Context, before *time.Time) (map[int64]model.Transition, error) {
	sub := s.db.Model(&model.Transition{}).Select("MAX(id)").Group("machine_id")
	if before != nil {
		sub = sub.Where("created_at < ?", before.UTC())
	}

	var rows []model.Transition
	if err := s.db.WithContext(ctx).Where("id IN (?)", sub).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch latest transitions: %w", err)
	}
	out := make(map[int64]model.Transition, len(rows))
	for _, r := range rows {
		out[r.MachineID] = r
	}
	return out, nil
}

func (s *gormStore) ListTransitions(ctx context.Context, f TransitionFilter) ([]model.Transition, error) {
	q := s.db.WithContext(ctx).Model(&model.Transition{})
	if f.MachineID != 0 {
		q = q.Where("machine_id = ?", f.MachineID)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To.UTC())
	}
	// Without a lower bound a limited query keeps the newest rows.
	newest := f.From.IsZero() && f.Limit > 0
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if newest {
		q = q.Order("created_at DESC").Order("id DESC")
	} else {
		q = q.Order("created_at").Order("id")
	}

	var rows []model.Transition
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	if newest {
		slices.Reverse(rows)
	}
	return rows, nil
}

// SetTransitionNote records the operator note. The note can be set only once.
func (s *gormStore) SetTransitionNote(ctx context.Context, id int64, note string) (*model.Transition, error) {
	res := s.db.WithContext(ctx).Model(&model.Transition{}).
		Where("id = ? AND note IS NULL", id).
		Update("note", note)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to set note on transition %d: %w", id, res.Error)
	}

	var t model.Transition
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransitionNotFound
		}
		return nil, fmt.Errorf("failed to reload transition %d: %w", id, err)
	}
	if res.RowsAffected == 0 {
		return &t, ErrNoteAlreadySet
	}
	return &t, nil
}

func (s *gormStore) SubscriptionsForMachine(ctx context.Context, machineID int64) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN subscription_machine_mapping smm ON smm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("smm.machine_id = ?", machineID).
		Find(&subscriptions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for machine %d: %w", machineID, err)
	}
	return subscriptions, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", endpoint, err)
	}
	return nil
}
