// Package dispatch queues NC programs on machines: it uploads the files
// through the machine's transfer variant and records the job assignment.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"cnc-monitor-backend/internal/logger"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/parse"
	"cnc-monitor-backend/internal/store"
	"cnc-monitor-backend/internal/transfer"
)

var ErrNoPrograms = errors.New("at least one program is required")

// Program is one file to upload. The first program of a dispatch is the
// job the machine runs next; the rest form the queued chain.
type Program struct {
	Name             string
	Data             []byte
	WorkOrder        string
	ToolName         string
	EstimatedSeconds int
}

// TransferFactory returns the client for a machine's controller.
type TransferFactory func(m model.Machine) (transfer.FileTransfer, error)

type Service struct {
	store     store.Store
	transfers TransferFactory
}

func NewService(st store.Store, transfers TransferFactory) *Service {
	return &Service{store: st, transfers: transfers}
}

func (s *Service) client(ctx context.Context, machine string) (*model.Machine, transfer.FileTransfer, error) {
	m, err := s.store.FindMachineByName(ctx, machine)
	if err != nil {
		return nil, nil, err
	}
	ft, err := s.transfers(*m)
	if err != nil {
		return nil, nil, err
	}
	return m, ft, nil
}

// Dispatch uploads the programs in order and, once all of them are on the
// controller, creates the job assignment and marks it pending in one
// database transaction. Nothing is retried; files uploaded before a failure
// stay on the controller.
func (s *Service) Dispatch(ctx context.Context, machine string, programs []Program) (*model.JobAssignment, error) {
	if len(programs) == 0 {
		return nil, ErrNoPrograms
	}
	m, ft, err := s.client(ctx, machine)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(programs))
	for _, p := range programs {
		if err := ft.Upload(ctx, p.Name, bytes.NewReader(p.Data)); err != nil {
			logger.Error("program upload failed", "machine", m.Name, "file", p.Name, "variant", m.Variant, "error", err)
			return nil, fmt.Errorf("failed to upload %s to %s: %w", p.Name, m.Name, err)
		}
		files = append(files, p.Name)
	}

	head := programs[0]
	next := make([]model.NextJob, 0, len(programs)-1)
	for _, p := range programs[1:] {
		next = append(next, model.NextJob{Name: p.Name, WorkOrder: p.WorkOrder, EstimatedSeconds: p.EstimatedSeconds})
	}
	a := &model.JobAssignment{
		MachineID:        m.ID,
		JobName:          head.Name,
		WorkOrder:        head.WorkOrder,
		ToolName:         head.ToolName,
		EstimatedSeconds: head.EstimatedSeconds,
		NextJobs:         next,
		Files:            files,
	}
	if err := s.store.QueueAssignment(ctx, a); err != nil {
		return nil, err
	}

	logger.Info("programs dispatched", "machine", m.Name, "assignment", a.ID, "files", len(files))
	return a, nil
}

// SyncVariants marks the named machines as active-mode controllers,
// registering those not seen yet. Names are normalized first.
func (s *Service) SyncVariants(ctx context.Context, active []string) error {
	for _, raw := range active {
		name := parse.NormalizeName(raw)
		if name == "" {
			continue
		}
		if _, err := s.store.EnsureMachine(ctx, name, ""); err != nil {
			return err
		}
		if _, err := s.store.SetMachineVariant(ctx, name, model.VariantActive); err != nil {
			return err
		}
	}
	if len(active) > 0 {
		logger.Info("active-mode controllers configured", "machines", len(active))
	}
	return nil
}

// Files lists the programs stored on the machine's controller.
func (s *Service) Files(ctx context.Context, machine string) ([]transfer.Entry, error) {
	_, ft, err := s.client(ctx, machine)
	if err != nil {
		return nil, err
	}
	return ft.ListDirectory(ctx)
}

// DeleteFile removes one program from the machine's controller.
func (s *Service) DeleteFile(ctx context.Context, machine, name string) error {
	m, ft, err := s.client(ctx, machine)
	if err != nil {
		return err
	}
	if err := ft.Delete(ctx, name); err != nil {
		return err
	}
	logger.Info("program deleted", "machine", m.Name, "file", name)
	return nil
}
