// Package scheduler runs the background maintenance jobs: draining queued
// blob deletions and sweeping orphaned blobs the metadata stores no longer
// reference.
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var errDuplicateJob = errors.New("scheduler: job identifier already registered")

// Service wraps a cron runner with named job bookkeeping.
type Service struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewService constructs the scheduler. Panicking jobs are recovered and
// logged rather than taking the process down.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
		)),
		logger: logger,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Start begins running registered jobs on their schedules.
func (s *Service) Start() {
	s.logger.Info("scheduler starting")
	s.cron.Start()
}

// Stop halts scheduling; running jobs finish.
func (s *Service) Stop() {
	s.logger.Info("scheduler stopping")
	s.cron.Stop()
}

// AddJobWithSpec registers a named job on a cron spec (e.g. "17 */2 * * *").
func (s *Service) AddJobWithSpec(spec, identifier string, job cron.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[identifier]; exists {
		return fmt.Errorf("%w: %s", errDuplicateJob, identifier)
	}
	entryID, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("scheduler: add job %s: %w", identifier, err)
	}
	s.jobs[identifier] = entryID
	s.logger.Info("scheduled job", zap.String("job", identifier), zap.String("spec", spec))
	return nil
}
