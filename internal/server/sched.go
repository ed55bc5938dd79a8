package server

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/job"
	"github.com/opentorque/resv/internal/resv"
	"github.com/opentorque/resv/internal/statefile"
)

// RunSchedulerPass does the periodic reservation bookkeeping: it counts
// jobs per reservation, ends jobs that outlived theirs, advances or purges
// expired reservations and syncs maintenance markers on nodes.
func (s *Server) RunSchedulerPass() {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store.BeginJobResvCheck()
	for _, j := range s.jobs.Jobs() {
		err := s.store.JobResvCheck(j)
		if err == nil {
			continue
		}
		s.log.Info("Job outlived its reservation", zap.Uint32("job", j.ID),
			zap.String("reservation", j.ResvName), zap.Error(err))
		if j.IsPending() {
			s.finishJob(j, job.StateCancelled)
		} else {
			s.finishJob(j, job.StateTimeout)
		}
	}
	s.store.FiniJobResvCheck()

	if s.store.SetNodeMaintMode() {
		s.log.Info("Maintenance markers changed")
	}
	if n := s.jobs.PurgeFinished(s.now().Add(-finishedJobKeep)); n > 0 {
		s.log.Debug("Purged finished jobs", zap.Int("count", n))
	}
	s.metrics.ObservePass(start)
}

// Save writes the reservation state file if a save was requested. The
// buffer is encoded under the lock and written outside it; a failed write
// re-requests the save.
func (s *Server) Save() error {
	s.mu.Lock()
	if !s.store.TakeSaveRequest() {
		s.mu.Unlock()
		return nil
	}
	data, err := s.store.Dump()
	s.mu.Unlock()

	start := time.Now()
	if err == nil {
		err = statefile.Save(s.cfg.StateSaveLocation, resv.StateFile, data)
	}
	s.metrics.ObserveSave(start, err)
	if err != nil {
		s.mu.Lock()
		s.store.RequestSave()
		s.mu.Unlock()
		return errors.Wrap(err, "save reservation state")
	}
	s.log.Debug("Saved reservation state", zap.Int("bytes", len(data)))
	return nil
}

// Reload re-reads the association table and re-resolves every
// reservation's association list against it.
func (s *Server) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assocs.LoadFile(s.cfg.AssocFile); err != nil {
		return err
	}
	s.store.UpdateAssocsInResvs()
	s.log.Info("Associations reloaded", zap.String("path", s.cfg.AssocFile))
	return nil
}
