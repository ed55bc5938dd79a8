package resv

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/job"
)

// validAccess reports whether j may use r. With association enforcement
// the job's association or one of its ancestors must be listed; otherwise,
// or when r has no associations, the job's user or account must be.
func (s *Store) validAccess(j *job.Job, r *Reservation) error {
	if s.opts.EnforceAssocs {
		if r.Assocs.Len() > 0 {
			for a := s.deps.Assocs.ByID(j.AssocID); a != nil; a = a.Parent {
				if r.Assocs.Has(a.ID) {
					return nil
				}
			}
			return s.accessDenied(j, r)
		}
		s.log.Error("Reservation has no association list, checking users and accounts",
			zap.String("reservation", r.Name))
	}
	if r.Users.Has(j.UserID) {
		return nil
	}
	if j.Account != "" && r.Accounts.Has(j.Account) {
		return nil
	}
	return s.accessDenied(j, r)
}

func (s *Store) accessDenied(j *job.Job, r *Reservation) error {
	s.log.Info("Security violation, job attempted to use reservation",
		zap.Uint32("uid", j.UserID), zap.Uint32("job", j.ID), zap.String("reservation", r.Name))
	return errors.Wrapf(ErrReservationAccess, "uid %d reservation %s", j.UserID, r.Name)
}

// ValidateJobResv checks the reservation a job names at submission and
// links the job to it. A job naming no reservation has its link cleared.
func (s *Store) ValidateJobResv(j *job.Job) error {
	if j.ResvName == "" {
		j.ClearResv()
		return nil
	}
	r, ok := s.resvs.Get(j.ResvName)
	if !ok {
		j.ResvID = 0
		return errors.Wrapf(ErrReservationInvalid, "reservation %s", j.ResvName)
	}
	if err := s.validAccess(j, r); err != nil {
		return err
	}
	j.ResvID = r.ID
	j.ResvFlags = r.Flags
	return nil
}
