package resv

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/acct"
	"github.com/opentorque/resv/internal/job"
)

// advanceResv moves an expired daily or weekly reservation to its next
// window and announces it again. Other reservations are left alone.
func (s *Store) advanceResv(r *Reservation) {
	days, interval := 0, ""
	switch {
	case r.Flags&FlagDaily != 0:
		days, interval = 1, "day"
	case r.Flags&FlagWeekly != 0:
		days, interval = 7, "week"
	default:
		return
	}
	s.log.Debug("Advance reservation", zap.String("name", r.Name), zap.String("interval", interval))
	r.StartTime = s.advance(r.StartFirst, days)
	r.StartPrev, r.StartFirst = r.StartTime, r.StartTime
	r.EndTime = s.advance(r.EndTime, days)
	s.postCreate(r)
	s.requestSave()
	s.metrics.Advanced()
}

// BeginJobResvCheck starts a scheduler pass: it reloads the overrun
// allowance and zeroes every reservation's job counters.
func (s *Store) BeginJobResvCheck() {
	if s.opts.ResvOverRun < 0 {
		s.overRun = OneYear
	} else {
		s.overRun = time.Duration(s.opts.ResvOverRun) * time.Minute
	}
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		el.Value.JobPendCnt = 0
		el.Value.JobRunCnt = 0
	}
}

// JobResvCheck counts j against its reservation. It returns
// ErrInvalidTimeValue when the job has outlived the reservation plus the
// overrun allowance.
func (s *Store) JobResvCheck(j *job.Job) error {
	if j.ResvName == "" {
		return nil
	}
	r, ok := s.resvs.Get(j.ResvName)
	if !ok {
		return nil
	}
	switch {
	case j.IsRunning() || j.IsSuspended():
		r.JobRunCnt++
	case j.IsPending():
		r.JobPendCnt++
	default:
		return nil
	}
	if r.EndTime.Add(s.overRun).Before(s.opts.Now()) {
		return errors.Wrapf(ErrInvalidTimeValue, "reservation %s ended", r.Name)
	}
	return nil
}

// FiniJobResvCheck ends a scheduler pass. Live reservations get unusable
// nodes replaced; expired ones advance if recurring, else are purged once
// no job counts against them and no maintenance mark remains.
func (s *Store) FiniJobResvCheck() {
	now := s.opts.Now()
	for _, r := range s.All() {
		if r.EndTime.After(now) {
			s.validateNodeChoice(r)
			continue
		}
		s.advanceResv(r)
		if r.JobPendCnt != 0 || r.JobRunCnt != 0 || r.MaintSetNode || r.IsRecurring() {
			continue
		}
		s.log.Info("Purging vestigial reservation record", zap.String("name", r.Name))
		s.clearJobResv(r)
		s.remove(r)
		s.postDelete(r)
		s.requestSave()
		s.metrics.Purged()
	}
}

// SetNodeMaintMode marks the nodes of active maintenance reservations and
// unmarks them once the reservation is no longer active. It reports whether
// any node changed.
func (s *Store) SetNodeMaintMode() bool {
	now := s.opts.Now()
	changed := false
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		r := el.Value
		if r.Flags&FlagMaint == 0 {
			continue
		}
		active := r.Active(now)
		if active == r.MaintSetNode {
			continue
		}
		r.MaintSetNode = active
		s.setNodesMaint(r, active)
		changed = true
	}
	return changed
}

// setNodesMaint sets or clears maintenance on r's nodes, reporting nodes
// found unusable to accounting.
func (s *Store) setNodesMaint(r *Reservation, on bool) {
	if r.NodeBitmap == nil {
		s.log.Error("Reservation lacks a node bitmap", zap.String("name", r.Name))
		return
	}
	now := s.opts.Now()
	for _, i := range r.NodeBitmap.Indices() {
		if !s.deps.Nodes.SetMaint(i, on) {
			continue
		}
		ev := &acct.NodeEvent{
			Cluster: s.opts.ClusterName,
			Node:    s.deps.Nodes.Name(i),
			Reason:  "maintenance reservation " + r.Name,
			Time:    now,
		}
		if n := s.deps.Nodes.GetNode(ev.Node); n != nil {
			ev.State = n.StateName()
		}
		if err := s.acct.NodeDown(ev); err != nil {
			s.log.Error("Accounting node down failed", zap.String("node", ev.Node), zap.Error(err))
		}
	}
}

// SendResvsToAccounting announces every reservation, as on first
// registration with accounting.
func (s *Store) SendResvsToAccounting() {
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		s.postCreate(el.Value)
	}
}

// UpdateAssocsInResvs re-resolves association ids after the association
// table changed.
func (s *Store) UpdateAssocsInResvs() {
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		if err := s.setAssocList(el.Value); err != nil {
			s.log.Error("Reservation associations not updated", zap.String("name", el.Value.Name), zap.Error(err))
		}
	}
}
