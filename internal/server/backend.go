package server

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/api"
	"github.com/opentorque/resv/internal/job"
	"github.com/opentorque/resv/internal/node"
	"github.com/opentorque/resv/internal/partition"
	"github.com/opentorque/resv/internal/resv"
)

// --- Reservations ---

// ShowReservations lists the reservations user may see.
func (s *Server) ShowReservations(user string) ([]resv.Info, error) {
	uid, ok := s.assocs.UIDFromString(user)
	if !ok {
		return nil, errors.Wrapf(resv.ErrUserIDMissing, "user %s", user)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Show(uid), nil
}

// CreateReservation creates a reservation from d.
func (s *Server) CreateReservation(d *resv.Desc) (resv.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.store.Create(d)
	if err != nil {
		return resv.Info{}, err
	}
	s.store.SetNodeMaintMode()
	return r.Info(), nil
}

// UpdateReservation applies d to the reservation it names.
func (s *Server) UpdateReservation(d *resv.Desc) (resv.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Update(d); err != nil {
		return resv.Info{}, err
	}
	s.store.SetNodeMaintMode()
	r, ok := s.store.Find(d.Name)
	if !ok {
		return resv.Info{}, errors.Wrapf(resv.ErrReservationInvalid, "reservation %s", d.Name)
	}
	return r.Info(), nil
}

// DeleteReservation removes the named reservation.
func (s *Server) DeleteReservation(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(name)
}

// IsOperator reports whether user may manage reservations.
func (s *Server) IsOperator(user string) bool {
	return s.cfg.IsOperator(user)
}

// --- Jobs ---

// SubmitJob registers a pending job, linking it to the reservation it names.
func (s *Server) SubmitJob(req *api.JobRequest) (*api.JobInfo, error) {
	uid, ok := s.assocs.UIDFromString(req.User)
	if !ok {
		return nil, errors.Wrapf(resv.ErrUserIDMissing, "user %s", req.User)
	}
	j := &job.Job{
		Name:       req.Name,
		UserID:     uid,
		Account:    req.Account,
		Partition:  req.Partition,
		State:      job.StatePending,
		Priority:   req.Priority,
		TimeLimit:  job.NoVal,
		TimeMin:    req.TimeMin,
		NodeCnt:    req.NodeCnt,
		ResvName:   req.Reservation,
		SubmitTime: s.now(),
	}
	if req.TimeLimit != nil {
		j.TimeLimit = *req.TimeLimit
	}
	if j.NodeCnt <= 0 {
		j.NodeCnt = 1
	}
	if j.Partition == "" {
		p := s.parts.Default()
		if p == nil {
			return nil, errors.Wrap(resv.ErrDefaultPartitionNotSet, "job")
		}
		j.Partition = p.Name
	} else if _, ok := s.parts.Find(j.Partition); !ok {
		return nil, errors.Wrapf(resv.ErrInvalidPartitionName, "partition %s", j.Partition)
	}
	if req.Nodes != "" {
		b, err := s.nodes.NamesToBitmap(req.Nodes)
		if err != nil {
			return nil, errors.Wrapf(resv.ErrInvalidNodeName, "nodes %s: %v", req.Nodes, err)
		}
		j.ReqNodeBitmap = b
		j.NodeCnt = b.Count()
	}
	if req.Licenses != "" {
		list, ok := s.licenses.Validate(req.Licenses)
		if !ok {
			return nil, errors.Wrapf(resv.ErrInvalidLicenses, "licenses %s", req.Licenses)
		}
		j.Licenses = list
	}
	if a := s.assocs.Lookup(uid, j.Account, j.Partition); a != nil {
		j.AssocID = a.ID
	} else if s.cfg.AccountingEnforce {
		return nil, errors.Wrapf(resv.ErrInvalidAccount, "no association for user %s account %s", req.User, j.Account)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ValidateJobResv(j); err != nil {
		return nil, err
	}
	s.jobs.AddJob(j)
	return s.jobInfo(j), nil
}

// SetJobState moves a job to the named state. RUNNING starts a pending job
// through reservation admission; terminal states release its resources.
func (s *Server) SetJobState(id uint32, state string) (*api.JobInfo, error) {
	target := -1
	for code, name := range job.StateNames {
		if name == state {
			target = code
		}
	}
	if target < 0 {
		return nil, errors.Wrapf(api.ErrBadRequest, "job state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs.GetJob(id)
	if j == nil {
		return nil, errors.Wrapf(api.ErrNotFound, "job %d", id)
	}
	switch {
	case j.State == target:
	case target == job.StateRunning && j.IsPending():
		if err := s.startJob(j); err != nil {
			return nil, err
		}
	case target == job.StateRunning && j.IsSuspended(),
		target == job.StateSuspended && j.IsRunning():
		s.jobs.SetState(id, target)
	case target >= job.StateComplete && !j.IsFinished():
		s.finishJob(j, target)
	default:
		return nil, errors.Wrapf(api.ErrConflict, "job %d is %s", id, j.StateName())
	}
	return s.jobInfo(j), nil
}

// TestJob reports whether a job may use its reservation now, and which nodes
// and start time reservation admission would give it at when.
func (s *Server) TestJob(id uint32, when time.Time, move bool) (*api.TestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs.GetJob(id)
	if j == nil {
		return nil, errors.Wrapf(api.ErrNotFound, "job %d", id)
	}
	if when.IsZero() {
		when = s.now()
	}
	res := &api.TestResult{Reservation: j.ResvName, Ready: true}
	if err := s.store.JobTestResvNow(j); err != nil {
		res.Ready = false
		res.Reason = err.Error()
	}
	nodes, start, err := s.store.JobTestResv(j, when, move)
	if err != nil {
		return nil, err
	}
	res.NodeList = s.nodes.BitmapToNames(nodes)
	res.StartTime = start
	return res, nil
}

// startJob runs j now on nodes reservation admission allows.
func (s *Server) startJob(j *job.Job) error {
	now := s.now()
	if err := s.store.JobTestResvNow(j); err != nil {
		return err
	}
	avail, start, err := s.store.JobTestResv(j, now, false)
	if err != nil {
		return err
	}
	if start.After(now) {
		return errors.Wrapf(resv.ErrNodesBusy, "job %d cannot start before %s", j.ID, start.Format(time.RFC3339))
	}
	avail.And(s.nodes.IdleBitmap())

	nodes := j.ReqNodeBitmap
	if nodes != nil {
		if !nodes.SubsetOf(avail) {
			return errors.Wrapf(resv.ErrNodesBusy, "job %d required nodes", j.ID)
		}
		nodes = nodes.Copy()
	} else if nodes = s.chooser.Choose(avail, j.NodeCnt); nodes == nil {
		return errors.Wrapf(resv.ErrNodesBusy, "job %d wants %d nodes, %d usable", j.ID, j.NodeCnt, avail.Count())
	}

	if len(j.Licenses) > 0 {
		reserved := func(name string) int { return s.store.JobTestLicResv(j, name, now) }
		if !s.licenses.JobTestReserved(j.Licenses, reserved) {
			return errors.Wrapf(api.ErrConflict, "job %d licenses unavailable", j.ID)
		}
	}

	j.NodeBitmap = nodes
	j.StartTime = now
	j.TimeLimit = s.resolveTimeLimit(j)
	if j.TimeLimit == job.Infinite {
		j.EndTime = now.Add(resv.OneYear)
	} else {
		j.EndTime = now.Add(time.Duration(j.TimeLimit) * time.Minute)
	}
	s.store.JobTimeAdjResv(j)

	s.nodes.Allocate(nodes)
	s.licenses.Acquire(j.Licenses)
	s.jobs.SetState(j.ID, job.StateRunning)
	s.log.Info("Job started", zap.Uint32("job", j.ID), zap.String("nodes", s.nodes.BitmapToNames(nodes)),
		zap.String("reservation", j.ResvName), zap.Uint32("time_limit", j.TimeLimit))
	return nil
}

// resolveTimeLimit replaces NoVal with the partition limit.
func (s *Server) resolveTimeLimit(j *job.Job) uint32 {
	if j.TimeLimit != job.NoVal {
		return j.TimeLimit
	}
	if p, ok := s.parts.Find(j.Partition); ok && p.MaxTime != partition.Infinite {
		return p.MaxTime
	}
	return job.Infinite
}

// finishJob moves j to a terminal state and frees what it held.
func (s *Server) finishJob(j *job.Job, state int) {
	if j.IsRunning() || j.IsSuspended() {
		s.nodes.Release(j.NodeBitmap)
		s.licenses.Release(j.Licenses)
	}
	j.EndTime = s.now()
	s.jobs.SetState(j.ID, state)
	s.log.Info("Job finished", zap.Uint32("job", j.ID), zap.String("state", j.StateName()))
}

func (s *Server) jobInfo(j *job.Job) *api.JobInfo {
	info := &api.JobInfo{
		ID:          j.ID,
		Name:        j.Name,
		UserID:      j.UserID,
		Account:     j.Account,
		Partition:   j.Partition,
		State:       j.StateName(),
		Reservation: j.ResvName,
		ResvID:      j.ResvID,
		TimeLimit:   j.TimeLimit,
		StartTime:   j.StartTime,
		EndTime:     j.EndTime,
	}
	if j.NodeBitmap != nil {
		info.NodeList = s.nodes.BitmapToNames(j.NodeBitmap)
	}
	return info
}

// --- Nodes ---

// SetNodeState applies an administrative state keyword to a node.
func (s *Server) SetNodeState(name, state, reason string) error {
	flags, err := node.ParseState(state)
	if err != nil {
		return errors.Wrap(api.ErrBadRequest, err.Error())
	}
	if s.nodes.GetNode(name) == nil {
		return errors.Wrapf(api.ErrNotFound, "node %s", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.SetState(name, flags, reason)
}
