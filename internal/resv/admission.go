package resv

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/bitmap"
	"github.com/opentorque/resv/internal/job"
	"github.com/opentorque/resv/internal/license"
	"github.com/opentorque/resv/internal/partition"
)

// maxStartRetries bounds how often JobTestResv pushes a start time later.
const maxStartRetries = 10

// JobTestResvNow reports whether j may start now as far as its own
// reservation is concerned.
func (s *Store) JobTestResvNow(j *job.Job) error {
	if j.ResvName == "" {
		return nil
	}
	r, ok := s.resvs.Get(j.ResvName)
	if !ok {
		return errors.Wrapf(ErrReservationInvalid, "reservation %s", j.ResvName)
	}
	if err := s.validAccess(j, r); err != nil {
		return err
	}
	now := s.opts.Now()
	if now.Before(r.StartTime) {
		return errors.Wrapf(ErrInvalidTimeValue, "reservation %s starts later", r.Name)
	}
	if now.After(r.EndTime) {
		return errors.Wrapf(ErrReservationInvalid, "reservation %s has ended", r.Name)
	}
	if r.NodeCnt == 0 && r.Flags&FlagLicOnly == 0 {
		return errors.Wrapf(ErrInvalidTimeValue, "reservation %s holds no nodes", r.Name)
	}
	return nil
}

// JobTimeAdjResv shrinks a starting job's time limit so it ends before any
// later reservation sharing its nodes or licenses begins, but not below
// TimeMin. The job's end time is recomputed.
func (s *Store) JobTimeAdjResv(j *job.Job) {
	now := s.opts.Now()
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		r := el.Value
		if !r.EndTime.After(now) {
			s.advanceResv(r)
		}
		if r.Name == j.ResvName {
			continue
		}
		if !r.StartTime.After(now) || !r.StartTime.Before(j.EndTime) {
			continue
		}
		if !license.Overlap(j.Licenses, r.LicenseList) && r.NodeBitmap.Overlap(j.NodeBitmap) == 0 {
			continue
		}
		if begin := uint32(r.StartTime.Sub(now) / time.Minute); begin < j.TimeLimit {
			j.TimeLimit = begin
		}
	}
	if j.TimeLimit < j.TimeMin {
		j.TimeLimit = j.TimeMin
	}
	if j.TimeLimit == job.Infinite {
		j.EndTime = j.StartTime.Add(OneYear)
		return
	}
	j.EndTime = j.StartTime.Add(time.Duration(j.TimeLimit) * time.Minute)
}

// jobDuration is how long j may run: its time limit, else its partition's,
// stretched by the partition's time slices under gang scheduling.
func (s *Store) jobDuration(j *job.Job) time.Duration {
	part, _ := s.deps.Partitions.Find(j.Partition)

	var d time.Duration
	switch {
	case j.TimeLimit == job.Infinite:
		d = OneYear
	case j.TimeLimit != job.NoVal:
		d = time.Duration(j.TimeLimit) * time.Minute
	case part == nil || part.MaxTime == partition.Infinite:
		d = OneYear
	default:
		d = time.Duration(part.MaxTime) * time.Minute
	}
	if part != nil && d != OneYear && s.opts.GangScheduling {
		if slices := part.TimeSlices(); slices > 1 {
			d *= time.Duration(slices)
		}
	}
	return d
}

// JobTestLicResv returns how many licenses called name reservations other
// than j's own hold while j would run from when.
func (s *Store) JobTestLicResv(j *job.Job, name string, when time.Time) int {
	start, end := when, when.Add(s.jobDuration(j))
	now := s.opts.Now()
	cnt := 0
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		r := el.Value
		if !r.EndTime.After(now) {
			s.advanceResv(r)
		}
		if !windowsOverlap(start, end, r.StartTime, r.EndTime) {
			continue
		}
		if j.ResvName != "" && j.ResvName == r.Name {
			continue
		}
		cnt += license.Count(r.LicenseList, name)
	}
	return cnt
}

// JobTestResv returns the nodes j may use if it starts at when. For a job
// with a reservation that is the reservation's nodes less those of other
// reservations in the window. For other jobs it is every node not reserved
// in the window; with moveTime the start is pushed past conflicting
// reservations, and the returned time is the earliest start found.
func (s *Store) JobTestResv(j *job.Job, when time.Time, moveTime bool) (*bitmap.Bitmap, time.Time, error) {
	now := s.opts.Now()
	end := when.Add(s.jobDuration(j))
	nodeCnt := s.deps.Nodes.Count()

	if j.ResvName != "" {
		r, ok := s.resvs.Get(j.ResvName)
		if !ok {
			return nil, when, errors.Wrapf(ErrReservationInvalid, "reservation %s", j.ResvName)
		}
		if err := s.validAccess(j, r); err != nil {
			return nil, when, err
		}
		if !r.EndTime.After(now) {
			s.advanceResv(r)
		}
		if when.Before(r.StartTime) {
			return nil, r.StartTime, errors.Wrapf(ErrInvalidTimeValue, "reservation %s starts later", r.Name)
		}
		if r.NodeCnt == 0 && r.Flags&FlagLicOnly == 0 {
			return nil, now.Add(10 * time.Minute), errors.Wrapf(ErrInvalidTimeValue, "reservation %s holds no nodes", r.Name)
		}
		if when.After(r.EndTime) {
			j.Priority = 0
			return nil, r.EndTime, errors.Wrapf(ErrReservationInvalid, "reservation %s has ended", r.Name)
		}
		if j.ReqNodeBitmap != nil && r.Flags&FlagLicOnly == 0 && !j.ReqNodeBitmap.SubsetOf(r.NodeBitmap) {
			return nil, when, errors.Wrapf(ErrReservationInvalid, "required nodes outside reservation %s", r.Name)
		}

		var nodes *bitmap.Bitmap
		if r.Flags&FlagLicOnly != 0 || r.NodeBitmap == nil {
			nodes = bitmap.Full(nodeCnt)
		} else {
			nodes = r.NodeBitmap.Copy()
		}
		if r.Flags&(FlagMaint|FlagOverlap) == 0 {
			for el := s.resvs.Front(); el != nil; el = el.Next() {
				o := el.Value
				if o == r || o.NodeBitmap == nil || !windowsOverlap(when, end, o.StartTime, o.EndTime) {
					continue
				}
				nodes.AndNot(o.NodeBitmap)
			}
		}
		if s.opts.DebugResv {
			s.log.Info("Job reservation test", zap.Uint32("job", j.ID),
				zap.String("reservation", r.Name), zap.String("nodes", s.deps.Nodes.BitmapToNames(nodes)))
		}
		return nodes, when, nil
	}

	nodes := bitmap.Full(nodeCnt)
	if s.resvs.Len() == 0 {
		return nodes, when, nil
	}

	for i := 0; ; i++ {
		var err error
		var licTime time.Time
		for el := s.resvs.Front(); el != nil; el = el.Next() {
			r := el.Value
			if !r.EndTime.After(now) {
				s.advanceResv(r)
			}
			if r.NodeBitmap == nil || !windowsOverlap(when, end, r.StartTime, r.EndTime) {
				continue
			}
			if j.ReqNodeBitmap != nil && j.ReqNodeBitmap.Overlap(r.NodeBitmap) > 0 {
				when = r.EndTime
				err = errors.Wrapf(ErrNodesBusy, "required nodes reserved by %s", r.Name)
				break
			}
			if license.Overlap(j.Licenses, r.LicenseList) && (licTime.IsZero() || r.EndTime.Before(licTime)) {
				licTime = r.EndTime
			}
			nodes.AndNot(r.NodeBitmap)
		}

		if err == nil && moveTime {
			start := when
			ok := s.deps.Licenses.JobTestReserved(j.Licenses, func(name string) int {
				return s.JobTestLicResv(j, name, start)
			})
			if !ok {
				err = errors.Wrap(ErrNodesBusy, "licenses reserved")
				if !licTime.IsZero() {
					when = licTime
				}
			}
		}
		if err == nil {
			return nodes, when, nil
		}
		if moveTime && i < maxStartRetries {
			nodes = bitmap.Full(nodeCnt)
			end = when.Add(s.jobDuration(j))
			continue
		}
		return nil, when, err
	}
}
