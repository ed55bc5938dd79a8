package resv

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/bitmap"
)

// selectNodes picks count nodes for r's window from its partition, the
// default partition when r names none. Nodes held by other reservations
// in the window are excluded unless r may overlap; unavailable nodes are
// excluded unless r is for maintenance. Nodes in exclude are never picked.
func (s *Store) selectNodes(r *Reservation, count int, exclude *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	if r.part == nil {
		p := s.deps.Partitions.Default()
		if p == nil {
			s.log.Info("Reservation request has no partition and no default exists")
			return nil, ErrDefaultPartitionNotSet
		}
		r.part, r.Partition = p, p.Name
	}

	avail := r.part.NodeBitmap.Copy()
	if avail == nil {
		avail = bitmap.New(s.deps.Nodes.Count())
	}
	if exclude != nil {
		avail.AndNot(exclude)
	}

	if r.Flags&FlagOverlap == 0 {
		now := s.opts.Now()
		for el := s.resvs.Front(); el != nil; el = el.Next() {
			o := el.Value
			if !o.EndTime.After(now) {
				s.advanceResv(o)
			}
			if o.NodeBitmap == nil || !windowsOverlap(r.StartTime, r.EndTime, o.StartTime, o.EndTime) {
				continue
			}
			avail.AndNot(o.NodeBitmap)
		}
	}

	var featErr error
	if r.Features != "" {
		fb, err := s.evalFeatures(r.Features, avail)
		featErr = err
		avail.And(fb)
	}

	if r.Flags&FlagMaint == 0 {
		avail.And(s.deps.Nodes.AvailBitmap())
	}

	if featErr != nil {
		return nil, featErr
	}
	picked := s.pickIdle(avail, count, r.StartTime, r.Flags)
	if picked == nil {
		return nil, errors.Wrapf(ErrNodesBusy, "%d nodes requested", count)
	}
	return picked, nil
}

// pickIdle chooses count nodes from avail, preferring nodes idle now, then
// nodes no job will hold at start, then with IGNORE_JOBS nodes of running
// jobs one job at a time.
func (s *Store) pickIdle(avail *bitmap.Bitmap, count int, start time.Time, flags uint16) *bitmap.Bitmap {
	if avail.Count() < count {
		s.log.Debug("Reservation requests more nodes than are available",
			zap.Int("requested", count), zap.Int("available", avail.Count()))
		return nil
	}
	save := avail.Copy()

	idle := s.deps.Nodes.IdleBitmap()
	if avail.Overlap(idle) >= count {
		tmp := avail.Copy()
		tmp.And(idle)
		if out := s.chooser.Choose(tmp, count); out != nil {
			return out
		}
	}

	var holding []*bitmap.Bitmap
	for _, j := range s.deps.Jobs.Jobs() {
		if !j.IsRunning() && !j.IsSuspended() {
			continue
		}
		if j.EndTime.Before(start) || j.NodeBitmap == nil {
			continue
		}
		avail.AndNot(j.NodeBitmap)
		holding = append(holding, j.NodeBitmap)
	}
	if out := s.chooser.Choose(avail, count); out != nil {
		return out
	}

	if flags&FlagIgnJobs == 0 {
		return nil
	}
	for _, jb := range holding {
		tmp := save.Copy()
		tmp.And(jb)
		if tmp.Count() == 0 {
			continue
		}
		avail.Or(tmp)
		if out := s.chooser.Choose(avail, count); out != nil {
			return out
		}
	}
	return nil
}

// resize changes r to hold count nodes. Shrinking drops idle nodes first;
// growing selects additional nodes.
func (s *Store) resize(r *Reservation, count int) error {
	if r.NodeBitmap == nil {
		r.NodeBitmap = bitmap.New(s.deps.Nodes.Count())
	}
	delta := r.NodeCnt - count
	if delta == 0 {
		return nil
	}

	if delta > 0 {
		idle := s.deps.Nodes.IdleBitmap()
		if r.NodeBitmap.Overlap(idle) > 0 {
			tmp := r.NodeBitmap.Copy()
			tmp.And(idle)
			if i := tmp.Count(); i > delta {
				r.NodeBitmap.AndNot(tmp.PickCnt(delta))
				delta = 0
			} else {
				r.NodeBitmap.AndNot(idle)
				delta = r.NodeBitmap.Count() - count
			}
		}
		if delta > 0 {
			r.NodeBitmap = r.NodeBitmap.PickCnt(count)
		}
		r.NodeList = s.deps.Nodes.BitmapToNames(r.NodeBitmap)
		r.NodeCnt = count
		return nil
	}

	more, err := s.selectNodes(r, -delta, r.NodeBitmap)
	if err != nil {
		return err
	}
	r.NodeBitmap.Or(more)
	r.NodeList = s.deps.Nodes.BitmapToNames(r.NodeBitmap)
	r.NodeCnt = count
	return nil
}

// validateNodeChoice replaces unusable nodes of a reservation whose nodes
// were picked automatically.
func (s *Store) validateNodeChoice(r *Reservation) {
	if r.Flags&FlagSpecNodes != 0 || r.NodeBitmap == nil {
		return
	}
	avail := s.deps.Nodes.AvailBitmap()
	i := r.NodeBitmap.Overlap(avail)
	if i >= r.NodeCnt {
		return
	}

	probe := &Reservation{
		Name:      r.Name,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Features:  r.Features,
		Partition: r.Partition,
		part:      r.part,
	}
	more, err := s.selectNodes(probe, r.NodeCnt-i, r.NodeBitmap)
	if err == nil {
		r.part, r.Partition = probe.part, probe.Partition
		r.NodeBitmap.And(avail)
		r.NodeBitmap.Or(more)
		r.NodeList = s.deps.Nodes.BitmapToNames(r.NodeBitmap)
		s.setCPUCnt(r)
		s.requestSave()
		s.log.Info("Modified reservation due to unusable nodes",
			zap.String("name", r.Name), zap.String("nodes", r.NodeList))
		return
	}
	if r.StartTime.Sub(s.opts.Now()) < 10*time.Minute {
		s.log.Info("Reservation contains unusable nodes, can't reallocate now", zap.String("name", r.Name))
	} else {
		s.log.Debug("Reservation contains unusable nodes, can't reallocate now", zap.String("name", r.Name))
	}
}
