package resv

import (
	"time"

	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/bitmap"
)

// AdvanceTime moves t forward by days calendar days in loc, keeping the
// wall-clock time across daylight saving changes. If the calendar result
// does not move forward, t advances by a flat 24 hours instead.
func AdvanceTime(t time.Time, days int, loc *time.Location) time.Time {
	if days == 0 {
		return t
	}
	lt := t.In(loc)
	y, m, d := lt.Date()
	hh, mm, ss := lt.Clock()
	out := time.Date(y, m, d+days, hh, mm, ss, lt.Nanosecond(), loc)
	if days > 0 && !out.After(t) {
		return t.Add(24 * time.Hour)
	}
	return out
}

func (s *Store) advance(t time.Time, days int) time.Time {
	return AdvanceTime(t, days, s.opts.Location)
}

// windowsOverlap reports whether [s1,e1) and [s2,e2) intersect.
func windowsOverlap(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && e1.After(s2)
}

// resvOverlap reports whether the window [start,end) on nodes collides with
// a reservation other than exclude. Daily reservations are compared over
// a week of repetitions. MAINT and OVERLAP requests never collide.
func (s *Store) resvOverlap(start, end time.Time, flags uint16, nodes *bitmap.Bitmap, exclude *Reservation) bool {
	if flags&(FlagMaint|FlagOverlap) != 0 || nodes == nil {
		return false
	}
	for el := s.resvs.Front(); el != nil; el = el.Next() {
		r := el.Value
		if exclude != nil && r.Name == exclude.Name {
			continue
		}
		if r.NodeBitmap == nil || r.NodeBitmap.Overlap(nodes) == 0 {
			continue
		}
		for i := 0; i < 7; i++ {
			s1, e1 := s.advance(start, i), s.advance(end, i)
			for j := 0; j < 7; j++ {
				s2, e2 := s.advance(r.StartTime, j), s.advance(r.EndTime, j)
				if windowsOverlap(s1, e1, s2, e2) {
					s.log.Debug("Reservation overlap", zap.String("with", r.Name))
					return true
				}
				if r.Flags&FlagDaily == 0 {
					break
				}
			}
			if flags&FlagDaily == 0 {
				break
			}
		}
	}
	return false
}

// jobOverlap reports whether a running job on nodes ends after start.
// IGNORE_JOBS requests never collide.
func (s *Store) jobOverlap(start time.Time, flags uint16, nodes *bitmap.Bitmap) bool {
	if flags&FlagIgnJobs != 0 || nodes == nil {
		return false
	}
	for _, j := range s.deps.Jobs.Jobs() {
		if j.IsRunning() && j.EndTime.After(start) && j.NodeBitmap.Overlap(nodes) > 0 {
			return true
		}
	}
	return false
}
