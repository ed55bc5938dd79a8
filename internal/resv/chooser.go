package resv

import (
	"github.com/opentorque/resv/internal/bitmap"
)

// NodeChooser picks count nodes out of avail, or returns nil if it cannot.
type NodeChooser interface {
	Choose(avail *bitmap.Bitmap, count int) *bitmap.Bitmap
}

// LinearChooser takes the lowest-indexed nodes.
type LinearChooser struct{}

func (LinearChooser) Choose(avail *bitmap.Bitmap, count int) *bitmap.Bitmap {
	return avail.PickCnt(count)
}

// ContiguousChooser prefers the shortest run of consecutive nodes that fits
// the request, falling back to LinearChooser.
type ContiguousChooser struct{}

func (ContiguousChooser) Choose(avail *bitmap.Bitmap, count int) *bitmap.Bitmap {
	if count <= 0 || avail.Count() < count {
		return avail.PickCnt(count)
	}
	bestStart, bestLen := -1, 0
	runStart, runLen := -1, 0
	consider := func() {
		if runLen >= count && (bestStart < 0 || runLen < bestLen) {
			bestStart, bestLen = runStart, runLen
		}
	}
	for i := 0; i < avail.Size(); i++ {
		if avail.Test(i) {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			continue
		}
		consider()
		runLen = 0
	}
	consider()
	if bestStart < 0 {
		return avail.PickCnt(count)
	}
	out := bitmap.New(avail.Size())
	for i := bestStart; i < bestStart+count; i++ {
		out.Set(i)
	}
	return out
}

// ChooserByName maps a configured chooser name to an implementation.
func ChooserByName(name string) (NodeChooser, bool) {
	switch name {
	case "", "linear":
		return LinearChooser{}, true
	case "contiguous":
		return ContiguousChooser{}, true
	}
	return nil, false
}
