package resv

import (
	"time"

	"github.com/opentorque/resv/internal/acct"
	"github.com/opentorque/resv/internal/assoc"
	"github.com/opentorque/resv/internal/bitmap"
	"github.com/opentorque/resv/internal/job"
	"github.com/opentorque/resv/internal/license"
	"github.com/opentorque/resv/internal/node"
	"github.com/opentorque/resv/internal/partition"
)

// NodeDirectory translates between node names and bitmaps and reports node
// condition. *node.Manager implements it.
type NodeDirectory interface {
	Count() int
	Name(i int) string
	GetNode(name string) *node.Node
	NamesToBitmap(expr string) (*bitmap.Bitmap, error)
	BitmapToNames(b *bitmap.Bitmap) string
	AvailBitmap() *bitmap.Bitmap
	IdleBitmap() *bitmap.Bitmap
	FeatureBitmap(feature string) (*bitmap.Bitmap, bool)
	CPUs(i int) int
	SetMaint(i int, on bool) (unusable bool)
}

// PartitionDirectory resolves partitions. *partition.Manager implements it.
type PartitionDirectory interface {
	Find(name string) (*partition.Partition, bool)
	Default() *partition.Partition
}

// JobRegistry enumerates jobs in registry order. *job.Manager implements it.
type JobRegistry interface {
	Jobs() []*job.Job
}

// AssocService validates users and accounts and resolves associations.
// *assoc.Manager implements it.
type AssocService interface {
	AccountExists(account string) bool
	UIDFromString(name string) (uint32, bool)
	Lookup(uid uint32, account, partition string) *assoc.Assoc
	UserAssocs(uid uint32) []*assoc.Assoc
	ByID(id uint32) *assoc.Assoc
}

// LicenseService validates license requests and tests availability.
// *license.Manager implements it.
type LicenseService interface {
	Validate(spec string) ([]license.License, bool)
	JobTestReserved(list []license.License, reserved func(name string) int) bool
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	Operation(op string, err error)
	Reservations(n int)
	Advanced()
	Purged()
}

type nopRecorder struct{}

func (nopRecorder) Operation(string, error) {}
func (nopRecorder) Reservations(int)        {}
func (nopRecorder) Advanced()               {}
func (nopRecorder) Purged()                 {}

// Deps bundles the collaborators a Store consults.
type Deps struct {
	Nodes      NodeDirectory
	Partitions PartitionDirectory
	Jobs       JobRegistry
	Assocs     AssocService
	Licenses   LicenseService
	Accounting acct.Accounting // nil discards
	Chooser    NodeChooser     // nil picks the lowest-indexed nodes
	Metrics    Recorder        // nil discards
}

// Options are the policy knobs of a Store.
type Options struct {
	ClusterName string

	// EnforceAssocs rejects unknown accounts and users without associations,
	// and makes access checks walk the association tree.
	EnforceAssocs bool
	// AssocBased resolves association ids for reservations at all.
	AssocBased bool
	// PrivateData hides reservations from users they do not name.
	PrivateData bool
	// ResvOverRun is how many minutes jobs may run past a reservation's
	// end; negative means unlimited.
	ResvOverRun int
	// DebugResv logs every request in full.
	DebugResv bool
	// GangScheduling stretches job durations by the partition's time slices.
	GangScheduling bool

	// IsOperator reports uids allowed to see every reservation.
	IsOperator func(uid uint32) bool
	// Now is the clock, time.Now by default.
	Now func() time.Time
	// Location is the zone recurring reservations advance in, time.Local
	// by default.
	Location *time.Location
}
