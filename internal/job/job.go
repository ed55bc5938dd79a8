// Package job implements the job registry consulted by reservation admission.
package job

import (
	"time"

	"github.com/opentorque/resv/internal/bitmap"
	"github.com/opentorque/resv/internal/license"
)

// Job states.
const (
	StatePending   = 0 // Queued, waiting to run
	StateRunning   = 1 // Executing on its nodes
	StateSuspended = 2 // Holding its nodes, not running
	StateComplete  = 3 // Finished normally
	StateCancelled = 4 // Removed before or during execution
	StateFailed    = 5 // Finished with an error
	StateTimeout   = 6 // Ran past its time limit or reservation
)

// Time limit sentinels, in minutes.
const (
	Infinite = ^uint32(0)
	NoVal    = ^uint32(0) - 1
)

// StateNames maps state codes to display strings.
var StateNames = map[int]string{
	StatePending:   "PENDING",
	StateRunning:   "RUNNING",
	StateSuspended: "SUSPENDED",
	StateComplete:  "COMPLETED",
	StateCancelled: "CANCELLED",
	StateFailed:    "FAILED",
	StateTimeout:   "TIMEOUT",
}

// Job is a batch job as seen by the reservation subsystem.
type Job struct {
	ID        uint32
	Name      string
	UserID    uint32
	Account   string
	Partition string
	State     int
	Priority  uint32

	// Allocation
	NodeCnt       int            // Nodes wanted when no explicit list is given
	NodeBitmap    *bitmap.Bitmap // Nodes in use while running or suspended
	ReqNodeBitmap *bitmap.Bitmap // Nodes the job explicitly asked for
	Licenses      []license.License

	// Timing
	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	TimeLimit  uint32 // Minutes, Infinite, or NoVal for the partition limit
	TimeMin    uint32 // Minutes the limit may be shrunk to

	// Accounting association
	AssocID uint32

	// Reservation linkage
	ResvName  string
	ResvID    uint32
	ResvFlags uint16
}

// StateName returns the display name of the job state.
func (j *Job) StateName() string {
	if s, ok := StateNames[j.State]; ok {
		return s
	}
	return "UNKNOWN"
}

// IsPending reports a job waiting to start.
func (j *Job) IsPending() bool { return j.State == StatePending }

// IsRunning reports a job executing on its nodes.
func (j *Job) IsRunning() bool { return j.State == StateRunning }

// IsSuspended reports a suspended job still holding nodes.
func (j *Job) IsSuspended() bool { return j.State == StateSuspended }

// IsFinished reports a job in a terminal state.
func (j *Job) IsFinished() bool { return j.State >= StateComplete }

// ClearResv drops the job's reservation linkage.
func (j *Job) ClearResv() {
	j.ResvName = ""
	j.ResvID = 0
	j.ResvFlags = 0
}
