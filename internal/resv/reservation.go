// Package resv implements advance reservations: named, time-bounded claims on
// nodes and licenses for specific users and accounts, with the admission
// tests that gate jobs against them.
//
// A Store performs no locking. Callers serialize writers and let readers
// share, see internal/server.
package resv

import (
	"strings"
	"time"

	"github.com/opentorque/resv/internal/acct"
	"github.com/opentorque/resv/internal/bitmap"
	"github.com/opentorque/resv/internal/license"
	"github.com/opentorque/resv/internal/partition"
)

// Reservation flags. Values are persisted and must not change.
const (
	FlagMaint     uint16 = 0x0001 // Nodes are held for maintenance
	FlagNoMaint   uint16 = 0x0002 // Update only: clear FlagMaint
	FlagDaily     uint16 = 0x0004 // Window repeats every day
	FlagNoDaily   uint16 = 0x0008 // Update only: clear FlagDaily
	FlagWeekly    uint16 = 0x0010 // Window repeats every week
	FlagNoWeekly  uint16 = 0x0020 // Update only: clear FlagWeekly
	FlagIgnJobs   uint16 = 0x0040 // Ignore running jobs when picking nodes
	FlagNoIgnJobs uint16 = 0x0080 // Update only: clear FlagIgnJobs
	FlagLicOnly   uint16 = 0x0100 // Reserve licenses only
	FlagNoLicOnly uint16 = 0x0200 // Update only: clear FlagLicOnly
	FlagOverlap   uint16 = 0x4000 // May share nodes with other reservations
	FlagSpecNodes uint16 = 0x8000 // Nodes were named explicitly
)

// createFlags are the bits a create request may set.
const createFlags = FlagMaint | FlagOverlap | FlagIgnJobs | FlagDaily | FlagWeekly | FlagLicOnly

var flagNames = []struct {
	bit  uint16
	name string
}{
	{FlagMaint, "MAINT"},
	{FlagDaily, "DAILY"},
	{FlagWeekly, "WEEKLY"},
	{FlagIgnJobs, "IGNORE_JOBS"},
	{FlagLicOnly, "LICENSE_ONLY"},
	{FlagOverlap, "OVERLAP"},
	{FlagSpecNodes, "SPEC_NODES"},
}

// FlagString renders flags as a comma list, e.g. "MAINT,DAILY".
func FlagString(flags uint16) string {
	var parts []string
	for _, f := range flagNames {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseFlags is the inverse of FlagString. "NO_" prefixes select the
// paired clear bits used by updates.
func ParseFlags(s string) (uint16, bool) {
	var out uint16
	for _, tok := range strings.Split(s, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		switch tok {
		case "":
		case "MAINT":
			out |= FlagMaint
		case "NO_MAINT":
			out |= FlagNoMaint
		case "DAILY":
			out |= FlagDaily
		case "NO_DAILY":
			out |= FlagNoDaily
		case "WEEKLY":
			out |= FlagWeekly
		case "NO_WEEKLY":
			out |= FlagNoWeekly
		case "IGNORE_JOBS":
			out |= FlagIgnJobs
		case "NO_IGNORE_JOBS":
			out |= FlagNoIgnJobs
		case "LICENSE_ONLY":
			out |= FlagLicOnly
		case "NO_LICENSE_ONLY":
			out |= FlagNoLicOnly
		case "OVERLAP":
			out |= FlagOverlap
		default:
			return 0, false
		}
	}
	return out, true
}

// Time constants.
const (
	OneYear = 365 * 24 * time.Hour

	// InfiniteDuration requests a window of OneYear.
	InfiniteDuration = ^uint32(0)

	maxResvID = 9999
)

// InfiniteTime is the end of a window with neither end time nor duration.
var InfiniteTime = time.Unix(int64(^uint32(0)), 0)

// Reservation is one advance reservation record.
type Reservation struct {
	ID   uint32
	Name string

	// Who may use it
	Accounts *NameSet[string] // Account names in request order
	Users    *NameSet[uint32] // uids, displayed as requested
	Assocs   *NameSet[uint32] // Resolved association ids

	// What it holds
	Licenses    string
	LicenseList []license.License
	Features    string
	Partition   string
	part        *partition.Partition
	NodeBitmap  *bitmap.Bitmap // nil for license-only reservations
	NodeCnt     int
	NodeList    string
	CPUCnt      uint32

	// When
	StartTime  time.Time
	EndTime    time.Time
	StartFirst time.Time // Recurrence anchor
	StartPrev  time.Time // Start before the most recent accounting change
	Duration   uint32    // Minutes, 0 when the end was given directly

	Flags uint16

	// Scheduler pass bookkeeping
	JobPendCnt   int
	JobRunCnt    int
	MaintSetNode bool
}

// Clone returns a deep copy.
func (r *Reservation) Clone() *Reservation {
	c := *r
	c.Accounts = r.Accounts.Clone()
	c.Users = r.Users.Clone()
	c.Assocs = r.Assocs.Clone()
	c.LicenseList = license.Clone(r.LicenseList)
	c.NodeBitmap = r.NodeBitmap.Copy()
	return &c
}

// AccountString returns the accounts as a comma list.
func (r *Reservation) AccountString() string { return r.Accounts.String() }

// UserString returns the users as a comma list of the names they were given as.
func (r *Reservation) UserString() string { return r.Users.String() }

// AssocString returns the association ids as ",id,id,".
func (r *Reservation) AssocString() string { return assocString(r.Assocs) }

// IsRecurring reports a daily or weekly reservation.
func (r *Reservation) IsRecurring() bool {
	return r.Flags&(FlagDaily|FlagWeekly) != 0
}

// Active reports whether now falls inside the window.
func (r *Reservation) Active(now time.Time) bool {
	return !now.Before(r.StartTime) && now.Before(r.EndTime)
}

// record builds the full accounting record.
func (r *Reservation) record(cluster string) *acct.ResvRecord {
	assocs := r.AssocString()
	cpus := r.CPUCnt
	flags := uint32(r.Flags)
	nodes := r.NodeList
	return &acct.ResvRecord{
		Cluster:       cluster,
		ID:            r.ID,
		Name:          r.Name,
		Assocs:        &assocs,
		CPUs:          &cpus,
		Flags:         &flags,
		Nodes:         &nodes,
		NodeIndex:     r.NodeBitmap.Fmt(),
		TimeStart:     r.StartTime,
		TimeStartPrev: r.StartPrev,
		TimeEnd:       r.EndTime,
	}
}

// Desc is a create or update request. Nil fields are unset; an empty string
// clears the field on update.
type Desc struct {
	Name      string     `json:"name,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Duration  *uint32    `json:"duration,omitempty"` // Minutes, or InfiniteDuration
	Flags     *uint16    `json:"flags,omitempty"`
	NodeCnt   *uint32    `json:"node_cnt,omitempty"`
	NodeList  *string    `json:"node_list,omitempty"`
	Features  *string    `json:"features,omitempty"`
	Partition *string    `json:"partition,omitempty"`
	Users     *string    `json:"users,omitempty"`
	Accounts  *string    `json:"accounts,omitempty"`
	Licenses  *string    `json:"licenses,omitempty"`
}

// Info is the externally visible form of a reservation.
type Info struct {
	ID         uint32    `json:"id"`
	Name       string    `json:"name"`
	Accounts   string    `json:"accounts,omitempty"`
	Users      string    `json:"users,omitempty"`
	Licenses   string    `json:"licenses,omitempty"`
	Features   string    `json:"features,omitempty"`
	Partition  string    `json:"partition,omitempty"`
	NodeCnt    int       `json:"node_cnt"`
	NodeList   string    `json:"node_list,omitempty"`
	NodeIndex  string    `json:"node_inx,omitempty"`
	CPUCnt     uint32    `json:"cpu_cnt"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Duration   uint32    `json:"duration,omitempty"`
	Flags      string    `json:"flags,omitempty"`
	JobPendCnt int       `json:"job_pend_cnt"`
	JobRunCnt  int       `json:"job_run_cnt"`
}

// Info returns the externally visible form of r.
func (r *Reservation) Info() Info {
	return Info{
		ID:         r.ID,
		Name:       r.Name,
		Accounts:   r.AccountString(),
		Users:      r.UserString(),
		Licenses:   r.Licenses,
		Features:   r.Features,
		Partition:  r.Partition,
		NodeCnt:    r.NodeCnt,
		NodeList:   r.NodeList,
		NodeIndex:  r.NodeBitmap.Fmt(),
		CPUCnt:     r.CPUCnt,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		Duration:   r.Duration,
		Flags:      FlagString(r.Flags),
		JobPendCnt: r.JobPendCnt,
		JobRunCnt:  r.JobRunCnt,
	}
}
