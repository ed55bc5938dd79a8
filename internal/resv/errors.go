package resv

import (
	"github.com/pkg/errors"
)

// Reservation error conditions. Call sites wrap these with the offending
// value; test with errors.Is.
var (
	ErrInvalidTimeValue       = errors.New("invalid time value")
	ErrInvalidPartitionName   = errors.New("invalid partition name")
	ErrInvalidAccount         = errors.New("invalid account")
	ErrInvalidNodeName        = errors.New("invalid node name")
	ErrInvalidLicenses        = errors.New("invalid licenses")
	ErrInvalidFeature         = errors.New("invalid feature specification")
	ErrUserIDMissing          = errors.New("invalid or missing user id")
	ErrDefaultPartitionNotSet = errors.New("no default partition set")
	ErrNodesBusy              = errors.New("requested nodes are busy")
	ErrReservationOverlap     = errors.New("requested reservation overlaps with another reservation")
	ErrReservationInvalid     = errors.New("invalid reservation")
	ErrReservationBusy        = errors.New("reservation is in use")
	ErrReservationAccess      = errors.New("access denied to requested reservation")
	ErrNotSupported           = errors.New("requested operation not supported")
	ErrIncompleteState        = errors.New("incomplete reservation state file")
	ErrStateVersion           = errors.New("reservation state version incompatible")
)

var codes = []struct {
	err  error
	code int
}{
	{ErrInvalidTimeValue, 2001},
	{ErrInvalidPartitionName, 2002},
	{ErrInvalidAccount, 2003},
	{ErrInvalidNodeName, 2004},
	{ErrInvalidLicenses, 2005},
	{ErrInvalidFeature, 2006},
	{ErrUserIDMissing, 2007},
	{ErrDefaultPartitionNotSet, 2008},
	{ErrNodesBusy, 2009},
	{ErrReservationOverlap, 2010},
	{ErrReservationInvalid, 2011},
	{ErrReservationBusy, 2012},
	{ErrReservationAccess, 2013},
	{ErrNotSupported, 2014},
	{ErrIncompleteState, 2015},
	{ErrStateVersion, 2016},
}

// Code maps err to a stable numeric status: 0 for nil, 1 for errors outside
// the reservation taxonomy.
func Code(err error) int {
	if err == nil {
		return 0
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return 1
}
