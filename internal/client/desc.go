package client

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/opentorque/resv/internal/api"
	"github.com/opentorque/resv/internal/resv"
)

// ParseDesc builds a reservation request from Key=Value words such as
//
//	StartTime=2026-03-02T10:00:00Z Duration=2:00:00 NodeCnt=4 Users=alice
//
// Keys are case-insensitive. Times are RFC 3339 or "now"; durations are
// minutes, [D-]HH:MM[:SS], or UNLIMITED.
func ParseDesc(words []string, now time.Time) (*resv.Desc, error) {
	d := &resv.Desc{}
	for _, w := range words {
		key, val, ok := strings.Cut(w, "=")
		if !ok {
			return nil, errors.Errorf("expected Key=Value, got %q", w)
		}
		switch strings.ToLower(key) {
		case "reservation", "reservationname", "name":
			d.Name = val
		case "starttime":
			t, err := parseTime(val, now)
			if err != nil {
				return nil, err
			}
			d.StartTime = &t
		case "endtime":
			t, err := parseTime(val, now)
			if err != nil {
				return nil, err
			}
			d.EndTime = &t
		case "duration":
			m, err := ParseDuration(val)
			if err != nil {
				return nil, err
			}
			d.Duration = &m
		case "flags":
			f, ok := resv.ParseFlags(val)
			if !ok {
				return nil, errors.Errorf("invalid flags %q", val)
			}
			d.Flags = &f
		case "nodecnt", "nodecount":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return nil, errors.Errorf("invalid node count %q", val)
			}
			cnt := uint32(n)
			d.NodeCnt = &cnt
		case "nodes", "nodelist":
			d.NodeList = str(val)
		case "features":
			d.Features = str(val)
		case "partition", "partitionname":
			d.Partition = str(val)
		case "users":
			d.Users = str(val)
		case "accounts":
			d.Accounts = str(val)
		case "licenses":
			d.Licenses = str(val)
		default:
			return nil, errors.Errorf("unknown key %q", key)
		}
	}
	return d, nil
}

// ParseJobRequest builds a job submission from Key=Value words, e.g.
// Name=sim NodeCnt=2 TimeLimit=1:00:00 Reservation=alice_1.
func ParseJobRequest(words []string) (*api.JobRequest, error) {
	req := &api.JobRequest{}
	for _, w := range words {
		key, val, ok := strings.Cut(w, "=")
		if !ok {
			return nil, errors.Errorf("expected Key=Value, got %q", w)
		}
		switch strings.ToLower(key) {
		case "name", "jobname":
			req.Name = val
		case "user":
			req.User = val
		case "account":
			req.Account = val
		case "partition":
			req.Partition = val
		case "reservation":
			req.Reservation = val
		case "timelimit":
			m, err := ParseDuration(val)
			if err != nil {
				return nil, err
			}
			req.TimeLimit = &m
		case "timemin":
			m, err := ParseDuration(val)
			if err != nil {
				return nil, err
			}
			req.TimeMin = m
		case "nodecnt":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return nil, errors.Errorf("invalid node count %q", val)
			}
			req.NodeCnt = n
		case "nodes", "nodelist":
			req.Nodes = val
		case "licenses":
			req.Licenses = val
		case "priority":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return nil, errors.Errorf("invalid priority %q", val)
			}
			req.Priority = uint32(n)
		default:
			return nil, errors.Errorf("unknown key %q", key)
		}
	}
	return req, nil
}

// ParseDuration converts a duration word to minutes.
func ParseDuration(s string) (uint32, error) {
	switch strings.ToUpper(s) {
	case "UNLIMITED", "INFINITE":
		return resv.InfiniteDuration, nil
	}
	if m, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(m), nil
	}

	var days uint64
	rest := s
	if d, r, ok := strings.Cut(s, "-"); ok {
		n, err := strconv.ParseUint(d, 10, 32)
		if err != nil {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		days, rest = n, r
	}
	parts := strings.Split(rest, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	var fields [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		fields[i] = n
	}
	minutes := days*24*60 + fields[0]*60 + fields[1]
	if fields[2] > 0 {
		minutes++
	}
	return uint32(minutes), nil
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if strings.EqualFold(s, "now") {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid time %q, want RFC 3339", s)
	}
	return t, nil
}

func str(s string) *string { return &s }
