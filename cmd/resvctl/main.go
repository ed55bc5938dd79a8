// Command resvctl displays and manages resvd advance reservations.
//
// Usage:
//
//	resvctl [-s server] show [name]             List reservations
//	resvctl create Key=Value...                 Create a reservation
//	resvctl update name Key=Value...            Modify a reservation
//	resvctl delete name                         Remove a reservation
//	resvctl node name state [reason]            Set a node's state
//	resvctl job submit Key=Value...             Register a job
//	resvctl job state id STATE                  Change a job's state
//	resvctl job test id [time] [-move]          Test a job against its reservation
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opentorque/resv/internal/api"
	"github.com/opentorque/resv/internal/client"
	"github.com/opentorque/resv/internal/resv"
)

const timeFormat = "2006-01-02T15:04:05"

func main() {
	server := flag.String("s", "", "Specify server name")
	oneLiner := flag.Bool("o", false, "Print each record on one line")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: resvctl [options] command [args...]\n\n"+
			"Commands: show, create, update, delete, node, job\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := client.New(*server)
	if err != nil {
		fatalf("cannot connect to server: %v", err)
	}

	args := flag.Args()[1:]
	switch strings.ToLower(flag.Arg(0)) {
	case "show":
		show(c, args, *oneLiner)
	case "create":
		d, err := client.ParseDesc(args, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		info, err := c.CreateReservation(d)
		if err != nil {
			fatalf("create reservation: %v", err)
		}
		fmt.Printf("Reservation created: %s\n", info.Name)
	case "update":
		if len(args) < 2 {
			fatalf("usage: resvctl update name Key=Value...")
		}
		d, err := client.ParseDesc(args[1:], time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		d.Name = args[0]
		if _, err := c.UpdateReservation(d); err != nil {
			fatalf("update reservation %s: %v", args[0], err)
		}
	case "delete":
		if len(args) < 1 {
			fatalf("no reservation specified")
		}
		for _, name := range args {
			if err := c.DeleteReservation(name); err != nil {
				fatalf("delete reservation %s: %v", name, err)
			}
		}
	case "node":
		if len(args) < 2 {
			fatalf("usage: resvctl node name state [reason]")
		}
		if err := c.SetNodeState(args[0], args[1], strings.Join(args[2:], " ")); err != nil {
			fatalf("%s: %v", args[0], err)
		}
	case "job":
		jobCmd(c, args)
	default:
		fatalf("unknown command %q", flag.Arg(0))
	}
}

func show(c *client.Client, args []string, oneLiner bool) {
	var list []resv.Info
	if len(args) > 0 {
		info, err := c.GetReservation(args[0])
		if err != nil {
			fatalf("%s: %v", args[0], err)
		}
		list = append(list, *info)
	} else {
		var err error
		if list, err = c.ShowReservations(); err != nil {
			fatalf("%v", err)
		}
	}
	if len(list) == 0 {
		fmt.Println("No reservations in the system")
		return
	}

	sep := "\n   "
	if oneLiner {
		sep = " "
	}
	for _, r := range list {
		dur := "UNLIMITED"
		if r.Duration != resv.InfiniteDuration {
			dur = formatMinutes(r.Duration)
		}
		fmt.Printf("ReservationName=%s StartTime=%s EndTime=%s Duration=%s%s"+
			"Nodes=%s NodeCnt=%d CoreCnt=%d Features=%s PartitionName=%s Flags=%s%s"+
			"Users=%s Accounts=%s Licenses=%s State=%s\n",
			r.Name, r.StartTime.Local().Format(timeFormat), r.EndTime.Local().Format(timeFormat), dur, sep,
			orNull(r.NodeList), r.NodeCnt, r.CPUCnt, orNull(r.Features), orNull(r.Partition), r.Flags, sep,
			orNull(r.Users), orNull(r.Accounts), orNull(r.Licenses), state(r))
		if !oneLiner {
			fmt.Println()
		}
	}
}

func jobCmd(c *client.Client, args []string) {
	if len(args) < 1 {
		fatalf("usage: resvctl job submit|state|test ...")
	}
	switch strings.ToLower(args[0]) {
	case "submit":
		req, err := client.ParseJobRequest(args[1:])
		if err != nil {
			fatalf("%v", err)
		}
		j, err := c.SubmitJob(req)
		if err != nil {
			fatalf("submit job: %v", err)
		}
		printJob(j)
	case "state":
		if len(args) < 3 {
			fatalf("usage: resvctl job state id STATE")
		}
		j, err := c.SetJobState(jobID(args[1]), args[2])
		if err != nil {
			fatalf("job %s: %v", args[1], err)
		}
		printJob(j)
	case "test":
		fs := flag.NewFlagSet("test", flag.ExitOnError)
		move := fs.Bool("move", false, "Move the reservation if it is not usable")
		if len(args) < 2 {
			fatalf("usage: resvctl job test id [time] [-move]")
		}
		id := jobID(args[1])
		_ = fs.Parse(args[2:])
		var when time.Time
		if fs.NArg() > 0 {
			t, err := time.Parse(time.RFC3339, fs.Arg(0))
			if err != nil {
				fatalf("invalid time %q", fs.Arg(0))
			}
			when = t
		}
		res, err := c.TestJob(id, when, *move)
		if err != nil {
			fatalf("job %s: %v", args[1], err)
		}
		fmt.Printf("Reservation=%s Ready=%t StartTime=%s NodeList=%s",
			res.Reservation, res.Ready, res.StartTime.Local().Format(timeFormat), orNull(res.NodeList))
		if res.Reason != "" {
			fmt.Printf(" Reason=%q", res.Reason)
		}
		fmt.Println()
	default:
		fatalf("unknown job command %q", args[0])
	}
}

func printJob(j *api.JobInfo) {
	fmt.Printf("JobId=%d JobName=%s UserId=%d Account=%s Partition=%s JobState=%s Reservation=%s NodeList=%s\n",
		j.ID, j.Name, j.UserID, orNull(j.Account), orNull(j.Partition), j.State, orNull(j.Reservation), orNull(j.NodeList))
}

func jobID(s string) uint32 {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		fatalf("invalid job id %q", s)
	}
	return uint32(id)
}

func state(r resv.Info) string {
	now := time.Now()
	if !now.Before(r.StartTime) && now.Before(r.EndTime) {
		return "ACTIVE"
	}
	return "INACTIVE"
}

func formatMinutes(m uint32) string {
	d, h, mins := m/1440, (m/60)%24, m%60
	if d > 0 {
		return fmt.Sprintf("%d-%02d:%02d:00", d, h, mins)
	}
	return fmt.Sprintf("%02d:%02d:00", h, mins)
}

func orNull(s string) string {
	if s == "" {
		return "(null)"
	}
	return s
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "resvctl: "+format+"\n", args...)
	os.Exit(1)
}
