package acct

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/pkg/dlog"
)

// Logger writes accounting records to dated files.
type Logger struct {
	dl  *dlog.DatedLog
	log *zap.Logger
	now func() time.Time
}

// NewLogger creates an accounting logger that writes to dir/YYYYMMDD files.
func NewLogger(dir string, log *zap.Logger) (*Logger, error) {
	dl, err := dlog.New(dir)
	if err != nil {
		return nil, errors.Wrap(err, "acct")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{dl: dl, log: log, now: time.Now}, nil
}

// Close closes the underlying log file.
func (l *Logger) Close() error {
	return l.dl.Close()
}

// Record writes a single accounting record.
func (l *Logger) Record(recType, id, message string) error {
	ts := l.now().Format("01/02/2006 15:04:05")
	line := fmt.Sprintf("%s;%s;%s;%s\n", ts, recType, id, message)
	if _, err := l.dl.Write([]byte(line)); err != nil {
		l.log.Error("Error writing accounting record", zap.String("type", recType), zap.Error(err))
		return errors.Wrap(err, "acct: write record")
	}
	return nil
}

func (l *Logger) AddReservation(r *ResvRecord) error {
	return l.Record(RecordAdd, resvID(r), formatResv(r))
}

func (l *Logger) ModifyReservation(r *ResvRecord) error {
	return l.Record(RecordModify, resvID(r), formatResv(r))
}

func (l *Logger) RemoveReservation(r *ResvRecord) error {
	return l.Record(RecordRemove, resvID(r), formatResv(r))
}

func (l *Logger) NodeDown(ev *NodeEvent) error {
	msg := fmt.Sprintf("cluster=%s state=%s time=%d", ev.Cluster, ev.State, ev.Time.Unix())
	if ev.Reason != "" {
		msg += fmt.Sprintf(" reason=%q", ev.Reason)
	}
	return l.Record(RecordNodeDown, ev.Node, msg)
}

func resvID(r *ResvRecord) string {
	return fmt.Sprintf("%d", r.ID)
}

// formatResv renders the set fields of r as key=value pairs.
func formatResv(r *ResvRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cluster=%s", r.Cluster)
	if r.Name != "" {
		fmt.Fprintf(&b, " name=%s", r.Name)
	}
	if r.Assocs != nil {
		fmt.Fprintf(&b, " assocs=%s", *r.Assocs)
	}
	if r.CPUs != nil {
		fmt.Fprintf(&b, " cpus=%d", *r.CPUs)
	}
	if r.Flags != nil {
		fmt.Fprintf(&b, " flags=0x%x", *r.Flags)
	}
	if r.Nodes != nil {
		fmt.Fprintf(&b, " nodes=%s", *r.Nodes)
	}
	if r.NodeIndex != "" {
		fmt.Fprintf(&b, " node_inx=%s", r.NodeIndex)
	}
	if !r.TimeStart.IsZero() {
		fmt.Fprintf(&b, " start=%d", r.TimeStart.Unix())
	}
	if !r.TimeStartPrev.IsZero() {
		fmt.Fprintf(&b, " start_prev=%d", r.TimeStartPrev.Unix())
	}
	if !r.TimeEnd.IsZero() {
		fmt.Fprintf(&b, " end=%d", r.TimeEnd.Unix())
	}
	return b.String()
}
