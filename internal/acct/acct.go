// Package acct reports reservation lifecycle events to accounting sinks.
//
// Two sinks exist: a dated-file Logger writing records of the form
//
//	MM/DD/YYYY HH:MM:SS;TYPE;RESV_ID;key=value key=value ...
//
// and an AMQP Publisher sending the same events as JSON. Record types:
//   - Y  Reservation added (created, advanced, or re-announced)
//   - U  Reservation modified
//   - K  Reservation removed
//   - N  Node down while inside a maintenance reservation
package acct

import (
	"time"

	"go.uber.org/multierr"
)

// Record types.
const (
	RecordAdd      = "Y"
	RecordModify   = "U"
	RecordRemove   = "K"
	RecordNodeDown = "N"
)

// ResvRecord is what accounting learns about a reservation. On modify, nil
// pointer fields mean "unchanged".
type ResvRecord struct {
	Cluster       string    `json:"cluster"`
	ID            uint32    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Assocs        *string   `json:"assocs,omitempty"`
	CPUs          *uint32   `json:"cpus,omitempty"`
	Flags         *uint32   `json:"flags,omitempty"`
	Nodes         *string   `json:"nodes,omitempty"`
	NodeIndex     string    `json:"node_inx,omitempty"`
	TimeStart     time.Time `json:"time_start"`
	TimeStartPrev time.Time `json:"time_start_prev"`
	TimeEnd       time.Time `json:"time_end"`
}

// NodeEvent reports a node that is unusable while held for maintenance.
type NodeEvent struct {
	Cluster string    `json:"cluster"`
	Node    string    `json:"node"`
	State   string    `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// Accounting is the sink interface the reservation core reports to.
type Accounting interface {
	AddReservation(r *ResvRecord) error
	ModifyReservation(r *ResvRecord) error
	RemoveReservation(r *ResvRecord) error
	NodeDown(ev *NodeEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) AddReservation(*ResvRecord) error    { return nil }
func (Nop) ModifyReservation(*ResvRecord) error { return nil }
func (Nop) RemoveReservation(*ResvRecord) error { return nil }
func (Nop) NodeDown(*NodeEvent) error           { return nil }

// Tee fans events out to several sinks, reporting every failure.
type Tee []Accounting

func (t Tee) AddReservation(r *ResvRecord) error {
	var err error
	for _, a := range t {
		err = multierr.Append(err, a.AddReservation(r))
	}
	return err
}

func (t Tee) ModifyReservation(r *ResvRecord) error {
	var err error
	for _, a := range t {
		err = multierr.Append(err, a.ModifyReservation(r))
	}
	return err
}

func (t Tee) RemoveReservation(r *ResvRecord) error {
	var err error
	for _, a := range t {
		err = multierr.Append(err, a.RemoveReservation(r))
	}
	return err
}

func (t Tee) NodeDown(ev *NodeEvent) error {
	var err error
	for _, a := range t {
		err = multierr.Append(err, a.NodeDown(ev))
	}
	return err
}
