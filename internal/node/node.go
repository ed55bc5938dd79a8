// Package node implements the compute node directory used by the reservation daemon.
package node

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/bitmap"
)

// Node state flags. The low bit is the base allocation state; the rest are
// independent condition flags.
const (
	StateIdle       = 0x00 // No jobs allocated
	StateAllocated  = 0x01 // Running at least one job
	StateDown       = 0x02 // Unreachable or administratively down
	StateDrain      = 0x04 // Not accepting new work
	StateFail       = 0x08 // Failing, draining with error
	StateNoRespond  = 0x10 // Missed its last health check
	StateMaint      = 0x20 // Inside an active maintenance reservation
	StateCompleting = 0x40 // Jobs finishing
)

// Node represents a compute node in the cluster.
type Node struct {
	Name       string   // Hostname
	Index      int      // Position in the global node table
	CPUs       int      // Processors reported by the node
	ConfigCPUs int      // Processors from the nodes file (np=)
	State      int      // State flags (can be combined)
	Features   []string // Feature tags used in reservation feature expressions
	Reason     string   // Administrator note for down/drain
}

// StateName returns a human-readable state string for display.
func (n *Node) StateName() string {
	base := "idle"
	if n.State&StateAllocated != 0 {
		base = "allocated"
	}
	if n.State&StateDown != 0 {
		base = "down"
	}
	flags := []struct {
		flag int
		name string
	}{
		{StateDrain, "drain"},
		{StateFail, "fail"},
		{StateNoRespond, "no_respond"},
		{StateMaint, "maint"},
		{StateCompleting, "completing"},
	}
	for _, f := range flags {
		if n.State&f.flag != 0 {
			base += "+" + f.name
		}
	}
	return base
}

// IsAvailable reports whether the node can be given to new work.
func (n *Node) IsAvailable() bool {
	return n.State&(StateDown|StateDrain|StateFail|StateNoRespond) == 0
}

// IsIdle reports whether the node is available and runs nothing.
func (n *Node) IsIdle() bool {
	return n.IsAvailable() && n.State&(StateAllocated|StateCompleting) == 0
}

// IsUnusable reports down, drained or failed nodes, the set reported to
// accounting when a maintenance window toggles.
func (n *Node) IsUnusable() bool {
	return n.State&(StateDown|StateDrain|StateFail) != 0
}

// ParseState maps an administrative state keyword to flags.
func ParseState(s string) (int, error) {
	switch strings.ToLower(s) {
	case "idle", "up", "resume":
		return StateIdle, nil
	case "down":
		return StateDown, nil
	case "drain":
		return StateDrain, nil
	case "fail":
		return StateFail, nil
	case "no_respond":
		return StateNoRespond, nil
	}
	return 0, errors.Errorf("unknown node state %q", s)
}

// Manager tracks all compute nodes in the cluster.
type Manager struct {
	mu           sync.RWMutex
	nodes        []*Node
	byName       map[string]*Node
	alloc        map[int]int // node index -> running job count
	fastSchedule bool
	log          *zap.Logger
}

// NewManager creates a new node manager. With fastSchedule set, CPU counts come
// from configuration rather than what the node reported.
func NewManager(fastSchedule bool, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		byName:       make(map[string]*Node),
		alloc:        make(map[int]int),
		fastSchedule: fastSchedule,
		log:          log,
	}
}

// AddNode registers a new compute node at the next index.
func (m *Manager) AddNode(name string, cpus int, features []string) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byName[name]; ok {
		return existing
	}
	if cpus < 1 {
		cpus = 1
	}
	n := &Node{
		Name:       name,
		Index:      len(m.nodes),
		CPUs:       cpus,
		ConfigCPUs: cpus,
		Features:   features,
	}
	m.nodes = append(m.nodes, n)
	m.byName[name] = n
	m.log.Info("Added node", zap.String("node", name), zap.Int("cpus", cpus), zap.Int("index", n.Index))
	return n
}

// GetNode returns a node by name, or nil if not found.
func (m *Manager) GetNode(name string) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// AllNodes returns the nodes in index order.
func (m *Manager) AllNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, len(m.nodes))
	copy(out, m.nodes)
	return out
}

// Count returns the size of the node table.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Name returns the hostname at index i.
func (m *Manager) Name(i int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.nodes) {
		return ""
	}
	return m.nodes[i].Name
}

// SetState replaces the condition flags of a node, keeping allocation and
// maintenance markers owned by other subsystems.
func (m *Manager) SetState(name string, state int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byName[name]
	if !ok {
		return errors.Errorf("node %s not found", name)
	}
	keep := n.State & (StateAllocated | StateMaint | StateCompleting)
	n.State = keep | state
	n.Reason = reason
	m.log.Info("Node state changed", zap.String("node", name), zap.String("state", n.StateName()))
	return nil
}

// NamesToBitmap translates a host expression into a bitmap. "ALL" (any case)
// selects every node.
func (m *Manager) NamesToBitmap(expr string) (*bitmap.Bitmap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := bitmap.New(len(m.nodes))
	if strings.EqualFold(expr, "ALL") {
		b.SetAll()
		return b, nil
	}
	names, err := ExpandHostlist(expr)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		n, ok := m.byName[name]
		if !ok {
			return nil, errors.Errorf("node %s not found", name)
		}
		b.Set(n.Index)
	}
	return b, nil
}

// BitmapToNames renders a bitmap as a compressed host expression.
func (m *Manager) BitmapToNames(b *bitmap.Bitmap) string {
	if b == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, i := range b.Indices() {
		if i < len(m.nodes) {
			names = append(names, m.nodes[i].Name)
		}
	}
	return CompressHostlist(names)
}

// AllBitmap returns a bitmap with every node set.
func (m *Manager) AllBitmap() *bitmap.Bitmap {
	return bitmap.Full(m.Count())
}

// AvailBitmap returns the nodes that are up and usable.
func (m *Manager) AvailBitmap() *bitmap.Bitmap {
	return m.bitmapOf((*Node).IsAvailable)
}

// IdleBitmap returns the available nodes running nothing.
func (m *Manager) IdleBitmap() *bitmap.Bitmap {
	return m.bitmapOf((*Node).IsIdle)
}

// FeatureBitmap returns the nodes carrying feature, and whether any node
// in the cluster defines it.
func (m *Manager) FeatureBitmap(feature string) (*bitmap.Bitmap, bool) {
	found := false
	b := m.bitmapOf(func(n *Node) bool {
		for _, f := range n.Features {
			if f == feature {
				found = true
				return true
			}
		}
		return false
	})
	return b, found
}

func (m *Manager) bitmapOf(pred func(*Node) bool) *bitmap.Bitmap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := bitmap.New(len(m.nodes))
	for _, n := range m.nodes {
		if pred(n) {
			b.Set(n.Index)
		}
	}
	return b
}

// CPUs returns the processor count of node i used for reservation CPU totals.
func (m *Manager) CPUs(i int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.nodes) {
		return 0
	}
	if m.fastSchedule {
		return m.nodes[i].ConfigCPUs
	}
	return m.nodes[i].CPUs
}

// SetMaint sets or clears the maintenance marker on node i and reports whether
// the node is currently down, drained or failed.
func (m *Manager) SetMaint(i int, on bool) (unusable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.nodes) {
		return false
	}
	n := m.nodes[i]
	if on {
		n.State |= StateMaint
	} else {
		n.State &^= StateMaint
	}
	return n.IsUnusable()
}

// Allocate marks the nodes in b as running one more job.
func (m *Manager) Allocate(b *bitmap.Bitmap) {
	if b == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range b.Indices() {
		if i >= len(m.nodes) {
			continue
		}
		m.alloc[i]++
		m.nodes[i].State |= StateAllocated
	}
}

// Release undoes Allocate.
func (m *Manager) Release(b *bitmap.Bitmap) {
	if b == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range b.Indices() {
		if i >= len(m.nodes) {
			continue
		}
		if m.alloc[i] > 0 {
			m.alloc[i]--
		}
		if m.alloc[i] == 0 {
			delete(m.alloc, i)
			m.nodes[i].State &^= StateAllocated
		}
	}
}
