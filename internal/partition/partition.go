// Package partition implements the partition table reservations draw nodes from.
package partition

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/bitmap"
)

// Infinite marks an unlimited partition time limit.
const Infinite = ^uint32(0)

// SharedForce is the flag bit in MaxShare forcing node sharing.
const SharedForce = 0x8000

// Partition is a named set of nodes with scheduling limits.
type Partition struct {
	Name       string
	Nodes      string         // Host expression from configuration
	NodeBitmap *bitmap.Bitmap // Resolved member nodes
	Default    bool           // Used when a request names no partition
	MaxTime    uint32         // Minutes, or Infinite
	MaxShare   uint16         // Time-slices per node, SharedForce bit may be set
}

// TimeSlices returns the gang scheduling slice count.
func (p *Partition) TimeSlices() int {
	return int(p.MaxShare &^ SharedForce)
}

// Resolver turns a host expression into a node bitmap.
type Resolver interface {
	NamesToBitmap(expr string) (*bitmap.Bitmap, error)
}

// Manager tracks all partitions.
type Manager struct {
	mu    sync.RWMutex
	parts map[string]*Partition
	order []string
	deflt *Partition
	log   *zap.Logger
}

// NewManager creates an empty partition manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		parts: make(map[string]*Partition),
		log:   log,
	}
}

// AddPartition resolves the partition's nodes and registers it. The last
// partition flagged Default wins.
func (m *Manager) AddPartition(p *Partition, nodes Resolver) error {
	b, err := nodes.NamesToBitmap(p.Nodes)
	if err != nil {
		return errors.Wrapf(err, "partition %s", p.Name)
	}
	p.NodeBitmap = b
	if p.MaxTime == 0 {
		p.MaxTime = Infinite
	}
	if p.MaxShare == 0 {
		p.MaxShare = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parts[p.Name]; !ok {
		m.order = append(m.order, p.Name)
	}
	m.parts[p.Name] = p
	if p.Default {
		m.deflt = p
	}
	m.log.Info("Added partition", zap.String("partition", p.Name),
		zap.Int("nodes", b.Count()), zap.Bool("default", p.Default))
	return nil
}

// Find returns a partition by name.
func (m *Manager) Find(name string) (*Partition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[name]
	return p, ok
}

// Default returns the default partition, or nil when none is configured.
func (m *Manager) Default() *Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deflt
}

// All returns partitions in configuration order.
func (m *Manager) All() []*Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Partition, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.parts[name])
	}
	return out
}
