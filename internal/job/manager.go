package job

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"
)

// Manager tracks all jobs in submission order and assigns job IDs.
type Manager struct {
	mu        sync.RWMutex
	jobs      *orderedmap.OrderedMap[uint32, *Job]
	nextJobID uint32
	log       *zap.Logger

	// Job state counters for quick stats
	stateCounts [7]int
}

// NewManager creates a new job manager.
func NewManager(startingJobID uint32, log *zap.Logger) *Manager {
	if startingJobID == 0 {
		startingJobID = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		jobs:      orderedmap.NewOrderedMap[uint32, *Job](),
		nextJobID: startingJobID,
		log:       log,
	}
}

// NextJobID allocates the next job ID.
func (m *Manager) NextJobID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextJobID
	m.nextJobID++
	return id
}

// AddJob registers a job. A zero ID is replaced by a fresh one.
func (m *Manager) AddJob(j *Job) {
	if j.ID == 0 {
		j.ID = m.NextJobID()
	}
	if j.SubmitTime.IsZero() {
		j.SubmitTime = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.jobs.Get(j.ID); ok {
		m.count(old.State, -1)
	}
	m.jobs.Set(j.ID, j)
	m.count(j.State, 1)
	if j.ID >= m.nextJobID {
		m.nextJobID = j.ID + 1
	}
	m.log.Info("Added job", zap.Uint32("job", j.ID), zap.String("state", j.StateName()),
		zap.String("reservation", j.ResvName))
}

// RemoveJob removes a job from the manager.
func (m *Manager) RemoveJob(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs.Get(id); ok {
		m.count(j.State, -1)
		m.jobs.Delete(id)
		m.log.Info("Removed job", zap.Uint32("job", id))
	}
}

// GetJob returns a job by ID, or nil if not found.
func (m *Manager) GetJob(id uint32) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, _ := m.jobs.Get(id)
	return j
}

// SetState changes a job's state and keeps the counters current.
func (m *Manager) SetState(id uint32, state int) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs.Get(id)
	if !ok {
		return nil
	}
	m.count(j.State, -1)
	j.State = state
	m.count(state, 1)
	return j
}

// Jobs returns all jobs in submission order.
func (m *Manager) Jobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, m.jobs.Len())
	for el := m.jobs.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// StateCounts returns the number of jobs in each state.
func (m *Manager) StateCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(StateNames))
	for state, name := range StateNames {
		out[name] = m.stateCounts[state]
	}
	return out
}

// PurgeFinished removes terminal jobs that ended before cutoff.
func (m *Manager) PurgeFinished(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var victims []uint32
	for el := m.jobs.Front(); el != nil; el = el.Next() {
		if el.Value.IsFinished() && el.Value.EndTime.Before(cutoff) {
			victims = append(victims, el.Key)
		}
	}
	for _, id := range victims {
		j, _ := m.jobs.Get(id)
		m.count(j.State, -1)
		m.jobs.Delete(id)
	}
	return len(victims)
}

func (m *Manager) count(state, delta int) {
	if state >= 0 && state < len(m.stateCounts) {
		m.stateCounts[state] += delta
	}
}
