// Package license tracks cluster-wide licenses and validates license requests.
package license

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// License is a (name, count) pair as requested by a job or held by a reservation.
type License struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Parse splits a specification such as "fluent*4,matlab:2,vcs" into pairs.
// A missing count means one.
func Parse(spec string) ([]License, error) {
	var out []License
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, cnt := tok, 1
		if k := strings.IndexAny(tok, "*:"); k >= 0 {
			n, err := strconv.Atoi(tok[k+1:])
			if err != nil || n < 0 {
				return nil, errors.Errorf("bad license count in %q", tok)
			}
			name, cnt = tok[:k], n
		}
		if name == "" {
			return nil, errors.Errorf("empty license name in %q", spec)
		}
		out = append(out, License{Name: name, Count: cnt})
	}
	return out, nil
}

// Format renders pairs back to "name*count" form.
func Format(list []License) string {
	parts := make([]string, 0, len(list))
	for _, l := range list {
		parts = append(parts, l.Name+"*"+strconv.Itoa(l.Count))
	}
	return strings.Join(parts, ",")
}

// Overlap reports whether the two lists name any common license.
func Overlap(a, b []License) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Name == y.Name {
				return true
			}
		}
	}
	return false
}

// Count totals the entries of list named name.
func Count(list []License, name string) int {
	total := 0
	for _, l := range list {
		if l.Name == name {
			total += l.Count
		}
	}
	return total
}

// Clone returns an independent copy of list.
func Clone(list []License) []License {
	return slices.Clone(list)
}

// Manager holds configured license totals and current usage.
type Manager struct {
	mu    sync.Mutex
	total map[string]int
	used  map[string]int
}

// NewManager builds a manager from a configuration string like "fluent*30,matlab*4".
func NewManager(spec string) (*Manager, error) {
	list, err := Parse(spec)
	if err != nil {
		return nil, errors.Wrap(err, "configured licenses")
	}
	m := &Manager{total: make(map[string]int), used: make(map[string]int)}
	for _, l := range list {
		m.total[l.Name] += l.Count
	}
	return m, nil
}

// Validate parses spec and checks every name is configured and no count
// exceeds the configured total.
func (m *Manager) Validate(spec string) ([]License, bool) {
	list, err := Parse(spec)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range list {
		total, ok := m.total[l.Name]
		if !ok || l.Count > total {
			return nil, false
		}
	}
	return list, true
}

// JobTest reports whether the requested licenses are available right now.
func (m *Manager) JobTest(list []License) bool {
	return m.JobTestReserved(list, nil)
}

// JobTestReserved is JobTest with reserved(name) licenses of each type also
// withheld from the job.
func (m *Manager) JobTestReserved(list []License, reserved func(name string) int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range list {
		held := m.used[l.Name]
		if reserved != nil {
			held += reserved(l.Name)
		}
		if held+l.Count > m.total[l.Name] {
			return false
		}
	}
	return true
}

// Acquire records licenses taken by a starting job.
func (m *Manager) Acquire(list []License) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range list {
		m.used[l.Name] += l.Count
	}
}

// Release returns licenses held by a finished job.
func (m *Manager) Release(list []License) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range list {
		m.used[l.Name] -= l.Count
		if m.used[l.Name] <= 0 {
			delete(m.used, l.Name)
		}
	}
}

// Names returns configured license names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.total))
	for name := range m.total {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
