package node

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LoadFile reads a nodes file into the manager. Each non-comment line is
//
//	name[expr] [np=N] [features=a,b] [state=down|drain|fail]
//
// and a bracketed name expands into one node per host.
func (m *Manager) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open nodes file %s", path)
	}
	defer f.Close()

	added := 0
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		names, err := ExpandHostlist(parts[0])
		if err != nil {
			return added, errors.Wrapf(err, "%s:%d", path, lineNo)
		}
		np := 1
		var features []string
		state := StateIdle
		for _, p := range parts[1:] {
			key, val, _ := strings.Cut(p, "=")
			switch key {
			case "np", "cpus":
				if np, err = strconv.Atoi(val); err != nil {
					return added, errors.Wrapf(err, "%s:%d: bad np", path, lineNo)
				}
			case "features", "properties":
				features = strings.Split(val, ",")
			case "state":
				if state, err = ParseState(val); err != nil {
					return added, errors.Wrapf(err, "%s:%d", path, lineNo)
				}
			}
		}
		for _, name := range names {
			n := m.AddNode(name, np, features)
			if state != StateIdle {
				m.mu.Lock()
				n.State |= state
				m.mu.Unlock()
			}
			added++
		}
	}
	return added, errors.Wrapf(scanner.Err(), "read nodes file %s", path)
}
