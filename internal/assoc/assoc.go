// Package assoc holds the user/account association hierarchy used for
// reservation access checks.
package assoc

import (
	"os"
	"os/user"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// NoUser marks an account-level association, which carries no user.
const NoUser = ^uint32(0) - 1

// Assoc is one (user, account, partition) node in the association tree.
type Assoc struct {
	ID        uint32 `yaml:"id"`
	ParentID  uint32 `yaml:"parent"`
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Partition string `yaml:"partition"`

	UID    uint32 `yaml:"-"`
	Parent *Assoc `yaml:"-"`
}

// User maps a login name to a numeric id.
type User struct {
	Name string `yaml:"name"`
	UID  uint32 `yaml:"uid"`
}

type fileFormat struct {
	Users        []User   `yaml:"users"`
	Associations []*Assoc `yaml:"associations"`
}

// Manager is an in-memory association service.
type Manager struct {
	mu       sync.RWMutex
	byID     map[uint32]*Assoc
	order    []*Assoc
	accounts map[string]bool
	uids     map[string]uint32
	names    map[uint32]string
	log      *zap.Logger
}

// NewManager creates an empty association manager.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{log: log}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.byID = make(map[uint32]*Assoc)
	m.order = nil
	m.accounts = make(map[string]bool)
	m.uids = make(map[string]uint32)
	m.names = make(map[uint32]string)
}

// LoadFile replaces the association table with the YAML file at path.
// A missing file leaves the table empty.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.reset()
			m.mu.Unlock()
			return nil
		}
		return errors.Wrapf(err, "read associations %s", path)
	}
	return m.Load(data)
}

// Load replaces the association table with a YAML document.
func (m *Manager) Load(data []byte) error {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return errors.Wrap(err, "parse associations")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	for _, u := range ff.Users {
		m.uids[u.Name] = u.UID
		m.names[u.UID] = u.Name
	}
	for _, a := range ff.Associations {
		if a.ID == 0 {
			return errors.Errorf("association for account %q has no id", a.Account)
		}
		if _, dup := m.byID[a.ID]; dup {
			return errors.Errorf("duplicate association id %d", a.ID)
		}
		a.UID = NoUser
		if a.User != "" {
			uid, ok := m.uidLocked(a.User)
			if !ok {
				return errors.Errorf("association %d: unknown user %q", a.ID, a.User)
			}
			a.UID = uid
		}
		m.byID[a.ID] = a
		m.order = append(m.order, a)
		m.accounts[a.Account] = true
	}
	for _, a := range m.order {
		if a.ParentID == 0 {
			continue
		}
		p, ok := m.byID[a.ParentID]
		if !ok {
			return errors.Errorf("association %d: unknown parent %d", a.ID, a.ParentID)
		}
		a.Parent = p
	}
	m.log.Info("Loaded associations", zap.Int("users", len(m.uids)), zap.Int("associations", len(m.order)))
	return nil
}

// Add registers a single association, mostly for tests and tooling.
func (m *Manager) Add(a *Assoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.User == "" {
		a.UID = NoUser
	} else if uid, ok := m.uidLocked(a.User); ok {
		a.UID = uid
	}
	if a.ParentID != 0 {
		a.Parent = m.byID[a.ParentID]
	}
	m.byID[a.ID] = a
	m.order = append(m.order, a)
	m.accounts[a.Account] = true
}

// AddUser registers a login name to uid mapping.
func (m *Manager) AddUser(name string, uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uids[name] = uid
	m.names[uid] = name
}

// AccountExists reports whether any association names account.
func (m *Manager) AccountExists(account string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[account]
}

// UIDFromString resolves a numeric uid, a configured user, or an OS user.
func (m *Manager) UIDFromString(name string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uidLocked(name)
}

func (m *Manager) uidLocked(name string) (uint32, bool) {
	if name == "" {
		return 0, false
	}
	if n, err := strconv.ParseUint(name, 10, 32); err == nil {
		return uint32(n), true
	}
	if uid, ok := m.uids[name]; ok {
		return uid, true
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// UserName returns the login name for uid, or the number itself.
func (m *Manager) UserName(uid uint32) string {
	m.mu.RLock()
	name, ok := m.names[uid]
	m.mu.RUnlock()
	if ok {
		return name
	}
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		return u.Username
	}
	return strconv.FormatUint(uint64(uid), 10)
}

// Lookup finds the association for uid under account. Pass NoUser for the
// account-level association. An empty partition matches any.
func (m *Manager) Lookup(uid uint32, account, partition string) *Assoc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.order {
		if a.UID != uid || a.Account != account {
			continue
		}
		if partition != "" && a.Partition != "" && a.Partition != partition {
			continue
		}
		return a
	}
	return nil
}

// UserAssocs returns every association of uid in table order.
func (m *Manager) UserAssocs(uid uint32) []*Assoc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Assoc
	for _, a := range m.order {
		if a.UID == uid {
			out = append(out, a)
		}
	}
	return out
}

// ByID returns the association with the given id, or nil.
func (m *Manager) ByID(id uint32) *Assoc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}
