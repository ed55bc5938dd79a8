// Package config holds the reservation daemon configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PartitionConfig describes one partition.
type PartitionConfig struct {
	Name     string `yaml:"name"`
	Nodes    string `yaml:"nodes"`     // Hostlist expression, or ALL
	Default  bool   `yaml:"default"`   // Used when a request names no partition
	MaxTime  int64  `yaml:"max_time"`  // Minutes, negative for unlimited
	MaxShare uint16 `yaml:"max_share"` // Gang time-slice count
}

// NodeConfig describes a group of nodes declared inline.
type NodeConfig struct {
	Names    string   `yaml:"names"` // Hostlist expression, e.g. n[01-16]
	CPUs     int      `yaml:"cpus"`
	Features []string `yaml:"features"`
	State    string   `yaml:"state"`
}

// AccountingConfig selects accounting sinks.
type AccountingConfig struct {
	Backends []string `yaml:"backends"` // file, amqp
	AMQPURL  string   `yaml:"amqp_url"`
	Queue    string   `yaml:"queue"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Listen  string `yaml:"listen"`
	Metrics bool   `yaml:"metrics"`
	KeyDir  string `yaml:"key_dir"` // Directory holding auth_key
}

// Config holds runtime configuration for resvd.
type Config struct {
	Home  string `yaml:"-"` // Daemon home directory (default /var/spool/resvd)
	Debug bool   `yaml:"-"` // Debug mode

	// Paths
	StateSaveLocation string `yaml:"state_save_location"`
	LogDir            string `yaml:"log_dir"`
	AcctDir           string `yaml:"acct_dir"`
	NodesFile         string `yaml:"nodes_file"`
	AssocFile         string `yaml:"assoc_file"`

	// Cluster
	ClusterName string            `yaml:"cluster_name"`
	Nodes       []NodeConfig      `yaml:"nodes"`
	Partitions  []PartitionConfig `yaml:"partitions"`
	Licenses    string            `yaml:"licenses"` // e.g. fluent*30,matlab*4
	Operators   []string          `yaml:"operators"`

	// Policy
	FastSchedule               bool     `yaml:"fast_schedule"`
	PrivateData                bool     `yaml:"private_data"`  // Hide reservations from non-members
	ResvOverRun                int      `yaml:"resv_over_run"` // Minutes, negative for unlimited
	AccountingEnforce          bool     `yaml:"accounting_enforce"`
	AssociationBasedAccounting bool     `yaml:"association_based_accounting"`
	PreemptMode                string   `yaml:"preempt_mode"` // off, gang
	NodeChooser                string   `yaml:"node_chooser"` // linear, contiguous
	DebugFlags                 []string `yaml:"debug_flags"`

	// Timing, in seconds
	SchedulerIteration int `yaml:"scheduler_iteration"`
	SaveInterval       int `yaml:"save_interval"`

	Accounting AccountingConfig `yaml:"accounting"`
	API        APIConfig        `yaml:"api"`
}

// NewConfig creates a Config with defaults for the given home directory.
func NewConfig(home string) *Config {
	return &Config{
		Home:               home,
		StateSaveLocation:  filepath.Join(home, "state"),
		LogDir:             filepath.Join(home, "log"),
		AcctDir:            filepath.Join(home, "accounting"),
		NodesFile:          filepath.Join(home, "nodes"),
		AssocFile:          filepath.Join(home, "assoc.yaml"),
		ClusterName:        "cluster",
		NodeChooser:        "linear",
		PreemptMode:        "off",
		SchedulerIteration: 30,
		SaveInterval:       60,
		Accounting: AccountingConfig{
			Backends: []string{"file"},
			Queue:    "resv.accounting",
		},
		API: APIConfig{
			Listen:  ":6820",
			Metrics: true,
			KeyDir:  home,
		},
	}
}

// Load overlays the YAML file at path onto c. A missing file is not an error.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return c.Validate()
}

// Validate checks values that would otherwise fail later in obscure ways.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return errors.New("cluster_name must not be empty")
	}
	switch c.NodeChooser {
	case "linear", "contiguous":
	default:
		return errors.Errorf("unknown node_chooser %q", c.NodeChooser)
	}
	switch c.PreemptMode {
	case "off", "gang":
	default:
		return errors.Errorf("unknown preempt_mode %q", c.PreemptMode)
	}
	if c.SchedulerIteration <= 0 {
		return errors.Errorf("scheduler_iteration must be positive, got %d", c.SchedulerIteration)
	}
	if c.SaveInterval <= 0 {
		return errors.Errorf("save_interval must be positive, got %d", c.SaveInterval)
	}
	for _, b := range c.Accounting.Backends {
		switch b {
		case "file", "amqp":
		default:
			return errors.Errorf("unknown accounting backend %q", b)
		}
	}
	defaults := 0
	for _, p := range c.Partitions {
		if p.Name == "" {
			return errors.New("partition without a name")
		}
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("more than one default partition")
	}
	return nil
}

// DebugResv reports whether reservation request dumps are enabled.
func (c *Config) DebugResv() bool {
	for _, f := range c.DebugFlags {
		if strings.EqualFold(f, "reservation") {
			return true
		}
	}
	return false
}

// IsOperator reports whether user may create, update and delete reservations.
// root is always an operator.
func (c *Config) IsOperator(user string) bool {
	if user == "root" {
		return true
	}
	for _, op := range c.Operators {
		if op == user {
			return true
		}
	}
	return false
}

// GangScheduling reports whether jobs may time-slice on shared partitions.
func (c *Config) GangScheduling() bool {
	return c.PreemptMode == "gang"
}
