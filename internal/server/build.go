package server

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/acct"
	"github.com/opentorque/resv/internal/assoc"
	"github.com/opentorque/resv/internal/license"
	"github.com/opentorque/resv/internal/node"
	"github.com/opentorque/resv/internal/partition"
	"github.com/opentorque/resv/internal/resv"
)

// defaultPartition is created when the configuration names none.
const defaultPartition = "batch"

// build constructs the managers, accounting sinks and store from s.cfg.
func (s *Server) build(log *zap.Logger) error {
	cfg := s.cfg

	s.nodes = node.NewManager(cfg.FastSchedule, log.Named("node"))
	if err := s.loadNodes(); err != nil {
		return err
	}

	s.parts = partition.NewManager(log.Named("partition"))
	if err := s.loadPartitions(); err != nil {
		return err
	}

	s.assocs = assoc.NewManager(log.Named("assoc"))
	if err := s.assocs.LoadFile(cfg.AssocFile); err != nil {
		return err
	}

	lm, err := license.NewManager(cfg.Licenses)
	if err != nil {
		return err
	}
	s.licenses = lm

	sink, err := s.openAccounting(log.Named("acct"))
	if err != nil {
		return err
	}

	chooser, ok := resv.ChooserByName(cfg.NodeChooser)
	if !ok {
		return errors.Errorf("unknown node_chooser %q", cfg.NodeChooser)
	}
	s.chooser = chooser

	s.store = resv.NewStore(resv.Deps{
		Nodes:      s.nodes,
		Partitions: s.parts,
		Jobs:       s.jobs,
		Assocs:     s.assocs,
		Licenses:   s.licenses,
		Accounting: sink,
		Chooser:    chooser,
		Metrics:    s.metrics,
	}, resv.Options{
		ClusterName:    cfg.ClusterName,
		EnforceAssocs:  cfg.AccountingEnforce,
		AssocBased:     cfg.AssociationBasedAccounting,
		PrivateData:    cfg.PrivateData,
		ResvOverRun:    cfg.ResvOverRun,
		DebugResv:      cfg.DebugResv(),
		GangScheduling: cfg.GangScheduling(),
		IsOperator: func(uid uint32) bool {
			return cfg.IsOperator(s.assocs.UserName(uid))
		},
		Now: func() time.Time { return s.now() },
	}, log.Named("resv"))
	return nil
}

// loadNodes reads the nodes file, when present, then the inline node groups.
func (s *Server) loadNodes() error {
	cfg := s.cfg
	if cfg.NodesFile != "" {
		n, err := s.nodes.LoadFile(cfg.NodesFile)
		switch {
		case err == nil:
			s.log.Info("Loaded nodes file", zap.String("path", cfg.NodesFile), zap.Int("nodes", n))
		case errors.Is(err, os.ErrNotExist):
			s.log.Debug("No nodes file", zap.String("path", cfg.NodesFile))
		default:
			return err
		}
	}
	for _, nc := range cfg.Nodes {
		names, err := node.ExpandHostlist(nc.Names)
		if err != nil {
			return errors.Wrapf(err, "nodes %q", nc.Names)
		}
		state := node.StateIdle
		if nc.State != "" {
			if state, err = node.ParseState(nc.State); err != nil {
				return errors.Wrapf(err, "nodes %q", nc.Names)
			}
		}
		cpus := nc.CPUs
		if cpus <= 0 {
			cpus = 1
		}
		for _, name := range names {
			s.nodes.AddNode(name, cpus, nc.Features)
			if state != node.StateIdle {
				if err := s.nodes.SetState(name, state, "configured"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// loadPartitions registers the configured partitions, or a single default
// partition spanning every node.
func (s *Server) loadPartitions() error {
	pcs := s.cfg.Partitions
	if len(pcs) == 0 {
		return s.parts.AddPartition(&partition.Partition{
			Name:    defaultPartition,
			Nodes:   "ALL",
			Default: true,
		}, s.nodes)
	}
	for _, pc := range pcs {
		p := &partition.Partition{
			Name:     pc.Name,
			Nodes:    pc.Nodes,
			Default:  pc.Default,
			MaxShare: pc.MaxShare,
		}
		switch {
		case pc.MaxTime < 0:
			p.MaxTime = partition.Infinite
		case pc.MaxTime > 0:
			p.MaxTime = uint32(pc.MaxTime)
		}
		if p.Nodes == "" {
			p.Nodes = "ALL"
		}
		if err := s.parts.AddPartition(p, s.nodes); err != nil {
			return err
		}
	}
	return nil
}

// openAccounting opens the configured sinks. The returned Accounting fans
// out to all of them.
func (s *Server) openAccounting(log *zap.Logger) (acct.Accounting, error) {
	var tee acct.Tee
	for _, b := range s.cfg.Accounting.Backends {
		switch b {
		case "file":
			l, err := acct.NewLogger(s.cfg.AcctDir, log)
			if err != nil {
				return nil, err
			}
			tee = append(tee, l)
			s.sinks = append(s.sinks, l)
		case "amqp":
			p := acct.NewPublisher(s.cfg.Accounting.AMQPURL, s.cfg.Accounting.Queue, log)
			tee = append(tee, p)
			s.sinks = append(s.sinks, p)
		default:
			return nil, errors.Errorf("unknown accounting backend %q", b)
		}
	}
	if len(tee) == 0 {
		return acct.Nop{}, nil
	}
	return tee, nil
}
