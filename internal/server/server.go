// Package server implements the resvd daemon: it owns the reservation store
// and its collaborators, serves the HTTP API, and runs the periodic
// scheduler and save passes.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/api"
	"github.com/opentorque/resv/internal/assoc"
	"github.com/opentorque/resv/internal/auth"
	"github.com/opentorque/resv/internal/config"
	"github.com/opentorque/resv/internal/job"
	"github.com/opentorque/resv/internal/license"
	"github.com/opentorque/resv/internal/metrics"
	"github.com/opentorque/resv/internal/node"
	"github.com/opentorque/resv/internal/partition"
	"github.com/opentorque/resv/internal/resv"
)

// Minimum loop intervals.
const (
	minSchedInterval = 5 * time.Second
	minSaveInterval  = time.Second
)

// finishedJobKeep is how long terminal jobs stay in the registry.
const finishedJobKeep = 5 * time.Minute

// Server is the reservation daemon.
type Server struct {
	cfg *config.Config
	log *zap.Logger
	now func() time.Time

	// mu serializes the store and the job and node state it reads.
	mu       sync.RWMutex
	nodes    *node.Manager
	parts    *partition.Manager
	jobs     *job.Manager
	assocs   *assoc.Manager
	licenses *license.Manager
	store    *resv.Store
	chooser  resv.NodeChooser
	metrics  *metrics.Manager

	sinks     []io.Closer
	httpSrv   *http.Server
	listener  net.Listener
	startTime time.Time

	schedTicker *time.Ticker
	saveTicker  *time.Ticker
	done        chan struct{}
	wg          sync.WaitGroup
}

// New builds a server and all of its managers from cfg. Nothing is started
// and no state is recovered until Start.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log.Named("server"),
		now:     time.Now,
		jobs:    job.NewManager(1, log.Named("job")),
		metrics: metrics.NewManager(),
		done:    make(chan struct{}),
	}
	if err := s.build(log); err != nil {
		s.closeSinks()
		return nil, err
	}
	return s, nil
}

// Start recovers state, begins serving the API and starts the background
// loops.
func (s *Server) Start() error {
	s.startTime = s.now()

	if err := s.ensureDirectories(); err != nil {
		return errors.Wrap(err, "ensure directories")
	}

	s.mu.Lock()
	err := s.store.LoadFile(s.cfg.StateSaveLocation)
	if err != nil {
		s.log.Warn("Reservation state recovery incomplete", zap.Error(err))
	}
	s.store.SendResvsToAccounting()
	s.store.SetNodeMaintMode()
	count := s.store.Len()
	s.mu.Unlock()
	s.log.Info("Recovered reservations", zap.Int("count", count))

	if err := s.listen(); err != nil {
		return err
	}
	s.startBackgroundTasks()

	s.log.Info("resvd is ready", zap.String("cluster", s.cfg.ClusterName),
		zap.String("listen", s.Addr()), zap.Int("nodes", s.nodes.Count()))
	return nil
}

// Shutdown stops the loops and the API, saves state and closes the
// accounting sinks.
func (s *Server) Shutdown() {
	s.log.Info("Shutting down")
	close(s.done)

	if s.schedTicker != nil {
		s.schedTicker.Stop()
	}
	if s.saveTicker != nil {
		s.saveTicker.Stop()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("HTTP shutdown", zap.Error(err))
		}
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.store.RequestSave()
	s.mu.Unlock()
	if err := s.Save(); err != nil {
		s.log.Error("Final state save failed", zap.Error(err))
	}
	s.closeSinks()
	s.log.Info("Shutdown complete")
}

// Addr returns the API listen address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() (http.Handler, error) {
	key, err := auth.LoadOrGenerateKey(s.cfg.API.KeyDir)
	if err != nil {
		return nil, errors.Wrap(err, "auth key")
	}

	var mh http.Handler
	if s.cfg.API.Metrics {
		mh = s.metrics.Handler()
	}
	return api.New(api.Config{
		Backend:  s,
		Verifier: auth.NewVerifier(key),
		Metrics:  mh,
		Log:      s.log.Named("api"),
	}), nil
}

func (s *Server) listen() error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.API.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.API.Listen)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) ensureDirectories() error {
	dirs := []string{
		s.cfg.StateSaveLocation,
		s.cfg.AcctDir,
		s.cfg.API.KeyDir,
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) closeSinks() {
	var err error
	for _, c := range s.sinks {
		err = multierr.Append(err, c.Close())
	}
	s.sinks = nil
	if err != nil {
		s.log.Warn("Closing accounting sinks", zap.Error(err))
	}
}

// --- Background Tasks ---

func (s *Server) startBackgroundTasks() {
	schedInterval := time.Duration(s.cfg.SchedulerIteration) * time.Second
	if schedInterval < minSchedInterval {
		schedInterval = minSchedInterval
	}
	saveInterval := time.Duration(s.cfg.SaveInterval) * time.Second
	if saveInterval < minSaveInterval {
		saveInterval = minSaveInterval
	}
	s.schedTicker = time.NewTicker(schedInterval)
	s.saveTicker = time.NewTicker(saveInterval)

	s.wg.Add(2)
	go s.schedulerLoop()
	go s.saveLoop()
	s.log.Info("Background tasks started", zap.Duration("scheduler", schedInterval),
		zap.Duration("save", saveInterval))
}

func (s *Server) schedulerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.schedTicker.C:
			s.RunSchedulerPass()
		}
	}
}

func (s *Server) saveLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.saveTicker.C:
			if err := s.Save(); err != nil {
				s.log.Error("State save failed", zap.Error(err))
			}
		}
	}
}
