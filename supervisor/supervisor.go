// Package supervisor is the primary wavesd process. It owns the public
// socket and a pool of worker processes: connections are handed to workers
// round-robin, crashed workers are replaced, and a change of the application
// version triggers a rolling reload with no loss of serving capacity.
package supervisor

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"waves.computer/waves/config"
	"waves.computer/waves/ipc"
	"waves.computer/waves/pkg/thunks"
)

// shutdownGrace is added to the drain timeout before workers are killed.
const shutdownGrace = 5 * time.Second

// Supervisor composes the pool, the dispatcher and the version monitor.
type Supervisor struct {
	cfg     *config.ServerConfig
	pool    *Pool
	monitor *VersionMonitor

	mu sync.Mutex
	// +checklocks:mu
	dispatcher *Dispatcher
}

// New returns a Supervisor using spawner to start workers.
func New(cfg *config.ServerConfig, spawner Spawner) *Supervisor {
	s := &Supervisor{
		cfg:  cfg,
		pool: NewPool(spawner, cfg.Workers),
	}
	s.monitor = NewVersionMonitor(cfg.VersionFile, cfg.PollInterval.Duration, s.Reload)
	return s
}

// Run listens on the configured public port and serves until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	logrus.Infof("Primary process %d is running in %s mode", os.Getpid(), s.cfg.Environment)
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.cfg.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve runs the supervisor on ln, which it closes on return. Only startup
// failures are returned; after that, worker failures are handled internally
// until ctx is done.
func (s *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	logrus.Infof("Forking %d workers for %d total cores...", s.cfg.Workers, thunks.NumCPU())
	if err := s.pool.Start(); err != nil {
		ln.Close()
		s.closePool()
		return err
	}

	d := NewDispatcher(ln, s.pool)
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
	served := make(chan error, 1)
	go func() { served <- d.Serve() }()
	logrus.Infof("Master server listening on %s", ln.Addr())

	monitored := make(chan struct{})
	go func() {
		defer close(monitored)
		s.monitor.Run(ctx)
	}()

	<-ctx.Done()
	logrus.Info("Supervisor: shutting down")
	ln.Close()
	<-served
	<-monitored
	s.monitor.Wait()
	return s.closePool()
}

func (s *Supervisor) closePool() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout.Duration+shutdownGrace)
	defer cancel()
	if err := s.pool.Close(ctx); err != nil {
		logrus.Warnf("Supervisor: workers did not exit in time: %s", err)
	}
	return nil
}

// Reload replaces all workers. See Pool.Reload.
func (s *Supervisor) Reload(ctx context.Context) error {
	return s.pool.Reload(ctx)
}

// ClearCaches asks every live worker to drop its caches.
func (s *Supervisor) ClearCaches() {
	logrus.Info("Supervisor: clearing worker caches")
	s.pool.Broadcast(ipc.ClearCache{})
}

// Pool returns the worker pool.
func (s *Supervisor) Pool() *Pool {
	return s.pool
}

// Cursor returns the dispatcher's rotation cursor, or 0 before Serve.
func (s *Supervisor) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatcher == nil {
		return 0
	}
	return s.dispatcher.Cursor()
}
