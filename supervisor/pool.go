package supervisor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"waves.computer/waves/ipc"
)

// ErrPoolClosed is returned when forking after Close.
var ErrPoolClosed = errors.New("pool is closed")

// errStale is returned when forking into a generation that was phased out or
// abandoned.
var errStale = errors.New("worker generation is no longer wanted")

type member struct {
	proc Process
	// gen is the reload generation the member belongs to. Crash
	// replacements inherit it.
	gen uint64
	// ready is closed after isReady is recorded.
	ready chan struct{}
	// successor receives the crash replacement of this member, or nil when
	// it could not be forked. Sent at most once.
	successor chan *member

	// +checklocks:Pool.mu
	isReady bool
	// voluntary is set before the pool disconnects the member. Such members
	// are not dispatched to and not replaced when they exit.
	// +checklocks:Pool.mu
	voluntary bool
}

// Pool owns the worker processes. It keeps count workers alive, replaces
// crashed ones and performs rolling reloads.
type Pool struct {
	spawner Spawner
	count   int

	mu sync.Mutex
	// +checklocks:mu
	members []*member // fork order
	// +checklocks:mu
	closing bool
	// +checklocks:mu
	generation uint64
	// floor is the oldest generation still wanted.
	// +checklocks:mu
	floor uint64
	// +checklocks:mu
	abandoned map[uint64]bool

	reloadMu sync.Mutex
	wg       sync.WaitGroup
	forks    atomic.Int64
}

// NewPool returns a pool of count workers. Nothing is forked until Start.
func NewPool(spawner Spawner, count int) *Pool {
	return &Pool{
		spawner:   spawner,
		count:     count,
		abandoned: make(map[uint64]bool),
	}
}

// Start forks the configured number of workers. It does not wait for them to
// become ready.
func (p *Pool) Start() error {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()
	for i := 0; i < p.count; i++ {
		if _, err := p.fork(gen); err != nil {
			return err
		}
	}
	return nil
}

// Live returns the workers that can take connections: ready and not being
// retired, in fork order.
func (p *Pool) Live() []Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := make([]Process, 0, len(p.members))
	for _, w := range p.members {
		if w.isReady && !w.voluntary {
			live = append(live, w.proc)
		}
	}
	return live
}

// Size returns the number of tracked processes, ready or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Forks returns how many workers were forked over the pool's lifetime.
func (p *Pool) Forks() int64 {
	return p.forks.Load()
}

func (p *Pool) fork(gen uint64) (*member, error) {
	proc, err := p.spawner.Spawn()
	if err != nil {
		return nil, errors.Wrap(err, "Pool: fork")
	}
	w := &member{
		proc:      proc,
		gen:       gen,
		ready:     make(chan struct{}),
		successor: make(chan *member, 1),
	}

	p.mu.Lock()
	switch {
	case p.closing:
		err = ErrPoolClosed
	case gen < p.floor || p.abandoned[gen]:
		err = errStale
	}
	if err != nil {
		p.mu.Unlock()
		proc.Disconnect()
		return nil, err
	}
	p.members = append(p.members, w)
	p.wg.Add(1)
	p.mu.Unlock()

	p.forks.Add(1)
	logrus.WithFields(logrus.Fields{"pid": proc.Pid(), "gen": gen}).Debug("Pool: forked worker")
	go p.watch(w)
	return w, nil
}

// watch follows one member from fork to exit.
func (p *Pool) watch(w *member) {
	defer p.wg.Done()
	ready := w.proc.Ready()
	for {
		select {
		case <-ready:
			ready = nil
			p.mu.Lock()
			w.isReady = true
			p.mu.Unlock()
			close(w.ready)
			logrus.WithField("pid", w.proc.Pid()).Info("Pool: worker started and ready")
		case st := <-w.proc.Exited():
			p.handleExit(w, st)
			return
		}
	}
}

func (p *Pool) handleExit(w *member, st ExitStatus) {
	p.mu.Lock()
	if i := slices.Index(p.members, w); i >= 0 {
		p.members = slices.Delete(p.members, i, i+1)
	}
	voluntary, closing := w.voluntary, p.closing
	p.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"pid":    w.proc.Pid(),
		"code":   st.Code,
		"signal": st.Signal,
	})
	var next *member
	switch {
	case voluntary:
		log.Info("Pool: worker disconnected successfully")
	case closing:
		log.Info("Pool: worker exited during shutdown")
	default:
		log.Error("Pool: worker exited unexpectedly, forking a new one")
		var err error
		next, err = p.fork(w.gen)
		switch {
		case errors.Is(err, errStale):
			logrus.Debugf("Pool: not replacing worker %d: %s", w.proc.Pid(), err)
		case err != nil:
			logrus.Errorf("Pool: replacing worker %d: %s", w.proc.Pid(), err)
		}
	}
	w.successor <- next
}

// retire marks w voluntary so it stops taking connections and is not
// replaced, then disconnects it.
func (p *Pool) retire(w *member) {
	p.mu.Lock()
	w.voluntary = true
	p.mu.Unlock()
	if err := w.proc.Disconnect(); err != nil {
		logrus.Debugf("Pool: disconnecting worker %d: %s", w.proc.Pid(), err)
	}
}

// stale returns the members older than gen that are still in service.
//
// +checklocks:p.mu
func (p *Pool) stale(gen uint64) []*member {
	var old []*member
	for _, w := range p.members {
		if w.gen < gen && !w.voluntary {
			old = append(old, w)
		}
	}
	return old
}

// Reload replaces every current worker. New workers are forked in parallel
// and old ones are only disconnected after all new ones are ready, so the
// number of dispatchable workers never drops. A new worker that crashes
// before it is ready is stood in for by its replacement. There is no
// timeout: a new worker that never becomes ready blocks the reload until ctx
// is done, with the old workers still serving. Reloads are serialized.
func (p *Pool) Reload(ctx context.Context) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Pool: reload aborted")
	}

	p.mu.Lock()
	p.generation++
	gen := p.generation
	n := len(p.stale(gen))
	p.mu.Unlock()
	if n == 0 {
		logrus.Info("Pool: no workers to reload")
		return nil
	}
	logrus.Infof("Pool: starting parallel reload for %d workers", n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			w, err := p.fork(gen)
			if err != nil {
				return err
			}
			for {
				select {
				case <-w.ready:
					return nil
				case next := <-w.successor:
					if next == nil {
						return errors.Errorf("Pool: worker %d exited before it was ready", w.proc.Pid())
					}
					logrus.Warnf("Pool: worker %d exited before it was ready, waiting for %d", w.proc.Pid(), next.proc.Pid())
					w = next
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		p.mu.Lock()
		p.abandoned[gen] = true
		var abandoned []*member
		for _, w := range p.members {
			if w.gen == gen && !w.voluntary {
				abandoned = append(abandoned, w)
			}
		}
		p.mu.Unlock()
		for _, w := range abandoned {
			p.retire(w)
		}
		return errors.Wrap(err, "Pool: reload aborted")
	}

	// Old workers include crash replacements forked during the reload.
	p.mu.Lock()
	p.floor = gen
	old := p.stale(gen)
	p.mu.Unlock()
	logrus.Infof("Pool: all %d new workers are ready, phasing out old workers", n)
	for _, w := range old {
		logrus.Infof("Pool: disconnecting old worker %d", w.proc.Pid())
		p.retire(w)
	}
	logrus.Info("Pool: reload complete, new workers are active")
	return nil
}

// Broadcast sends m to every live worker.
func (p *Pool) Broadcast(m ipc.Message) {
	for _, proc := range p.Live() {
		if err := proc.Send(m); err != nil {
			logrus.Errorf("Pool: sending %s to worker %d: %s", m.Type(), proc.Pid(), err)
		}
	}
}

// Close stops replacing workers, disconnects all of them and waits for them
// to exit. When ctx is done first, the remaining workers are killed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	members := slices.Clone(p.members)
	for _, w := range members {
		w.voluntary = true
	}
	p.mu.Unlock()

	for _, w := range members {
		if err := w.proc.Disconnect(); err != nil {
			logrus.Debugf("Pool: disconnecting worker %d: %s", w.proc.Pid(), err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	remaining := slices.Clone(p.members)
	p.mu.Unlock()
	for _, w := range remaining {
		logrus.Warnf("Pool: killing worker %d", w.proc.Pid())
		w.proc.Kill()
	}
	<-done
	return ctx.Err()
}
