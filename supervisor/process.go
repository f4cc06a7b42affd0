package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"waves.computer/waves/common"
	"waves.computer/waves/ipc"
)

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int    // -1 when killed by a signal
	Signal string // empty unless killed by a signal
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal: %s", s.Signal)
	}
	return fmt.Sprintf("code: %d", s.Code)
}

// Process is a handle to one worker process.
type Process interface {
	Pid() int
	// Send delivers a message over the worker's channel.
	Send(m ipc.Message) error
	// Disconnect closes the channel. The worker drains and exits.
	Disconnect() error
	Kill() error
	// Ready is closed once the worker reported readiness.
	Ready() <-chan struct{}
	// Exited delivers the exit status exactly once.
	Exited() <-chan ExitStatus
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn() (Process, error)
}

// ExecSpawner re-executes a binary in worker mode. The child end of an ipc
// socket pair is fd 3 in the child and WAVES_WORKER_CHANNEL names it.
type ExecSpawner struct {
	// Path is the binary to run. When empty, the running executable is used
	// with the current command line arguments.
	Path string
	Args []string
	// Env is appended to the supervisor's environment.
	Env []string

	Stdout, Stderr io.Writer
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn() (Process, error) {
	path, args := s.Path, s.Args
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "locating executable")
		}
		path, args = exe, os.Args[1:]
	}

	ch, child, err := ipc.Pair()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", common.EnvWorkerChannel, common.WorkerChannelFD))
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Own process group: terminal signals go to the supervisor only, which
	// then disconnects the workers.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	child.Close()
	if err != nil {
		ch.Close()
		return nil, errors.Wrapf(err, "starting %s", path)
	}

	p := &execProcess{
		cmd:    cmd,
		ch:     ch,
		ready:  make(chan struct{}),
		exited: make(chan ExitStatus, 1),
	}
	go p.receive()
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd       *exec.Cmd
	ch        *ipc.Channel
	ready     chan struct{}
	readyOnce sync.Once
	exited    chan ExitStatus
}

func (p *execProcess) Pid() int                  { return p.cmd.Process.Pid }
func (p *execProcess) Send(m ipc.Message) error  { return p.ch.Send(m) }
func (p *execProcess) Disconnect() error         { return p.ch.Close() }
func (p *execProcess) Kill() error               { return p.cmd.Process.Kill() }
func (p *execProcess) Ready() <-chan struct{}    { return p.ready }
func (p *execProcess) Exited() <-chan ExitStatus { return p.exited }

// receive reads worker -> supervisor messages until the channel closes.
func (p *execProcess) receive() {
	for {
		m, err := p.ch.Recv()
		if err != nil {
			return
		}
		switch m := m.(type) {
		case ipc.Ready:
			p.readyOnce.Do(func() {
				logrus.WithField("pid", p.Pid()).Debugf("Worker listening on %s", m.Addr)
				close(p.ready)
			})
		default:
			logrus.WithField("pid", p.Pid()).Debugf("Worker sent unexpected %s", m.Type())
		}
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	st := ExitStatus{Code: p.cmd.ProcessState.ExitCode()}
	if ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		logrus.WithField("pid", p.Pid()).Errorf("Worker wait: %s", err)
	}
	p.ch.Close()
	p.exited <- st
	close(p.exited)
}
