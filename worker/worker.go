// Package worker is the program run inside each worker process. A worker
// serves one http.Server on two listeners: its own ephemeral loopback port,
// and the connections handed to it by the supervisor over the ipc channel.
package worker

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"waves.computer/waves/common"
	"waves.computer/waves/ipc"
)

// Options tune a worker.
type Options struct {
	// DrainTimeout bounds the graceful shutdown after the supervisor
	// disconnects. Zero means common.DefaultDrainTimeout.
	DrainTimeout time.Duration

	// OnClearCache is called for every ClearCache message.
	OnClearCache func()
}

// Run serves handler until the supervisor closes the channel or ctx is
// done, then shuts the server down gracefully. The readiness signal is sent
// exactly once, after the internal listener is bound.
func Run(ctx context.Context, ch *ipc.Channel, handler http.Handler, opts Options) error {
	defer ch.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "worker: binding internal listener")
	}
	handoff := newHandoffListener(ln.Addr())
	srv := &http.Server{
		Handler:           handler,
		IdleTimeout:       common.KeepAliveTimeout,
		ReadHeaderTimeout: common.HeadersTimeout,
	}

	var wg sync.WaitGroup
	serve := func(l net.Listener) {
		defer wg.Done()
		err := srv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Worker error: %s", err)
		}
	}
	wg.Add(2)
	go serve(ln)
	go serve(handoff)

	if err := ch.Send(ipc.Ready{Addr: ln.Addr().String()}); err != nil {
		srv.Close()
		wg.Wait()
		return errors.Wrap(err, "worker: sending readiness")
	}
	logrus.Infof("Worker %d started and ready on %s", os.Getpid(), ln.Addr())

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks Recv below.
			ch.Close()
		case <-done:
		}
	}()
	receive(ch, handoff, opts)
	close(done)

	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = common.DefaultDrainTimeout
	}
	sctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logrus.Warnf("Worker %d: drain incomplete: %s", os.Getpid(), err)
		srv.Close()
	}
	wg.Wait()
	logrus.Infof("Worker %d stopped", os.Getpid())
	return nil
}

// receive dispatches channel messages until the channel is closed from
// either side.
func receive(ch *ipc.Channel, handoff *handoffListener, opts Options) {
	for {
		m, err := ch.Recv()
		if errors.Is(err, io.EOF) {
			logrus.Infof("Worker %d: disconnected by supervisor", os.Getpid())
			return
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			logrus.Errorf("Worker %d: %s", os.Getpid(), err)
			continue
		}
		switch m := m.(type) {
		case ipc.NewConnection:
			handoff.push(m.Conn)
		case ipc.ClearCache:
			if opts.OnClearCache != nil {
				opts.OnClearCache()
			}
			logrus.Infof("Worker %d cache cleared", os.Getpid())
		default:
			logrus.Debugf("Worker %d: ignoring %s", os.Getpid(), m.Type())
		}
	}
}
