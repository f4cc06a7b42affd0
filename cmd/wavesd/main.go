package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"waves.computer/waves/config"
	"waves.computer/waves/flags"
	"waves.computer/waves/supervisor"
	"waves.computer/waves/webapp"
	"waves.computer/waves/worker"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	f, err := flags.ParseServerArgs(os.Args)
	if err != nil {
		logrus.Error(err)
		os.Exit(2)
	}
	sc, err := flags.LoadServerConfigFromFlags(f)
	if err != nil {
		logrus.Fatalf("error loading config: %s", err)
	}
	setupLogging(sc, f.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if worker.IsWorker() {
		err = runWorker(ctx, sc)
	} else {
		err = runSupervisor(ctx, sc)
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

// runWorker serves the application to connections handed over by the
// supervisor.
func runWorker(ctx context.Context, sc *config.ServerConfig) error {
	ch, err := worker.ChannelFromEnv()
	if err != nil {
		return err
	}
	app, err := webapp.New(webapp.Options{
		VersionFile: sc.VersionFile,
		StaticDir:   sc.StaticDir,
		PublicDir:   sc.PublicDir,
		SuggestURL:  sc.SuggestURL,
	})
	if err != nil {
		return err
	}
	return worker.Run(ctx, ch, app, worker.Options{
		DrainTimeout: sc.DrainTimeout.Duration,
		OnClearCache: app.ClearCache,
	})
}

// runSupervisor owns the public port until ctx is done. SIGHUP forces a
// rolling reload and SIGUSR1 clears the worker caches.
func runSupervisor(ctx context.Context, sc *config.ServerConfig) error {
	s := supervisor.New(sc, &supervisor.ExecSpawner{})

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sch:
				switch sig {
				case syscall.SIGHUP:
					go func() {
						if err := s.Reload(ctx); err != nil {
							logrus.Errorf("reload: %s", err)
						}
					}()
				case syscall.SIGUSR1:
					s.ClearCaches()
				}
			}
		}
	}()

	return s.Run(ctx)
}
