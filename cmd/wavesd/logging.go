package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"waves.computer/waves/config"
)

// setupLogging picks the level from the environment name and a formatter
// from whether stderr is a terminal.
func setupLogging(sc *config.ServerConfig, verbose bool) {
	logrus.SetOutput(os.Stderr)
	if sc.IsProduction() && !verbose {
		logrus.SetLevel(logrus.InfoLevel)
	} else {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
