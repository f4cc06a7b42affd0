package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"waves.computer/waves/common"
	"waves.computer/waves/version"
)

// VersionMonitor polls the version artifact and calls reload exactly once
// per observed change.
type VersionMonitor struct {
	path     string
	interval time.Duration
	reload   func(context.Context) error
	read     func(string) (string, error)

	mu sync.Mutex
	// +checklocks:mu
	last string

	reloads sync.WaitGroup
}

// NewVersionMonitor returns a monitor for the file at path.
func NewVersionMonitor(path string, interval time.Duration, reload func(context.Context) error) *VersionMonitor {
	if interval <= 0 {
		interval = common.VersionPollInterval
	}
	return &VersionMonitor{
		path:     path,
		interval: interval,
		reload:   reload,
		read:     version.Read,
	}
}

// Init records the current version without acting on it. On failure the
// last known version stays empty and the next successful read is recorded
// silently.
func (m *VersionMonitor) Init() {
	v, err := m.read(m.path)
	if err != nil {
		logrus.Errorf("Version: failed to read initial version: %s", err)
		return
	}
	m.mu.Lock()
	m.last = v
	m.mu.Unlock()
	logrus.Infof("Version: initial version loaded: %s", v)
}

// Run calls Init, then Check every interval until ctx is done.
func (m *VersionMonitor) Run(ctx context.Context) {
	m.Init()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}

// Check re-reads the version. Read failures are logged and leave the state
// unchanged. On a change it starts reload in the background and records the
// new version whatever the reload's outcome. It reports whether a reload was
// started.
func (m *VersionMonitor) Check(ctx context.Context) bool {
	v, err := m.read(m.path)
	if err != nil {
		logrus.Errorf("Version: %s", err)
		return false
	}
	m.mu.Lock()
	prev := m.last
	m.last = v
	m.mu.Unlock()
	if prev == "" || prev == v {
		return false
	}

	logrus.Infof("Version updated from %s to %s. Triggering reload", prev, v)
	m.reloads.Add(1)
	go func() {
		defer m.reloads.Done()
		if err := m.reload(ctx); err != nil {
			logrus.Errorf("Version: reload for %s failed: %s", v, err)
		}
	}()
	return true
}

// Last returns the last recorded version.
func (m *VersionMonitor) Last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Wait blocks until every reload started by Check has returned.
func (m *VersionMonitor) Wait() {
	m.reloads.Wait()
}
