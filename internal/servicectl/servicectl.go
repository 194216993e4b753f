// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package servicectl drives systemd over the system bus to bring a
// tier's services to "enabled and running", and verifies their health
// before the pipeline is allowed to exit successfully. The target
// state is always "ensure running": starting a unit that is already
// active is a no-op, not an error.
package servicectl

import (
	"net/http"
	"os/exec"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("nodeup.servicectl")

const (
	// startTimeout bounds the wait on systemd's job result channel.
	startTimeout = 30 * time.Second

	healthAttempts = 10
	healthDelay    = 3 * time.Second

	// journalTailLines is how much of the unit's own log is attached
	// to a fatal error. The process manager's status alone rarely
	// explains a storage-engine or configuration failure.
	journalTailLines = "50"
)

// DBusAPI is the subset of the go-systemd dbus connection we drive.
type DBusAPI interface {
	Close()
	ListUnits() ([]dbus.UnitStatus, error)
	StartUnit(name string, mode string, ch chan<- string) (int, error)
	ReloadOrRestartUnit(name string, mode string, ch chan<- string) (int, error)
	EnableUnitFiles(files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	Reload() error
}

// DBusAPIFactory opens a connection to the system bus.
type DBusAPIFactory func() (DBusAPI, error)

// NewDBusAPI is the production DBusAPIFactory.
var NewDBusAPI = func() (DBusAPI, error) {
	return dbus.New()
}

// journalTail fetches the last lines of a unit's own journal.
var journalTail = func(unit string) string {
	out, err := exec.Command(
		"journalctl", "-u", unit, "-n", journalTailLines, "--no-pager",
	).CombinedOutput()
	if err != nil {
		return "journal unavailable: " + err.Error()
	}
	return string(out)
}

// HealthCheck verifies that a running service actually serves.
type HealthCheck func() error

// HTTPHealthCheck probes a local endpoint and accepts any response
// below 500; the tier owns its own deeper health semantics.
func HTTPHealthCheck(url string) HealthCheck {
	client := &http.Client{Timeout: 5 * time.Second}
	return func() error {
		resp, err := client.Get(url)
		if err != nil {
			return errors.Trace(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return errors.Errorf("%s returned %s", url, resp.Status)
		}
		return nil
	}
}

// Config holds the dependencies of a Manager.
type Config struct {
	// NewDBus opens system bus connections; nil means the real bus.
	NewDBus DBusAPIFactory

	// Clock is the time source for health polling.
	Clock clock.Clock

	// UnitDir overrides where unit files are written; empty means
	// EtcSystemdDir.
	UnitDir string
}

func (m *Manager) unitDir() string {
	if m.config.UnitDir != "" {
		return m.config.UnitDir
	}
	return EtcSystemdDir
}

// Manager ensures services are enabled, running and healthy.
type Manager struct {
	config Config
}

// NewManager returns a Manager for the supplied configuration.
func NewManager(config Config) (*Manager, error) {
	if config.Clock == nil {
		return nil, errors.NotValidf("nil clock")
	}
	if config.NewDBus == nil {
		config.NewDBus = NewDBusAPI
	}
	return &Manager{config: config}, nil
}

func (m *Manager) newConn() (DBusAPI, error) {
	conn, err := m.config.NewDBus()
	if err != nil {
		return nil, errors.Annotate(err, "connecting to system bus")
	}
	return conn, nil
}

// running reports whether systemd considers the unit loaded and active.
func running(conn DBusAPI, unit string) (bool, error) {
	units, err := conn.ListUnits()
	if err != nil {
		return false, errors.Annotate(err, "querying units")
	}
	for _, u := range units {
		if u.Name == unit {
			return u.LoadState == "loaded" && u.ActiveState == "active", nil
		}
	}
	return false, nil
}

// EnsureRunning starts the unit unless it is already active.
func (m *Manager) EnsureRunning(unit string) error {
	conn, err := m.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()

	ok, err := running(conn, unit)
	if err != nil {
		return errors.Trace(err)
	}
	if ok {
		logger.Debugf("unit %q already running", unit)
		return nil
	}
	return errors.Trace(m.startJob(unit, conn.StartUnit))
}

// ReloadOrRestart applies freshly written configuration to a unit,
// starting it if it is not running.
func (m *Manager) ReloadOrRestart(unit string) error {
	conn, err := m.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	return errors.Trace(m.startJob(unit, conn.ReloadOrRestartUnit))
}

func (m *Manager) startJob(unit string, job func(string, string, chan<- string) (int, error)) error {
	statusCh := make(chan string, 1)
	if _, err := job(unit, "fail", statusCh); err != nil {
		return errors.Annotatef(err, "dbus request for %q failed", unit)
	}
	select {
	case status := <-statusCh:
		if status != "done" {
			return errors.Errorf("job for %q finished with status %q", unit, status)
		}
	case <-m.config.Clock.After(startTimeout):
		return errors.Timeoutf("waiting for systemd job on %q", unit)
	}
	logger.Infof("unit %q started", unit)
	return nil
}

// EnsureEnabled enables the unit so it survives reboots. Enabling an
// already-enabled unit is a no-op by systemd's own contract.
func (m *Manager) EnsureEnabled(unit string) error {
	conn, err := m.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	if _, _, err := conn.EnableUnitFiles([]string{unit}, false, true); err != nil {
		return errors.Annotatef(err, "enabling %q", unit)
	}
	return nil
}

// WaitHealthy polls until the unit is active and its health check
// passes. On exhaustion the unit's own journal tail is attached to the
// returned error so the deployment status is diagnosable on its own.
func (m *Manager) WaitHealthy(unit string, check HealthCheck) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			conn, err := m.newConn()
			if err != nil {
				return errors.Trace(err)
			}
			defer conn.Close()
			ok, err := running(conn, unit)
			if err != nil {
				return errors.Trace(err)
			}
			if !ok {
				return errors.Errorf("unit %q is not active", unit)
			}
			if check != nil {
				return errors.Trace(check())
			}
			return nil
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Infof("waiting for %q to become healthy (attempt %d): %v", unit, attempt, lastError)
		},
		Attempts: healthAttempts,
		Delay:    healthDelay,
		Clock:    m.config.Clock,
	})
	if err == nil {
		logger.Infof("unit %q is healthy", unit)
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
		err = retry.LastError(err)
	}
	return errors.Annotatef(err, "service %q failed to become healthy; journal tail:\n%s",
		unit, journalTail(unit))
}
