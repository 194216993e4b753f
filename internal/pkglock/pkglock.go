// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package pkglock waits for exclusive ownership of the host package
// manager to become available. Unattended-upgrades and the Azure Linux
// agent both take the dpkg/apt lock files at unpredictable times on a
// freshly booted VM, and an apt-get run that races them leaves the
// package database half-written.
package pkglock

import (
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("nodeup.pkglock")

const (
	// DefaultTimeout bounds the total wait for the package manager.
	// Unattended-upgrades on first boot can hold the lock for several
	// minutes while it applies security updates.
	DefaultTimeout = 10 * time.Minute

	// DefaultInterval is the poll interval between lock probes.
	DefaultInterval = 10 * time.Second
)

// DefaultProbePaths returns the lock files that indicate exclusive
// package-manager ownership on a Debian-family system.
func DefaultProbePaths() []string {
	return []string{
		"/var/lib/dpkg/lock-frontend",
		"/var/lib/dpkg/lock",
		"/var/lib/apt/lists/lock",
		"/var/cache/apt/archives/lock",
	}
}

// errLockHeld marks ordinary contention, the only condition worth
// polling through.
var errLockHeld = errors.New("package manager lock held")

// tryLock reports whether the lock file at path is currently free. A
// path that does not exist counts as free; probing must not create
// lock files that dpkg has not created itself.
var tryLock = func(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true, nil
	} else if err != nil {
		return false, errors.Trace(err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return false, errors.Trace(err)
	}
	if locked {
		if err := fl.Unlock(); err != nil {
			return false, errors.Trace(err)
		}
	}
	return locked, nil
}

// Config holds the dependencies and tunables of a Coordinator.
type Config struct {
	// ProbePaths are the lock files to probe. Empty means
	// DefaultProbePaths.
	ProbePaths []string

	// Timeout bounds the total wait; Interval is the poll period.
	Timeout  time.Duration
	Interval time.Duration

	// Clock is the time source used for waiting.
	Clock clock.Clock
}

// Validate returns an error if the configuration is incomplete.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.NotValidf("non-positive timeout")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive interval")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil clock")
	}
	return nil
}

// Coordinator gates package operations on the host package-manager
// lock files.
type Coordinator struct {
	config Config
}

// NewCoordinator returns a Coordinator for the supplied configuration.
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(config.ProbePaths) == 0 {
		config.ProbePaths = DefaultProbePaths()
	}
	return &Coordinator{config: config}, nil
}

// Await blocks until no probe path is held, polling at the configured
// interval, and returns an error satisfying errors.IsTimeout if the
// lock is still held when the timeout elapses. The caller must not run
// any package operation after a timeout; a partial install under
// contention corrupts the package database.
func (c *Coordinator) Await() error {
	var held string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			path, err := c.probe()
			if err != nil {
				return errors.Trace(err)
			}
			if path != "" {
				held = path
				return errLockHeld
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			// Only contention is worth waiting out. A probe that
			// cannot even stat or flock its path will not come good
			// with time.
			return errors.Cause(err) != errLockHeld
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Infof("waiting for package manager (attempt %d): lock %q is held", attempt, held)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       c.config.Interval,
		MaxDuration: c.config.Timeout,
		Clock:       c.config.Clock,
	})
	if err == nil {
		return nil
	}
	if retry.IsDurationExceeded(err) || retry.IsAttemptsExceeded(err) {
		return errors.Timeoutf("package manager lock %q still held after %v", held, c.config.Timeout)
	}
	return errors.Trace(err)
}

// probe returns the first held probe path, or "" when all are free.
func (c *Coordinator) probe() (string, error) {
	for _, path := range c.config.ProbePaths {
		free, err := tryLock(path)
		if err != nil {
			return "", errors.Annotatef(err, "probing %q", path)
		}
		if !free {
			return path, nil
		}
	}
	return "", nil
}
