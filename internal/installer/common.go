// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package installer holds the per-tier installers. Each tier owns the
// full convergence of its node: packages, configuration files, service
// units, and the tier's health gate. Every step is written to be
// re-run safe so the pipeline can be replayed after a partial failure.
package installer

import (
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/packaging"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/servicectl"
)

var logger = loggo.GetLogger("nodeup.installer")

// Installer converges one tier of the deployment.
type Installer interface {
	Install() error
}

// PackageManager is the slice of the packaging layer installers use.
// Satisfied by *packaging.Manager.
type PackageManager interface {
	AddRepository(repo packaging.Repository) error
	EnsureInstalled(packages ...string) error
}

// ServiceManager is the slice of the service layer installers use.
// Satisfied by *servicectl.Manager.
type ServiceManager interface {
	EnsureEnabled(unit string) error
	EnsureRunning(unit string) error
	ReloadOrRestart(unit string) error
	WaitHealthy(unit string, check servicectl.HealthCheck) error
	WriteUnit(name string, conf servicectl.UnitConf) error
}

// Deps carries the shared machinery every tier installer needs.
type Deps struct {
	// Packages installs apt packages under the package manager lock.
	Packages PackageManager

	// Services manages systemd units over dbus.
	Services ServiceManager

	// Clock is the time source for any waiting an installer does.
	Clock clock.Clock
}

// Validate returns an error if any dependency is missing.
func (d Deps) Validate() error {
	if d.Packages == nil {
		return errors.NotValidf("nil Packages")
	}
	if d.Services == nil {
		return errors.NotValidf("nil Services")
	}
	if d.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Overloading points for tests.
var (
	runCommand = func(name string, args ...string) (string, error) {
		out, err := exec.Command(name, args...).CombinedOutput()
		if err != nil {
			return string(out), errors.Annotatef(err, "running %s", name)
		}
		return string(out), nil
	}

	mkdirAll = os.MkdirAll
	chown    = os.Chown

	lookupUser = func(name string) (uid, gid int, err error) {
		u, err := user.Lookup(name)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		return uid, gid, nil
	}
)

// ensureSystemUser creates name as a system account with no login
// shell if it does not already exist.
func ensureSystemUser(name string) error {
	if _, _, err := lookupUser(name); err == nil {
		return nil
	}
	out, err := runCommand("useradd", "--system", "--no-create-home",
		"--shell", "/usr/sbin/nologin", name)
	if err != nil {
		// A lost race with another creator is fine.
		if strings.Contains(out, "already exists") {
			return nil
		}
		return errors.Annotatef(err, "creating user %q: %s", name, out)
	}
	logger.Infof("created system user %q", name)
	return nil
}

// ensureDirOwned creates path if needed and pins its ownership.
func ensureDirOwned(path string, mode os.FileMode, uid, gid int) error {
	if err := mkdirAll(path, mode); err != nil {
		return errors.Trace(err)
	}
	if err := chown(path, uid, gid); err != nil {
		return errors.Annotatef(err, "chowning %q", path)
	}
	return nil
}
