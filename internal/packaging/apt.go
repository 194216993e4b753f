// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package packaging installs tier software with apt, gated on the
// package-manager lock so an install never races unattended-upgrades.
package packaging

import (
	"os"
	"os/exec"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/kballard/go-shellquote"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/pkglock"
)

var logger = loggo.GetLogger("nodeup.packaging")

// The apt-get invocation used for every mutating call:
//
//	--force-confold never overwrites configuration files we render
//	--assume-yes never prompts
//	DPkg::Lock::Timeout is a coarse secondary wait; the pkglock
//	coordinator remains the primary gate because dpkg's own timeout
//	does not cover the apt list locks.
var aptGetArgs = []string{
	"--option=Dpkg::Options::=--force-confold",
	"--option=DPkg::Lock::Timeout=60",
	"--assume-yes",
	"--quiet",
}

// aptGetEnv keeps apt from ever prompting the (absent) user.
var aptGetEnv = []string{"DEBIAN_FRONTEND=noninteractive"}

// runCommand runs cmd with apt's environment; overloading point for
// tests.
var runCommand = func(cmd *exec.Cmd) (string, error) {
	cmd.Env = append(os.Environ(), aptGetEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Annotatef(err, "%s: %s", cmd.Args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Repository names an additional apt repository (upstream nodejs or
// mongodb-org packages are not in the Ubuntu archive).
type Repository struct {
	// Name identifies the repository in logs.
	Name string

	// KeyURL is the armored signing key to fetch; KeyringPath is
	// where its dearmored form is stored.
	KeyURL      string
	KeyringPath string

	// SourceLine is the deb line referencing KeyringPath, written to
	// SourceFile under /etc/apt/sources.list.d.
	SourceLine string
	SourceFile string
}

// Validate returns an error if the repository definition is incomplete.
func (r Repository) Validate() error {
	if r.Name == "" {
		return errors.NotValidf("empty repository name")
	}
	if r.KeyURL == "" || r.KeyringPath == "" {
		return errors.NotValidf("repository %q without signing key", r.Name)
	}
	if r.SourceLine == "" || r.SourceFile == "" {
		return errors.NotValidf("repository %q without source line", r.Name)
	}
	return nil
}

// Manager installs packages and configures repositories.
type Manager struct {
	// Lock gates every mutating package operation.
	Lock *pkglock.Coordinator
}

// NewManager returns a Manager gated on the given lock coordinator.
func NewManager(lock *pkglock.Coordinator) (*Manager, error) {
	if lock == nil {
		return nil, errors.NotValidf("nil lock coordinator")
	}
	return &Manager{Lock: lock}, nil
}

// IsInstalled reports whether the package is currently installed.
func IsInstalled(pkg string) bool {
	out, err := runCommand(exec.Command("dpkg-query", "-W", "--showformat=${Status}", pkg))
	return err == nil && strings.Contains(out, "install ok installed")
}

var isInstalled = IsInstalled

// EnsureInstalled installs the packages that are not already present.
// Already-installed packages are left alone, so re-running provisioning
// does not reconfigure or upgrade anything behind the tier's back.
func (m *Manager) EnsureInstalled(packages ...string) error {
	var missing []string
	for _, pkg := range packages {
		if isInstalled(pkg) {
			logger.Debugf("package %q already installed", pkg)
			continue
		}
		missing = append(missing, pkg)
	}
	if len(missing) == 0 {
		logger.Infof("packages already installed: %s", strings.Join(packages, " "))
		return nil
	}
	if err := m.Lock.Await(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.aptGet(append([]string{"install"}, missing...)...))
}

// Update refreshes the package lists.
func (m *Manager) Update() error {
	if err := m.Lock.Await(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.aptGet("update"))
}

// AddRepository configures an additional apt repository and refreshes
// the package lists. A repository whose source file already carries
// the wanted line is a no-op, list refresh included.
func (m *Manager) AddRepository(repo Repository) error {
	if err := repo.Validate(); err != nil {
		return errors.Trace(err)
	}
	current, err := os.ReadFile(repo.SourceFile)
	if err == nil && strings.TrimSpace(string(current)) == repo.SourceLine {
		logger.Debugf("repository %q already configured", repo.Name)
		return nil
	} else if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}

	logger.Infof("configuring apt repository %q", repo.Name)
	keyFile := repo.KeyringPath + ".asc"
	for _, args := range [][]string{
		{"curl", "-fsSL", "-o", keyFile, repo.KeyURL},
		{"gpg", "--dearmor", "--yes", "-o", repo.KeyringPath, keyFile},
	} {
		logger.Debugf("running: %s", shellquote.Join(args...))
		if _, err := runCommand(exec.Command(args[0], args[1:]...)); err != nil {
			return errors.Annotatef(err, "fetching signing key for %q", repo.Name)
		}
	}
	if err := writeFile(repo.SourceFile, []byte(repo.SourceLine+"\n"), 0644); err != nil {
		return errors.Annotatef(err, "writing %q", repo.SourceFile)
	}
	return errors.Trace(m.Update())
}

var writeFile = os.WriteFile

func (m *Manager) aptGet(args ...string) error {
	all := append(append([]string{}, aptGetArgs...), args...)
	logger.Infof("running: %s", shellquote.Join(append([]string{"apt-get"}, all...)...))
	_, err := runCommand(exec.Command("apt-get", all...))
	return errors.Trace(err)
}
