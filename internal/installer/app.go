// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package installer

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/juju/errors"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/configinject"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/packaging"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/servicectl"
)

const defaultAppPort = 3000

// nodesourceRepo pins the Node.js runtime to the nodesource stream
// for the given major version rather than the distro's archive.
func nodesourceRepo(major int) packaging.Repository {
	return packaging.Repository{
		Name:        fmt.Sprintf("nodesource node %d.x", major),
		KeyURL:      "https://deb.nodesource.com/gpgkey/nodesource-repo.gpg.key",
		KeyringPath: "/etc/apt/keyrings/nodesource.gpg",
		SourceLine: fmt.Sprintf(
			"deb [signed-by=/etc/apt/keyrings/nodesource.gpg] https://deb.nodesource.com/node_%d.x nodistro main",
			major),
		SourceFile: "/etc/apt/sources.list.d/nodesource.list",
	}
}

// AppConfig parameterizes the app (Node.js API) tier installer.
type AppConfig struct {
	Deps

	// AppName names the service account, install directory and
	// systemd unit.
	AppName string

	// NodeMajor selects the nodesource release stream.
	NodeMajor int

	// Port is the API listen port; zero means 3000.
	Port int

	// ConnectionString is the MongoDB connection string handed to the
	// process through its dotenv file. It is a secret and never
	// logged.
	ConnectionString string

	// TenantID and ClientID let the API validate bearer tokens.
	TenantID string
	ClientID string

	// InstallDir overrides /opt/<AppName> in tests.
	InstallDir string

	// EnvFilePath is the process-wide environment file; empty means
	// /etc/environment.
	EnvFilePath string

	// HealthURL overrides the health probe endpoint in tests.
	HealthURL string
}

// Validate returns an error if the configuration is incomplete.
func (c AppConfig) Validate() error {
	if err := c.Deps.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.AppName == "" {
		return errors.NotValidf("empty app name")
	}
	if c.NodeMajor == 0 {
		return errors.NotValidf("zero node major version")
	}
	if c.ConnectionString == "" {
		return errors.NotValidf("empty connection string")
	}
	return nil
}

type appInstaller struct {
	config AppConfig
}

// NewApp returns the installer for the app tier.
func NewApp(config AppConfig) (Installer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &appInstaller{config: config}, nil
}

func (a *appInstaller) port() int {
	if a.config.Port != 0 {
		return a.config.Port
	}
	return defaultAppPort
}

func (a *appInstaller) installDir() string {
	if a.config.InstallDir != "" {
		return a.config.InstallDir
	}
	return filepath.Join("/opt", a.config.AppName)
}

func (a *appInstaller) envFilePath() string {
	if a.config.EnvFilePath != "" {
		return a.config.EnvFilePath
	}
	return "/etc/environment"
}

func (a *appInstaller) healthURL() string {
	if a.config.HealthURL != "" {
		return a.config.HealthURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d/health", a.port())
}

func (a *appInstaller) unitName() string {
	return a.config.AppName + ".service"
}

// Install converges the app tier: Node.js runtime from nodesource, a
// dedicated system account and install tree, injected configuration,
// a systemd unit, and the API answering its health probe.
func (a *appInstaller) Install() error {
	logger.Infof("converging app tier %q", a.config.AppName)
	if err := a.config.Packages.AddRepository(nodesourceRepo(a.config.NodeMajor)); err != nil {
		return errors.Trace(err)
	}
	if err := a.config.Packages.EnsureInstalled("nodejs"); err != nil {
		return errors.Trace(err)
	}

	if err := ensureSystemUser(a.config.AppName); err != nil {
		return errors.Trace(err)
	}
	uid, gid, err := lookupUser(a.config.AppName)
	if err != nil {
		return errors.Annotatef(err, "looking up user %q", a.config.AppName)
	}
	if err := ensureDirOwned(a.installDir(), 0755, uid, gid); err != nil {
		return errors.Trace(err)
	}

	dotenv := configinject.DotEnvSink{
		Path:  filepath.Join(a.installDir(), ".env"),
		Owner: a.config.AppName,
	}
	err = configinject.Materialize(configinject.Bundle{
		"MONGODB_URI": {Value: a.config.ConnectionString, Secret: true},
		"PORT":        {Value: strconv.Itoa(a.port())},
		"NODE_ENV":    {Value: "production"},
		"TENANT_ID":   {Value: a.config.TenantID},
		"CLIENT_ID":   {Value: a.config.ClientID},
	}, dotenv)
	if err != nil {
		return errors.Trace(err)
	}
	err = configinject.Materialize(configinject.Bundle{
		"NODE_ENV": {Value: "production"},
	}, configinject.EnvironmentSink{Path: a.envFilePath()})
	if err != nil {
		return errors.Trace(err)
	}

	err = a.config.Services.WriteUnit(a.unitName(), servicectl.UnitConf{
		Desc:             fmt.Sprintf("%s API server", a.config.AppName),
		ExecStart:        "/usr/bin/node server.js",
		WorkingDirectory: a.installDir(),
		User:             a.config.AppName,
		EnvironmentFile:  dotenv.Path,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := a.config.Services.EnsureRunning(a.unitName()); err != nil {
		return errors.Trace(err)
	}
	err = a.config.Services.WaitHealthy(a.unitName(),
		servicectl.HTTPHealthCheck(a.healthURL()))
	return errors.Trace(err)
}
