// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package installer

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/mongoboot"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/packaging"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/volume"
)

const (
	mongodUnit = "mongod.service"
	mongoUser  = "mongodb"
	mongoPort  = 27017
)

// mongoRepo is the upstream mongodb-org repository for the given
// release series on Ubuntu.
func mongoRepo(series, release string) packaging.Repository {
	keyring := fmt.Sprintf("/usr/share/keyrings/mongodb-server-%s.gpg", series)
	return packaging.Repository{
		Name:        "mongodb-org " + series,
		KeyURL:      fmt.Sprintf("https://www.mongodb.org/static/pgp/server-%s.asc", series),
		KeyringPath: keyring,
		SourceLine: fmt.Sprintf(
			"deb [ arch=amd64,arm64 signed-by=%s ] https://repo.mongodb.org/apt/ubuntu %s/mongodb-org/%s multiverse",
			keyring, release, series),
		SourceFile: fmt.Sprintf("/etc/apt/sources.list.d/mongodb-org-%s.list", series),
	}
}

// mongodConf is the subset of mongod's YAML configuration this
// deployment sets. Marshalling a typed struct keeps the file well
// formed no matter what values flow in.
type mongodConf struct {
	Storage struct {
		DBPath string `yaml:"dbPath"`
	} `yaml:"storage"`
	SystemLog struct {
		Destination string `yaml:"destination"`
		LogAppend   bool   `yaml:"logAppend"`
		Path        string `yaml:"path"`
	} `yaml:"systemLog"`
	Net struct {
		Port   int    `yaml:"port"`
		BindIP string `yaml:"bindIp"`
	} `yaml:"net"`
	Replication struct {
		ReplSetName string `yaml:"replSetName"`
	} `yaml:"replication"`
}

// DBConfig parameterizes the db (MongoDB) tier installer.
type DBConfig struct {
	Deps

	// MongoSeries is the mongodb-org release series, e.g. "7.0".
	MongoSeries string

	// UbuntuRelease is the apt suite the repo serves, e.g. "jammy".
	UbuntuRelease string

	// Volume configures resolution of the dedicated data disk; its
	// MountPoint anchors the db and log directories.
	Volume volume.Config

	// PrivateIP is this node's vnet address; mongod binds to it in
	// addition to localhost.
	PrivateIP string

	// ReplicaSet drives replica set formation after mongod is up.
	ReplicaSet mongoboot.Config

	// MongodConfPath overrides /etc/mongod.conf in tests.
	MongodConfPath string
}

// Validate returns an error if the configuration is incomplete.
func (c DBConfig) Validate() error {
	if err := c.Deps.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.MongoSeries == "" {
		return errors.NotValidf("empty mongo series")
	}
	if c.UbuntuRelease == "" {
		return errors.NotValidf("empty ubuntu release")
	}
	if c.PrivateIP == "" {
		return errors.NotValidf("empty private IP")
	}
	if err := c.Volume.Validate(); err != nil {
		return errors.Annotate(err, "volume config")
	}
	if err := c.ReplicaSet.Validate(); err != nil {
		return errors.Annotate(err, "replica set config")
	}
	return nil
}

type dbInstaller struct {
	config DBConfig
}

// NewDB returns the installer for the db tier.
func NewDB(config DBConfig) (Installer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &dbInstaller{config: config}, nil
}

func (d *dbInstaller) confPath() string {
	if d.config.MongodConfPath != "" {
		return d.config.MongodConfPath
	}
	return "/etc/mongod.conf"
}

// pingMongo is the db tier health check; overloadable for tests.
var pingMongo = func(address string) error {
	session, err := mgo.DialWithInfo(&mgo.DialInfo{
		Addrs:   []string{address},
		Direct:  true,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()
	return errors.Trace(session.Ping())
}

var writeMongodConf = func(path string, data []byte) error {
	return utils.AtomicWriteFile(path, data, 0644)
}

// Install converges the db tier: mongodb-org from the upstream repo,
// the data volume mounted, mongod pointed at it, and the replica set
// formed. Order matters: the data directories must exist with the
// right ownership before mongod first starts.
func (d *dbInstaller) Install() error {
	logger.Infof("converging db tier")
	if err := d.config.Packages.AddRepository(mongoRepo(d.config.MongoSeries, d.config.UbuntuRelease)); err != nil {
		return errors.Trace(err)
	}
	if err := d.config.Packages.EnsureInstalled("mongodb-org"); err != nil {
		return errors.Trace(err)
	}

	resolver, err := volume.NewResolver(d.config.Volume)
	if err != nil {
		return errors.Trace(err)
	}
	result, err := resolver.EnsureMounted()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("data volume ready at %s (uuid %s, formatted=%v)",
		d.config.Volume.MountPoint, result.UUID, result.Formatted)

	uid, gid, err := lookupUser(mongoUser)
	if err != nil {
		return errors.Annotatef(err, "looking up user %q", mongoUser)
	}
	dbPath := filepath.Join(d.config.Volume.MountPoint, "db")
	logPath := filepath.Join(d.config.Volume.MountPoint, "log")
	for _, dir := range []string{dbPath, logPath} {
		if err := ensureDirOwned(dir, 0755, uid, gid); err != nil {
			return errors.Trace(err)
		}
	}

	if err := d.writeConf(dbPath, logPath); err != nil {
		return errors.Trace(err)
	}

	if err := d.config.Services.EnsureEnabled(mongodUnit); err != nil {
		return errors.Trace(err)
	}
	if err := d.config.Services.EnsureRunning(mongodUnit); err != nil {
		return errors.Trace(err)
	}
	selfAddress := d.config.ReplicaSet.SelfAddress
	err = d.config.Services.WaitHealthy(mongodUnit, func() error {
		return pingMongo(selfAddress)
	})
	if err != nil {
		return errors.Trace(err)
	}

	boot, err := mongoboot.NewBootstrapper(d.config.ReplicaSet)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(boot.Ensure())
}

func (d *dbInstaller) writeConf(dbPath, logPath string) error {
	var conf mongodConf
	conf.Storage.DBPath = dbPath
	conf.SystemLog.Destination = "file"
	conf.SystemLog.LogAppend = true
	conf.SystemLog.Path = filepath.Join(logPath, "mongod.log")
	conf.Net.Port = mongoPort
	conf.Net.BindIP = "127.0.0.1," + d.config.PrivateIP
	conf.Replication.ReplSetName = d.config.ReplicaSet.ReplicaSetName

	data, err := yaml.Marshal(conf)
	if err != nil {
		return errors.Trace(err)
	}
	if err := writeMongodConf(d.confPath(), data); err != nil {
		return errors.Annotatef(err, "writing %q", d.confPath())
	}
	logger.Infof("wrote %s", d.confPath())
	return nil
}
