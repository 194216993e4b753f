// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package installer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/blockdevice"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/mongoboot"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/volume"
)

const gib = 1024 * 1024 * 1024

type dbSuite struct {
	jujutesting.IsolationSuite

	stub     *jujutesting.Stub
	packages *fakePackages
	services *fakeServices

	mountPoint string
	fstabPath  string
	confPath   string

	devices    []blockdevice.BlockDevice
	volumeRuns []string
	chowned    []string
	mongodConf string
	pinged     []string
}

var _ = gc.Suite(&dbSuite{})

func (s *dbSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &jujutesting.Stub{}
	s.packages = &fakePackages{stub: s.stub}
	s.services = &fakeServices{stub: s.stub}

	dir := c.MkDir()
	s.mountPoint = filepath.Join(dir, "datadrive")
	s.fstabPath = filepath.Join(dir, "fstab")
	s.confPath = filepath.Join(dir, "mongod.conf")
	c.Assert(os.WriteFile(s.fstabPath, nil, 0644), jc.ErrorIsNil)

	s.devices = []blockdevice.BlockDevice{{
		DeviceName: "sdc",
		SizeBytes:  128 * gib,
	}}
	s.volumeRuns = nil
	s.chowned = nil
	s.mongodConf = ""
	s.pinged = nil

	s.PatchValue(&chown, func(path string, uid, gid int) error {
		s.chowned = append(s.chowned, path)
		return nil
	})
	s.PatchValue(&lookupUser, func(name string) (int, int, error) {
		if name != mongoUser {
			return 0, 0, errors.Errorf("user: unknown user %s", name)
		}
		return 117, 124, nil
	})
	s.PatchValue(&writeMongodConf, func(path string, data []byte) error {
		s.mongodConf = string(data)
		return os.WriteFile(path, data, 0644)
	})
	s.PatchValue(&pingMongo, func(address string) error {
		s.pinged = append(s.pinged, address)
		return nil
	})
}

// runVolume mimics the interesting side effect of mkfs: the device
// gains a filesystem signature and a UUID.
func (s *dbSuite) runVolume(name string, args ...string) (string, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	s.volumeRuns = append(s.volumeRuns, cmd)
	if name == "mkfs.ext4" {
		for i := range s.devices {
			if s.devices[i].Path() == args[0] {
				s.devices[i].FSType = "ext4"
				s.devices[i].UUID = "0a1b2c3d-data-disk"
			}
		}
	}
	return "", nil
}

func (s *dbSuite) config() DBConfig {
	clk := testclock.NewClock(time0)
	return DBConfig{
		Deps: Deps{
			Packages: s.packages,
			Services: s.services,
			Clock:    clk,
		},
		MongoSeries:   "7.0",
		UbuntuRelease: "jammy",
		PrivateIP:     "10.0.3.4",
		Volume: volume.Config{
			ExpectedSizeBytes: 128 * gib,
			MountPoint:        s.mountPoint,
			FstabPath:         s.fstabPath,
			Clock:             clk,
			Run:               s.runVolume,
			ListDevices: func() ([]blockdevice.BlockDevice, error) {
				devs := make([]blockdevice.BlockDevice, len(s.devices))
				copy(devs, s.devices)
				return devs, nil
			},
		},
		ReplicaSet: mongoboot.Config{
			ReplicaSetName: "rs0",
			SelfAddress:    "10.0.3.4:27017",
			Initiator:      false,
			Clock:          clk,
		},
		MongodConfPath: s.confPath,
	}
}

func (s *dbSuite) install(c *gc.C, config DBConfig) error {
	inst, err := NewDB(config)
	c.Assert(err, jc.ErrorIsNil)
	return inst.Install()
}

func (s *dbSuite) TestInstallSequence(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCallNames(c,
		"AddRepository", "EnsureInstalled", "EnsureEnabled", "EnsureRunning", "WaitHealthy")
	s.stub.CheckCall(c, 0, "AddRepository", "mongodb-org 7.0")
	s.stub.CheckCall(c, 1, "EnsureInstalled", []string{"mongodb-org"})
	s.stub.CheckCall(c, 4, "WaitHealthy", "mongod.service")
}

func (s *dbSuite) TestVolumePreparedBeforeDaemon(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.volumeRuns, gc.DeepEquals, []string{
		"mkfs.ext4 /dev/sdc",
		"mount " + s.mountPoint,
	})
	data, err := os.ReadFile(s.fstabPath)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), jc.Contains,
		"UUID=0a1b2c3d-data-disk "+s.mountPoint+" ext4 defaults,nofail 0 2")
}

func (s *dbSuite) TestDataDirsOwnedByMongo(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.chowned, jc.SameContents, []string{
		filepath.Join(s.mountPoint, "db"),
		filepath.Join(s.mountPoint, "log"),
	})
	for _, dir := range []string{"db", "log"} {
		info, err := os.Stat(filepath.Join(s.mountPoint, dir))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(info.IsDir(), jc.IsTrue)
	}
}

func (s *dbSuite) TestMongodConfRendered(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.mongodConf, gc.Equals, ""+
		"storage:\n"+
		"    dbPath: "+filepath.Join(s.mountPoint, "db")+"\n"+
		"systemLog:\n"+
		"    destination: file\n"+
		"    logAppend: true\n"+
		"    path: "+filepath.Join(s.mountPoint, "log", "mongod.log")+"\n"+
		"net:\n"+
		"    port: 27017\n"+
		"    bindIp: 127.0.0.1,10.0.3.4\n"+
		"replication:\n"+
		"    replSetName: rs0\n")
}

func (s *dbSuite) TestHealthCheckPingsOwnMongod(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.pinged, gc.DeepEquals, []string{"10.0.3.4:27017"})
}

func (s *dbSuite) TestVolumeFailureStopsBeforeDaemon(c *gc.C) {
	s.devices = nil

	err := s.install(c, s.config())
	c.Assert(err, gc.NotNil)
	c.Check(err, gc.ErrorMatches, "(?s).*no suitable data disk attached.*")
	s.stub.CheckCallNames(c, "AddRepository", "EnsureInstalled")
}

func (s *dbSuite) TestValidate(c *gc.C) {
	config := s.config()
	config.MongoSeries = ""
	_, err := NewDB(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.PrivateIP = ""
	_, err = NewDB(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.Volume.MountPoint = ""
	_, err = NewDB(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.ReplicaSet.ReplicaSetName = ""
	_, err = NewDB(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
