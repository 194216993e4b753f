// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package installer

import (
	"net/http"
	"net/http/httptest"
	"os"
	"os/user"
	"path/filepath"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type appSuite struct {
	jujutesting.IsolationSuite

	stub     *jujutesting.Stub
	packages *fakePackages
	services *fakeServices

	username   string
	installDir string
	envFile    string
	chowned    []string
	server     *httptest.Server
}

var _ = gc.Suite(&appSuite{})

func (s *appSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &jujutesting.Stub{}
	s.packages = &fakePackages{stub: s.stub}
	s.services = &fakeServices{stub: s.stub}

	// The dotenv sink chowns to the service account, so the test app
	// runs as whoever runs the test.
	u, err := user.Current()
	c.Assert(err, jc.ErrorIsNil)
	s.username = u.Username

	dir := c.MkDir()
	s.installDir = filepath.Join(dir, "opt", s.username)
	s.envFile = filepath.Join(dir, "environment")

	s.chowned = nil
	s.PatchValue(&chown, func(path string, uid, gid int) error {
		s.chowned = append(s.chowned, path)
		return nil
	})
	s.PatchValue(&lookupUser, func(name string) (int, int, error) {
		return os.Getuid(), os.Getgid(), nil
	})

	s.server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	s.AddCleanup(func(*gc.C) { s.server.Close() })
}

func (s *appSuite) config() AppConfig {
	return AppConfig{
		Deps: Deps{
			Packages: s.packages,
			Services: s.services,
			Clock:    testclock.NewClock(time0),
		},
		AppName:          s.username,
		NodeMajor:        20,
		Port:             3000,
		ConnectionString: "mongodb://10.0.3.4:27017,10.0.3.5:27017/todo?replicaSet=rs0",
		TenantID:         "f00f-tenant",
		ClientID:         "beef-client",
		InstallDir:       s.installDir,
		EnvFilePath:      s.envFile,
		HealthURL:        s.server.URL + "/health",
	}
}

func (s *appSuite) install(c *gc.C, config AppConfig) error {
	inst, err := NewApp(config)
	c.Assert(err, jc.ErrorIsNil)
	return inst.Install()
}

func (s *appSuite) TestInstallSequence(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCallNames(c,
		"AddRepository", "EnsureInstalled", "WriteUnit", "EnsureRunning", "WaitHealthy")
	s.stub.CheckCall(c, 0, "AddRepository", "nodesource node 20.x")
	s.stub.CheckCall(c, 1, "EnsureInstalled", []string{"nodejs"})
	s.stub.CheckCall(c, 4, "WaitHealthy", s.username+".service")
}

func (s *appSuite) TestInstallDirOwnedByServiceAccount(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	info, err := os.Stat(s.installDir)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.IsDir(), jc.IsTrue)
	c.Check(s.chowned, jc.DeepEquals, []string{s.installDir})
}

func (s *appSuite) TestDotEnvContent(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	path := filepath.Join(s.installDir, ".env")
	info, err := os.Stat(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Mode().Perm(), gc.Equals, os.FileMode(0600))

	data, err := os.ReadFile(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals,
		"CLIENT_ID=beef-client\n"+
			"MONGODB_URI=mongodb://10.0.3.4:27017,10.0.3.5:27017/todo?replicaSet=rs0\n"+
			"NODE_ENV=production\n"+
			"PORT=3000\n"+
			"TENANT_ID=f00f-tenant\n")
}

func (s *appSuite) TestEnvironmentFileEnsured(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	data, err := os.ReadFile(s.envFile)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "NODE_ENV=\"production\"\n")
}

func (s *appSuite) TestUnitPointsAtDotEnv(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.services.wroteUnit, gc.Equals, s.username+".service")
	c.Check(s.services.wroteConf.ExecStart, gc.Equals, "/usr/bin/node server.js")
	c.Check(s.services.wroteConf.WorkingDirectory, gc.Equals, s.installDir)
	c.Check(s.services.wroteConf.User, gc.Equals, s.username)
	c.Check(s.services.wroteConf.EnvironmentFile, gc.Equals,
		filepath.Join(s.installDir, ".env"))
}

func (s *appSuite) TestExistingUserNotRecreated(c *gc.C) {
	var commands [][]string
	s.PatchValue(&runCommand, func(name string, args ...string) (string, error) {
		commands = append(commands, append([]string{name}, args...))
		return "", nil
	})

	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(commands, gc.HasLen, 0)
}

func (s *appSuite) TestMissingUserCreated(c *gc.C) {
	var commands [][]string
	s.PatchValue(&runCommand, func(name string, args ...string) (string, error) {
		commands = append(commands, append([]string{name}, args...))
		return "", nil
	})
	looked := 0
	s.PatchValue(&lookupUser, func(name string) (int, int, error) {
		looked++
		if looked == 1 {
			return 0, 0, errors.Errorf("user: unknown user %s", name)
		}
		return os.Getuid(), os.Getgid(), nil
	})

	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(commands, gc.HasLen, 1)
	c.Check(commands[0], gc.DeepEquals, []string{
		"useradd", "--system", "--no-create-home",
		"--shell", "/usr/sbin/nologin", s.username,
	})
}

func (s *appSuite) TestValidate(c *gc.C) {
	config := s.config()
	config.AppName = ""
	_, err := NewApp(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.ConnectionString = ""
	_, err = NewApp(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.NodeMajor = 0
	_, err = NewApp(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
