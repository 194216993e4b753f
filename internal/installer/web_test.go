// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package installer

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type webSuite struct {
	jujutesting.IsolationSuite

	stub     *jujutesting.Stub
	packages *fakePackages
	services *fakeServices

	commands [][]string
	webRoot  string
	sitePath string
	server   *httptest.Server
}

var _ = gc.Suite(&webSuite{})

func (s *webSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &jujutesting.Stub{}
	s.packages = &fakePackages{stub: s.stub}
	s.services = &fakeServices{stub: s.stub}

	s.commands = nil
	s.PatchValue(&runCommand, func(name string, args ...string) (string, error) {
		s.commands = append(s.commands, append([]string{name}, args...))
		return "", nil
	})

	dir := c.MkDir()
	s.webRoot = filepath.Join(dir, "www")
	c.Assert(os.MkdirAll(s.webRoot, 0755), jc.ErrorIsNil)
	s.sitePath = filepath.Join(dir, "default")

	s.server = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	s.AddCleanup(func(*gc.C) { s.server.Close() })
}

func (s *webSuite) config() WebConfig {
	return WebConfig{
		Deps: Deps{
			Packages: s.packages,
			Services: s.services,
			Clock:    testclock.NewClock(time0),
		},
		AppBackendAddress: "10.0.2.100:3000",
		TenantID:          "f00f-tenant",
		ClientID:          "beef-client",
		APIBaseURL:        "http://10.0.1.100/api",
		WebRoot:           s.webRoot,
		SiteConfigPath:    s.sitePath,
		HealthURL:         s.server.URL + "/health",
	}
}

func (s *webSuite) install(c *gc.C, config WebConfig) error {
	inst, err := NewWeb(config)
	c.Assert(err, jc.ErrorIsNil)
	return inst.Install()
}

func (s *webSuite) TestInstallSequence(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	s.stub.CheckCallNames(c,
		"EnsureInstalled", "EnsureEnabled", "ReloadOrRestart", "WaitHealthy")
	s.stub.CheckCall(c, 0, "EnsureInstalled", []string{"nginx"})
	s.stub.CheckCall(c, 3, "WaitHealthy", "nginx.service")
}

func (s *webSuite) TestSiteConfigRendered(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	data, err := os.ReadFile(s.sitePath)
	c.Assert(err, jc.ErrorIsNil)
	content := string(data)
	c.Check(content, jc.Contains, "proxy_pass http://10.0.2.100:3000;")
	c.Check(content, jc.Contains, "root "+s.webRoot+";")
	c.Check(content, gc.Not(jc.Contains), "{{")
}

func (s *webSuite) TestClientConfigWritten(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)

	data, err := os.ReadFile(filepath.Join(s.webRoot, "config.json"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, `{
  "apiBaseUrl": "http://10.0.1.100/api",
  "clientId": "beef-client",
  "tenantId": "f00f-tenant"
}
`)
}

func (s *webSuite) TestConfigValidatedBeforeReload(c *gc.C) {
	err := s.install(c, s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.commands, gc.DeepEquals, [][]string{{"nginx", "-t"}})
}

func (s *webSuite) TestBadConfigStopsBeforeServiceTouch(c *gc.C) {
	s.PatchValue(&runCommand, func(name string, args ...string) (string, error) {
		return "nginx: [emerg] invalid host", errors.New("exit status 1")
	})

	err := s.install(c, s.config())
	c.Assert(err, gc.ErrorMatches, `nginx rejected the rendered config: nginx: \[emerg\] invalid host.*`)
	s.stub.CheckCallNames(c, "EnsureInstalled")
}

func (s *webSuite) TestPackageFailureIsFatal(c *gc.C) {
	s.stub.SetErrors(errors.New("no candidate"))

	err := s.install(c, s.config())
	c.Assert(err, gc.ErrorMatches, "no candidate")
	s.stub.CheckCallNames(c, "EnsureInstalled")
}

func (s *webSuite) TestValidate(c *gc.C) {
	config := s.config()
	config.AppBackendAddress = ""
	_, err := NewWeb(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.TenantID = ""
	_, err = NewWeb(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.Packages = nil
	_, err = NewWeb(config)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
