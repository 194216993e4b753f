// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// nodeup converges one workshop VM to its tier: web (nginx), app
// (Node.js API) or db (MongoDB replica set member). It is launched by
// the custom script extension with the topology passed as flags; all
// it assumes about the machine is Ubuntu, systemd and an apt mirror.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/pipeline"
)

var logger = loggo.GetLogger("nodeup")

const defaultLogFile = "/var/log/nodeup/nodeup.log"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		params  pipeline.Params
		members string
		debug   bool
		logFile string
		noLog   bool
	)

	f := gnuflag.NewFlagSetWithFlagKnownAs("nodeup", gnuflag.ContinueOnError, "option")
	f.SetOutput(os.Stderr)

	f.StringVar(&params.Role, "role", "", "tier to converge: web, app or db")
	f.StringVar(&params.IdempotencyTag, "idempotency-tag", "", "opaque redeploy marker, logged only")

	f.StringVar(&params.AppBackendAddress, "app-backend", "", "host:port of the app tier load balancer (web)")
	f.StringVar(&params.TenantID, "tenant-id", "", "Entra ID tenant (web, app)")
	f.StringVar(&params.ClientID, "client-id", "", "Entra ID application client id (web, app)")
	f.StringVar(&params.APIBaseURL, "api-base-url", "", "URL the browser client calls (web)")

	f.StringVar(&params.AppName, "app-name", "", "application and service account name (app)")
	f.IntVar(&params.NodeMajor, "node-major", 0, "Node.js major version, 0 for the default (app)")
	f.IntVar(&params.AppPort, "app-port", 0, "API listen port, 0 for the default (app)")
	f.StringVar(&params.ConnectionString, "connection-string", "", "MongoDB connection string (app)")

	f.StringVar(&params.MountPoint, "mount-point", "", "data volume mount point (db)")
	f.IntVar(&params.DataDiskSizeGB, "data-disk-size-gb", 0, "provisioned data disk size (db)")
	f.StringVar(&params.PrivateIP, "private-ip", "", "this node's vnet address (db)")
	f.StringVar(&params.MongoSeries, "mongo-series", "", "mongodb-org release series, empty for the default (db)")
	f.StringVar(&params.UbuntuRelease, "ubuntu-release", "", "apt suite for the mongo repo, empty for the default (db)")
	f.StringVar(&params.ReplicaSetName, "rs-name", "", "replica set name (db)")
	f.StringVar(&members, "rs-members", "", "host:port=priority[,...] full membership (db)")
	f.BoolVar(&params.Initiator, "rs-initiator", false, "this node initiates the replica set (db)")

	f.BoolVar(&debug, "debug", false, "log at TRACE instead of INFO")
	f.StringVar(&logFile, "log-file", defaultLogFile, "rotating log file location")
	f.BoolVar(&noLog, "no-log-file", false, "log to stderr only")

	if err := f.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if noLog {
		logFile = ""
	}
	if err := setupLogging(debug, logFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	var err error
	params.Members, err = pipeline.ParseMembers(members)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := pipeline.Run(params); err != nil {
		logger.Errorf("provisioning failed: %v", err)
		fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		return 1
	}
	return 0
}

// setupLogging sends everything to stderr for the extension's own
// capture and, unless disabled, to a rotating file that survives the
// extension's log truncation.
func setupLogging(debug bool, logFile string) error {
	level := "INFO"
	if debug {
		level = "TRACE"
	}
	if err := loggo.ConfigureLoggers("<root>=" + level); err != nil {
		return errors.Trace(err)
	}
	if logFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return errors.Trace(err)
	}
	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 2,
		Compress:   true,
	}
	err := loggo.RegisterWriter("file", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
	return errors.Trace(err)
}
