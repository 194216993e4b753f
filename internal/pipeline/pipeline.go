// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package pipeline ties the per-tier installers to the flag surface
// the ARM template drives. One invocation converges one node; the
// whole run happens under a host-level mutex so a re-delivered
// extension cannot race an execution already in flight.
package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mutex/v2"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/installer"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/mongoboot"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/packaging"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/pkglock"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/servicectl"
	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/volume"
)

var logger = loggo.GetLogger("nodeup.pipeline")

const (
	// RoleWeb, RoleApp and RoleDB are the accepted --role values.
	RoleWeb = "web"
	RoleApp = "app"
	RoleDB  = "db"

	mutexName    = "nodeup-provision"
	mutexDelay   = 250 * time.Millisecond
	mutexTimeout = 2 * time.Minute

	// Defaults for flags the ARM template usually leaves alone.
	DefaultNodeMajor     = 20
	DefaultMongoSeries   = "7.0"
	DefaultUbuntuRelease = "jammy"
)

// Params is the full flag surface of a nodeup run. Which fields are
// required depends on Role.
type Params struct {
	// Role selects the tier installer.
	Role string

	// IdempotencyTag is an opaque marker the orchestrator bumps to
	// force re-execution. It only ever reaches the log; equivalence
	// of end state on re-run is the contract, not tag bookkeeping.
	IdempotencyTag string

	// Web tier.
	AppBackendAddress string
	TenantID          string
	ClientID          string
	APIBaseURL        string

	// App tier.
	AppName          string
	NodeMajor        int
	AppPort          int
	ConnectionString string

	// DB tier.
	MountPoint     string
	DataDiskSizeGB int
	PrivateIP      string
	MongoSeries    string
	UbuntuRelease  string
	ReplicaSetName string
	Members        []mongoboot.Member
	Initiator      bool

	// Clock is the time source for every bounded wait; nil means the
	// wall clock.
	Clock clock.Clock
}

// ParseMembers parses the --rs-members flag,
// "host:port=priority[,host:port=priority...]".
func ParseMembers(spec string) ([]mongoboot.Member, error) {
	if spec == "" {
		return nil, nil
	}
	var members []mongoboot.Member
	for _, field := range strings.Split(spec, ",") {
		addr, prio, ok := strings.Cut(field, "=")
		if !ok || addr == "" {
			return nil, errors.NotValidf("replica set member %q", field)
		}
		priority, err := strconv.ParseFloat(prio, 64)
		if err != nil {
			return nil, errors.NotValidf("priority in member %q", field)
		}
		members = append(members, mongoboot.Member{
			Address:  addr,
			Priority: priority,
		})
	}
	return members, nil
}

// Validate checks that every field the selected role needs is set.
func (p Params) Validate() error {
	switch p.Role {
	case RoleWeb:
		if p.AppBackendAddress == "" {
			return errors.NotValidf("web role without --app-backend")
		}
		if p.TenantID == "" || p.ClientID == "" || p.APIBaseURL == "" {
			return errors.NotValidf("web role without tenant/client/api-base-url")
		}
	case RoleApp:
		if p.AppName == "" {
			return errors.NotValidf("app role without --app-name")
		}
		if p.ConnectionString == "" {
			return errors.NotValidf("app role without --connection-string")
		}
		if p.TenantID == "" || p.ClientID == "" {
			return errors.NotValidf("app role without tenant/client ids")
		}
	case RoleDB:
		if p.MountPoint == "" {
			return errors.NotValidf("db role without --mount-point")
		}
		if p.DataDiskSizeGB <= 0 {
			return errors.NotValidf("db role without --data-disk-size-gb")
		}
		if p.PrivateIP == "" {
			return errors.NotValidf("db role without --private-ip")
		}
		if p.ReplicaSetName == "" {
			return errors.NotValidf("db role without --rs-name")
		}
		if p.Initiator && len(p.Members) == 0 {
			return errors.NotValidf("replica set initiator without --rs-members")
		}
	case "":
		return errors.NotValidf("missing --role")
	default:
		return errors.NotValidf("role %q", p.Role)
	}
	return nil
}

func (p Params) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.WallClock
}

// Overloading points for tests.
var (
	acquireMutex = mutex.Acquire

	newWeb = installer.NewWeb
	newApp = installer.NewApp
	newDB  = installer.NewDB
)

// Run converges this node to its role. It is safe to call again after
// a failure or on a re-delivered extension; every step either
// verifies existing state or overwrites it with the same bytes.
func Run(params Params) error {
	if err := params.Validate(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("nodeup starting: role=%s idempotency-tag=%q", params.Role, params.IdempotencyTag)

	releaser, err := acquireMutex(mutex.Spec{
		Name:    mutexName,
		Clock:   params.clock(),
		Delay:   mutexDelay,
		Timeout: mutexTimeout,
	})
	if err != nil {
		return errors.Annotate(err, "another provisioning run holds the host mutex")
	}
	defer releaser.Release()

	inst, err := buildInstaller(params)
	if err != nil {
		return errors.Trace(err)
	}
	if err := inst.Install(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("nodeup finished: role=%s", params.Role)
	return nil
}

func buildInstaller(params Params) (installer.Installer, error) {
	clk := params.clock()
	lock, err := pkglock.NewCoordinator(pkglock.Config{
		Timeout:  pkglock.DefaultTimeout,
		Interval: pkglock.DefaultInterval,
		Clock:    clk,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	packages, err := packaging.NewManager(lock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	services, err := servicectl.NewManager(servicectl.Config{Clock: clk})
	if err != nil {
		return nil, errors.Trace(err)
	}
	deps := installer.Deps{
		Packages: packages,
		Services: services,
		Clock:    clk,
	}

	switch params.Role {
	case RoleWeb:
		return newWeb(installer.WebConfig{
			Deps:              deps,
			AppBackendAddress: params.AppBackendAddress,
			TenantID:          params.TenantID,
			ClientID:          params.ClientID,
			APIBaseURL:        params.APIBaseURL,
		})
	case RoleApp:
		nodeMajor := params.NodeMajor
		if nodeMajor == 0 {
			nodeMajor = DefaultNodeMajor
		}
		return newApp(installer.AppConfig{
			Deps:             deps,
			AppName:          params.AppName,
			NodeMajor:        nodeMajor,
			Port:             params.AppPort,
			ConnectionString: params.ConnectionString,
			TenantID:         params.TenantID,
			ClientID:         params.ClientID,
		})
	case RoleDB:
		series := params.MongoSeries
		if series == "" {
			series = DefaultMongoSeries
		}
		release := params.UbuntuRelease
		if release == "" {
			release = DefaultUbuntuRelease
		}
		return newDB(installer.DBConfig{
			Deps:          deps,
			MongoSeries:   series,
			UbuntuRelease: release,
			PrivateIP:     params.PrivateIP,
			Volume: volume.Config{
				ExpectedSizeBytes: uint64(params.DataDiskSizeGB) * 1024 * 1024 * 1024,
				MountPoint:        params.MountPoint,
				Clock:             clk,
			},
			ReplicaSet: mongoboot.Config{
				ReplicaSetName: params.ReplicaSetName,
				SelfAddress:    params.PrivateIP + ":27017",
				Members:        params.Members,
				Initiator:      params.Initiator,
				Clock:          clk,
			},
		})
	}
	// Validate already rejected anything else.
	return nil, errors.NotValidf("role %q", params.Role)
}
