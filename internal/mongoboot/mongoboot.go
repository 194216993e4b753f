// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package mongoboot performs the one-time replica set initiation on
// the designated initiator node. Whether the set needs initiating is
// always decided by asking mongod, never by local state, so the step
// is a pure no-op on every invocation after the first. Non-initiator
// nodes do nothing at all; they join once the initiator's command
// propagates membership through the replication protocol.
package mongoboot

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3"
	"github.com/juju/replicaset/v3"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("nodeup.mongoboot")

const (
	dialAttempts = 10
	dialDelay    = 5 * time.Second

	electionAttempts = 20
	electionDelay    = 6 * time.Second
)

// Overloading points for tests; the replicaset API works on concrete
// mgo sessions.
var (
	dialMongo = func(address string) (*mgo.Session, error) {
		session, err := mgo.DialWithInfo(&mgo.DialInfo{
			Addrs:   []string{address},
			Direct:  true,
			Timeout: 10 * time.Second,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return session, nil
	}
	currentConfig = func(session *mgo.Session) (*replicaset.Config, error) {
		return replicaset.CurrentConfig(session)
	}
	currentStatus = func(session *mgo.Session) (*replicaset.Status, error) {
		return replicaset.CurrentStatus(session)
	}
	initiate = func(session *mgo.Session, address, name string, tags map[string]string) error {
		return replicaset.Initiate(session, address, name, tags)
	}
	setMembers = func(session *mgo.Session, members []replicaset.Member) error {
		return replicaset.Set(session, members)
	}
)

// Member is one replica set member with its election priority.
type Member struct {
	// Address is host:port of the member's mongod.
	Address string

	// Priority weights leader election; the initiator is usually
	// given the highest value so the topology is predictable.
	Priority float64
}

// Config holds the dependencies and topology of a Bootstrapper.
type Config struct {
	// ReplicaSetName must match the replSetName mongod was started
	// with.
	ReplicaSetName string

	// SelfAddress is this node's mongod, dialed over localhost's
	// private address in direct mode.
	SelfAddress string

	// Members is the full intended membership, self included.
	Members []Member

	// Initiator marks the single node that issues the initiation
	// command. All others return immediately.
	Initiator bool

	// Clock is the time source used for waiting.
	Clock clock.Clock
}

// Validate returns an error if the configuration is incomplete.
func (c Config) Validate() error {
	if c.ReplicaSetName == "" {
		return errors.NotValidf("empty replica set name")
	}
	if c.SelfAddress == "" {
		return errors.NotValidf("empty self address")
	}
	if c.Initiator {
		if len(c.Members) == 0 {
			return errors.NotValidf("initiator without members")
		}
		self := false
		for _, m := range c.Members {
			if m.Address == c.SelfAddress {
				self = true
				break
			}
		}
		if !self {
			return errors.NotValidf("members list without self address %q", c.SelfAddress)
		}
	}
	if c.Clock == nil {
		return errors.NotValidf("nil clock")
	}
	return nil
}

// Bootstrapper drives a node's part in replica set formation.
type Bootstrapper struct {
	config Config
}

// NewBootstrapper returns a Bootstrapper for the supplied
// configuration.
func NewBootstrapper(config Config) (*Bootstrapper, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Bootstrapper{config: config}, nil
}

// Ensure brings the replica set to its configured state. On the
// initiator it initiates the set once and waits for a primary to be
// elected; everywhere else, and on an initiator whose set already has
// a configuration, it does nothing.
func (b *Bootstrapper) Ensure() error {
	if !b.config.Initiator {
		logger.Infof("not the replica set initiator; membership arrives via replication")
		return nil
	}

	session, err := b.dialWithRetry()
	if err != nil {
		return errors.Annotate(err, "dialing local mongod")
	}
	defer session.Close()

	cfg, err := currentConfig(session)
	if err == nil {
		if membershipMatches(cfg, b.config.Members) {
			logger.Infof("replica set %q already configured with %d members, nothing to do",
				cfg.Name, len(cfg.Members))
			return nil
		}
		// A previous run initiated the set but died before growing
		// it. Converge on the intended membership.
		logger.Infof("replica set %q has %d of %d members, applying membership",
			cfg.Name, len(cfg.Members), len(b.config.Members))
		if err := b.applyMembership(session); err != nil {
			return errors.Trace(err)
		}
		logger.Infof("replica set %q is stable", b.config.ReplicaSetName)
		return nil
	}
	if errors.Cause(err) != mgo.ErrNotFound {
		return errors.Annotate(err, "querying replica set configuration")
	}

	logger.Infof("initiating replica set %q from %s", b.config.ReplicaSetName, b.config.SelfAddress)
	if err := initiate(session, b.config.SelfAddress, b.config.ReplicaSetName, nil); err != nil {
		return errors.Annotate(err, "initiating replica set")
	}
	if err := b.waitForPrimary(session); err != nil {
		return errors.Trace(err)
	}
	if err := b.applyMembership(session); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("replica set %q is stable", b.config.ReplicaSetName)
	return nil
}

func (b *Bootstrapper) dialWithRetry() (*mgo.Session, error) {
	var session *mgo.Session
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			session, err = dialMongo(b.config.SelfAddress)
			return errors.Trace(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Infof("mongod not reachable yet (attempt %d): %v", attempt, lastError)
		},
		Attempts: dialAttempts,
		Delay:    dialDelay,
		Clock:    b.config.Clock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return session, nil
}

// waitForPrimary polls replica set status until a member reports the
// PRIMARY state.
func (b *Bootstrapper) waitForPrimary(session *mgo.Session) error {
	return errors.Trace(retry.Call(retry.CallArgs{
		Func: func() error {
			status, err := currentStatus(session)
			if err != nil {
				return errors.Trace(err)
			}
			for _, member := range status.Members {
				if member.State == replicaset.PrimaryState {
					return nil
				}
			}
			return errors.Errorf("no primary elected yet")
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Infof("waiting for primary election (attempt %d): %v", attempt, lastError)
		},
		Attempts: electionAttempts,
		Delay:    electionDelay,
		Clock:    b.config.Clock,
	}))
}

// membershipMatches reports whether the observed configuration already
// carries exactly the intended member addresses.
func membershipMatches(cfg *replicaset.Config, want []Member) bool {
	if len(cfg.Members) != len(want) {
		return false
	}
	have := set.NewStrings()
	for _, m := range cfg.Members {
		have.Add(m.Address)
	}
	for _, m := range want {
		if !have.Contains(m.Address) {
			return false
		}
	}
	return true
}

// applyMembership grows the single-member set produced by initiation
// to the full intended membership, with priorities. The initiator is
// given id 1 so it matches the member created by Initiate; the rest
// are numbered after it.
func (b *Bootstrapper) applyMembership(session *mgo.Session) error {
	members := make([]replicaset.Member, 0, len(b.config.Members))
	id := 1
	for _, m := range b.config.Members {
		var memberID int
		if m.Address == b.config.SelfAddress {
			memberID = 1
		} else {
			id++
			memberID = id
		}
		priority := m.Priority
		members = append(members, replicaset.Member{
			Id:       memberID,
			Address:  m.Address,
			Priority: &priority,
		})
	}
	if err := setMembers(session, members); err != nil {
		return errors.Annotate(err, "applying replica set membership")
	}
	return nil
}
