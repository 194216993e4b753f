// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package servicectl

import (
	"bytes"
	"fmt"
	"path"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
)

// EtcSystemdDir is where rendered unit files are installed.
const EtcSystemdDir = "/etc/systemd/system"

// UnitConf describes a service unit to be rendered and installed.
type UnitConf struct {
	// Desc is the unit's Description.
	Desc string

	// ExecStart is the command line the unit runs.
	ExecStart string

	// WorkingDirectory and User apply to the spawned process.
	WorkingDirectory string
	User             string

	// EnvironmentFile, if set, points the unit at a dotenv file; this
	// is how injected configuration reaches the process without
	// baking values into the unit itself.
	EnvironmentFile string

	// Env holds literal environment assignments.
	Env map[string]string
}

// Validate returns an error if the conf cannot produce a valid unit.
func (c UnitConf) Validate() error {
	if c.Desc == "" {
		return errors.NotValidf("missing Desc")
	}
	if c.ExecStart == "" {
		return errors.NotValidf("missing ExecStart")
	}
	return nil
}

// serialize renders the systemd unit file.
func serialize(conf UnitConf) []byte {
	var buf bytes.Buffer
	buf.WriteString("[Unit]\n")
	fmt.Fprintf(&buf, "Description=%s\n", conf.Desc)
	buf.WriteString("After=network.target\n")

	buf.WriteString("\n[Service]\n")
	if conf.User != "" {
		fmt.Fprintf(&buf, "User=%s\n", conf.User)
	}
	if conf.WorkingDirectory != "" {
		fmt.Fprintf(&buf, "WorkingDirectory=%s\n", conf.WorkingDirectory)
	}
	if conf.EnvironmentFile != "" {
		fmt.Fprintf(&buf, "EnvironmentFile=%s\n", conf.EnvironmentFile)
	}
	keys := make([]string, 0, len(conf.Env))
	for k := range conf.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "Environment=%q\n", fmt.Sprintf("%s=%s", k, conf.Env[k]))
	}
	fmt.Fprintf(&buf, "ExecStart=%s\n", conf.ExecStart)
	buf.WriteString("Restart=on-failure\nRestartSec=5\n")

	buf.WriteString("\n[Install]\nWantedBy=multi-user.target\n")
	return buf.Bytes()
}

// WriteUnit installs a unit file for name, reloads systemd so it sees
// the file, and enables it. The write is a full overwrite; a unit left
// over from a previous run cannot carry stale settings.
func (m *Manager) WriteUnit(name string, conf UnitConf) error {
	if err := conf.Validate(); err != nil {
		return errors.Annotatef(err, "unit %q", name)
	}
	filename := path.Join(m.unitDir(), name+".service")
	if err := utils.AtomicWriteFile(filename, serialize(conf), 0644); err != nil {
		return errors.Annotatef(err, "writing unit file %q", filename)
	}

	conn, err := m.newConn()
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	if err := conn.Reload(); err != nil {
		return errors.Annotate(err, "systemd daemon reload")
	}
	if _, _, err := conn.EnableUnitFiles([]string{filename}, false, true); err != nil {
		return errors.Annotatef(err, "enabling %q", filename)
	}
	logger.Infof("installed unit %q", filename)
	return nil
}
