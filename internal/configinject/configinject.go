// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package configinject materializes deployment-time parameters into
// the runtime configuration artifacts a tier consumes: a process-wide
// environment file, an owner-only dotenv file, a static JSON document
// served to the browser client, and templated service configuration.
// Every sink fully regenerates its output, so nothing stale from an
// earlier run can linger, and changing configuration never requires
// rebuilding an application artifact.
package configinject

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("nodeup.configinject")

// Value is one configuration value. Secret values are written with
// the same fidelity as any other but are never echoed to the log.
type Value struct {
	Value  string
	Secret bool
}

// String returns the value for rendering. The Stringer contract is
// deliberately not implemented with redaction here; redaction is the
// logging call sites' job and they only ever log key names.
func (v Value) String() string {
	return v.Value
}

// Bundle is a set of configuration keys destined for one or more
// sinks.
type Bundle map[string]Value

// Plain returns a key→string map for template rendering.
func (b Bundle) Plain() map[string]string {
	m := make(map[string]string, len(b))
	for k, v := range b {
		m[k] = v.Value
	}
	return m
}

func (b Bundle) describe() string {
	keys := make([]string, 0, len(b))
	secrets := 0
	for k, v := range b {
		keys = append(keys, k)
		if v.Secret {
			secrets++
		}
	}
	sort.Strings(keys)
	return fmt.Sprintf("%d keys (%d secret): %s", len(b), secrets, strings.Join(keys, " "))
}

// Sink is one destination for a rendered configuration bundle.
type Sink interface {
	// Materialize writes the bundle to the sink's destination.
	Materialize(b Bundle) error
}

// Materialize renders the bundle into every sink. The first failing
// sink aborts; partially materialized configuration is reported, not
// rolled back.
func Materialize(b Bundle, sinks ...Sink) error {
	logger.Infof("materializing configuration: %s", b.describe())
	for _, sink := range sinks {
		if err := sink.Materialize(b); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// lookupUser resolves a user name to uid/gid; overloading point for
// tests, which do not run as root.
var lookupUser = func(name string) (uid, gid int, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	if uid, err = strconv.Atoi(u.Uid); err != nil {
		return 0, 0, errors.Trace(err)
	}
	if gid, err = strconv.Atoi(u.Gid); err != nil {
		return 0, 0, errors.Trace(err)
	}
	return uid, gid, nil
}

var chown = os.Chown

// EnvironmentSink maintains our keys in a process-wide environment
// file. Lines belonging to other writers are preserved; each of our
// keys is replaced in place if present, appended otherwise, so
// repeated runs converge instead of growing the file.
type EnvironmentSink struct {
	Path string
}

// Materialize implements Sink.
func (s EnvironmentSink) Materialize(b Bundle) error {
	var lines []string
	data, err := os.ReadFile(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	if err == nil && len(data) > 0 {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		line := fmt.Sprintf("%s=%q", key, b[key].Value)
		found := false
		for i, existing := range lines {
			if strings.HasPrefix(existing, key+"=") {
				lines[i] = line
				found = true
				break
			}
		}
		if !found {
			lines = append(lines, line)
		}
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := utils.AtomicWriteFile(s.Path, []byte(content), 0644); err != nil {
		return errors.Annotatef(err, "writing environment file %q", s.Path)
	}
	logger.Infof("wrote %d keys to %s", len(b), s.Path)
	return nil
}

// DotEnvSink overwrites a component-local dotenv file, readable by
// its owner only. This is where secrets such as the database
// connection string land.
type DotEnvSink struct {
	Path  string
	Owner string
}

// Materialize implements Sink.
func (s DotEnvSink) Materialize(b Bundle) error {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", key, b[key].Value)
	}
	if err := utils.AtomicWriteFile(s.Path, buf.Bytes(), 0600); err != nil {
		return errors.Annotatef(err, "writing dotenv file %q", s.Path)
	}
	if s.Owner != "" {
		uid, gid, err := lookupUser(s.Owner)
		if err != nil {
			return errors.Annotatef(err, "resolving owner of %q", s.Path)
		}
		if err := chown(s.Path, uid, gid); err != nil {
			return errors.Trace(err)
		}
	}
	logger.Infof("wrote %s (owner-only)", s.Path)
	return nil
}

// JSONSink overwrites a static JSON document fetched by the browser
// client at runtime, so client configuration changes never require a
// rebuild of the client bundle. Keys are emitted in stable order.
type JSONSink struct {
	Path string
}

// Materialize implements Sink.
func (s JSONSink) Materialize(b Bundle) error {
	data, err := json.MarshalIndent(b.Plain(), "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	if err := utils.AtomicWriteFile(s.Path, append(data, '\n'), 0644); err != nil {
		return errors.Annotatef(err, "writing %q", s.Path)
	}
	logger.Infof("wrote %s", s.Path)
	return nil
}

// TemplateSink renders a text template over the bundle. Rendering
// fails if the template references a key the bundle does not provide;
// a literal placeholder must never ship in production output.
type TemplateSink struct {
	Path     string
	Template string
	Mode     os.FileMode
}

// Materialize implements Sink.
func (s TemplateSink) Materialize(b Bundle) error {
	t, err := template.New(s.Path).Option("missingkey=error").Parse(s.Template)
	if err != nil {
		return errors.Annotatef(err, "parsing template for %q", s.Path)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, b.Plain()); err != nil {
		return errors.Annotatef(err, "rendering %q", s.Path)
	}
	mode := s.Mode
	if mode == 0 {
		mode = 0644
	}
	if err := utils.AtomicWriteFile(s.Path, buf.Bytes(), mode); err != nil {
		return errors.Annotatef(err, "writing %q", s.Path)
	}
	logger.Infof("wrote %s", s.Path)
	return nil
}
