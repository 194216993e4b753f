// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package blockdevice enumerates the block devices attached to the
// local machine and selects the one that carries the node's data
// volume. Device letters are not stable across reboots on Azure, so
// nothing here may key persistent state on a /dev/sdX path; selection
// works on size and the filesystem UUID is what callers persist.
package blockdevice

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("nodeup.blockdevice")

// BlockDevice describes one attached block device as reported by the
// kernel at enumeration time.
type BlockDevice struct {
	// DeviceName is the kernel name, e.g. "sdc". Unstable across
	// reboots; never persist it.
	DeviceName string

	// SizeBytes is the device capacity in bytes.
	SizeBytes uint64

	// FSType is the filesystem signature ("ext4", ...), or empty when
	// the device carries no recognizable filesystem.
	FSType string

	// UUID is the filesystem UUID, empty when FSType is empty.
	UUID string

	// MountPoint is where the device is currently mounted, or empty.
	MountPoint string
}

// Path returns the /dev path for the device.
func (d BlockDevice) Path() string {
	return "/dev/" + d.DeviceName
}

// IsMounted reports whether the device is mounted anywhere.
func (d BlockDevice) IsMounted() bool {
	return d.MountPoint != ""
}

// HasFilesystem reports whether the device carries a filesystem
// signature. A device with a signature must never be reformatted.
func (d BlockDevice) HasFilesystem() bool {
	return d.FSType != ""
}

// commandOutput calls cmd.Output; overloading point for tests.
var commandOutput = func(cmd *exec.Cmd) ([]byte, error) {
	return cmd.Output()
}

// ListBlockDevices returns the whole (non-virtual) disks attached to
// the machine, annotated with any filesystem signature found on them.
func ListBlockDevices() ([]BlockDevice, error) {
	out, err := commandOutput(exec.Command(
		"lsblk", "-b", "-d", "-n", "-o", "NAME,SIZE,TYPE,MOUNTPOINT",
	))
	if err != nil {
		return nil, errors.Annotate(err, "cannot list block devices")
	}
	devices, err := parseLsblk(string(out))
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i := range devices {
		fstype, uuid, err := probeFilesystem(devices[i].Path())
		if err != nil {
			return nil, errors.Annotatef(err, "probing %q", devices[i].Path())
		}
		devices[i].FSType = fstype
		devices[i].UUID = uuid
	}
	logger.Debugf("found %d disks: %v", len(devices), devices)
	return devices, nil
}

// parseLsblk parses `lsblk -b -d -n -o NAME,SIZE,TYPE,MOUNTPOINT`
// output, keeping only whole disks.
func parseLsblk(out string) ([]BlockDevice, error) {
	var devices []BlockDevice
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[2] != "disk" {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, errors.Annotatef(err, "parsing size of %q", fields[0])
		}
		dev := BlockDevice{
			DeviceName: fields[0],
			SizeBytes:  size,
		}
		if len(fields) > 3 {
			dev.MountPoint = fields[3]
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// probeFilesystem reads the filesystem signature of a device with
// blkid. A device with no signature is not an error; blkid signals it
// with exit status 2.
func probeFilesystem(path string) (fstype, uuid string, err error) {
	out, err := commandOutput(exec.Command("blkid", "-o", "export", path))
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 2 {
			return "", "", nil
		}
		return "", "", errors.Trace(err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "TYPE":
			fstype = value
		case "UUID":
			uuid = value
		}
	}
	return fstype, uuid, nil
}
