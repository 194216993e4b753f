// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

// Package volume locates the attached data disk and idempotently
// mounts it at the configured mount point. The fstab entry it writes
// is keyed on the filesystem UUID, never on the /dev/sdX path, because
// Azure does not guarantee device-letter stability across reboots.
package volume

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"
	"github.com/kballard/go-shellquote"
	"github.com/moby/sys/mountinfo"

	"github.com/hironariy/Azure-IaaS-Workshop-sub002/internal/blockdevice"
)

var logger = loggo.GetLogger("nodeup.volume")

const (
	mountAttempts = 5
	mountDelay    = 3 * time.Second

	// fallbackMinSizeBytes is the floor for the last-resort device
	// letter scan: big enough to exclude the resource disk on small
	// VM sizes.
	fallbackMinSizeBytes = 8 * 1024 * 1024 * 1024
)

// RunCommandFunc runs a command and returns its combined output.
type RunCommandFunc func(name string, args ...string) (string, error)

func execRun(name string, args ...string) (string, error) {
	logger.Debugf("running: %s", shellquote.Join(append([]string{name}, args...)...))
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return string(out), errors.Annotatef(err, "%s: %s", name, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// mounted reports whether path is currently a mount target.
var mounted = func(path string) (bool, error) {
	ok, err := mountinfo.Mounted(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	return ok, nil
}

// mountSource returns the source device of the mount at path.
var mountSource = func(path string) (string, error) {
	entries, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(path))
	if err != nil {
		return "", errors.Trace(err)
	}
	if len(entries) == 0 {
		return "", errors.NotFoundf("mount entry for %q", path)
	}
	return entries[0].Source, nil
}

// mkdirAll creates the mount point directory.
var mkdirAll = os.MkdirAll

// isBlockDevice reports whether path is a block-special file.
var isBlockDevice = func(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, errors.Trace(err)
	}
	return info.Mode()&os.ModeDevice != 0 && info.Mode()&os.ModeCharDevice == 0, nil
}

// Config holds the dependencies and tunables of a Resolver.
type Config struct {
	// ExpectedSizeBytes is the provisioned size of the data disk.
	ExpectedSizeBytes uint64

	// SizeTolerance is the fractional slack applied to
	// ExpectedSizeBytes; zero means blockdevice.DefaultSizeTolerance.
	SizeTolerance float64

	// MountPoint is where the data volume must end up mounted.
	MountPoint string

	// FstabPath is the mount table to persist the entry in; empty
	// means /etc/fstab.
	FstabPath string

	// Clock is the time source for mount-activation retries.
	Clock clock.Clock

	// Run executes external commands; nil means the real thing.
	Run RunCommandFunc

	// ListDevices enumerates attached disks; nil means the real thing.
	ListDevices func() ([]blockdevice.BlockDevice, error)
}

// Validate returns an error if the configuration is incomplete.
func (c Config) Validate() error {
	if c.ExpectedSizeBytes == 0 {
		return errors.NotValidf("zero expected size")
	}
	if c.MountPoint == "" {
		return errors.NotValidf("empty mount point")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil clock")
	}
	return nil
}

// Result reports what EnsureMounted found and did.
type Result struct {
	// UUID is the filesystem UUID the mount is keyed on.
	UUID string

	// DevicePath is the device backing the mount at resolution time.
	// Informational only; it may name a different letter next boot.
	DevicePath string

	// AlreadyMounted is true when the idempotency short-circuit hit.
	AlreadyMounted bool

	// Formatted is true when a filesystem was created on the device.
	Formatted bool
}

// Resolver discovers and mounts the node's data volume.
type Resolver struct {
	config Config
}

// NewResolver returns a Resolver for the supplied configuration.
func NewResolver(config Config) (*Resolver, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.SizeTolerance == 0 {
		config.SizeTolerance = blockdevice.DefaultSizeTolerance
	}
	if config.FstabPath == "" {
		config.FstabPath = "/etc/fstab"
	}
	if config.Run == nil {
		config.Run = execRun
	}
	if config.ListDevices == nil {
		config.ListDevices = blockdevice.ListBlockDevices
	}
	return &Resolver{config: config}, nil
}

// EnsureMounted makes the data volume available at the mount point and
// returns its identity. Re-running against a node whose volume is
// already mounted is a no-op. Any failure is fatal to the calling
// pipeline and carries full device and mount-table diagnostics.
func (r *Resolver) EnsureMounted() (Result, error) {
	// Idempotency short-circuit: a volume already mounted at the
	// target is left exactly as it is.
	ok, err := mounted(r.config.MountPoint)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if ok {
		result, err := r.verifyExisting()
		if err != nil {
			return Result{}, r.fatal(err)
		}
		logger.Infof("%s already mounted from %s, nothing to do", r.config.MountPoint, result.DevicePath)
		return result, nil
	}

	dev, err := r.selectDevice()
	if err != nil {
		return Result{}, r.fatal(err)
	}

	result := Result{DevicePath: dev.Path()}
	if !dev.HasFilesystem() {
		logger.Infof("creating filesystem on %s (%s)", dev.Path(), humanize.IBytes(dev.SizeBytes))
		if _, err := r.config.Run("mkfs.ext4", dev.Path()); err != nil {
			return Result{}, r.fatal(errors.Annotatef(err, "creating filesystem on %q", dev.Path()))
		}
		result.Formatted = true
		// Re-probe for the UUID the new filesystem was given.
		dev, err = r.reprobe(dev.DeviceName)
		if err != nil {
			return Result{}, r.fatal(err)
		}
	}
	if dev.UUID == "" {
		return Result{}, r.fatal(errors.Errorf("device %q has a filesystem but no UUID", dev.Path()))
	}
	result.UUID = dev.UUID

	if err := r.ensureFstab(dev); err != nil {
		return Result{}, r.fatal(err)
	}
	if err := r.mountWithRetry(); err != nil {
		return Result{}, r.fatal(err)
	}
	logger.Infof("mounted UUID=%s at %s", dev.UUID, r.config.MountPoint)
	return result, nil
}

// verifyExisting confirms that whatever is mounted at the target is
// backed by a real block device, and resolves its identity.
func (r *Resolver) verifyExisting() (Result, error) {
	source, err := mountSource(r.config.MountPoint)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	ok, err := isBlockDevice(source)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if !ok {
		return Result{}, errors.Errorf("%q is mounted from %q which is not a block device", r.config.MountPoint, source)
	}
	result := Result{DevicePath: source, AlreadyMounted: true}
	devices, err := r.config.ListDevices()
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	for _, dev := range devices {
		if dev.Path() == source {
			result.UUID = dev.UUID
			break
		}
	}
	return result, nil
}

// selectDevice picks the data disk, by size first and by the fixed
// device-letter scan as a fallback. A device carrying a filesystem and
// mounted in the wrong place is deliberately not unmounted; it fails
// loudly instead so an operator can decide what its data means.
func (r *Resolver) selectDevice() (blockdevice.BlockDevice, error) {
	devices, err := r.config.ListDevices()
	if err != nil {
		return blockdevice.BlockDevice{}, errors.Trace(err)
	}
	dev, err := blockdevice.SelectBySize(devices, r.config.ExpectedSizeBytes, r.config.SizeTolerance)
	if err == nil {
		return dev, nil
	}
	if !errors.IsNotFound(err) {
		return blockdevice.BlockDevice{}, errors.Trace(err)
	}
	logger.Warningf("no disk within %v of %s, falling back to device-letter scan",
		r.config.SizeTolerance, humanize.IBytes(r.config.ExpectedSizeBytes))
	dev, err = blockdevice.SelectFallback(devices, fallbackMinSizeBytes)
	if err != nil {
		return blockdevice.BlockDevice{}, errors.Annotate(err, "no suitable data disk attached")
	}
	return dev, nil
}

func (r *Resolver) reprobe(deviceName string) (blockdevice.BlockDevice, error) {
	devices, err := r.config.ListDevices()
	if err != nil {
		return blockdevice.BlockDevice{}, errors.Trace(err)
	}
	for _, dev := range devices {
		if dev.DeviceName == deviceName {
			return dev, nil
		}
	}
	return blockdevice.BlockDevice{}, errors.NotFoundf("device %q after formatting", deviceName)
}

// ensureFstab makes the mount table carry exactly one entry for the
// mount point, keyed on the filesystem UUID. Unrelated lines are
// preserved byte for byte.
func (r *Resolver) ensureFstab(dev blockdevice.BlockDevice) error {
	entry := fmt.Sprintf("UUID=%s %s ext4 defaults,nofail 0 2", dev.UUID, r.config.MountPoint)

	var lines []string
	data, err := os.ReadFile(r.config.FstabPath)
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	if err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	replaced := false
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[1] != r.config.MountPoint {
			continue
		}
		if line == entry {
			logger.Debugf("fstab entry for %s already current", r.config.MountPoint)
			return nil
		}
		lines[i] = entry
		replaced = true
		break
	}
	if !replaced {
		lines = append(lines,
			fmt.Sprintf("# %s was on %s during provisioning", r.config.MountPoint, dev.Path()),
			entry,
		)
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := utils.AtomicWriteFile(r.config.FstabPath, []byte(content), 0644); err != nil {
		return errors.Annotatef(err, "writing %q", r.config.FstabPath)
	}
	return nil
}

// mountWithRetry mounts the fstab entry, tolerating the race where
// systemd activates the freshly written entry first.
func (r *Resolver) mountWithRetry() error {
	if err := mkdirAll(r.config.MountPoint, 0755); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(retry.Call(retry.CallArgs{
		Func: func() error {
			ok, err := mounted(r.config.MountPoint)
			if err != nil {
				return errors.Trace(err)
			}
			if ok {
				// Lost the race with fstab activation; that is success.
				return nil
			}
			_, err = r.config.Run("mount", r.config.MountPoint)
			return errors.Trace(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			logger.Warningf("mount of %s not yet active (attempt %d): %v", r.config.MountPoint, attempt, lastError)
		},
		Attempts: mountAttempts,
		Delay:    mountDelay,
		Clock:    r.config.Clock,
	}))
}

// fatal decorates an unrecoverable resolution error with the device
// listing and mount table so the extension status is diagnosable
// without a shell on the box.
func (r *Resolver) fatal(err error) error {
	return errors.Annotatef(err, "resolving data volume for %s; diagnostics:\n%s",
		r.config.MountPoint, r.diagnostics())
}

func (r *Resolver) diagnostics() string {
	var b strings.Builder
	if devices, err := r.config.ListDevices(); err == nil {
		b.WriteString("block devices:\n")
		for _, dev := range devices {
			fmt.Fprintf(&b, "  %s size=%s fstype=%q uuid=%q mountpoint=%q\n",
				dev.Path(), humanize.IBytes(dev.SizeBytes), dev.FSType, dev.UUID, dev.MountPoint)
		}
	}
	if entries, err := mountinfo.GetMounts(nil); err == nil {
		b.WriteString("mount table:\n")
		for _, entry := range entries {
			fmt.Fprintf(&b, "  %s on %s type %s\n", entry.Source, entry.Mountpoint, entry.FSType)
		}
	}
	return b.String()
}
