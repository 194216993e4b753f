// Copyright 2026 the Azure IaaS Workshop authors.
// Licensed under the MIT licence, see LICENCE file for details.

package blockdevice

import (
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// DefaultSizeTolerance absorbs disk-provider rounding between the
// requested provisioned size and what the kernel reports, while
// staying tight enough to reject the OS and resource disks.
const DefaultSizeTolerance = 0.10

// fallbackDeviceNames are the device letters Azure assigns to the
// first few data disk LUNs, scanned when size matching finds nothing.
var fallbackDeviceNames = set.NewStrings("sdc", "sdd", "sde", "sdf")

// SelectBySize returns the unmounted disk whose size falls within
// expected±tolerance. Mounted devices are never candidates; in
// particular the ephemeral resource disk is always mounted (at /mnt)
// and must never be touched. When several disks qualify the one
// closest to the expected size wins, with device name as a
// deterministic tie-break.
func SelectBySize(devices []BlockDevice, expected uint64, tolerance float64) (BlockDevice, error) {
	if expected == 0 {
		return BlockDevice{}, errors.NotValidf("zero expected size")
	}
	margin := uint64(float64(expected) * tolerance)
	var candidates []BlockDevice
	for _, dev := range devices {
		if dev.IsMounted() {
			logger.Debugf("skipping %s: mounted at %q", dev.Path(), dev.MountPoint)
			continue
		}
		if delta(dev.SizeBytes, expected) > margin {
			logger.Debugf("skipping %s: size %s outside %s±%s",
				dev.Path(), humanize.IBytes(dev.SizeBytes), humanize.IBytes(expected), humanize.IBytes(margin))
			continue
		}
		candidates = append(candidates, dev)
	}
	if len(candidates) == 0 {
		return BlockDevice{}, errors.NotFoundf("unmounted disk of size %s±%s", humanize.IBytes(expected), humanize.IBytes(margin))
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := delta(candidates[i].SizeBytes, expected), delta(candidates[j].SizeBytes, expected)
		if di != dj {
			return di < dj
		}
		return candidates[i].DeviceName < candidates[j].DeviceName
	})
	return candidates[0], nil
}

// SelectFallback scans the usual Azure data-disk device letters for
// any unmounted disk of at least minSize bytes. It is the last-resort
// path for disks whose reported size drifted outside tolerance.
func SelectFallback(devices []BlockDevice, minSize uint64) (BlockDevice, error) {
	var candidates []BlockDevice
	for _, dev := range devices {
		if !fallbackDeviceNames.Contains(dev.DeviceName) {
			continue
		}
		if dev.IsMounted() || dev.SizeBytes < minSize {
			continue
		}
		candidates = append(candidates, dev)
	}
	if len(candidates) == 0 {
		return BlockDevice{}, errors.NotFoundf(
			"unmounted disk of at least %s on %v", humanize.IBytes(minSize), fallbackDeviceNames.SortedValues())
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DeviceName < candidates[j].DeviceName
	})
	return candidates[0], nil
}

func delta(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
