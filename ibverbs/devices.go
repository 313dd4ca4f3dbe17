// Package ibverbs holds host-introspection helpers for RDMA devices that
// don't need to touch libibverbs directly: everything here reads sysfs
// and procfs so it can run on a box with no devices present (useful for
// config validation and the diagnostic CLI) without linking against
// libibverbs at all.
package ibverbs

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Device describes one RDMA device as reported under
// /sys/class/infiniband, the sysfs-only counterpart to util.h's
// get_avail_devices (which walks the ibv_get_device_list array instead).
type Device struct {
	Name       string
	ActivePorts []int
}

const infinibandClassPath = "/sys/class/infiniband"

// ListDevices enumerates every RDMA device sysfs knows about, without
// needing an open ibv_context.
func ListDevices() ([]Device, error) {
	entries, err := os.ReadDir(infinibandClassPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var devices []Device
	for _, e := range entries {
		d := Device{Name: e.Name()}
		ports, err := activePorts(e.Name())
		if err == nil {
			d.ActivePorts = ports
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// activePorts mirrors util.h's find_active_ports: for each numbered port
// directory under the device, a state file reports "4: ACTIVE" when the
// port is up.
func activePorts(device string) ([]int, error) {
	portsDir := filepath.Join(infinibandClassPath, device, "ports")
	entries, err := os.ReadDir(portsDir)
	if err != nil {
		return nil, err
	}

	var active []int
	for _, e := range entries {
		portNum, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stateFile := filepath.Join(portsDir, e.Name(), "state")
		b, err := os.ReadFile(stateFile)
		if err != nil {
			continue
		}
		if strings.Contains(string(b), "ACTIVE") {
			active = append(active, portNum)
		}
	}
	return active, nil
}

// NrHugepages reads /proc/sys/vm/nr_hugepages, mirroring
// Segment::GetNumHugePages for callers that only need the sysfs/procfs
// view (e.g. a preflight check before a huge-page segment is requested).
func NrHugepages() (int, error) {
	b, err := os.ReadFile("/proc/sys/vm/nr_hugepages")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
