package facts

import (
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
)

// Hostname is the host's node name.
var Hostname = &Descriptor[string]{
	Name:    "server.Hostname",
	Command: Static("uname -n"),
	Process: firstLine,
}

// Which resolves the path of a command, "" when missing. Args: command.
var Which = &Descriptor[string]{
	Name: "server.Which",
	Command: func(a Args) string {
		return "command -v " + shellescape.Quote(a.String("command")) + " || true"
	},
	Process: firstLine,
}

// TmpDir is the host's $TMPDIR, "" when unset.
var TmpDir = &Descriptor[string]{
	Name:    "server.TmpDir",
	Command: Static("echo $TMPDIR"),
	Process: firstLine,
}

// OSRelease parses /etc/os-release into its key/value pairs.
var OSRelease = &Descriptor[map[string]string]{
	Name:              "server.OSRelease",
	Command:           Static("cat /etc/os-release 2>/dev/null || cat /usr/lib/os-release"),
	Default:           func() map[string]string { return map[string]string{} },
	UseDefaultOnError: true,
	Process: func(_ Args, lines []string) (map[string]string, error) {
		out := make(map[string]string)
		for _, line := range lines {
			key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if !ok || strings.HasPrefix(key, "#") {
				continue
			}
			out[key] = strings.Trim(value, `"'`)
		}
		return out, nil
	},
}

// MemoryInfo is parsed from /proc/meminfo.
type MemoryInfo struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb"`
	SwapFreeMB  int64 `json:"swap_free_mb"`
}

// Memory reports memory and swap sizes.
var Memory = &Descriptor[MemoryInfo]{
	Name:              "server.Memory",
	Command:           Static("cat /proc/meminfo"),
	UseDefaultOnError: true,
	Process: func(_ Args, lines []string) (MemoryInfo, error) {
		var info MemoryInfo
		for _, line := range lines {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}

			value, _ := strconv.ParseInt(fields[1], 10, 64)

			switch fields[0] {
			case "MemTotal:":
				info.TotalMB = value / 1024
			case "MemAvailable:":
				info.AvailableMB = value / 1024
			case "SwapTotal:":
				info.SwapTotalMB = value / 1024
			case "SwapFree:":
				info.SwapFreeMB = value / 1024
			}
		}
		return info, nil
	},
}

// CPUInfo is parsed from /proc/cpuinfo.
type CPUInfo struct {
	Model  string `json:"model"`
	Vendor string `json:"vendor"`
	Cores  int    `json:"cores"`
}

// CPU reports the processor model and count.
var CPU = &Descriptor[CPUInfo]{
	Name:              "server.CPU",
	Command:           Static("cat /proc/cpuinfo"),
	UseDefaultOnError: true,
	Process: func(_ Args, lines []string) (CPUInfo, error) {
		var info CPUInfo
		for _, line := range lines {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			key, value = strings.TrimSpace(key), strings.TrimSpace(value)

			switch key {
			case "model name":
				info.Model = value
			case "vendor_id":
				info.Vendor = value
			case "processor":
				info.Cores++
			}
		}
		return info, nil
	},
}

// Disk is one mounted filesystem as reported by df.
type Disk struct {
	Device      string `json:"device"`
	FSType      string `json:"fs_type"`
	MountPoint  string `json:"mount_point"`
	TotalGB     int64  `json:"total_gb"`
	UsedGB      int64  `json:"used_gb"`
	AvailableGB int64  `json:"available_gb"`
	UsePercent  int    `json:"use_percent"`
}

// Disks lists block-device backed filesystems.
var Disks = &Descriptor[[]Disk]{
	Name:            "server.Disks",
	Command:         Static("df -BG -T"),
	RequiresCommand: "df",
	Default:         func() []Disk { return []Disk{} },
	Process: func(_ Args, lines []string) ([]Disk, error) {
		disks := make([]Disk, 0)
		for _, line := range lines {
			if !strings.HasPrefix(line, "/") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 7 {
				continue
			}

			disk := Disk{
				Device:     fields[0],
				FSType:     fields[1],
				MountPoint: fields[6],
			}
			disk.TotalGB, _ = strconv.ParseInt(strings.TrimSuffix(fields[2], "G"), 10, 64)
			disk.UsedGB, _ = strconv.ParseInt(strings.TrimSuffix(fields[3], "G"), 10, 64)
			disk.AvailableGB, _ = strconv.ParseInt(strings.TrimSuffix(fields[4], "G"), 10, 64)
			disk.UsePercent, _ = strconv.Atoi(strings.TrimSuffix(fields[5], "%"))

			disks = append(disks, disk)
		}
		return disks, nil
	},
}

// NetworkInterface is one interface with its addresses.
type NetworkInterface struct {
	Name        string   `json:"name"`
	IPAddresses []string `json:"ip_addresses"`
}

// NetworkInterfaces lists non-loopback interfaces, in `ip` output order.
var NetworkInterfaces = &Descriptor[[]NetworkInterface]{
	Name:            "server.NetworkInterfaces",
	Command:         Static("ip -o addr show"),
	RequiresCommand: "ip",
	Default:         func() []NetworkInterface { return []NetworkInterface{} },
	Process: func(_ Args, lines []string) ([]NetworkInterface, error) {
		var order []string
		byName := make(map[string]*NetworkInterface)

		for _, line := range lines {
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}

			name := strings.TrimSuffix(fields[1], ":")
			if name == "lo" {
				continue
			}

			iface, ok := byName[name]
			if !ok {
				iface = &NetworkInterface{Name: name, IPAddresses: []string{}}
				byName[name] = iface
				order = append(order, name)
			}

			for i, field := range fields {
				if (field == "inet" || field == "inet6") && i+1 < len(fields) {
					addr, _, _ := strings.Cut(fields[i+1], "/")
					iface.IPAddresses = append(iface.IPAddresses, addr)
				}
			}
		}

		out := make([]NetworkInterface, 0, len(order))
		for _, name := range order {
			out = append(out, *byName[name])
		}
		return out, nil
	},
}

// DebPackages maps installed dpkg package names to versions.
var DebPackages = &Descriptor[map[string]string]{
	Name:            "deb.DebPackages",
	Command:         Static(`dpkg-query -W -f='${Package} ${Version}\n'`),
	RequiresCommand: "dpkg-query",
	Default:         func() map[string]string { return map[string]string{} },
	Process:         packageVersions,
}

// RpmPackages maps installed rpm package names to versions.
var RpmPackages = &Descriptor[map[string]string]{
	Name:            "rpm.RpmPackages",
	Command:         Static(`rpm -qa --queryformat '%{NAME} %{VERSION}-%{RELEASE}\n'`),
	RequiresCommand: "rpm",
	Default:         func() map[string]string { return map[string]string{} },
	Process:         packageVersions,
}

func packageVersions(_ Args, lines []string) (map[string]string, error) {
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		name, version, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || name == "" {
			continue
		}
		out[name] = version
	}
	return out, nil
}

func firstLine(_ Args, lines []string) (string, error) {
	return strings.TrimSpace(lines[0]), nil
}
