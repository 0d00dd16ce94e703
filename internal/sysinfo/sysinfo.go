// Package sysinfo reads host identity, resource usage and the live process
// table through gopsutil.
package sysinfo

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// Info identifies the machine to the server at auth time.
type Info struct {
	MachineID  string
	Hostname   string
	OSType     string
	OSVersion  string
	MACAddress string
	IPAddress  string
}

// Metrics is the resource usage sent with every heartbeat, in percent.
type Metrics struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Provider is the gopsutil-backed implementation of every collaborator the
// agent needs from the operating system.
type Provider struct {
	// DiskPath is the volume whose usage is reported. Defaults to the root
	// of the system drive.
	DiskPath string
	// CPUSample is how long CPU usage is measured for.
	CPUSample time.Duration
}

func NewProvider() *Provider {
	p := &Provider{DiskPath: "/", CPUSample: 200 * time.Millisecond}
	if runtime.GOOS == "windows" {
		p.DiskPath = `C:\`
	}
	return p
}

// Info returns whatever could be collected. The error joins every lookup
// that failed; callers may still use the partial result.
func (p *Provider) Info(ctx context.Context) (Info, error) {
	info := Info{OSType: runtime.GOOS}
	var errs []error

	h, err := host.InfoWithContext(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		info.MachineID = h.HostID
		info.Hostname = h.Hostname
		if h.Platform != "" {
			info.OSType = h.Platform
		}
		info.OSVersion = h.PlatformVersion
		if info.OSVersion == "" {
			info.OSVersion = h.KernelVersion
		}
	}

	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		info.MACAddress, info.IPAddress = primaryAddress(ifaces)
	}

	if info.MachineID == "" {
		info.MachineID = info.Hostname
	}
	return info, errors.Join(errs...)
}

// primaryAddress picks the first up, non-loopback interface with both a
// hardware address and an IPv4 address.
func primaryAddress(ifaces []gnet.InterfaceStat) (mac, ip string) {
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		for _, a := range iface.Addrs {
			addr := a.Addr
			if i := strings.IndexByte(addr, '/'); i >= 0 {
				addr = addr[:i]
			}
			parsed := net.ParseIP(addr)
			if parsed == nil || parsed.To4() == nil || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() {
				continue
			}
			return iface.HardwareAddr, parsed.String()
		}
	}
	return "", ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func (p *Provider) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	var errs []error

	if pct, err := cpu.PercentWithContext(ctx, p.CPUSample, false); err != nil {
		errs = append(errs, err)
	} else if len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		m.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, p.DiskPath); err != nil {
		errs = append(errs, err)
	} else {
		m.DiskPercent = du.UsedPercent
	}
	return m, errors.Join(errs...)
}
