package sysinfo

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// DeviceModel builds the informational device string reported in hello and
// ip_info messages, e.g. "linux/amd64 Ubuntu 22.04 (Intel Xeon)".
func DeviceModel() string {
	model := fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)

	if info, err := host.Info(); err == nil && info.Platform != "" {
		model += " " + info.Platform
		if info.PlatformVersion != "" {
			model += " " + info.PlatformVersion
		}
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 && cpus[0].ModelName != "" {
		model += " (" + cpus[0].ModelName + ")"
	}

	return model
}

// Hostname is best-effort; an empty string when the OS won't say.
func Hostname() string {
	name, _ := os.Hostname()
	return name
}
