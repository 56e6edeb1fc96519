//go:build linux

package cputopo

import (
	"os"
	"path/filepath"
	"strings"
)

// physicalCount counts distinct (package, core) pairs in sysfs. Returns
// 0 when the topology tree is missing or unreadable.
func physicalCount() int {
	cpus, err := filepath.Glob("/sys/devices/system/cpu/cpu[0-9]*")
	if err != nil || len(cpus) == 0 {
		return 0
	}

	cores := make(map[string]struct{})
	for _, cpu := range cpus {
		pkg, err := os.ReadFile(filepath.Join(cpu, "topology", "physical_package_id"))
		if err != nil {
			continue
		}
		core, err := os.ReadFile(filepath.Join(cpu, "topology", "core_id"))
		if err != nil {
			continue
		}
		key := strings.TrimSpace(string(pkg)) + ":" + strings.TrimSpace(string(core))
		cores[key] = struct{}{}
	}
	return len(cores)
}
