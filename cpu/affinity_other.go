//go:build !linux

package cpu

import (
	"sync"

	"k8s.io/klog/v2"
)

var logAffinityOnce sync.Once

// setCurrentThreadAffinity is not supported on this platform: the CPU mask is ignored.
func setCurrentThreadAffinity(cpus []int, strict bool, ith int) error {
	if len(cpus) > 0 {
		logAffinityOnce.Do(func() {
			klog.V(1).Infof("cpu: thread affinity not supported on this platform, CPU mask ignored")
		})
	}
	return nil
}

// setCurrentThreadPriority is not supported on this platform: workers run with the default priority.
func setCurrentThreadPriority(priority Priority) error {
	if priority != PriorityNormal {
		logAffinityOnce.Do(func() {
			klog.V(1).Infof("cpu: thread priority not supported on this platform, using the default")
		})
	}
	return nil
}

// systemMemory is not known on this platform.
func systemMemory() (free, total uint64) {
	return 0, 0
}
