//go:build linux

package cpu

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// niceValues maps priorities to nice values. Negative values usually require CAP_SYS_NICE.
var niceValues = map[Priority]int{
	PriorityNormal:   0,
	PriorityMedium:   -5,
	PriorityHigh:     -10,
	PriorityRealtime: -20,
}

// setCurrentThreadAffinity restricts the current OS thread to the given CPUs. With strict, worker ith
// is pinned to a single CPU, chosen in round-robin order. It is a no-op if cpus is empty.
//
// The goroutine must be locked to its OS thread.
func setCurrentThreadAffinity(cpus []int, strict bool, ith int) error {
	if len(cpus) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	if strict {
		set.Set(cpus[ith%len(cpus)])
	} else {
		for _, cpu := range cpus {
			set.Set(cpu)
		}
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "sched_setaffinity(%v)", cpus)
	}
	return nil
}

// setCurrentThreadPriority sets the nice value of the current OS thread.
//
// The goroutine must be locked to its OS thread.
func setCurrentThreadPriority(priority Priority) error {
	nice := niceValues[priority]
	if nice == 0 {
		return nil
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
		return errors.Wrapf(err, "setpriority(%d)", nice)
	}
	return nil
}

// systemMemory returns the free and total physical memory.
func systemMemory() (free, total uint64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Freeram) * unit, uint64(info.Totalram) * unit
}
