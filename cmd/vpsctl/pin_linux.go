//go:build linux

package main

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// onPinnedThread runs fn on a goroutine locked to an OS thread whose
// affinity is restricted to one of the host CPUs this process may use. The
// thread is never unlocked and exits with the goroutine.
func onPinnedThread(cpu int, fn func(tid int) error) error {
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()

		var allowed unix.CPUSet
		if err := unix.SchedGetaffinity(0, &allowed); err != nil {
			done <- fmt.Errorf("pin core %d: %w", cpu, err)
			return
		}
		var set unix.CPUSet
		set.Set(nthCPU(&allowed, cpu))
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			done <- fmt.Errorf("pin core %d: %w", cpu, err)
			return
		}
		done <- fn(unix.Gettid())
	}()
	return <-done
}

// nthCPU returns the n-th CPU in set, wrapping around.
func nthCPU(set *unix.CPUSet, n int) int {
	count := set.Count()
	if count == 0 {
		return 0
	}
	n %= count
	for i := 0; i < len(set)*64; i++ {
		if !set.IsSet(i) {
			continue
		}
		if n == 0 {
			return i
		}
		n--
	}
	return 0
}
