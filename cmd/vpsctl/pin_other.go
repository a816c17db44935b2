//go:build !linux

package main

import "runtime"

func onPinnedThread(cpu int, fn func(tid int) error) error {
	done := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		done <- fn(0)
	}()
	return <-done
}
