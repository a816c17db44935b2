//go:build !linux

package main

import "fmt"

func newMmapBacking(pages int) (backing, error) {
	return nil, fmt.Errorf("mmap backing is only available on linux")
}
