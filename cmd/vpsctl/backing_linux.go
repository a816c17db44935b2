//go:build linux

package main

import "github.com/tinyrange/vps/internal/pagepool"

func newMmapBacking(pages int) (backing, error) {
	return pagepool.NewMmapPool(pages, pagepool.DefaultPhysBase)
}
