//go:build !giouring
// +build !giouring

package backend

import "fmt"

// OpenFileURing is available when built with -tags giouring.
func OpenFileURing(path string) (*File, error) {
	return nil, fmt.Errorf("io_uring backend not enabled; build with -tags giouring")
}
