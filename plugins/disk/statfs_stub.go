//go:build !linux && !darwin

package disk

import "errors"

type fsUsage struct {
	Total uint64
	Free  uint64
}

func usage(path string) (fsUsage, error) {
	return fsUsage{}, errors.New("disk: unsupported OS")
}
