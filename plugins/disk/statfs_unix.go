//go:build linux || darwin

package disk

import "syscall"

type fsUsage struct {
	Total uint64
	Free  uint64
}

func usage(path string) (fsUsage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return fsUsage{}, err
	}
	bsize := uint64(st.Bsize)
	return fsUsage{
		Total: st.Blocks * bsize,
		Free:  st.Bavail * bsize,
	}, nil
}
