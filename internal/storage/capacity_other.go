//go:build !(linux || darwin || freebsd)

package storage

func freeBytes(dir string) (uint64, error) {
	return 0, ErrNotImplemented
}
