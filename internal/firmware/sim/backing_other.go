//go:build !(darwin || linux || freebsd)

package sim

func allocateBacking(size uint64) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
