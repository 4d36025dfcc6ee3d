//go:build !unix

package memory

func mapShared(name string, size int) ([]byte, int, error) {
	return nil, -1, ErrProviderUnavailable
}

func unmapShared(mem []byte, fd int) error {
	return ErrProviderUnavailable
}
