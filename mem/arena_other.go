//go:build unix && !linux

package mem

func allocBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func releaseBacking([]byte) {}

func freeBacking([]byte) error {
	return nil
}
