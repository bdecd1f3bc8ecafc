//go:build !linux

package pool

func pinThread(int) error {
	return nil
}
