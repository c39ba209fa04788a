//go:build virtqueue_debug

package virtqueue

// violation reports a broken driver invariant. Debug builds abort loudly.
func violation(err error) error {
	panic(err)
}
