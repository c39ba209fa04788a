//go:build !virtqueue_debug

package virtqueue

// violation reports a broken driver invariant. Release builds fail the
// offending operation and keep the queue running.
func violation(err error) error {
	return err
}
