// Package virtqueue implements the driver side of a virtio queue as described
// in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// Both the split layout (descriptor table, available ring, used ring) and the
// packed layout (one descriptor ring with wrap counters) are supported. The
// layout is picked once when a [Virtqueue] is created and every later
// operation dispatches to it without re-checking.
//
// This package does not make assumptions about the device that consumes the
// queue. It allocates the queue structures in memory, hands out descriptor
// chains, publishes them and collects completions. Notifying the device is
// delegated to a [NotifyFunc] supplied by the transport.
//
// A [Virtqueue] is not safe for concurrent use. The intended model is one
// goroutine per queue.
package virtqueue
