package vcrypto

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/virtqueue"
)

type queueMetrics struct {
	enqueued     metrics.Counter
	completed    metrics.Counter
	failed       metrics.Counter
	malformed    metrics.Counter
	backpressure metrics.Counter
}

func newQueueMetrics(r metrics.Registry, index uint16) queueMetrics {
	name := func(n string) string {
		return fmt.Sprintf("vcrypto.queue.%d.%s", index, n)
	}
	return queueMetrics{
		enqueued:     metrics.GetOrRegisterCounter(name("enqueued"), r),
		completed:    metrics.GetOrRegisterCounter(name("completed"), r),
		failed:       metrics.GetOrRegisterCounter(name("failed"), r),
		malformed:    metrics.GetOrRegisterCounter(name("malformed"), r),
		backpressure: metrics.GetOrRegisterCounter(name("backpressure"), r),
	}
}

// QueueStats are the counters of a [DataQueue].
type QueueStats struct {
	Enqueued     int64
	Completed    int64
	Failed       int64
	Malformed    int64
	Backpressure int64
}

// DataQueue carries crypto operations to the device. It is not safe for
// concurrent use, the intended model is one goroutine per data queue.
type DataQueue struct {
	vq      *virtqueue.Virtqueue
	cookies *cookiePool
	framer  framer
	segs    []virtqueue.Segment

	// lastMalformed is the virtqueue malformed count already added to the
	// metrics.
	lastMalformed uint64
	metrics       queueMetrics

	l *logrus.Logger
}

func newDataQueue(vq *virtqueue.Virtqueue, cookies *cookiePool, f framer, r metrics.Registry, l *logrus.Logger) *DataQueue {
	return &DataQueue{
		vq:      vq,
		cookies: cookies,
		framer:  f,
		segs:    make([]virtqueue.Segment, 0, cookieSegments),
		metrics: newQueueMetrics(r, vq.Index()),
		l:       l,
	}
}

// Index returns the queue index.
func (q *DataQueue) Index() uint16 {
	return q.vq.Index()
}

// Virtqueue returns the underlying virtqueue.
func (q *DataQueue) Virtqueue() *virtqueue.Virtqueue {
	return q.vq
}

// FreeCount returns the number of free descriptors.
func (q *DataQueue) FreeCount() int {
	return q.vq.FreeCount()
}

// FreeCookies returns the number of operations that can be enqueued before
// the cookie pool runs dry.
func (q *DataQueue) FreeCookies() int {
	return q.cookies.available()
}

// InFlight returns the number of operations owned by the device.
func (q *DataQueue) InFlight() int {
	return q.vq.InFlight()
}

// Stats returns the queue counters.
func (q *DataQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued:     q.metrics.enqueued.Count(),
		Completed:    q.metrics.completed.Count(),
		Failed:       q.metrics.failed.Count(),
		Malformed:    q.metrics.malformed.Count(),
		Backpressure: q.metrics.backpressure.Count(),
	}
}

// Enqueue frames one operation and makes it available to the device without
// notifying it. A full queue returns an error matching [ErrBackpressure], an
// operation failing validation one matching [ErrInvalidOp]. In both cases
// the queue is unchanged.
func (q *DataQueue) Enqueue(op *Op) error {
	// An invalid op is reported as such even when the queue is full.
	if err := q.framer.validate(op); err != nil {
		return err
	}
	c, err := q.cookies.get()
	if err != nil {
		return err
	}

	segs, err := q.framer.frame(op, c, q.segs[:0])
	if err != nil {
		q.cookies.put(c)
		return err
	}

	if q.vq.Indirect() {
		_, err = q.vq.EnqueueIndirect(c.table, segs, op, c)
	} else {
		_, err = q.vq.Enqueue(segs, op, c)
	}
	if err != nil {
		q.cookies.put(c)
		if errors.Is(err, virtqueue.ErrNotEnoughFreeDescriptors) {
			return fmt.Errorf("%w: %w", ErrBackpressure, err)
		}
		return err
	}

	op.Status = OpStatusPending
	op.Length = 0
	q.metrics.enqueued.Inc(1)
	return nil
}

// EnqueueBurst enqueues operations until all are enqueued or the queue is
// full, then notifies the device once. It returns the number of enqueued
// operations. A full queue is not an error. An invalid operation stops the
// burst and is returned as an error after the operations before it were
// handed to the device.
func (q *DataQueue) EnqueueBurst(ops []*Op) (int, error) {
	var (
		n   int
		err error
	)
	for _, op := range ops {
		if err = q.Enqueue(op); err != nil {
			break
		}
		n++
	}

	if err != nil && IsBackpressure(err) {
		q.metrics.backpressure.Inc(1)
		q.l.WithField("queue", q.Index()).
			WithField("enqueued", n).
			WithField("requested", len(ops)).
			Debug("Data queue is full")
		err = nil
	}

	if n > 0 {
		if nerr := q.vq.Notify(); nerr != nil {
			return n, errors.Join(err, nerr)
		}
	}
	return n, err
}

// DequeueBurst returns up to max completed operations, or all of them when
// max is 0 or less, with their status set. Completions the device returned
// for unknown chains are counted as malformed and dropped.
func (q *DataQueue) DequeueBurst(max int) []*Op {
	completions := q.vq.PollUsed(max)
	q.syncMalformed()

	if len(completions) == 0 {
		return nil
	}

	ops := make([]*Op, 0, len(completions))
	for _, c := range completions {
		op := c.Request.(*Op)
		ck := c.Cookie.(*cookie)

		raw := header.Status(ck.status[0])
		status, known := opStatusFromDevice(raw)
		if !known {
			q.metrics.malformed.Inc(1)
			q.l.WithField("queue", q.Index()).
				WithField("id", c.ID).
				WithField("status", uint8(raw)).
				Warn("Device returned an unknown status")
		}

		op.Status = status
		op.Length = c.Length
		q.cookies.put(ck)

		q.metrics.completed.Inc(1)
		if status != OpStatusOK {
			q.metrics.failed.Inc(1)
		}
		ops = append(ops, op)
	}
	return ops
}

func (q *DataQueue) syncMalformed() {
	malformed := q.vq.Stats().Malformed
	if malformed > q.lastMalformed {
		q.metrics.malformed.Inc(int64(malformed - q.lastMalformed))
		q.lastMalformed = malformed
	}
}

// detach returns every operation still in flight with status
// [OpStatusNotProcessed] and resets the queue. The device must be stopped.
func (q *DataQueue) detach() []*Op {
	var ops []*Op
	for _, c := range q.vq.DetachUnused() {
		op := c.Request.(*Op)
		op.Status = OpStatusNotProcessed
		ops = append(ops, op)
		q.cookies.put(c.Cookie.(*cookie))
	}
	return ops
}
