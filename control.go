package vcrypto

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/virtqueue"
)

// Layout of the control scratch region. The device always reads the request
// and keys from, and writes the response to, the same addresses.
const (
	controlRequestOffset = 0
	controlInputOffset   = 128
	controlKeyOffset     = 256

	// controlKeySpace bounds the total key material of one command.
	controlKeySpace    = 16 << 10
	controlScratchSize = controlKeyOffset + controlKeySpace
)

// Response is the answer of the device to a control command.
type Response struct {
	// SessionID is assigned by the device when a session was created.
	SessionID uint64
	Status    header.Status
}

type controlMetrics struct {
	commands metrics.Counter
	failures metrics.Counter
	timeouts metrics.Counter
}

// ControlQueue exchanges session commands with the device, one at a time.
// It is safe for concurrent use.
type ControlQueue struct {
	mu      sync.Mutex
	vq      *virtqueue.Virtqueue
	scratch *virtqueue.Region
	segs    []virtqueue.Segment
	wedged  bool
	// closed is set once the queue was released, under mu.
	closed bool
	// aborted ends a wait without holding mu.
	aborted atomic.Bool

	clock        Clock
	timeout      time.Duration
	pollInterval time.Duration

	metrics controlMetrics
	l       *logrus.Logger
}

func newControlQueue(vq *virtqueue.Virtqueue, scratch *virtqueue.Region, opts *optionValues, r metrics.Registry) *ControlQueue {
	return &ControlQueue{
		vq:           vq,
		scratch:      scratch,
		segs:         make([]virtqueue.Segment, 0, 4),
		clock:        opts.clock,
		timeout:      opts.controlTimeout,
		pollInterval: opts.pollInterval,
		metrics: controlMetrics{
			commands: metrics.GetOrRegisterCounter("vcrypto.control.commands", r),
			failures: metrics.GetOrRegisterCounter("vcrypto.control.failures", r),
			timeouts: metrics.GetOrRegisterCounter("vcrypto.control.timeouts", r),
		},
		l: opts.l,
	}
}

// Index returns the queue index.
func (cq *ControlQueue) Index() uint16 {
	return cq.vq.Index()
}

// Wedged reports whether a command timed out and the queue is unusable.
func (cq *ControlQueue) Wedged() bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.wedged
}

// abort makes a waiting command give up. It does not take mu.
func (cq *ControlQueue) abort() {
	cq.aborted.Store(true)
}

// frame encodes p into the scratch region and returns the chain that
// carries it: the request, one segment per key and the response.
func (cq *ControlQueue) frame(p header.ControlParams) ([]virtqueue.Segment, []byte, error) {
	mem := cq.scratch.Bytes()

	req, err := header.NewControlRequest(p, 0).Encode(mem[controlRequestOffset:controlInputOffset])
	if err != nil {
		return nil, nil, err
	}
	segs := append(cq.segs[:0], readable(req))

	off := controlKeyOffset
	for _, key := range p.Keys() {
		if off+len(key) > controlScratchSize {
			return nil, nil, invalidOp("key material exceeds %d bytes", controlKeySpace)
		}
		k := mem[off : off+len(key)]
		copy(k, key)
		segs = append(segs, readable(k))
		// Keys stay 8-byte aligned.
		off += (len(key) + 7) &^ 7
	}

	var input []byte
	switch p.(type) {
	case *header.DestroySessionParams:
		input = mem[controlInputOffset : controlInputOffset+header.StatusLen]
		input[0] = statusUnset
	default:
		// The device overwrites the status with a real one.
		si := header.SessionInput{Status: statusUnset}
		if input, err = si.Encode(mem[controlInputOffset:controlKeyOffset]); err != nil {
			return nil, nil, err
		}
	}
	return append(segs, writable(input)), input, nil
}

// Command sends one control command and waits for the device to answer. A
// status other than OK is returned as a *[StatusError] together with the
// response. The wait ends with [ErrControlTimeout] after the configured
// timeout or when ctx is done, after which the queue is wedged. Nothing is
// sent when ctx is already done. A device stop while waiting returns an
// error matching [ErrNotStarted].
func (cq *ControlQueue) Command(ctx context.Context, p header.ControlParams) (Response, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return Response{}, ErrNotSetUp
	}
	if cq.wedged {
		return Response{}, ErrControlQueueWedged
	}
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("control command not sent: %w", err)
	}

	opcode := p.Opcode()
	l := cq.l.WithField("queue", cq.Index()).WithField("opcode", opcode)

	segs, input, err := cq.frame(p)
	if err != nil {
		return Response{}, err
	}

	id, err := cq.vq.Enqueue(segs, p, nil)
	if err != nil {
		// Only one command is ever in flight.
		return Response{}, fmt.Errorf("enqueue control command: %w", err)
	}
	cq.metrics.commands.Inc(1)

	if err = cq.vq.Notify(); err != nil {
		// The device may still pick the command up.
		cq.wedged = true
		l.WithError(err).Error("Failed to notify the control queue, control queue is wedged")
		return Response{}, err
	}

	if err = cq.wait(ctx, id); err != nil {
		if errors.Is(err, ErrNotStarted) {
			l.WithField("id", id).Info("Device stopped while a control command was waiting")
			return Response{}, err
		}
		cq.wedged = true
		cq.metrics.timeouts.Inc(1)
		l.WithError(err).WithField("id", id).Error("Control command did not complete, control queue is wedged")
		return Response{}, err
	}

	var resp Response
	if len(input) == header.SessionInputLen {
		var si header.SessionInput
		if err = si.Parse(input); err != nil {
			return Response{}, err
		}
		resp = Response{SessionID: si.SessionID, Status: si.Status}
	} else {
		resp = Response{Status: header.Status(input[0])}
	}

	if resp.Status != header.StatusOK {
		cq.metrics.failures.Inc(1)
		l.WithField("status", resp.Status).Info("Device refused control command")
		return resp, &StatusError{Opcode: opcode, Status: resp.Status}
	}

	l.WithField("session", resp.SessionID).Debug("Control command completed")
	return resp, nil
}

// wait polls the control queue until the chain with the given id was used.
func (cq *ControlQueue) wait(ctx context.Context, id uint16) error {
	var deadline time.Time
	if cq.timeout > 0 {
		deadline = cq.clock.Now().Add(cq.timeout)
	}

	for {
		for _, c := range cq.vq.PollUsed(0) {
			if c.ID == id {
				return nil
			}
		}

		if cq.aborted.Load() {
			return fmt.Errorf("%w: device stopped while waiting for the control command", ErrNotStarted)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrControlTimeout, err)
		}
		if !deadline.IsZero() && !cq.clock.Now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrControlTimeout, cq.timeout)
		}

		if cq.pollInterval > 0 {
			cq.clock.Sleep(cq.pollInterval)
		} else {
			runtime.Gosched()
		}
	}
}
