// Package device provides an in-memory virtio crypto device for tests. It
// reads and writes the rings of the driver directly, the way a device on the
// other side of the bus would, and executes requests with the crypto
// packages of the standard library.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/eventfd"
	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/util/virtio"
	"github.com/slackhq/vcrypto/virtqueue"
)

// DefaultFeatures are offered when nothing else is configured.
const DefaultFeatures = virtio.FeatureVersion1 | virtio.FeatureRingPacked | virtio.FeatureIndirectDescriptors |
	virtio.FeatureEventIndex | virtio.FeatureNotificationData

var ErrNotRunning = errors.New("device is not running")

type optionValues struct {
	features       virtio.Feature
	queueSize      uint16
	config         header.DeviceConfig
	rejectFeatures bool
	l              *logrus.Logger
}

// Option can be passed to [New] to influence the device.
type Option func(*optionValues)

// WithFeatures sets the offered features.
func WithFeatures(f virtio.Feature) Option {
	return func(o *optionValues) { o.features = f }
}

// WithQueueSize sets the size every queue reports. 0 makes every queue
// unavailable.
func WithQueueSize(n uint16) Option {
	return func(o *optionValues) { o.queueSize = n }
}

// WithConfig replaces the configuration space.
func WithConfig(c header.DeviceConfig) Option {
	return func(o *optionValues) { o.config = c }
}

// WithRejectedFeatures makes the device clear FEATURES_OK.
func WithRejectedFeatures() Option {
	return func(o *optionValues) { o.rejectFeatures = true }
}

// WithLogger sets the logger, by default nothing is logged.
func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.l = l }
}

// Crypto is an in-memory virtio crypto device. It implements the transport
// contract of the vcrypto package.
//
// Requests are executed synchronously when the driver notifies a queue,
// unless [Crypto.Serve] runs, which executes them on its own goroutine.
type Crypto struct {
	mu sync.Mutex

	offered        virtio.Feature
	features       virtio.Feature
	status         virtio.DeviceStatus
	config         header.DeviceConfig
	queueSize      uint16
	rejectFeatures bool

	rings       map[uint16]*ring
	sessions    map[uint64]*session
	nextSession uint64
	mapped      map[uint64]int

	held          map[uint16]bool
	forced        map[uint16]uint8
	notifications map[uint16]int
	lastData      map[uint16]uint32
	onControl     func(header.ControlParams)

	// doorbell is set while Serve runs.
	doorbell *eventfd.EventFD
	pending  map[uint16]bool

	l *logrus.Logger
}

// New creates a device with two data queues of 256 descriptors.
func New(options ...Option) *Crypto {
	opts := optionValues{
		features:  DefaultFeatures,
		queueSize: 256,
		config:    DefaultConfig(2),
	}
	for _, o := range options {
		o(&opts)
	}
	if opts.l == nil {
		opts.l = logrus.New()
		opts.l.Out = io.Discard
	}

	return &Crypto{
		offered:        opts.features,
		config:         opts.config,
		queueSize:      opts.queueSize,
		rejectFeatures: opts.rejectFeatures,
		rings:          map[uint16]*ring{},
		sessions:       map[uint64]*session{},
		nextSession:    1,
		mapped:         map[uint64]int{},
		held:           map[uint16]bool{},
		forced:         map[uint16]uint8{},
		notifications:  map[uint16]int{},
		lastData:       map[uint16]uint32{},
		pending:        map[uint16]bool{},
		l:              opts.l,
	}
}

func (d *Crypto) Features() (virtio.Feature, error) {
	return d.offered, nil
}

func (d *Crypto) SetFeatures(f virtio.Feature) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f&^d.offered != 0 {
		return fmt.Errorf("features %s were not offered", f&^d.offered)
	}
	d.features = f
	return nil
}

// Negotiated returns the features the driver accepted.
func (d *Crypto) Negotiated() virtio.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

func (d *Crypto) Status() (virtio.DeviceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, nil
}

func (d *Crypto) SetStatus(s virtio.DeviceStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s&virtio.StatusFeaturesOK != 0 && d.rejectFeatures {
		s &^= virtio.StatusFeaturesOK
	}
	d.status = s
	return nil
}

// Reset forgets every queue and session.
func (d *Crypto) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = virtio.StatusReset
	d.features = 0
	clear(d.rings)
	clear(d.sessions)
	clear(d.pending)
	return nil
}

func (d *Crypto) ReadConfig(offset int, b []byte) error {
	buf := make([]byte, header.ConfigLen)
	d.mu.Lock()
	_, err := d.config.Encode(buf)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(b) > len(buf) {
		return fmt.Errorf("config read of %d bytes at %d is out of range", len(b), offset)
	}
	copy(b, buf[offset:])
	return nil
}

// QueueSize reports the same size for every queue up to the control queue.
func (d *Crypto) QueueSize(index uint16) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint32(index) > d.config.MaxDataQueues {
		return 0, nil
	}
	return d.queueSize, nil
}

func (d *Crypto) SetupQueue(vq *virtqueue.Virtqueue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rings[vq.Index()]; ok {
		return fmt.Errorf("queue %d is already set up", vq.Index())
	}
	d.rings[vq.Index()] = newRing(vq)
	return nil
}

func (d *Crypto) DeleteQueue(vq *virtqueue.Virtqueue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rings, vq.Index())
	return nil
}

// NotifyQueue processes the queue, or hands it to Serve when it runs.
func (d *Crypto) NotifyQueue(vq *virtqueue.Virtqueue, data uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	index := vq.Index()
	d.notifications[index]++
	d.lastData[index] = data

	if d.doorbell != nil {
		d.pending[index] = true
		return d.doorbell.Kick()
	}
	if d.held[index] {
		return nil
	}
	return d.process(index)
}

func (d *Crypto) MapMemory(address uint64, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mapped[address]; ok {
		return fmt.Errorf("memory at %#x is already mapped", address)
	}
	d.mapped[address] = size
	return nil
}

func (d *Crypto) UnmapMemory(address uint64, size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mapped[address] != size {
		return fmt.Errorf("memory at %#x of %d bytes is not mapped", address, size)
	}
	delete(d.mapped, address)
	return nil
}

// Mapped returns the number of mapped regions.
func (d *Crypto) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mapped)
}

// Sessions returns the number of open sessions.
func (d *Crypto) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Notifications returns how often the queue was notified and the last
// notification data word.
func (d *Crypto) Notifications(index uint16) (int, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notifications[index], d.lastData[index]
}

// Hold stops processing the queue on notification until [Crypto.Release].
func (d *Crypto) Hold(index uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[index] = true
}

// Release processes everything the driver made available on a held queue
// and resumes processing on notification.
func (d *Crypto) Release(index uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, index)
	return d.process(index)
}

// ForceStatus makes the device write status instead of the real result for
// every data request of the queue. Any byte can be written, including ones
// the protocol does not define.
func (d *Crypto) ForceStatus(index uint16, status uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forced[index] = status
}

// ClearForcedStatus undoes [Crypto.ForceStatus].
func (d *Crypto) ClearForcedStatus(index uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.forced, index)
}

// OnControl registers a function that runs while a control request is
// executed.
func (d *Crypto) OnControl(f func(header.ControlParams)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onControl = f
}

// CompleteBogus marks an id used that was never made available. Only split
// rings are supported, a packed ring can not skip a slot without the driver
// noticing.
func (d *Crypto) CompleteBogus(index uint16, id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rings[index]
	if !ok {
		return fmt.Errorf("queue %d is not set up", index)
	}
	if r.packed {
		return errors.New("bogus completions need a split ring")
	}
	r.pushSplit(id, 0)
	return nil
}

// Serve executes requests on its own goroutine until ctx is done.
// Notifications are delivered through an eventfd.
func (d *Crypto) Serve(ctx context.Context) error {
	doorbell, err := eventfd.New()
	if err != nil {
		return err
	}
	defer doorbell.Close()

	ep, err := eventfd.NewEpoll()
	if err != nil {
		return err
	}
	defer ep.Close()
	if err = ep.Add(doorbell.FD()); err != nil {
		return err
	}

	d.mu.Lock()
	if d.doorbell != nil {
		d.mu.Unlock()
		return errors.New("device is already served")
	}
	d.doorbell = doorbell
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.doorbell = nil
		d.mu.Unlock()
	}()

	for ctx.Err() == nil {
		fds, err := ep.Wait(10 * time.Millisecond)
		if err != nil {
			return err
		}
		if len(fds) == 0 {
			continue
		}
		if _, err = doorbell.Drain(); err != nil {
			return err
		}

		d.mu.Lock()
		for index := range d.pending {
			delete(d.pending, index)
			if d.held[index] {
				continue
			}
			if err = d.process(index); err != nil {
				d.l.WithError(err).WithField("queue", index).Error("Failed to process queue")
			}
		}
		d.mu.Unlock()
	}
	return nil
}

// process executes every chain the driver made available on the queue. d.mu
// must be held.
func (d *Crypto) process(index uint16) error {
	r, ok := d.rings[index]
	if !ok {
		return fmt.Errorf("queue %d is not set up", index)
	}
	if d.status&virtio.StatusDriverOK == 0 {
		return ErrNotRunning
	}

	chains, err := r.pop()
	for _, c := range chains {
		r.push(c, d.handle(index, c))
	}
	if !r.packed && d.features.Has(virtio.FeatureEventIndex) {
		// Ask for a notification as soon as anything new is available.
		r.setAvailEvent()
	}
	return err
}

// handle executes one chain and returns the number of bytes written.
func (d *Crypto) handle(index uint16, c chain) uint32 {
	for _, s := range c.segments {
		if !d.isMapped(s.addr, s.length) {
			d.l.WithField("queue", index).WithField("address", s.addr).Warn("Request uses unmapped memory")
			return 0
		}
	}

	readable, writable := c.readable(), c.writable()
	if len(readable) == 0 || len(writable) == 0 {
		return 0
	}

	in := gather(readable)
	out := capacity(writable)

	if uint32(index) == d.config.MaxDataQueues {
		return uint32(scatter(writable, d.control(in, out)))
	}

	res := d.data(index, in, out)
	b := make([]byte, out)
	copy(b, res.out)
	b[out-1] = byte(res.status)
	if forced, ok := d.forced[index]; ok {
		b[out-1] = forced
	}
	// Everything up to the status byte counts as written.
	return uint32(scatter(writable, b))
}

func (d *Crypto) isMapped(addr uint64, length uint32) bool {
	for base, size := range d.mapped {
		if addr >= base && addr+uint64(length) <= base+uint64(size) {
			return true
		}
	}
	return false
}

func (d *Crypto) data(index uint16, in []byte, capacity int) result {
	req, err := header.ParseDataRequest(in)
	if err != nil {
		d.l.WithError(err).WithField("queue", index).Info("Invalid data request")
		return fail(header.StatusBadMsg)
	}

	res := d.execute(req, in[header.DataRequestLen:])
	if len(res.out)+header.StatusLen > capacity {
		return fail(header.StatusBadMsg)
	}
	d.l.WithField("queue", index).WithField("request", req).WithField("status", res.status).Debug("Executed data request")
	return res
}

// control executes a control request and returns the session input or the
// status byte.
func (d *Crypto) control(in []byte, capacity int) []byte {
	status := func(s header.Status) []byte {
		if capacity == header.StatusLen {
			return []byte{byte(s)}
		}
		b := make([]byte, header.SessionInputLen)
		si := header.SessionInput{Status: s}
		_, _ = si.Encode(b)
		return b
	}

	req, err := header.ParseControlRequest(in)
	if err != nil {
		d.l.WithError(err).Info("Invalid control request")
		return status(header.StatusBadMsg)
	}

	// Keys follow the request in the order the parameters list them.
	keys := in[header.ControlRequestLen:]
	for _, k := range req.Params.Keys() {
		if len(keys) < len(k) {
			return status(header.StatusBadMsg)
		}
		copy(k, keys)
		keys = keys[len(k):]
	}

	if d.onControl != nil {
		d.onControl(req.Params)
	}

	if p, ok := req.Params.(*header.DestroySessionParams); ok {
		if capacity != header.StatusLen {
			return status(header.StatusBadMsg)
		}
		s, ok := d.sessions[p.SessionID]
		if !ok || s.service != p.Service {
			return status(header.StatusInvSess)
		}
		delete(d.sessions, p.SessionID)
		return status(header.StatusOK)
	}

	if capacity < header.SessionInputLen {
		return status(header.StatusBadMsg)
	}
	if !d.config.HasService(req.Params.Opcode().Service()) {
		return status(header.StatusNotSupp)
	}

	id := d.nextSession
	d.nextSession++
	d.sessions[id] = &session{service: req.Params.Opcode().Service(), params: req.Params}

	b := make([]byte, header.SessionInputLen)
	si := header.SessionInput{SessionID: id, Status: header.StatusOK}
	_, _ = si.Encode(b)
	d.l.WithField("session", id).WithField("request", req).Debug("Created session")
	return b
}
