package vcrypto

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/util/virtio"
	"github.com/slackhq/vcrypto/virtqueue"
)

// baseFeatures are requested from every device. Ring features are added
// according to the options.
const baseFeatures = virtio.FeatureVersion1 | virtio.FeatureAccessPlatform | virtio.FeatureOrderPlatform

// Info describes an initialized device.
type Info struct {
	Features virtio.Feature
	Config   header.DeviceConfig

	// MaxBufferSize is the largest buffer a data operation may use.
	MaxBufferSize int
	// DataQueues is the number of data queues that are set up.
	DataQueues int

	Packed           bool
	Indirect         bool
	EventIndex       bool
	NotificationData bool
	Started          bool
}

// Device is the driver of a virtio crypto device. It negotiates features
// through a [Transport], sets up the data queues and the control queue and
// manages sessions.
//
// The lifecycle is [New], [Device.Setup], [Device.Start], then any number of
// [Device.Stop] and [Device.Setup] cycles. Data queues must be quiet while
// the device is stopped.
type Device struct {
	t    Transport
	opts optionValues

	mu            sync.Mutex
	initialized   bool
	started       bool
	features      virtio.Feature
	config        header.DeviceConfig
	maxBufferSize int

	// queues holds every virtqueue that is registered with the transport.
	queues  map[*virtqueue.Virtqueue]struct{}
	regions []*virtqueue.Region
	data    []*DataQueue
	control *ControlQueue

	l *logrus.Logger
}

// New initializes the device behind t: reset, feature negotiation and the
// configuration space check. Queues are set up by [Device.Setup].
func New(t Transport, options ...Option) (*Device, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.registry == nil {
		opts.registry = metrics.NewRegistry()
	}

	d := &Device{
		t:      t,
		opts:   opts,
		queues: map[*virtqueue.Virtqueue]struct{}{},
		l:      opts.l,
	}
	if err := d.initialize(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) requestedFeatures() virtio.Feature {
	f := baseFeatures
	if d.opts.packed {
		f |= virtio.FeatureRingPacked
	}
	if d.opts.indirect {
		f |= virtio.FeatureIndirectDescriptors
	}
	if d.opts.eventIndex {
		f |= virtio.FeatureEventIndex
	}
	if d.opts.notificationData {
		f |= virtio.FeatureNotificationData
	}
	return f
}

// initialize walks the device through reset, feature negotiation and the
// config space check. A failure leaves the device in the FAILED state.
func (d *Device) initialize() (err error) {
	t := d.t
	d.initialized = false

	defer func() {
		if err == nil {
			return
		}
		if serr := t.SetStatus(virtio.StatusFailed); serr != nil {
			d.l.WithError(serr).Warn("Failed to mark the device as failed")
		}
	}()

	if err = t.Reset(); err != nil {
		return fmt.Errorf("reset device: %w", err)
	}

	status := virtio.StatusAcknowledge
	if err = t.SetStatus(status); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	status |= virtio.StatusDriver
	if err = t.SetStatus(status); err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	offered, err := t.Features()
	if err != nil {
		return fmt.Errorf("get features: %w", err)
	}
	features := d.requestedFeatures() & offered
	if !features.Has(virtio.FeatureVersion1) {
		return fmt.Errorf("%w: device does not offer %s", ErrFeatureNegotiation, virtio.FeatureVersion1)
	}
	if err = t.SetFeatures(features); err != nil {
		return fmt.Errorf("set features: %w", err)
	}

	status |= virtio.StatusFeaturesOK
	if err = t.SetStatus(status); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	got, err := t.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if got&virtio.StatusFeaturesOK == 0 {
		return fmt.Errorf("%w: device did not accept %s", ErrFeatureNegotiation, features)
	}

	b := make([]byte, header.ConfigLen)
	if err = t.ReadConfig(0, b); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var cfg header.DeviceConfig
	if err = cfg.Parse(b); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if !cfg.Ready() {
		return ErrDeviceNotReady
	}
	// The control queue follows the data queues.
	if cfg.MaxDataQueues == 0 || cfg.MaxDataQueues >= math.MaxUint16 {
		return fmt.Errorf("%w: invalid data queue count %d", ErrDeviceNotReady, cfg.MaxDataQueues)
	}

	d.features = features
	d.config = cfg
	d.maxBufferSize = d.bufferLimit()
	d.initialized = true

	d.l.WithField("features", features).
		WithField("offered", offered).
		WithField("config", cfg.String()).
		Info("Device initialized")
	return nil
}

// bufferLimit is the configured limit capped by what the device reports.
func (d *Device) bufferLimit() int {
	limit := d.opts.maxBufferSize
	deviceLimit := d.config.MaxSize
	if deviceLimit > math.MaxInt32 {
		deviceLimit = math.MaxInt32
	}

	switch {
	case deviceLimit == 0 && limit == 0:
		return DefaultMaxBufferSize
	case deviceLimit == 0:
		return limit
	case limit == 0 || uint64(limit) > deviceLimit:
		return int(deviceLimit)
	}
	return limit
}

func (d *Device) queueOptions(limit int) []virtqueue.Option {
	f := d.features
	return []virtqueue.Option{
		virtqueue.WithPacked(f.Has(virtio.FeatureRingPacked)),
		virtqueue.WithWeakBarriers(!f.Has(virtio.FeatureOrderPlatform)),
		virtqueue.WithIndirect(f.Has(virtio.FeatureIndirectDescriptors)),
		virtqueue.WithEventIndex(f.Has(virtio.FeatureEventIndex)),
		virtqueue.WithNotificationData(f.Has(virtio.FeatureNotificationData)),
		virtqueue.WithDescriptorLimit(limit),
		virtqueue.WithLogger(d.l),
	}
}

// QueueSetup creates the virtqueue with the given index and registers it
// with the transport. nbDesc limits the number of usable descriptors, 0 or a
// value above the queue size uses the whole queue.
func (d *Device) QueueSetup(index uint16, nbDesc int) (*virtqueue.Virtqueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil, ErrNotSetUp
	}
	return d.queueSetup(index, nbDesc)
}

func (d *Device) queueSetup(index uint16, nbDesc int) (*virtqueue.Virtqueue, error) {
	size, err := d.t.QueueSize(index)
	if err != nil {
		return nil, fmt.Errorf("get size of queue %d: %w", index, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("queue %d: %w", index, ErrQueueNotAvailable)
	}
	if err = virtqueue.CheckQueueSize(int(size)); err != nil {
		return nil, fmt.Errorf("queue %d: %w", index, err)
	}

	limit := nbDesc
	if limit <= 0 || limit > int(size) {
		limit = int(size)
	}

	vq, err := virtqueue.New(index, int(size), d.queueOptions(limit)...)
	if err != nil {
		return nil, fmt.Errorf("create queue %d: %w", index, err)
	}
	vq.SetNotifier(func(data uint32) error {
		return d.t.NotifyQueue(vq, data)
	})

	if err = d.t.SetupQueue(vq); err != nil {
		_ = vq.Close()
		return nil, fmt.Errorf("set up queue %d: %w", index, err)
	}
	d.queues[vq] = struct{}{}

	d.l.WithField("queue", index).
		WithField("size", size).
		WithField("descriptors", limit).
		WithField("packed", vq.Packed()).
		Debug("Queue set up")
	return vq, nil
}

// QueueRelease deregisters the queue from the transport and frees its ring
// memory. Releasing a queue twice is a no-op.
func (d *Device) QueueRelease(vq *virtqueue.Virtqueue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueRelease(vq)
}

func (d *Device) queueRelease(vq *virtqueue.Virtqueue) error {
	if _, ok := d.queues[vq]; !ok {
		return nil
	}
	delete(d.queues, vq)

	var errs []error
	if err := d.t.DeleteQueue(vq); err != nil {
		errs = append(errs, fmt.Errorf("delete queue %d: %w", vq.Index(), err))
	}
	if err := vq.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue %d: %w", vq.Index(), err))
	}
	return errors.Join(errs...)
}

// Setup creates the data queues and the control queue. After a [Device.Stop]
// the device is initialized again first.
func (d *Device) Setup() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.control != nil {
		return errors.New("device queues are already set up")
	}
	if !d.initialized {
		if err = d.initialize(); err != nil {
			return err
		}
	}

	defer func() {
		if err != nil {
			if terr := d.teardown(); terr != nil {
				d.l.WithError(terr).Warn("Failed to release queues after a failed setup")
			}
		}
	}()

	n := int(d.config.MaxDataQueues)
	if d.opts.dataQueues > 0 && d.opts.dataQueues < n {
		n = d.opts.dataQueues
	}

	f := framer{maxIVSize: d.opts.maxIVSize, maxBufferSize: d.maxBufferSize}
	for i := range n {
		vq, err := d.queueSetup(uint16(i), d.opts.queueSize)
		if err != nil {
			return err
		}

		// One cookie per usable descriptor, a full ring never runs out of
		// cookies first.
		count := vq.FreeCount()
		region, err := d.alloc(count * cookieSize(d.opts.maxIVSize))
		if err != nil {
			return fmt.Errorf("allocate cookies of queue %d: %w", i, err)
		}
		pool, err := newCookiePool(region, count, d.opts.maxIVSize)
		if err != nil {
			return err
		}
		d.data = append(d.data, newDataQueue(vq, pool, f, d.opts.registry, d.l))
	}

	vq, err := d.queueSetup(uint16(d.config.MaxDataQueues), 0)
	if err != nil {
		return err
	}
	scratch, err := d.alloc(controlScratchSize)
	if err != nil {
		return fmt.Errorf("allocate control scratch: %w", err)
	}
	d.control = newControlQueue(vq, scratch, &d.opts, d.opts.registry)

	d.l.WithField("dataQueues", n).
		WithField("controlQueue", vq.Index()).
		Info("Device queues set up")
	return nil
}

// Start hands the queues to the device.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.control == nil {
		return ErrNotSetUp
	}
	status, err := d.t.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if err = d.t.SetStatus(status | virtio.StatusDriverOK); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	d.started = true
	d.l.Info("Device started")
	return nil
}

// Stop resets the device and releases every queue. Operations that were
// still in flight are returned with [OpStatusNotProcessed]. The device can
// be set up again with [Device.Setup].
func (d *Device) Stop() ([]*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if err := d.t.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("reset device: %w", err))
	}
	d.initialized = false
	d.started = false

	var ops []*Op
	for _, q := range d.data {
		ops = append(ops, q.detach()...)
	}
	if err := d.teardown(); err != nil {
		errs = append(errs, err)
	}

	d.l.WithField("notProcessed", len(ops)).Info("Device stopped")
	return ops, errors.Join(errs...)
}

// teardown releases every queue and region. A control command that is still
// waiting is aborted first, and the control queue refuses later commands.
func (d *Device) teardown() error {
	if cq := d.control; cq != nil {
		cq.abort()
		cq.mu.Lock()
		defer cq.mu.Unlock()
		cq.closed = true
	}

	var errs []error
	for vq := range d.queues {
		if err := d.queueRelease(vq); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range d.regions {
		if err := d.free(r); err != nil {
			errs = append(errs, err)
		}
	}

	d.regions = nil
	d.data = nil
	d.control = nil
	return errors.Join(errs...)
}

// Close stops the device. In flight operations are dropped.
func (d *Device) Close() error {
	_, err := d.Stop()
	return err
}

// Info describes the device.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := d.features
	return Info{
		Features:         f,
		Config:           d.config,
		MaxBufferSize:    d.maxBufferSize,
		DataQueues:       len(d.data),
		Packed:           f.Has(virtio.FeatureRingPacked),
		Indirect:         f.Has(virtio.FeatureIndirectDescriptors),
		EventIndex:       f.Has(virtio.FeatureEventIndex),
		NotificationData: f.Has(virtio.FeatureNotificationData),
		Started:          d.started,
	}
}

// DataQueue returns the data queue with the given index.
func (d *Device) DataQueue(i int) (*DataQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.data) == 0 {
		return nil, ErrNotSetUp
	}
	if i < 0 || i >= len(d.data) {
		return nil, fmt.Errorf("data queue %d: %w", i, ErrQueueNotAvailable)
	}
	return d.data[i], nil
}

// DataQueues returns every data queue that is set up.
func (d *Device) DataQueues() []*DataQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DataQueue(nil), d.data...)
}

// Control returns the control queue.
func (d *Device) Control() (*ControlQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.control == nil {
		return nil, ErrNotSetUp
	}
	return d.control, nil
}

// Metrics returns the registry the queue counters are registered in.
func (d *Device) Metrics() metrics.Registry {
	return d.opts.registry
}

// Alloc returns memory the device can access, for the buffers of data
// operations. It must be released with [Device.Free].
func (d *Device) Alloc(size int) (*virtqueue.Region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapRegion(size)
}

// Free releases memory returned by [Device.Alloc].
func (d *Device) Free(r *virtqueue.Region) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free(r)
}

// alloc maps memory owned by the queues, it is released on teardown.
func (d *Device) alloc(size int) (*virtqueue.Region, error) {
	r, err := d.mapRegion(size)
	if err != nil {
		return nil, err
	}
	d.regions = append(d.regions, r)
	return r, nil
}

func (d *Device) mapRegion(size int) (*virtqueue.Region, error) {
	r, err := virtqueue.NewRegion(size)
	if err != nil {
		return nil, err
	}
	if err = d.t.MapMemory(r.Address(), r.Len()); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("map memory: %w", err)
	}
	return r, nil
}

func (d *Device) free(r *virtqueue.Region) error {
	if r.Bytes() == nil {
		return nil
	}

	var errs []error
	if err := d.t.UnmapMemory(r.Address(), r.Len()); err != nil {
		errs = append(errs, fmt.Errorf("unmap memory: %w", err))
	}
	if err := r.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
