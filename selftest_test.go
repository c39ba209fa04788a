package vcrypto

import (
	"context"
	"testing"
	"time"

	"github.com/slackhq/vcrypto/config"
	"github.com/slackhq/vcrypto/test"
	"github.com/slackhq/vcrypto/test/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSelfTest(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev, WithQueueSize(16))

	res, err := SelfTest(context.Background(), d, SelfTestConfig{Ops: 100, Burst: 24, PayloadSize: 64, Verify: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queues)
	assert.Equal(t, 200, res.Ops)
	assert.Equal(t, 200*64, res.Bytes)

	// The session and the buffers are gone again.
	assert.Zero(t, dev.Sessions())
	assert.Equal(t, 3, dev.Mapped())
	for _, q := range d.DataQueues() {
		assert.Equal(t, int64(100), q.Stats().Completed)
		assert.Zero(t, q.InFlight())
		assert.Equal(t, 16, q.FreeCount())
	}
}

func TestSelfTest_Served(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dev.Serve(gctx)
	})

	_, err := SelfTest(ctx, d, SelfTestConfig{Ops: 64, Burst: 8, PayloadSize: 16})
	require.NoError(t, err)

	cancel()
	require.NoError(t, g.Wait())
}

func TestSelfTest_Failures(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		d := newTestDevice(t, device.New())
		for _, cfg := range []SelfTestConfig{
			{Ops: 0, Burst: 1, PayloadSize: 16},
			{Ops: 1, Burst: 0, PayloadSize: 16},
			{Ops: 1, Burst: 1, PayloadSize: 15},
		} {
			_, err := SelfTest(context.Background(), d, cfg)
			assert.Error(t, err)
		}
	})

	t.Run("not set up", func(t *testing.T) {
		d := newInitializedDevice(t, device.New())
		_, err := SelfTest(context.Background(), d, SelfTestConfig{Ops: 1, Burst: 1, PayloadSize: 16})
		assert.ErrorIs(t, err, ErrNotSetUp)
	})

	t.Run("device error", func(t *testing.T) {
		dev := device.New()
		d := newTestDevice(t, dev)
		dev.ForceStatus(1, 1)

		_, err := SelfTest(context.Background(), d, SelfTestConfig{Ops: 4, Burst: 2, PayloadSize: 16})
		assert.ErrorContains(t, err, "queue 1: operation 0 failed")
		assert.Zero(t, dev.Sessions())
	})

	t.Run("canceled", func(t *testing.T) {
		dev := device.New()
		d := newTestDevice(t, dev)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := SelfTest(ctx, d, SelfTestConfig{Ops: 4, Burst: 2, PayloadSize: 16})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, dev.Sessions())
		assert.Zero(t, d.DataQueues()[0].Stats().Enqueued)
	})

	t.Run("canceled while running", func(t *testing.T) {
		dev := device.New()
		d := newTestDevice(t, dev)
		dev.Hold(0)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := SelfTest(ctx, d, SelfTestConfig{Ops: 4, Burst: 2, PayloadSize: 16})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, dev.Sessions())
	})
}

func TestSelfTestConfigFromConfig(t *testing.T) {
	c := config.NewC(test.NewLogger())
	assert.Equal(t, SelfTestConfig{Ops: 1024, Burst: 32, PayloadSize: 256, Verify: true}, SelfTestConfigFromConfig(c))

	require.NoError(t, c.LoadString(`
selftest:
  ops: 10
  burst: 5
  payload_size: 1KiB
  verify: false
`))
	assert.Equal(t, SelfTestConfig{Ops: 10, Burst: 5, PayloadSize: 1024}, SelfTestConfigFromConfig(c))
}
