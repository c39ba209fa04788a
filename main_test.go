package vcrypto

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/config"
	"github.com/slackhq/vcrypto/test"
	"github.com/slackhq/vcrypto/test/device"
	"github.com/slackhq/vcrypto/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromConfig(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
device:
  packed: false
  event_idx: true
  queue_size: 64
  data_queues: 1
control:
  timeout: 2s
  poll_interval: 1ms
limits:
  max_iv_size: 32
  max_buffer_size: 64KiB
`))

	o := optionDefaults
	o.apply(OptionsFromConfig(c, l, nil))
	require.NoError(t, o.validate())
	assert.Same(t, l, o.l)
	assert.False(t, o.packed)
	assert.True(t, o.indirect)
	assert.True(t, o.eventIndex)
	assert.False(t, o.notificationData)
	assert.Equal(t, 64, o.queueSize)
	assert.Equal(t, 1, o.dataQueues)
	assert.Equal(t, 2*time.Second, o.controlTimeout)
	assert.Equal(t, time.Millisecond, o.pollInterval)
	assert.Equal(t, 32, o.maxIVSize)
	assert.Equal(t, 64<<10, o.maxBufferSize)
	assert.Nil(t, o.registry)
}

func TestOptionsFromConfig_Defaults(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	o := optionDefaults
	o.apply(OptionsFromConfig(c, l, nil))
	require.NoError(t, o.validate())
	assert.True(t, o.packed)
	assert.True(t, o.indirect)
	assert.False(t, o.eventIndex)
	assert.Zero(t, o.queueSize)
	assert.Zero(t, o.controlTimeout)
	assert.Equal(t, DefaultMaxIVSize, o.maxIVSize)
	assert.Zero(t, o.maxBufferSize)
}

func TestMain_Device(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
device:
  data_queues: 1
  queue_size: 16
logging:
  level: warning
`))

	dev := device.New()
	d, err := Main(c, false, "1.2.3", l, dev)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
	})

	assert.Equal(t, logrus.WarnLevel, l.Level)
	info := d.Info()
	assert.True(t, info.Started)
	assert.Equal(t, 1, info.DataQueues)
	q, err := d.DataQueue(0)
	require.NoError(t, err)
	assert.Equal(t, 16, q.FreeCount())

	// The logger follows config reloads.
	require.NoError(t, c.ReloadConfigString("logging:\n  level: debug\n"))
	assert.Equal(t, logrus.DebugLevel, l.Level)
}

func TestMain_ConfigTest(t *testing.T) {
	l := test.NewLogger()
	out := &bytes.Buffer{}
	l.SetOutput(out)
	c := config.NewC(l)
	require.NoError(t, c.LoadString("device:\n  queue_size: 32\n"))

	// The transport is not touched.
	d, err := Main(c, true, "", l, nil)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Contains(t, out.String(), "queue_size: 32")
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		dev  *device.Crypto
		err  string
	}{
		{name: "bad log level", raw: "logging:\n  level: loud\n", dev: device.New(), err: "not a valid logrus Level"},
		{name: "bad stats type", raw: "stats:\n  type: carrier-pigeon\n  interval: 1s\n", dev: device.New(), err: "stats.type was not understood"},
		{name: "no transport", raw: "device:\n  packed: true\n", err: "No transport was provided"},
		{
			name: "negotiation",
			raw:  "device:\n  packed: true\n",
			dev:  device.New(device.WithRejectedFeatures()),
			err:  "Failed to initialize the device",
		},
		{
			name: "queue setup",
			raw:  "device:\n  packed: false\n",
			dev:  device.New(device.WithQueueSize(100)),
			err:  "Failed to set up the device queues",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			var tr Transport
			if tt.dev != nil {
				tr = tt.dev
			}
			d, err := Main(c, false, "", l, tr)
			require.Error(t, err)
			assert.Nil(t, d)
			assert.ErrorContains(t, err, tt.err)

			var ce *util.ContextualError
			assert.ErrorAs(t, err, &ce)
		})
	}
}
