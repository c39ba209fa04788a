package vcrypto

import (
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/config"
	"github.com/slackhq/vcrypto/util"
	"go.yaml.in/yaml/v3"
)

// OptionsFromConfig translates the device, control and limits sections into
// [Option] values.
func OptionsFromConfig(c *config.C, l *logrus.Logger, r metrics.Registry) []Option {
	options := []Option{
		WithLogger(l),
		WithPacked(c.GetBool("device.packed", true)),
		WithIndirect(c.GetBool("device.indirect", true)),
		WithEventIndex(c.GetBool("device.event_idx", false)),
		WithNotificationData(c.GetBool("device.notification_data", false)),
		WithQueueSize(c.GetInt("device.queue_size", 0)),
		WithDataQueues(c.GetInt("device.data_queues", 0)),
		WithControlTimeout(c.GetDuration("control.timeout", 0)),
		WithPollInterval(c.GetDuration("control.poll_interval", 0)),
		WithMaxIVSize(c.GetInt("limits.max_iv_size", DefaultMaxIVSize)),
		WithMaxBufferSize(c.GetByteSize("limits.max_buffer_size", 0)),
	}
	if r != nil {
		options = append(options, WithMetricsRegistry(r))
	}
	return options
}

// Main configures logging and stats from c and brings up a started device on
// t. With configTest set the final config is printed and t is not touched,
// the returned device is nil in that case.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger, t Transport) (*Device, error) {
	if l == nil {
		l = logrus.New()
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	r := metrics.NewRegistry()
	statsStart, err := startStats(l, c, r, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	if t == nil {
		return nil, util.NewContextualError("No transport was provided", nil, nil)
	}

	d, err := New(t, OptionsFromConfig(c, l, r)...)
	if err != nil {
		return nil, util.NewContextualError("Failed to initialize the device", nil, err)
	}

	if err = d.Setup(); err != nil {
		closeAfterFailure(l, d)
		return nil, util.NewContextualError("Failed to set up the device queues", nil, err)
	}

	if err = d.Start(); err != nil {
		closeAfterFailure(l, d)
		return nil, util.NewContextualError("Failed to start the device", nil, err)
	}

	info := d.Info()
	l.WithFields(logrus.Fields{
		"dataQueues":    info.DataQueues,
		"maxBufferSize": info.MaxBufferSize,
		"packed":        info.Packed,
		"indirect":      info.Indirect,
		"eventIndex":    info.EventIndex,
		"build":         buildVersion,
	}).Info("Device started")

	if statsStart != nil {
		statsStart()
	}

	return d, nil
}

func closeAfterFailure(l *logrus.Logger, d *Device) {
	if err := d.Close(); err != nil {
		l.WithError(err).Warn("Failed to reset the device after a failed start")
	}
}
