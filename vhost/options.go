package vhost

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// DefaultPath is the character device of the first vDPA device.
const DefaultPath = "/dev/vhost-vdpa-0"

type optionValues struct {
	path string
	l    *logrus.Logger
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.path == "" {
		return errors.New("device path is required")
	}
	if o.l == nil {
		return errors.New("logger is required")
	}
	return nil
}

var optionDefaults = optionValues{
	path: DefaultPath,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithPath returns an [Option] that sets the vhost-vdpa character device to
// open. Defaults to [DefaultPath].
func WithPath(path string) Option {
	return func(o *optionValues) { o.path = path }
}

// WithLogger returns an [Option] that sets the logger of the device. This is
// required.
func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.l = l }
}
