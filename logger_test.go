package vcrypto

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/config"
	"github.com/slackhq/vcrypto/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := logrus.New()
	c := config.NewC(test.NewLogger())

	require.NoError(t, c.LoadString("logging: {level: debug, format: json, disable_timestamp: true}"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
	assert.True(t, l.Formatter.(*logrus.JSONFormatter).DisableTimestamp)

	buf := &bytes.Buffer{}
	l.Out = buf
	l.WithField("queue", 1).Debug("Queue set up")
	assert.JSONEq(t, `{"level":"debug","msg":"Queue set up","queue":1}`, buf.String())

	require.NoError(t, c.LoadString("logging: {timestamp_format: '2006'}"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	f, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, f.FullTimestamp)
	assert.Equal(t, "2006", f.TimestampFormat)

	require.NoError(t, c.LoadString("logging: {level: loud}"))
	assert.ErrorContains(t, configLogger(l, c), "possible levels")

	// A bad format leaves the logger alone.
	require.NoError(t, c.LoadString("logging: {level: error, format: xml}"))
	assert.ErrorContains(t, configLogger(l, c), "unknown log format")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}
