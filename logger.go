package vcrypto

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging section of c to l. It runs at startup and
// on every config reload.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	// A custom format implies full timestamps for the text formatter.
	tsFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := tsFormat != ""
	if !fullTimestamp {
		tsFormat = time.RFC3339
	}
	noTimestamp := c.GetBool("logging.disable_timestamp", false)

	var formatter logrus.Formatter
	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		formatter = &logrus.TextFormatter{
			TimestampFormat:  tsFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: noTimestamp,
		}
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat:  tsFormat,
			DisableTimestamp: noTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
	}

	l.SetLevel(level)
	l.SetFormatter(formatter)
	return nil
}
