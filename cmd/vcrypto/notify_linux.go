package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sdNotifyReady tells systemd that the device is started and the self test
// is about to run.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const sdNotifyReady = "READY=1"

func notifyReady(l *logrus.Logger) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debug("NOTIFY_SOCKET is not set, not sending a ready signal")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).WithField("socket", sockName).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}

	if _, err = conn.Write([]byte(sdNotifyReady)); err != nil {
		l.WithError(err).Error("Failed to signal the systemd notification socket")
		return
	}

	l.Debug("Notified systemd that the device is ready")
}
