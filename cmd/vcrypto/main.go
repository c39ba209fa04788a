package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vcrypto"
	"github.com/slackhq/vcrypto/config"
	"github.com/slackhq/vcrypto/test/device"
	"github.com/slackhq/vcrypto/util"
	"github.com/slackhq/vcrypto/vhost"
	"golang.org/x/sync/errgroup"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	if err = run(c, *configTest, l); err != nil {
		util.LogWithContextIfNeeded("Failed to run", err, l)
		os.Exit(1)
	}

	os.Exit(0)
}

// run brings the configured backend up, runs the self test and waits for a
// signal when selftest.interval is set.
func run(c *config.C, configTest bool, l *logrus.Logger) (err error) {
	if configTest {
		_, err = vcrypto.Main(c, true, Build, l, nil)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var t vcrypto.Transport
	switch backend := c.GetString("device.backend", "vdpa"); backend {
	case "vdpa":
		vd, err := vhost.NewDevice(vhost.WithPath(c.GetString("device.path", vhost.DefaultPath)), vhost.WithLogger(l))
		if err != nil {
			return util.NewContextualError("Failed to open the vhost-vdpa device", map[string]any{"path": c.GetString("device.path", vhost.DefaultPath)}, err)
		}
		defer func() {
			if cerr := vd.Close(); cerr != nil {
				l.WithError(cerr).Warn("Failed to close the vhost-vdpa device")
			}
		}()
		t = vd

	case "memory":
		md := device.New(device.WithLogger(l))
		g.Go(func() error {
			return md.Serve(ctx)
		})
		t = md

	default:
		return fmt.Errorf("device.backend was not understood: %s", backend)
	}

	d, err := vcrypto.Main(c, false, Build, l, t)
	if err != nil {
		stop()
		if werr := g.Wait(); werr != nil {
			l.WithError(werr).Warn("In-memory device stopped with an error")
		}
		return err
	}
	c.CatchHUP(ctx)
	notifyReady(l)

	g.Go(func() error {
		defer stop()
		return selfTestLoop(ctx, c, l, d)
	})
	err = g.Wait()

	ops, serr := d.Stop()
	if len(ops) > 0 {
		l.WithField("notProcessed", len(ops)).Warn("Operations were still in flight when the device stopped")
	}
	if serr != nil {
		l.WithError(serr).Warn("Failed to stop the device")
	}
	return err
}

// selfTestLoop runs the self test once, or every selftest.interval until ctx
// is done.
func selfTestLoop(ctx context.Context, c *config.C, l *logrus.Logger, d *vcrypto.Device) error {
	for {
		res, err := vcrypto.SelfTest(ctx, d, vcrypto.SelfTestConfigFromConfig(c))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return util.NewContextualError("Self test failed", nil, err)
		}

		l.WithField("mbps", float64(res.Bytes)*8/1e6/res.Duration.Seconds()).
			WithField("opsPerSecond", float64(res.Ops)/res.Duration.Seconds()).
			Info("Self test throughput")

		interval := c.GetDuration("selftest.interval", 0)
		if interval <= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
