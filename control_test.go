package vcrypto

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/test/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeClock advances by step on every Sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	step   time.Duration
	sleeps int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	c.sleeps++
}

func TestControlQueue_Sessions(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)
	ctx := context.Background()

	s := cbcSession(t, d)
	assert.Equal(t, Session{Service: header.ServiceCipher, ID: 1, Algo: uint32(header.CipherAESCBC)}, s)
	assert.Equal(t, 1, dev.Sessions())

	hs, err := d.CreateSession(ctx, &header.HashSessionParams{Algo: header.HashSHA3256, ResultLen: 32})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), hs.ID)
	assert.Equal(t, "hash session 2", hs.String())
	assert.Equal(t, 2, dev.Sessions())

	require.NoError(t, d.DestroySession(ctx, s))
	assert.Equal(t, 1, dev.Sessions())

	err = d.DestroySession(ctx, s)
	require.ErrorIs(t, err, ErrSessionOp)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, header.CipherDestroySession, serr.Opcode)
	assert.Equal(t, header.StatusInvSess, serr.Status)

	// A session of another service with the same id.
	err = d.DestroySession(ctx, Session{Service: header.ServiceMAC, ID: hs.ID})
	assert.ErrorIs(t, err, ErrSessionOp)
	require.NoError(t, d.DestroySession(ctx, hs))
	assert.Zero(t, dev.Sessions())

	cq, err := d.Control()
	require.NoError(t, err)
	assert.False(t, cq.Wedged())
	assert.Equal(t, 256, cq.vq.FreeCount())
	assert.Equal(t, int64(6), d.Metrics().Get("vcrypto.control.commands").(metrics.Counter).Count())
	assert.Equal(t, int64(2), d.Metrics().Get("vcrypto.control.failures").(metrics.Counter).Count())
}

func TestControlQueue_Keys(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)

	var got []header.ControlParams
	dev.OnControl(func(p header.ControlParams) {
		got = append(got, p)
	})

	authKey := bytes.Repeat([]byte{0xaa}, 20)
	_, err := d.CreateSession(context.Background(), &header.ChainSessionParams{
		Order:         header.ChainHashThenCipher,
		HashMode:      header.HashModeAuth,
		Cipher:        header.CipherSessionParams{Algo: header.CipherAESCTR, Op: header.CipherOpDecrypt, Key: testKey},
		MACAlgo:       header.MACHMACSHA1,
		HashResultLen: 20,
		AuthKey:       authKey,
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	p, ok := got[0].(*header.ChainSessionParams)
	require.True(t, ok)
	assert.Equal(t, testKey, p.Cipher.Key)
	assert.Equal(t, authKey, p.AuthKey)
	assert.Equal(t, header.ChainHashThenCipher, p.Order)
	assert.Equal(t, header.CipherOpDecrypt, p.Cipher.Op)
}

func TestControlQueue_Validation(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)
	ctx := context.Background()
	cq, err := d.Control()
	require.NoError(t, err)

	tests := []struct {
		name   string
		params header.ControlParams
	}{
		{name: "cipher not offered", params: &header.CipherSessionParams{Algo: header.CipherAESXTS, Key: testKey}},
		{name: "cipher key too long", params: &header.CipherSessionParams{Algo: header.CipherAESCBC, Key: make([]byte, 33)}},
		{name: "hash not offered", params: &header.HashSessionParams{Algo: header.HashNone}},
		{name: "mac key too long", params: &header.MACSessionParams{Algo: header.MACHMACSHA256, Key: make([]byte, 129)}},
		{name: "aead not offered", params: &header.AEADSessionParams{Algo: 2, Key: testKey}},
		{name: "destroy", params: &header.DestroySessionParams{Service: header.ServiceCipher, SessionID: 1}},
		{
			name: "chain auth key too long",
			params: &header.ChainSessionParams{
				Cipher:   header.CipherSessionParams{Algo: header.CipherAESCBC, Key: testKey},
				HashMode: header.HashModeAuth,
				AuthKey:  make([]byte, 200),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateSession(ctx, tt.params)
			assert.ErrorIs(t, err, ErrInvalidOp)
		})
	}

	count, _ := dev.Notifications(cq.Index())
	assert.Zero(t, count)

	// Key material beyond the scratch region is refused before anything is
	// enqueued.
	_, err = cq.Command(ctx, &header.MACSessionParams{Algo: header.MACHMACSHA256, Key: make([]byte, controlKeySpace+1)})
	assert.ErrorIs(t, err, ErrInvalidOp)
	assert.Equal(t, 256, cq.vq.FreeCount())
}

func TestControlQueue_ServiceNotOffered(t *testing.T) {
	cfg := device.DefaultConfig(1)
	cfg.CryptoServices = 1 << header.ServiceCipher
	d := newTestDevice(t, device.New(device.WithConfig(cfg)))

	_, err := d.CreateSession(context.Background(), &header.HashSessionParams{Algo: header.HashSHA256, ResultLen: 32})
	assert.ErrorIs(t, err, ErrInvalidOp)
}

func TestControlQueue_NotStarted(t *testing.T) {
	d := newInitializedDevice(t, device.New())
	_, err := d.CreateSession(context.Background(), &header.HashSessionParams{Algo: header.HashSHA256})
	assert.ErrorIs(t, err, ErrNotSetUp)

	require.NoError(t, d.Setup())
	_, err = d.CreateSession(context.Background(), &header.HashSessionParams{Algo: header.HashSHA256})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, d.DestroySession(context.Background(), Session{ID: 1}), ErrNotStarted)
}

func TestControlQueue_Concurrent(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)

	var commands atomic.Int64
	dev.OnControl(func(header.ControlParams) {
		commands.Add(1)
	})

	const workers = 8
	ids := make([]uint64, workers)
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			s, err := d.CreateSession(context.Background(), &header.MACSessionParams{
				Algo:      header.MACHMACSHA256,
				ResultLen: 32,
				Key:       bytes.Repeat([]byte{byte(i)}, 16),
			})
			ids[i] = s.ID
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(workers), commands.Load())
	assert.Equal(t, workers, dev.Sessions())
	seen := map[uint64]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "session id %d was handed out twice", id)
		seen[id] = true
	}
}

func TestControlQueue_Timeout(t *testing.T) {
	dev := device.New()
	clock := &fakeClock{now: time.Unix(1000, 0), step: time.Second}
	d := newTestDevice(t, dev,
		WithClock(clock),
		WithControlTimeout(5*time.Second),
		WithPollInterval(time.Millisecond),
	)
	cq, err := d.Control()
	require.NoError(t, err)

	dev.Hold(cq.Index())
	params := &header.HashSessionParams{Algo: header.HashSHA256, ResultLen: 32}
	_, err = d.CreateSession(context.Background(), params)
	require.ErrorIs(t, err, ErrControlTimeout)
	assert.Equal(t, 5, clock.sleeps)
	assert.True(t, cq.Wedged())
	assert.Equal(t, int64(1), d.Metrics().Get("vcrypto.control.timeouts").(metrics.Counter).Count())

	_, err = d.CreateSession(context.Background(), params)
	assert.ErrorIs(t, err, ErrControlQueueWedged)

	// A stop and setup cycle brings back a usable control queue.
	_, err = d.Stop()
	require.NoError(t, err)
	require.NoError(t, d.Setup())
	require.NoError(t, d.Start())
	require.NoError(t, dev.Release(cq.Index()))

	s, err := d.CreateSession(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.ID)
}

func TestControlQueue_Canceled(t *testing.T) {
	params := &header.HashSessionParams{Algo: header.HashSHA256, ResultLen: 32}

	t.Run("before sending", func(t *testing.T) {
		dev := device.New()
		d := newTestDevice(t, dev)
		cq, err := d.Control()
		require.NoError(t, err)
		dev.Hold(cq.Index())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = d.CreateSession(ctx, params)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrControlTimeout)
		assert.False(t, cq.Wedged())

		// Nothing reached the device.
		count, _ := dev.Notifications(cq.Index())
		assert.Zero(t, count)
		assert.Equal(t, 256, cq.vq.FreeCount())
		require.NoError(t, dev.Release(cq.Index()))
		assert.Zero(t, dev.Sessions())

		s, err := d.CreateSession(context.Background(), params)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), s.ID)
	})

	t.Run("while waiting", func(t *testing.T) {
		dev := device.New()
		d := newTestDevice(t, dev)
		cq, err := d.Control()
		require.NoError(t, err)
		dev.Hold(cq.Index())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errs := make(chan error, 1)
		go func() {
			_, err := d.CreateSession(ctx, params)
			errs <- err
		}()

		require.Eventually(t, func() bool {
			count, _ := dev.Notifications(cq.Index())
			return count == 1
		}, 2*time.Second, time.Millisecond)
		cancel()

		select {
		case err = <-errs:
		case <-time.After(2 * time.Second):
			t.Fatal("command did not return after its context was canceled")
		}
		require.ErrorIs(t, err, ErrControlTimeout)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, cq.Wedged())
	})
}

func TestControlQueue_StopWhileWaiting(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)
	cq, err := d.Control()
	require.NoError(t, err)
	dev.Hold(cq.Index())

	params := &header.HashSessionParams{Algo: header.HashSHA256, ResultLen: 32}
	errs := make(chan error, 1)
	go func() {
		_, err := d.CreateSession(context.Background(), params)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		count, _ := dev.Notifications(cq.Index())
		return count == 1
	}, 2*time.Second, time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		_, err := d.Stop()
		stopped <- err
	}()

	select {
	case err = <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop is blocked by a waiting control command")
	}

	err = <-errs
	require.ErrorIs(t, err, ErrNotStarted)
	assert.NotErrorIs(t, err, ErrControlTimeout)
	assert.Zero(t, d.Metrics().Get("vcrypto.control.timeouts").(metrics.Counter).Count())

	// The device comes back with a fresh control queue.
	require.NoError(t, d.Setup())
	require.NoError(t, d.Start())
	require.NoError(t, dev.Release(cq.Index()))
	_, err = d.CreateSession(context.Background(), params)
	require.NoError(t, err)
}

func TestControlQueue_UseAfterStop(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)
	cq, err := d.Control()
	require.NoError(t, err)

	_, err = d.Stop()
	require.NoError(t, err)

	params := &header.HashSessionParams{Algo: header.HashSHA256, ResultLen: 32}
	_, err = cq.Command(context.Background(), params)
	assert.ErrorIs(t, err, ErrNotSetUp)
	_, err = d.CreateSession(context.Background(), params)
	assert.ErrorIs(t, err, ErrNotSetUp)

	// A handle from before the stop stays dead after a new setup.
	require.NoError(t, d.Setup())
	require.NoError(t, d.Start())
	_, err = cq.Command(context.Background(), params)
	assert.ErrorIs(t, err, ErrNotSetUp)
}

func TestControlQueue_NotifyFailure(t *testing.T) {
	dev := device.New()
	d := newTestDevice(t, dev)
	cq, err := d.Control()
	require.NoError(t, err)

	// The device is reset behind the back of the driver.
	require.NoError(t, dev.Reset())
	_, err = d.CreateSession(context.Background(), &header.HashSessionParams{Algo: header.HashSHA256, ResultLen: 32})
	require.Error(t, err)
	assert.True(t, cq.Wedged())
}
