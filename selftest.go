package vcrypto

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/slackhq/vcrypto/config"
	"github.com/slackhq/vcrypto/header"
	"golang.org/x/sync/errgroup"
)

// SelfTestConfig sizes a [SelfTest] run.
type SelfTestConfig struct {
	// Ops is the number of operations per data queue.
	Ops int
	// Burst is the number of operations enqueued at once.
	Burst int
	// PayloadSize is the source length of every operation, a multiple of the
	// AES block size.
	PayloadSize int
	// Verify compares every ciphertext against a software encryption.
	Verify bool
}

// SelfTestConfigFromConfig reads the selftest section.
func SelfTestConfigFromConfig(c *config.C) SelfTestConfig {
	return SelfTestConfig{
		Ops:         c.GetInt("selftest.ops", 1024),
		Burst:       c.GetInt("selftest.burst", 32),
		PayloadSize: c.GetByteSize("selftest.payload_size", 256),
		Verify:      c.GetBool("selftest.verify", true),
	}
}

func (c SelfTestConfig) validate() error {
	if c.Ops <= 0 || c.Burst <= 0 {
		return fmt.Errorf("self test needs a positive op count and burst, got %d and %d", c.Ops, c.Burst)
	}
	if c.PayloadSize <= 0 || c.PayloadSize%aes.BlockSize != 0 {
		return fmt.Errorf("self test payload size %d is not a positive multiple of %d", c.PayloadSize, aes.BlockSize)
	}
	return nil
}

// SelfTestResult sums up a [SelfTest] run.
type SelfTestResult struct {
	Queues   int
	Ops      int
	Bytes    int
	Duration time.Duration
}

// SelfTest encrypts cfg.Ops operations with AES-CBC on every data queue,
// one goroutine per queue, and checks every completion. The device must be
// started.
func SelfTest(ctx context.Context, d *Device, cfg SelfTestConfig) (res SelfTestResult, err error) {
	if err = cfg.validate(); err != nil {
		return res, err
	}
	queues := d.DataQueues()
	if len(queues) == 0 {
		return res, ErrNotSetUp
	}

	key := make([]byte, 16)
	iv := make([]byte, aes.BlockSize)
	if _, err = rand.Read(key); err != nil {
		return res, err
	}
	if _, err = rand.Read(iv); err != nil {
		return res, err
	}

	s, err := d.CreateSession(ctx, &header.CipherSessionParams{Algo: header.CipherAESCBC, Op: header.CipherOpEncrypt, Key: key})
	if err != nil {
		return res, fmt.Errorf("create self test session: %w", err)
	}
	defer func() {
		if derr := d.DestroySession(context.WithoutCancel(ctx), s); derr != nil {
			err = errors.Join(err, fmt.Errorf("destroy self test session: %w", derr))
		}
	}()

	block, err := aes.NewCipher(key)
	if err != nil {
		return res, err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		r := &selfTestRunner{d: d, q: q, s: s, cfg: cfg, block: block, iv: iv}
		g.Go(func() error {
			return r.run(gctx)
		})
	}
	if err = g.Wait(); err != nil {
		return res, err
	}

	res = SelfTestResult{
		Queues:   len(queues),
		Ops:      len(queues) * cfg.Ops,
		Bytes:    len(queues) * cfg.Ops * cfg.PayloadSize,
		Duration: time.Since(start),
	}
	d.l.WithField("queues", res.Queues).
		WithField("ops", res.Ops).
		WithField("bytes", res.Bytes).
		WithField("duration", res.Duration).
		Info("Self test passed")
	return res, nil
}

type selfTestRunner struct {
	d     *Device
	q     *DataQueue
	s     Session
	cfg   SelfTestConfig
	block cipher.Block
	iv    []byte
}

// run pushes the operations through the queue one burst at a time. The
// buffers of a burst are reused once all of its operations completed.
func (r *selfTestRunner) run(ctx context.Context) (err error) {
	size := r.cfg.PayloadSize
	burst := min(r.cfg.Burst, r.cfg.Ops)

	region, err := r.d.Alloc(2 * burst * size)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, r.d.Free(region))
	}()

	mem := region.Bytes()
	ops := make([]*Op, burst)
	for i := range ops {
		src := mem[2*i*size : (2*i+1)*size]
		dst := mem[(2*i+1)*size : (2*i+2)*size]
		ops[i] = NewCipherOp(r.s, header.CipherOpEncrypt, r.iv, src, dst)
	}

	expected := make([]byte, size)
	for done := 0; done < r.cfg.Ops; {
		batch := ops[:min(burst, r.cfg.Ops-done)]
		for i, op := range batch {
			if _, err = rand.Read(op.Src); err != nil {
				return err
			}
			op.UserData = done + i
		}

		if err = r.complete(ctx, batch); err != nil {
			return err
		}

		for _, op := range batch {
			if op.Status != OpStatusOK {
				return fmt.Errorf("queue %d: operation %d failed: %s", r.q.Index(), op.UserData, op.Status)
			}
			if !r.cfg.Verify {
				continue
			}
			cipher.NewCBCEncrypter(r.block, r.iv).CryptBlocks(expected, op.Src)
			if !bytes.Equal(expected, op.Dst) {
				return fmt.Errorf("queue %d: operation %d returned a wrong ciphertext", r.q.Index(), op.UserData)
			}
		}
		done += len(batch)
	}
	return nil
}

// complete enqueues batch and waits until every operation of it was
// dequeued. A full queue only delays the remaining operations.
func (r *selfTestRunner) complete(ctx context.Context, batch []*Op) error {
	enqueued, completed := 0, 0
	for completed < len(batch) {
		if enqueued < len(batch) {
			n, err := r.q.EnqueueBurst(batch[enqueued:])
			if err != nil {
				return err
			}
			enqueued += n
		}

		completed += len(r.q.DequeueBurst(0))
		if completed < len(batch) {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
		}
	}
	return nil
}
