package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// RotatorConfig controls the rotation schedule and retry policy.
type RotatorConfig struct {
	// Interval between rotations (default 2h).
	Interval time.Duration

	// Timeout bounds one rotation including all retries (default 1m).
	Timeout time.Duration

	// InitialBackoff and MaxBackoff shape the exponential retry delay
	// (defaults 500ms and 30s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnRotate and OnFailure observe rotation outcomes (metrics, audit
	// lifecycle events). Called from the rotator goroutine.
	OnRotate  func(km *KeyMaterial)
	OnFailure func(err error)
}

type rotateResult struct {
	material *KeyMaterial
	err      error
}

type rotateRequest struct {
	ctx   context.Context
	reply chan rotateResult
}

// Rotator is the only writer of the Store's current pointer. Scheduled and
// manual rotations both run on the goroutine executing Run; manual requests
// arrive over a channel.
type Rotator struct {
	store *Store
	cfg   RotatorConfig

	requests   chan rotateRequest
	intervalCh chan time.Duration
	sf         singleflight.Group
}

// NewRotator creates a rotator for store. Call Run to start it.
func NewRotator(store *Store, cfg RotatorConfig) *Rotator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Rotator{
		store:      store,
		cfg:        cfg,
		requests:   make(chan rotateRequest),
		intervalCh: make(chan time.Duration, 1),
	}
}

// Run rotates on schedule until ctx is cancelled. The first rotation is due
// one interval after the current material was created, so restarts do not
// reset the schedule. After a failed scheduled rotation the next attempt
// waits a cooldown that doubles from MaxBackoff up to the interval.
func (r *Rotator) Run(ctx context.Context) error {
	interval := r.cfg.Interval
	failures := 0
	timer := time.NewTimer(r.delay(interval, failures))
	defer timer.Stop()

	slog.Info("key rotator started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			if _, err := r.rotate(ctx); err != nil {
				failures++
				slog.Error("scheduled key rotation failed, keeping current key",
					"error", err, "consecutive_failures", failures)
			} else {
				failures = 0
			}
			timer.Reset(r.delay(interval, failures))

		case req := <-r.requests:
			km, err := r.rotate(req.ctx)
			if err == nil {
				failures = 0
			}
			req.reply <- rotateResult{material: km, err: err}
			timer.Reset(r.delay(interval, failures))

		case d := <-r.intervalCh:
			interval = d
			timer.Reset(r.delay(interval, failures))
			slog.Info("key rotation interval updated", "interval", interval)
		}
	}
}

// delay is the wait before the next scheduled attempt: the time left on the
// current material, but never less than the cooldown after failures.
func (r *Rotator) delay(interval time.Duration, failures int) time.Duration {
	return max(r.nextDelay(interval), r.cooldown(interval, failures))
}

// cooldown is MaxBackoff doubled per consecutive failure, capped at interval.
func (r *Rotator) cooldown(interval time.Duration, failures int) time.Duration {
	if failures == 0 {
		return 0
	}
	d := r.cfg.MaxBackoff
	for i := 1; i < failures && d < interval; i++ {
		d *= 2
	}
	return min(d, interval)
}

// RotateNow asks the running rotator for an immediate rotation and waits
// for it. Concurrent callers share one rotation. Blocks until ctx is done if
// Run is not active.
func (r *Rotator) RotateNow(ctx context.Context) (*KeyMaterial, error) {
	v, err, _ := r.sf.Do("rotate", func() (any, error) {
		reply := make(chan rotateResult, 1)
		select {
		case r.requests <- rotateRequest{ctx: ctx, reply: reply}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case res := <-reply:
			return res.material, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyMaterial), nil
}

// SetInterval changes the rotation interval of a running rotator. The most
// recent value wins if several arrive before Run picks them up.
func (r *Rotator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	for {
		select {
		case r.intervalCh <- d:
			return
		default:
			select {
			case <-r.intervalCh:
			default:
			}
		}
	}
}

// nextDelay is the time left until the current material reaches interval.
func (r *Rotator) nextDelay(interval time.Duration) time.Duration {
	cur := r.store.Current()
	if cur == nil {
		return 0
	}
	d := interval - cur.Age(time.Now())
	if d < 0 {
		return 0
	}
	return d
}

// rotate runs one rotation with exponential backoff, bounded by the
// configured timeout.
func (r *Rotator) rotate(ctx context.Context) (*KeyMaterial, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var (
		km      *KeyMaterial
		lastErr error
	)
	op := func() error {
		var err error
		km, err = r.store.Rotate(ctx)
		if err != nil {
			lastErr = err
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("key rotation attempt failed, retrying", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = fmt.Errorf("%w (last attempt: %w)", err, lastErr)
		}
		err = fmt.Errorf("rotating keys: %w", err)
		if r.cfg.OnFailure != nil {
			r.cfg.OnFailure(err)
		}
		return nil, err
	}

	if r.cfg.OnRotate != nil {
		r.cfg.OnRotate(km)
	}
	return km, nil
}
