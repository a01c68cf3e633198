// Package capture runs the steady state of camnode: acquire a frame, publish it, wait for the next cycle.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/camnode/server/acquire"
	"github.com/cyclopcam/camnode/server/calibration"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/camnode/server/publish"
	"github.com/cyclopcam/camnode/server/session"
	"github.com/cyclopcam/logs"
	"golang.org/x/time/rate"
)

// Time allowed for teardown after the loop exits
const teardownTimeout = 5 * time.Second

type Options struct {
	Width     int
	Height    int
	FrameID   string
	FrameRate float64 // Cycles per second

	// If AcquireTimeoutCycles is greater than zero, then an acquisition that takes longer than
	// this many cycle budgets is abandoned, and counts as a failed cycle.
	// If zero, a stalled camera stalls the loop, until the camera recovers or errors out.
	AcquireTimeoutCycles int
}

// InfoSource provides the current calibration
type InfoSource interface {
	Info() calibration.Info
}

// Loop owns the session for its entire life. Only Stats may be called from other goroutines.
type Loop struct {
	log     logs.Log
	opt     Options
	session *session.Session
	sink    publish.Sink
	info    InfoSource
	limiter *rate.Limiter
	budget  time.Duration
	stats   *statsTracker

	sequence uint64

	// Consecutive failure logging is throttled, so that a dead camera doesn't flood the log
	nFailStreak  int
	lastFailLog  time.Time
	failLogEvery time.Duration
}

func New(log logs.Log, sess *session.Session, sink publish.Sink, info InfoSource, opt Options) (*Loop, error) {
	if opt.FrameRate <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, not %v", opt.FrameRate)
	}
	if opt.Width <= 0 || opt.Height <= 0 {
		return nil, fmt.Errorf("invalid image size %v x %v", opt.Width, opt.Height)
	}
	return &Loop{
		log:          log,
		opt:          opt,
		session:      sess,
		sink:         sink,
		info:         info,
		limiter:      rate.NewLimiter(rate.Limit(opt.FrameRate), 1),
		budget:       time.Duration(float64(time.Second) / opt.FrameRate),
		stats:        newStatsTracker(),
		failLogEvery: 5 * time.Second,
	}, nil
}

// Open connects, configures and starts capture. If any step fails, whatever was opened is
// torn down again, and the session is left Closed.
func (l *Loop) Open(ctx context.Context, handle device.Handle) (session.CaptureConfig, error) {
	if err := l.session.Connect(ctx, handle); err != nil {
		return session.CaptureConfig{}, err
	}
	cfg, err := l.session.Configure(ctx, l.opt.Width, l.opt.Height)
	if err == nil {
		err = l.session.StartCapture(ctx)
	}
	if err != nil {
		if closeErr := l.session.Close(ctx); closeErr != nil {
			l.log.Warnf("Teardown after failed open: %v", closeErr)
		}
		return session.CaptureConfig{}, err
	}
	return cfg, nil
}

// Run cycles until ctx is cancelled, and then tears the session down.
// Cancellation is only noticed between cycles. An acquisition in progress is allowed to finish.
// Acquisition and publish failures never stop the loop.
func (l *Loop) Run(ctx context.Context) {
	l.log.Infof("Capture loop running at %v Hz", l.opt.FrameRate)
	defer l.teardown(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.limiter.Wait(ctx); err != nil {
			// Only cancellation makes a burst-1 limiter fail
			return
		}
		start := time.Now()
		l.Cycle(ctx)
		l.stats.cycle(time.Since(start), l.budget)
	}
}

// Cycle acquires one frame and publishes it. It returns false if acquisition failed.
func (l *Loop) Cycle(ctx context.Context) bool {
	// Shutdown must not interrupt an acquisition
	acquireCtx := context.WithoutCancel(ctx)
	if l.opt.AcquireTimeoutCycles > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(acquireCtx, time.Duration(l.opt.AcquireTimeoutCycles)*l.budget)
		defer cancel()
	}

	start := time.Now()
	frame, err := acquire.Acquire(acquireCtx, l.session)
	l.stats.acquired(time.Since(start), err)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no frame within %v cycles: %w", l.opt.AcquireTimeoutCycles, err)
		}
		l.onFailure(err)
		return false
	}
	l.onSuccess()

	l.sequence++
	frame.Stamp = time.Now()
	frame.FrameID = l.opt.FrameID
	frame.Sequence = l.sequence

	start = time.Now()
	err = l.sink.Publish(frame, l.info.Info())
	l.stats.published(frame.Stamp, time.Since(start), err)
	if err != nil {
		l.log.Warnf("Publish of frame %v failed: %v", frame.Sequence, err)
	}
	return true
}

func (l *Loop) onFailure(err error) {
	l.nFailStreak++
	now := time.Now()
	if l.nFailStreak == 1 || now.Sub(l.lastFailLog) > l.failLogEvery {
		l.log.Warnf("Failed to acquire frame (%v consecutive): %v", l.nFailStreak, err)
		l.lastFailLog = now
	}
}

func (l *Loop) onSuccess() {
	if l.nFailStreak > 1 {
		l.log.Infof("Camera recovered after %v failed acquisitions", l.nFailStreak)
	}
	l.nFailStreak = 0
}

func (l *Loop) teardown(ctx context.Context) {
	l.log.Infof("Capture loop stopping")
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := l.session.Close(tctx); err != nil {
		l.log.Errorf("Camera teardown: %v", err)
	}
}

func (l *Loop) Stats() Stats {
	return l.stats.snapshot()
}
