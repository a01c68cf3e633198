package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/camnode/server/acquire"
	"github.com/cyclopcam/camnode/server/calibration"
	"github.com/cyclopcam/camnode/server/device/simcam"
	"github.com/cyclopcam/camnode/server/session"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	frames  []*acquire.Frame
	infos   []calibration.Info
	err     error
	onFrame func(n int)
}

func (r *recordingSink) Publish(frame *acquire.Frame, info calibration.Info) error {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.infos = append(r.infos, info)
	n := len(r.frames)
	r.mu.Unlock()
	if r.onFrame != nil {
		r.onFrame(n)
	}
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type fixedInfo calibration.Info

func (f fixedInfo) Info() calibration.Info {
	return calibration.Info(f)
}

type testRig struct {
	bus  *simcam.Bus
	sess *session.Session
	sink *recordingSink
	loop *Loop
}

func newRig(t *testing.T, simCfg simcam.Config, opt Options) *testRig {
	log := logs.NewTestingLog(t)
	bus := simcam.NewBus(simCfg)
	sess := session.New(log, bus)
	sink := &recordingSink{}
	if opt.Width == 0 {
		opt.Width, opt.Height = 64, 48
	}
	if opt.FrameRate == 0 {
		opt.FrameRate = 500
	}
	if opt.FrameID == "" {
		opt.FrameID = "head_camera"
	}
	loop, err := New(log, sess, sink, fixedInfo(calibration.DefaultInfo(opt.FrameID, opt.Width, opt.Height)), opt)
	require.NoError(t, err)
	return &testRig{bus: bus, sess: sess, sink: sink, loop: loop}
}

func (r *testRig) open(t *testing.T) {
	h, err := r.bus.Lookup(context.Background(), simcam.MakeRecord(0).IP)
	require.NoError(t, err)
	_, err = r.loop.Open(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, session.Capturing, r.sess.State())
}

func TestFailuresAreSkipped(t *testing.T) {
	for _, n := range []int{0, 1, 5, 20} {
		rig := newRig(t, simcam.DefaultConfig(), Options{})
		rig.open(t)
		rig.bus.FailNext(simcam.OpRetrieveBuffer, n)
		for i := 0; i < n; i++ {
			require.False(t, rig.loop.Cycle(context.Background()))
		}
		require.Equal(t, 0, rig.sink.count())
		require.True(t, rig.loop.Cycle(context.Background()))
		require.Equal(t, 1, rig.sink.count())

		st := rig.loop.Stats()
		require.Equal(t, int64(n), st.AcquireFailures)
		require.Equal(t, int64(1), st.Published)
		if n > 0 {
			require.Contains(t, st.LastError, "simulated device failure")
		}
	}
}

func TestFramesAreStamped(t *testing.T) {
	rig := newRig(t, simcam.DefaultConfig(), Options{FrameID: "left_optical"})
	rig.open(t)
	before := time.Now()
	for i := 0; i < 3; i++ {
		require.True(t, rig.loop.Cycle(context.Background()))
	}
	for i, f := range rig.sink.frames {
		require.Equal(t, uint64(i+1), f.Sequence)
		require.Equal(t, "left_optical", f.FrameID)
		require.False(t, f.Stamp.Before(before))
		require.Equal(t, 64, f.Image.Width)
		require.Equal(t, 48, rig.sink.infos[i].Height)
	}
}

func TestPublishErrorDoesNotStopLoop(t *testing.T) {
	rig := newRig(t, simcam.DefaultConfig(), Options{})
	rig.open(t)
	rig.sink.err = errors.New("subscriber went away")
	require.True(t, rig.loop.Cycle(context.Background()))
	require.True(t, rig.loop.Cycle(context.Background()))
	st := rig.loop.Stats()
	require.Equal(t, int64(2), st.PublishErrors)
	require.Equal(t, int64(0), st.Published)
}

func TestRunSkipsFailuresUntilShutdown(t *testing.T) {
	rig := newRig(t, simcam.DefaultConfig(), Options{})
	rig.open(t)
	rig.bus.FailNext(simcam.OpRetrieveBuffer, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.sink.onFrame = func(n int) {
		// The shutdown signal arrives after the first successful publish, in the middle of the cycle
		cancel()
	}
	done := make(chan struct{})
	go func() {
		rig.loop.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("capture loop did not stop")
	}

	require.Equal(t, 1, rig.sink.count())
	require.Equal(t, 5, rig.bus.Calls(simcam.OpRetrieveBuffer))
	require.Equal(t, session.Closed, rig.sess.State())
	require.Equal(t, 1, rig.bus.Calls(simcam.OpStopCapture))
	require.Equal(t, 1, rig.bus.Calls(simcam.OpDisconnect))
	require.Equal(t, int64(5), rig.loop.Stats().Cycles)
}

func TestRunAlreadyCancelled(t *testing.T) {
	rig := newRig(t, simcam.DefaultConfig(), Options{})
	rig.open(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rig.loop.Run(ctx)
	require.Zero(t, rig.bus.Calls(simcam.OpRetrieveBuffer))
	require.Equal(t, session.Closed, rig.sess.State())
}

func TestRateIsGoverned(t *testing.T) {
	rig := newRig(t, simcam.DefaultConfig(), Options{FrameRate: 50})
	rig.open(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.sink.onFrame = func(n int) {
		if n == 6 {
			cancel()
		}
	}
	start := time.Now()
	rig.loop.Run(ctx)
	// The first cycle starts immediately, and then there are 5 gaps of 20ms
	require.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond)
	require.Equal(t, 6, rig.sink.count())
}

func TestAcquireWatchdog(t *testing.T) {
	sim := simcam.DefaultConfig()
	sim.FrameInterval = 300 * time.Millisecond
	rig := newRig(t, sim, Options{FrameRate: 100, AcquireTimeoutCycles: 2})
	rig.open(t)
	start := time.Now()
	require.False(t, rig.loop.Cycle(context.Background()))
	require.Less(t, time.Since(start), 250*time.Millisecond)
	require.Contains(t, rig.loop.Stats().LastError, "no frame within 2 cycles")
}

func TestShutdownDoesNotInterruptAcquire(t *testing.T) {
	sim := simcam.DefaultConfig()
	sim.FrameInterval = 50 * time.Millisecond
	rig := newRig(t, sim, Options{})
	rig.open(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	// The acquisition started before the cancel, so it completes and is published
	require.True(t, rig.loop.Cycle(ctx))
	require.Equal(t, 1, rig.sink.count())
}

func TestOpenTearsDownOnFailure(t *testing.T) {
	rig := newRig(t, simcam.DefaultConfig(), Options{})
	h, err := rig.bus.Lookup(context.Background(), simcam.MakeRecord(0).IP)
	require.NoError(t, err)

	rig.bus.FailNext(simcam.OpStartCapture, 1)
	_, err = rig.loop.Open(context.Background(), h)
	require.ErrorIs(t, err, simcam.ErrInjected)
	require.Equal(t, session.Closed, rig.sess.State())
	require.Equal(t, 1, rig.bus.Calls(simcam.OpDisconnect))

	// Oversized geometry is a startup failure too
	big := newRig(t, simcam.DefaultConfig(), Options{Width: 4096, Height: 480})
	_, err = big.loop.Open(context.Background(), h)
	require.ErrorIs(t, err, session.ErrGeometry)
	require.Equal(t, session.Closed, big.sess.State())

	_, err = New(logs.NewTestingLog(t), rig.sess, rig.sink, fixedInfo{}, Options{Width: 1, Height: 1, FrameRate: 0})
	require.Error(t, err)
}

func TestEstimateFPS(t *testing.T) {
	require.Equal(t, 0.0, EstimateFPS(nil))
	intervals := []time.Duration{
		33 * time.Millisecond,
		34 * time.Millisecond,
		33 * time.Millisecond,
		500 * time.Millisecond, // one stall
	}
	require.Equal(t, 29.4, EstimateFPS(intervals))

	intervals = []time.Duration{
		100 * time.Millisecond,
		101 * time.Millisecond,
		99 * time.Millisecond,
	}
	require.Equal(t, 10.0, EstimateFPS(intervals))

	intervals = []time.Duration{2 * time.Second}
	require.Equal(t, 0.5, EstimateFPS(intervals))
}
