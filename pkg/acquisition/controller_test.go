package acquisition

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/filter"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
	"github.com/bfabiszewski/ulogger-go/pkg/metrics"
	"github.com/bfabiszewski/ulogger-go/pkg/scheduler"
	"github.com/bfabiszewski/ulogger-go/pkg/store"
	"github.com/bfabiszewski/ulogger-go/pkg/telem"
)

type fakeSub struct {
	provider string
	id       int
}

func (s fakeSub) Provider() string { return s.provider }

type fakeSource struct {
	mu         sync.Mutex
	enabled    map[string]bool
	permission bool
	subs       map[int]fakeSub
	callbacks  map[int]func(pkg.Fix)
	nextID     int
	watchers   []StatusFunc

	// onSubscribe, when set, runs inside Subscribe before the lock is
	// taken; tests use it to stall a Start mid-transition.
	onSubscribe func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		enabled:    map[string]bool{pkg.ProviderGPS: true, pkg.ProviderNetwork: true},
		permission: true,
		subs:       make(map[int]fakeSub),
		callbacks:  make(map[int]func(pkg.Fix)),
	}
}

func (f *fakeSource) Subscribe(provider string, cb func(pkg.Fix)) (Subscription, error) {
	if f.onSubscribe != nil {
		f.onSubscribe()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := fakeSub{provider: provider, id: f.nextID}
	f.subs[f.nextID] = sub
	f.callbacks[f.nextID] = cb
	return sub, nil
}

func (f *fakeSource) Unsubscribe(sub Subscription) {
	fs, ok := sub.(fakeSub)
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, fs.id)
	delete(f.callbacks, fs.id)
}

func (f *fakeSource) IsEnabled(provider string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[provider]
}

func (f *fakeSource) HasPermission() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission
}

func (f *fakeSource) Watch(fn StatusFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, fn)
}

func (f *fakeSource) emit(provider string, fix pkg.Fix) {
	fix.Provider = provider
	f.mu.Lock()
	var cbs []func(pkg.Fix)
	for id, sub := range f.subs {
		if sub.provider == provider {
			cbs = append(cbs, f.callbacks[id])
		}
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(fix)
	}
}

func (f *fakeSource) setEnabled(provider string, v bool) {
	f.mu.Lock()
	f.enabled[provider] = v
	watchers := make([]StatusFunc, len(f.watchers))
	copy(watchers, f.watchers)
	f.mu.Unlock()
	for _, fn := range watchers {
		fn(provider, v)
	}
}

func (f *fakeSource) activeSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) totalSubscribes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

type controllerFixture struct {
	controller *Controller
	source     *fakeSource
	store      *store.Store
	events     *telem.Store
	clock      *scheduler.FakeClock
	triggers   atomic.Int64
}

func newControllerFixture(t *testing.T, cfg *Config) *controllerFixture {
	t.Helper()

	f := &controllerFixture{
		source: newFakeSource(),
		events: telem.NewStore(64),
		clock:  scheduler.NewFakeClock(time.Unix(1700000000, 0)),
	}
	f.store = store.New(filepath.Join(t.TempDir(), "positions.db"), "", logx.NewLogger("error", "test"))

	if cfg == nil {
		cfg = &Config{
			Providers: []string{pkg.ProviderGPS, pkg.ProviderNetwork},
			Thresholds: filter.Thresholds{
				MinInterval: 10 * time.Second,
				MinDistance: 10.0,
				MaxAccuracy: 100.0,
			},
			LiveSync:              true,
			GPSRestartMinInterval: time.Minute,
			SingleShotTimeout:     time.Second,
		}
	}
	f.controller = NewController(cfg, f.source, f.store, f.events, metrics.New(), f.clock,
		logx.NewLogger("error", "test"))
	f.controller.SetSyncTrigger(func() { f.triggers.Add(1) })
	return f
}

func gpsFix(lat, lon float64, ts int64) pkg.Fix {
	return pkg.Fix{
		Time:      time.Unix(ts, 0).UTC(),
		Latitude:  lat,
		Longitude: lon,
		Provider:  pkg.ProviderGPS,
	}
}

func TestStartFailsWithoutPermission(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.source.permission = false

	err := f.controller.Start()
	assert.ErrorIs(t, err, pkg.ErrPermissionDenied)
	assert.False(t, f.controller.Running())
	assert.NotNil(t, f.events.LastOfType(pkg.EventPermissionDenied))
}

func TestStartFailsWithoutProviders(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.source.enabled[pkg.ProviderGPS] = false
	f.source.enabled[pkg.ProviderNetwork] = false

	err := f.controller.Start()
	assert.ErrorIs(t, err, pkg.ErrNoProviderAvailable)
	assert.NotNil(t, f.events.LastOfType(pkg.EventNoProvider))
}

func TestStartWithSingleProviderSucceeds(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.source.enabled[pkg.ProviderGPS] = false

	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	assert.True(t, f.controller.Running())
	assert.Equal(t, 1, f.source.activeSubs())
}

func TestAcceptedFixIsPersistedAndTriggersSync(t *testing.T) {
	f := newControllerFixture(t, nil)
	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000000))

	count, err := f.store.UnsyncedCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), f.triggers.Load())
	assert.NotNil(t, f.events.LastOfType(pkg.EventFixAccepted))
}

func TestPositionSinkObservesAcceptedFixes(t *testing.T) {
	f := newControllerFixture(t, nil)

	var mu sync.Mutex
	var seen []pkg.Position
	f.controller.SetPositionSink(func(p pkg.Position) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})

	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000000))
	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000002)) // rejected, too soon

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "only accepted fixes reach the sink")
	assert.Equal(t, int64(1), seen[0].ID)
	assert.InDelta(t, 52.0, seen[0].Latitude, 1e-9)
}

func TestConcurrentStartTakesSingleTransition(t *testing.T) {
	f := newControllerFixture(t, nil)

	inSubscribe := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.source.onSubscribe = func() {
		once.Do(func() {
			close(inSubscribe)
			<-release
		})
	}

	errs := make(chan error, 2)
	go func() { errs <- f.controller.Start() }()
	<-inSubscribe

	// The second Start arrives while the first is mid-transition and must
	// return without subscribing or opening the store again.
	go func() { errs <- f.controller.Start() }()
	require.NoError(t, <-errs)

	close(release)
	require.NoError(t, <-errs)
	assert.True(t, f.controller.Running())
	assert.Equal(t, 2, f.source.totalSubscribes(), "each provider subscribed exactly once")

	f.controller.Stop()
	assert.Equal(t, 0, f.source.activeSubs(), "single Stop releases every subscription")
	assert.ErrorIs(t, f.store.Close(), pkg.ErrStoreClosed, "single Stop releases the only store reference")
}

func TestRejectedFixIsNotPersisted(t *testing.T) {
	f := newControllerFixture(t, nil)
	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000000))
	// ~5.5 m away, under the 10 m distance gate.
	f.source.emit(pkg.ProviderGPS, gpsFix(52.00005, 21.0, 1700000005))

	count, err := f.store.UnsyncedCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), f.triggers.Load(), "rejected fixes do not trigger sync")
}

func TestLiveSyncDisabledDoesNotTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LiveSync = false
	cfg.Thresholds = filter.Thresholds{MinInterval: 10 * time.Second, MinDistance: 10, MaxAccuracy: 100}
	f := newControllerFixture(t, cfg)
	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000000))

	assert.Zero(t, f.triggers.Load())
}

func TestStopReleasesSubscriptions(t *testing.T) {
	f := newControllerFixture(t, nil)
	require.NoError(t, f.controller.Start())
	require.Equal(t, 2, f.source.activeSubs())

	f.controller.Stop()

	assert.Zero(t, f.source.activeSubs())
	assert.False(t, f.controller.Running())
	assert.NotNil(t, f.events.LastOfType(pkg.EventTrackingStopped))

	// Fixes arriving after Stop are discarded.
	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000000))
}

func TestConcurrentFixesSerialized(t *testing.T) {
	f := newControllerFixture(t, nil)
	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.source.emit(pkg.ProviderGPS, gpsFix(52.0+float64(i)*0.01, 21.0, 1700000000+int64(i)))
		}(i)
	}
	wg.Wait()

	// All fixes are far apart, every one is accepted exactly once.
	count, err := f.store.UnsyncedCount()
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestGPSRestartOnDegradedAccuracy(t *testing.T) {
	f := newControllerFixture(t, nil)
	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	bad := gpsFix(52.0, 21.0, 1700000000)
	acc := 500.0
	bad.Accuracy = &acc
	f.source.emit(pkg.ProviderGPS, bad)

	// The restart resubscribes asynchronously off the fix path.
	require.Eventually(t, func() bool {
		return f.source.totalSubscribes() == 3 && f.source.activeSubs() == 2
	}, time.Second, 10*time.Millisecond)

	count, err := f.store.UnsyncedCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProviderStatusEvents(t *testing.T) {
	f := newControllerFixture(t, nil)
	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	f.source.setEnabled(pkg.ProviderGPS, false)
	assert.NotNil(t, f.events.LastOfType(pkg.EventProviderDisabled))

	f.source.setEnabled(pkg.ProviderNetwork, false)
	assert.NotNil(t, f.events.LastOfType(pkg.EventNoProvider))

	f.source.setEnabled(pkg.ProviderGPS, true)
	assert.NotNil(t, f.events.LastOfType(pkg.EventProviderEnabled))
}

func TestElapsedSinceLastFix(t *testing.T) {
	f := newControllerFixture(t, nil)
	require.NoError(t, f.controller.Start())
	defer f.controller.Stop()

	_, ok := f.controller.ElapsedSinceLastFix()
	assert.False(t, ok)

	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000000))
	f.clock.Advance(42 * time.Second)

	elapsed, ok := f.controller.ElapsedSinceLastFix()
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, elapsed)
}

func TestCaptureOnceReturnsFirstAcceptedFix(t *testing.T) {
	f := newControllerFixture(t, nil)

	done := make(chan struct{})
	var fix *pkg.Fix
	var err error
	go func() {
		fix, err = f.controller.CaptureOnce(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return f.source.activeSubs() == 2 },
		time.Second, 10*time.Millisecond)

	// An inaccurate fix is skipped, the next one wins.
	bad := gpsFix(52.0, 21.0, 1700000000)
	acc := 500.0
	bad.Accuracy = &acc
	f.source.emit(pkg.ProviderGPS, bad)
	f.source.emit(pkg.ProviderNetwork, gpsFix(52.1, 21.1, 1700000001))

	<-done
	require.NoError(t, err)
	require.NotNil(t, fix)
	assert.Equal(t, pkg.ProviderNetwork, fix.Provider)

	// All single-shot subscriptions are released.
	require.Eventually(t, func() bool { return f.source.activeSubs() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestCaptureOnceTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SingleShotTimeout = 50 * time.Millisecond
	f := newControllerFixture(t, cfg)

	_, err := f.controller.CaptureOnce(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.source.activeSubs())
}

func TestCaptureOnceCancellationDiscardsLateFix(t *testing.T) {
	f := newControllerFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.controller.CaptureOnce(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.source.activeSubs() == 2 },
		time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool { return f.source.activeSubs() == 0 },
		time.Second, 10*time.Millisecond)

	// A fix racing the cancellation is discarded, not delivered anywhere.
	f.source.emit(pkg.ProviderGPS, gpsFix(52.0, 21.0, 1700000000))
}

func TestCaptureOncePermissionDenied(t *testing.T) {
	f := newControllerFixture(t, nil)
	f.source.permission = false

	_, err := f.controller.CaptureOnce(context.Background())
	assert.ErrorIs(t, err, pkg.ErrPermissionDenied)
}
