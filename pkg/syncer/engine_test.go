package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
	"github.com/bfabiszewski/ulogger-go/pkg/metrics"
	"github.com/bfabiszewski/ulogger-go/pkg/scheduler"
	"github.com/bfabiszewski/ulogger-go/pkg/store"
	"github.com/bfabiszewski/ulogger-go/pkg/telem"
)

// fakeTransport scripts per-call results: entries are consumed in order and
// a missing entry means success.
type fakeTransport struct {
	mu          sync.Mutex
	authErrs    []error
	authCalls   int
	deauthCalls int
	trackID     int64
	trackCalls  int
	uploadErrs  []error
	uploads     []map[string]string
}

func (f *fakeTransport) Authorize(ctx context.Context, user, pass string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if len(f.authErrs) > 0 {
		err := f.authErrs[0]
		f.authErrs = f.authErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Deauthorize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deauthCalls++
}

func (f *fakeTransport) StartTrack(ctx context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackCalls++
	if f.trackID == 0 {
		f.trackID = 100
	}
	return f.trackID, nil
}

func (f *fakeTransport) UploadPosition(ctx context.Context, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, fields)
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) IsReachable(ctx context.Context) bool { return true }

type engineFixture struct {
	engine    *Engine
	store     *store.Store
	transport *fakeTransport
	clock     *scheduler.FakeClock
	events    *telem.Store
	tracking  bool
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()

	st := store.New(filepath.Join(t.TempDir(), "positions.db"), "", logx.NewLogger("error", "test"))
	require.NoError(t, st.Open())
	t.Cleanup(func() { _ = st.Close() })

	f := &engineFixture{
		store:     st,
		transport: &fakeTransport{},
		clock:     scheduler.NewFakeClock(time.Unix(1700000000, 0)),
		events:    telem.NewStore(64),
		tracking:  true,
	}
	f.engine = New(&Config{Username: "user", Password: "secret", RetryDelay: 5 * time.Minute},
		st, f.transport, f.events, metrics.New(), f.clock,
		logx.NewLogger("error", "test"), func() bool { return f.tracking })
	return f
}

func (f *engineFixture) seedTrack(t *testing.T, positions int) {
	t.Helper()
	_, err := f.store.StartTrack("test track")
	require.NoError(t, err)
	for i := 0; i < positions; i++ {
		_, err := f.store.Append(&pkg.Position{
			Time:      time.Unix(1700000000+int64(i)*10, 0).UTC(),
			Latitude:  52.0,
			Longitude: 21.0 + float64(i)*0.001,
			Provider:  pkg.ProviderGPS,
		})
		require.NoError(t, err)
	}
}

func (f *engineFixture) unsynced(t *testing.T) int {
	t.Helper()
	n, err := f.store.UnsyncedCount()
	require.NoError(t, err)
	return n
}

func TestCycleUploadsAllUnsynced(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 3)

	f.engine.cycle(context.Background())

	assert.Equal(t, 0, f.unsynced(t))
	assert.Equal(t, 1, f.transport.authCalls)
	assert.Equal(t, 1, f.transport.trackCalls)
	assert.Len(t, f.transport.uploads, 3)

	track, err := f.store.CurrentTrack()
	require.NoError(t, err)
	assert.Equal(t, int64(100), track.RemoteID, "remote track id persisted")
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestCycleSkipsTrackRegistrationWhenResolved(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 1)
	require.NoError(t, f.store.SetTrackID(55))

	f.engine.cycle(context.Background())

	assert.Zero(t, f.transport.trackCalls)
	assert.Equal(t, "55", f.transport.uploads[0]["trackid"])
}

func TestBatchAbortsOnFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 5)
	f.transport.uploadErrs = []error{nil, nil, nil,
		pkg.NewSyncError(pkg.SyncConnectFailed, errors.New("connection refused"))}

	f.engine.cycle(context.Background())

	// Records 1-3 synced, 4-5 remain buffered.
	assert.Equal(t, 2, f.unsynced(t))
	assert.Len(t, f.transport.uploads, 4, "no skipping ahead after a failure")

	track, err := f.store.CurrentTrack()
	require.NoError(t, err)
	assert.Contains(t, track.LastError, "connection failed")

	// Exactly one retry scheduled while tracking is active.
	assert.Equal(t, 1, f.clock.PendingTimers())
	assert.Equal(t, StateBackoffScheduled, f.engine.State())

	// The retry fires at +300s and requests a new cycle.
	f.clock.Advance(5 * time.Minute)
	assert.Len(t, f.engine.trigger, 1)
}

func TestNoRetryWhenTrackingInactive(t *testing.T) {
	f := newFixture(t)
	f.tracking = false
	f.seedTrack(t, 1)
	f.transport.uploadErrs = []error{
		pkg.NewSyncError(pkg.SyncConnectFailed, errors.New("timeout"))}

	f.engine.cycle(context.Background())

	assert.Zero(t, f.clock.PendingTimers())
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestReauthMidBatchRetriesWholeBatch(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 5)
	f.transport.uploadErrs = []error{nil, nil, pkg.ErrAuthExpired}

	f.engine.cycle(context.Background())

	assert.Equal(t, 0, f.unsynced(t), "retry after re-auth drains the batch")
	assert.Equal(t, 1, f.transport.deauthCalls)
	assert.Equal(t, 2, f.transport.authCalls, "exactly one re-authorization")
	// 2 successes + expiry + 3 remaining on retry.
	assert.Len(t, f.transport.uploads, 6)
}

func TestSecondAuthExpiryFailsCycle(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 3)
	f.transport.uploadErrs = []error{pkg.ErrAuthExpired, pkg.ErrAuthExpired}

	f.engine.cycle(context.Background())

	assert.Equal(t, 3, f.unsynced(t))
	assert.Equal(t, 2, f.transport.authCalls, "never more than one re-auth per cycle")

	track, err := f.store.CurrentTrack()
	require.NoError(t, err)
	assert.NotEmpty(t, track.LastError)
}

func TestAuthFailureStopsCycle(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 2)
	f.transport.authErrs = []error{
		pkg.NewSyncError(pkg.SyncAuthRejected, errors.New("bad credentials"))}

	f.engine.cycle(context.Background())

	assert.Empty(t, f.transport.uploads)
	assert.Equal(t, 2, f.unsynced(t))

	track, err := f.store.CurrentTrack()
	require.NoError(t, err)
	assert.Contains(t, track.LastError, "authentication failed")
}

func TestNoActiveTrackIsFailure(t *testing.T) {
	f := newFixture(t)
	// No StartTrack: the singleton row does not exist yet.

	f.engine.cycle(context.Background())

	assert.Empty(t, f.transport.uploads)
	ev := f.events.LastOfType(pkg.EventSyncFailed)
	require.NotNil(t, ev)
	assert.Contains(t, ev.Message, "no active track")
}

func TestErrorClearedOnNextSuccessfulCycle(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 1)
	f.transport.uploadErrs = []error{
		pkg.NewSyncError(pkg.SyncConnectFailed, errors.New("no route"))}

	f.engine.cycle(context.Background())
	track, err := f.store.CurrentTrack()
	require.NoError(t, err)
	require.NotEmpty(t, track.LastError)

	f.engine.cycle(context.Background())
	track, err = f.store.CurrentTrack()
	require.NoError(t, err)
	assert.Empty(t, track.LastError)
	assert.Equal(t, 0, f.unsynced(t))
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t)

	f.engine.Trigger()
	f.engine.Trigger()
	f.engine.Trigger()

	assert.Len(t, f.engine.trigger, 1, "rapid triggers collapse into one pending cycle")
}

func TestNewCycleCancelsPendingRetry(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 1)
	f.transport.uploadErrs = []error{
		pkg.NewSyncError(pkg.SyncConnectFailed, errors.New("down"))}

	f.engine.cycle(context.Background())
	require.Equal(t, 1, f.clock.PendingTimers())

	// A fresh cycle supersedes the scheduled retry.
	f.engine.cycle(context.Background())
	assert.Zero(t, f.clock.PendingTimers())
	assert.Equal(t, 0, f.unsynced(t))
}

func TestSyncDoneEventEmitted(t *testing.T) {
	f := newFixture(t)
	f.seedTrack(t, 1)

	f.engine.cycle(context.Background())

	assert.NotNil(t, f.events.LastOfType(pkg.EventSyncDone))
}
