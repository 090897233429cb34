// Package syncer drains unsynced positions to the remote collector. It runs
// a single worker so at most one sync cycle is in flight; triggers arriving
// while a cycle runs are coalesced into one follow-up cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
	"github.com/bfabiszewski/ulogger-go/pkg/metrics"
	"github.com/bfabiszewski/ulogger-go/pkg/scheduler"
	"github.com/bfabiszewski/ulogger-go/pkg/store"
	"github.com/bfabiszewski/ulogger-go/pkg/telem"
	"github.com/bfabiszewski/ulogger-go/pkg/transport"
)

// Transport is the remote collector surface the engine depends on. The HTTP
// implementation lives in pkg/transport; tests substitute fakes.
type Transport interface {
	Authorize(ctx context.Context, user, pass string) error
	Deauthorize()
	StartTrack(ctx context.Context, name string) (int64, error)
	UploadPosition(ctx context.Context, fields map[string]string) error
	IsReachable(ctx context.Context) bool
}

// State is the engine's current phase, exposed for the status surface.
type State string

const (
	StateIdle             State = "idle"
	StateAuthorizing      State = "authorizing"
	StateResolvingTrack   State = "resolving_track"
	StateUploading        State = "uploading"
	StateBackoffScheduled State = "backoff_scheduled"
)

// Config defines sync behavior.
type Config struct {
	Username   string        `json:"username"`
	Password   string        `json:"password"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// DefaultConfig returns safe sync defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryDelay: 5 * time.Minute,
	}
}

// Engine is the durable upload state machine:
// Idle -> Authorizing -> ResolvingTrack -> Uploading -> Idle, with
// BackoffScheduled reachable from any failing phase while tracking is on.
type Engine struct {
	config    *Config
	store     *store.Store
	transport Transport
	events    *telem.Store
	metrics   *metrics.Metrics
	clock     scheduler.Clock
	logger    *logx.Logger

	// trackingActive gates retry scheduling: there is no point retrying
	// in the background when nothing is being recorded.
	trackingActive func() bool

	trigger chan struct{}

	mu         sync.Mutex
	state      State
	retryTimer scheduler.Timer
	authorized bool
}

// New wires a sync engine. trackingActive may be nil, which disables
// automatic retries.
func New(config *Config, st *store.Store, tr Transport, events *telem.Store,
	m *metrics.Metrics, clock scheduler.Clock, logger *logx.Logger,
	trackingActive func() bool,
) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 5 * time.Minute
	}
	return &Engine{
		config:         config,
		store:          st,
		transport:      tr,
		events:         events,
		metrics:        m,
		clock:          clock,
		logger:         logger,
		trackingActive: trackingActive,
		trigger:        make(chan struct{}, 1),
		state:          StateIdle,
	}
}

// Trigger requests a sync cycle. It never blocks: requests arriving while
// a cycle is in flight coalesce into at most one follow-up cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run is the engine's single worker loop. It holds a store reference for
// its lifetime so manual syncs work while tracking is off.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.store.Open(); err != nil {
		return fmt.Errorf("sync engine failed to open store: %w", err)
	}
	defer func() {
		e.mu.Lock()
		if e.retryTimer != nil {
			e.retryTimer.Cancel()
			e.retryTimer = nil
		}
		e.mu.Unlock()
		if err := e.store.Close(); err != nil {
			e.logger.Warn("store_release_failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
			e.cycle(ctx)
		}
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// cycle executes one sync attempt. A fresh cycle supersedes any pending
// retry, so the backoff timer is cancelled first.
func (e *Engine) cycle(ctx context.Context) {
	e.metrics.SyncCycles.Inc()

	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Cancel()
		e.retryTimer = nil
	}
	e.state = StateAuthorizing
	e.mu.Unlock()

	err := e.runCycle(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.setState(StateIdle)
			return
		}
		e.handleFailure(err)
		return
	}
	e.setState(StateIdle)
}

func (e *Engine) runCycle(ctx context.Context) error {
	// One re-authorization attempt per cycle, shared between track
	// resolution and the upload loop.
	reauthed := false

	e.mu.Lock()
	authorized := e.authorized
	e.mu.Unlock()
	if !authorized {
		if err := e.transport.Authorize(ctx, e.config.Username, e.config.Password); err != nil {
			return err
		}
		e.setAuthorized(true)
	}

	e.setState(StateResolvingTrack)
	track, err := e.store.CurrentTrack()
	if err != nil {
		return err
	}
	if track == nil || track.Name == "" {
		return pkg.NewSyncError(pkg.SyncNoActiveTrack, errors.New("no active track to sync"))
	}

	trackID := track.RemoteID
	if trackID == 0 {
		trackID, err = e.transport.StartTrack(ctx, track.Name)
		if errors.Is(err, pkg.ErrAuthExpired) && !reauthed {
			reauthed = true
			if err = e.reauthorize(ctx); err != nil {
				return err
			}
			trackID, err = e.transport.StartTrack(ctx, track.Name)
		}
		if err != nil {
			return err
		}
		if err := e.store.SetTrackID(trackID); err != nil {
			return err
		}
		e.logger.Info("track_registered", "name", track.Name, "track_id", trackID)
	}

	// Optimistic: the slot holds only the latest failure.
	if err := e.store.ClearError(); err != nil {
		return err
	}

	e.setState(StateUploading)
	for {
		batch, err := e.store.UnsyncedBatch()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		retry, err := e.uploadBatch(ctx, batch, trackID, &reauthed)
		if err != nil {
			return err
		}
		if retry {
			// Session was refreshed; re-query and retry the batch once.
			continue
		}
	}

	e.updateBacklogGauge()
	e.events.Emit(pkg.EventSyncDone, "", "")
	e.logger.Info("sync_done")
	return nil
}

// uploadBatch sends the batch strictly in order. The first failure aborts
// the whole batch so per-track upload ordering is preserved; records are
// marked synced only after the server accepted them, keeping delivery
// at-least-once across crashes.
func (e *Engine) uploadBatch(ctx context.Context, batch []pkg.Position, trackID int64, reauthed *bool) (bool, error) {
	for _, p := range batch {
		fields := transport.PositionFields(p, trackID)
		err := e.transport.UploadPosition(ctx, fields)
		if errors.Is(err, pkg.ErrAuthExpired) && !*reauthed {
			*reauthed = true
			if err := e.reauthorize(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if err := e.store.MarkSynced(p.ID); err != nil {
			return false, err
		}
		e.metrics.PositionsUploaded.Inc()
	}
	return false, nil
}

// reauthorize drops the expired session and logs in again.
func (e *Engine) reauthorize(ctx context.Context) error {
	e.transport.Deauthorize()
	e.setAuthorized(false)
	e.logger.Debug("session_expired_reauthorizing")
	if err := e.transport.Authorize(ctx, e.config.Username, e.config.Password); err != nil {
		return err
	}
	e.setAuthorized(true)
	return nil
}

func (e *Engine) setAuthorized(v bool) {
	e.mu.Lock()
	e.authorized = v
	e.mu.Unlock()
}

// handleFailure classifies the error, persists it as the track's current
// error, notifies observers and, while tracking is active, schedules
// exactly one retry.
func (e *Engine) handleFailure(err error) {
	class := pkg.ClassifySyncError(err)
	msg := failureMessage(class, err)

	if serr := e.store.SetError(msg); serr != nil {
		e.logger.Error("failed to persist sync error", "error", serr)
	}
	e.metrics.SyncFailures.WithLabelValues(string(class)).Inc()
	e.events.Emit(pkg.EventSyncFailed, "", msg)
	e.logger.Warn("sync_failed", "class", string(class), "error", err)
	e.updateBacklogGauge()

	if e.trackingActive == nil || !e.trackingActive() {
		e.setState(StateIdle)
		return
	}

	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Cancel()
	}
	e.retryTimer = e.clock.ScheduleOnce(e.config.RetryDelay, e.Trigger)
	e.state = StateBackoffScheduled
	e.mu.Unlock()
	e.logger.Info("sync_retry_scheduled", "delay", e.config.RetryDelay.String())
}

func (e *Engine) updateBacklogGauge() {
	if count, err := e.store.UnsyncedCount(); err == nil {
		e.metrics.UnsyncedBacklog.Set(float64(count))
	}
}

// failureMessage renders the human-readable message stored on the track.
func failureMessage(class pkg.SyncErrorClass, err error) string {
	switch class {
	case pkg.SyncAuthRejected:
		return fmt.Sprintf("authentication failed: %v", err)
	case pkg.SyncUnknownHost:
		return fmt.Sprintf("unknown server host: %v", err)
	case pkg.SyncMalformedEndpoint:
		return fmt.Sprintf("malformed server url: %v", err)
	case pkg.SyncConnectFailed:
		return fmt.Sprintf("connection failed: %v", err)
	case pkg.SyncNoActiveTrack:
		return "no active track"
	default:
		return fmt.Sprintf("sync failed: %v", err)
	}
}
