package acquisition

import (
	"context"
	"sync"
	"time"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/filter"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
	"github.com/bfabiszewski/ulogger-go/pkg/metrics"
	"github.com/bfabiszewski/ulogger-go/pkg/scheduler"
	"github.com/bfabiszewski/ulogger-go/pkg/store"
	"github.com/bfabiszewski/ulogger-go/pkg/telem"
)

// Config defines acquisition behavior.
type Config struct {
	Providers             []string          `json:"providers"`
	Thresholds            filter.Thresholds `json:"thresholds"`
	LiveSync              bool              `json:"live_sync"`
	GPSRestartMinInterval time.Duration     `json:"gps_restart_min_interval"`
	SingleShotTimeout     time.Duration     `json:"single_shot_timeout"`
}

// DefaultConfig returns safe acquisition defaults.
func DefaultConfig() *Config {
	return &Config{
		Providers: []string{pkg.ProviderGPS, pkg.ProviderNetwork},
		Thresholds: filter.Thresholds{
			MinInterval: 5 * time.Second,
			MinDistance: 5.0,
			MaxAccuracy: 100.0,
		},
		LiveSync:              true,
		GPSRestartMinInterval: 30 * time.Second,
		SingleShotTimeout:     30 * time.Second,
	}
}

// Controller drives fix acquisition: Idle until Start succeeds, Acquiring
// until Stop. Acceptance decisions are serialized with a single mutex around
// the last-accepted-fix read-modify-write, so concurrent provider callbacks
// are safe.
type Controller struct {
	config  *Config
	source  LocationSource
	store   *store.Store
	events  *telem.Store
	metrics *metrics.Metrics
	clock   scheduler.Clock
	logger  *logx.Logger

	mu             sync.Mutex
	running        bool
	starting       bool
	subs           map[string]Subscription
	lastFix        *pkg.Fix
	lastAcceptedAt time.Time
	lastGPSRestart time.Time
	enabled        map[string]bool
	syncTrigger    func()
	positionSink   func(pkg.Position)
}

// NewController wires an acquisition controller. Provider status
// transitions are watched for the controller's whole lifetime.
func NewController(config *Config, source LocationSource, st *store.Store,
	events *telem.Store, m *metrics.Metrics, clock scheduler.Clock, logger *logx.Logger,
) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SingleShotTimeout == 0 {
		config.SingleShotTimeout = 30 * time.Second
	}

	c := &Controller{
		config:  config,
		source:  source,
		store:   st,
		events:  events,
		metrics: m,
		clock:   clock,
		logger:  logger,
		subs:    make(map[string]Subscription),
		enabled: make(map[string]bool),
	}
	source.Watch(c.onProviderStatus)
	return c
}

// SetSyncTrigger installs the fire-and-forget sync kick invoked after each
// accepted fix when live sync is on. The trigger must never block.
func (c *Controller) SetSyncTrigger(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncTrigger = fn
}

// SetPositionSink installs an optional observer called with every accepted
// position, after it has been persisted. The sink must not block.
func (c *Controller) SetPositionSink(fn func(pkg.Position)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positionSink = fn
}

// Start subscribes to every configured, enabled provider and enters
// Acquiring. One successful subscription is sufficient. A Start racing an
// in-progress Start returns immediately; the first caller owns the
// transition, so subscriptions and the store reference are taken exactly
// once.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.running || c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	if !c.source.HasPermission() {
		c.events.Emit(pkg.EventPermissionDenied, "", pkg.ErrPermissionDenied.Error())
		return pkg.ErrPermissionDenied
	}

	subs := make(map[string]Subscription)
	for _, provider := range c.config.Providers {
		if !c.source.IsEnabled(provider) {
			c.logger.Debug("provider_unavailable", "provider", provider)
			continue
		}
		sub, err := c.source.Subscribe(provider, c.handleFix)
		if err != nil {
			c.logger.Warn("provider_subscribe_failed", "provider", provider, "error", err)
			continue
		}
		subs[provider] = sub
	}
	if len(subs) == 0 {
		c.events.Emit(pkg.EventNoProvider, "", pkg.ErrNoProviderAvailable.Error())
		return pkg.ErrNoProviderAvailable
	}

	if err := c.store.Open(); err != nil {
		for _, sub := range subs {
			c.source.Unsubscribe(sub)
		}
		return err
	}

	c.mu.Lock()
	c.subs = subs
	c.running = true
	c.lastFix = nil
	c.lastAcceptedAt = time.Time{}
	c.mu.Unlock()

	c.events.Emit(pkg.EventTrackingStarted, "", "")
	c.logger.Info("tracking_started", "providers", len(subs))
	return nil
}

// Stop releases all provider subscriptions and returns to Idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	subs := c.subs
	c.subs = make(map[string]Subscription)
	c.running = false
	c.mu.Unlock()

	for _, sub := range subs {
		c.source.Unsubscribe(sub)
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("store_release_failed", "error", err)
	}

	c.events.Emit(pkg.EventTrackingStopped, "", "")
	c.logger.Info("tracking_stopped")
}

// Running reports whether acquisition is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ElapsedSinceLastFix returns the time since the last accepted fix. ok is
// false when nothing has been accepted since Start.
func (c *Controller) ElapsedSinceLastFix() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAcceptedAt.IsZero() {
		return 0, false
	}
	return c.clock.Now().Sub(c.lastAcceptedAt), true
}

// handleFix is the per-fix path shared by all providers. The store append
// happens under the acceptance mutex so persisted order matches decision
// order; nothing here touches the network.
func (c *Controller) handleFix(raw pkg.Fix) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	fix, decision := filter.Decide(raw, c.lastFix, c.config.Thresholds)
	if decision.RestartProvider {
		c.maybeRestartGPSLocked()
	}
	if !decision.Accept {
		c.mu.Unlock()
		c.metrics.FixesRejected.WithLabelValues(string(decision.Reason)).Inc()
		c.logger.Debug("fix_rejected", "provider", raw.Provider, "reason", string(decision.Reason))
		return
	}

	pos := pkg.FromFix(fix)
	id, err := c.store.Append(&pos)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("fix_persist_failed", "provider", fix.Provider, "error", err)
		return
	}
	c.lastFix = &fix
	c.lastAcceptedAt = c.clock.Now()
	live := c.config.LiveSync
	trigger := c.syncTrigger
	sink := c.positionSink
	c.mu.Unlock()

	c.metrics.FixesAccepted.Inc()
	c.events.Emit(pkg.EventFixAccepted, fix.Provider, "")
	c.logger.Debug("fix_accepted", "id", id, "provider", fix.Provider)

	if sink != nil {
		pos.ID = id
		sink(pos)
	}
	if live && trigger != nil {
		trigger()
	}
}

// maybeRestartGPSLocked resubscribes the GPS provider after an accuracy
// degradation request, capped to one restart per configured interval. The
// caller holds the mutex; the restart itself runs off the fix path.
func (c *Controller) maybeRestartGPSLocked() {
	now := c.clock.Now()
	if c.config.GPSRestartMinInterval > 0 &&
		!c.lastGPSRestart.IsZero() &&
		now.Sub(c.lastGPSRestart) < c.config.GPSRestartMinInterval {
		return
	}
	if _, ok := c.subs[pkg.ProviderGPS]; !ok {
		return
	}
	c.lastGPSRestart = now
	go c.restartGPS()
}

func (c *Controller) restartGPS() {
	c.mu.Lock()
	old, ok := c.subs[pkg.ProviderGPS]
	if !ok || !c.running {
		c.mu.Unlock()
		return
	}
	delete(c.subs, pkg.ProviderGPS)
	c.mu.Unlock()

	c.source.Unsubscribe(old)
	sub, err := c.source.Subscribe(pkg.ProviderGPS, c.handleFix)
	if err != nil {
		c.logger.Warn("gps_restart_failed", "error", err)
		return
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.source.Unsubscribe(sub)
		return
	}
	c.subs[pkg.ProviderGPS] = sub
	c.mu.Unlock()
	c.logger.Info("gps_provider_restarted", "reason", "accuracy_degraded")
}

// onProviderStatus relays provider availability transitions to observers
// and raises no_provider when the last configured provider goes away.
func (c *Controller) onProviderStatus(provider string, enabled bool) {
	c.mu.Lock()
	c.enabled[provider] = enabled
	running := c.running
	anyEnabled := false
	for _, p := range c.config.Providers {
		if up, seen := c.enabled[p]; up || (!seen && c.source.IsEnabled(p)) {
			anyEnabled = true
			break
		}
	}
	c.mu.Unlock()

	if !running {
		return
	}
	if enabled {
		c.events.Emit(pkg.EventProviderEnabled, provider, "")
	} else {
		c.events.Emit(pkg.EventProviderDisabled, provider, "")
	}
	if !anyEnabled {
		c.events.Emit(pkg.EventNoProvider, "", pkg.ErrNoProviderAvailable.Error())
	}
}

// CaptureOnce requests one fix from all providers concurrently and returns
// the first one passing the filter, or fails when the timeout elapses or
// ctx is cancelled. Cancellation releases every subscription; a fix racing
// the cancellation is discarded (last writer wins on the done flag).
func (c *Controller) CaptureOnce(ctx context.Context) (*pkg.Fix, error) {
	if !c.source.HasPermission() {
		return nil, pkg.ErrPermissionDenied
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SingleShotTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		done   bool
		result = make(chan pkg.Fix, 1)
	)
	handler := func(raw pkg.Fix) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		fix, decision := filter.Decide(raw, nil, c.config.Thresholds)
		if !decision.Accept {
			return
		}
		done = true
		result <- fix
	}

	var subs []Subscription
	for _, provider := range c.config.Providers {
		if !c.source.IsEnabled(provider) {
			continue
		}
		sub, err := c.source.Subscribe(provider, handler)
		if err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		return nil, pkg.ErrNoProviderAvailable
	}
	defer func() {
		mu.Lock()
		done = true
		mu.Unlock()
		for _, sub := range subs {
			c.source.Unsubscribe(sub)
		}
	}()

	select {
	case fix := <-result:
		return &fix, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
