// Package watcher keeps the rule caches coherent with the repository by
// consuming its change feed, degrading to periodic coarse invalidation when
// the feed is unavailable.
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aoxiansheng/stock-api-sub010/internal/config"
	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
	"github.com/aoxiansheng/stock-api-sub010/internal/retry"
	"github.com/aoxiansheng/stock-api-sub010/internal/rule"
)

// State is the watcher's connection state.
type State int32

// Watcher states. There is no terminal state; the watcher is long-lived
// until stopped.
const (
	// StateDisconnected means no active change feed subscription.
	StateDisconnected State = iota

	// StateWatching means change events are being consumed.
	StateWatching

	// StateDegraded means fine-grained events are unavailable and a
	// periodic timer performs coarse invalidation instead. The watcher
	// never leaves this state on its own; Resume is an explicit
	// external action.
	StateDegraded
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateWatching:
		return "watching"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// LocalInvalidator is the local cache surface the watcher drives.
// *rulecache.RuleCache satisfies it.
type LocalInvalidator interface {
	Invalidate(ruleID string)
	InvalidateScope(provider string, apiType rule.APIType, ruleType string)
	Clear()
}

// DistributedInvalidator is the distributed tier surface the watcher drives.
// *rulecache.DistributedRuleCache satisfies it.
type DistributedInvalidator interface {
	InvalidateRule(ctx context.Context, ruleID, provider string, apiType rule.APIType, ruleType string)
	InvalidateContent(ctx context.Context, ruleID string)
	InvalidateProvider(ctx context.Context, provider string)
}

// ChangeWatcher subscribes to the repository change feed and evicts affected
// cache entries in both tiers.
type ChangeWatcher struct {
	logger      observability.Logger
	metrics     observability.MetricsCollector
	cfg         config.WatcherConfig
	repo        rule.Repository
	local       LocalInvalidator
	distributed DistributedInvalidator // may be nil

	state    atomic.Int32
	resumeCh chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option is a functional option for configuring the watcher.
type Option func(*ChangeWatcher)

// WithDistributed attaches the distributed tier invalidator.
func WithDistributed(d DistributedInvalidator) Option {
	return func(w *ChangeWatcher) {
		w.distributed = d
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.MetricsCollector) Option {
	return func(w *ChangeWatcher) {
		w.metrics = m
	}
}

// New creates a change watcher over the repository feed.
func New(
	cfg config.WatcherConfig,
	repo rule.Repository,
	local LocalInvalidator,
	logger observability.Logger,
	opts ...Option,
) *ChangeWatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.MaxStreamFailures <= 0 {
		cfg.MaxStreamFailures = config.DefaultMaxStreamFailures
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = config.Duration(config.DefaultReconnectBackoff)
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = config.Duration(config.DefaultMaxBackoff)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.Duration(config.DefaultPollInterval)
	}

	w := &ChangeWatcher{
		logger:   logger,
		metrics:  observability.NopMetricsCollector(),
		cfg:      cfg,
		repo:     repo,
		local:    local,
		resumeCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current watcher state.
func (w *ChangeWatcher) State() State {
	return State(w.state.Load())
}

// Start launches the watch loop. It is a no-op when already running.
func (w *ChangeWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(runCtx)
}

// Stop shuts the watcher down, releasing the subscription and cancelling
// any polling timer. Safe to call multiple times.
func (w *ChangeWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.setState(StateDisconnected)
	w.logger.Info("change watcher stopped")
}

// Resume is the explicit external action that leaves degraded mode and
// attempts to stream again.
func (w *ChangeWatcher) Resume() {
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
}

// run alternates between the streaming phase and, after sustained failure,
// the degraded polling phase.
func (w *ChangeWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		degraded := w.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if !degraded {
			return
		}

		w.setState(StateDegraded)
		resumed := w.poll(ctx)
		if !resumed {
			return
		}
		w.logger.Info("resuming change feed streaming")
	}
}

// stream subscribes and consumes events until the context is cancelled or
// consecutive failures exhaust the budget. Returns true when the watcher
// should degrade to polling.
func (w *ChangeWatcher) stream(ctx context.Context) bool {
	failures := 0

	for {
		if ctx.Err() != nil {
			return false
		}

		w.setState(StateDisconnected)
		events, err := w.repo.WatchChanges(ctx)
		if err != nil {
			failures++
			w.logger.Warn("change feed subscription failed",
				observability.Int("consecutiveFailures", failures),
				observability.Error(err))
			if failures >= w.cfg.MaxStreamFailures {
				return true
			}
			if !w.sleepBackoff(ctx, failures-1) {
				return false
			}
			continue
		}

		w.setState(StateWatching)
		w.logger.Info("change feed subscribed")

		streamed := w.consume(ctx, events)
		if ctx.Err() != nil {
			return false
		}

		// A closed channel is a stream error unless we are shutting
		// down. Events observed during the stream reset the budget.
		if streamed {
			failures = 0
		}
		failures++
		w.logger.Warn("change feed stream ended",
			observability.Int("consecutiveFailures", failures))
		if failures >= w.cfg.MaxStreamFailures {
			return true
		}
		if !w.sleepBackoff(ctx, failures-1) {
			return false
		}
	}
}

// consume drains the event channel until it closes. Returns true when at
// least one event was handled.
func (w *ChangeWatcher) consume(ctx context.Context, events <-chan rule.ChangeEvent) bool {
	streamed := false
	for {
		select {
		case <-ctx.Done():
			return streamed
		case event, ok := <-events:
			if !ok {
				return streamed
			}
			streamed = true
			w.handleEvent(ctx, event)
		}
	}
}

// poll performs coarse invalidation on a timer until resumed or stopped.
// Returns true when an explicit Resume was requested.
func (w *ChangeWatcher) poll(ctx context.Context) bool {
	interval := w.cfg.PollInterval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Warn("change watcher degraded to polling",
		observability.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return false
		case <-w.resumeCh:
			return true
		case <-ticker.C:
			w.coarseInvalidate(ctx)
		}
	}
}

// coarseInvalidate clears broad cache scopes. Precision is traded away for
// correctness while fine-grained events are unavailable.
func (w *ChangeWatcher) coarseInvalidate(ctx context.Context) {
	w.local.Clear()
	if w.distributed != nil {
		for _, provider := range w.cfg.Providers {
			w.distributed.InvalidateProvider(ctx, provider)
		}
	}
	w.metrics.IncrementCounter("change_watcher_coarse_invalidations_total", nil)
	w.logger.Info("performed coarse cache invalidation")
}

// handleEvent translates one change event into cache evictions.
func (w *ChangeWatcher) handleEvent(ctx context.Context, event rule.ChangeEvent) {
	w.metrics.IncrementCounter("change_watcher_events_total",
		map[string]string{"operation": string(event.Operation)})

	switch event.Operation {
	case rule.OperationDelete:
		w.local.Invalidate(event.DocumentKey)
		if w.distributed != nil {
			w.distributed.InvalidateContent(ctx, event.DocumentKey)
		}
		w.logger.Debug("evicted deleted rule",
			observability.String("ruleId", event.DocumentKey))

	case rule.OperationInsert, rule.OperationUpdate:
		doc := event.FullDocument
		if doc == nil {
			// Without the document we cannot scope the eviction;
			// clear everything local rather than risk staleness.
			w.local.Clear()
			if w.distributed != nil {
				w.distributed.InvalidateContent(ctx, event.DocumentKey)
			}
			return
		}

		// An update can affect more than the single best-match entry,
		// so the whole (provider, apiType, ruleType) scope goes.
		w.local.Invalidate(event.DocumentKey)
		w.local.InvalidateScope(doc.Provider, doc.APIType, doc.RuleType)
		if w.distributed != nil {
			w.distributed.InvalidateRule(ctx, event.DocumentKey, doc.Provider, doc.APIType, doc.RuleType)
		}
		w.logger.Debug("evicted rule scope",
			observability.String("ruleId", event.DocumentKey),
			observability.String("provider", doc.Provider),
			observability.String("ruleType", doc.RuleType))

	default:
		w.logger.Warn("ignoring unknown change operation",
			observability.String("operation", string(event.Operation)))
	}
}

// sleepBackoff waits the reconnect backoff for the given attempt. Returns
// false when the context was cancelled while waiting.
func (w *ChangeWatcher) sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := retry.Backoff(attempt,
		w.cfg.ReconnectBackoff.Duration(),
		w.cfg.MaxBackoff.Duration(),
		retry.DefaultJitterFactor)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

// setState records a state transition.
func (w *ChangeWatcher) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	if prev != s {
		w.metrics.SetGauge("change_watcher_state", float64(s), nil)
		w.logger.Info("change watcher state transition",
			observability.String("from", prev.String()),
			observability.String("to", s.String()))
	}
}
