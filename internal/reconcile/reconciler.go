package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botfleet/internal/monitor"
	"botfleet/internal/store"
)

// Controller is the slice of the process supervisor the reconciler drives.
type Controller interface {
	Deploy(ctx context.Context, botID int64, token string) error
	Stop(ctx context.Context, botID int64) error
	Restart(ctx context.Context, botID int64) error
	IsRunning(botID int64) bool
	UpdateCode(ctx context.Context, botID int64) (bool, error)
	CleanupDeadProcesses(ctx context.Context) int
	TrackedCount() int
}

// Store is the slice of the deployment store the reconciler consumes.
type Store interface {
	GetAllBots(ctx context.Context) ([]store.Bot, error)
	GetBotSubscription(ctx context.Context, botID int64) (*store.Subscription, error)
	IsSubscriptionActive(ctx context.Context, botID int64) (bool, error)
	UpdateBotStatus(ctx context.Context, id int64, status string, pid *int) error
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval      time.Duration
	PerBotTimeout time.Duration
	RenewalDays   int
}

// Summary is the per-bot outcome report of RestartAll.
type Summary struct {
	Restarted       []int64          `json:"restarted"`
	UpdatedOnly     []int64          `json:"updated_only"`
	StoppedExpired  []int64          `json:"stopped_expired"`
	StoppedInactive []int64          `json:"stopped_inactive"`
	Errors          map[int64]string `json:"errors"`
	Duration        time.Duration    `json:"duration"`
}

// CleanupSummary reports what CleanupExpired changed.
type CleanupSummary struct {
	Stopped  []int64          `json:"stopped"`
	Errors   map[int64]string `json:"errors"`
	Duration time.Duration    `json:"duration"`
}

// Stats is a point-in-time fleet overview.
type Stats struct {
	TotalBots        int `json:"total_bots"`
	ActiveBots       int `json:"active_bots"`
	ExpiredBots      int `json:"expired_bots"`
	InactiveBots     int `json:"inactive_bots"`
	TrackedProcesses int `json:"tracked_processes"`
}

// Reconciler periodically aligns observed process liveness with
// subscription-driven desired state. One sweep visits every bot
// independently; a failure on one bot never affects the others.
type Reconciler struct {
	store    Store
	ctrl     Controller
	notifier Notifier
	metrics  *monitor.Metrics
	cfg      Config

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New creates a Reconciler. notifier may be nil; it defaults to LogNotifier.
func New(st Store, ctrl Controller, notifier Notifier, metrics *monitor.Metrics, cfg Config) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PerBotTimeout == 0 {
		cfg.PerBotTimeout = 2 * time.Minute
	}
	if cfg.RenewalDays == 0 {
		cfg.RenewalDays = 3
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Reconciler{
		store:    st,
		ctrl:     ctrl,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	log.Info().Dur("interval", r.cfg.Interval).Msg("reconciliation loop started")
}

// Stop requests cooperative shutdown. An in-flight sweep is allowed to
// finish; the stop flag is only checked between sweeps.
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	log.Info().Msg("reconciliation loop stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation sweep failed")
			}
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one full reconciliation pass over all bots, then cleans up
// dead processes globally.
func (r *Reconciler) Sweep(ctx context.Context) error {
	start := time.Now()

	bots, err := r.store.GetAllBots(ctx)
	if err != nil {
		return fmt.Errorf("listing bots: %w", err)
	}

	for i := range bots {
		bot := &bots[i]
		botCtx, cancel := context.WithTimeout(ctx, r.cfg.PerBotTimeout)
		if err := r.reconcileBot(botCtx, bot); err != nil {
			log.Error().Err(err).Int64("bot_id", bot.ID).Msg("reconcile failed for bot")
		}
		cancel()
	}

	cleaned := r.ctrl.CleanupDeadProcesses(ctx)
	if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("dead processes cleaned during sweep")
	}

	if r.metrics != nil {
		r.metrics.RecordSweep(time.Since(start).Seconds())
	}
	log.Debug().Int("bots", len(bots)).Dur("duration", time.Since(start)).Msg("sweep completed")
	return nil
}

// reconcileBot applies the desired/observed decision table to one bot.
func (r *Reconciler) reconcileBot(ctx context.Context, bot *store.Bot) error {
	subActive, err := r.store.IsSubscriptionActive(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("checking subscription: %w", err)
	}
	running := r.ctrl.IsRunning(bot.ID)

	switch {
	case !subActive && running:
		log.Info().Int64("bot_id", bot.ID).Msg("subscription lapsed, stopping bot")
		if err := r.ctrl.Stop(ctx, bot.ID); err != nil {
			return fmt.Errorf("stopping expired bot: %w", err)
		}
		if err := r.store.UpdateBotStatus(ctx, bot.ID, store.StatusExpired, nil); err != nil {
			log.Warn().Err(err).Int64("bot_id", bot.ID).Msg("could not mark bot expired")
		}
		r.recordAction("stop_expired")
		r.notifier.NotifyExpired(ctx, bot.OwnerID, *bot)

	case subActive && !running:
		log.Info().Int64("bot_id", bot.ID).Msg("active subscription without live process, deploying")
		if err := r.ctrl.Deploy(ctx, bot.ID, bot.Token); err != nil {
			return fmt.Errorf("deploying bot: %w", err)
		}
		r.recordAction("deploy")

	case !subActive && !running:
		// Already converged; just normalize a stale status.
		if bot.Status != store.StatusInactive && bot.Status != store.StatusExpired {
			status := store.StatusInactive
			if _, err := r.store.GetBotSubscription(ctx, bot.ID); err == nil {
				status = store.StatusExpired
			}
			if err := r.store.UpdateBotStatus(ctx, bot.ID, status, nil); err != nil {
				log.Warn().Err(err).Int64("bot_id", bot.ID).Msg("could not normalize bot status")
			}
			r.recordAction("normalize")
		}

	default: // active and running: nothing to correct
		if sub, err := r.store.GetBotSubscription(ctx, bot.ID); err == nil {
			days := sub.DaysLeft(time.Now())
			if days > 0 && days <= r.cfg.RenewalDays {
				r.notifier.NotifyRenewal(ctx, bot.OwnerID, *bot, days)
			}
		}
	}

	return nil
}

// RestartAll updates code for every bot, restarts the ones entitled to run,
// and force-stops the rest. Used after platform-wide upgrades. Individual
// failures are captured per bot and never abort the batch.
func (r *Reconciler) RestartAll(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Errors: make(map[int64]string)}

	bots, err := r.store.GetAllBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}

	for i := range bots {
		bot := &bots[i]
		botCtx, cancel := context.WithTimeout(ctx, r.cfg.PerBotTimeout)
		r.restartOne(botCtx, bot, summary)
		cancel()
	}

	summary.Duration = time.Since(start)
	log.Info().
		Int("restarted", len(summary.Restarted)).
		Int("updated_only", len(summary.UpdatedOnly)).
		Int("stopped_expired", len(summary.StoppedExpired)).
		Int("stopped_inactive", len(summary.StoppedInactive)).
		Int("errors", len(summary.Errors)).
		Dur("duration", summary.Duration).
		Msg("restart-all completed")
	return summary, nil
}

func (r *Reconciler) restartOne(ctx context.Context, bot *store.Bot, summary *Summary) {
	if _, err := r.ctrl.UpdateCode(ctx, bot.ID); err != nil {
		summary.Errors[bot.ID] = err.Error()
		return
	}

	subActive, err := r.store.IsSubscriptionActive(ctx, bot.ID)
	if err != nil {
		summary.Errors[bot.ID] = err.Error()
		return
	}

	if subActive {
		if err := r.ctrl.Restart(ctx, bot.ID); err != nil {
			summary.Errors[bot.ID] = err.Error()
			return
		}
		summary.Restarted = append(summary.Restarted, bot.ID)
		return
	}

	hasSub := true
	if _, err := r.store.GetBotSubscription(ctx, bot.ID); errors.Is(err, store.ErrNotFound) {
		hasSub = false
	}

	if r.ctrl.IsRunning(bot.ID) {
		if err := r.ctrl.Stop(ctx, bot.ID); err != nil {
			summary.Errors[bot.ID] = err.Error()
			return
		}
		if hasSub {
			summary.StoppedExpired = append(summary.StoppedExpired, bot.ID)
		} else {
			summary.StoppedInactive = append(summary.StoppedInactive, bot.ID)
		}
		return
	}

	if hasSub {
		// Expired and already stopped; report it with the stopped bucket so
		// operators see the full set of bots held back by expiry.
		summary.StoppedExpired = append(summary.StoppedExpired, bot.ID)
		return
	}
	summary.UpdatedOnly = append(summary.UpdatedOnly, bot.ID)
}

// CleanupExpired stops every running bot whose subscription is inactive,
// leaving already-stopped bots untouched.
func (r *Reconciler) CleanupExpired(ctx context.Context) (*CleanupSummary, error) {
	start := time.Now()
	summary := &CleanupSummary{Errors: make(map[int64]string)}

	bots, err := r.store.GetAllBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}

	for i := range bots {
		bot := &bots[i]

		subActive, err := r.store.IsSubscriptionActive(ctx, bot.ID)
		if err != nil {
			summary.Errors[bot.ID] = err.Error()
			continue
		}
		if subActive || !r.ctrl.IsRunning(bot.ID) {
			continue
		}

		log.Info().Int64("bot_id", bot.ID).Msg("stopping bot with lapsed subscription")
		botCtx, cancel := context.WithTimeout(ctx, r.cfg.PerBotTimeout)
		err = r.ctrl.Stop(botCtx, bot.ID)
		if err == nil {
			err = r.store.UpdateBotStatus(botCtx, bot.ID, store.StatusExpired, nil)
		}
		cancel()

		if err != nil {
			summary.Errors[bot.ID] = err.Error()
			continue
		}
		summary.Stopped = append(summary.Stopped, bot.ID)
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// Stats assembles a fleet overview for the admin surface.
func (r *Reconciler) Stats(ctx context.Context) (*Stats, error) {
	bots, err := r.store.GetAllBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}

	stats := &Stats{
		TotalBots:        len(bots),
		TrackedProcesses: r.ctrl.TrackedCount(),
	}
	for i := range bots {
		bot := &bots[i]
		subActive, err := r.store.IsSubscriptionActive(ctx, bot.ID)
		if err != nil {
			continue
		}
		switch {
		case subActive && r.ctrl.IsRunning(bot.ID):
			stats.ActiveBots++
		case !subActive:
			stats.ExpiredBots++
		default:
			stats.InactiveBots++
		}
	}
	return stats, nil
}

func (r *Reconciler) recordAction(action string) {
	if r.metrics != nil {
		r.metrics.RecordAction(action)
	}
}
