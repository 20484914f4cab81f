package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"botfleet/internal/monitor"
	"botfleet/internal/store"
	"botfleet/internal/workspace"
)

// Store is the slice of the deployment store the supervisor consumes.
type Store interface {
	GetBot(ctx context.Context, id int64) (*store.Bot, error)
	UpdateBotStatus(ctx context.Context, id int64, status string, pid *int) error
	GetBotSubscription(ctx context.Context, botID int64) (*store.Subscription, error)
	IsSubscriptionActive(ctx context.Context, botID int64) (bool, error)
}

// Provisioner prepares and tears down bot workspaces.
type Provisioner interface {
	EnsureWorkspace(ctx context.Context, botID int64) (string, error)
	EnsureRunnable(ctx context.Context, botID int64, cred workspace.Credential) (workspace.Command, error)
	EnsureDependencies(ctx context.Context, botID int64) (string, error)
	EnsureLogs(botID int64) (string, string, error)
	UpdateCode(ctx context.Context, botID int64) (bool, error)
	Remove(botID int64) error
}

// StatusWriter queues status updates that must eventually reach the store.
type StatusWriter interface {
	Enqueue(u store.StatusUpdate)
}

// Config tunes supervisor behavior.
type Config struct {
	StopGracePeriod  time.Duration
	RestartDelay     time.Duration
	ProvisionTimeout time.Duration
	MaxConcurrent    int
	DefaultAdminID   int64
	DefaultChannel   string
}

// StatusView is a read-only composite of store state and live observations,
// for display only. Control decisions re-derive from the primitives.
type StatusView struct {
	BotID              int64      `json:"bot_id"`
	Username           string     `json:"username"`
	Status             string     `json:"status"`
	IsRunning          bool       `json:"is_running"`
	ProcessID          *int       `json:"process_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivity       *time.Time `json:"last_activity,omitempty"`
	HasSubscription    bool       `json:"has_subscription"`
	SubscriptionActive bool       `json:"subscription_active"`
	SubscriptionEnd    *time.Time `json:"subscription_end,omitempty"`
	DaysLeft           int        `json:"days_left"`
}

// Supervisor owns the mapping from bot id to live OS process. The process
// table is instance state with the supervisor's lifecycle; it does not
// survive a restart, which is why Stop falls back to the store's last-known
// pid. Per-bot locks make the one-live-process invariant hold even when the
// reconciliation loop and an admin touch the same bot concurrently.
type Supervisor struct {
	store   Store
	writer  StatusWriter
	prov    Provisioner
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	cfg     Config

	sem chan struct{} // limits concurrent provisioning work

	mu    sync.Mutex
	table map[int64]*process

	locks *botLocks
}

// New creates a Supervisor. writer may be nil, in which case failed status
// writes are only logged.
func New(st Store, prov Provisioner, writer StatusWriter, metrics *monitor.Metrics, cfg Config) *Supervisor {
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.ProvisionTimeout == 0 {
		cfg.ProvisionTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 8
	}

	return &Supervisor{
		store:   st,
		writer:  writer,
		prov:    prov,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		table:   make(map[int64]*process),
		locks:   newBotLocks(),
	}
}

// Deploy provisions the bot's workspace and launches its process. Safe to
// call unconditionally: a live tracked process for the same bot is stopped
// first, so a redeploy can never orphan the previous child. On success
// exactly one live process is associated with the bot in memory and in the
// store; on failure nothing is promoted to "active".
func (s *Supervisor) Deploy(ctx context.Context, botID int64, token string) error {
	lock := s.locks.get(botID)
	lock.Lock()
	defer lock.Unlock()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return &BotError{BotID: botID, Op: "acquire_slot", Err: ctx.Err()}
	}

	ctx, span := s.tracer.StartSpan(ctx, "deploy", monitor.AttrBotID.Int64(botID))
	defer span.End()

	start := time.Now()
	logger := log.With().Int64("bot_id", botID).Logger()
	logger.Info().Msg("deploy requested")

	s.mu.Lock()
	existing := s.table[botID]
	s.mu.Unlock()
	if existing != nil && existing.alive() {
		logger.Warn().Int("pid", existing.pid).Msg("live process found on deploy, stopping it first")
		s.stopTracked(ctx, botID, existing)
	}

	cred := workspace.Credential{
		Token:     token,
		AdminID:   s.cfg.DefaultAdminID,
		ChannelID: s.cfg.DefaultChannel,
	}
	// Per-bot overrides from the store take precedence over globals. A store
	// read failure only degrades the credential to the defaults.
	if bot, err := s.store.GetBot(ctx, botID); err == nil {
		if bot.AdminID != nil {
			cred.AdminID = *bot.AdminID
		}
		if bot.ChannelID != nil {
			cred.ChannelID = *bot.ChannelID
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warn().Err(err).Msg("could not read bot record, using default credential identity")
	}

	// Provisioning is bounded separately from the caller's deadline: a hung
	// git fetch or pip install must not pin the per-bot lock forever.
	provCtx, provCancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	defer provCancel()

	provStart := time.Now()
	if _, err := s.prov.EnsureWorkspace(provCtx, botID); err != nil {
		s.recordDeploy("provision_error", start)
		return &BotError{BotID: botID, Op: "ensure_workspace", Err: fmt.Errorf("%w: %w", ErrProvisionFailed, err)}
	}
	cmd, err := s.prov.EnsureRunnable(provCtx, botID, cred)
	if err != nil {
		s.recordDeploy("provision_error", start)
		return &BotError{BotID: botID, Op: "ensure_runnable", Err: fmt.Errorf("%w: %w", ErrProvisionFailed, err)}
	}
	interpreter, err := s.prov.EnsureDependencies(provCtx, botID)
	if err != nil {
		s.recordDeploy("dependency_error", start)
		return &BotError{BotID: botID, Op: "ensure_dependencies", Err: fmt.Errorf("%w: %w", ErrProvisionFailed, err)}
	}
	stdoutPath, stderrPath, err := s.prov.EnsureLogs(botID)
	if err != nil {
		s.recordDeploy("provision_error", start)
		return &BotError{BotID: botID, Op: "ensure_logs", Err: err}
	}
	if s.metrics != nil {
		s.metrics.ProvisionDuration.Observe(time.Since(provStart).Seconds())
	}

	execCmd := exec.Command(interpreter, cmd.Entrypoint) // #nosec G204 -- interpreter and entrypoint come from the provisioner
	execCmd.Dir = cmd.Dir
	execCmd.Env = append(os.Environ(),
		"BOT_TOKEN="+cred.Token,
		"ADMIN_ID="+formatID(cred.AdminID),
		"CHANNEL_ID="+cred.ChannelID,
		"PYTHONUNBUFFERED=1",
	)

	proc, err := launch(execCmd, stdoutPath, stderrPath)
	if err != nil {
		s.recordDeploy("launch_error", start)
		return &BotError{BotID: botID, Op: "launch", Err: fmt.Errorf("%w: %w", ErrLaunchFailed, err)}
	}

	s.mu.Lock()
	s.table[botID] = proc
	running := len(s.table)
	s.mu.Unlock()

	span.SetAttributes(
		monitor.AttrStatus.String(store.StatusActive),
		monitor.AttrDuration.Int64(time.Since(start).Milliseconds()),
	)
	s.writeStatus(ctx, botID, store.StatusActive, &proc.pid)
	s.recordDeploy("success", start)
	if s.metrics != nil {
		s.metrics.RunningBots.Set(float64(running))
	}

	logger.Info().Int("pid", proc.pid).Str("entrypoint", cmd.Entrypoint).Msg("bot deployed")
	return nil
}

// Stop terminates the bot's process with graceful-then-forceful escalation
// and marks it inactive. When the process table has no entry — the
// supervisor restarted since the launch — the store's last-known pid is the
// only durable link back to the child, and the same two-phase shutdown is
// applied to it directly. Stopping an already-stopped bot returns
// ErrNotRunning, never panics.
func (s *Supervisor) Stop(ctx context.Context, botID int64) error {
	lock := s.locks.get(botID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := s.tracer.StartSpan(ctx, "stop", monitor.AttrBotID.Int64(botID))
	defer span.End()

	return s.stopLocked(ctx, botID)
}

func (s *Supervisor) stopLocked(ctx context.Context, botID int64) error {
	logger := log.With().Int64("bot_id", botID).Logger()

	s.mu.Lock()
	proc := s.table[botID]
	s.mu.Unlock()

	if proc != nil {
		s.stopTracked(ctx, botID, proc)
		s.writeStatus(ctx, botID, store.StatusInactive, nil)
		logger.Info().Msg("bot stopped")
		return nil
	}

	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &BotError{BotID: botID, Op: "stop", Err: ErrBotNotFound}
		}
		return &BotError{BotID: botID, Op: "stop", Err: err}
	}
	if bot.ProcessID == nil {
		return &BotError{BotID: botID, Op: "stop", Err: ErrNotRunning}
	}

	if err := terminatePID(ctx, *bot.ProcessID, s.cfg.StopGracePeriod); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return &BotError{BotID: botID, Op: "stop", Err: ErrNotRunning}
		}
		return &BotError{BotID: botID, Op: "stop_orphan", Err: err}
	}
	if s.metrics != nil {
		s.metrics.StopsTotal.WithLabelValues("orphan").Inc()
	}
	s.writeStatus(ctx, botID, store.StatusInactive, nil)
	logger.Info().Int("pid", *bot.ProcessID).Msg("orphan process stopped via stored pid")
	return nil
}

// stopTracked terminates a table entry and removes it.
func (s *Supervisor) stopTracked(_ context.Context, botID int64, proc *process) {
	escalated := proc.terminate(s.cfg.StopGracePeriod)
	log.Debug().Int64("bot_id", botID).Int("pid", proc.pid).Str("dir", proc.dir).
		Dur("uptime", time.Since(proc.startedAt)).Bool("escalated", escalated).
		Msg("process terminated")

	s.mu.Lock()
	delete(s.table, botID)
	running := len(s.table)
	s.mu.Unlock()

	if s.metrics != nil {
		outcome := "graceful"
		if escalated {
			outcome = "escalated"
		}
		s.metrics.StopsTotal.WithLabelValues(outcome).Inc()
		s.metrics.RunningBots.Set(float64(running))
	}
}

// Restart stops the bot, waits briefly for the OS to release resources, and
// deploys it again with its stored token. Fails fast when the bot record
// does not exist.
func (s *Supervisor) Restart(ctx context.Context, botID int64) error {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &BotError{BotID: botID, Op: "restart", Err: ErrBotNotFound}
		}
		return &BotError{BotID: botID, Op: "restart", Err: err}
	}

	if err := s.Stop(ctx, botID); err != nil && !IsNotRunning(err) {
		log.Warn().Err(err).Int64("bot_id", botID).Msg("stop before restart failed, deploying anyway")
	}

	select {
	case <-time.After(s.cfg.RestartDelay):
	case <-ctx.Done():
		return &BotError{BotID: botID, Op: "restart", Err: ctx.Err()}
	}

	return s.Deploy(ctx, botID, bot.Token)
}

// IsRunning reports whether the bot has a live tracked process. Liveness
// only; it never consults the store, so it may disagree with the stored
// status until reconciliation closes the gap.
func (s *Supervisor) IsRunning(botID int64) bool {
	s.mu.Lock()
	proc := s.table[botID]
	s.mu.Unlock()
	return proc != nil && proc.alive()
}

// Status assembles the display view of one bot.
func (s *Supervisor) Status(ctx context.Context, botID int64) (*StatusView, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &BotError{BotID: botID, Op: "status", Err: ErrBotNotFound}
		}
		return nil, &BotError{BotID: botID, Op: "status", Err: err}
	}

	view := &StatusView{
		BotID:        bot.ID,
		Username:     bot.Username,
		Status:       bot.Status,
		IsRunning:    s.IsRunning(botID),
		ProcessID:    bot.ProcessID,
		CreatedAt:    bot.CreatedAt,
		LastActivity: bot.LastActivity,
	}

	sub, err := s.store.GetBotSubscription(ctx, botID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &BotError{BotID: botID, Op: "status", Err: err}
	}
	if sub != nil {
		view.HasSubscription = true
		view.SubscriptionEnd = &sub.EndDate
		view.DaysLeft = sub.DaysLeft(time.Now())
	}
	active, err := s.store.IsSubscriptionActive(ctx, botID)
	if err != nil {
		return nil, &BotError{BotID: botID, Op: "status", Err: err}
	}
	view.SubscriptionActive = active

	return view, nil
}

// CleanupDeadProcesses sweeps the process table and reconciles entries whose
// process exited on its own — crash or out-of-band kill — back into the
// store as inactive. Returns the number of entries cleaned.
func (s *Supervisor) CleanupDeadProcesses(ctx context.Context) int {
	s.mu.Lock()
	var dead []int64
	for botID, proc := range s.table {
		if !proc.alive() {
			dead = append(dead, botID)
		}
	}
	for _, botID := range dead {
		delete(s.table, botID)
	}
	running := len(s.table)
	s.mu.Unlock()

	for _, botID := range dead {
		log.Info().Int64("bot_id", botID).Msg("cleaning up dead process")
		s.writeStatus(ctx, botID, store.StatusInactive, nil)
	}

	if s.metrics != nil {
		s.metrics.RunningBots.Set(float64(running))
		s.metrics.DeadCleaned.Add(float64(len(dead)))
	}
	return len(dead)
}

// UpdateCode pulls the latest template revision into the bot's workspace.
// Holds the per-bot lock so a pull never races a deploy.
func (s *Supervisor) UpdateCode(ctx context.Context, botID int64) (bool, error) {
	lock := s.locks.get(botID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := s.prov.UpdateCode(ctx, botID)
	if err != nil {
		return updated, &BotError{BotID: botID, Op: "update_code", Err: err}
	}
	return updated, nil
}

// Delete stops the bot best-effort and removes its workspace. Filesystem
// removal proceeds even when the stop fails; an unkillable process must not
// leak an orphaned directory.
func (s *Supervisor) Delete(ctx context.Context, botID int64) error {
	lock := s.locks.get(botID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.stopLocked(ctx, botID); err != nil && !IsNotRunning(err) && !IsNotFound(err) {
		log.Warn().Err(err).Int64("bot_id", botID).Msg("stop during delete failed, removing workspace anyway")
	}

	if err := s.prov.Remove(botID); err != nil {
		return &BotError{BotID: botID, Op: "delete", Err: err}
	}
	log.Info().Int64("bot_id", botID).Msg("bot workspace removed")
	return nil
}

// TrackedCount returns the number of processes currently in the table.
func (s *Supervisor) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// writeStatus applies a status update directly, falling back to the retrying
// writer on failure. A failed write never fails the control operation that
// already succeeded at the OS level.
func (s *Supervisor) writeStatus(ctx context.Context, botID int64, status string, pid *int) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.store.UpdateBotStatus(writeCtx, botID, status, pid); err != nil {
		log.Warn().Err(err).Int64("bot_id", botID).Str("status", status).
			Msg("status write failed, queueing for retry")
		if s.writer != nil {
			s.writer.Enqueue(store.StatusUpdate{BotID: botID, Status: status, PID: pid})
		}
	}
}

func (s *Supervisor) recordDeploy(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordDeploy(outcome, time.Since(start).Seconds())
	}
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
