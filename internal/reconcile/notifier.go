package reconcile

import (
	"context"

	"github.com/rs/zerolog/log"

	"botfleet/internal/store"
)

// Notifier delivers subscription lifecycle notices to bot owners. Delivery is
// best-effort; the reconciler never blocks or fails on it.
type Notifier interface {
	NotifyExpired(ctx context.Context, ownerID int64, bot store.Bot)
	NotifyRenewal(ctx context.Context, ownerID int64, bot store.Bot, daysLeft int)
}

// LogNotifier records notifications in the log only. The request layer
// replaces it with a real transport in production.
type LogNotifier struct{}

func (LogNotifier) NotifyExpired(_ context.Context, ownerID int64, bot store.Bot) {
	log.Info().
		Int64("bot_id", bot.ID).
		Int64("owner_id", ownerID).
		Str("username", bot.Username).
		Msg("subscription expired")
}

func (LogNotifier) NotifyRenewal(_ context.Context, ownerID int64, bot store.Bot, daysLeft int) {
	log.Info().
		Int64("bot_id", bot.ID).
		Int64("owner_id", ownerID).
		Int("days_left", daysLeft).
		Msg("subscription expiring soon")
}
