package api

import (
	"botfleet/internal/store"
)

// DeployRequest optionally carries the bot token. When omitted the stored
// token is used.
type DeployRequest struct {
	Token string `json:"token,omitempty"`
}

// CreateBotRequest registers a new bot record.
type CreateBotRequest struct {
	OwnerID   int64   `json:"owner_id"`
	Token     string  `json:"token"`
	Username  string  `json:"username"`
	Name      string  `json:"name"`
	AdminID   *int64  `json:"admin_id,omitempty"`
	ChannelID *string `json:"channel_id,omitempty"`
}

// SubscriptionRequest grants a subscription to a bot.
type SubscriptionRequest struct {
	Plan string `json:"plan"`
	Days int    `json:"days"`
}

// OpResponse reports the outcome of a single control operation.
type OpResponse struct {
	OK    bool   `json:"ok"`
	BotID int64  `json:"bot_id"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// BotListResponse wraps the bot listing.
type BotListResponse struct {
	Bots  []store.Bot `json:"bots"`
	Count int         `json:"count"`
}

// HealthResponse reports service health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
