package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"botfleet/internal/reconcile"
	"botfleet/internal/store"
	"botfleet/internal/supervisor"
)

// Controller is the per-bot control surface exposed by the supervisor.
type Controller interface {
	Deploy(ctx context.Context, botID int64, token string) error
	Stop(ctx context.Context, botID int64) error
	Restart(ctx context.Context, botID int64) error
	Delete(ctx context.Context, botID int64) error
	UpdateCode(ctx context.Context, botID int64) (bool, error)
	Status(ctx context.Context, botID int64) (*supervisor.StatusView, error)
}

// Fleet is the bulk control surface exposed by the reconciler.
type Fleet interface {
	RestartAll(ctx context.Context) (*reconcile.Summary, error)
	CleanupExpired(ctx context.Context) (*reconcile.CleanupSummary, error)
	Stats(ctx context.Context) (*reconcile.Stats, error)
}

// BotStore is the registration and subscription surface of the deployment
// store.
type BotStore interface {
	GetBot(ctx context.Context, id int64) (*store.Bot, error)
	GetBotByToken(ctx context.Context, token string) (*store.Bot, error)
	GetAllBots(ctx context.Context) ([]store.Bot, error)
	GetUserBots(ctx context.Context, ownerID int64) ([]store.Bot, error)
	AddBot(ctx context.Context, ownerID int64, token, username, name string) (int64, error)
	UpdateBotAdminChannel(ctx context.Context, id int64, adminID *int64, channelID *string) error
	DeleteBot(ctx context.Context, id, ownerID int64) error
	AddSubscription(ctx context.Context, botID int64, plan string, duration time.Duration) (int64, error)
	DeactivateSubscription(ctx context.Context, botID int64) error
}

// Handlers bundles the HTTP handlers for the control API.
type Handlers struct {
	ctrl  Controller
	fleet Fleet
	bots  BotStore
}

// NewHandlers creates the handler set.
func NewHandlers(ctrl Controller, fleet Fleet, bots BotStore) *Handlers {
	return &Handlers{ctrl: ctrl, fleet: fleet, bots: bots}
}

func (h *Handlers) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}

	var req DeployRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means "use stored token"
	}

	token := req.Token
	if token == "" {
		bot, err := h.bots.GetBot(r.Context(), botID)
		if err != nil {
			writeOpError(w, botID, err)
			return
		}
		token = bot.Token
	}

	if err := h.ctrl.Deploy(r.Context(), botID, token); err != nil {
		writeOpError(w, botID, err)
		return
	}
	writeJSON(w, http.StatusOK, OpResponse{OK: true, BotID: botID})
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Stop(r.Context(), botID); err != nil {
		writeOpError(w, botID, err)
		return
	}
	writeJSON(w, http.StatusOK, OpResponse{OK: true, BotID: botID})
}

func (h *Handlers) HandleRestart(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Restart(r.Context(), botID); err != nil {
		writeOpError(w, botID, err)
		return
	}
	writeJSON(w, http.StatusOK, OpResponse{OK: true, BotID: botID})
}

func (h *Handlers) HandleUpdateCode(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}
	updated, err := h.ctrl.UpdateCode(r.Context(), botID)
	if err != nil {
		writeOpError(w, botID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bot_id": botID, "updated": updated})
}

// HandleDelete tears down the bot's process and workspace, and when the
// caller identifies the owner, removes the record as well.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Delete(r.Context(), botID); err != nil {
		writeOpError(w, botID, err)
		return
	}

	if ownerStr := r.URL.Query().Get("owner_id"); ownerStr != "" {
		ownerID, err := strconv.ParseInt(ownerStr, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid owner_id", Code: "BAD_REQUEST"})
			return
		}
		if err := h.bots.DeleteBot(r.Context(), botID, ownerID); err != nil {
			writeOpError(w, botID, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, OpResponse{OK: true, BotID: botID})
}

func (h *Handlers) HandleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "BAD_REQUEST"})
		return
	}
	if req.OwnerID < 1 || req.Token == "" || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "owner_id, token and username are required", Code: "BAD_REQUEST"})
		return
	}

	if _, err := h.bots.GetBotByToken(r.Context(), req.Token); err == nil {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "a bot with this token already exists", Code: "ALREADY_EXISTS"})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}

	botID, err := h.bots.AddBot(r.Context(), req.OwnerID, req.Token, req.Username, req.Name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	if req.AdminID != nil || req.ChannelID != nil {
		if err := h.bots.UpdateBotAdminChannel(r.Context(), botID, req.AdminID, req.ChannelID); err != nil {
			log.Warn().Err(err).Int64("bot_id", botID).Msg("could not store admin/channel override")
		}
	}
	writeJSON(w, http.StatusCreated, OpResponse{OK: true, BotID: botID})
}

func (h *Handlers) HandleListUserBots(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || ownerID < 1 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid owner id", Code: "BAD_REQUEST"})
		return
	}
	bots, err := h.bots.GetUserBots(r.Context(), ownerID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, BotListResponse{Bots: bots, Count: len(bots)})
}

func (h *Handlers) HandleAddSubscription(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "BAD_REQUEST"})
		return
	}
	if req.Days < 1 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "days must be positive", Code: "BAD_REQUEST"})
		return
	}
	if req.Plan == "" {
		req.Plan = "standard"
	}

	if _, err := h.bots.GetBot(r.Context(), botID); err != nil {
		writeOpError(w, botID, err)
		return
	}

	subID, err := h.bots.AddSubscription(r.Context(), botID, req.Plan, time.Duration(req.Days)*24*time.Hour)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "bot_id": botID, "subscription_id": subID})
}

func (h *Handlers) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}
	if err := h.bots.DeactivateSubscription(r.Context(), botID); err != nil {
		writeOpError(w, botID, err)
		return
	}
	writeJSON(w, http.StatusOK, OpResponse{OK: true, BotID: botID})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	botID, ok := botIDFromPath(w, r)
	if !ok {
		return
	}
	view, err := h.ctrl.Status(r.Context(), botID)
	if err != nil {
		writeOpError(w, botID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) HandleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.bots.GetAllBots(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, BotListResponse{Bots: bots, Count: len(bots)})
}

func (h *Handlers) HandleRestartAll(w http.ResponseWriter, r *http.Request) {
	summary, err := h.fleet.RestartAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "FLEET_ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) HandleCleanupExpired(w http.ResponseWriter, r *http.Request) {
	summary, err := h.fleet.CleanupExpired(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "FLEET_ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.fleet.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "FLEET_ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func botIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid bot id", Code: "BAD_REQUEST"})
		return 0, false
	}
	return id, true
}

func writeOpError(w http.ResponseWriter, botID int64, err error) {
	status := http.StatusInternalServerError
	code := "CONTROL_ERROR"

	switch {
	case errors.Is(err, supervisor.ErrBotNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, supervisor.ErrNotRunning):
		status = http.StatusConflict
		code = "NOT_RUNNING"
	case errors.Is(err, supervisor.ErrProvisionFailed):
		code = "PROVISION_FAILED"
	}

	w.Header().Set("X-Error-Code", code)
	writeJSON(w, status, OpResponse{OK: false, BotID: botID, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response failed")
	}
}
