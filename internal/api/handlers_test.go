package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"botfleet/internal/reconcile"
	"botfleet/internal/store"
	"botfleet/internal/supervisor"
)

type fakeController struct {
	mu      sync.Mutex
	deploys map[int64]string
	stops   []int64
	errs    map[string]error
}

func newFakeController() *fakeController {
	return &fakeController{
		deploys: make(map[int64]string),
		errs:    make(map[string]error),
	}
}

func (c *fakeController) Deploy(_ context.Context, botID int64, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["deploy"]; err != nil {
		return err
	}
	c.deploys[botID] = token
	return nil
}

func (c *fakeController) Stop(_ context.Context, botID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs["stop"]; err != nil {
		return err
	}
	c.stops = append(c.stops, botID)
	return nil
}

func (c *fakeController) Restart(_ context.Context, _ int64) error {
	return c.errs["restart"]
}

func (c *fakeController) Delete(_ context.Context, _ int64) error {
	return c.errs["delete"]
}

func (c *fakeController) UpdateCode(_ context.Context, _ int64) (bool, error) {
	return true, c.errs["update"]
}

func (c *fakeController) Status(_ context.Context, botID int64) (*supervisor.StatusView, error) {
	if err := c.errs["status"]; err != nil {
		return nil, err
	}
	return &supervisor.StatusView{BotID: botID, Username: "bot", Status: store.StatusActive, IsRunning: true}, nil
}

type fakeFleet struct {
	summary *reconcile.Summary
	err     error
}

func (f *fakeFleet) RestartAll(_ context.Context) (*reconcile.Summary, error) {
	return f.summary, f.err
}

func (f *fakeFleet) CleanupExpired(_ context.Context) (*reconcile.CleanupSummary, error) {
	return &reconcile.CleanupSummary{}, f.err
}

func (f *fakeFleet) Stats(_ context.Context) (*reconcile.Stats, error) {
	return &reconcile.Stats{TotalBots: 2}, f.err
}

type fakeBotStore struct {
	mu      sync.Mutex
	bots    map[int64]*store.Bot
	nextID  int64
	subs    map[int64]int64 // bot id -> last subscription id
	deleted []int64
}

func newFakeBotStore(bots map[int64]*store.Bot) *fakeBotStore {
	if bots == nil {
		bots = make(map[int64]*store.Bot)
	}
	return &fakeBotStore{bots: bots, nextID: 1000, subs: make(map[int64]int64)}
}

func (s *fakeBotStore) GetBot(_ context.Context, id int64) (*store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return bot, nil
}

func (s *fakeBotStore) GetBotByToken(_ context.Context, token string) (*store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bots {
		if b.Token == token {
			return b, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeBotStore) GetAllBots(_ context.Context) ([]store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Bot
	for _, b := range s.bots {
		out = append(out, *b)
	}
	return out, nil
}

func (s *fakeBotStore) GetUserBots(_ context.Context, ownerID int64) ([]store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Bot
	for _, b := range s.bots {
		if b.OwnerID == ownerID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s *fakeBotStore) AddBot(_ context.Context, ownerID int64, token, username, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.bots[s.nextID] = &store.Bot{ID: s.nextID, OwnerID: ownerID, Token: token, Username: username, Name: name, Status: store.StatusPending}
	return s.nextID, nil
}

func (s *fakeBotStore) UpdateBotAdminChannel(_ context.Context, id int64, adminID *int64, channelID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok {
		return store.ErrNotFound
	}
	bot.AdminID = adminID
	bot.ChannelID = channelID
	return nil
}

func (s *fakeBotStore) DeleteBot(_ context.Context, id, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok || bot.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.bots, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeBotStore) AddSubscription(_ context.Context, botID int64, _ string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[botID] = s.nextID
	return s.nextID, nil
}

func (s *fakeBotStore) DeactivateSubscription(_ context.Context, botID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, botID)
	return nil
}

func newTestMux(ctrl Controller, fleet Fleet, bots BotStore) *http.ServeMux {
	h := NewHandlers(ctrl, fleet, bots)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bots", h.HandleCreateBot)
	mux.HandleFunc("POST /bots/{id}/deploy", h.HandleDeploy)
	mux.HandleFunc("POST /bots/{id}/stop", h.HandleStop)
	mux.HandleFunc("POST /bots/{id}/restart", h.HandleRestart)
	mux.HandleFunc("POST /bots/{id}/update", h.HandleUpdateCode)
	mux.HandleFunc("DELETE /bots/{id}", h.HandleDelete)
	mux.HandleFunc("GET /bots/{id}/status", h.HandleStatus)
	mux.HandleFunc("GET /bots", h.HandleListBots)
	mux.HandleFunc("GET /users/{id}/bots", h.HandleListUserBots)
	mux.HandleFunc("POST /bots/{id}/subscription", h.HandleAddSubscription)
	mux.HandleFunc("DELETE /bots/{id}/subscription", h.HandleCancelSubscription)
	mux.HandleFunc("POST /fleet/restart", h.HandleRestartAll)
	mux.HandleFunc("POST /fleet/cleanup", h.HandleCleanupExpired)
	mux.HandleFunc("GET /fleet/stats", h.HandleStats)
	return mux
}

func doRequest(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestDeployWithExplicitToken(t *testing.T) {
	ctrl := newFakeController()
	mux := newTestMux(ctrl, &fakeFleet{}, newFakeBotStore(nil))

	rec := doRequest(mux, http.MethodPost, "/bots/1/deploy", `{"token":"explicit"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp OpResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.BotID != 1 {
		t.Errorf("response = %+v", resp)
	}
	if ctrl.deploys[1] != "explicit" {
		t.Errorf("deploy token = %q, want explicit", ctrl.deploys[1])
	}
}

func TestDeployFallsBackToStoredToken(t *testing.T) {
	ctrl := newFakeController()
	bots := newFakeBotStore(map[int64]*store.Bot{2: {ID: 2, Token: "stored"}})
	mux := newTestMux(ctrl, &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodPost, "/bots/2/deploy", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ctrl.deploys[2] != "stored" {
		t.Errorf("deploy token = %q, want stored", ctrl.deploys[2])
	}
}

func TestDeployUnknownBot(t *testing.T) {
	mux := newTestMux(newFakeController(), &fakeFleet{}, newFakeBotStore(nil))

	rec := doRequest(mux, http.MethodPost, "/bots/42/deploy", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != "NOT_FOUND" {
		t.Errorf("X-Error-Code = %q, want NOT_FOUND", got)
	}
}

func TestStopNotRunningMapsToConflict(t *testing.T) {
	ctrl := newFakeController()
	ctrl.errs["stop"] = &supervisor.BotError{BotID: 3, Op: "stop", Err: supervisor.ErrNotRunning}
	mux := newTestMux(ctrl, &fakeFleet{}, newFakeBotStore(nil))

	rec := doRequest(mux, http.MethodPost, "/bots/3/stop", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != "NOT_RUNNING" {
		t.Errorf("X-Error-Code = %q, want NOT_RUNNING", got)
	}
}

func TestProvisionFailureMapsToCode(t *testing.T) {
	ctrl := newFakeController()
	ctrl.errs["deploy"] = &supervisor.BotError{
		BotID: 4, Op: "ensure_dependencies",
		Err: errors.Join(supervisor.ErrProvisionFailed, errors.New("pip failed")),
	}
	bots := newFakeBotStore(map[int64]*store.Bot{4: {ID: 4, Token: "t"}})
	mux := newTestMux(ctrl, &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodPost, "/bots/4/deploy", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := rec.Header().Get("X-Error-Code"); got != "PROVISION_FAILED" {
		t.Errorf("X-Error-Code = %q, want PROVISION_FAILED", got)
	}
}

func TestInvalidBotID(t *testing.T) {
	mux := newTestMux(newFakeController(), &fakeFleet{}, newFakeBotStore(nil))

	for _, path := range []string{"/bots/abc/deploy", "/bots/0/deploy", "/bots/-1/deploy"} {
		rec := doRequest(mux, http.MethodPost, path, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	mux := newTestMux(newFakeController(), &fakeFleet{}, newFakeBotStore(nil))

	rec := doRequest(mux, http.MethodGet, "/bots/5/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var view supervisor.StatusView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.BotID != 5 || !view.IsRunning {
		t.Errorf("view = %+v", view)
	}
}

func TestListBots(t *testing.T) {
	bots := newFakeBotStore(map[int64]*store.Bot{
		1: {ID: 1, Username: "one"},
		2: {ID: 2, Username: "two"},
	})
	mux := newTestMux(newFakeController(), &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodGet, "/bots", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp BotListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.Bots) != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestRestartAllEndpoint(t *testing.T) {
	fleet := &fakeFleet{summary: &reconcile.Summary{
		Restarted:      []int64{1},
		StoppedExpired: []int64{2},
		Errors:         map[int64]string{3: "update failed"},
	}}
	mux := newTestMux(newFakeController(), fleet, newFakeBotStore(nil))

	rec := doRequest(mux, http.MethodPost, "/fleet/restart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var summary reconcile.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if len(summary.Restarted) != 1 || len(summary.StoppedExpired) != 1 || summary.Errors[3] != "update failed" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestFleetError(t *testing.T) {
	fleet := &fakeFleet{err: errors.New("store down")}
	mux := newTestMux(newFakeController(), fleet, newFakeBotStore(nil))

	rec := doRequest(mux, http.MethodGet, "/fleet/stats", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "FLEET_ERROR" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestCreateBot(t *testing.T) {
	bots := newFakeBotStore(nil)
	mux := newTestMux(newFakeController(), &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodPost, "/bots",
		`{"owner_id":10,"token":"new-token","username":"mybot","name":"My Bot"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp OpResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	created, err := bots.GetBot(context.Background(), resp.BotID)
	if err != nil {
		t.Fatalf("created bot not in store: %v", err)
	}
	if created.Status != store.StatusPending || created.OwnerID != 10 {
		t.Errorf("created bot = %+v", created)
	}
}

func TestCreateBotDuplicateToken(t *testing.T) {
	bots := newFakeBotStore(map[int64]*store.Bot{1: {ID: 1, Token: "taken"}})
	mux := newTestMux(newFakeController(), &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodPost, "/bots",
		`{"owner_id":10,"token":"taken","username":"dup"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCreateBotMissingFields(t *testing.T) {
	mux := newTestMux(newFakeController(), &fakeFleet{}, newFakeBotStore(nil))

	rec := doRequest(mux, http.MethodPost, "/bots", `{"owner_id":10}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListUserBots(t *testing.T) {
	bots := newFakeBotStore(map[int64]*store.Bot{
		1: {ID: 1, OwnerID: 10},
		2: {ID: 2, OwnerID: 10},
		3: {ID: 3, OwnerID: 11},
	})
	mux := newTestMux(newFakeController(), &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodGet, "/users/10/bots", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp BotListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestAddSubscription(t *testing.T) {
	bots := newFakeBotStore(map[int64]*store.Bot{1: {ID: 1}})
	mux := newTestMux(newFakeController(), &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodPost, "/bots/1/subscription", `{"plan":"pro","days":30}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if _, ok := bots.subs[1]; !ok {
		t.Error("subscription not recorded")
	}

	rec = doRequest(mux, http.MethodDelete, "/bots/1/subscription", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if _, ok := bots.subs[1]; ok {
		t.Error("subscription still active after cancel")
	}
}

func TestAddSubscriptionValidation(t *testing.T) {
	bots := newFakeBotStore(map[int64]*store.Bot{1: {ID: 1}})
	mux := newTestMux(newFakeController(), &fakeFleet{}, bots)

	if rec := doRequest(mux, http.MethodPost, "/bots/1/subscription", `{"days":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("zero days: status = %d, want 400", rec.Code)
	}
	if rec := doRequest(mux, http.MethodPost, "/bots/99/subscription", `{"days":30}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown bot: status = %d, want 404", rec.Code)
	}
}

func TestDeleteWithOwnerRemovesRecord(t *testing.T) {
	bots := newFakeBotStore(map[int64]*store.Bot{1: {ID: 1, OwnerID: 10}})
	mux := newTestMux(newFakeController(), &fakeFleet{}, bots)

	rec := doRequest(mux, http.MethodDelete, "/bots/1?owner_id=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if _, err := bots.GetBot(context.Background(), 1); err == nil {
		t.Error("bot record survived delete")
	}

	// Wrong owner must not delete someone else's bot.
	bots2 := newFakeBotStore(map[int64]*store.Bot{2: {ID: 2, OwnerID: 10}})
	mux2 := newTestMux(newFakeController(), &fakeFleet{}, bots2)
	rec = doRequest(mux2, http.MethodDelete, "/bots/2?owner_id=11", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("wrong owner: status = %d, want 404", rec.Code)
	}
	if _, err := bots2.GetBot(context.Background(), 2); err != nil {
		t.Error("bot record deleted despite ownership mismatch")
	}
}
