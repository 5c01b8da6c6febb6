package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bonus_service/internal/auth"
	"bonus_service/internal/bonus"
	"bonus_service/internal/logger"
	"bonus_service/internal/metrics"
	"bonus_service/internal/store/memory"
	"bonus_service/internal/wallet"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

type testEnv struct {
	t       *testing.T
	server  *Server
	bonuses *bonus.Service
	wallets *wallet.Service
	tokens  *auth.Resolver
}

func newTestEnv(t *testing.T, configure ...func(o *Options)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	bonuses := bonus.NewService(store.Bonuses(), nil, logger.Nop(), bonus.Options{Timeout: time.Second})
	wallets := wallet.NewService(store.Wallets(), time.Second, logger.Nop())
	wallets.SetDepositHook(func(ctx context.Context, playerID string, amount decimal.Decimal, currency string, referenceID string) {
		_, _ = bonuses.OnDeposit(ctx, playerID, amount, currency, referenceID)
	})

	resolver, err := auth.NewResolver(testSecret, "bonus-service")
	require.NoError(t, err)

	opts := Options{
		Port:    "0",
		Logger:  logger.Nop(),
		Auth:    resolver,
		Bonuses: bonuses,
		Wallets: wallets,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	return &testEnv{t: t, server: New(opts), bonuses: bonuses, wallets: wallets, tokens: resolver}
}

func (e *testEnv) token(userID, role string) string {
	e.t.Helper()
	token, err := e.tokens.Issue(userID, role, time.Hour)
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// deposit posts a main-wallet deposit as the platform.
func (e *testEnv) deposit(playerID, ref, amount string) {
	e.t.Helper()
	w := e.do(http.MethodPost, "/transactions", e.token("game-platform", auth.RoleService), map[string]interface{}{
		"player_id": playerID, "wallet_type": "main", "transaction_type": "deposit",
		"amount": amount, "reference_id": ref, "currency": "USD",
	})
	require.Equal(e.t, http.StatusOK, w.Code, w.Body.String())
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func reloadDefinition() map[string]interface{} {
	return map[string]interface{}{
		"name":                "Reload 100",
		"type":                bonus.TypeReload,
		"amount_type":         bonus.AmountFixed,
		"amount_value":        "100",
		"min_deposit":         "50",
		"rollover_multiplier": "3",
		"max_per_user":        1,
		"currency":            "USD",
		"is_active":           true,
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bonus_http_requests_total")
}

func TestRoutesRequireAuthentication(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/bonuses", "/me/bonuses", "/wallets/main", "/admin/bonuses"} {
		w := env.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestRoleGuards(t *testing.T) {
	env := newTestEnv(t)
	player := env.token("player-1", auth.RoleUser)

	w := env.do(http.MethodPost, "/wagers", player, map[string]interface{}{
		"wager_id": "w-1", "user_id": "player-1", "amount": "10", "category": "slots",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/admin/bonuses", player, reloadDefinition())
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/admin/bonuses", env.token("svc", auth.RoleService), reloadDefinition())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestClaimWagerAndProgressOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("admin-1", auth.RoleAdmin)
	service := env.token("game-platform", auth.RoleService)
	player := env.token("player-1", auth.RoleUser)

	w := env.do(http.MethodPost, "/admin/bonuses", admin, reloadDefinition())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bonusID := decode(t, w)["id"].(string)

	w = env.do(http.MethodGet, "/bonuses", player, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), bonusID)

	env.deposit("player-1", "dep-1", "100")
	w = env.do(http.MethodPost, "/bonuses/"+bonusID+"/claim", player, map[string]interface{}{"deposit_reference": "dep-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	claim := decode(t, w)
	instanceID := claim["instance_id"].(string)
	assert.Equal(t, "100", claim["granted_amount"])

	w = env.do(http.MethodPost, "/wagers", service, map[string]interface{}{
		"wager_id": "w-1", "user_id": "player-1", "amount": "50", "category": bonus.GameTypeSlots, "currency": "usd",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []interface{}{instanceID}, decode(t, w)["applied"])

	w = env.do(http.MethodGet, "/me/bonuses/"+instanceID, player, nil)
	require.Equal(t, http.StatusOK, w.Code)
	progress := decode(t, w)
	assert.Equal(t, "250", progress["remaining_rollover"])
	assert.Equal(t, "50", progress["wagering_completed"])

	w = env.do(http.MethodGet, "/me/bonuses/"+instanceID, env.token("player-2", auth.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/me/bonuses/"+instanceID+"/events", player, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), bonus.EventWagerPlaced)

	w = env.do(http.MethodGet, "/wallets/bonus", player, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := decode(t, w)["balance"].(map[string]interface{})
	assert.Equal(t, "100", balance["balance"])

	w = env.do(http.MethodGet, "/wallets/bonus/reconcile", player, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestClaimErrorsCarryReason(t *testing.T) {
	env := newTestEnv(t)
	player := env.token("player-1", auth.RoleUser)

	w := env.do(http.MethodPost, "/bonuses/00000000-0000-0000-0000-000000000000/claim", player, map[string]interface{}{"deposit_reference": "dep-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "bonus_not_found", decode(t, w)["reason"])

	w = env.do(http.MethodGet, "/wallets/savings", player, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unsupported_wallet_type", decode(t, w)["reason"])
}

func TestPlayerClaimNeedsPostedDeposit(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("admin-1", auth.RoleAdmin)
	player := env.token("player-1", auth.RoleUser)

	def := reloadDefinition()
	def["amount_type"] = bonus.AmountPercent
	def["amount_value"] = "100"
	def["max_cap"] = "500"
	w := env.do(http.MethodPost, "/admin/bonuses", admin, def)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bonusID := decode(t, w)["id"].(string)
	claimPath := "/bonuses/" + bonusID + "/claim"

	w = env.do(http.MethodPost, claimPath, player, map[string]interface{}{"deposit_amount": "500"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["reason"])

	w = env.do(http.MethodPost, claimPath, player, map[string]interface{}{"deposit_reference": "never-made"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "deposit_not_found", decode(t, w)["reason"])

	env.deposit("player-2", "dep-9", "400")
	w = env.do(http.MethodPost, claimPath, player, map[string]interface{}{"deposit_reference": "dep-9"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "deposit_not_found", decode(t, w)["reason"])

	w = env.do(http.MethodPost, claimPath, player, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "deposit_below_minimum", decode(t, w)["reason"])

	env.deposit("player-1", "dep-1", "60")
	w = env.do(http.MethodPost, claimPath, player, map[string]interface{}{"deposit_reference": "dep-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "60", decode(t, w)["granted_amount"])
}

func TestDepositTriggersAutoGrant(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("admin-1", auth.RoleAdmin)
	service := env.token("game-platform", auth.RoleService)
	player := env.token("player-1", auth.RoleUser)

	def := reloadDefinition()
	def["auto_grant"] = true
	w := env.do(http.MethodPost, "/admin/bonuses", admin, def)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	deposit := map[string]interface{}{
		"player_id": "player-1", "wallet_type": "main", "transaction_type": "deposit",
		"amount": "200", "reference_id": "dep-1", "currency": "USD",
	}
	w = env.do(http.MethodPost, "/transactions", service, deposit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(http.MethodPost, "/transactions", service, deposit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(http.MethodGet, "/me/bonuses", player, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mine []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, bonus.BonusStatusActive, mine[0]["status"])
}

func TestAdminLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token("admin-1", auth.RoleAdmin)
	player := env.token("player-1", auth.RoleUser)

	w := env.do(http.MethodPost, "/admin/bonuses", admin, reloadDefinition())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bonusID := decode(t, w)["id"].(string)

	env.deposit("player-1", "dep-1", "100")
	w = env.do(http.MethodPost, "/bonuses/"+bonusID+"/claim", player, map[string]interface{}{"deposit_reference": "dep-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	instanceID := decode(t, w)["instance_id"].(string)

	w = env.do(http.MethodPost, "/admin/instances/"+instanceID+"/forfeit", admin, map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(http.MethodPost, "/admin/instances/"+instanceID+"/forfeit", admin, map[string]interface{}{"reason": "abuse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, bonus.BonusStatusForfeited, decode(t, w)["status"])

	w = env.do(http.MethodPost, "/admin/instances/"+instanceID+"/forfeit", admin, map[string]interface{}{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPatch, "/admin/bonuses/"+bonusID+"/active", admin, map[string]interface{}{"is_active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["is_active"])

	w = env.do(http.MethodGet, "/bonuses", player, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), bonusID)

	w = env.do(http.MethodPost, "/admin/sweeps", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestLossBonusClaimIsRateLimited(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Limiter = denyLimiter{} })
	player := env.token("player-1", auth.RoleUser)

	w := env.do(http.MethodGet, "/loss-bonus", player, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["eligible"])

	w = env.do(http.MethodPost, "/loss-bonus/claim", player, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["reason"])
}

func TestLossBonusOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	service := env.token("game-platform", auth.RoleService)
	player := env.token("player-1", auth.RoleUser)

	for _, tx := range []map[string]interface{}{
		{"transaction_type": "deposit", "amount": "1000", "reference_id": "dep-1"},
		{"transaction_type": "bet", "amount": "700", "reference_id": "bet-1"},
		{"transaction_type": "win", "amount": "200", "reference_id": "win-1"},
	} {
		tx["player_id"] = "player-1"
		tx["wallet_type"] = "main"
		tx["currency"] = "USD"
		w := env.do(http.MethodPost, "/transactions", service, tx)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := env.do(http.MethodPost, "/loss-bonus/claim", player, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	claim := decode(t, w)
	assert.Equal(t, "500", claim["balance_before"])
	assert.Equal(t, "600", claim["balance_after"])

	w = env.do(http.MethodPost, "/loss-bonus/claim", player, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_claimed", decode(t, w)["reason"])
}

func TestRecoveryReturnsInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Recovery(logger.Nop()), RequestLogging(logger.Nop()), Metrics())
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestProgressStreamPushesUpdates(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	def, err := env.bonuses.CreateDefinition(context.Background(), bonus.DefinitionInput{
		Name:               "Reload 100",
		Type:               bonus.TypeReload,
		AmountType:         bonus.AmountFixed,
		AmountValue:        decimal.NewFromInt(100),
		MinDeposit:         decimal.NewFromInt(50),
		RolloverMultiplier: decimal.NewFromInt(3),
		MaxPerUser:         1,
		Currency:           "USD",
		IsActive:           true,
	})
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token("player-1", auth.RoleUser))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/bonuses"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return env.bonuses.Hub().SubscriberCount("player-1") == 1 &&
			testutil.ToFloat64(metrics.WebsocketSubscribers) >= 1
	}, time.Second, 10*time.Millisecond)

	_, err = env.bonuses.Claim(context.Background(), bonus.ClaimRequest{
		UserID:        "player-1",
		BonusID:       def.ID,
		DepositAmount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var update bonus.WageringUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "player-1", update.PlayerID)
	assert.Equal(t, bonus.EventBonusGranted, update.EventType)
	assert.True(t, decimal.NewFromInt(300).Equal(update.WageringRequired))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		return env.bonuses.Hub().SubscriberCount("player-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
