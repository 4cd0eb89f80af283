package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/api"
	"github.com/tradegame/market-engine/internal/engine"
	"github.com/tradegame/market-engine/internal/model"
	"github.com/tradegame/market-engine/internal/pricing"
	"github.com/tradegame/market-engine/internal/store"
)

var secret = []byte("test-secret")

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	handler http.Handler
	engine  *engine.Engine
	admin   string
}

// newTestEnv creates a Server over an in-memory store with deterministic
// randomness: no jitter, no events, zero settlement offset.
func newTestEnv(t *testing.T, opts api.Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store.NewMemoryStore(), engine.Options{
		Source: &pricing.ScriptedSource{},
		Logger: logger,
	})
	opts.JWTSecret = secret
	opts.Logger = logger
	srv := api.New(eng, nil, opts)
	return &testEnv{handler: srv.Handler(), engine: eng, admin: token(t, "root", api.RoleAdmin)}
}

func token(t *testing.T, playerID, role string) string {
	t.Helper()
	tok, err := api.SignToken(secret, playerID, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (env *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

// register signs a token for playerID and registers them.
func (env *testEnv) register(t *testing.T, playerID string) string {
	t.Helper()
	tok := token(t, playerID, "")
	w := env.do(t, "POST", "/api/v1/players", tok, api.RegisterRequest{Name: playerID})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", playerID, w.Code, w.Body.String())
	}
	return tok
}

func (env *testEnv) createAsset(t *testing.T, price float64, baseDelay int) model.Asset {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/assets", env.admin, engine.AssetInput{
		Name:                "ACME",
		Type:                "stock",
		Liquidity:           d(1000),
		BaseSettlementDelay: baseDelay,
		Slippage:            d(5),
		Price:               d(price),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create asset: %d %s", w.Code, w.Body.String())
	}
	var a model.Asset
	decode(t, w, &a)
	return a
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, w, &body)
	return body["error"]
}

// --- Health & auth ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	w := env.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}

func TestAuth_Rejections(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	forged, _ := api.SignToken([]byte("other-secret"), "p1", api.RoleAdmin, time.Hour)
	expired, _ := api.SignToken(secret, "p1", "", -time.Minute)

	tests := []struct {
		name string
		tok  string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", forged},
		{"expired", expired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "GET", "/api/v1/me", tc.tok, nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestAdminRoutes_RequireRole(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")

	for _, route := range []struct{ method, path string }{
		{"POST", "/api/v1/assets"},
		{"POST", "/api/v1/events"},
		{"POST", "/api/v1/rounds/advance"},
		{"POST", "/api/v1/rounds/settle"},
		{"GET", "/api/v1/players"},
	} {
		w := env.do(t, route.method, route.path, tok, map[string]any{})
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403, got %d", route.method, route.path, w.Code)
		}
	}
}

// --- Players ---

func TestRegisterPlayer(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "alice")

	w := env.do(t, "GET", "/api/v1/me", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	var p model.Player
	decode(t, w, &p)
	if p.ID != "alice" || !p.Balance.Equal(d(10000)) {
		t.Errorf("unexpected player %+v", p)
	}

	// Registering twice is rejected.
	w = env.do(t, "POST", "/api/v1/players", tok, api.RegisterRequest{Name: "alice"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("duplicate registration: expected 400, got %d", w.Code)
	}
}

func TestRegisterPlayer_CannotImpersonate(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	w := env.do(t, "POST", "/api/v1/players", token(t, "mallory", ""), api.RegisterRequest{ID: "alice", Name: "alice"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	// Admins may register anyone.
	w = env.do(t, "POST", "/api/v1/players", env.admin, api.RegisterRequest{ID: "bob", Name: "bob"})
	if w.Code != http.StatusCreated {
		t.Errorf("admin registration: expected 201, got %d %s", w.Code, w.Body.String())
	}
}

func TestPlayerAccess(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	alice := env.register(t, "alice")
	env.register(t, "bob")

	if w := env.do(t, "GET", "/api/v1/players/bob", alice, nil); w.Code != http.StatusForbidden {
		t.Errorf("reading another player: expected 403, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/players/bob", env.admin, nil); w.Code != http.StatusOK {
		t.Errorf("admin read: expected 200, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/players/ghost", env.admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown player: expected 404, got %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/players", env.admin, nil)
	var players []model.Player
	decode(t, w, &players)
	if len(players) != 2 {
		t.Errorf("expected 2 players, got %d", len(players))
	}

	if w := env.do(t, "DELETE", "/api/v1/players/alice", alice, nil); w.Code != http.StatusNoContent {
		t.Errorf("self delete: expected 204, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/me", alice, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted player: expected 404, got %d", w.Code)
	}
}

// --- Trading ---

func TestBuy_Success(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")
	asset := env.createAsset(t, 100, 2)

	w := env.do(t, "POST", "/api/v1/assets/"+asset.ID+"/buy", tok, api.TradeRequest{Quantity: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}
	var res engine.BuyResult
	decode(t, w, &res)
	if !res.NewPrice.Equal(d(101)) || !res.Balance.IsZero() || res.Holding.Quantity != 100 {
		t.Errorf("unexpected result %+v", res)
	}

	w = env.do(t, "GET", "/api/v1/me/holdings", tok, nil)
	var holdings []model.Holding
	decode(t, w, &holdings)
	if len(holdings) != 1 || holdings[0].Quantity != 100 {
		t.Errorf("unexpected holdings %+v", holdings)
	}
}

func TestBuy_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")
	asset := env.createAsset(t, 100, 2)
	buy := "/api/v1/assets/" + asset.ID + "/buy"

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"zero quantity", buy, api.TradeRequest{Quantity: 0}, http.StatusBadRequest},
		{"fractional quantity", buy, `{"quantity": 1.5}`, http.StatusBadRequest},
		{"malformed body", buy, `{`, http.StatusBadRequest},
		{"unknown asset", "/api/v1/assets/nope/buy", api.TradeRequest{Quantity: 1}, http.StatusNotFound},
		{"insufficient funds", buy, api.TradeRequest{Quantity: 1000}, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", tc.path, tok, tc.body)
			if w.Code != tc.status {
				t.Errorf("expected %d, got %d %s", tc.status, w.Code, w.Body.String())
			}
			if msg := errorMessage(t, w); msg == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestBuy_ThirdInRoundConflicts(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")
	asset := env.createAsset(t, 10, 2)
	buy := "/api/v1/assets/" + asset.ID + "/buy"

	for i := 0; i < 2; i++ {
		if w := env.do(t, "POST", buy, tok, api.TradeRequest{Quantity: 1}); w.Code != http.StatusOK {
			t.Fatalf("buy %d: %d", i+1, w.Code)
		}
	}
	w := env.do(t, "POST", buy, tok, api.TradeRequest{Quantity: 1})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if msg := errorMessage(t, w); !strings.Contains(msg, "purchase limit") {
		t.Errorf("unexpected message %q", msg)
	}

	w = env.do(t, "GET", "/api/v1/me/round", tok, nil)
	var status engine.RoundStatus
	decode(t, w, &status)
	if status.Purchases != 2 || status.CanPurchase || !status.CanSell {
		t.Errorf("unexpected round status %+v", status)
	}
}

func TestSellAndSettleViaRounds(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")
	asset := env.createAsset(t, 100, 1)

	if w := env.do(t, "POST", "/api/v1/assets/"+asset.ID+"/buy", tok, api.TradeRequest{Quantity: 10}); w.Code != http.StatusOK {
		t.Fatalf("buy: %d", w.Code)
	}
	w := env.do(t, "POST", "/api/v1/assets/"+asset.ID+"/sell", tok, api.TradeRequest{Quantity: 10})
	if w.Code != http.StatusOK {
		t.Fatalf("sell: %d %s", w.Code, w.Body.String())
	}
	var sold engine.SellResult
	decode(t, w, &sold)
	if sold.RoundsRemaining != 1 || sold.RemainingQuantity != 0 {
		t.Errorf("unexpected sell result %+v", sold)
	}

	w = env.do(t, "GET", "/api/v1/me/sales", tok, nil)
	var sales []model.PendingSale
	decode(t, w, &sales)
	if len(sales) != 1 {
		t.Fatalf("expected 1 pending sale, got %d", len(sales))
	}

	// Settling without a new round changes nothing.
	w = env.do(t, "POST", "/api/v1/rounds/settle", env.admin, nil)
	var settle engine.SettlementReport
	decode(t, w, &settle)
	if settle.Settled != 0 {
		t.Errorf("settle before any round paid out: %+v", settle)
	}

	w = env.do(t, "POST", "/api/v1/rounds/advance", env.admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("advance: %d %s", w.Code, w.Body.String())
	}
	var report engine.RoundReport
	decode(t, w, &report)
	if report.Round != 1 || report.Settlement == nil || report.Settlement.Settled != 1 {
		t.Errorf("unexpected round report %+v", report)
	}

	w = env.do(t, "GET", "/api/v1/me", tok, nil)
	var p model.Player
	decode(t, w, &p)
	// 10000 - 1000 + 10 × 100.00 (price after buy and sell impacts).
	if !p.Balance.Equal(d(10000)) {
		t.Errorf("expected balance 10000, got %s", p.Balance)
	}

	w = env.do(t, "GET", "/api/v1/me/results", tok, nil)
	var results []model.RoundResult
	decode(t, w, &results)
	if len(results) != 1 || results[0].Round != 1 {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestSell_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")
	asset := env.createAsset(t, 100, 1)

	w := env.do(t, "POST", "/api/v1/assets/"+asset.ID+"/sell", tok, api.TradeRequest{Quantity: 1})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
}

func TestTradeThrottle(t *testing.T) {
	env := newTestEnv(t, api.Options{TradeRate: 0.001, TradeBurst: 1})
	tok := env.register(t, "p1")
	other := env.register(t, "p2")
	asset := env.createAsset(t, 10, 1)
	buy := "/api/v1/assets/" + asset.ID + "/buy"

	if w := env.do(t, "POST", buy, tok, api.TradeRequest{Quantity: 1}); w.Code != http.StatusOK {
		t.Fatalf("first buy: %d", w.Code)
	}
	if w := env.do(t, "POST", buy, tok, api.TradeRequest{Quantity: 1}); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	// Buckets are per player.
	if w := env.do(t, "POST", buy, other, api.TradeRequest{Quantity: 1}); w.Code != http.StatusOK {
		t.Errorf("other player throttled: %d", w.Code)
	}
}

// --- Catalog ---

func TestAssetCRUD(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")
	asset := env.createAsset(t, 50, 2)

	w := env.do(t, "PUT", "/api/v1/assets/"+asset.ID, env.admin, engine.AssetInput{
		Name: "ACME Corp", Type: "stock", Liquidity: d(500), BaseSettlementDelay: 3, Price: d(75),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/assets/"+asset.ID, tok, nil)
	var got model.Asset
	decode(t, w, &got)
	if got.Name != "ACME Corp" || !got.Price.Equal(d(75)) || got.BaseSettlementDelay != 3 {
		t.Errorf("unexpected asset %+v", got)
	}

	w = env.do(t, "POST", "/api/v1/assets", env.admin, engine.AssetInput{Name: "bad", Liquidity: decimal.Zero, Price: d(1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero liquidity: expected 400, got %d", w.Code)
	}

	if w := env.do(t, "DELETE", "/api/v1/assets/"+asset.ID, env.admin, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/assets", tok, nil)
	var assets []model.Asset
	decode(t, w, &assets)
	if len(assets) != 0 {
		t.Errorf("expected empty list, got %d", len(assets))
	}
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t, api.Options{})
	tok := env.register(t, "p1")
	asset := env.createAsset(t, 100, 1)

	w := env.do(t, "POST", "/api/v1/events", env.admin, engine.EventInput{
		Name:        "boom",
		Description: "Rally",
		Impacts:     []engine.ImpactInput{{AssetID: asset.ID, Impact: d(0.1)}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event: %d %s", w.Code, w.Body.String())
	}
	var ev model.MarketEvent
	decode(t, w, &ev)

	impacts := fmt.Sprintf("/api/v1/events/%s/impacts", ev.ID)
	if w := env.do(t, "PUT", impacts, env.admin, api.ImpactRequest{AssetID: asset.ID, Impact: d(-0.25)}); w.Code != http.StatusOK {
		t.Errorf("set impact: expected 200, got %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "PUT", impacts, env.admin, api.ImpactRequest{AssetID: asset.ID, Impact: d(1.5)}); w.Code != http.StatusBadRequest {
		t.Errorf("out of range impact: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "PUT", impacts, env.admin, api.ImpactRequest{AssetID: "nope", Impact: d(0.1)}); w.Code != http.StatusNotFound {
		t.Errorf("unknown asset: expected 404, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/events/"+ev.ID, tok, nil)
	var got model.MarketEvent
	decode(t, w, &got)
	if len(got.Impacts) != 1 || !got.Impacts[0].Impact.Equal(d(-0.25)) {
		t.Errorf("expected upserted impact -0.25, got %+v", got.Impacts)
	}

	if w := env.do(t, "DELETE", "/api/v1/events/"+ev.ID, env.admin, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/events/"+ev.ID, tok, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted event: expected 404, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestWSHub_BroadcastsNotifications(t *testing.T) {
	hub := api.NewWSHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	eng := engine.New(store.NewMemoryStore(), engine.Options{Notifier: hub, Source: &pricing.ScriptedSource{}})
	srv := httptest.NewServer(api.New(eng, hub, api.Options{JWTSecret: secret}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := eng.AdvanceRound(context.Background()); err != nil {
		t.Fatalf("advance: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var n engine.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Type != engine.NotifyRoundAdvance || n.Round != 1 {
		t.Errorf("unexpected notification %+v", n)
	}
}
