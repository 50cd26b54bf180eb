package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"townlet/internal/config"
	"townlet/internal/market"
	"townlet/internal/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := market.NewService(store, nil, nil, nil)
	s := New(config.APIConfig{}, nil, Deps{Market: svc})
	return s, store
}

func seedMarket(t *testing.T, store *memory.Store) (itemID, playerID string) {
	t.Helper()
	itemID = "timber"
	playerID = uuid.NewString()
	if err := store.SeedItems(context.Background(), []market.Item{{
		ID:           itemID,
		Name:         "Timber",
		Category:     market.CategoryResource,
		BasePrice:    100,
		CurrentPrice: 100,
		Stock:        500,
	}}); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	store.PutPlayer(market.Player{ID: playerID, Username: "tester", Coins: 10_000})
	return itemID, playerID
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestBuyEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	itemID, playerID := seedMarket(t, store)

	body := `{"player_id":"` + playerID + `","item_id":"` + itemID + `","quantity":5}`
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/market/buy", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("buy status = %d, body %s", rec.Code, rec.Body.String())
	}

	var out market.TradeResult
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Spent != 500 {
		t.Fatalf("spent = %d, want 500", out.Spent)
	}
	if out.UnitPrice != 100 {
		t.Fatalf("unit price = %d, want pre-trade 100", out.UnitPrice)
	}
}

func TestBuyUnknownItemIs404(t *testing.T) {
	s, store := newTestServer(t)
	_, playerID := seedMarket(t, store)

	body := `{"player_id":"` + playerID + `","item_id":"unobtainium","quantity":1}`
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/market/buy", body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBuyFrozenItemIs403(t *testing.T) {
	s, store := newTestServer(t)
	_, playerID := seedMarket(t, store)
	if err := store.SeedItems(context.Background(), []market.Item{{
		ID:           "neon-sign",
		Name:         "Neon Sign",
		Category:     market.CategoryCosmetic,
		BasePrice:    100,
		CurrentPrice: 130,
		Stock:        50,
		Volatility:   0.30,
	}}); err != nil {
		t.Fatalf("seed items: %v", err)
	}

	body := `{"player_id":"` + playerID + `","item_id":"neon-sign","quantity":1}`
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/market/buy", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %s", rec.Code, rec.Body.String())
	}
}

func TestInvalidQuantityIs400(t *testing.T) {
	s, store := newTestServer(t)
	itemID, playerID := seedMarket(t, store)

	body := `{"player_id":"` + playerID + `","item_id":"` + itemID + `","quantity":0}`
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/market/sell", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDuplicateIdempotencyKeyIs409(t *testing.T) {
	s, store := newTestServer(t)
	itemID, playerID := seedMarket(t, store)

	key := uuid.NewString()
	body := `{"player_id":"` + playerID + `","item_id":"` + itemID + `","quantity":1}`
	for i, want := range []int{http.StatusOK, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/v1/market/buy", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestItemsListAndDetail(t *testing.T) {
	s, store := newTestServer(t)
	itemID, _ := seedMarket(t, store)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/market/items", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/market/items/"+itemID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	var it market.Item
	if err := json.NewDecoder(rec.Body).Decode(&it); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if it.ID != itemID {
		t.Fatalf("item id = %q", it.ID)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	itemID, playerID := seedMarket(t, store)

	for i := 0; i < 3; i++ {
		body := `{"player_id":"` + playerID + `","item_id":"` + itemID + `","quantity":1}`
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/market/buy", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("buy %d status = %d", i, rec.Code)
		}
		time.Sleep(time.Millisecond)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/players/"+playerID+"/history?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var out struct {
		Transactions []market.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Transactions) != 2 {
		t.Fatalf("got %d transactions, want 2", len(out.Transactions))
	}
}
