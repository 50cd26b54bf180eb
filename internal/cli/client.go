package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) CreatePlayer(ctx context.Context, username string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/players", map[string]any{
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Player(ctx context.Context, playerID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/players/"+url.PathEscape(playerID), nil, &out, "")
	return out, err
}

func (c *Client) Inventory(ctx context.Context, playerID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/players/"+url.PathEscape(playerID)+"/inventory", nil, &out, "")
	return out, err
}

func (c *Client) History(ctx context.Context, playerID string, limit int) (map[string]any, error) {
	path := "/v1/players/" + url.PathEscape(playerID) + "/history"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out, err
}

func (c *Client) Buildings(ctx context.Context, playerID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/players/"+url.PathEscape(playerID)+"/buildings", nil, &out, "")
	return out, err
}

func (c *Client) ListItems(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/market/items", nil, &out, "")
	return out, err
}

func (c *Client) ItemDetail(ctx context.Context, itemID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/market/items/"+url.PathEscape(itemID), nil, &out, "")
	return out, err
}

func (c *Client) Trade(ctx context.Context, direction, playerID, itemID string, quantity int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/market/"+direction, map[string]any{
		"player_id": playerID,
		"item_id":   itemID,
		"quantity":  quantity,
	}, &out, idem)
	return out, err
}

func (c *Client) PlaceBuilding(ctx context.Context, playerID, kind string, plot int32, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/buildings", map[string]any{
		"player_id": playerID,
		"kind":      kind,
		"plot":      plot,
	}, &out, idem)
	return out, err
}

func (c *Client) CollectBuilding(ctx context.Context, playerID string, buildingID int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/buildings/%d/collect", buildingID), map[string]any{
		"player_id": playerID,
	}, &out, idem)
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, limit int) (map[string]any, error) {
	path := "/v1/leaderboard"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out, err
}

// Do issues an arbitrary request. The offline queue replays through here.
func (c *Client) Do(ctx context.Context, method, path string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, method, path, body, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
