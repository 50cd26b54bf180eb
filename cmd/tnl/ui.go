package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"townlet/internal/market"
	"townlet/internal/town"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type itemsPayload struct {
	Items []market.Item `json:"items"`
}

type inventoryPayload struct {
	Inventory []market.InventoryEntry `json:"inventory"`
}

type historyPayload struct {
	Transactions []market.Transaction `json:"transactions"`
}

type buildingsPayload struct {
	Buildings []town.Building `json:"buildings"`
}

type leaderboardPayload struct {
	Rows []town.LeaderboardRow `json:"rows"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func decodePayload(raw map[string]any, out any) error {
	body, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func renderPlayer(raw map[string]any) error {
	username, _ := raw["username"].(string)
	coins, _ := raw["coins"].(float64)
	accent.Printf("%s\n", username)
	neutral.Printf("  coins: %d\n", int64(coins))
	return nil
}

func renderItemsList(raw map[string]any) error {
	var payload itemsPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Items) == 0 {
		printInfo("No items on the market.")
		return nil
	}
	accent.Printf("%-14s %-10s %10s %8s %10s  %s\n", "ITEM", "CATEGORY", "PRICE", "STOCK", "VOLATILITY", "")
	for _, it := range payload.Items {
		marker := ""
		if it.Frozen() {
			marker = danger.Sprint("frozen (sell only)")
		}
		fmt.Printf("%-14s %-10s %10d %8d %+10.3f  %s\n",
			it.ID, it.Category, it.CurrentPrice, it.Stock, it.Volatility, marker)
	}
	return nil
}

func renderItemDetail(raw map[string]any) error {
	var it market.Item
	if err := decodePayload(raw, &it); err != nil {
		return err
	}
	accent.Printf("%s (%s)\n", it.Name, it.ID)
	neutral.Printf("  category:   %s\n", it.Category)
	neutral.Printf("  price:      %d (base %d, floor %d)\n", it.CurrentPrice, it.BasePrice, it.PriceFloor())
	neutral.Printf("  stock:      %d\n", it.Stock)
	neutral.Printf("  volatility: %+.3f\n", it.Volatility)
	if it.Frozen() {
		printWarn("  Market frozen: buys are blocked until the price settles.")
	}
	return nil
}

func renderTradeResult(raw map[string]any, direction, itemID string, quantity int64) error {
	unitPrice, _ := raw["unit_price"].(float64)
	if direction == "buy" {
		spent, _ := raw["spent"].(float64)
		printSuccess(fmt.Sprintf("Bought %d x %s at %d each, spent %d coins.",
			quantity, itemID, int64(unitPrice), int64(spent)))
	} else {
		earned, _ := raw["earned"].(float64)
		printSuccess(fmt.Sprintf("Sold %d x %s at %d each, earned %d coins.",
			quantity, itemID, int64(unitPrice), int64(earned)))
	}
	return nil
}

func renderInventory(raw map[string]any) error {
	var payload inventoryPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Inventory) == 0 {
		printInfo("Inventory is empty.")
		return nil
	}
	accent.Printf("%-14s %8s\n", "ITEM", "QTY")
	for _, entry := range payload.Inventory {
		fmt.Printf("%-14s %8d\n", entry.ItemID, entry.Quantity)
	}
	return nil
}

func renderHistory(raw map[string]any) error {
	var payload historyPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Transactions) == 0 {
		printInfo("No trades yet.")
		return nil
	}
	accent.Printf("%-20s %-5s %-14s %8s %10s\n", "WHEN", "SIDE", "ITEM", "QTY", "PRICE")
	for _, tx := range payload.Transactions {
		fmt.Printf("%-20s %-5s %-14s %8d %10d\n",
			tx.ExecutedAt.Local().Format(time.DateTime), tx.Direction, tx.ItemID, tx.Quantity, tx.UnitPrice)
	}
	return nil
}

func renderBuildings(raw map[string]any) error {
	var payload buildingsPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Buildings) == 0 {
		printInfo("No buildings yet. Try `tnl buildings place house 1`.")
		return nil
	}
	accent.Printf("%-6s %-14s %6s %-20s\n", "ID", "KIND", "PLOT", "LAST COLLECTED")
	for _, b := range payload.Buildings {
		fmt.Printf("%-6d %-14s %6d %-20s\n",
			b.ID, b.Kind, b.Plot, b.LastCollectedAt.Local().Format(time.DateTime))
	}
	return nil
}

func renderLeaderboard(raw map[string]any) error {
	var payload leaderboardPayload
	if err := decodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Rows) == 0 {
		printInfo("Leaderboard is empty.")
		return nil
	}
	accent.Printf("%4s %-24s %12s\n", "#", "PLAYER", "COINS")
	for _, row := range payload.Rows {
		fmt.Printf("%4d %-24s %12d\n", row.Rank, row.Username, row.Coins)
	}
	return nil
}
