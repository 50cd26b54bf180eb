package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	cl "townlet/internal/cli"
	"townlet/internal/cliq"
	"townlet/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "tnl",
		Short:        "Townlet CLI game client",
		SilenceUsage: true,
	}

	root.AddCommand(
		newJoinCmd(&apiBase),
		newLeaveCmd(),
		newBalanceCmd(&apiBase),
		newMarketCmd(&apiBase),
		newInventoryCmd(&apiBase),
		newHistoryCmd(&apiBase),
		newBuildingsCmd(&apiBase),
		newLeaderboardCmd(&apiBase),
		newSyncCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func currentProfile() (cl.Profile, error) {
	p, err := cl.LoadProfile()
	if err != nil {
		return cl.Profile{}, fmt.Errorf("run `tnl join` first: %w", err)
	}
	return p, nil
}

func newJoinCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Create a player and remember it locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			out, err := client.CreatePlayer(ctx, username)
			if err != nil {
				return err
			}
			playerID, _ := out["id"].(string)
			savedName, _ := out["username"].(string)
			if playerID == "" {
				return fmt.Errorf("api returned no player id")
			}
			if err := cl.SaveProfile(cl.Profile{PlayerID: playerID, Username: savedName}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Welcome to town, %s. Profile saved.", savedName))
			return nil
		},
	}
}

func newLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Forget the local player profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearProfile(); err != nil {
				return err
			}
			printSuccess("Profile cleared.")
			return nil
		},
	}
}

func newBalanceCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show your coin balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := currentProfile()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Player(ctx, profile.PlayerID)
			if err != nil {
				return err
			}
			return renderPlayer(out)
		},
	}
}

func newMarketCmd(apiBase *string) *cobra.Command {
	market := &cobra.Command{
		Use:   "market",
		Short: "Market commands",
	}
	market.AddCommand(newMarketListCmd(apiBase))
	market.AddCommand(newMarketTradeCmd(apiBase, "buy"))
	market.AddCommand(newMarketTradeCmd(apiBase, "sell"))
	return market
}

func newMarketListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list [ITEM]",
		Short: "List market items or inspect one item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)

			if len(args) == 1 {
				out, err := client.ItemDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return renderItemDetail(out)
			}
			out, err := client.ListItems(ctx)
			if err != nil {
				return err
			}
			return renderItemsList(out)
		},
	}
}

func newMarketTradeCmd(apiBase *string, direction string) *cobra.Command {
	short := "Buy an item from the market"
	if direction == "sell" {
		short = "Sell an item back to the market"
	}
	return &cobra.Command{
		Use:   direction + " ITEM QUANTITY",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := currentProfile()
			if err != nil {
				return err
			}
			quantity, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || quantity <= 0 {
				return fmt.Errorf("quantity must be a positive whole number")
			}

			idem := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Trade(ctx, direction, profile.PlayerID, args[0], quantity, idem)
			if isNetworkError(err) {
				if qErr := cliq.Push(cliq.Command{
					Method: "POST",
					Path:   "/v1/market/" + direction,
					Body: map[string]any{
						"player_id": profile.PlayerID,
						"item_id":   args[0],
						"quantity":  quantity,
					},
					IdempotencyKey: idem,
				}); qErr != nil {
					return qErr
				}
				printWarn("API unreachable. Trade queued, run `tnl sync` later.")
				return nil
			}
			if err != nil {
				return err
			}
			return renderTradeResult(out, direction, args[0], quantity)
		},
	}
}

func newInventoryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Show your item inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := currentProfile()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Inventory(ctx, profile.PlayerID)
			if err != nil {
				return err
			}
			return renderInventory(out)
		},
	}
}

func newHistoryCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show your trade history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := currentProfile()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).History(ctx, profile.PlayerID, limit)
			if err != nil {
				return err
			}
			return renderHistory(out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of transactions to show")
	return cmd
}

func newBuildingsCmd(apiBase *string) *cobra.Command {
	buildings := &cobra.Command{
		Use:   "buildings",
		Short: "Building commands",
	}

	buildings.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your buildings",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := currentProfile()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Buildings(ctx, profile.PlayerID)
			if err != nil {
				return err
			}
			return renderBuildings(out)
		},
	})

	buildings.AddCommand(&cobra.Command{
		Use:   "place KIND PLOT",
		Short: "Place a building on a plot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := currentProfile()
			if err != nil {
				return err
			}
			plot, err := strconv.ParseInt(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("plot must be a whole number")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).PlaceBuilding(ctx, profile.PlayerID, args[0], int32(plot), uuid.NewString())
			if err != nil {
				return err
			}
			kind, _ := out["kind"].(string)
			printSuccess(fmt.Sprintf("Placed %s on plot %d.", kind, plot))
			return nil
		},
	})

	buildings.AddCommand(&cobra.Command{
		Use:   "collect ID",
		Short: "Collect revenue from a building",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := currentProfile()
			if err != nil {
				return err
			}
			buildingID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("building id must be a whole number")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CollectBuilding(ctx, profile.PlayerID, buildingID, uuid.NewString())
			if err != nil {
				return err
			}
			collected, _ := out["collected"].(float64)
			printSuccess(fmt.Sprintf("Collected %d coins.", int64(collected)))
			return nil
		},
	})

	return buildings
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the richest players in town",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Leaderboard(ctx, limit)
			if err != nil {
				return err
			}
			return renderLeaderboard(out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "number of rows to show")
	return cmd
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued offline trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := cliq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			remaining := make([]cliq.Command, 0, len(queue))
			success := 0
			for _, q := range queue {
				_, err := client.Do(ctx, q.Method, q.Path, q.Body, q.IdempotencyKey)
				if err != nil && !isDuplicate(err) {
					remaining = append(remaining, q)
					printError(fmt.Sprintf("Sync failed for %s %s: %v", q.Method, q.Path, err))
					continue
				}
				success++
			}
			if err := cliq.Save(remaining); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", success, len(remaining)))
			return nil
		},
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// A replayed command that already landed comes back as a 409. That counts
// as delivered.
func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "api status 409")
}
