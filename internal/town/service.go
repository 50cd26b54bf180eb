// Package town owns player records and building placement. Building
// collection is the one flow outside the market that writes player
// balances, so it follows the same discipline: row locks inside a
// serializable transaction, entity row before player row.
package town

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"townlet/internal/market"
)

var (
	ErrPlayerNotFound    = errors.New("player not found")
	ErrBuildingNotFound  = errors.New("building not found")
	ErrUnknownBuilding   = errors.New("unknown building kind")
	ErrPlotTaken         = errors.New("plot already occupied")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrCooldownActive    = errors.New("building not ready to collect")
	ErrDuplicateRequest  = errors.New("duplicate idempotency key")
	ErrUnauthorized      = errors.New("unauthorized")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

var blockedNameFragments = []string{
	"admin",
	"moderator",
	"mayor_official",
	"support",
}

type BuildingSpec struct {
	Kind     string        `json:"kind"`
	Cost     int64         `json:"cost"`
	Revenue  int64         `json:"revenue"`
	Cooldown time.Duration `json:"cooldown"`
}

// The placement catalog. Costs are coin sinks; collection revenue is the
// non-trading coin source.
var buildingCatalog = map[string]BuildingSpec{
	"house":        {Kind: "house", Cost: 120, Revenue: 8, Cooldown: 10 * time.Minute},
	"market_stall": {Kind: "market_stall", Cost: 250, Revenue: 25, Cooldown: 15 * time.Minute},
	"arcade":       {Kind: "arcade", Cost: 400, Revenue: 45, Cooldown: 30 * time.Minute},
	"workshop":     {Kind: "workshop", Cost: 600, Revenue: 70, Cooldown: 45 * time.Minute},
	"bank":         {Kind: "bank", Cost: 1200, Revenue: 160, Cooldown: time.Hour},
}

func CatalogSpec(kind string) (BuildingSpec, bool) {
	spec, ok := buildingCatalog[strings.ToLower(strings.TrimSpace(kind))]
	return spec, ok
}

type Player struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Coins     int64     `json:"coins"`
	CreatedAt time.Time `json:"created_at"`
}

type Building struct {
	ID              int64     `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Kind            string    `json:"kind"`
	Plot            int32     `json:"plot"`
	PlacedAt        time.Time `json:"placed_at"`
	LastCollectedAt time.Time `json:"last_collected_at"`
}

type PlaceBuildingInput struct {
	PlayerID       string
	Kind           string
	Plot           int32
	IdempotencyKey string
}

type LeaderboardRow struct {
	Rank     int64  `json:"rank"`
	Username string `json:"username"`
	Coins    int64  `json:"coins"`
}

type Service struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewService(db *pgxpool.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, log: logger}
}

func (s *Service) CreatePlayer(ctx context.Context, username string) (Player, error) {
	var out Player
	username = strings.TrimSpace(username)
	if !usernameRE.MatchString(username) {
		username = sanitizeUsername(username)
	}
	if err := screenName(username); err != nil {
		return out, err
	}

	out = Player{
		ID:        uuid.NewString(),
		Username:  username,
		Coins:     market.StarterCoins,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO town.players (id, username, coins, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, out.ID, out.Username, out.Coins, out.CreatedAt)
	if isUniqueViolation(err) {
		return Player{}, ErrUsernameTaken
	}
	if err != nil {
		return Player{}, err
	}
	return out, nil
}

func (s *Service) GetPlayer(ctx context.Context, playerID string) (Player, error) {
	var out Player
	err := s.db.QueryRow(ctx, `
		SELECT id, username, coins, created_at
		FROM town.players
		WHERE id = $1
	`, playerID).Scan(&out.ID, &out.Username, &out.Coins, &out.CreatedAt)
	if err == pgx.ErrNoRows {
		return out, ErrPlayerNotFound
	}
	return out, err
}

func (s *Service) PlaceBuilding(ctx context.Context, in PlaceBuildingInput) (Building, error) {
	var out Building
	spec, ok := CatalogSpec(in.Kind)
	if !ok {
		return out, ErrUnknownBuilding
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, in.PlayerID, in.IdempotencyKey, "place_building"); err != nil {
		return out, err
	}

	var coins int64
	err = tx.QueryRow(ctx, `
		SELECT coins
		FROM town.players
		WHERE id = $1
		FOR UPDATE
	`, in.PlayerID).Scan(&coins)
	if err == pgx.ErrNoRows {
		return out, ErrPlayerNotFound
	}
	if err != nil {
		return out, err
	}
	if coins < spec.Cost {
		return out, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		INSERT INTO town.buildings (owner_id, kind, plot, placed_at, last_collected_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, in.PlayerID, spec.Kind, in.Plot, now).Scan(&out.ID)
	if isUniqueViolation(err) {
		return Building{}, ErrPlotTaken
	}
	if err != nil {
		return Building{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE town.players
		SET coins = coins - $1, updated_at = now()
		WHERE id = $2
	`, spec.Cost, in.PlayerID); err != nil {
		return Building{}, err
	}

	out.OwnerID = in.PlayerID
	out.Kind = spec.Kind
	out.Plot = in.Plot
	out.PlacedAt = now
	out.LastCollectedAt = now
	return out, tx.Commit(ctx)
}

func (s *Service) ListBuildings(ctx context.Context, playerID string) ([]Building, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_id, kind, plot, placed_at, last_collected_at
		FROM town.buildings
		WHERE owner_id = $1
		ORDER BY plot
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Building
	for rows.Next() {
		var b Building
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Kind, &b.Plot, &b.PlacedAt, &b.LastCollectedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Collect credits the building's revenue once per cooldown window.
func (s *Service) Collect(ctx context.Context, playerID string, buildingID int64, idemKey string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if err := claimIdempotency(ctx, tx, playerID, idemKey, "collect_building"); err != nil {
		return 0, err
	}

	var ownerID, kind string
	var lastCollected time.Time
	err = tx.QueryRow(ctx, `
		SELECT owner_id, kind, last_collected_at
		FROM town.buildings
		WHERE id = $1
		FOR UPDATE
	`, buildingID).Scan(&ownerID, &kind, &lastCollected)
	if err == pgx.ErrNoRows {
		return 0, ErrBuildingNotFound
	}
	if err != nil {
		return 0, err
	}
	if ownerID != playerID {
		return 0, ErrUnauthorized
	}
	spec, ok := buildingCatalog[kind]
	if !ok {
		return 0, fmt.Errorf("building %d has unknown kind %q", buildingID, kind)
	}
	if time.Since(lastCollected) < spec.Cooldown {
		return 0, ErrCooldownActive
	}

	if _, err := tx.Exec(ctx, `
		UPDATE town.buildings
		SET last_collected_at = now()
		WHERE id = $1
	`, buildingID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE town.players
		SET coins = coins + $1, updated_at = now()
		WHERE id = $2
	`, spec.Revenue, playerID); err != nil {
		return 0, err
	}
	return spec.Revenue, tx.Commit(ctx)
}

func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	rows, err := s.db.Query(ctx, `
		SELECT username, coins
		FROM town.players
		ORDER BY coins DESC, username
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LeaderboardRow
	rank := int64(1)
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.Username, &r.Coins); err != nil {
			return nil, err
		}
		r.Rank = rank
		rank++
		out = append(out, r)
	}
	return out, rows.Err()
}

func claimIdempotency(ctx context.Context, tx pgx.Tx, playerID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	cmd, err := tx.Exec(ctx, `
		INSERT INTO town.idempotency_keys (player_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (player_id, key) DO NOTHING
	`, playerID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateRequest
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sanitizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	res := strings.Trim(string(out), "_")
	if len(res) < 3 {
		res = "citizen_" + res
	}
	if len(res) > 24 {
		res = res[:24]
	}
	return res
}

func screenName(name string) error {
	lower := strings.ToLower(name)
	for _, fragment := range blockedNameFragments {
		if strings.Contains(lower, fragment) {
			return fmt.Errorf("username contains blocked content")
		}
	}
	return nil
}
