// Package heist handles cooperative heists: a leader plans one against a
// target with a pot, players join the crew before the execution time, and
// the worker resolves it. Success odds grow with crew size, and a
// successful pot is split in integer coins with the remainder going to
// the leader.
package heist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"townlet/internal/obs"
	"townlet/internal/telemetry"
)

const (
	MaxCrewSize = 6
	baseChance  = 0.20
	perMember   = 0.12
	maxChance   = 0.90
	minLeadTime = time.Minute
	maxPotCoins = int64(1_000_000)
)

var (
	ErrHeistNotFound = errors.New("heist not found")
	ErrHeistClosed   = errors.New("heist is no longer joinable")
	ErrCrewFull      = errors.New("crew is full")
	ErrAlreadyJoined = errors.New("already in crew")
	ErrInvalidPot    = errors.New("pot must be between 1 and 1000000 coins")
	ErrInvalidTarget = errors.New("target must be 3-80 characters")
	ErrInvalidLeadIn = errors.New("execution time must be at least a minute out")
)

type Heist struct {
	ID         int64      `json:"id"`
	LeaderID   string     `json:"leader_id"`
	Target     string     `json:"target"`
	Pot        int64      `json:"pot"`
	Status     string     `json:"status"`
	ExecutesAt time.Time  `json:"executes_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Crew       []string   `json:"crew,omitempty"`
}

type PlanInput struct {
	LeaderID   string
	Target     string
	Pot        int64
	ExecutesAt time.Time
}

type Service struct {
	db      *pgxpool.Pool
	emit    telemetry.Emitter
	metrics *obs.Metrics
	log     *slog.Logger

	mu   sync.Mutex
	rand *mathrand.Rand
}

func NewService(db *pgxpool.Pool, emitter telemetry.Emitter, metrics *obs.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = telemetry.NewLogEmitter(logger)
	}
	return &Service{
		db:      db,
		emit:    emitter,
		metrics: metrics,
		log:     logger,
		rand:    mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// successChance maps crew size to odds. One lone leader is a long shot;
// a full crew caps out at 90%.
func successChance(crewSize int) float64 {
	if crewSize < 1 {
		return 0
	}
	chance := baseChance + perMember*float64(crewSize-1)
	if chance > maxChance {
		chance = maxChance
	}
	return chance
}

// splitPot divides the pot evenly across the crew. The integer remainder
// goes to the leader, so every coin is accounted for.
func splitPot(pot int64, crewSize int) (share, leaderBonus int64) {
	if crewSize < 1 {
		return 0, 0
	}
	share = pot / int64(crewSize)
	leaderBonus = pot - share*int64(crewSize)
	return share, leaderBonus
}

func (s *Service) Plan(ctx context.Context, in PlanInput) (Heist, error) {
	var out Heist
	in.Target = strings.TrimSpace(in.Target)
	if len(in.Target) < 3 || len(in.Target) > 80 {
		return out, ErrInvalidTarget
	}
	if in.Pot < 1 || in.Pot > maxPotCoins {
		return out, ErrInvalidPot
	}
	if time.Until(in.ExecutesAt) < minLeadTime {
		return out, ErrInvalidLeadIn
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO heist.heists (leader_id, target, pot, executes_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, leader_id, target, pot, status, executes_at
	`, in.LeaderID, in.Target, in.Pot, in.ExecutesAt.UTC()).
		Scan(&out.ID, &out.LeaderID, &out.Target, &out.Pot, &out.Status, &out.ExecutesAt)
	if err != nil {
		return Heist{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO heist.members (heist_id, player_id)
		VALUES ($1, $2)
	`, out.ID, in.LeaderID); err != nil {
		return Heist{}, err
	}
	out.Crew = []string{in.LeaderID}
	return out, tx.Commit(ctx)
}

func (s *Service) Join(ctx context.Context, heistID int64, playerID string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	var executesAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT status, executes_at
		FROM heist.heists
		WHERE id = $1
		FOR UPDATE
	`, heistID).Scan(&status, &executesAt)
	if err == pgx.ErrNoRows {
		return ErrHeistNotFound
	}
	if err != nil {
		return err
	}
	if status != "planned" || time.Now().After(executesAt) {
		return ErrHeistClosed
	}

	var crewSize int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM heist.members WHERE heist_id = $1
	`, heistID).Scan(&crewSize); err != nil {
		return err
	}
	if crewSize >= MaxCrewSize {
		return ErrCrewFull
	}

	cmd, err := tx.Exec(ctx, `
		INSERT INTO heist.members (heist_id, player_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, heistID, playerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyJoined
	}
	return tx.Commit(ctx)
}

func (s *Service) Get(ctx context.Context, heistID int64) (Heist, error) {
	var out Heist
	err := s.db.QueryRow(ctx, `
		SELECT id, leader_id, target, pot, status, executes_at, resolved_at
		FROM heist.heists
		WHERE id = $1
	`, heistID).Scan(&out.ID, &out.LeaderID, &out.Target, &out.Pot, &out.Status, &out.ExecutesAt, &out.ResolvedAt)
	if err == pgx.ErrNoRows {
		return out, ErrHeistNotFound
	}
	if err != nil {
		return out, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT player_id FROM heist.members
		WHERE heist_id = $1
		ORDER BY joined_at
	`, heistID)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return out, err
		}
		out.Crew = append(out.Crew, id)
	}
	return out, rows.Err()
}

// ResolveDue rolls every heist past its execution time. Each one resolves
// in its own transaction.
func (s *Service) ResolveDue(ctx context.Context) (int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM heist.heists
		WHERE status = 'planned' AND executes_at <= now()
	`)
	if err != nil {
		return 0, err
	}
	var due []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	resolved := 0
	for _, id := range due {
		if err := s.resolve(ctx, id); err != nil {
			s.log.Error("heist resolution failed", "heist_id", id, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) resolve(ctx context.Context, heistID int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var leaderID string
	var pot int64
	var status string
	err = tx.QueryRow(ctx, `
		SELECT leader_id, pot, status
		FROM heist.heists
		WHERE id = $1
		FOR UPDATE
	`, heistID).Scan(&leaderID, &pot, &status)
	if err == pgx.ErrNoRows {
		return ErrHeistNotFound
	}
	if err != nil {
		return err
	}
	if status != "planned" {
		return nil
	}

	rows, err := tx.Query(ctx, `
		SELECT player_id FROM heist.members
		WHERE heist_id = $1
		ORDER BY joined_at
	`, heistID)
	if err != nil {
		return err
	}
	var crew []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		crew = append(crew, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(crew) == 0 {
		return fmt.Errorf("heist %d has no crew", heistID)
	}

	s.mu.Lock()
	roll := s.rand.Float64()
	s.mu.Unlock()
	succeeded := roll < successChance(len(crew))

	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
		share, leaderBonus := splitPot(pot, len(crew))
		for _, playerID := range crew {
			credit := share
			if playerID == leaderID {
				credit += leaderBonus
			}
			if credit == 0 {
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE town.players
				SET coins = coins + $1, updated_at = now()
				WHERE id = $2
			`, credit, playerID); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE heist.heists
		SET status = $2, resolved_at = now()
		WHERE id = $1
	`, heistID, outcome); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.HeistsResolved.WithLabelValues(outcome).Inc()
	}
	s.log.Info("heist resolved",
		"heist_id", heistID,
		"outcome", outcome,
		"crew_size", len(crew),
		"pot", pot,
	)
	ev := telemetry.NewEvent("heist."+outcome, leaderID, map[string]any{
		"heist_id":  heistID,
		"crew_size": len(crew),
		"pot":       pot,
	})
	if err := s.emit.Emit(ctx, ev); err != nil {
		s.log.Warn("telemetry emit failed", "kind", ev.Kind, "error", err)
		if s.metrics != nil {
			s.metrics.TelemetryDrops.Inc()
		}
	}
	return nil
}
