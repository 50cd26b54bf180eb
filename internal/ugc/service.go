// Package ugc stores player-made minigames. Creation screens titles
// against a blocklist; any flag from another player quarantines the game
// immediately, and review is a human problem outside this service.
package ugc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"townlet/internal/telemetry"
)

const maxDefinitionBytes = 32 * 1024

var (
	ErrMinigameNotFound = errors.New("minigame not found")
	ErrQuarantined      = errors.New("minigame is quarantined")
	ErrInvalidTitle     = errors.New("title must be 3-80 characters")
	ErrInvalidKind      = errors.New("kind must be minigame or puzzle")
	ErrDefinitionSize   = errors.New("definition too large")
	ErrBlockedContent   = errors.New("title contains blocked content")
	ErrAlreadyFlagged   = errors.New("already flagged by this player")
	ErrSelfFlag         = errors.New("cannot flag your own minigame")
)

var blockedTitleFragments = []string{
	"free coins",
	"admin",
	"password",
	"http://",
	"https://",
}

type Minigame struct {
	ID         string          `json:"id"`
	AuthorID   string          `json:"author_id"`
	Title      string          `json:"title"`
	Kind       string          `json:"kind"`
	Definition json.RawMessage `json:"definition"`
	Status     string          `json:"status"`
	Plays      int64           `json:"plays"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CreateInput struct {
	AuthorID   string
	Title      string
	Kind       string
	Definition json.RawMessage
}

type Service struct {
	db   *pgxpool.Pool
	emit telemetry.Emitter
	log  *slog.Logger
}

func NewService(db *pgxpool.Pool, emitter telemetry.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = telemetry.NewLogEmitter(logger)
	}
	return &Service{db: db, emit: emitter, log: logger}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (Minigame, error) {
	var out Minigame
	in.Title = strings.TrimSpace(in.Title)
	if len(in.Title) < 3 || len(in.Title) > 80 {
		return out, ErrInvalidTitle
	}
	if err := screenTitle(in.Title); err != nil {
		return out, err
	}
	kind := strings.ToLower(strings.TrimSpace(in.Kind))
	if kind != "minigame" && kind != "puzzle" {
		return out, ErrInvalidKind
	}
	if len(in.Definition) == 0 {
		in.Definition = json.RawMessage(`{}`)
	}
	if len(in.Definition) > maxDefinitionBytes {
		return out, ErrDefinitionSize
	}
	if !json.Valid(in.Definition) {
		return out, fmt.Errorf("definition is not valid JSON")
	}

	out = Minigame{
		ID:         uuid.NewString(),
		AuthorID:   in.AuthorID,
		Title:      in.Title,
		Kind:       kind,
		Definition: in.Definition,
		Status:     "live",
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO ugc.minigames (id, author_id, title, kind, definition, status, plays, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
	`, out.ID, out.AuthorID, out.Title, out.Kind, out.Definition, out.Status, out.CreatedAt)
	if err != nil {
		return Minigame{}, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Minigame, error) {
	var out Minigame
	err := s.db.QueryRow(ctx, `
		SELECT id, author_id, title, kind, definition, status, plays, created_at
		FROM ugc.minigames
		WHERE id = $1
	`, id).Scan(&out.ID, &out.AuthorID, &out.Title, &out.Kind, &out.Definition, &out.Status, &out.Plays, &out.CreatedAt)
	if err == pgx.ErrNoRows {
		return out, ErrMinigameNotFound
	}
	return out, err
}

// List returns live minigames, most played first. Quarantined games are
// invisible here but still reachable by id for their author.
func (s *Service) List(ctx context.Context, limit int) ([]Minigame, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, author_id, title, kind, definition, status, plays, created_at
		FROM ugc.minigames
		WHERE status = 'live'
		ORDER BY plays DESC, created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Minigame
	for rows.Next() {
		var m Minigame
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Title, &m.Kind, &m.Definition, &m.Status, &m.Plays, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Service) RecordPlay(ctx context.Context, id, playerID string) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE ugc.minigames
		SET plays = plays + 1
		WHERE id = $1 AND status = 'live'
	`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var status string
		err := s.db.QueryRow(ctx, `SELECT status FROM ugc.minigames WHERE id = $1`, id).Scan(&status)
		if err == pgx.ErrNoRows {
			return ErrMinigameNotFound
		}
		if err != nil {
			return err
		}
		return ErrQuarantined
	}

	ev := telemetry.NewEvent("minigame.played", playerID, map[string]any{"minigame_id": id})
	if err := s.emit.Emit(ctx, ev); err != nil {
		s.log.Warn("telemetry emit failed", "kind", ev.Kind, "error", err)
	}
	return nil
}

// Flag quarantines the minigame on the first report. Repeat reports from
// the same player are rejected; reports from new players on an already
// quarantined game just record the flag.
func (s *Service) Flag(ctx context.Context, id, reporterID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var authorID string
	err = tx.QueryRow(ctx, `
		SELECT author_id FROM ugc.minigames WHERE id = $1 FOR UPDATE
	`, id).Scan(&authorID)
	if err == pgx.ErrNoRows {
		return ErrMinigameNotFound
	}
	if err != nil {
		return err
	}
	if authorID == reporterID {
		return ErrSelfFlag
	}

	cmd, err := tx.Exec(ctx, `
		INSERT INTO ugc.flags (minigame_id, reporter_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, id, reporterID, reason)
	if err != nil {
		return translateFK(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyFlagged
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ugc.minigames
		SET status = 'quarantined'
		WHERE id = $1 AND status = 'live'
	`, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.log.Info("minigame flagged", "minigame_id", id, "reporter_id", reporterID, "reason", reason)
	return nil
}

func screenTitle(title string) error {
	lower := strings.ToLower(title)
	for _, fragment := range blockedTitleFragments {
		if strings.Contains(lower, fragment) {
			return ErrBlockedContent
		}
	}
	return nil
}

func translateFK(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("referenced player does not exist: %w", err)
	}
	return err
}
