// Package gov runs town elections and policy referendums. Votes are
// upserts keyed by voter, so changing your mind before close is a
// single-row rewrite rather than an append.
package gov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"townlet/internal/obs"
)

var (
	ErrElectionNotFound = errors.New("election not found")
	ErrElectionClosed   = errors.New("election is closed")
	ErrPolicyNotFound   = errors.New("policy not found")
	ErrPolicyClosed     = errors.New("policy vote is closed")
	ErrNotACandidate    = errors.New("not a candidate in this election")
	ErrAlreadyCandidate = errors.New("already nominated")
	ErrInvalidTitle     = errors.New("title must be 3-120 characters")
	ErrInvalidDeadline  = errors.New("closing time must be in the future")
)

type Election struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	ClosesAt  time.Time `json:"closes_at"`
	WinnerID  *string   `json:"winner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Tallies   []Tally   `json:"tallies,omitempty"`
}

type Tally struct {
	CandidateID string `json:"candidate_id"`
	Votes       int64  `json:"votes"`
}

type Policy struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	ClosesAt  time.Time `json:"closes_at"`
	CreatedAt time.Time `json:"created_at"`
	Ayes      int64     `json:"ayes"`
	Nays      int64     `json:"nays"`
}

type Service struct {
	db      *pgxpool.Pool
	metrics *obs.Metrics
	log     *slog.Logger
}

func NewService(db *pgxpool.Pool, metrics *obs.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, metrics: metrics, log: logger}
}

func (s *Service) StartElection(ctx context.Context, title string, closesAt time.Time) (Election, error) {
	var out Election
	title = strings.TrimSpace(title)
	if len(title) < 3 || len(title) > 120 {
		return out, ErrInvalidTitle
	}
	if !closesAt.After(time.Now()) {
		return out, ErrInvalidDeadline
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO gov.elections (title, closes_at)
		VALUES ($1, $2)
		RETURNING id, title, status, closes_at, created_at
	`, title, closesAt.UTC()).Scan(&out.ID, &out.Title, &out.Status, &out.ClosesAt, &out.CreatedAt)
	return out, err
}

func (s *Service) Nominate(ctx context.Context, electionID int64, playerID string) error {
	status, err := s.electionStatus(ctx, electionID)
	if err != nil {
		return err
	}
	if status != "open" {
		return ErrElectionClosed
	}
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO gov.candidates (election_id, player_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, electionID, playerID)
	if err != nil {
		return translateFK(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyCandidate
	}
	return nil
}

// Vote records or replaces the caller's ballot.
func (s *Service) Vote(ctx context.Context, electionID int64, voterID, candidateID string) error {
	status, err := s.electionStatus(ctx, electionID)
	if err != nil {
		return err
	}
	if status != "open" {
		return ErrElectionClosed
	}

	var exists bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM gov.candidates
			WHERE election_id = $1 AND player_id = $2
		)
	`, electionID, candidateID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotACandidate
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO gov.election_votes (election_id, voter_id, candidate_id, cast_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (election_id, voter_id)
		DO UPDATE SET candidate_id = EXCLUDED.candidate_id, cast_at = now()
	`, electionID, voterID, candidateID)
	return translateFK(err)
}

func (s *Service) GetElection(ctx context.Context, electionID int64) (Election, error) {
	var out Election
	err := s.db.QueryRow(ctx, `
		SELECT id, title, status, closes_at, winner_id, created_at
		FROM gov.elections
		WHERE id = $1
	`, electionID).Scan(&out.ID, &out.Title, &out.Status, &out.ClosesAt, &out.WinnerID, &out.CreatedAt)
	if err == pgx.ErrNoRows {
		return out, ErrElectionNotFound
	}
	if err != nil {
		return out, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT c.player_id, count(v.voter_id)
		FROM gov.candidates c
		LEFT JOIN gov.election_votes v
			ON v.election_id = c.election_id AND v.candidate_id = c.player_id
		WHERE c.election_id = $1
		GROUP BY c.player_id
		ORDER BY count(v.voter_id) DESC, c.player_id
	`, electionID)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var t Tally
		if err := rows.Scan(&t.CandidateID, &t.Votes); err != nil {
			return out, err
		}
		out.Tallies = append(out.Tallies, t)
	}
	return out, rows.Err()
}

// CloseDueElections is called by the worker. Each due election closes in
// its own transaction so one bad row cannot wedge the sweep.
func (s *Service) CloseDueElections(ctx context.Context) (int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM gov.elections
		WHERE status = 'open' AND closes_at <= now()
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

	closed := 0
	for _, id := range due {
		if err := s.closeElection(ctx, id); err != nil {
			s.log.Error("close election failed", "election_id", id, "error", err)
			continue
		}
		closed++
		if s.metrics != nil {
			s.metrics.ElectionsClosed.Inc()
		}
	}
	return closed, nil
}

func (s *Service) closeElection(ctx context.Context, electionID int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM gov.elections WHERE id = $1 FOR UPDATE
	`, electionID).Scan(&status)
	if err == pgx.ErrNoRows {
		return ErrElectionNotFound
	}
	if err != nil {
		return err
	}
	if status != "open" {
		return nil
	}

	var winner *string
	err = tx.QueryRow(ctx, `
		SELECT candidate_id
		FROM gov.election_votes
		WHERE election_id = $1
		GROUP BY candidate_id
		ORDER BY count(*) DESC, candidate_id
		LIMIT 1
	`, electionID).Scan(&winner)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE gov.elections
		SET status = 'closed', winner_id = $2
		WHERE id = $1
	`, electionID, winner); err != nil {
		return err
	}
	s.log.Info("election closed", "election_id", electionID, "winner", winner)
	return tx.Commit(ctx)
}

func (s *Service) ProposePolicy(ctx context.Context, title, body string, closesAt time.Time) (Policy, error) {
	var out Policy
	title = strings.TrimSpace(title)
	if len(title) < 3 || len(title) > 120 {
		return out, ErrInvalidTitle
	}
	if !closesAt.After(time.Now()) {
		return out, ErrInvalidDeadline
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO gov.policies (title, body, closes_at)
		VALUES ($1, $2, $3)
		RETURNING id, title, body, status, closes_at, created_at
	`, title, strings.TrimSpace(body), closesAt.UTC()).
		Scan(&out.ID, &out.Title, &out.Body, &out.Status, &out.ClosesAt, &out.CreatedAt)
	return out, err
}

func (s *Service) VotePolicy(ctx context.Context, policyID int64, playerID string, support bool) error {
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT status FROM gov.policies WHERE id = $1
	`, policyID).Scan(&status)
	if err == pgx.ErrNoRows {
		return ErrPolicyNotFound
	}
	if err != nil {
		return err
	}
	if status != "open" {
		return ErrPolicyClosed
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO gov.policy_votes (policy_id, player_id, support, cast_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (policy_id, player_id)
		DO UPDATE SET support = EXCLUDED.support, cast_at = now()
	`, policyID, playerID, support)
	return translateFK(err)
}

func (s *Service) GetPolicy(ctx context.Context, policyID int64) (Policy, error) {
	var out Policy
	err := s.db.QueryRow(ctx, `
		SELECT p.id, p.title, p.body, p.status, p.closes_at, p.created_at,
		       count(v.player_id) FILTER (WHERE v.support),
		       count(v.player_id) FILTER (WHERE NOT v.support)
		FROM gov.policies p
		LEFT JOIN gov.policy_votes v ON v.policy_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`, policyID).Scan(&out.ID, &out.Title, &out.Body, &out.Status, &out.ClosesAt, &out.CreatedAt, &out.Ayes, &out.Nays)
	if err == pgx.ErrNoRows {
		return out, ErrPolicyNotFound
	}
	return out, err
}

// CloseDuePolicies marks open policies past their deadline as passed or
// rejected. A tie rejects.
func (s *Service) CloseDuePolicies(ctx context.Context) (int, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE gov.policies p
		SET status = CASE WHEN t.ayes > t.nays THEN 'passed' ELSE 'rejected' END
		FROM (
			SELECT p2.id,
			       count(v.player_id) FILTER (WHERE v.support) AS ayes,
			       count(v.player_id) FILTER (WHERE NOT v.support) AS nays
			FROM gov.policies p2
			LEFT JOIN gov.policy_votes v ON v.policy_id = p2.id
			WHERE p2.status = 'open' AND p2.closes_at <= now()
			GROUP BY p2.id
		) t
		WHERE p.id = t.id
	`)
	if err != nil {
		return 0, err
	}
	n := int(cmd.RowsAffected())
	if n > 0 {
		s.log.Info("policies closed", "count", n)
	}
	return n, nil
}

func (s *Service) electionStatus(ctx context.Context, electionID int64) (string, error) {
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT status FROM gov.elections WHERE id = $1
	`, electionID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", ErrElectionNotFound
	}
	return status, err
}

func translateFK(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("referenced player does not exist: %w", err)
	}
	return err
}
