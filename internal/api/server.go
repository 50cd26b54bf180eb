package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"townlet/internal/config"
	"townlet/internal/gov"
	"townlet/internal/heist"
	"townlet/internal/market"
	"townlet/internal/town"
	"townlet/internal/ugc"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type Server struct {
	cfg    config.APIConfig
	log    *slog.Logger
	market *market.Service
	town   *town.Service
	gov    *gov.Service
	heist  *heist.Service
	ugc    *ugc.Service
	mux    *chi.Mux
}

// Deps carries everything the router needs. Limit and Metrics are
// optional: a nil Limit skips rate limiting, a nil Metrics skips the
// /metrics endpoint.
type Deps struct {
	Market  *market.Service
	Town    *town.Service
	Gov     *gov.Service
	Heist   *heist.Service
	UGC     *ugc.Service
	Limit   func(http.Handler) http.Handler
	Metrics http.Handler
}

func New(cfg config.APIConfig, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		log:    logger,
		market: deps.Market,
		town:   deps.Town,
		gov:    deps.Gov,
		heist:  deps.Heist,
		ugc:    deps.UGC,
		mux:    chi.NewRouter(),
	}
	s.routes(deps.Limit, deps.Metrics)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes(limit func(http.Handler) http.Handler, metrics http.Handler) {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}

		r.Post("/players", s.handleCreatePlayer)
		r.Get("/players/{id}", s.handlePlayerDetail)
		r.Get("/players/{id}/inventory", s.handlePlayerInventory)
		r.Get("/players/{id}/history", s.handlePlayerHistory)
		r.Get("/players/{id}/buildings", s.handlePlayerBuildings)
		r.Get("/leaderboard", s.handleLeaderboard)

		r.Get("/market/items", s.handleItemsList)
		r.Get("/market/items/{id}", s.handleItemDetail)
		r.Post("/market/buy", s.handleBuy)
		r.Post("/market/sell", s.handleSell)

		r.Post("/buildings", s.handlePlaceBuilding)
		r.Post("/buildings/{id}/collect", s.handleCollectBuilding)

		r.Post("/elections", s.handleStartElection)
		r.Get("/elections/{id}", s.handleElectionDetail)
		r.Post("/elections/{id}/nominate", s.handleNominate)
		r.Post("/elections/{id}/votes", s.handleElectionVote)

		r.Post("/policies", s.handleProposePolicy)
		r.Get("/policies/{id}", s.handlePolicyDetail)
		r.Post("/policies/{id}/votes", s.handlePolicyVote)

		r.Post("/heists", s.handlePlanHeist)
		r.Get("/heists/{id}", s.handleHeistDetail)
		r.Post("/heists/{id}/join", s.handleJoinHeist)

		r.Post("/minigames", s.handleCreateMinigame)
		r.Get("/minigames", s.handleMinigamesList)
		r.Get("/minigames/{id}", s.handleMinigameDetail)
		r.Post("/minigames/{id}/play", s.handlePlayMinigame)
		r.Post("/minigames/{id}/flag", s.handleFlagMinigame)
	})
}

func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	player, err := s.town.CreatePlayer(r.Context(), in.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, player)
}

func (s *Server) handlePlayerDetail(w http.ResponseWriter, r *http.Request) {
	player, err := s.town.GetPlayer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (s *Server) handlePlayerInventory(w http.ResponseWriter, r *http.Request) {
	out, err := s.market.Inventory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": out})
}

func (s *Server) handlePlayerHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := s.market.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (s *Server) handlePlayerBuildings(w http.ResponseWriter, r *http.Request) {
	out, err := s.town.ListBuildings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buildings": out})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := s.town.Leaderboard(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}

func (s *Server) handleItemsList(w http.ResponseWriter, r *http.Request) {
	out, err := s.market.Items(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleItemDetail(w http.ResponseWriter, r *http.Request) {
	out, err := s.market.ItemDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(market.DirectionBuy, w, r)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(market.DirectionSell, w, r)
}

func (s *Server) handleTrade(dir market.Direction, w http.ResponseWriter, r *http.Request) {
	var in struct {
		PlayerID string `json:"player_id"`
		ItemID   string `json:"item_id"`
		Quantity int64  `json:"quantity"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	input := market.TradeInput{
		PlayerID:       in.PlayerID,
		ItemID:         in.ItemID,
		Quantity:       in.Quantity,
		IdempotencyKey: idempotencyKey(r),
	}
	var (
		out market.TradeResult
		err error
	)
	if dir == market.DirectionBuy {
		out, err = s.market.Buy(r.Context(), input)
	} else {
		out, err = s.market.Sell(r.Context(), input)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlaceBuilding(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PlayerID string `json:"player_id"`
		Kind     string `json:"kind"`
		Plot     int32  `json:"plot"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.town.PlaceBuilding(r.Context(), town.PlaceBuildingInput{
		PlayerID:       in.PlayerID,
		Kind:           in.Kind,
		Plot:           in.Plot,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleCollectBuilding(w http.ResponseWriter, r *http.Request) {
	buildingID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid building id")
		return
	}
	var in struct {
		PlayerID string `json:"player_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	collected, err := s.town.Collect(r.Context(), in.PlayerID, buildingID, idempotencyKey(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collected": collected})
}

func (s *Server) handleStartElection(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title    string    `json:"title"`
		ClosesAt time.Time `json:"closes_at"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.gov.StartElection(r.Context(), in.Title, in.ClosesAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleElectionDetail(w http.ResponseWriter, r *http.Request) {
	electionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid election id")
		return
	}
	out, err := s.gov.GetElection(r.Context(), electionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNominate(w http.ResponseWriter, r *http.Request) {
	electionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid election id")
		return
	}
	var in struct {
		PlayerID string `json:"player_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gov.Nominate(r.Context(), electionID, in.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleElectionVote(w http.ResponseWriter, r *http.Request) {
	electionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid election id")
		return
	}
	var in struct {
		VoterID     string `json:"voter_id"`
		CandidateID string `json:"candidate_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gov.Vote(r.Context(), electionID, in.VoterID, in.CandidateID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleProposePolicy(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title    string    `json:"title"`
		Body     string    `json:"body"`
		ClosesAt time.Time `json:"closes_at"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.gov.ProposePolicy(r.Context(), in.Title, in.Body, in.ClosesAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handlePolicyDetail(w http.ResponseWriter, r *http.Request) {
	policyID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	out, err := s.gov.GetPolicy(r.Context(), policyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePolicyVote(w http.ResponseWriter, r *http.Request) {
	policyID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	var in struct {
		PlayerID string `json:"player_id"`
		Support  bool   `json:"support"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gov.VotePolicy(r.Context(), policyID, in.PlayerID, in.Support); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePlanHeist(w http.ResponseWriter, r *http.Request) {
	var in struct {
		LeaderID   string    `json:"leader_id"`
		Target     string    `json:"target"`
		Pot        int64     `json:"pot"`
		ExecutesAt time.Time `json:"executes_at"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.heist.Plan(r.Context(), heist.PlanInput{
		LeaderID:   in.LeaderID,
		Target:     in.Target,
		Pot:        in.Pot,
		ExecutesAt: in.ExecutesAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleHeistDetail(w http.ResponseWriter, r *http.Request) {
	heistID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid heist id")
		return
	}
	out, err := s.heist.Get(r.Context(), heistID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJoinHeist(w http.ResponseWriter, r *http.Request) {
	heistID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid heist id")
		return
	}
	var in struct {
		PlayerID string `json:"player_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.heist.Join(r.Context(), heistID, in.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateMinigame(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AuthorID   string          `json:"author_id"`
		Title      string          `json:"title"`
		Kind       string          `json:"kind"`
		Definition json.RawMessage `json:"definition"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.ugc.Create(r.Context(), ugc.CreateInput{
		AuthorID:   in.AuthorID,
		Title:      in.Title,
		Kind:       in.Kind,
		Definition: in.Definition,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleMinigamesList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := s.ugc.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"minigames": out})
}

func (s *Server) handleMinigameDetail(w http.ResponseWriter, r *http.Request) {
	out, err := s.ugc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlayMinigame(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PlayerID string `json:"player_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ugc.RecordPlay(r.Context(), chi.URLParam(r, "id"), in.PlayerID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleFlagMinigame(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ReporterID string `json:"reporter_id"`
		Reason     string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ugc.Flag(r.Context(), chi.URLParam(r, "id"), in.ReporterID, in.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrPlayerNotFound),
		errors.Is(err, market.ErrItemNotFound),
		errors.Is(err, town.ErrPlayerNotFound),
		errors.Is(err, town.ErrBuildingNotFound),
		errors.Is(err, gov.ErrElectionNotFound),
		errors.Is(err, gov.ErrPolicyNotFound),
		errors.Is(err, heist.ErrHeistNotFound),
		errors.Is(err, ugc.ErrMinigameNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrMarketFrozen),
		errors.Is(err, town.ErrUnauthorized),
		errors.Is(err, ugc.ErrQuarantined),
		errors.Is(err, ugc.ErrSelfFlag):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientStock),
		errors.Is(err, market.ErrInsufficientInventory),
		errors.Is(err, market.ErrInvalidQuantity),
		errors.Is(err, town.ErrInsufficientFunds),
		errors.Is(err, town.ErrUnknownBuilding),
		errors.Is(err, gov.ErrInvalidTitle),
		errors.Is(err, gov.ErrInvalidDeadline),
		errors.Is(err, gov.ErrNotACandidate),
		errors.Is(err, heist.ErrInvalidPot),
		errors.Is(err, heist.ErrInvalidTarget),
		errors.Is(err, heist.ErrInvalidLeadIn),
		errors.Is(err, ugc.ErrInvalidTitle),
		errors.Is(err, ugc.ErrInvalidKind),
		errors.Is(err, ugc.ErrDefinitionSize),
		errors.Is(err, ugc.ErrBlockedContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, market.ErrDuplicateIdempotency),
		errors.Is(err, market.ErrTradeConflict),
		errors.Is(err, town.ErrDuplicateRequest),
		errors.Is(err, town.ErrPlotTaken),
		errors.Is(err, town.ErrUsernameTaken),
		errors.Is(err, town.ErrCooldownActive),
		errors.Is(err, gov.ErrElectionClosed),
		errors.Is(err, gov.ErrPolicyClosed),
		errors.Is(err, gov.ErrAlreadyCandidate),
		errors.Is(err, heist.ErrHeistClosed),
		errors.Is(err, heist.ErrCrewFull),
		errors.Is(err, heist.ErrAlreadyJoined),
		errors.Is(err, ugc.ErrAlreadyFlagged):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}
