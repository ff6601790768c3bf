package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/calls"
	"github.com/voxwire/voxwire/internal/dialer"
	"github.com/voxwire/voxwire/internal/ledger"
	"github.com/voxwire/voxwire/internal/users"
	"github.com/voxwire/voxwire/pkg/logging"
)

// AdminHandler is the JWT-protected surface for support tooling: wallet
// reads, suspension, campaign oversight, and agent runtime projection.
type AdminHandler struct {
	ledger    *ledger.Ledger
	users     *users.Repository
	calls     *calls.Repository
	dialer    *dialer.Repository
	campaigns *dialer.Service
	agents    *agents.Repository
	projector *agents.Projector
	logger    *logging.Logger
}

func NewAdminHandler(l *ledger.Ledger, usersRepo *users.Repository,
	callsRepo *calls.Repository, dialerRepo *dialer.Repository,
	campaigns *dialer.Service, agentsRepo *agents.Repository,
	projector *agents.Projector, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{ledger: l, users: usersRepo, calls: callsRepo,
		dialer: dialerRepo, campaigns: campaigns, agents: agentsRepo,
		projector: projector, logger: logger.Component("admin")}
}

func (h *AdminHandler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *AdminHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("read balance failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"user_id": userID.String(),
		"balance": balance.String(),
	})
}

func (h *AdminHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list transactions failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (h *AdminHandler) Calls(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.calls.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list calls failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": logs})
}

func (h *AdminHandler) RunningCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.dialer.ListRunningCampaigns(r.Context(), 200)
	if err != nil {
		h.logger.Error("list campaigns failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (h *AdminHandler) loadAgent(w http.ResponseWriter, r *http.Request) *agents.Agent {
	agentID, err := uuid.Parse(chi.URLParam(r, "agentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid agent id")
		return nil
	}
	agent, err := h.agents.GetByID(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
			return nil
		}
		h.logger.Error("load agent failed", "agent_id", agentID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	return agent
}

// ProjectAgent pushes the agent's secret set and service definition to the
// runtime provider. Projection is idempotent, so support can re-run it after
// fixing a bad deploy.
func (h *AdminHandler) ProjectAgent(w http.ResponseWriter, r *http.Request) {
	agent := h.loadAgent(w, r)
	if agent == nil {
		return
	}
	if err := h.projector.Project(r.Context(), agent); err != nil {
		h.logger.Error("project agent failed", "agent_id", agent.ID, "error", err)
		respondError(w, http.StatusBadGateway, "projection failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"agent_id": agent.ID.String(),
		"status":   "projected",
	})
}

// IssueActionToken returns the agent's tool bearer token, minting one on
// first use.
func (h *AdminHandler) IssueActionToken(w http.ResponseWriter, r *http.Request) {
	agent := h.loadAgent(w, r)
	if agent == nil {
		return
	}
	token, err := h.projector.EnsureActionToken(r.Context(), agent)
	if err != nil {
		h.logger.Error("issue action token failed", "agent_id", agent.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"agent_id":     agent.ID.String(),
		"action_token": token,
	})
}

type createCampaignRequest struct {
	Name             string     `json:"name"`
	AIAgentID        *uuid.UUID `json:"ai_agent_id"`
	ConcurrencyLimit int        `json:"concurrency_limit"`
}

// CreateCampaign opens a draft campaign on behalf of a user. Validation
// lives in the dialer service; this handler only maps its errors.
func (h *AdminHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	c, err := h.campaigns.CreateCampaign(r.Context(), userID, dialer.CampaignParams{
		Name:             req.Name,
		AIAgentID:        req.AIAgentID,
		ConcurrencyLimit: req.ConcurrencyLimit,
	})
	if err != nil {
		switch {
		case errors.Is(err, dialer.ErrBadName),
			errors.Is(err, dialer.ErrBadConcurrency),
			errors.Is(err, dialer.ErrNoAgentOrAudio):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dialer.ErrAgentNotOwned):
			respondError(w, http.StatusForbidden, "agent not owned by user")
		default:
			h.logger.Error("create campaign failed", "user_id", userID, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"campaign_id": c.ID.String(),
		"status":      c.Status,
	})
}

// ImportLeads takes a CSV body and loads it into an owned campaign.
func (h *AdminHandler) ImportLeads(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	parsed, inserted, err := h.campaigns.ImportLeads(r.Context(), userID, campaignID, r.Body)
	if err != nil {
		switch {
		case errors.Is(err, dialer.ErrNotFound):
			respondError(w, http.StatusNotFound, "campaign not found")
		case errors.Is(err, dialer.ErrNoPhoneColumn):
			respondError(w, http.StatusBadRequest, "csv has no phone column")
		default:
			h.logger.Error("import leads failed", "campaign_id", campaignID, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"inserted": inserted,
		"rejected": parsed.Rejected,
	})
}

// SetCampaignStatus transitions an owned campaign (run, pause, complete).
func (h *AdminHandler) SetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.campaigns.SetStatus(r.Context(), userID, campaignID, req.Status); err != nil {
		switch {
		case errors.Is(err, dialer.ErrBadStatus):
			respondError(w, http.StatusBadRequest, "unknown status")
		case errors.Is(err, dialer.ErrNotFound):
			respondError(w, http.StatusNotFound, "campaign not found")
		default:
			h.logger.Error("set campaign status failed", "campaign_id", campaignID, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"campaign_id": campaignID.String(),
		"status":      req.Status,
	})
}

func (h *AdminHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	suspended := r.URL.Query().Get("suspended") != "false"
	if err := h.users.SetSuspended(r.Context(), userID, suspended); err != nil {
		h.logger.Error("set suspended failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID.String(),
		"suspended": suspended,
	})
}
