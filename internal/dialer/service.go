package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/pkg/logging"
)

// Campaign concurrency bounds, enforced here and by the table CHECK.
const (
	MinCampaignConcurrency = 1
	MaxCampaignConcurrency = 20
)

var (
	ErrBadName        = errors.New("dialer: campaign name required")
	ErrBadConcurrency = fmt.Errorf("dialer: concurrency limit must be between %d and %d",
		MinCampaignConcurrency, MaxCampaignConcurrency)
	ErrNoAgentOrAudio = errors.New("dialer: campaign needs an agent or an announcement audio")
	ErrAgentNotOwned  = errors.New("dialer: agent does not belong to the campaign owner")
	ErrBadStatus      = errors.New("dialer: unknown campaign status")
)

// CampaignParams is the owner-supplied part of a new campaign.
type CampaignParams struct {
	Name             string
	AIAgentID        *uuid.UUID
	ConcurrencyLimit int
	CampaignAudio    []byte
}

// Service validates campaign writes before they reach the repository: agent
// ownership for AI campaigns, concurrency bounds, and lead-import scoping.
type Service struct {
	repo   *Repository
	agents *agents.Repository
	logger *logging.Logger
}

func NewService(repo *Repository, agentsRepo *agents.Repository, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, agents: agentsRepo, logger: logger.Component("dialer")}
}

// CreateCampaign validates and inserts a draft campaign for userID.
func (s *Service) CreateCampaign(ctx context.Context, userID uuid.UUID, params CampaignParams) (*Campaign, error) {
	if params.Name == "" {
		return nil, ErrBadName
	}
	if params.ConcurrencyLimit < MinCampaignConcurrency ||
		params.ConcurrencyLimit > MaxCampaignConcurrency {
		return nil, ErrBadConcurrency
	}
	if params.AIAgentID == nil && len(params.CampaignAudio) == 0 {
		return nil, ErrNoAgentOrAudio
	}
	if params.AIAgentID != nil {
		agent, err := s.agents.GetByID(ctx, *params.AIAgentID)
		if err != nil {
			if errors.Is(err, agents.ErrNotFound) {
				return nil, ErrAgentNotOwned
			}
			return nil, err
		}
		if agent.UserID != userID {
			return nil, ErrAgentNotOwned
		}
	}

	c := &Campaign{
		UserID:           userID,
		Name:             params.Name,
		AIAgentID:        params.AIAgentID,
		ConcurrencyLimit: params.ConcurrencyLimit,
		CampaignAudio:    params.CampaignAudio,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("campaign created",
		"campaign_id", c.ID, "user_id", userID, "concurrency", c.ConcurrencyLimit)
	return c, nil
}

// ImportLeads parses a CSV of leads into an owned campaign. Rejected rows
// come back by line so the caller can report them without failing the batch.
func (s *Service) ImportLeads(ctx context.Context, userID, campaignID uuid.UUID, csv io.Reader) (*ParseResult, int, error) {
	if _, err := s.repo.GetCampaign(ctx, userID, campaignID); err != nil {
		return nil, 0, err
	}
	parsed, err := ParseLeadCSV(csv, campaignID, userID)
	if err != nil {
		return nil, 0, err
	}
	inserted := 0
	if len(parsed.Leads) > 0 {
		inserted, err = s.repo.InsertLeads(ctx, parsed.Leads)
		if err != nil {
			return nil, 0, err
		}
	}
	s.logger.Info("leads imported",
		"campaign_id", campaignID, "inserted", inserted, "rejected", len(parsed.Rejected))
	return parsed, inserted, nil
}

// SetStatus transitions an owned campaign to status.
func (s *Service) SetStatus(ctx context.Context, userID, campaignID uuid.UUID, status string) error {
	switch status {
	case CampaignDraft, CampaignRunning, CampaignPaused, CampaignCompleted, CampaignDeleted:
	default:
		return ErrBadStatus
	}
	return s.repo.SetCampaignStatus(ctx, userID, campaignID, status)
}
