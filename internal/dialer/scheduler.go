package dialer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/numbers"
	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/pkg/logging"
)

// claimBatchLimit caps how many leads one tick claims per campaign.
const claimBatchLimit = 50

type sessionStarter interface {
	StartSession(ctx context.Context, agentName string, req pipecat.StartRequest) (*pipecat.StartResponse, error)
}

// SchedulerConfig holds the dial-out tick knobs.
type SchedulerConfig struct {
	Interval         time.Duration
	MinConcurrency   int
	MaxConcurrency   int
	PublicBaseURL    string
	AnnouncerService string
}

// Scheduler claims pending leads under each running campaign's concurrency
// cap and posts dial-out session starts for them.
type Scheduler struct {
	repo    *Repository
	agents  *agents.Repository
	numbers *numbers.Repository
	runtime sessionStarter
	cfg     SchedulerConfig
	logger  *logging.Logger
}

func NewScheduler(repo *Repository, agentsRepo *agents.Repository, numbersRepo *numbers.Repository,
	runtime sessionStarter, cfg SchedulerConfig, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		repo:    repo,
		agents:  agentsRepo,
		numbers: numbersRepo,
		runtime: runtime,
		cfg:     cfg,
		logger:  logger.Component("dialer"),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("dialer tick failed", "error", err)
			}
		}
	}
}

// Tick runs one pass over all running campaigns. The lead claim is the
// atomic step, so overlapping ticks cannot double-dial.
func (s *Scheduler) Tick(ctx context.Context) error {
	campaigns, err := s.repo.ListRunningCampaigns(ctx, 200)
	if err != nil {
		return err
	}
	for i := range campaigns {
		if err := s.tickCampaign(ctx, &campaigns[i]); err != nil {
			s.logger.Error("campaign tick failed",
				"campaign_id", campaigns[i].ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) tickCampaign(ctx context.Context, c *Campaign) error {
	limit := s.clampConcurrency(c.ConcurrencyLimit)
	inProgress, err := s.repo.CountInProgress(ctx, c.ID)
	if err != nil {
		return err
	}
	available := limit - inProgress
	if available <= 0 {
		return nil
	}
	if available > claimBatchLimit {
		available = claimBatchLimit
	}

	// Routing is resolved before any lead is claimed. A claim moves leads
	// out of 'pending' for good, so claiming first would strand them when
	// the campaign's agent or number is broken.
	serviceName, callerID, err := s.resolveRouting(ctx, c)
	if err != nil {
		return err
	}

	leads, err := s.repo.ClaimPendingLeads(ctx, c.ID, available)
	if err != nil {
		return err
	}
	if len(leads) == 0 {
		return nil
	}

	for i := range leads {
		s.dialLead(ctx, c, &leads[i], serviceName, callerID)
	}
	return nil
}

// resolveRouting picks the runtime service and caller id for a campaign: the
// assigned agent and its AI number, or the shared announcer for audio-only.
func (s *Scheduler) resolveRouting(ctx context.Context, c *Campaign) (serviceName, callerID string, err error) {
	if c.AIAgentID == nil {
		if s.cfg.AnnouncerService == "" {
			return "", "", fmt.Errorf("dialer: campaign %s has no agent and no announcer service", c.ID)
		}
		return s.cfg.AnnouncerService, "", nil
	}
	agent, err := s.agents.GetByID(ctx, *c.AIAgentID)
	if err != nil {
		return "", "", err
	}
	number, err := s.numbers.GetByAgentID(ctx, agent.ID)
	if err == nil {
		callerID = number.PhoneNumber
	} else if err != numbers.ErrNotFound {
		return "", "", err
	}
	return agent.RuntimeServiceName, callerID, nil
}

func (s *Scheduler) dialLead(ctx context.Context, c *Campaign, lead *Lead, serviceName, callerID string) {
	callID := buildCallID(c.ID, lead.ID, time.Now())
	callDomain := "dialer-" + c.ID.String()

	log := &CallLog{
		CampaignID: c.ID,
		LeadID:     &lead.ID,
		UserID:     c.UserID,
		AIAgentID:  c.AIAgentID,
		CallID:     &callID,
		CallDomain: &callDomain,
		Status:     "created",
	}
	if err := s.repo.CreateCallLog(ctx, log); err != nil {
		s.logger.Error("failed to record dial-out attempt",
			"lead_id", lead.ID, "error", err)
		return
	}

	body := pipecat.StartBody{
		Mode: "dialout",
		DialoutSettings: &pipecat.DialoutSettings{
			PhoneNumber: lead.PhoneNumber,
			CallerID:    callerID,
		},
	}
	if c.AIAgentID == nil && len(c.CampaignAudio) > 0 {
		body.CampaignAudioURL = fmt.Sprintf("%s/public/campaigns/%s/audio.wav",
			s.cfg.PublicBaseURL, c.ID)
	}
	_, err := s.runtime.StartSession(ctx, serviceName, pipecat.StartRequest{
		CreateDailyRoom: true,
		Body:            body,
	})
	if err != nil {
		msg := err.Error()
		if setErr := s.repo.SetCallLogStatus(ctx, log.ID, "error", &msg); setErr != nil {
			s.logger.Error("failed to mark dial-out error", "lead_id", lead.ID, "error", setErr)
		}
		if setErr := s.repo.SetLeadStatus(ctx, lead.ID, LeadFailed); setErr != nil {
			s.logger.Error("failed to fail lead", "lead_id", lead.ID, "error", setErr)
		}
		s.logger.Warn("dial-out start failed",
			"campaign_id", c.ID, "lead_id", lead.ID, "error", err)
		return
	}

	if err := s.repo.SetCallLogStatus(ctx, log.ID, "dialing", nil); err != nil {
		s.logger.Error("failed to mark dialing", "lead_id", lead.ID, "error", err)
	}
	if err := s.repo.SetLeadStatus(ctx, lead.ID, LeadDialing); err != nil {
		s.logger.Error("failed to mark lead dialing", "lead_id", lead.ID, "error", err)
	}
	s.logger.Info("dial-out started",
		"campaign_id", c.ID, "lead_id", lead.ID, "call_id", callID)
}

func (s *Scheduler) clampConcurrency(limit int) int {
	if s.cfg.MinConcurrency > 0 && limit < s.cfg.MinConcurrency {
		limit = s.cfg.MinConcurrency
	}
	if s.cfg.MaxConcurrency > 0 && limit > s.cfg.MaxConcurrency {
		limit = s.cfg.MaxConcurrency
	}
	return limit
}

// buildCallID derives a provider-safe call id under 64 chars: short campaign
// and lead prefixes plus a base36 timestamp.
func buildCallID(campaignID, leadID uuid.UUID, ts time.Time) string {
	id := fmt.Sprintf("d%sl%s-%s",
		shortID(campaignID), shortID(leadID),
		strconv.FormatInt(ts.UnixMilli(), 36))
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}

func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}
