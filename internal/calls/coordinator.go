package calls

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voxwire/voxwire/internal/agents"
	"github.com/voxwire/voxwire/internal/numbers"
	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/internal/users"
	"github.com/voxwire/voxwire/pkg/logging"
)

// Coordinator outcomes; the HTTP layer maps these to status codes.
var (
	ErrBadToken     = errors.New("calls: dial-in token mismatch")
	ErrNoAgent      = errors.New("calls: no agent for dialed number")
	ErrBlocked      = errors.New("calls: balance below inbound threshold")
	ErrSessionStart = errors.New("calls: session start failed")
)

type sessionStarter interface {
	StartSession(ctx context.Context, agentName string, req pipecat.StartRequest) (*pipecat.StartResponse, error)
}

type inboundDisabler interface {
	DisableInbound(ctx context.Context, userID uuid.UUID) error
}

// DialInRequest is the provider's room-creation callback payload.
type DialInRequest struct {
	To         string `json:"To"`
	From       string `json:"From"`
	CallID     string `json:"callId"`
	CallDomain string `json:"callDomain"`
	Token      string `json:"-"`
}

// CoordinatorConfig carries the inbound admission policy.
type CoordinatorConfig struct {
	WebhookToken        string
	MinCreditForInbound decimal.Decimal
	BalanceFailClosed   bool
}

// Coordinator admits inbound PSTN calls: token check, agent lookup, balance
// gate, call log upsert, then the session start against the agent runtime.
type Coordinator struct {
	repo    *Repository
	numbers *numbers.Repository
	agents  *agents.Repository
	users   *users.Repository
	runtime sessionStarter
	routing inboundDisabler
	memory  *MemoryBuilder
	cfg     CoordinatorConfig
	logger  *logging.Logger
}

func NewCoordinator(repo *Repository, numbersRepo *numbers.Repository, agentsRepo *agents.Repository,
	usersRepo *users.Repository, runtime sessionStarter, routing inboundDisabler,
	memory *MemoryBuilder, cfg CoordinatorConfig, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		repo:    repo,
		numbers: numbersRepo,
		agents:  agentsRepo,
		users:   usersRepo,
		runtime: runtime,
		routing: routing,
		memory:  memory,
		cfg:     cfg,
		logger:  logger,
	}
}

// HandleDialIn runs the admission pipeline for one inbound call. The
// returned room URL goes back to the telephony provider.
func (c *Coordinator) HandleDialIn(ctx context.Context, req DialInRequest) (*pipecat.StartResponse, error) {
	if c.cfg.WebhookToken != "" &&
		subtle.ConstantTimeCompare([]byte(req.Token), []byte(c.cfg.WebhookToken)) != 1 {
		return nil, ErrBadToken
	}

	number, err := c.numbers.GetByPhoneNumber(ctx, req.To)
	if err != nil {
		if errors.Is(err, numbers.ErrNotFound) {
			return nil, ErrNoAgent
		}
		return nil, err
	}
	if number.AssignedAgentID == nil {
		return nil, ErrNoAgent
	}
	agent, err := c.agents.GetByID(ctx, *number.AssignedAgentID)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return nil, ErrNoAgent
		}
		return nil, err
	}

	log := &CallLog{
		CallID:           req.CallID,
		CallDomain:       req.CallDomain,
		UserID:           number.UserID,
		AgentID:          &agent.ID,
		ExternalNumberID: &number.ID,
		Direction:        "inbound",
		FromNumber:       req.From,
		ToNumber:         req.To,
		TimeStart:        time.Now(),
	}
	if err := c.repo.Upsert(ctx, log); err != nil {
		return nil, err
	}

	balance, err := c.users.Balance(ctx, number.UserID)
	if err != nil {
		c.logger.Error("balance check failed on inbound call",
			"user_id", number.UserID, "call_id", req.CallID, "error", err)
		if c.cfg.BalanceFailClosed {
			return nil, c.block(ctx, log, StatusBlockedCheckFailed)
		}
	} else if balance.LessThan(c.cfg.MinCreditForInbound) {
		return nil, c.block(ctx, log, StatusBlockedFunds)
	}

	var memory *pipecat.CallerMemory
	if c.memory != nil {
		memory, err = c.memory.Build(ctx, number.UserID, &agent.ID,
			req.From, req.CallDomain, req.CallID)
		if err != nil {
			// Memory is best-effort; the call proceeds without it.
			c.logger.Warn("caller memory build failed",
				"call_id", req.CallID, "error", err)
			memory = nil
		}
	}

	resp, err := c.runtime.StartSession(ctx, agent.RuntimeServiceName, pipecat.StartRequest{
		CreateDailyRoom: true,
		Body: pipecat.StartBody{
			Mode: "dialin",
			DialinSettings: &pipecat.DialinSettings{
				To:         req.To,
				From:       req.From,
				CallID:     req.CallID,
				CallDomain: req.CallDomain,
			},
			CallerMemory: memory,
		},
	})
	if err != nil {
		if setErr := c.repo.SetStatus(ctx, log.ID, StatusPipecatStartFailed); setErr != nil {
			c.logger.Error("failed to mark session start failure",
				"call_id", req.CallID, "error", setErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}
	if err := c.repo.SetStatus(ctx, log.ID, StatusPipecatStarted); err != nil {
		return nil, err
	}

	c.logger.Info("inbound call admitted",
		"call_id", req.CallID,
		"call_domain", req.CallDomain,
		"agent_id", agent.ID,
		"has_memory", memory != nil,
	)
	return resp, nil
}

// block marks the call row and synchronously tears down the user's inbound
// routing so the provider stops sending calls it cannot pay for.
func (c *Coordinator) block(ctx context.Context, log *CallLog, status string) error {
	if err := c.repo.SetStatus(ctx, log.ID, status); err != nil {
		c.logger.Error("failed to mark blocked call", "call_id", log.CallID, "error", err)
	}
	if c.routing != nil {
		if err := c.routing.DisableInbound(ctx, log.UserID); err != nil {
			c.logger.Error("failed to disable inbound routing",
				"user_id", log.UserID, "error", err)
		}
	}
	return ErrBlocked
}
