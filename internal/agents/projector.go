package agents

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/pipecat"
	"github.com/voxwire/voxwire/internal/secrets"
	"github.com/voxwire/voxwire/internal/users"
	"github.com/voxwire/voxwire/pkg/logging"
)

// ErrInvalidAudioURL rejects background audio URLs that are not https or too long.
var ErrInvalidAudioURL = errors.New("agents: background audio URL must be https and at most 512 chars")

type runtimeClient interface {
	PutSecretSet(ctx context.Context, name string, secrets map[string]string) error
	DeleteSecretSet(ctx context.Context, name string) error
	CreateOrUpdateService(ctx context.Context, def pipecat.ServiceDefinition) error
	DeleteService(ctx context.Context, name string) error
}

type numberUnassigner interface {
	UnassignAgent(ctx context.Context, agentID uuid.UUID) error
}

// ProjectorConfig carries the platform-level values every agent projection needs.
type ProjectorConfig struct {
	AgentImage     string
	Region         string
	OrgID          string
	PublicBaseURL  string
	DailyAPIKey    string
	DeepgramAPIKey string
	CartesiaAPIKey string
	OpenAIAPIKey   string
}

// Projector materializes an agent row into the runtime provider's secret set
// and named service, and keeps both convergent with portal-side settings.
type Projector struct {
	repo    *Repository
	users   *users.Repository
	runtime runtimeClient
	numbers numberUnassigner
	cipher  *secrets.Cipher
	cfg     ProjectorConfig
	logger  *logging.Logger
}

func NewProjector(repo *Repository, usersRepo *users.Repository, runtime runtimeClient,
	numbers numberUnassigner, cipher *secrets.Cipher, cfg ProjectorConfig, logger *logging.Logger) *Projector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Projector{
		repo:    repo,
		users:   usersRepo,
		runtime: runtime,
		numbers: numbers,
		cipher:  cipher,
		cfg:     cfg,
		logger:  logger,
	}
}

// EnsureActionToken returns the agent's bearer token for portal callbacks,
// generating and persisting one when absent. The row stores only the SHA-256
// hash plus the sealed ciphertext.
func (p *Projector) EnsureActionToken(ctx context.Context, agent *Agent) (string, error) {
	if agent.ActionTokenHash != nil && !agent.ActionToken.Empty() {
		token, err := p.cipher.Open(agent.ActionToken)
		if err != nil {
			return "", fmt.Errorf("agents: open action token: %w", err)
		}
		return token, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("agents: generate action token: %w", err)
	}
	token := hex.EncodeToString(raw)
	hash := HashActionToken(token)

	sealed, err := p.cipher.Seal(token)
	if err != nil {
		return "", fmt.Errorf("agents: seal action token: %w", err)
	}
	if err := p.repo.SetActionToken(ctx, agent.ID, hash, sealed); err != nil {
		return "", err
	}
	agent.ActionTokenHash = &hash
	agent.ActionToken = sealed
	return token, nil
}

// HashActionToken maps a bearer token to its stored lookup hash.
func HashActionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Project writes the agent's secret set and service definition to the
// runtime provider. Both are named resources, so repeated projections
// converge on the computed state.
func (p *Projector) Project(ctx context.Context, agent *Agent) error {
	owner, err := p.users.GetByID(ctx, agent.UserID)
	if err != nil {
		return fmt.Errorf("agents: load owner: %w", err)
	}

	token, err := p.EnsureActionToken(ctx, agent)
	if err != nil {
		return err
	}

	transfer := owner.DefaultTransferNumber
	if agent.TransferToNumber != nil && *agent.TransferToNumber != "" {
		transfer = *agent.TransferToNumber
	}

	audioURL, err := p.resolveBackgroundAudioURL(ctx, agent)
	if err != nil {
		return err
	}

	secretMap := map[string]string{
		"DAILY_API_KEY":            p.cfg.DailyAPIKey,
		"DEEPGRAM_API_KEY":         p.cfg.DeepgramAPIKey,
		"CARTESIA_API_KEY":         p.cfg.CartesiaAPIKey,
		"OPENAI_API_KEY":           p.cfg.OpenAIAPIKey,
		"AGENT_PROMPT":             agent.Prompt,
		"AGENT_GREETING":           agent.Greeting,
		"AGENT_VOICE_ID":           agent.VoiceID,
		"OPERATOR_TRANSFER_NUMBER": transfer,
		"PORTAL_BASE_URL":          p.cfg.PublicBaseURL,
		"PORTAL_ACTION_TOKEN":      token,
	}
	if audioURL != "" {
		secretMap["BACKGROUND_AUDIO_URL"] = audioURL
		gain := float32(1.0)
		if agent.BackgroundAudioGain != nil {
			gain = *agent.BackgroundAudioGain
		}
		secretMap["BACKGROUND_AUDIO_GAIN"] = strconv.FormatFloat(float64(gain), 'f', -1, 32)
	}
	if agent.InboundTransferEnabled && agent.InboundTransferNumber != nil {
		secretMap["INBOUND_TRANSFER_NUMBER"] = *agent.InboundTransferNumber
	}

	if err := p.runtime.PutSecretSet(ctx, agent.RuntimeSecretSetName, secretMap); err != nil {
		return fmt.Errorf("agents: put secret set: %w", err)
	}

	region := agent.RuntimeRegion
	if region == "" {
		region = p.cfg.Region
	}
	if err := p.runtime.CreateOrUpdateService(ctx, pipecat.ServiceDefinition{
		ServiceName:    agent.RuntimeServiceName,
		Image:          p.cfg.AgentImage,
		SecretSet:      agent.RuntimeSecretSetName,
		Region:         region,
		OrganizationID: p.cfg.OrgID,
	}); err != nil {
		return fmt.Errorf("agents: upsert service: %w", err)
	}

	p.logger.Info("agent projected",
		"agent_id", agent.ID,
		"service", agent.RuntimeServiceName,
	)
	return nil
}

// Delete tears the agent down: unassign any number (which also drops its
// dial-in config), delete the runtime service and secret set, then the row.
func (p *Projector) Delete(ctx context.Context, agent *Agent) error {
	if p.numbers != nil {
		if err := p.numbers.UnassignAgent(ctx, agent.ID); err != nil {
			return fmt.Errorf("agents: unassign number: %w", err)
		}
	}
	if err := p.runtime.DeleteService(ctx, agent.RuntimeServiceName); err != nil {
		return fmt.Errorf("agents: delete service: %w", err)
	}
	if err := p.runtime.DeleteSecretSet(ctx, agent.RuntimeSecretSetName); err != nil {
		return fmt.Errorf("agents: delete secret set: %w", err)
	}
	return p.repo.Delete(ctx, agent.ID)
}

// resolveBackgroundAudioURL prefers an uploaded WAV served from the portal
// at a tokenized public URL, falling back to a validated customer URL.
func (p *Projector) resolveBackgroundAudioURL(ctx context.Context, agent *Agent) (string, error) {
	audio, err := p.repo.GetBackgroundAudio(ctx, agent.ID)
	if err == nil {
		return fmt.Sprintf("%s/public/agents/%s/background-audio.wav?token=%s",
			p.cfg.PublicBaseURL, agent.ID, url.QueryEscape(audio.AccessToken)), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if agent.BackgroundAudioURL == nil || *agent.BackgroundAudioURL == "" {
		return "", nil
	}
	return *agent.BackgroundAudioURL, validateAudioURL(*agent.BackgroundAudioURL)
}

func validateAudioURL(raw string) error {
	if len(raw) > 512 {
		return ErrInvalidAudioURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return ErrInvalidAudioURL
	}
	return nil
}
