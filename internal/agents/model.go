package agents

import (
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/internal/secrets"
)

// Agent is a customer-configured AI voice agent. Its runtime projection (a
// secret set plus a named service at the agent-runtime provider) is derived
// from this row and kept convergent by the Projector.
type Agent struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	DisplayName            string
	Greeting               string
	Prompt                 string
	VoiceID                string
	BackgroundAudioURL     *string
	BackgroundAudioGain    *float32
	TransferToNumber       *string
	InboundTransferEnabled bool
	InboundTransferNumber  *string
	RuntimeServiceName     string
	RuntimeSecretSetName   string
	RuntimeRegion          string
	ActionTokenHash        *string
	ActionToken            secrets.SealedString
	DefaultDocTemplateID   *uuid.UUID
	CreatedAt              time.Time
}

// BackgroundAudio is a customer-uploaded ambience WAV served at a tokenized
// public URL.
type BackgroundAudio struct {
	AgentID     uuid.UUID
	UserID      uuid.UUID
	Audio       []byte
	AccessToken string
	Mime        string
	Size        int64
	CreatedAt   time.Time
}

// DocTemplate is a DOCX letter template used by the physical mail action.
type DocTemplate struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Name             string
	OriginalFilename string
	Doc              []byte
	CreatedAt        time.Time
}
